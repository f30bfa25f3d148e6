package mail

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Attachment is a resolved file ready to be attached to a message.
type Attachment struct {
	Name string
	Data []byte
}

// AttachmentResolver turns an attachment reference from a payload into bytes.
type AttachmentResolver interface {
	Resolve(ref string) (*Attachment, error)
}

// FSResolver resolves references as paths relative to Root. References that
// escape Root, including through symlinks, are rejected with ErrOutsideRoot.
type FSResolver struct {
	Root string
}

func (r FSResolver) Resolve(ref string) (*Attachment, error) {
	if r.Root == "" {
		return nil, fmt.Errorf("%w: no attachment root configured", ErrOutsideRoot)
	}

	root, err := filepath.Abs(r.Root)
	if err != nil {
		return nil, err
	}
	if resolved, err := filepath.EvalSymlinks(root); err == nil {
		root = resolved
	}

	path := ref
	if !filepath.IsAbs(path) {
		path = filepath.Join(root, path)
	}
	path = filepath.Clean(path)

	if !within(root, path) {
		return nil, fmt.Errorf("%w: %s", ErrOutsideRoot, ref)
	}

	target, err := filepath.EvalSymlinks(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrAttachmentNotFound, ref)
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrAttachmentNotFound, ref, err)
	}
	if !within(root, target) {
		return nil, fmt.Errorf("%w: %s", ErrOutsideRoot, ref)
	}

	data, err := os.ReadFile(target)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrAttachmentNotFound, ref, err)
	}

	return &Attachment{Name: filepath.Base(target), Data: data}, nil
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && rel != "."
}
