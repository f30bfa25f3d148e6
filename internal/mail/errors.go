package mail

import (
	"errors"
	"fmt"
)

// Kind names the stage at which a send attempt failed.
type Kind string

const (
	KindInvalidAddress      Kind = "invalid_address"
	KindAttachmentForbidden Kind = "attachment_forbidden"
	KindAttachmentMissing   Kind = "attachment_missing"
	KindRender              Kind = "render"
	KindConnection          Kind = "connection"
)

var (
	// ErrAttachmentNotFound is returned by a resolver when the reference points nowhere.
	ErrAttachmentNotFound = errors.New("attachment not found")

	// ErrOutsideRoot is returned by a resolver when the reference escapes the allowed root.
	ErrOutsideRoot = errors.New("attachment outside allowed root")
)

// SendError is a failure detected by the Sender before or while reaching the
// transport. It carries its own classification.
type SendError struct {
	Kind Kind
	Err  error

	// TransportDown is set when no connection to the relay could be opened.
	// Callers should stop dispatching until the next run.
	TransportDown bool

	permanent bool
}

func (e *SendError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// Permanent reports whether retrying the same job can never succeed.
func (e *SendError) Permanent() bool { return e.permanent }

func permanentError(kind Kind, err error) *SendError {
	return &SendError{Kind: kind, Err: err, permanent: true}
}

func transientError(kind Kind, err error) *SendError {
	return &SendError{Kind: kind, Err: err}
}

// TransportError wraps a failure reported by the relay during the SMTP
// transaction. It leaves classification to the caller; the wrapped error is
// usually a *textproto.Error carrying the reply code.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return "smtp: " + e.Err.Error() }

func (e *TransportError) Unwrap() error { return e.Err }

// IsTransportDown reports whether err signals that the relay is unreachable.
func IsTransportDown(err error) bool {
	var se *SendError
	return errors.As(err, &se) && se.TransportDown
}
