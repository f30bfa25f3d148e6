package mail

import (
	"bytes"
	htmltemplate "html/template"
	"strings"
	texttemplate "text/template"

	"bulkmail/internal/store"

	"github.com/Masterminds/sprig/v3"
)

// Rendered is the final content of one message.
type Rendered struct {
	Subject string
	HTML    string
	Text    string
}

// Renderer personalises a payload.
type Renderer interface {
	Render(p store.Payload) (Rendered, error)
}

// TemplateRenderer treats subject and body as Go templates over the payload
// fields, with the hermetic sprig function set available. Functions that read
// the process environment are not defined. Unknown fields render empty.
type TemplateRenderer struct{}

var headerBreaks = strings.NewReplacer("\r", "", "\n", "")

func (TemplateRenderer) Render(p store.Payload) (Rendered, error) {
	data := make(map[string]string, len(p.Fields)+2)
	for k, v := range p.Fields {
		data[k] = v
	}
	data["Email"] = p.ToEmail
	data["Name"] = p.ToName

	subject, err := renderText("subject", p.Subject, data)
	if err != nil {
		return Rendered{}, err
	}

	text, err := renderText("body", p.Body, data)
	if err != nil {
		return Rendered{}, err
	}

	tmpl, err := htmltemplate.New("body").Funcs(sprig.HermeticHTMLFuncMap()).Option("missingkey=zero").Parse(p.Body)
	if err != nil {
		return Rendered{}, err
	}
	var html bytes.Buffer
	if err := tmpl.Execute(&html, data); err != nil {
		return Rendered{}, err
	}

	return Rendered{
		Subject: headerBreaks.Replace(subject),
		HTML:    html.String(),
		Text:    text,
	}, nil
}

func renderText(name, src string, data map[string]string) (string, error) {
	tmpl, err := texttemplate.New(name).Funcs(sprig.HermeticTxtFuncMap()).Option("missingkey=zero").Parse(src)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
