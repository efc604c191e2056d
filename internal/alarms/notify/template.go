package notify

import (
	"bytes"
	"errors"
	"text/template"
)

const DefaultTemplate = `[Alarm {{.EventLabel}}]
Customer: {{.CustomerID}}
Device: {{.Device}}
{{- if .Site }}
Site: {{.Site}}
{{- end }}
Message: {{.Message}}
Start Time: {{.StartTime}}
{{- if .EndTime }}
End Time: {{.EndTime}}
{{- end }}
Current Status: {{.Status}}
`

// TemplateData provides fields for rendering notification content.
type TemplateData struct {
	CustomerID string
	Device     string
	DeviceID   string
	Site       string
	Message    string
	StartTime  string
	EndTime    string
	Status     string
	Event      string
	EventLabel string
}

// Template renders notification content.
type Template struct {
	tpl *template.Template
}

// NewTemplate parses a notification template, falling back to DefaultTemplate.
func NewTemplate(tpl string) (*Template, error) {
	if tpl == "" {
		tpl = DefaultTemplate
	}
	parsed, err := template.New("alarm-notification").Parse(tpl)
	if err != nil {
		return nil, err
	}
	return &Template{tpl: parsed}, nil
}

// Render applies the template to data.
func (t *Template) Render(data TemplateData) (string, error) {
	if t == nil || t.tpl == nil {
		return "", errors.New("alarm template: nil")
	}
	var buf bytes.Buffer
	if err := t.tpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func eventLabel(event string) string {
	switch event {
	case "active":
		return "Triggered"
	case "resolved":
		return "Recovered"
	case "updated":
		return "Updated"
	default:
		return event
	}
}
