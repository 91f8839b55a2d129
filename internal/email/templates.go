package email

import (
	"bytes"
	"fmt"
	"text/template"
	"time"
)

const occasionBodyTemplate = `Hi,

Your occasion "{{.Label}}" is here. Here is the message we prepared for {{.RecipientEmail}}:

{{.Summary}}

The Occasion Alerts team
`

var occasionTmpl = template.Must(template.New("occasion").Parse(occasionBodyTemplate))

type occasionTemplateData struct {
	Label          string
	RecipientEmail string
	Date           string
	Summary        string
}

// RenderOccasionEmail returns the subject and body for an occasion
// notification.
func RenderOccasionEmail(label, recipientEmail string, date time.Time, summary string) (string, string, error) {
	data := occasionTemplateData{
		Label:          label,
		RecipientEmail: recipientEmail,
		Date:           date.UTC().Format("January 2, 2006"),
		Summary:        summary,
	}

	var buf bytes.Buffer
	if err := occasionTmpl.Execute(&buf, data); err != nil {
		return "", "", fmt.Errorf("failed to execute occasion template: %w", err)
	}

	subject := fmt.Sprintf("Your message for %s is ready", label)
	return subject, buf.String(), nil
}
