package sender

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"golang.org/x/net/html"

	awsclients "notification-pipeline/internal/common/aws"
	"notification-pipeline/internal/common/validation"
	"notification-pipeline/internal/models"
)

type EmailSender struct {
	client awsclients.SESAPI
	from   string
}

var _ Sender = (*EmailSender)(nil)

func NewEmailSender(client awsclients.SESAPI, from string) *EmailSender {
	return &EmailSender{client: client, from: from}
}

// Send delivers body as the HTML part. The text part is the same content
// with markup removed and entities decoded.
func (s *EmailSender) Send(ctx context.Context, recipient models.Recipient, subject, body string) error {
	if !validation.ValidateEmail(recipient.Email) {
		return undeliverable(models.ChannelEmail, fmt.Sprintf("recipient %s has no valid email address", recipient.ID))
	}

	_, err := s.client.SendEmail(ctx, &ses.SendEmailInput{
		Destination: &types.Destination{
			ToAddresses: []string{recipient.Email},
		},
		Message: &types.Message{
			Subject: &types.Content{Data: aws.String(subject), Charset: aws.String("UTF-8")},
			Body: &types.Body{
				Html: &types.Content{Data: aws.String(body), Charset: aws.String("UTF-8")},
				Text: &types.Content{Data: aws.String(textPart(body)), Charset: aws.String("UTF-8")},
			},
		},
		Source: aws.String(s.from),
	})
	if err != nil {
		return sendError(models.ChannelEmail, err)
	}
	return nil
}

// blockTags end a line in the text part.
var blockTags = map[string]bool{
	"p": true, "div": true, "li": true, "tr": true, "table": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
}

// textPart derives the plain-text alternative of a rendered HTML body.
func textPart(body string) string {
	var b strings.Builder
	z := html.NewTokenizer(strings.NewReader(body))
	hidden := 0

	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			return tidyLines(b.String())

		case html.TextToken:
			if hidden == 0 {
				b.Write(z.Text())
			}

		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			switch tag := string(name); {
			case tag == "br":
				b.WriteByte('\n')
			case (tag == "script" || tag == "style") && tt == html.StartTagToken:
				hidden++
			}

		case html.EndTagToken:
			name, _ := z.TagName()
			switch tag := string(name); {
			case tag == "script" || tag == "style":
				if hidden > 0 {
					hidden--
				}
			case blockTags[tag]:
				b.WriteByte('\n')
			}
		}
	}
}

// tidyLines trims every line and collapses runs of blank lines.
func tidyLines(s string) string {
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" && (len(out) == 0 || out[len(out)-1] == "") {
			continue
		}
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
