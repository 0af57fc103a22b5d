package email

import (
	"context"
	"strings"

	"github.com/mailgun/mailgun-go/v3"
)

// mailgunClient is the part of mailgun.Mailgun the sender needs.
type mailgunClient interface {
	NewMessage(from, subject, text string, to ...string) *mailgun.Message
	Send(ctx context.Context, m *mailgun.Message) (string, string, error)
}

type MailgunSender struct {
	mg   mailgunClient
	from string
}

func NewMailgunSender(domain, apiKey, from string) *MailgunSender {
	return &MailgunSender{
		mg:   mailgun.NewMailgun(domain, apiKey),
		from: from,
	}
}

func (s *MailgunSender) Name() string { return "mailgun" }

func (s *MailgunSender) Send(ctx context.Context, msg Message) (string, error) {
	m := s.mg.NewMessage(s.from, msg.Subject, msg.Text, msg.To)
	m.SetHtml(msg.HTML)
	if msg.Tag != "" {
		if err := m.AddTag(msg.Tag); err != nil {
			return "", providerError(ctx, s.Name(), err)
		}
	}

	_, id, err := s.mg.Send(ctx, m)
	if err != nil {
		return "", providerError(ctx, s.Name(), err)
	}

	// webhooks report the id without angle brackets
	return strings.Trim(id, "<>"), nil
}
