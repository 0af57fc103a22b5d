// Package email delivers rendered messages through an outbound provider.
package email

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"MailQueue/internal/models"
)

// Message is a fully rendered email ready to hand to a provider.
type Message struct {
	To      string
	Subject string
	HTML    string
	Text    string
	// JobID and Tag are passed on to providers that support them.
	JobID string
	Tag   string
}

// Provider sends one message and returns the id the provider assigned to
// it, which later shows up in delivery webhooks.
type Provider interface {
	Name() string
	Send(ctx context.Context, msg Message) (messageID string, err error)
}

// New builds the provider selected by name.
func New(name string, opts Options) (Provider, error) {
	switch strings.ToLower(name) {
	case "smtp":
		return NewSMTPSender(opts.SMTPHost, opts.SMTPPort, opts.SMTPUser, opts.SMTPPassword, opts.From), nil
	case "mailgun":
		if opts.MailgunDomain == "" || opts.MailgunAPIKey == "" {
			return nil, errors.New("mailgun provider needs MAILGUN_DOMAIN and MAILGUN_API_KEY")
		}
		return NewMailgunSender(opts.MailgunDomain, opts.MailgunAPIKey, opts.From), nil
	case "ses":
		return NewSESSender(opts.AWSRegion, opts.From)
	case "log":
		return NewLogSender(opts.Logger), nil
	}
	return nil, fmt.Errorf("unknown email provider %q", name)
}

func providerError(ctx context.Context, provider string, err error) error {
	return &models.ProviderError{
		Provider: provider,
		Err:      err,
		Timeout:  errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded),
	}
}
