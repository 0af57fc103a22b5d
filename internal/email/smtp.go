package email

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/gomail.v2"
)

type SMTPSender struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string

	dialer *gomail.Dialer
}

func NewSMTPSender(host string, port int, username, password, from string) *SMTPSender {
	return &SMTPSender{
		Host:     host,
		Port:     port,
		Username: username,
		Password: password,
		From:     from,
		dialer:   gomail.NewDialer(host, port, username, password),
	}
}

func (s *SMTPSender) Name() string { return "smtp" }

// Send delivers the message over SMTP. The message id is generated locally
// and set as the Message-ID header.
//
// gomail has no context support, so on timeout the dial is abandoned and
// left to finish in the background.
func (s *SMTPSender) Send(ctx context.Context, msg Message) (string, error) {
	id := fmt.Sprintf("%s@%s", uuid.NewString(), s.domain())

	m := gomail.NewMessage()
	m.SetHeader("From", s.From)
	m.SetHeader("To", msg.To)
	m.SetHeader("Subject", msg.Subject)
	m.SetHeader("Message-ID", "<"+id+">")
	if msg.JobID != "" {
		m.SetHeader("X-Job-ID", msg.JobID)
	}
	m.SetBody("text/plain", msg.Text)
	m.AddAlternative("text/html", msg.HTML)

	done := make(chan error, 1)
	go func() {
		done <- s.dialer.DialAndSend(m)
	}()

	select {
	case err := <-done:
		if err != nil {
			return "", providerError(ctx, s.Name(), fmt.Errorf("smtp send error: %w", err))
		}
		return id, nil
	case <-ctx.Done():
		return "", providerError(ctx, s.Name(), ctx.Err())
	}
}

func (s *SMTPSender) domain() string {
	if i := strings.LastIndex(s.From, "@"); i >= 0 && i < len(s.From)-1 {
		return strings.Trim(s.From[i+1:], "> ")
	}
	return "localhost"
}
