package email

import (
	"context"
	"errors"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/ses"
	"github.com/aws/aws-sdk-go/service/ses/sesiface"
	"github.com/mailgun/mailgun-go/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"MailQueue/internal/models"
)

var welcome = Message{
	To:      "a@example.com",
	Subject: "Welcome",
	HTML:    "<h1>Welcome, Ann!</h1>",
	Text:    "Welcome, Ann!",
	JobID:   "job-1",
	Tag:     "welcome",
}

func TestNew(t *testing.T) {
	opts := Options{
		From:          "noreply@example.com",
		SMTPHost:      "localhost",
		SMTPPort:      1025,
		MailgunDomain: "mg.example.com",
		MailgunAPIKey: "key",
		AWSRegion:     "eu-west-1",
		Logger:        zaptest.NewLogger(t),
	}

	for _, name := range []string{"smtp", "mailgun", "ses", "log", "SMTP"} {
		p, err := New(name, opts)
		require.NoError(t, err, name)
		assert.NotEmpty(t, p.Name())
	}

	_, err := New("pigeon", opts)
	assert.Error(t, err)

	_, err = New("mailgun", Options{})
	assert.Error(t, err)
}

func TestSMTPSender_ConnectionRefused(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())

	s := NewSMTPSender("127.0.0.1", port, "", "", "noreply@example.com")
	_, err = s.Send(context.Background(), welcome)

	var perr *models.ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "smtp", perr.Provider)
	assert.False(t, perr.Timeout)
}

func TestSMTPSender_Timeout(t *testing.T) {
	// accepts connections but never speaks
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			t.Cleanup(func() { _ = conn.Close() })
		}
	}()

	host, portStr, err := net.SplitHostPort(l.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	s := NewSMTPSender(host, port, "", "", "noreply@example.com")
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = s.Send(ctx, welcome)

	var perr *models.ProviderError
	require.ErrorAs(t, err, &perr)
	assert.True(t, perr.Timeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSMTPSender_Domain(t *testing.T) {
	assert.Equal(t, "example.com", NewSMTPSender("", 0, "", "", "noreply@example.com").domain())
	assert.Equal(t, "example.com", NewSMTPSender("", 0, "", "", "App <noreply@example.com>").domain())
	assert.Equal(t, "localhost", NewSMTPSender("", 0, "", "", "noreply").domain())
}

type fakeMailgun struct {
	impl *mailgun.MailgunImpl
	sent []*mailgun.Message
	err  error
}

func (f *fakeMailgun) NewMessage(from, subject, text string, to ...string) *mailgun.Message {
	return f.impl.NewMessage(from, subject, text, to...)
}

func (f *fakeMailgun) Send(_ context.Context, m *mailgun.Message) (string, string, error) {
	if f.err != nil {
		return "", "", f.err
	}
	f.sent = append(f.sent, m)
	return "Queued. Thank you.", "<20260101.1@mg.example.com>", nil
}

func TestMailgunSender(t *testing.T) {
	fake := &fakeMailgun{impl: mailgun.NewMailgun("mg.example.com", "key")}
	s := &MailgunSender{mg: fake, from: "noreply@example.com"}

	id, err := s.Send(context.Background(), welcome)
	require.NoError(t, err)
	assert.Equal(t, "20260101.1@mg.example.com", id)
	assert.Len(t, fake.sent, 1)

	fake.err = errors.New("401 unauthorized")
	_, err = s.Send(context.Background(), welcome)
	var perr *models.ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "mailgun", perr.Provider)
}

type fakeSES struct {
	sesiface.SESAPI
	input *ses.SendEmailInput
	out   *ses.SendEmailOutput
	err   error
}

func (f *fakeSES) SendEmailWithContext(_ aws.Context, in *ses.SendEmailInput, _ ...request.Option) (*ses.SendEmailOutput, error) {
	f.input = in
	return f.out, f.err
}

func TestSESSender(t *testing.T) {
	fake := &fakeSES{out: &ses.SendEmailOutput{MessageId: aws.String("0100018c-ses")}}
	s := &SESSender{ses: fake, from: "noreply@example.com", charset: "UTF-8"}

	id, err := s.Send(context.Background(), welcome)
	require.NoError(t, err)
	assert.Equal(t, "0100018c-ses", id)
	assert.Equal(t, "a@example.com", aws.StringValue(fake.input.Destination.ToAddresses[0]))
	assert.Equal(t, welcome.Text, aws.StringValue(fake.input.Message.Body.Text.Data))
	assert.Equal(t, welcome.HTML, aws.StringValue(fake.input.Message.Body.Html.Data))
	require.Len(t, fake.input.Tags, 1)

	fake.out = &ses.SendEmailOutput{}
	_, err = s.Send(context.Background(), welcome)
	assert.Error(t, err)

	fake.err = errors.New("throttled")
	_, err = s.Send(context.Background(), welcome)
	var perr *models.ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "ses", perr.Provider)
}

func TestLogSender(t *testing.T) {
	s := NewLogSender(zaptest.NewLogger(t))
	id, err := s.Send(context.Background(), welcome)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
}
