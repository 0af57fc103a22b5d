package email

import "go.uber.org/zap"

// Options carries the credentials of every provider; each one reads only
// its own fields.
type Options struct {
	From string

	SMTPHost     string
	SMTPPort     int
	SMTPUser     string
	SMTPPassword string

	MailgunDomain string
	MailgunAPIKey string

	AWSRegion string

	Logger *zap.Logger
}
