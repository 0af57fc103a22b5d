package email

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// LogSender only logs messages. Meant for local development.
type LogSender struct {
	log *zap.Logger
}

func NewLogSender(logger *zap.Logger) *LogSender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSender{log: logger}
}

func (s *LogSender) Name() string { return "log" }

func (s *LogSender) Send(_ context.Context, msg Message) (string, error) {
	id := uuid.NewString()
	s.log.Info("email not sent, log provider",
		zap.String("message_id", id),
		zap.String("job_id", msg.JobID),
		zap.String("to", msg.To),
		zap.String("subject", msg.Subject),
		zap.Int("html_bytes", len(msg.HTML)),
		zap.Int("text_bytes", len(msg.Text)),
	)
	return id, nil
}
