package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrQueueUnavailable means the queue store could not be reached.
	ErrQueueUnavailable = errors.New("email queue unavailable")

	ErrJobNotFound      = errors.New("email job not found")
	ErrDeliveryNotFound = errors.New("email delivery not found")

	// ErrVersionConflict means a delivery record changed between read and
	// write, or a record with the same key already exists.
	ErrVersionConflict = errors.New("email delivery changed concurrently")
)

// ValidationError rejects a malformed job at enqueue time.
type ValidationError struct {
	Fields []string
	Reason string
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return "invalid email job: " + e.Reason
	}
	return fmt.Sprintf("invalid email job: %s (%s)", e.Reason, strings.Join(e.Fields, ", "))
}

// TemplateRenderError is never retried.
type TemplateRenderError struct {
	Template string
	Err      error
}

func (e *TemplateRenderError) Error() string {
	return fmt.Sprintf("render template %q: %v", e.Template, e.Err)
}

func (e *TemplateRenderError) Unwrap() error { return e.Err }

// ProviderError wraps a failure of the email provider. It is always
// retried until the job runs out of attempts.
type ProviderError struct {
	Provider string
	Err      error
	// Timeout is set when the call hit the provider timeout.
	Timeout bool
}

func (e *ProviderError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("%s: timed out: %v", e.Provider, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// StaleJobError describes a job left in processing by a vanished worker.
type StaleJobError struct {
	JobID     string
	StartedAt time.Time
}

func (e *StaleJobError) Error() string {
	return fmt.Sprintf("job %s stuck in processing since %s", e.JobID, e.StartedAt.Format(time.RFC3339))
}
