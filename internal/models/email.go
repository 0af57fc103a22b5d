package models

import (
	"fmt"
	"strings"
	"time"
)

type JobStatus string

const (
	StatusQueued     JobStatus = "queued"
	StatusProcessing JobStatus = "processing"
	StatusSent       JobStatus = "sent"
	StatusFailed     JobStatus = "failed"
)

// Priority orders dequeue: every high job is handed out before any normal
// job, and normal before low.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Priorities lists the tiers in dequeue order.
var Priorities = []Priority{PriorityHigh, PriorityNormal, PriorityLow}

// ParsePriority accepts the tier names case-insensitively. An empty string
// is the default tier.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "normal":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	}
	return "", fmt.Errorf("unknown priority %q", s)
}

// Rank is the tier index, 0 being dequeued first.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityLow:
		return 2
	default:
		return 1
	}
}

type EmailJob struct {
	ID        string         `json:"id"`
	Recipient string         `json:"recipient" validate:"required,email"`
	Subject   string         `json:"subject" validate:"required"`
	Template  string         `json:"template" validate:"required"`
	Vars      map[string]any `json:"vars,omitempty"`
	Priority  Priority       `json:"priority"`

	Status    JobStatus `json:"status"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error,omitempty"`

	// Seq is the enqueue sequence number; it breaks ties between jobs
	// eligible at the same instant.
	Seq int64 `json:"seq"`

	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	NextAttemptAt time.Time  `json:"next_attempt_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
}

// Terminal reports whether the worker is done with the job.
func (j *EmailJob) Terminal() bool {
	return j.Status == StatusSent || j.Status == StatusFailed
}
