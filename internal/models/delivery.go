package models

import "time"

type DeliveryStatus string

const (
	DeliveryQueued    DeliveryStatus = "queued"
	DeliverySent      DeliveryStatus = "sent"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryOpened    DeliveryStatus = "opened"
	DeliveryBounced   DeliveryStatus = "bounced"
	DeliveryFailed    DeliveryStatus = "failed"
)

// DeliveryStatuses lists every lifecycle state, in report order.
var DeliveryStatuses = []DeliveryStatus{
	DeliveryQueued, DeliverySent, DeliveryDelivered,
	DeliveryOpened, DeliveryBounced, DeliveryFailed,
}

func (s DeliveryStatus) Terminal() bool {
	return s == DeliveryBounced || s == DeliveryFailed
}

func (s DeliveryStatus) Valid() bool {
	for _, v := range DeliveryStatuses {
		if s == v {
			return true
		}
	}
	return false
}

// rank orders the non-terminal progression. Terminal states have no rank.
func (s DeliveryStatus) rank() int {
	switch s {
	case DeliveryQueued:
		return 0
	case DeliverySent:
		return 1
	case DeliveryDelivered:
		return 2
	case DeliveryOpened:
		return 3
	}
	return -1
}

// CanAdvance reports whether moving from s to next is a forward transition.
// Terminal states accept nothing, and bounced/failed are only reachable
// before the message was confirmed delivered.
func (s DeliveryStatus) CanAdvance(next DeliveryStatus) bool {
	if s.Terminal() || s == next || !next.Valid() {
		return false
	}
	if next.Terminal() {
		return s == DeliveryQueued || s == DeliverySent
	}
	return next.rank() > s.rank()
}

// EmailDelivery is the audit record of a send. It outlives the job.
type EmailDelivery struct {
	ID                string         `json:"id"`
	JobID             string         `json:"job_id"`
	ProviderMessageID string         `json:"provider_message_id,omitempty"`
	Recipient         string         `json:"recipient"`
	Subject           string         `json:"subject"`
	Template          string         `json:"template"`
	Status            DeliveryStatus `json:"status"`
	Attempts          int            `json:"attempts"`

	SentAt        *time.Time `json:"sent_at,omitempty"`
	DeliveredAt   *time.Time `json:"delivered_at,omitempty"`
	OpenedAt      *time.Time `json:"opened_at,omitempty"`
	FailureReason string     `json:"failure_reason,omitempty"`

	// Version is bumped on every write and used for compare-and-swap.
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Advance applies next if it is a forward transition, stamping the matching
// timestamp at most once. It returns false when the record was left alone.
func (d *EmailDelivery) Advance(next DeliveryStatus, at time.Time, reason string) bool {
	if !d.Status.CanAdvance(next) {
		return false
	}
	d.Status = next
	switch next {
	case DeliverySent:
		setOnce(&d.SentAt, at)
	case DeliveryDelivered:
		setOnce(&d.DeliveredAt, at)
	case DeliveryOpened:
		setOnce(&d.OpenedAt, at)
	case DeliveryBounced, DeliveryFailed:
		if d.FailureReason == "" {
			d.FailureReason = reason
		}
	}
	return true
}

func setOnce(dst **time.Time, at time.Time) {
	if *dst != nil {
		return
	}
	t := at.UTC()
	*dst = &t
}

// EventSource tells who reported a delivery event.
type EventSource string

const (
	SourceWorker  EventSource = "worker"
	SourceWebhook EventSource = "webhook"
)

// DeliveryEvent is one entry of a delivery's history. Every recorded
// attempt and every matched provider callback is kept, including those
// that did not move the record forward.
type DeliveryEvent struct {
	ID                int64          `json:"id"`
	DeliveryID        string         `json:"delivery_id"`
	JobID             string         `json:"job_id"`
	ProviderMessageID string         `json:"provider_message_id,omitempty"`
	Status            DeliveryStatus `json:"status"`
	Source            EventSource    `json:"source"`
	// Applied is false when the event arrived late or out of order.
	Applied    bool      `json:"applied"`
	Reason     string    `json:"reason,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
	RecordedAt time.Time `json:"recorded_at"`
}
