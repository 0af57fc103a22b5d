// Package tracker maintains the delivery audit trail. The worker records
// each send attempt and provider webhooks move records forward through
// their lifecycle; no update ever moves a record backward.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"MailQueue/internal/models"
)

// casAttempts bounds the read-modify-write loop under contention.
const casAttempts = 5

type Tracker struct {
	store Store
	log   *zap.Logger

	now func() time.Time
}

func New(store Store, logger *zap.Logger) *Tracker {
	return &Tracker{
		store: store,
		log:   logger,
		now:   time.Now,
	}
}

// Attempt is what the worker knows about a send once it has finished.
type Attempt struct {
	JobID             string
	ProviderMessageID string
	Recipient         string
	Subject           string
	Template          string
	Status            models.DeliveryStatus
	Attempts          int
	Reason            string
}

// RecordAttempt inserts or updates the delivery record of an attempt. The
// record is found by provider message id when one is known, otherwise by
// the job's latest record that has no message id yet.
func (t *Tracker) RecordAttempt(ctx context.Context, a Attempt) (*models.EmailDelivery, error) {
	if a.JobID == "" {
		return nil, errors.New("record attempt: job id is required")
	}
	if !a.Status.Valid() {
		return nil, fmt.Errorf("record attempt: invalid status %q", a.Status)
	}

	for i := 0; i < casAttempts; i++ {
		d, err := t.lookup(ctx, a)
		if err != nil {
			return nil, err
		}

		now := t.now().UTC()

		if d == nil {
			d = &models.EmailDelivery{
				ID:                uuid.NewString(),
				JobID:             a.JobID,
				ProviderMessageID: a.ProviderMessageID,
				Recipient:         a.Recipient,
				Subject:           a.Subject,
				Template:          a.Template,
				Status:            models.DeliveryQueued,
				Attempts:          a.Attempts,
				Version:           1,
				CreatedAt:         now,
				UpdatedAt:         now,
			}
			d.Advance(a.Status, now, a.Reason)

			err := t.store.Insert(ctx, d)
			if errors.Is(err, models.ErrVersionConflict) {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("insert delivery: %w", err)
			}

			t.appendEvent(ctx, d, a.Status, models.SourceWorker, true, a.Reason, now)
			t.log.Info("delivery recorded",
				zap.String("delivery_id", d.ID),
				zap.String("job_id", d.JobID),
				zap.String("message_id", d.ProviderMessageID),
				zap.String("status", string(d.Status)),
			)
			return d, nil
		}

		prev := d.Version
		changed := false
		if d.ProviderMessageID == "" && a.ProviderMessageID != "" {
			d.ProviderMessageID = a.ProviderMessageID
			changed = true
		}
		if a.Attempts > d.Attempts {
			d.Attempts = a.Attempts
			changed = true
		}
		advanced := d.Advance(a.Status, now, a.Reason)
		if !changed && !advanced {
			t.appendEvent(ctx, d, a.Status, models.SourceWorker, false, a.Reason, now)
			return d, nil
		}

		d.Version++
		d.UpdatedAt = now

		err = t.store.CompareAndSwap(ctx, d, prev)
		if errors.Is(err, models.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("update delivery %s: %w", d.ID, err)
		}

		t.appendEvent(ctx, d, a.Status, models.SourceWorker, advanced, a.Reason, now)
		t.log.Info("delivery updated",
			zap.String("delivery_id", d.ID),
			zap.String("job_id", d.JobID),
			zap.String("status", string(d.Status)),
		)
		return d, nil
	}

	return nil, fmt.Errorf("record attempt for job %s: %w", a.JobID, models.ErrVersionConflict)
}

func (t *Tracker) lookup(ctx context.Context, a Attempt) (*models.EmailDelivery, error) {
	if a.ProviderMessageID != "" {
		d, err := t.store.FindByMessageID(ctx, a.ProviderMessageID)
		if err != nil {
			return nil, fmt.Errorf("find delivery by message id: %w", err)
		}
		if d != nil {
			return d, nil
		}
	}

	d, err := t.store.FindLatestByJobID(ctx, a.JobID)
	if err != nil {
		return nil, fmt.Errorf("find delivery by job id: %w", err)
	}
	// a terminal record belongs to an earlier run of the job; a requeued
	// job starts a new record
	if d != nil && d.ProviderMessageID == "" && !d.Status.Terminal() {
		return d, nil
	}
	return nil, nil
}

// appendEvent adds an entry to the delivery history. A failed append is
// logged and does not undo the status change it describes.
func (t *Tracker) appendEvent(ctx context.Context, d *models.EmailDelivery, status models.DeliveryStatus, src models.EventSource, applied bool, reason string, at time.Time) {
	e := &models.DeliveryEvent{
		DeliveryID:        d.ID,
		JobID:             d.JobID,
		ProviderMessageID: d.ProviderMessageID,
		Status:            status,
		Source:            src,
		Applied:           applied,
		Reason:            reason,
		OccurredAt:        at.UTC(),
		RecordedAt:        t.now().UTC(),
	}
	if err := t.store.AppendEvent(ctx, e); err != nil {
		t.log.Error("append delivery event",
			zap.String("delivery_id", d.ID),
			zap.String("status", string(status)),
			zap.Error(err),
		)
	}
}

// Event is a lifecycle notification from the provider.
type Event struct {
	MessageID string
	Status    models.DeliveryStatus
	// Timestamp is when the provider observed the event. Zero means now.
	Timestamp time.Time
	Reason    string
}

type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeUnmatched Outcome = "unmatched"
)

// HandleProviderEvent applies a provider event if it moves the record
// forward. Events for unknown messages and stale or out-of-order events are
// not errors; only store failures are.
func (t *Tracker) HandleProviderEvent(ctx context.Context, ev Event) (Outcome, error) {
	if ev.MessageID == "" || !ev.Status.Valid() {
		return OutcomeIgnored, nil
	}

	at := ev.Timestamp
	if at.IsZero() {
		at = t.now()
	}

	for i := 0; i < casAttempts; i++ {
		d, err := t.store.FindByMessageID(ctx, ev.MessageID)
		if err != nil {
			return "", fmt.Errorf("find delivery by message id: %w", err)
		}
		if d == nil {
			t.log.Warn("provider event for unknown message",
				zap.String("message_id", ev.MessageID),
				zap.String("event", string(ev.Status)),
			)
			return OutcomeUnmatched, nil
		}

		prev := d.Version
		from := d.Status
		if !d.Advance(ev.Status, at, ev.Reason) {
			t.appendEvent(ctx, d, ev.Status, models.SourceWebhook, false, ev.Reason, at)
			t.log.Debug("provider event ignored",
				zap.String("delivery_id", d.ID),
				zap.String("message_id", ev.MessageID),
				zap.String("status", string(from)),
				zap.String("event", string(ev.Status)),
			)
			return OutcomeIgnored, nil
		}

		d.Version++
		d.UpdatedAt = t.now().UTC()

		err = t.store.CompareAndSwap(ctx, d, prev)
		if errors.Is(err, models.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("update delivery %s: %w", d.ID, err)
		}

		t.appendEvent(ctx, d, ev.Status, models.SourceWebhook, true, ev.Reason, at)
		t.log.Info("delivery status advanced",
			zap.String("delivery_id", d.ID),
			zap.String("message_id", ev.MessageID),
			zap.String("from", string(from)),
			zap.String("to", string(d.Status)),
		)
		return OutcomeApplied, nil
	}

	return "", fmt.Errorf("apply %s to %s: %w", ev.Status, ev.MessageID, models.ErrVersionConflict)
}

// Latest returns the most recent delivery record of a job.
func (t *Tracker) Latest(ctx context.Context, jobID string) (*models.EmailDelivery, error) {
	d, err := t.store.FindLatestByJobID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, models.ErrDeliveryNotFound
	}
	return d, nil
}

// History returns every event recorded for a job, oldest first, across all
// of its delivery records.
func (t *Tracker) History(ctx context.Context, jobID string) ([]models.DeliveryEvent, error) {
	events, err := t.store.EventsByJobID(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("load delivery history: %w", err)
	}
	return events, nil
}
