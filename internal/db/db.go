// Package db stores delivery records in Postgres.
package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"MailQueue/internal/models"
)

const uniqueViolation = "23505"

type Store struct {
	Pool *pgxpool.Pool
}

// New connects and makes sure the deliveries table exists.
func New(ctx context.Context, conn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, conn)
	if err != nil {
		return nil, err
	}

	s := &Store{Pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure delivery schema: %w", err)
	}
	return s, nil
}

func (s *Store) Close() {
	s.Pool.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.Pool.Ping(ctx)
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.Pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS email_deliveries (
			id                  TEXT PRIMARY KEY,
			job_id              TEXT NOT NULL,
			provider_message_id TEXT,
			recipient           TEXT NOT NULL DEFAULT '',
			subject             TEXT NOT NULL DEFAULT '',
			template            TEXT NOT NULL DEFAULT '',
			status              TEXT NOT NULL,
			attempts            INTEGER NOT NULL DEFAULT 0,
			sent_at             TIMESTAMPTZ,
			delivered_at        TIMESTAMPTZ,
			opened_at           TIMESTAMPTZ,
			failure_reason      TEXT NOT NULL DEFAULT '',
			version             BIGINT NOT NULL DEFAULT 1,
			created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at          TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_deliveries_message ON email_deliveries(provider_message_id);
		CREATE INDEX IF NOT EXISTS idx_deliveries_job ON email_deliveries(job_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_deliveries_created ON email_deliveries(created_at);

		CREATE TABLE IF NOT EXISTS email_delivery_events (
			id                  BIGSERIAL PRIMARY KEY,
			delivery_id         TEXT NOT NULL REFERENCES email_deliveries(id),
			job_id              TEXT NOT NULL,
			provider_message_id TEXT NOT NULL DEFAULT '',
			status              TEXT NOT NULL,
			source              TEXT NOT NULL,
			applied             BOOLEAN NOT NULL,
			reason              TEXT NOT NULL DEFAULT '',
			occurred_at         TIMESTAMPTZ NOT NULL,
			recorded_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_delivery_events_job ON email_delivery_events(job_id, id);
	`)
	return err
}

func (s *Store) Insert(ctx context.Context, d *models.EmailDelivery) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO email_deliveries
			(id, job_id, provider_message_id, recipient, subject, template, status,
			 attempts, sent_at, delivered_at, opened_at, failure_reason, version,
			 created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`,
		d.ID, d.JobID, nullable(d.ProviderMessageID), d.Recipient, d.Subject, d.Template, string(d.Status),
		d.Attempts, d.SentAt, d.DeliveredAt, d.OpenedAt, d.FailureReason, d.Version,
		d.CreatedAt, d.UpdatedAt,
	)
	return conflict(err)
}

// CompareAndSwap writes every mutable column when the stored version still
// matches expected.
func (s *Store) CompareAndSwap(ctx context.Context, d *models.EmailDelivery, expected int64) error {
	tag, err := s.Pool.Exec(ctx, `
		UPDATE email_deliveries
		SET provider_message_id = $1,
		    status              = $2,
		    attempts            = $3,
		    sent_at             = $4,
		    delivered_at        = $5,
		    opened_at           = $6,
		    failure_reason      = $7,
		    version             = $8,
		    updated_at          = $9
		WHERE id = $10 AND version = $11
	`,
		nullable(d.ProviderMessageID), string(d.Status), d.Attempts,
		d.SentAt, d.DeliveredAt, d.OpenedAt, d.FailureReason,
		d.Version, d.UpdatedAt,
		d.ID, expected,
	)
	if err != nil {
		return conflict(err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrVersionConflict
	}
	return nil
}

const selectColumns = `
	SELECT id, job_id, COALESCE(provider_message_id, ''), recipient, subject, template,
	       status, attempts, sent_at, delivered_at, opened_at, failure_reason,
	       version, created_at, updated_at
	FROM email_deliveries`

func (s *Store) FindByMessageID(ctx context.Context, messageID string) (*models.EmailDelivery, error) {
	row := s.Pool.QueryRow(ctx, selectColumns+`
		WHERE provider_message_id = $1
	`, messageID)
	return scanDelivery(row)
}

func (s *Store) FindLatestByJobID(ctx context.Context, jobID string) (*models.EmailDelivery, error) {
	row := s.Pool.QueryRow(ctx, selectColumns+`
		WHERE job_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`, jobID)
	return scanDelivery(row)
}

func (s *Store) CountByStatus(ctx context.Context, since time.Time) (map[models.DeliveryStatus]int64, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT status, COUNT(*)
		FROM email_deliveries
		WHERE created_at >= $1
		GROUP BY status
	`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[models.DeliveryStatus]int64)
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[models.DeliveryStatus(status)] = n
	}
	return counts, rows.Err()
}

func (s *Store) AppendEvent(ctx context.Context, e *models.DeliveryEvent) error {
	return s.Pool.QueryRow(ctx, `
		INSERT INTO email_delivery_events
			(delivery_id, job_id, provider_message_id, status, source, applied,
			 reason, occurred_at, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id
	`,
		e.DeliveryID, e.JobID, e.ProviderMessageID, string(e.Status), string(e.Source), e.Applied,
		e.Reason, e.OccurredAt, e.RecordedAt,
	).Scan(&e.ID)
}

func (s *Store) EventsByJobID(ctx context.Context, jobID string) ([]models.DeliveryEvent, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT id, delivery_id, job_id, provider_message_id, status, source, applied,
		       reason, occurred_at, recorded_at
		FROM email_delivery_events
		WHERE job_id = $1
		ORDER BY id
	`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []models.DeliveryEvent
	for rows.Next() {
		var (
			e              models.DeliveryEvent
			status, source string
		)
		if err := rows.Scan(
			&e.ID, &e.DeliveryID, &e.JobID, &e.ProviderMessageID, &status, &source, &e.Applied,
			&e.Reason, &e.OccurredAt, &e.RecordedAt,
		); err != nil {
			return nil, err
		}
		e.Status = models.DeliveryStatus(status)
		e.Source = models.EventSource(source)
		events = append(events, e)
	}
	return events, rows.Err()
}

func scanDelivery(row pgx.Row) (*models.EmailDelivery, error) {
	var (
		d      models.EmailDelivery
		status string
	)
	err := row.Scan(
		&d.ID, &d.JobID, &d.ProviderMessageID, &d.Recipient, &d.Subject, &d.Template,
		&status, &d.Attempts, &d.SentAt, &d.DeliveredAt, &d.OpenedAt, &d.FailureReason,
		&d.Version, &d.CreatedAt, &d.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	d.Status = models.DeliveryStatus(status)
	return &d, nil
}

// nullable keeps the unique index on provider_message_id from colliding
// on records that have no id yet.
func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func conflict(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", models.ErrVersionConflict, pgErr.ConstraintName)
	}
	return err
}
