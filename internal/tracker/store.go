package tracker

import (
	"context"
	"time"

	"MailQueue/internal/models"
)

// Store persists delivery records. Lookups return nil, nil when nothing
// matches.
type Store interface {
	// Insert fails with models.ErrVersionConflict when the id or the
	// provider message id is already taken.
	Insert(ctx context.Context, d *models.EmailDelivery) error
	// CompareAndSwap writes d only if the stored version is still expected.
	CompareAndSwap(ctx context.Context, d *models.EmailDelivery, expected int64) error
	FindByMessageID(ctx context.Context, messageID string) (*models.EmailDelivery, error)
	// FindLatestByJobID returns the most recently created record of a job.
	FindLatestByJobID(ctx context.Context, jobID string) (*models.EmailDelivery, error)
	// CountByStatus counts records created at or after since.
	CountByStatus(ctx context.Context, since time.Time) (map[models.DeliveryStatus]int64, error)

	// AppendEvent adds e to the history and assigns its ID.
	AppendEvent(ctx context.Context, e *models.DeliveryEvent) error
	// EventsByJobID returns the history of every record of a job, oldest
	// first.
	EventsByJobID(ctx context.Context, jobID string) ([]models.DeliveryEvent, error)
}
