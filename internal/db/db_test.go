package db

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"MailQueue/internal/models"
	"MailQueue/internal/tracker"
)

var _ tracker.Store = (*Store)(nil)

func TestConflict(t *testing.T) {
	err := conflict(&pgconn.PgError{Code: uniqueViolation, ConstraintName: "idx_deliveries_message"})
	assert.ErrorIs(t, err, models.ErrVersionConflict)

	other := errors.New("boom")
	assert.Equal(t, other, conflict(other))
	assert.NoError(t, conflict(nil))
}

func TestNullable(t *testing.T) {
	assert.Nil(t, nullable(""))
	require.NotNil(t, nullable("msg-1"))
	assert.Equal(t, "msg-1", *nullable("msg-1"))
}

// newTestStore needs a disposable Postgres in TEST_DATABASE_URL.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	s, err := New(ctx, url)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestStore_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Microsecond)
	jobID := uuid.NewString()
	d := &models.EmailDelivery{
		ID:        uuid.NewString(),
		JobID:     jobID,
		Recipient: "a@example.com",
		Subject:   "Welcome",
		Template:  "welcome",
		Status:    models.DeliveryQueued,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, s.Insert(ctx, d))
	assert.ErrorIs(t, s.Insert(ctx, d), models.ErrVersionConflict)

	got, err := s.FindLatestByJobID(ctx, jobID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "", got.ProviderMessageID)

	msgID := uuid.NewString()
	got.ProviderMessageID = msgID
	got.Advance(models.DeliverySent, now, "")
	got.Version = 2
	require.NoError(t, s.CompareAndSwap(ctx, got, 1))
	assert.ErrorIs(t, s.CompareAndSwap(ctx, got, 1), models.ErrVersionConflict)

	byMsg, err := s.FindByMessageID(ctx, msgID)
	require.NoError(t, err)
	require.NotNil(t, byMsg)
	assert.Equal(t, models.DeliverySent, byMsg.Status)
	require.NotNil(t, byMsg.SentAt)
	assert.True(t, byMsg.SentAt.Equal(now))

	missing, err := s.FindByMessageID(ctx, uuid.NewString())
	require.NoError(t, err)
	assert.Nil(t, missing)

	counts, err := s.CountByStatus(ctx, now)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, counts[models.DeliverySent], int64(1))
}

func TestStore_Events(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Microsecond)
	d := &models.EmailDelivery{
		ID:        uuid.NewString(),
		JobID:     uuid.NewString(),
		Status:    models.DeliverySent,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, s.Insert(ctx, d))

	for _, e := range []*models.DeliveryEvent{
		{Status: models.DeliverySent, Source: models.SourceWorker, Applied: true},
		{Status: models.DeliveryOpened, Source: models.SourceWebhook, Applied: true},
		{Status: models.DeliveryDelivered, Source: models.SourceWebhook, Applied: false},
	} {
		e.DeliveryID, e.JobID = d.ID, d.JobID
		e.OccurredAt, e.RecordedAt = now, now
		require.NoError(t, s.AppendEvent(ctx, e))
		assert.NotZero(t, e.ID)
	}

	events, err := s.EventsByJobID(ctx, d.JobID)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, models.DeliveryOpened, events[1].Status)
	assert.False(t, events[2].Applied)
	assert.Equal(t, models.SourceWebhook, events[2].Source)
}
