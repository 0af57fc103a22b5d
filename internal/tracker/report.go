package tracker

import (
	"context"
	"time"

	"MailQueue/internal/models"
)

// Report summarises deliveries created since a point in time. Counts are by
// current status; a record that was opened is no longer counted as
// delivered, so the rates fold later states into earlier ones.
type Report struct {
	Since  time.Time                       `json:"since"`
	Total  int64                           `json:"total"`
	Counts map[models.DeliveryStatus]int64 `json:"counts"`

	DeliveryRate float64 `json:"delivery_rate"`
	OpenRate     float64 `json:"open_rate"`
	BounceRate   float64 `json:"bounce_rate"`
	FailureRate  float64 `json:"failure_rate"`
}

func (t *Tracker) Report(ctx context.Context, since time.Time) (*Report, error) {
	counts, err := t.store.CountByStatus(ctx, since)
	if err != nil {
		return nil, err
	}

	r := &Report{
		Since:  since.UTC(),
		Counts: make(map[models.DeliveryStatus]int64, len(models.DeliveryStatuses)),
	}
	for _, s := range models.DeliveryStatuses {
		r.Counts[s] = counts[s]
		r.Total += counts[s]
	}

	opened := counts[models.DeliveryOpened]
	delivered := counts[models.DeliveryDelivered] + opened
	accepted := counts[models.DeliverySent] + delivered + counts[models.DeliveryBounced]

	r.DeliveryRate = ratio(delivered, accepted)
	r.OpenRate = ratio(opened, delivered)
	r.BounceRate = ratio(counts[models.DeliveryBounced], accepted)
	r.FailureRate = ratio(counts[models.DeliveryFailed], r.Total)

	return r, nil
}

func ratio(n, d int64) float64 {
	if d == 0 {
		return 0
	}
	return float64(n) / float64(d)
}
