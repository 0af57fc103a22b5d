package tracker

import (
	"context"
	"sync"
	"time"

	"MailQueue/internal/models"
)

// MemoryStore keeps delivery records in process memory. Records are lost on
// restart; it backs tests and deployments without DATABASE_URL.
type MemoryStore struct {
	mu        sync.RWMutex
	byID      map[string]*models.EmailDelivery
	byMessage map[string]string
	byJob     map[string][]string
	events    []models.DeliveryEvent
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:      make(map[string]*models.EmailDelivery),
		byMessage: make(map[string]string),
		byJob:     make(map[string][]string),
	}
}

func (s *MemoryStore) Insert(_ context.Context, d *models.EmailDelivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[d.ID]; ok {
		return models.ErrVersionConflict
	}
	if d.ProviderMessageID != "" {
		if _, ok := s.byMessage[d.ProviderMessageID]; ok {
			return models.ErrVersionConflict
		}
		s.byMessage[d.ProviderMessageID] = d.ID
	}

	s.byID[d.ID] = clone(d)
	s.byJob[d.JobID] = append(s.byJob[d.JobID], d.ID)
	return nil
}

func (s *MemoryStore) CompareAndSwap(_ context.Context, d *models.EmailDelivery, expected int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.byID[d.ID]
	if !ok {
		return models.ErrDeliveryNotFound
	}
	if cur.Version != expected {
		return models.ErrVersionConflict
	}
	if d.ProviderMessageID != cur.ProviderMessageID && d.ProviderMessageID != "" {
		if owner, taken := s.byMessage[d.ProviderMessageID]; taken && owner != d.ID {
			return models.ErrVersionConflict
		}
		s.byMessage[d.ProviderMessageID] = d.ID
	}

	s.byID[d.ID] = clone(d)
	return nil
}

func (s *MemoryStore) FindByMessageID(_ context.Context, messageID string) (*models.EmailDelivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byMessage[messageID]
	if !ok {
		return nil, nil
	}
	return clone(s.byID[id]), nil
}

func (s *MemoryStore) FindLatestByJobID(_ context.Context, jobID string) (*models.EmailDelivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byJob[jobID]
	if len(ids) == 0 {
		return nil, nil
	}
	return clone(s.byID[ids[len(ids)-1]]), nil
}

func (s *MemoryStore) CountByStatus(_ context.Context, since time.Time) (map[models.DeliveryStatus]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[models.DeliveryStatus]int64)
	for _, d := range s.byID {
		if d.CreatedAt.Before(since) {
			continue
		}
		counts[d.Status]++
	}
	return counts, nil
}

func (s *MemoryStore) AppendEvent(_ context.Context, e *models.DeliveryEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e.ID = int64(len(s.events) + 1)
	s.events = append(s.events, *e)
	return nil
}

func (s *MemoryStore) EventsByJobID(_ context.Context, jobID string) ([]models.DeliveryEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.DeliveryEvent
	for _, e := range s.events {
		if e.JobID == jobID {
			out = append(out, e)
		}
	}
	return out, nil
}

func clone(d *models.EmailDelivery) *models.EmailDelivery {
	c := *d
	c.SentAt = cloneTime(d.SentAt)
	c.DeliveredAt = cloneTime(d.DeliveredAt)
	c.OpenedAt = cloneTime(d.OpenedAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
