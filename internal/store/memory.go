package store

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/kjstillabower/rain-risk-service/internal/models"
	"github.com/kjstillabower/rain-risk-service/internal/observability"
)

// MemoryStore keeps one ordered log per neighborhood. Appends for different
// neighborhoods lock different partitions.
type MemoryStore struct {
	mu         sync.RWMutex
	partitions map[string]*partition
	clock      clockwork.Clock
}

type partition struct {
	mu      sync.RWMutex
	records []models.ClimateRecord
}

func NewMemoryStore(clock clockwork.Clock) *MemoryStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MemoryStore{
		partitions: make(map[string]*partition),
		clock:      clock,
	}
}

func (s *MemoryStore) Append(ctx context.Context, rec models.ClimateRecord) error {
	if err := Validate(rec); err != nil {
		observability.StoreAppendsTotal.WithLabelValues("memory", "invalid").Inc()
		return err
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.clock.Now().UTC()
	}

	p := s.partition(rec.Neighborhood, true)
	p.mu.Lock()
	// first index observed strictly after rec keeps equal timestamps in insertion order
	i := sort.Search(len(p.records), func(i int) bool {
		return p.records[i].ObservedAt.After(rec.ObservedAt)
	})
	p.records = append(p.records, models.ClimateRecord{})
	copy(p.records[i+1:], p.records[i:])
	p.records[i] = rec
	p.mu.Unlock()

	observability.StoreAppendsTotal.WithLabelValues("memory", "success").Inc()
	return nil
}

func (s *MemoryStore) Latest(ctx context.Context, neighborhood string) (models.ClimateRecord, bool, error) {
	p := s.partition(neighborhood, false)
	if p == nil {
		return models.ClimateRecord{}, false, nil
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if len(p.records) == 0 {
		return models.ClimateRecord{}, false, nil
	}
	return p.records[len(p.records)-1], true, nil
}

func (s *MemoryStore) RecentWindow(ctx context.Context, neighborhood string, limit int) ([]models.ClimateRecord, error) {
	if limit <= 0 {
		return []models.ClimateRecord{}, nil
	}
	p := s.partition(neighborhood, false)
	if p == nil {
		return []models.ClimateRecord{}, nil
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	start := len(p.records) - limit
	if start < 0 {
		start = 0
	}
	out := make([]models.ClimateRecord, len(p.records)-start)
	copy(out, p.records[start:])
	return out, nil
}

func (s *MemoryStore) partition(neighborhood string, create bool) *partition {
	s.mu.RLock()
	p, ok := s.partitions[neighborhood]
	s.mu.RUnlock()
	if ok || !create {
		return p
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok = s.partitions[neighborhood]; !ok {
		p = &partition{}
		s.partitions[neighborhood] = p
	}
	return p
}
