package storage

import (
	"context"
	"sync"

	"github.com/example/trip-dispatch/internal/models"
)

// TripStore is the durable store a trip is handed to once matched. Each
// call is transactional on its own; failure is fatal for the in-flight
// match attempt.
type TripStore interface {
	CreateTrip(ctx context.Context, t *models.Trip) error
	AppendEvent(ctx context.Context, ev models.TripEvent) error
}

type MemoryStore struct {
	mu     sync.RWMutex
	trips  map[string]*models.Trip
	events []models.TripEvent
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{trips: make(map[string]*models.Trip)}
}

func (m *MemoryStore) CreateTrip(_ context.Context, t *models.Trip) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	m.trips[t.ID] = &cp
	return nil
}

func (m *MemoryStore) AppendEvent(_ context.Context, ev models.TripEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

func (m *MemoryStore) Get(id string) (*models.Trip, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.trips[id]
	return t, ok
}

func (m *MemoryStore) Events(tripID string) []models.TripEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.TripEvent
	for _, ev := range m.events {
		if ev.TripID == tripID {
			out = append(out, ev)
		}
	}
	return out
}

func (m *MemoryStore) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.trips)
}
