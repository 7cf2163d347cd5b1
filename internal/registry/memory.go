package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/example/trip-dispatch/internal/models"
)

type memoryEntry struct {
	loc  models.Coord
	meta models.DriverMeta
}

// Memory is a map-backed Registry for tests and local tooling. A linear
// haversine scan serves radius queries; fine for a single process, use the
// Redis registry in production.
type Memory struct {
	mu      sync.RWMutex
	drivers map[string]memoryEntry
}

func NewMemory() *Memory {
	return &Memory{drivers: make(map[string]memoryEntry)}
}

func (m *Memory) UpsertPosition(_ context.Context, ping models.LocationPing) error {
	if !validCoord(ping.Lng, ping.Lat) {
		return fmt.Errorf("%w: lng=%f lat=%f", ErrInvalidCoordinate, ping.Lng, ping.Lat)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	meta := models.DriverMeta{
		DriverID:     ping.DriverID,
		Heading:      ping.Heading,
		Speed:        ping.Speed,
		Availability: models.AvailabilityOnline,
		UpdatedAt:    time.Now().UTC(),
	}
	if prev, ok := m.drivers[ping.DriverID]; ok {
		meta.Availability = prev.meta.Availability
		meta.CurrentTripID = prev.meta.CurrentTripID
	}
	m.drivers[ping.DriverID] = memoryEntry{
		loc:  models.Coord{Lat: ping.Lat, Lng: ping.Lng},
		meta: meta,
	}
	return nil
}

func (m *Memory) RemovePosition(_ context.Context, driverID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.drivers, driverID)
	return nil
}

func (m *Memory) FindNearby(_ context.Context, lng, lat, radiusKm float64, limit int) ([]models.NearbyDriver, error) {
	if !validCoord(lng, lat) {
		return nil, fmt.Errorf("%w: lng=%f lat=%f", ErrInvalidCoordinate, lng, lat)
	}
	origin := models.Coord{Lat: lat, Lng: lng}

	m.mu.RLock()
	candidates := make([]models.NearbyDriver, 0, len(m.drivers))
	for id, e := range m.drivers {
		if e.meta.Availability != models.AvailabilityOnline || e.meta.CurrentTripID != "" {
			continue
		}
		dist := haversineKm(origin, e.loc)
		if dist > radiusKm {
			continue
		}
		candidates = append(candidates, models.NearbyDriver{
			DriverID:   id,
			Loc:        e.loc,
			DistanceKm: dist,
			Heading:    e.meta.Heading,
			Speed:      e.meta.Speed,
		})
	}
	m.mu.RUnlock()

	// partial selection sort for nearest-first top-N
	n := limit
	if n <= 0 || n > len(candidates) {
		n = len(candidates)
	}
	for i := 0; i < n; i++ {
		minIdx := i
		for j := i + 1; j < len(candidates); j++ {
			if candidates[j].DistanceKm < candidates[minIdx].DistanceKm {
				minIdx = j
			}
		}
		candidates[i], candidates[minIdx] = candidates[minIdx], candidates[i]
	}
	return candidates[:n], nil
}

func (m *Memory) Position(_ context.Context, driverID string) (models.Coord, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.drivers[driverID]
	if !ok {
		return models.Coord{}, false, nil
	}
	return e.loc, true, nil
}

func (m *Memory) SetAvailability(_ context.Context, driverID, availability, currentTripID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.drivers[driverID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrDriverNotFound, driverID)
	}
	if availability == models.AvailabilityOffline {
		delete(m.drivers, driverID)
		return nil
	}
	e.meta.Availability = availability
	e.meta.CurrentTripID = currentTripID
	m.drivers[driverID] = e
	return nil
}

func (m *Memory) SweepStale(_ context.Context, maxAge time.Duration) ([]string, error) {
	cutoff := time.Now().Add(-maxAge)
	m.mu.Lock()
	defer m.mu.Unlock()
	var evicted []string
	for id, e := range m.drivers {
		if e.meta.UpdatedAt.Before(cutoff) {
			delete(m.drivers, id)
			evicted = append(evicted, id)
		}
	}
	return evicted, nil
}
