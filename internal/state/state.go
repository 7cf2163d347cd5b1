// Package state holds the fast-path dispatch records on Redis: the
// transient trip, the offer roster and the trip-scoped lock. These records
// are authoritative while a matching attempt is in flight and are discarded
// the moment it resolves.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/trip-dispatch/internal/models"
)

const (
	tripKeyPrefix   = "trip:active:"
	rosterKeyPrefix = "trip:roster:"
	lockKeyPrefix   = "trip:lock:"
)

// guard TTLs keep abandoned records from accumulating if a process dies
// mid-dispatch; normal flow deletes them explicitly well before expiry.
const (
	tripGuardTTL   = time.Hour
	rosterTTLSlack = time.Minute
)

type Store struct {
	client *redis.Client
}

func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

func tripKey(id string) string   { return tripKeyPrefix + id }
func rosterKey(id string) string { return rosterKeyPrefix + id }
func lockKey(id string) string   { return lockKeyPrefix + id }

func (s *Store) CreateTrip(ctx context.Context, trip models.TransientTrip) error {
	b, err := json.Marshal(trip)
	if err != nil {
		return fmt.Errorf("marshal trip: %w", err)
	}
	if err := s.client.Set(ctx, tripKey(trip.TripID), b, tripGuardTTL).Err(); err != nil {
		return fmt.Errorf("redis set trip: %w", err)
	}
	return nil
}

// GetTrip returns the transient trip and whether it exists.
func (s *Store) GetTrip(ctx context.Context, tripID string) (models.TransientTrip, bool, error) {
	b, err := s.client.Get(ctx, tripKey(tripID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.TransientTrip{}, false, nil
	}
	if err != nil {
		return models.TransientTrip{}, false, fmt.Errorf("redis get trip: %w", err)
	}
	var trip models.TransientTrip
	if err := json.Unmarshal(b, &trip); err != nil {
		return models.TransientTrip{}, false, fmt.Errorf("unmarshal trip: %w", err)
	}
	return trip, true, nil
}

// MarkMatched records the winning driver on the transient trip. Callers
// hold the trip lock, so read-modify-write is safe here.
func (s *Store) MarkMatched(ctx context.Context, tripID, driverID string) error {
	trip, ok, err := s.GetTrip(ctx, tripID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("trip %s not in fast-path store", tripID)
	}
	trip.Status = models.TripMatched
	trip.DriverID = driverID
	b, err := json.Marshal(trip)
	if err != nil {
		return fmt.Errorf("marshal trip: %w", err)
	}
	if err := s.client.Set(ctx, tripKey(tripID), b, tripGuardTTL).Err(); err != nil {
		return fmt.Errorf("redis set trip: %w", err)
	}
	return nil
}

func (s *Store) DeleteTrip(ctx context.Context, tripID string) error {
	if err := s.client.Del(ctx, tripKey(tripID)).Err(); err != nil {
		return fmt.Errorf("redis del trip: %w", err)
	}
	return nil
}

func (s *Store) SaveRoster(ctx context.Context, roster models.OfferRoster) error {
	b, err := json.Marshal(roster)
	if err != nil {
		return fmt.Errorf("marshal roster: %w", err)
	}
	ttl := time.Until(roster.ExpiresAt) + rosterTTLSlack
	if ttl <= 0 {
		ttl = rosterTTLSlack
	}
	if err := s.client.Set(ctx, rosterKey(roster.TripID), b, ttl).Err(); err != nil {
		return fmt.Errorf("redis set roster: %w", err)
	}
	return nil
}

func (s *Store) GetRoster(ctx context.Context, tripID string) (models.OfferRoster, bool, error) {
	b, err := s.client.Get(ctx, rosterKey(tripID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.OfferRoster{}, false, nil
	}
	if err != nil {
		return models.OfferRoster{}, false, fmt.Errorf("redis get roster: %w", err)
	}
	var roster models.OfferRoster
	if err := json.Unmarshal(b, &roster); err != nil {
		return models.OfferRoster{}, false, fmt.Errorf("unmarshal roster: %w", err)
	}
	return roster, true, nil
}

func (s *Store) DeleteRoster(ctx context.Context, tripID string) error {
	if err := s.client.Del(ctx, rosterKey(tripID)).Err(); err != nil {
		return fmt.Errorf("redis del roster: %w", err)
	}
	return nil
}

// AcquireLock takes the exclusive per-trip lock via SET NX. The TTL bounds
// the lock's lifetime so a crashed holder cannot deadlock the trip.
func (s *Store) AcquireLock(ctx context.Context, tripID string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	ok, err := s.client.SetNX(ctx, lockKey(tripID), "locked", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	return ok, nil
}

func (s *Store) ReleaseLock(ctx context.Context, tripID string) error {
	if err := s.client.Del(ctx, lockKey(tripID)).Err(); err != nil {
		return fmt.Errorf("redis del lock: %w", err)
	}
	return nil
}
