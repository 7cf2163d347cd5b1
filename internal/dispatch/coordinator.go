// Package dispatch owns the life cycle of one trip-matching attempt:
// broadcast an offer to nearby drivers, let exactly one win the race to
// accept, expire the offer if nobody does, and hand the matched trip to
// durable storage.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/observability"
	"github.com/example/trip-dispatch/internal/registry"
	"github.com/example/trip-dispatch/internal/state"
	"github.com/example/trip-dispatch/internal/storage"
)

var (
	// ErrTripNotFound: no transient trip exists for the id.
	ErrTripNotFound = errors.New("trip not found")
	// ErrTripNotSearching: broadcast requested for a trip that already left
	// the searching state. Defensive; should not occur in normal flow.
	ErrTripNotSearching = errors.New("trip is not searching")
	// ErrNoDriversAvailable: the radius query produced zero eligible
	// drivers. A terminal, reported outcome, not a system error.
	ErrNoDriversAvailable = errors.New("no drivers available")
	// ErrTripLocked: another accept (or the expiry handler) holds the trip
	// lock. Callers should treat this as losing the race, not retry.
	ErrTripLocked = errors.New("trip is locked by another claim")
	// ErrTripNotAvailable: the trip already matched or expired.
	ErrTripNotAvailable = errors.New("trip is no longer available")
)

// Notifier is the gateway capability the coordinator needs: deliver one
// event to one user if currently connected. Non-delivery is a silent miss.
type Notifier interface {
	DeliverToUser(userID, event string, payload any) bool
}

// EventPublisher mirrors trip lifecycle events to a stream. Best-effort.
type EventPublisher interface {
	PublishEvent(ev models.TripEvent) error
}

type Config struct {
	OfferTTL       time.Duration
	SearchRadiusKm float64
	MaxBroadcast   int
	LockTTL        time.Duration
}

func (c *Config) applyDefaults() {
	if c.OfferTTL <= 0 {
		c.OfferTTL = 20 * time.Second
	}
	if c.SearchRadiusKm <= 0 {
		c.SearchRadiusKm = 5
	}
	if c.MaxBroadcast <= 0 {
		c.MaxBroadcast = 8
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 10 * time.Second
	}
}

type Coordinator struct {
	registry registry.Registry
	state    *state.Store
	store    storage.TripStore
	notifier Notifier
	events   EventPublisher // optional
	timers   *timerSet
	cfg      Config
	logger   *slog.Logger
}

func NewCoordinator(reg registry.Registry, st *state.Store, store storage.TripStore, notifier Notifier, events EventPublisher, cfg Config, logger *slog.Logger) *Coordinator {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		registry: reg,
		state:    st,
		store:    store,
		notifier: notifier,
		events:   events,
		timers:   newTimerSet(),
		cfg:      cfg,
		logger:   logger,
	}
}

// AdmitTrip stores the transient record for a freshly requested trip. The
// request is assumed validated and priced upstream.
func (c *Coordinator) AdmitTrip(ctx context.Context, trip models.TransientTrip) error {
	trip.Status = models.TripSearching
	trip.DriverID = ""
	if trip.RequestedAt.IsZero() {
		trip.RequestedAt = time.Now().UTC()
	}
	return c.state.CreateTrip(ctx, trip)
}

// BroadcastOffer fans the offer out to every eligible driver near the
// pickup point and schedules its expiry. Returns the number of drivers
// notified. With zero eligible drivers the trip is discarded and
// ErrNoDriversAvailable reported.
func (c *Coordinator) BroadcastOffer(ctx context.Context, tripID string) (int, error) {
	trip, ok, err := c.state.GetTrip(ctx, tripID)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrTripNotFound, tripID)
	}
	if trip.Status != models.TripSearching {
		return 0, fmt.Errorf("%w: %s is %s", ErrTripNotSearching, tripID, trip.Status)
	}

	candidates, err := c.registry.FindNearby(ctx, trip.Pickup.Lng, trip.Pickup.Lat, c.cfg.SearchRadiusKm, c.cfg.MaxBroadcast)
	if err != nil {
		return 0, fmt.Errorf("find nearby drivers: %w", err)
	}
	if len(candidates) == 0 {
		if derr := c.state.DeleteTrip(ctx, tripID); derr != nil {
			c.logger.Warn("discard trip after empty search", "trip_id", tripID, "error", derr)
		}
		observability.NoDriversTotal.Inc()
		return 0, ErrNoDriversAvailable
	}

	now := time.Now().UTC()
	expiresAt := now.Add(c.cfg.OfferTTL)
	payload := models.OfferPayload{
		TripID:           trip.TripID,
		PassengerID:      trip.PassengerID,
		Pickup:           trip.Pickup,
		PickupAddress:    trip.PickupAddress,
		Dropoff:          trip.Dropoff,
		DropoffAddress:   trip.DropoffAddress,
		DistanceEstimate: trip.DistanceEstimate,
		DurationEstimate: trip.DurationEstimate,
		FareEstimate:     trip.FareEstimate,
		PaymentMethod:    trip.PaymentMethod,
		ExpiresAt:        expiresAt,
	}

	notified := make([]string, 0, len(candidates))
	for _, d := range candidates {
		c.notifier.DeliverToUser(d.DriverID, models.PushTripRequest, payload)
		notified = append(notified, d.DriverID)
	}

	roster := models.OfferRoster{
		TripID:      tripID,
		DriverIDs:   notified,
		BroadcastAt: now,
		ExpiresAt:   expiresAt,
	}
	if err := c.state.SaveRoster(ctx, roster); err != nil {
		return len(notified), fmt.Errorf("save offer roster: %w", err)
	}

	c.timers.schedule(tripID, c.cfg.OfferTTL, func() { c.expireOffer(tripID) })

	observability.OffersBroadcast.Inc()
	observability.BroadcastFanout.Observe(float64(len(notified)))
	c.logger.Info("offer broadcast", "trip_id", tripID, "drivers", len(notified), "expires_at", expiresAt)
	return len(notified), nil
}

// AcceptOffer is the critical section of the dispatch race. The trip lock
// guarantees at most one driver ever wins a given trip; every other
// concurrent claim fails with ErrTripLocked or ErrTripNotAvailable.
func (c *Coordinator) AcceptOffer(ctx context.Context, tripID, driverID string) (*models.Trip, error) {
	locked, err := c.state.AcquireLock(ctx, tripID, c.cfg.LockTTL)
	if err != nil {
		return nil, fmt.Errorf("acquire trip lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrTripLocked, tripID)
	}
	defer func() {
		// Release must happen even when the caller's context is gone.
		if rerr := c.state.ReleaseLock(context.WithoutCancel(ctx), tripID); rerr != nil {
			c.logger.Warn("release trip lock", "trip_id", tripID, "error", rerr)
		}
	}()

	trip, ok, err := c.state.GetTrip(ctx, tripID)
	if err != nil {
		return nil, err
	}
	if !ok || trip.Status != models.TripSearching {
		return nil, fmt.Errorf("%w: %s", ErrTripNotAvailable, tripID)
	}

	now := time.Now().UTC()
	persisted := &models.Trip{
		ID:               trip.TripID,
		PassengerID:      trip.PassengerID,
		DriverID:         driverID,
		Pickup:           trip.Pickup,
		PickupAddress:    trip.PickupAddress,
		Dropoff:          trip.Dropoff,
		DropoffAddress:   trip.DropoffAddress,
		DistanceEstimate: trip.DistanceEstimate,
		DurationEstimate: trip.DurationEstimate,
		FareEstimate:     trip.FareEstimate,
		PaymentMethod:    trip.PaymentMethod,
		Status:           models.TripMatched,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	// Persist before touching driver state so a storage failure cannot
	// leave a busy driver with no durable trip behind it.
	if err := c.store.CreateTrip(ctx, persisted); err != nil {
		return nil, c.failMatch(ctx, trip, driverID, fmt.Errorf("persist matched trip: %w", err))
	}
	createdAt := models.TripEvent{TripID: trip.TripID, Type: models.EventTripCreated, Payload: mustJSON(map[string]any{"passenger_id": trip.PassengerID}), CreatedAt: now}
	matchedAt := models.TripEvent{TripID: trip.TripID, Type: models.EventDriverMatched, Payload: mustJSON(map[string]any{"driver_id": driverID}), CreatedAt: now}
	if err := c.store.AppendEvent(ctx, createdAt); err != nil {
		return nil, c.failMatch(ctx, trip, driverID, fmt.Errorf("append trip event: %w", err))
	}
	if err := c.store.AppendEvent(ctx, matchedAt); err != nil {
		return nil, c.failMatch(ctx, trip, driverID, fmt.Errorf("append trip event: %w", err))
	}

	if err := c.state.MarkMatched(ctx, tripID, driverID); err != nil {
		c.logger.Warn("mark transient trip matched", "trip_id", tripID, "error", err)
	}
	if err := c.registry.SetAvailability(ctx, driverID, models.AvailabilityBusy, tripID); err != nil {
		// The driver may have been swept between accept and now; the
		// durable record is already authoritative.
		c.logger.Warn("transition driver to busy", "trip_id", tripID, "driver_id", driverID, "error", err)
	}

	// Rescind the offer for everyone who lost the race.
	if roster, found, rerr := c.state.GetRoster(ctx, tripID); rerr == nil && found {
		for _, id := range roster.DriverIDs {
			if id == driverID {
				continue
			}
			c.notifier.DeliverToUser(id, models.PushRequestExpired, map[string]any{"trip_id": tripID})
		}
	}

	assignment := map[string]any{
		"trip_id":   tripID,
		"driver_id": driverID,
	}
	if pos, found, perr := c.registry.Position(ctx, driverID); perr == nil && found {
		assignment["driver_location"] = pos
	}
	c.notifier.DeliverToUser(trip.PassengerID, models.PushDriverMatched, assignment)

	if err := c.state.DeleteRoster(ctx, tripID); err != nil {
		c.logger.Warn("delete offer roster", "trip_id", tripID, "error", err)
	}
	if err := c.state.DeleteTrip(ctx, tripID); err != nil {
		c.logger.Warn("delete transient trip", "trip_id", tripID, "error", err)
	}
	c.timers.cancel(tripID)

	c.publishEvents(createdAt, matchedAt)
	observability.MatchesTotal.Inc()
	c.logger.Info("trip matched", "trip_id", tripID, "driver_id", driverID)
	return persisted, nil
}

// failMatch cleans up after a durable-store failure inside the locked
// section: the attempt is over, both parties are told, and nothing is left
// half-assigned.
func (c *Coordinator) failMatch(ctx context.Context, trip models.TransientTrip, driverID string, cause error) error {
	c.logger.Error("match persistence failed", "trip_id", trip.TripID, "driver_id", driverID, "error", cause)
	c.notifier.DeliverToUser(trip.PassengerID, models.PushMatchFailed, map[string]any{"trip_id": trip.TripID})
	c.notifier.DeliverToUser(driverID, models.PushMatchFailed, map[string]any{"trip_id": trip.TripID})
	cleanup := context.WithoutCancel(ctx)
	if err := c.state.DeleteTrip(cleanup, trip.TripID); err != nil {
		c.logger.Warn("delete transient trip", "trip_id", trip.TripID, "error", err)
	}
	if err := c.state.DeleteRoster(cleanup, trip.TripID); err != nil {
		c.logger.Warn("delete offer roster", "trip_id", trip.TripID, "error", err)
	}
	c.timers.cancel(trip.TripID)
	return cause
}

// expireOffer fires once per offer at its TTL. It takes the same trip lock
// as AcceptOffer so a driver accepting a few milliseconds before expiry
// always wins; once a winner exists the handler is a no-op.
func (c *Coordinator) expireOffer(tripID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	locked := false
	for attempt := 0; attempt < 5; attempt++ {
		ok, err := c.state.AcquireLock(ctx, tripID, c.cfg.LockTTL)
		if err != nil {
			c.logger.Error("expiry lock acquire", "trip_id", tripID, "error", err)
			return
		}
		if ok {
			locked = true
			break
		}
		// An accept holds the lock; it will resolve the trip itself.
		time.Sleep(100 * time.Millisecond)
	}
	if !locked {
		c.logger.Warn("expiry gave up on trip lock", "trip_id", tripID)
		return
	}
	defer func() {
		if err := c.state.ReleaseLock(ctx, tripID); err != nil {
			c.logger.Warn("release trip lock", "trip_id", tripID, "error", err)
		}
	}()

	trip, ok, err := c.state.GetTrip(ctx, tripID)
	if err != nil {
		c.logger.Error("expiry trip read", "trip_id", tripID, "error", err)
		return
	}
	if !ok || trip.Status != models.TripSearching {
		return // matched moments earlier
	}

	if err := c.state.DeleteTrip(ctx, tripID); err != nil {
		c.logger.Warn("delete transient trip", "trip_id", tripID, "error", err)
	}
	if err := c.state.DeleteRoster(ctx, tripID); err != nil {
		c.logger.Warn("delete offer roster", "trip_id", tripID, "error", err)
	}
	c.notifier.DeliverToUser(trip.PassengerID, models.PushTripExpired, map[string]any{
		"trip_id": tripID,
		"message": "no drivers accepted",
	})
	observability.ExpiredTotal.Inc()
	c.logger.Info("offer expired unclaimed", "trip_id", tripID)
}

func (c *Coordinator) publishEvents(events ...models.TripEvent) {
	if c.events == nil {
		return
	}
	for _, ev := range events {
		if err := c.events.PublishEvent(ev); err != nil {
			c.logger.Warn("publish trip event", "trip_id", ev.TripID, "type", ev.Type, "error", err)
		}
	}
}

func mustJSON(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}
