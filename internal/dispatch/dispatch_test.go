package dispatch_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/example/trip-dispatch/internal/dispatch"
	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/registry"
	"github.com/example/trip-dispatch/internal/state"
	"github.com/example/trip-dispatch/internal/storage"
)

type pushed struct {
	UserID  string
	Event   string
	Payload any
}

// fakeNotifier records every delivered event.
type fakeNotifier struct {
	mu     sync.Mutex
	events []pushed
}

func (f *fakeNotifier) DeliverToUser(userID, event string, payload any) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, pushed{UserID: userID, Event: event, Payload: payload})
	return true
}

func (f *fakeNotifier) eventsFor(userID string) []pushed {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []pushed
	for _, e := range f.events {
		if e.UserID == userID {
			out = append(out, e)
		}
	}
	return out
}

func (f *fakeNotifier) count(userID, event string) int {
	n := 0
	for _, e := range f.eventsFor(userID) {
		if e.Event == event {
			n++
		}
	}
	return n
}

// failingStore rejects trip creation, simulating a durable-store outage.
type failingStore struct {
	*storage.MemoryStore
}

func (f *failingStore) CreateTrip(context.Context, *models.Trip) error {
	return errors.New("pg down")
}

type harness struct {
	coord    *dispatch.Coordinator
	reg      *registry.Memory
	state    *state.Store
	store    *storage.MemoryStore
	notifier *fakeNotifier
}

func newHarness(t *testing.T, cfg dispatch.Config, durable storage.TripStore) *harness {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})

	reg := registry.NewMemory()
	st := state.NewStore(client)
	mem := storage.NewMemoryStore()
	if durable == nil {
		durable = mem
	}
	notifier := &fakeNotifier{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	coord := dispatch.NewCoordinator(reg, st, durable, notifier, nil, cfg, logger)
	return &harness{coord: coord, reg: reg, state: st, store: mem, notifier: notifier}
}

func (h *harness) addOnlineDriver(t *testing.T, id string, lng, lat float64) {
	t.Helper()
	require.NoError(t, h.reg.UpsertPosition(context.Background(), models.LocationPing{DriverID: id, Lng: lng, Lat: lat}))
}

func (h *harness) admit(t *testing.T, tripID, passengerID string, pickup models.Coord) {
	t.Helper()
	require.NoError(t, h.coord.AdmitTrip(context.Background(), models.TransientTrip{
		TripID:        tripID,
		PassengerID:   passengerID,
		Pickup:        pickup,
		Dropoff:       models.Coord{Lat: pickup.Lat + 0.1, Lng: pickup.Lng + 0.1},
		FareEstimate:  9.5,
		PaymentMethod: "card",
	}))
}

func TestBroadcastNoDriversDiscardsTrip(t *testing.T) {
	h := newHarness(t, dispatch.Config{}, nil)
	ctx := context.Background()
	h.admit(t, "t1", "p1", models.Coord{})

	n, err := h.coord.BroadcastOffer(ctx, "t1")
	require.ErrorIs(t, err, dispatch.ErrNoDriversAvailable)
	require.Zero(t, n)

	_, ok, err := h.state.GetTrip(ctx, "t1")
	require.NoError(t, err)
	require.False(t, ok, "transient trip must be discarded")
	require.Empty(t, h.notifier.events)
}

func TestBroadcastUnknownTrip(t *testing.T) {
	h := newHarness(t, dispatch.Config{}, nil)
	_, err := h.coord.BroadcastOffer(context.Background(), "ghost")
	require.ErrorIs(t, err, dispatch.ErrTripNotFound)
}

func TestBroadcastNotifiesEligibleDrivers(t *testing.T) {
	h := newHarness(t, dispatch.Config{SearchRadiusKm: 5, MaxBroadcast: 8, OfferTTL: time.Minute}, nil)
	ctx := context.Background()

	h.addOnlineDriver(t, "near-1", 0, 0.001)
	h.addOnlineDriver(t, "near-2", 0, 0.002)
	h.addOnlineDriver(t, "busy", 0, 0.001)
	require.NoError(t, h.reg.SetAvailability(ctx, "busy", models.AvailabilityBusy, "other-trip"))
	h.addOnlineDriver(t, "far", 0, 1) // ~111km out

	h.admit(t, "t1", "p1", models.Coord{})
	n, err := h.coord.BroadcastOffer(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, 2, n)

	for _, id := range []string{"near-1", "near-2"} {
		evs := h.notifier.eventsFor(id)
		require.Len(t, evs, 1)
		require.Equal(t, models.PushTripRequest, evs[0].Event)
		offer, ok := evs[0].Payload.(models.OfferPayload)
		require.True(t, ok)
		require.Equal(t, "t1", offer.TripID)
		require.True(t, offer.ExpiresAt.After(time.Now()))
	}
	require.Empty(t, h.notifier.eventsFor("busy"))
	require.Empty(t, h.notifier.eventsFor("far"))
}

func TestConcurrentAcceptsSingleWinner(t *testing.T) {
	h := newHarness(t, dispatch.Config{SearchRadiusKm: 5, MaxBroadcast: 8, OfferTTL: time.Minute}, nil)
	ctx := context.Background()

	drivers := []string{"d1", "d2", "d3", "d4", "d5"}
	for i, id := range drivers {
		h.addOnlineDriver(t, id, 0, 0.001*float64(i+1))
	}
	h.admit(t, "t1", "p1", models.Coord{})
	n, err := h.coord.BroadcastOffer(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, len(drivers), n)

	type result struct {
		driverID string
		trip     *models.Trip
		err      error
	}
	results := make(chan result, len(drivers))
	var wg sync.WaitGroup
	for _, id := range drivers {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			trip, err := h.coord.AcceptOffer(ctx, "t1", id)
			results <- result{driverID: id, trip: trip, err: err}
		}(id)
	}
	wg.Wait()
	close(results)

	var winner string
	losers := 0
	for res := range results {
		if res.err == nil {
			require.Empty(t, winner, "only one accept may succeed")
			winner = res.driverID
			require.Equal(t, "t1", res.trip.ID)
			require.Equal(t, res.driverID, res.trip.DriverID)
			continue
		}
		losers++
		if !errors.Is(res.err, dispatch.ErrTripLocked) && !errors.Is(res.err, dispatch.ErrTripNotAvailable) {
			t.Fatalf("unexpected loser error: %v", res.err)
		}
	}
	require.NotEmpty(t, winner)
	require.Equal(t, len(drivers)-1, losers)

	// exactly one durable trip, with both lifecycle events
	require.Equal(t, 1, h.store.Count())
	persisted, ok := h.store.Get("t1")
	require.True(t, ok)
	require.Equal(t, winner, persisted.DriverID)
	evs := h.store.Events("t1")
	require.Len(t, evs, 2)
	require.Equal(t, models.EventTripCreated, evs[0].Type)
	require.Equal(t, models.EventDriverMatched, evs[1].Type)

	// transient record gone, winner busy, passenger told
	_, ok2, err := h.state.GetTrip(ctx, "t1")
	require.NoError(t, err)
	require.False(t, ok2)
	require.Equal(t, 1, h.notifier.count("p1", models.PushDriverMatched))

	nearby, err := h.reg.FindNearby(ctx, 0, 0, 10, 10)
	require.NoError(t, err)
	for _, d := range nearby {
		require.NotEqual(t, winner, d.DriverID, "winner must be busy, not eligible")
	}

	// every loser that made the roster hears the offer is void
	for _, id := range drivers {
		if id == winner {
			continue
		}
		require.Equal(t, 1, h.notifier.count(id, models.PushRequestExpired))
	}
}

func TestOfferExpiresExactlyOnce(t *testing.T) {
	h := newHarness(t, dispatch.Config{SearchRadiusKm: 5, MaxBroadcast: 8, OfferTTL: 200 * time.Millisecond}, nil)
	ctx := context.Background()

	h.addOnlineDriver(t, "d1", 0, 0)
	h.admit(t, "t1", "p1", models.Coord{Lat: 0.01})
	_, err := h.coord.BroadcastOffer(ctx, "t1")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return h.notifier.count("p1", models.PushTripExpired) == 1
	}, 2*time.Second, 20*time.Millisecond)

	// the expiry notice is the only passenger-visible event
	require.Len(t, h.notifier.eventsFor("p1"), 1)

	_, ok, err := h.state.GetTrip(ctx, "t1")
	require.NoError(t, err)
	require.False(t, ok)
	require.Zero(t, h.store.Count(), "nothing is persisted on timeout")

	// a late accept finds the trip gone
	_, err = h.coord.AcceptOffer(ctx, "t1", "d1")
	require.ErrorIs(t, err, dispatch.ErrTripNotAvailable)

	// no second expiry notice shows up later
	time.Sleep(300 * time.Millisecond)
	require.Equal(t, 1, h.notifier.count("p1", models.PushTripExpired))
}

func TestExpiryIsNoopAfterMatch(t *testing.T) {
	h := newHarness(t, dispatch.Config{SearchRadiusKm: 5, MaxBroadcast: 8, OfferTTL: 150 * time.Millisecond}, nil)
	ctx := context.Background()

	h.addOnlineDriver(t, "d1", 0, 0)
	h.admit(t, "t1", "p1", models.Coord{Lat: 0.001})
	_, err := h.coord.BroadcastOffer(ctx, "t1")
	require.NoError(t, err)

	_, err = h.coord.AcceptOffer(ctx, "t1", "d1")
	require.NoError(t, err)

	time.Sleep(400 * time.Millisecond)
	require.Zero(t, h.notifier.count("p1", models.PushTripExpired))
	require.Equal(t, 1, h.notifier.count("p1", models.PushDriverMatched))
	require.Equal(t, 1, h.store.Count())
}

func TestAcceptWhileLockedFails(t *testing.T) {
	h := newHarness(t, dispatch.Config{OfferTTL: time.Minute}, nil)
	ctx := context.Background()

	h.addOnlineDriver(t, "d1", 0, 0)
	h.admit(t, "t1", "p1", models.Coord{})
	_, err := h.coord.BroadcastOffer(ctx, "t1")
	require.NoError(t, err)

	locked, err := h.state.AcquireLock(ctx, "t1", time.Second)
	require.NoError(t, err)
	require.True(t, locked)

	_, err = h.coord.AcceptOffer(ctx, "t1", "d1")
	require.ErrorIs(t, err, dispatch.ErrTripLocked)
}

func TestPersistenceFailureCleansUp(t *testing.T) {
	failing := &failingStore{MemoryStore: storage.NewMemoryStore()}
	h := newHarness(t, dispatch.Config{SearchRadiusKm: 5, MaxBroadcast: 8, OfferTTL: time.Minute}, failing)
	ctx := context.Background()

	h.addOnlineDriver(t, "d1", 0, 0)
	h.admit(t, "t1", "p1", models.Coord{Lat: 0.001})
	_, err := h.coord.BroadcastOffer(ctx, "t1")
	require.NoError(t, err)

	_, err = h.coord.AcceptOffer(ctx, "t1", "d1")
	require.Error(t, err)
	require.NotErrorIs(t, err, dispatch.ErrTripLocked)

	// both parties are told instead of waiting on a win that never lands
	require.Equal(t, 1, h.notifier.count("p1", models.PushMatchFailed))
	require.Equal(t, 1, h.notifier.count("d1", models.PushMatchFailed))

	// the attempt is over: no transient state, no busy driver, no leaked lock
	_, ok, err := h.state.GetTrip(ctx, "t1")
	require.NoError(t, err)
	require.False(t, ok)

	nearby, err := h.reg.FindNearby(ctx, 0, 0, 10, 10)
	require.NoError(t, err)
	require.Len(t, nearby, 1, "driver must not be left busy")

	locked, err := h.state.AcquireLock(ctx, "t1", time.Second)
	require.NoError(t, err)
	require.True(t, locked, "lock must be released on failure")
}

func TestSpecScenarioUnacceptedOfferTimesOut(t *testing.T) {
	h := newHarness(t, dispatch.Config{SearchRadiusKm: 5, MaxBroadcast: 8, OfferTTL: 200 * time.Millisecond}, nil)
	ctx := context.Background()

	// driver A at (0,0), trip requested ~1.1km away
	h.addOnlineDriver(t, "driver-a", 0, 0)
	h.admit(t, "t1", "p1", models.Coord{Lat: 0.01, Lng: 0})

	n, err := h.coord.BroadcastOffer(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	require.Eventually(t, func() bool {
		return h.notifier.count("p1", models.PushTripExpired) == 1
	}, 2*time.Second, 20*time.Millisecond)
	require.Len(t, h.notifier.eventsFor("p1"), 1, "expiry notice is the only passenger-visible event")

	_, ok, err := h.state.GetTrip(ctx, "t1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestTwoDriversRaceWithinMilliseconds(t *testing.T) {
	h := newHarness(t, dispatch.Config{SearchRadiusKm: 5, MaxBroadcast: 8, OfferTTL: time.Minute}, nil)
	ctx := context.Background()

	h.addOnlineDriver(t, "d1", 0, 0.001)
	h.addOnlineDriver(t, "d2", 0, 0.002)
	h.admit(t, "t1", "p1", models.Coord{})
	_, err := h.coord.BroadcastOffer(ctx, "t1")
	require.NoError(t, err)

	errs := make(chan error, 2)
	var wg sync.WaitGroup
	for _, id := range []string{"d1", "d2"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			time.Sleep(25 * time.Millisecond)
			_, err := h.coord.AcceptOffer(ctx, "t1", id)
			errs <- err
		}(id)
	}
	wg.Wait()
	close(errs)

	failures := 0
	for err := range errs {
		if err != nil {
			failures++
		}
	}
	require.Equal(t, 1, failures, "exactly one of the two accepts fails")

	require.Equal(t, 1, h.store.Count(), "exactly one persisted trip for the id")
	persisted, ok := h.store.Get("t1")
	require.True(t, ok)

	loser := "d1"
	if persisted.DriverID == "d1" {
		loser = "d2"
	}
	require.Equal(t, 1, h.notifier.count(loser, models.PushRequestExpired))
}

func TestBroadcastTwiceIsRejected(t *testing.T) {
	h := newHarness(t, dispatch.Config{OfferTTL: time.Minute}, nil)
	ctx := context.Background()

	h.addOnlineDriver(t, "d1", 0, 0)
	h.admit(t, "t1", "p1", models.Coord{})
	_, err := h.coord.BroadcastOffer(ctx, "t1")
	require.NoError(t, err)
	_, err = h.coord.AcceptOffer(ctx, "t1", "d1")
	require.NoError(t, err)

	_, err = h.coord.BroadcastOffer(ctx, "t1")
	require.ErrorIs(t, err, dispatch.ErrTripNotFound)
}
