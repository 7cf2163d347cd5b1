package registry

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/example/trip-dispatch/internal/models"
)

var (
	// ErrInvalidCoordinate is returned when a position update carries a
	// longitude or latitude outside the valid range.
	ErrInvalidCoordinate = errors.New("invalid coordinate")
	// ErrDriverNotFound is returned by SetAvailability when the driver has
	// never pinged a position.
	ErrDriverNotFound = errors.New("driver not found")
)

// Registry maintains the live spatial index of drivers: current position,
// availability metadata and freshness. All mutation of driver records goes
// through these methods.
type Registry interface {
	// UpsertPosition replaces the driver's position and motion metadata and
	// refreshes its freshness timestamp. The driver becomes visible to
	// radius queries immediately.
	UpsertPosition(ctx context.Context, ping models.LocationPing) error
	// RemovePosition deletes the driver from the index. Removing an absent
	// driver is not an error.
	RemovePosition(ctx context.Context, driverID string) error
	// FindNearby returns drivers within radiusKm of the point, nearest
	// first, capped at limit. Only online drivers with no current trip are
	// included; an empty result is not an error.
	FindNearby(ctx context.Context, lng, lat, radiusKm float64, limit int) ([]models.NearbyDriver, error)
	// Position returns the driver's last known location, if indexed.
	Position(ctx context.Context, driverID string) (models.Coord, bool, error)
	// SetAvailability transitions the driver between online and busy, or
	// removes it entirely on transition to offline.
	SetAvailability(ctx context.Context, driverID, availability, currentTripID string) error
	// SweepStale evicts drivers whose last update is older than maxAge and
	// returns the evicted ids.
	SweepStale(ctx context.Context, maxAge time.Duration) ([]string, error)
}

func validCoord(lng, lat float64) bool {
	return lng >= -180 && lng <= 180 && lat >= -90 && lat <= 90
}

// haversineKm is the great-circle distance between two points in kilometers.
func haversineKm(a, b models.Coord) float64 {
	const earthRadiusKm = 6371.0
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(a.Lat*math.Pi/180)*math.Cos(b.Lat*math.Pi/180)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return earthRadiusKm * c
}
