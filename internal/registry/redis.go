package registry

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/trip-dispatch/internal/models"
)

// Redis implements Registry on Redis GEO commands plus a per-driver
// metadata hash. The geo zset holds positions; the hash holds availability,
// motion metadata and the freshness timestamp. The hash carries a bounded
// TTL so an abruptly disconnected driver eventually disappears even without
// an explicit removal.
type Redis struct {
	client  *redis.Client
	geoKey  string
	metaTTL time.Duration
}

func NewRedis(client *redis.Client, geoKey string, metaTTL time.Duration) *Redis {
	if geoKey == "" {
		geoKey = "drivers_geo"
	}
	if metaTTL <= 0 {
		metaTTL = time.Hour
	}
	return &Redis{client: client, geoKey: geoKey, metaTTL: metaTTL}
}

func (r *Redis) metaKey(id string) string { return "driver:meta:" + id }

func (r *Redis) UpsertPosition(ctx context.Context, ping models.LocationPing) error {
	if !validCoord(ping.Lng, ping.Lat) {
		return fmt.Errorf("%w: lng=%f lat=%f", ErrInvalidCoordinate, ping.Lng, ping.Lat)
	}

	// Preserve availability and current trip across pings: a busy driver
	// keeps streaming positions without becoming eligible again.
	availability := models.AvailabilityOnline
	currentTrip := ""
	if m, err := r.client.HGetAll(ctx, r.metaKey(ping.DriverID)).Result(); err == nil && len(m) > 0 {
		if v, ok := m["availability"]; ok && v != "" {
			availability = v
		}
		currentTrip = m["current_trip_id"]
	}

	pipe := r.client.TxPipeline()
	pipe.GeoAdd(ctx, r.geoKey, &redis.GeoLocation{Longitude: ping.Lng, Latitude: ping.Lat, Name: ping.DriverID})
	pipe.HSet(ctx, r.metaKey(ping.DriverID), map[string]interface{}{
		"heading":         strconv.FormatFloat(ping.Heading, 'f', -1, 64),
		"speed":           strconv.FormatFloat(ping.Speed, 'f', -1, 64),
		"availability":    availability,
		"current_trip_id": currentTrip,
		"updated_at":      time.Now().UTC().Format(time.RFC3339Nano),
	})
	pipe.Expire(ctx, r.metaKey(ping.DriverID), r.metaTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis upsert position: %w", err)
	}
	return nil
}

func (r *Redis) RemovePosition(ctx context.Context, driverID string) error {
	pipe := r.client.TxPipeline()
	pipe.ZRem(ctx, r.geoKey, driverID)
	pipe.Del(ctx, r.metaKey(driverID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis remove position: %w", err)
	}
	return nil
}

func (r *Redis) FindNearby(ctx context.Context, lng, lat, radiusKm float64, limit int) ([]models.NearbyDriver, error) {
	if !validCoord(lng, lat) {
		return nil, fmt.Errorf("%w: lng=%f lat=%f", ErrInvalidCoordinate, lng, lat)
	}
	res, err := r.client.GeoRadius(ctx, r.geoKey, lng, lat, &redis.GeoRadiusQuery{
		Radius:    radiusKm,
		Unit:      "km",
		WithCoord: true,
		WithDist:  true,
		Count:     limit,
		Sort:      "ASC",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis georadius: %w", err)
	}

	out := make([]models.NearbyDriver, 0, len(res))
	for _, g := range res {
		m, err := r.client.HGetAll(ctx, r.metaKey(g.Name)).Result()
		if err != nil || len(m) == 0 {
			// Geo entry without metadata: expired or mid-removal. Skip it.
			continue
		}
		if m["availability"] != models.AvailabilityOnline || m["current_trip_id"] != "" {
			continue
		}
		d := models.NearbyDriver{
			DriverID:   g.Name,
			Loc:        models.Coord{Lat: g.Latitude, Lng: g.Longitude},
			DistanceKm: g.Dist,
		}
		if v, err := strconv.ParseFloat(m["heading"], 64); err == nil {
			d.Heading = v
		}
		if v, err := strconv.ParseFloat(m["speed"], 64); err == nil {
			d.Speed = v
		}
		out = append(out, d)
	}
	return out, nil
}

func (r *Redis) Position(ctx context.Context, driverID string) (models.Coord, bool, error) {
	pos, err := r.client.GeoPos(ctx, r.geoKey, driverID).Result()
	if err != nil {
		return models.Coord{}, false, fmt.Errorf("redis geopos: %w", err)
	}
	if len(pos) == 0 || pos[0] == nil {
		return models.Coord{}, false, nil
	}
	return models.Coord{Lat: pos[0].Latitude, Lng: pos[0].Longitude}, true, nil
}

func (r *Redis) SetAvailability(ctx context.Context, driverID, availability, currentTripID string) error {
	m, err := r.client.HGetAll(ctx, r.metaKey(driverID)).Result()
	if err != nil {
		return fmt.Errorf("redis meta read: %w", err)
	}
	if len(m) == 0 {
		return fmt.Errorf("%w: %s", ErrDriverNotFound, driverID)
	}
	if availability == models.AvailabilityOffline {
		return r.RemovePosition(ctx, driverID)
	}
	if err := r.client.HSet(ctx, r.metaKey(driverID), map[string]interface{}{
		"availability":    availability,
		"current_trip_id": currentTripID,
	}).Err(); err != nil {
		return fmt.Errorf("redis set availability: %w", err)
	}
	return nil
}

func (r *Redis) SweepStale(ctx context.Context, maxAge time.Duration) ([]string, error) {
	ids, err := r.client.ZRange(ctx, r.geoKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis zrange: %w", err)
	}
	cutoff := time.Now().Add(-maxAge)
	var evicted []string
	for _, id := range ids {
		updated, err := r.client.HGet(ctx, r.metaKey(id), "updated_at").Result()
		stale := false
		if err == redis.Nil {
			stale = true // meta TTL fired, geo entry is orphaned
		} else if err != nil {
			return evicted, fmt.Errorf("redis meta read: %w", err)
		} else if ts, perr := time.Parse(time.RFC3339Nano, updated); perr != nil || ts.Before(cutoff) {
			stale = true
		}
		if !stale {
			continue
		}
		if err := r.RemovePosition(ctx, id); err != nil {
			return evicted, err
		}
		evicted = append(evicted, id)
	}
	return evicted, nil
}
