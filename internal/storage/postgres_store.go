package storage

import (
	"context"
	"database/sql"

	_ "github.com/lib/pq"

	"github.com/example/trip-dispatch/internal/models"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) CreateTrip(ctx context.Context, t *models.Trip) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO trips(id, passenger_id, driver_id, pickup_lat, pickup_lng, pickup_address,
		                   dropoff_lat, dropoff_lng, dropoff_address, distance_estimate,
		                   duration_estimate, fare_estimate, payment_method, status, created_at, updated_at)
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		t.ID, t.PassengerID, t.DriverID, t.Pickup.Lat, t.Pickup.Lng, t.PickupAddress,
		t.Dropoff.Lat, t.Dropoff.Lng, t.DropoffAddress, t.DistanceEstimate,
		t.DurationEstimate, t.FareEstimate, t.PaymentMethod, t.Status, t.CreatedAt, t.UpdatedAt)
	return err
}

func (p *PostgresStore) AppendEvent(ctx context.Context, ev models.TripEvent) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO trip_events(trip_id, type, payload, created_at) VALUES($1,$2,$3,$4)`,
		ev.TripID, ev.Type, []byte(ev.Payload), ev.CreatedAt)
	return err
}

func (p *PostgresStore) Close() error { return p.db.Close() }
