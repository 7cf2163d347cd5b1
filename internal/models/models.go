package models

import (
	"encoding/json"
	"time"
)

type Coord struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Driver availability states. Online drivers are eligible for new offers,
// busy drivers carry a current trip, offline drivers are absent from the
// spatial index entirely.
const (
	AvailabilityOnline  = "online"
	AvailabilityBusy    = "busy"
	AvailabilityOffline = "offline"
)

// Trip states while a matching attempt is in flight.
const (
	TripSearching = "searching"
	TripMatched   = "matched"
)

// DriverMeta is the per-driver metadata record kept next to the spatial
// index entry. It is written only by the driver's own pings and by the
// coordinator's online/busy transitions.
type DriverMeta struct {
	DriverID      string    `json:"driver_id"`
	Heading       float64   `json:"heading,omitempty"`
	Speed         float64   `json:"speed,omitempty"`
	Availability  string    `json:"availability"`
	CurrentTripID string    `json:"current_trip_id,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// NearbyDriver is one radius-query candidate, annotated with its distance
// from the query point.
type NearbyDriver struct {
	DriverID   string  `json:"driver_id"`
	Loc        Coord   `json:"loc"`
	DistanceKm float64 `json:"distance_km"`
	Heading    float64 `json:"heading,omitempty"`
	Speed      float64 `json:"speed,omitempty"`
}

// LocationPing is a single driver position update as received from the
// client, via HTTP or the Kafka pipeline.
type LocationPing struct {
	DriverID string  `json:"driver_id"`
	Lng      float64 `json:"lng"`
	Lat      float64 `json:"lat"`
	Heading  float64 `json:"heading,omitempty"`
	Speed    float64 `json:"speed,omitempty"`
}

// TransientTrip is the fast-path record of a trip while it is being
// matched. Exactly one exists per trip id while status is "searching";
// it is deleted the moment the trip matches or the offer expires.
type TransientTrip struct {
	TripID           string    `json:"trip_id"`
	PassengerID      string    `json:"passenger_id"`
	DriverID         string    `json:"driver_id,omitempty"`
	Status           string    `json:"status"`
	Pickup           Coord     `json:"pickup"`
	PickupAddress    string    `json:"pickup_address"`
	Dropoff          Coord     `json:"dropoff"`
	DropoffAddress   string    `json:"dropoff_address"`
	DistanceEstimate float64   `json:"distance_estimate"`
	DurationEstimate float64   `json:"duration_estimate"`
	FareEstimate     float64   `json:"fare_estimate"`
	PaymentMethod    string    `json:"payment_method"`
	RequestedAt      time.Time `json:"requested_at"`
}

// OfferRoster records which drivers were notified for one offer so the
// losers can be told the offer is void once a winner is chosen.
type OfferRoster struct {
	TripID      string    `json:"trip_id"`
	DriverIDs   []string  `json:"driver_ids"`
	BroadcastAt time.Time `json:"broadcast_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// OfferPayload is what each notified driver receives over the gateway.
type OfferPayload struct {
	TripID           string    `json:"trip_id"`
	PassengerID      string    `json:"passenger_id"`
	Pickup           Coord     `json:"pickup"`
	PickupAddress    string    `json:"pickup_address"`
	Dropoff          Coord     `json:"dropoff"`
	DropoffAddress   string    `json:"dropoff_address"`
	DistanceEstimate float64   `json:"distance_estimate"`
	DurationEstimate float64   `json:"duration_estimate"`
	FareEstimate     float64   `json:"fare_estimate"`
	PaymentMethod    string    `json:"payment_method"`
	ExpiresAt        time.Time `json:"expires_at"`
}

// Trip is the durable record, created only at the moment of a successful
// match. Later lifecycle transitions belong to downstream trip logic.
type Trip struct {
	ID               string
	PassengerID      string
	DriverID         string
	Pickup           Coord
	PickupAddress    string
	Dropoff          Coord
	DropoffAddress   string
	DistanceEstimate float64
	DurationEstimate float64
	FareEstimate     float64
	PaymentMethod    string
	Status           string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// TripEvent is one append-only lifecycle log entry.
type TripEvent struct {
	TripID    string          `json:"trip_id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Trip event log types.
const (
	EventTripCreated   = "trip_created"
	EventDriverMatched = "driver_matched"
)

// Gateway event names pushed to connected clients.
const (
	PushTripRequest    = "trip_request"    // offer to a driver
	PushRequestExpired = "request_expired" // offer rescinded for a driver
	PushDriverMatched  = "driver_matched"  // assignment for the passenger
	PushTripExpired    = "trip_expired"    // no driver accepted in time
	PushMatchFailed    = "match_failed"    // match won but could not be saved
)
