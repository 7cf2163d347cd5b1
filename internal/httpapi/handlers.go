package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/trip-dispatch/internal/dispatch"
	"github.com/example/trip-dispatch/internal/ingest"
	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/notify"
	"github.com/example/trip-dispatch/internal/observability"
	"github.com/example/trip-dispatch/internal/registry"
)

type Server struct {
	Registry    registry.Registry
	Coordinator *dispatch.Coordinator
	Gateway     *notify.Gateway
	Kafka       *ingest.LocationProducer // optional

	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(reg registry.Registry, coord *dispatch.Coordinator, gw *notify.Gateway, kafka *ingest.LocationProducer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		Registry:    reg,
		Coordinator: coord,
		Gateway:     gw,
		Kafka:       kafka,
		logger:      logger,
		mux:         mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/internal/driver/locations", s.handleDriverLocation).Methods("POST")
	s.mux.HandleFunc("/api/v1/drivers/{driver_id}/availability", s.handleAvailability).Methods("PUT")
	s.mux.HandleFunc("/api/v1/trips/request", s.handleTripRequest).Methods("POST")
	s.mux.HandleFunc("/api/v1/trips/{trip_id}/accept", s.handleAccept).Methods("POST")
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{user_id}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var ping models.LocationPing
	if err := json.NewDecoder(r.Body).Decode(&ping); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if ping.DriverID == "" {
		http.Error(w, "driver_id is required", http.StatusBadRequest)
		return
	}
	// publish to kafka if configured; the registry update below keeps the
	// fast path fresh even when the pipeline lags
	if s.Kafka != nil {
		if err := s.Kafka.PublishPing(ping); err != nil {
			s.logger.Warn("publish location ping", "driver_id", ping.DriverID, "error", err)
		}
	}
	if err := s.Registry.UpsertPosition(r.Context(), ping); err != nil {
		if errors.Is(err, registry.ErrInvalidCoordinate) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type availabilityRequest struct {
	Availability string `json:"availability"`
}

func (s *Server) handleAvailability(w http.ResponseWriter, r *http.Request) {
	driverID := mux.Vars(r)["driver_id"]
	var req availabilityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	// busy is a coordinator-owned transition, not settable from outside
	if req.Availability != models.AvailabilityOnline && req.Availability != models.AvailabilityOffline {
		http.Error(w, "availability must be online or offline", http.StatusBadRequest)
		return
	}
	if err := s.Registry.SetAvailability(r.Context(), driverID, req.Availability, ""); err != nil {
		if errors.Is(err, registry.ErrDriverNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if req.Availability == models.AvailabilityOnline {
		observability.DriversOnline.Inc()
	} else {
		observability.DriversOnline.Dec()
	}
	w.WriteHeader(http.StatusNoContent)
}

type coordAddress struct {
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	Address string  `json:"address"`
}

type tripRequest struct {
	PassengerID      string       `json:"passenger_id"`
	Pickup           coordAddress `json:"pickup"`
	Dropoff          coordAddress `json:"dropoff"`
	DistanceEstimate float64      `json:"distance_estimate"`
	DurationEstimate float64      `json:"duration_estimate"`
	FareEstimate     float64      `json:"fare_estimate"`
	PaymentMethod    string       `json:"payment_method"`
}

func (s *Server) handleTripRequest(w http.ResponseWriter, r *http.Request) {
	var req tripRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.PassengerID == "" {
		http.Error(w, "passenger_id is required", http.StatusBadRequest)
		return
	}

	trip := models.TransientTrip{
		TripID:           uuid.NewString(),
		PassengerID:      req.PassengerID,
		Pickup:           models.Coord{Lat: req.Pickup.Lat, Lng: req.Pickup.Lng},
		PickupAddress:    req.Pickup.Address,
		Dropoff:          models.Coord{Lat: req.Dropoff.Lat, Lng: req.Dropoff.Lng},
		DropoffAddress:   req.Dropoff.Address,
		DistanceEstimate: req.DistanceEstimate,
		DurationEstimate: req.DurationEstimate,
		FareEstimate:     req.FareEstimate,
		PaymentMethod:    req.PaymentMethod,
	}
	if err := s.Coordinator.AdmitTrip(r.Context(), trip); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	notified, err := s.Coordinator.BroadcastOffer(r.Context(), trip.TripID)
	if err != nil {
		if errors.Is(err, dispatch.ErrNoDriversAvailable) {
			writeJSON(w, http.StatusOK, map[string]any{
				"trip_id": trip.TripID,
				"status":  "no_drivers_available",
			})
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"trip_id":          trip.TripID,
		"status":           models.TripSearching,
		"drivers_notified": notified,
	})
}

type acceptRequest struct {
	DriverID string `json:"driver_id"`
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	tripID := mux.Vars(r)["trip_id"]
	var req acceptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.DriverID == "" {
		http.Error(w, "driver_id is required", http.StatusBadRequest)
		return
	}

	trip, err := s.Coordinator.AcceptOffer(r.Context(), tripID, req.DriverID)
	if err != nil {
		switch {
		case errors.Is(err, dispatch.ErrTripLocked):
			http.Error(w, "trip is being claimed", http.StatusConflict)
		case errors.Is(err, dispatch.ErrTripNotAvailable):
			http.Error(w, "trip is no longer available", http.StatusConflict)
		default:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"trip_id":   trip.ID,
		"driver_id": trip.DriverID,
		"status":    trip.Status,
	})
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["user_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, "upgrade failed", http.StatusBadRequest)
		return
	}
	s.Gateway.Add(userID, conn)
	// drain the connection so we notice the peer going away
	go func() {
		defer func() {
			s.Gateway.Remove(userID, conn)
			_ = conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
