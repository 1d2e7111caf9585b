package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/event"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/rides"
)

// Server exposes the dispatch core's command and query surfaces plus the
// observer event stream. Authorization happens upstream; every caller that
// reaches these handlers is trusted (the core never inspects identity).
type Server struct {
	svc    *dispatch.Service
	hub    *event.Hub
	kafka  *ingest.KafkaProducer // optional: nil means no pipeline fanout
	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(svc *dispatch.Service, hub *event.Hub, kafka *ingest.KafkaProducer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{svc: svc, hub: hub, kafka: kafka, logger: logger, mux: mux.NewRouter()}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/internal/driver/locations", s.handleDriverLocation).Methods("POST")
	s.mux.HandleFunc("/internal/driver/offline", s.handleDriverOffline).Methods("POST")

	s.mux.HandleFunc("/api/v1/rides", s.handleSubmitRide).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/pending", s.handlePendingRides).Methods("GET")
	s.mux.HandleFunc("/api/v1/rides/active", s.handleActiveRides).Methods("GET")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}", s.handleGetRide).Methods("GET")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}/cancel", s.handleCancelRide).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}/arrived", s.handleMarkArrived).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}/start", s.handleStartRide).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}/complete", s.handleCompleteRide).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}/reassign", s.handleReassign).Methods("POST")

	s.mux.HandleFunc("/api/v1/assignments", s.handleAssign).Methods("POST")
	s.mux.HandleFunc("/api/v1/assignments/batch", s.handleBatchAssign).Methods("POST")

	s.mux.HandleFunc("/api/v1/drivers/online", s.handleOnlineDrivers).Methods("GET")
	s.mux.HandleFunc("/api/v1/alerts", s.handleRecentAlerts).Methods("GET")
	s.mux.HandleFunc("/api/v1/alerts", s.handleRaiseAlert).Methods("POST")

	s.mux.HandleFunc("/ws/observers", s.handleObserverWS)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var u models.LocationUpdate
	if err := json.NewDecoder(r.Body).Decode(&u); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if u.DriverID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "driver_id required")
		return
	}
	if u.TimestampMs == 0 {
		u.TimestampMs = time.Now().UnixMilli()
	}
	if s.kafka != nil {
		if err := s.kafka.PublishLocation(u); err != nil {
			s.logger.Warn("kafka publish failed", "driver_id", u.DriverID, "error", err)
		}
	}
	s.svc.HandleLocation(u)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDriverOffline(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DriverID string `json:"driver_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.DriverID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "driver_id required")
		return
	}
	s.svc.SetDriverOffline(body.DriverID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSubmitRide(w http.ResponseWriter, r *http.Request) {
	var req models.RideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	ride, err := s.svc.SubmitRide(r.Context(), req)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, ride)
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	ride, ok := s.svc.GetRide(mux.Vars(r)["ride_id"])
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "unknown ride")
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleCancelRide(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	ride, err := s.svc.CancelRide(r.Context(), mux.Vars(r)["ride_id"], body.Reason)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleMarkArrived(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, s.svc.MarkArrived)
}

func (s *Server) handleStartRide(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, s.svc.StartRide)
}

func (s *Server) handleCompleteRide(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, s.svc.CompleteRide)
}

func (s *Server) lifecycle(w http.ResponseWriter, r *http.Request, op func(context.Context, string) (models.Ride, error)) {
	ride, err := op(r.Context(), mux.Vars(r)["ride_id"])
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleAssign(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RideID   string              `json:"ride_id"`
		DriverID string              `json:"driver_id"`
		Method   models.AssignMethod `json:"method"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.RideID == "" || body.DriverID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "ride_id and driver_id required")
		return
	}
	if body.Method == "" {
		body.Method = models.MethodManual
	}
	a, err := s.svc.Assign(r.Context(), body.RideID, body.DriverID, body.Method)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleBatchAssign(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RideIDs []string `json:"ride_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	var results []models.AssignmentResult
	if len(body.RideIDs) == 0 {
		results = s.svc.Sweep(r.Context())
	} else {
		results = s.svc.BatchAutoAssign(r.Context(), body.RideIDs)
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (s *Server) handleReassign(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DriverID string `json:"driver_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.DriverID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "driver_id required")
		return
	}
	a, err := s.svc.Reassign(r.Context(), mux.Vars(r)["ride_id"], body.DriverID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handlePendingRides(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.PendingRides())
}

func (s *Server) handleActiveRides(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.ActiveRides())
}

func (s *Server) handleOnlineDrivers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.OnlineDrivers())
}

func (s *Server) handleRecentAlerts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.RecentAlerts())
}

func (s *Server) handleRaiseAlert(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RideID string           `json:"ride_id"`
		Kind   models.AlertKind `json:"kind"`
		Reason string           `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.RideID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "ride_id required")
		return
	}
	if body.Kind == "" {
		body.Kind = models.AlertEmergency
	}
	writeJSON(w, http.StatusCreated, s.svc.RaiseAlert(body.RideID, body.Kind, body.Reason))
}

func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	var ite *rides.InvalidTransitionError
	switch {
	case errors.Is(err, rides.ErrUnknownRide):
		writeError(w, http.StatusNotFound, "not_found", "unknown ride")
	case errors.Is(err, dispatch.ErrRideNotAssignable):
		writeError(w, http.StatusConflict, "ride_not_assignable", "ride already assigned or terminal")
	case errors.Is(err, dispatch.ErrDriverUnavailable):
		writeError(w, http.StatusConflict, "driver_unavailable", "driver is not online")
	case errors.As(err, &ite):
		writeError(w, http.StatusConflict, "invalid_transition", ite.Error())
	default:
		s.logger.Error("internal error", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]string{"error": code, "message": msg})
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
