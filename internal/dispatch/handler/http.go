package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/example/dispatchlite/internal/dispatch/domain"
	"github.com/example/dispatchlite/internal/dispatch/service"
)

// HTTP exposes the dispatch operations over REST. The routes map 1:1
// onto the orchestrator's operations.
type HTTP struct {
	svc   *service.Service
	clock domain.Clock
}

// NewHTTP constructs a handler.
func NewHTTP(svc *service.Service, clock domain.Clock) *HTTP {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &HTTP{svc: svc, clock: clock}
}

// Router builds the chi router with all endpoints and middlewares.
// driverAuth, when non-nil, guards the driver-facing accept/reject routes.
func (h *HTTP) Router(driverAuth func(http.Handler) http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)
	r.Post("/v1/dispatch/{requestID}/start", h.start)
	r.Post("/v1/dispatch/{requestID}/search", h.search)
	r.Post("/v1/dispatch/{requestID}/cancel", h.cancel)
	r.Get("/v1/dispatch/{requestID}/assigned", h.isAssigned)
	r.Group(func(r chi.Router) {
		if driverAuth != nil {
			r.Use(driverAuth)
		}
		r.Post("/v1/dispatch/{requestID}/accept", h.accept)
		r.Post("/v1/dispatch/{requestID}/reject", h.reject)
	})
	return r
}

type searchRequest struct {
	Pickup   domain.GeoPoint `json:"pickup"`
	CarClass string          `json:"car_class,omitempty"`
}

type driverRequest struct {
	DriverID string `json:"driver_id"`
}

func (h *HTTP) start(w http.ResponseWriter, r *http.Request) {
	requestID, ok := requestIDParam(w, r)
	if !ok {
		return
	}
	var payload searchRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	involved, err := h.svc.Start(r.Context(), requestID, payload.Pickup, carClassOf(payload), h.clock.Now())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, involved)
}

func (h *HTTP) search(w http.ResponseWriter, r *http.Request) {
	requestID, ok := requestIDParam(w, r)
	if !ok {
		return
	}
	var payload searchRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	involved, err := h.svc.Search(r.Context(), requestID, payload.Pickup, carClassOf(payload))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, involved)
}

func (h *HTTP) accept(w http.ResponseWriter, r *http.Request) {
	requestID, driverID, ok := driverParams(w, r)
	if !ok {
		return
	}
	involved, err := h.svc.Accept(r.Context(), requestID, driverID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, involved)
}

func (h *HTTP) reject(w http.ResponseWriter, r *http.Request) {
	requestID, driverID, ok := driverParams(w, r)
	if !ok {
		return
	}
	involved, err := h.svc.Reject(r.Context(), requestID, driverID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, involved)
}

func driverParams(w http.ResponseWriter, r *http.Request) (uuid.UUID, uuid.UUID, bool) {
	requestID, ok := requestIDParam(w, r)
	if !ok {
		return uuid.Nil, uuid.Nil, false
	}
	var payload driverRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return uuid.Nil, uuid.Nil, false
	}
	driverID, err := uuid.Parse(payload.DriverID)
	if err != nil {
		http.Error(w, "invalid driver_id", http.StatusBadRequest)
		return uuid.Nil, uuid.Nil, false
	}
	return requestID, driverID, true
}

func (h *HTTP) cancel(w http.ResponseWriter, r *http.Request) {
	requestID, ok := requestIDParam(w, r)
	if !ok {
		return
	}
	involved, err := h.svc.Cancel(r.Context(), requestID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, involved)
}

func (h *HTTP) isAssigned(w http.ResponseWriter, r *http.Request) {
	requestID, ok := requestIDParam(w, r)
	if !ok {
		return
	}
	assigned, err := h.svc.IsAssigned(r.Context(), requestID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"assigned": assigned})
}

func requestIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	requestID, err := uuid.Parse(chi.URLParam(r, "requestID"))
	if err != nil {
		http.Error(w, "invalid request id", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return requestID, true
}

func carClassOf(payload searchRequest) *domain.CarClass {
	if payload.CarClass == "" {
		return nil
	}
	class := domain.CarClass(payload.CarClass)
	return &class
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, domain.ErrAlreadyExists),
		errors.Is(err, domain.ErrAlreadyAssigned),
		errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrConcurrentModification):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, domain.ErrDriverNotEligible):
		http.Error(w, err.Error(), http.StatusForbidden)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
