// Package handler exposes the booking service over HTTP.
package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/example/ridebook/internal/booking/domain"
	"github.com/example/ridebook/internal/booking/service"
)

// MaxBodyBytes caps JSON request bodies.
const MaxBodyBytes = 64 << 10

// HTTP exposes booking endpoints.
type HTTP struct {
	svc    *service.Service
	logger *zap.Logger
}

// NewHTTP constructs a handler.
func NewHTTP(svc *service.Service, logger *zap.Logger) *HTTP {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTP{svc: svc, logger: logger.Named("http")}
}

// Router builds the chi router. Every route runs behind the given
// middlewares, typically authentication and rate limiting.
func (h *HTTP) Router(middlewares ...func(http.Handler) http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)
	r.Group(func(r chi.Router) {
		r.Use(middlewares...)
		r.Post("/v1/bookings", h.createBooking)
		r.Get("/v1/bookings", h.listBookings)
		r.Get("/v1/bookings/{id}", h.getBooking)
		r.Delete("/v1/bookings/{id}", h.cancelBooking)
		r.Put("/v1/users/me", h.putProfile)
		r.Get("/v1/drivers", h.listDrivers)
		r.Get("/v1/drivers/{id}/availability", h.availability)
	})
	return r
}

type bookingView struct {
	ID string `json:"bookingId"`
	domain.Booking
}

func view(b domain.Booking) bookingView { return bookingView{ID: b.ID, Booking: b} }

type createBookingResponse struct {
	Outcome  domain.Outcome `json:"outcome"`
	Message  string         `json:"message"`
	Degraded bool           `json:"degraded"`
	Booking  bookingView    `json:"booking"`
}

type errorResponse struct {
	Outcome domain.Outcome `json:"outcome"`
	Message string         `json:"message"`
	Reason  domain.Reason  `json:"reason,omitempty"`
	Field   string         `json:"field,omitempty"`
}

func (h *HTTP) createBooking(w http.ResponseWriter, r *http.Request) {
	var payload service.CreateBookingRequest
	if !decodeBody(w, r, &payload, "Invalid booking data") {
		return
	}
	res, err := h.svc.CreateBooking(r.Context(), r.Header.Get("Idempotency-Key"), payload)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	msg := domain.Message(nil)
	if res.Degraded {
		msg = domain.DegradedMessage
	}
	writeJSON(w, http.StatusCreated, createBookingResponse{
		Outcome:  res.Outcome(),
		Message:  msg,
		Degraded: res.Degraded,
		Booking:  view(res.Booking),
	})
}

func (h *HTTP) listBookings(w http.ResponseWriter, r *http.Request) {
	bookings, err := h.svc.ListBookings(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]bookingView, 0, len(bookings))
	for _, b := range bookings {
		out = append(out, view(b))
	}
	writeJSON(w, http.StatusOK, map[string]any{"bookings": out})
}

func (h *HTTP) getBooking(w http.ResponseWriter, r *http.Request) {
	b, err := h.svc.GetBooking(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view(b))
}

func (h *HTTP) cancelBooking(w http.ResponseWriter, r *http.Request) {
	b, err := h.svc.CancelBooking(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"outcome":   domain.OutcomeCancelled,
		"message":   "Booking cancelled",
		"bookingId": b.ID,
	})
}

func (h *HTTP) putProfile(w http.ResponseWriter, r *http.Request) {
	var payload service.ProfileRequest
	if !decodeBody(w, r, &payload, "Invalid profile data") {
		return
	}
	profile, err := h.svc.RegisterProfile(r.Context(), payload)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

func (h *HTTP) listDrivers(w http.ResponseWriter, r *http.Request) {
	drivers, err := h.svc.Drivers(r.Context())
	if err != nil {
		h.writeError(w, r, &domain.StoreError{Op: "list drivers", Err: err})
		return
	}
	if drivers == nil {
		drivers = []domain.Driver{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"drivers": drivers})
}

func (h *HTTP) availability(w http.ResponseWriter, r *http.Request) {
	driverID := chi.URLParam(r, "id")
	available, at, err := h.svc.Availability(r.Context(), driverID, r.URL.Query().Get("at"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"driverId":     driverID,
		"tripDateTime": at,
		"available":    available,
	})
}

// statusFor maps outcomes onto HTTP status codes.
func statusFor(o domain.Outcome) int {
	switch o {
	case domain.OutcomeValidationError:
		return http.StatusBadRequest
	case domain.OutcomeUnauthenticated:
		return http.StatusUnauthorized
	case domain.OutcomeAuthorizationDenied:
		return http.StatusForbidden
	case domain.OutcomeNotFound, domain.OutcomeProfileNotFound:
		return http.StatusNotFound
	case domain.OutcomeDuplicateBooking, domain.OutcomeSlotTaken:
		return http.StatusConflict
	case domain.OutcomeTransientFailure:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *HTTP) writeError(w http.ResponseWriter, r *http.Request, err error) {
	outcome := domain.OutcomeOf(err)
	resp := errorResponse{Outcome: outcome, Message: domain.Message(err)}
	var vErr *domain.ValidationError
	if errors.As(err, &vErr) {
		resp.Reason, resp.Field = vErr.Reason, vErr.Field
	}
	status := statusFor(outcome)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("outcome", string(outcome)),
			zap.Error(err))
	}
	writeJSON(w, status, resp)
}

// decodeBody reads at most MaxBodyBytes of JSON into v and answers the
// request itself when that fails.
func decodeBody(w http.ResponseWriter, r *http.Request, v any, invalid string) bool {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxBodyBytes)).Decode(v)
	if err == nil {
		return true
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Outcome: domain.OutcomeValidationError, Message: "Request body too large"})
		return false
	}
	writeJSON(w, http.StatusBadRequest, errorResponse{Outcome: domain.OutcomeValidationError, Message: invalid})
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
