package custody

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/medvault/custody/pkg/logger"
	"github.com/medvault/custody/pkg/monitoring"
	"github.com/medvault/custody/pkg/types"
)

const maxBodyBytes = 1 << 20

// Handlers handles HTTP requests for the custody service
type Handlers struct {
	// HealthPath and MetricsPath are served without authentication
	HealthPath  string
	MetricsPath string
	// Limiter throttles routes that notify a patient; nil disables it
	Limiter *RateLimiter

	service    *Service
	validator  *TokenValidator
	health     *monitoring.HealthManager
	metrics    *monitoring.Metrics
	middleware *monitoring.Middleware
	logger     *logger.Logger
}

// NewHandlers creates new HTTP handlers
func NewHandlers(service *Service, validator *TokenValidator, health *monitoring.HealthManager, metrics *monitoring.Metrics, middleware *monitoring.Middleware, log *logger.Logger) *Handlers {
	return &Handlers{
		HealthPath:  "/health",
		MetricsPath: "/metrics",
		service:     service,
		validator:   validator,
		health:      health,
		metrics:     metrics,
		middleware:  middleware,
		logger:      log,
	}
}

type accessRequestBody struct {
	VaultID  string   `json:"vault_id"`
	Sections []string `json:"sections"`
}

type tokenBody struct {
	Token string `json:"token"`
}

type updateBody struct {
	Token   string                `json:"token"`
	Updates types.ProposedUpdates `json:"updates"`
}

// Router builds the service's HTTP routes
func (h *Handlers) Router() *mux.Router {
	router := mux.NewRouter()
	router.Use(h.middleware.Handler)
	router.Use(securityHeaders)

	router.Handle(h.HealthPath, h.health.HTTPHandler()).Methods("GET")
	router.Handle(h.MetricsPath, h.metrics.Handler()).Methods("GET")

	api := router.PathPrefix("/api/v1").Subrouter()
	api.Use(h.authMiddleware)

	api.HandleFunc("/hospital/access-requests", h.rateLimit(h.RequestAccess)).Methods("POST")
	api.HandleFunc("/hospital/access-requests/{ref}/dispatch", h.rateLimit(h.Redispatch)).Methods("POST")
	api.HandleFunc("/hospital/access-requests/{ref}", h.Revoke).Methods("DELETE")
	api.HandleFunc("/hospital/records/fetch", h.FetchRecord).Methods("POST")
	api.HandleFunc("/hospital/records/updates", h.rateLimit(h.ProposeUpdate)).Methods("POST")
	api.HandleFunc("/patient/updates/confirm", h.ConfirmUpdate).Methods("POST")

	return router
}

// RequestAccess handles POST /hospital/access-requests
func (h *Handlers) RequestAccess(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFromContext(r.Context())

	var body accessRequestBody
	if !h.decode(w, r, &body) {
		return
	}

	result, err := h.service.RequestAccess(r.Context(), claims, body.VaultID, body.Sections)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, deliveryStatus(result.Delivered, http.StatusCreated), result)
}

// Redispatch handles POST /hospital/access-requests/{ref}/dispatch
func (h *Handlers) Redispatch(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFromContext(r.Context())

	result, err := h.service.Redispatch(r.Context(), claims, mux.Vars(r)["ref"])
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, deliveryStatus(result.Delivered, http.StatusOK), result)
}

// Revoke handles DELETE /hospital/access-requests/{ref}
func (h *Handlers) Revoke(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFromContext(r.Context())

	if err := h.service.Revoke(r.Context(), claims, mux.Vars(r)["ref"]); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// FetchRecord handles POST /hospital/records/fetch
func (h *Handlers) FetchRecord(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFromContext(r.Context())

	var body tokenBody
	if !h.decode(w, r, &body) {
		return
	}

	result, err := h.service.FetchRecord(r.Context(), claims, body.Token)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// ProposeUpdate handles POST /hospital/records/updates
func (h *Handlers) ProposeUpdate(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFromContext(r.Context())

	var body updateBody
	if !h.decode(w, r, &body) {
		return
	}

	result, err := h.service.ProposeUpdate(r.Context(), claims, body.Token, body.Updates)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, deliveryStatus(result.Delivered, http.StatusCreated), result)
}

// ConfirmUpdate handles POST /patient/updates/confirm
func (h *Handlers) ConfirmUpdate(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFromContext(r.Context())

	var body tokenBody
	if !h.decode(w, r, &body) {
		return
	}

	result, err := h.service.ConfirmUpdate(r.Context(), claims, body.Token)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// deliveryStatus turns an undelivered notification into 202 so the caller
// knows to redispatch
func deliveryStatus(delivered bool, ok int) int {
	if delivered {
		return ok
	}
	return http.StatusAccepted
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}

func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON payload", false, nil)
		return false
	}
	return true
}

// writeServiceError maps service errors onto HTTP responses. Integrity and
// internal failures never expose their cause.
func (h *Handlers) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, retryable := classify(err)

	entry := h.logger.WithContext(r.Context()).WithFields(logrus.Fields{
		"component": "custody-http",
		"path":      r.URL.Path,
		"status":    status,
	}).WithError(err)
	if status >= http.StatusInternalServerError {
		entry.Error("Request failed")
	} else {
		entry.Debug("Request rejected")
	}

	var details map[string]interface{}
	var ce *types.CustodyError
	if status == http.StatusBadRequest && errors.As(err, &ce) {
		details = ce.Details
	}
	h.writeError(w, status, code, message, retryable, details)
}

func classify(err error) (status int, code, message string, retryable bool) {
	var ce *types.CustodyError
	hasDetail := errors.As(err, &ce)

	switch {
	case errors.Is(err, types.ErrInvalidOrExpiredGrant):
		return http.StatusUnauthorized, "grant_invalid", "grant is invalid, expired or already used", false
	case errors.Is(err, types.ErrUnknownSection):
		return http.StatusBadRequest, "unknown_section", ce.Message, false
	case errors.Is(err, types.ErrForbidden):
		return http.StatusForbidden, "forbidden", ce.Message, false
	case errors.Is(err, types.ErrNotFound):
		return http.StatusNotFound, "not_found", ce.Message, false
	case errors.Is(err, types.ErrCryptoIntegrity), errors.Is(err, types.ErrMalformedKey):
		return http.StatusInternalServerError, "internal_error", "internal error", false
	case types.Retryable(err):
		return http.StatusServiceUnavailable, "unavailable", "service temporarily unavailable, try again later", true
	case hasDetail && ce.Type == types.ErrorTypeValidation:
		return http.StatusBadRequest, "invalid_request", ce.Message, false
	default:
		return http.StatusInternalServerError, "internal_error", "internal error", false
	}
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.WithComponent("custody-http").WithError(err).Error("Failed to encode JSON response")
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, status int, code, message string, retryable bool, details map[string]interface{}) {
	body := map[string]interface{}{
		"code":      code,
		"message":   message,
		"retryable": retryable,
	}
	if len(details) > 0 {
		body["details"] = details
	}
	h.writeJSON(w, status, map[string]interface{}{
		"error":     body,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
