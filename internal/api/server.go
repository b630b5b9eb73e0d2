// Package api exposes the admin/query HTTP surface: event publishing,
// delivery status with the full audit trail, and endpoint management.
package api

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/payintelli/hookd/internal/delivery"
	"github.com/payintelli/hookd/internal/directory"
	"github.com/payintelli/hookd/internal/logging"
	"github.com/payintelli/hookd/internal/store"
)

// Fanout triggers delivery creation for an inbound event.
type Fanout interface {
	HandleEvent(ctx context.Context, ev delivery.Event) (int, error)
}

// DeliveryReader serves delivery status queries.
type DeliveryReader interface {
	GetDelivery(ctx context.Context, id int64) (*delivery.Record, error)
	ListAttempts(ctx context.Context, deliveryID int64) ([]delivery.AuditEntry, error)
}

// EndpointAdmin manages endpoint registrations.
type EndpointAdmin interface {
	Put(ctx context.Context, ep directory.Endpoint) error
	ListByTenant(ctx context.Context, tenantID string) ([]directory.Endpoint, error)
	NextID(ctx context.Context) (int64, error)
}

// Server holds the API's collaborators.
type Server struct {
	fanout    Fanout
	records   DeliveryReader
	endpoints EndpointAdmin
	validator *JWTValidator
	logger    *logging.Logger
}

// New builds an API server. validator may be nil to disable auth.
func New(fanout Fanout, records DeliveryReader, endpoints EndpointAdmin, validator *JWTValidator, logger *logging.Logger) *Server {
	return &Server{
		fanout:    fanout,
		records:   records,
		endpoints: endpoints,
		validator: validator,
		logger:    logger,
	}
}

// Handler returns the routed and authenticated HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/ping", s.handlePing)
	mux.HandleFunc("POST /v1/events", s.handlePublishEvent)
	mux.HandleFunc("GET /v1/deliveries/{id}", s.handleGetDelivery)
	mux.HandleFunc("GET /v1/deliveries/{id}/attempts", s.handleListAttempts)
	mux.HandleFunc("GET /v1/endpoints", s.handleListEndpoints)
	mux.HandleFunc("POST /v1/endpoints", s.handleCreateEndpoint)
	return s.validator.Middleware(mux)
}

func (s *Server) handlePing(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "pong"})
}

func (s *Server) handlePublishEvent(w http.ResponseWriter, r *http.Request) {
	var ev delivery.Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, "invalid event body")
		return
	}
	if ev.ClientID == "" || ev.EventType == "" {
		writeError(w, http.StatusBadRequest, "clientId and eventType are required")
		return
	}
	// An authenticated tenant may only publish as itself.
	if tenant := TenantFromContext(r.Context()); tenant != "" && tenant != ev.ClientID {
		writeError(w, http.StatusForbidden, "clientId does not match token tenant")
		return
	}

	queued, err := s.fanout.HandleEvent(r.Context(), ev)
	if err != nil {
		s.logger.WithContext(r.Context()).WithTenant(ev.ClientID).WithError(err).Error("publish event failed")
		writeError(w, http.StatusInternalServerError, "fanout failed")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"eventId": ev.ID,
		"queued":  queued,
	})
}

func (s *Server) handleGetDelivery(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid delivery id")
		return
	}
	rec, err := s.records.GetDelivery(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "delivery not found")
		return
	}
	if err != nil {
		s.logger.WithContext(r.Context()).WithDelivery(id).WithError(err).Error("get delivery failed")
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleListAttempts(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid delivery id")
		return
	}
	attempts, err := s.records.ListAttempts(r.Context(), id)
	if err != nil {
		s.logger.WithContext(r.Context()).WithDelivery(id).WithError(err).Error("list attempts failed")
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"attempts": attempts})
}

func (s *Server) handleListEndpoints(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")
	if tenantID == "" {
		tenantID = TenantFromContext(r.Context())
	}
	if tenantID == "" {
		writeError(w, http.StatusBadRequest, "tenant_id is required")
		return
	}
	eps, err := s.endpoints.ListByTenant(r.Context(), tenantID)
	if err != nil {
		s.logger.WithContext(r.Context()).WithTenant(tenantID).WithError(err).Error("list endpoints failed")
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	// Never return secrets from a listing.
	for i := range eps {
		eps[i].Secret = ""
	}
	writeJSON(w, http.StatusOK, map[string]any{"endpoints": eps})
}

type createEndpointRequest struct {
	TenantID             string   `json:"tenantId"`
	URL                  string   `json:"url"`
	SubscribedEventTypes []string `json:"subscribedEventTypes"`
	Secret               string   `json:"secret"`
	CreatedBy            string   `json:"createdBy"`
	Notes                string   `json:"notes"`
}

func (s *Server) handleCreateEndpoint(w http.ResponseWriter, r *http.Request) {
	var req createEndpointRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid endpoint body")
		return
	}
	if req.TenantID == "" || req.URL == "" {
		writeError(w, http.StatusBadRequest, "tenantId and url are required")
		return
	}
	if _, err := url.ParseRequestURI(req.URL); err != nil {
		writeError(w, http.StatusBadRequest, "invalid url")
		return
	}
	if tenant := TenantFromContext(r.Context()); tenant != "" && tenant != req.TenantID {
		writeError(w, http.StatusForbidden, "tenantId does not match token tenant")
		return
	}
	if len(req.SubscribedEventTypes) == 0 {
		req.SubscribedEventTypes = []string{directory.Wildcard}
	}

	secret := req.Secret
	if secret == "" {
		var err error
		secret, err = generateSecret(32) // 256-bit
		if err != nil {
			writeError(w, http.StatusInternalServerError, "secret generation failed")
			return
		}
	}

	id, err := s.endpoints.NextID(r.Context())
	if err != nil {
		s.logger.WithContext(r.Context()).WithError(err).Error("endpoint id allocation failed")
		writeError(w, http.StatusInternalServerError, "create failed")
		return
	}
	now := time.Now().UTC()
	ep := directory.Endpoint{
		ID:                   id,
		TenantID:             req.TenantID,
		URL:                  req.URL,
		SubscribedEventTypes: req.SubscribedEventTypes,
		Secret:               secret,
		IsActive:             true,
		CreatedAt:            now,
		UpdatedAt:            now,
		CreatedBy:            req.CreatedBy,
		Notes:                req.Notes,
	}
	if err := s.endpoints.Put(r.Context(), ep); err != nil {
		s.logger.WithContext(r.Context()).WithTenant(req.TenantID).WithError(err).Error("create endpoint failed")
		writeError(w, http.StatusInternalServerError, "create failed")
		return
	}
	// The secret is returned once, at creation.
	writeJSON(w, http.StatusCreated, ep)
}

// generateSecret returns a random base64url string from n bytes of entropy.
func generateSecret(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
