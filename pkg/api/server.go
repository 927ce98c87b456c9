// Package api provides the HTTP surface of the attachment service: attachment content,
// lifecycle hooks, tenant subscription callbacks, health and metrics.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/service-tip-git/attachments/internal/attachments"
	"github.com/service-tip-git/attachments/internal/hooks"
	"github.com/service-tip-git/attachments/internal/metrics"
	"github.com/service-tip-git/attachments/internal/provisioner"
	"github.com/service-tip-git/attachments/internal/scanner"
	"github.com/service-tip-git/attachments/pkg/errors"
	"github.com/service-tip-git/attachments/pkg/health"
	"github.com/service-tip-git/attachments/pkg/types"
)

// Request headers.
const (
	HeaderTenant    = "X-Tenant-ID"
	HeaderRequestID = "X-Request-ID"
)

// AttachmentService is the attachment backend the server drives.
type AttachmentService interface {
	Put(ctx context.Context, req types.PutRequest) error
	Get(ctx context.Context, tenant, entity, id string) (io.ReadCloser, error)
	NonDraftPut(ctx context.Context, tenant, entity string, p types.Payload) error
	UpdateNote(ctx context.Context, tenant, entity, id, note string) error
	RemoveAttachment(ctx context.Context, tenant, entity, id string) error
	DeleteRows(ctx context.Context, tenant, entity string, ids []string) error
	DeleteInfected(ctx context.Context, tenant, entity, id string) (bool, error)
}

// Lifecycle handles tenant subscription callbacks. Failures are logged by the
// implementation and never fail the callback.
type Lifecycle interface {
	// Subscribe returns the provisioned store, or nil when nothing was provisioned.
	Subscribe(ctx context.Context, tenant string) *provisioner.Result
	// Unsubscribe returns how many objects were deleted.
	Unsubscribe(ctx context.Context, tenant string) int
}

// Dependencies are the components behind the endpoints. Health, Metrics and Lifecycle
// may be nil.
type Dependencies struct {
	Attachments AttachmentService
	Hooks       *hooks.Dispatcher
	Lifecycle   Lifecycle
	Health      *health.Tracker
	Metrics     *metrics.Collector
	Logger      *slog.Logger
}

// Server provides the HTTP API
type Server struct {
	httpServer *http.Server
	deps       Dependencies
	logger     *slog.Logger
	config     ServerConfig
}

// ServerConfig configures the API server
type ServerConfig struct {
	// Address to bind the server to (e.g., "localhost:8080")
	Address string `yaml:"address" json:"address"`

	// ReadTimeout is the maximum duration for reading the entire request
	ReadTimeout time.Duration `yaml:"read_timeout" json:"read_timeout"`

	// WriteTimeout is the maximum duration for writing the response
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`

	// IdleTimeout is the maximum duration to wait for the next request
	IdleTimeout time.Duration `yaml:"idle_timeout" json:"idle_timeout"`

	// MaxBodyBytes caps request bodies
	MaxBodyBytes int64 `yaml:"max_body_bytes" json:"max_body_bytes"`

	// RequireTenant rejects attachment requests without a tenant header
	RequireTenant bool `yaml:"require_tenant" json:"require_tenant"`

	// EnableCORS enables Cross-Origin Resource Sharing
	EnableCORS bool `yaml:"enable_cors" json:"enable_cors"`

	// MetricsPath is where the Prometheus handler is mounted; empty disables it
	MetricsPath string `yaml:"metrics_path" json:"metrics_path"`

	// Version is reported by /info
	Version string `yaml:"-" json:"-"`
}

// DefaultServerConfig returns default server configuration
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:      ":8080",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
		MaxBodyBytes: 100 * humanize.MiByte,
		MetricsPath:  "/metrics",
		Version:      "dev",
	}
}

// NewServer creates a new API server
func NewServer(config ServerConfig, deps Dependencies) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Hooks == nil {
		deps.Hooks = hooks.NewDispatcher(logger)
	}
	s := &Server{
		deps:   deps,
		logger: logger.With("component", "api"),
		config: config,
	}

	mux := http.NewServeMux()

	// Attachment endpoints
	mux.HandleFunc("POST /v1/entities/{entity}/attachments", s.handleCreate)
	mux.HandleFunc("GET /v1/entities/{entity}/attachments/{id}/content", s.handleGetContent)
	mux.HandleFunc("PUT /v1/entities/{entity}/attachments/{id}/content", s.handlePutContent)
	mux.HandleFunc("PATCH /v1/entities/{entity}/attachments/{id}", s.handleUpdateNote)
	mux.HandleFunc("DELETE /v1/entities/{entity}/attachments/{id}", s.handleDeleteAttachment)

	// Record lifecycle endpoints
	mux.HandleFunc("POST /v1/entities/{entity}/records/{id}/changes", s.handleRecordChanges)
	mux.HandleFunc("POST /v1/entities/{entity}/records/{id}/discard", s.handleDiscard)

	// Callbacks
	mux.HandleFunc("POST /v1/scan-results", s.handleScanResult)
	mux.HandleFunc("PUT /v1/subscriptions/{tenant}", s.handleSubscribe)
	mux.HandleFunc("DELETE /v1/subscriptions/{tenant}", s.handleUnsubscribe)

	// Health endpoints
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /health/components", s.handleHealthComponents)
	mux.HandleFunc("GET /health/live", s.handleLiveness)
	mux.HandleFunc("GET /health/ready", s.handleReadiness)

	if config.MetricsPath != "" && deps.Metrics != nil {
		mux.Handle("GET "+config.MetricsPath, deps.Metrics.Handler())
	}

	mux.HandleFunc("GET /info", s.handleInfo)

	// Apply middleware
	handler := s.loggingMiddleware(mux)
	if config.EnableCORS {
		handler = s.corsMiddleware(handler)
	}
	handler = s.requestIDMiddleware(handler)

	s.httpServer = &http.Server{
		Addr:         config.Address,
		Handler:      handler,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}

	return s
}

// Handler returns the root handler with middleware applied.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info("Starting API server", "address", s.config.Address)
	return s.httpServer.ListenAndServe()
}

// StartBackground starts the server in a background goroutine. Errors other than
// http.ErrServerClosed are sent on the returned channel.
func (s *Server) StartBackground() <-chan error {
	errc := make(chan error, 1)
	go func() {
		if err := s.Start(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("API server error", "error", err)
			errc <- err
		}
		close(errc)
	}()
	return errc
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down API server")
	return s.httpServer.Shutdown(ctx)
}

// Attachment endpoint handlers

type uploadItem struct {
	ID      string            `json:"ID"`
	UpID    string            `json:"up__ID"`
	URL     string            `json:"url"`
	Note    string            `json:"note,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
	Content []byte            `json:"content"`
}

type uploadRequest struct {
	Draft bool         `json:"draft"`
	Items []uploadItem `json:"items"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := s.tenant(w, r)
	if !ok {
		return
	}

	var body uploadRequest
	if !s.decode(w, r, &body) {
		return
	}

	req := types.PutRequest{
		Tenant:  tenantID,
		Entity:  r.PathValue("entity"),
		IsDraft: body.Draft,
		Items:   make([]types.Payload, len(body.Items)),
	}
	ids := make([]string, len(body.Items))
	for i, it := range body.Items {
		if it.ID == "" {
			it.ID = uuid.NewString()
		}
		ids[i] = it.ID
		p := types.Payload{Attachment: types.Attachment{
			ID: it.ID, UpID: it.UpID, URL: it.URL, Note: it.Note, Fields: it.Fields,
		}}
		if it.Content != nil {
			p.Content = bytes.NewReader(it.Content)
		}
		req.Items[i] = p
	}

	if err := s.deps.Attachments.Put(r.Context(), req); err != nil {
		s.respondAppError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, map[string]interface{}{
		"ids":   ids,
		"count": len(ids),
	})
}

func (s *Server) handleGetContent(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := s.tenant(w, r)
	if !ok {
		return
	}
	entity, id := r.PathValue("entity"), r.PathValue("id")

	rc, err := s.deps.Attachments.Get(r.Context(), tenantID, entity, id)
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}
	if rc == nil {
		s.respondAppError(w, r, errors.NewError(errors.ErrCodeObjectNotFound,
			fmt.Sprintf("attachment %s has no stored content", id)).WithTarget(entity))
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		s.logger.Error("Failed to stream attachment content", "tenant", tenantID, "entity", entity, "id", id, "error", err)
	}
}

func (s *Server) handlePutContent(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := s.tenant(w, r)
	if !ok {
		return
	}
	entity, id := r.PathValue("entity"), r.PathValue("id")
	body := http.MaxBytesReader(w, r.Body, s.maxBody())

	req := &hooks.Request{
		Tenant: tenantID,
		Target: entity,
		Data:   hooks.Data{ID: id, Content: body},
		Params: []hooks.Key{{ID: id}},
	}
	q := r.URL.Query()
	err := s.deps.Hooks.Dispatch(r.Context(), hooks.EventPut, req, func(ctx context.Context, req *hooks.Request) error {
		return s.deps.Attachments.NonDraftPut(ctx, tenantID, entity, types.Payload{
			Attachment: types.Attachment{ID: id, UpID: q.Get("up__ID"), URL: q.Get("url")},
			Content:    req.Data.Content,
		})
	})
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type noteRequest struct {
	Note *string `json:"note"`
}

func (s *Server) handleUpdateNote(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := s.tenant(w, r)
	if !ok {
		return
	}
	entity, id := r.PathValue("entity"), r.PathValue("id")

	var body noteRequest
	if !s.decode(w, r, &body) {
		return
	}
	if body.Note == nil {
		s.respondAppError(w, r, errors.NewError(errors.ErrCodeValidationFailed, "note is required").WithTarget(entity))
		return
	}

	req := &hooks.Request{
		Tenant: tenantID,
		Target: entity,
		Data:   hooks.Data{ID: id, Note: body.Note},
		Params: []hooks.Key{{ID: id}},
	}
	err := s.deps.Hooks.Dispatch(r.Context(), hooks.EventPut, req, func(ctx context.Context, req *hooks.Request) error {
		return s.deps.Attachments.UpdateNote(ctx, tenantID, entity, id, *req.Data.Note)
	})
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteAttachment(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := s.tenant(w, r)
	if !ok {
		return
	}
	entity, id := r.PathValue("entity"), r.PathValue("id")

	req := &hooks.Request{
		Tenant: tenantID,
		Target: entity,
		Data:   hooks.Data{ID: id},
		Params: []hooks.Key{{ID: id}},
		DiffFunc: func(context.Context) (*hooks.Diff, error) {
			return &hooks.Diff{Op: hooks.OpDelete, ID: id}, nil
		},
	}
	err := s.deps.Hooks.Dispatch(r.Context(), hooks.EventDelete, req, func(ctx context.Context, req *hooks.Request) error {
		return s.deps.Attachments.RemoveAttachment(ctx, tenantID, entity, id)
	})
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Record lifecycle handlers

type childChange struct {
	Op string `json:"op"`
	ID string `json:"ID"`
}

type changesRequest struct {
	Attachments []childChange `json:"attachments"`
}

// handleRecordChanges applies an update of a record that changes its attachments
// composition. Deleted children lose their rows, and their objects are released by the
// update handlers.
func (s *Server) handleRecordChanges(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := s.tenant(w, r)
	if !ok {
		return
	}
	entity, id := r.PathValue("entity"), r.PathValue("id")

	var body changesRequest
	if !s.decode(w, r, &body) {
		return
	}
	diff := &hooks.Diff{Op: hooks.OpUpdate, ID: id}
	var deleted []string
	for _, c := range body.Attachments {
		diff.Attachments = append(diff.Attachments, hooks.ChildChange{Op: c.Op, ID: c.ID})
		if c.Op == hooks.OpDelete {
			deleted = append(deleted, c.ID)
		}
	}

	req := &hooks.Request{
		Tenant:   tenantID,
		Target:   entity,
		Data:     hooks.Data{ID: id},
		Params:   []hooks.Key{{ID: id}},
		DiffFunc: func(context.Context) (*hooks.Diff, error) { return diff, nil },
	}
	err := s.deps.Hooks.Dispatch(r.Context(), hooks.EventUpdate, req, func(ctx context.Context, req *hooks.Request) error {
		return s.deps.Attachments.DeleteRows(ctx, tenantID, attachments.AttachmentsOf(entity), deleted)
	})
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleDiscard releases the objects only a discarded draft record's attachments hold.
func (s *Server) handleDiscard(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := s.tenant(w, r)
	if !ok {
		return
	}
	entity, id := r.PathValue("entity"), r.PathValue("id")

	req := &hooks.Request{
		Tenant: tenantID,
		Target: entity,
		Data:   hooks.Data{ID: id},
		Params: []hooks.Key{{ID: id}},
	}
	if err := s.deps.Hooks.Dispatch(r.Context(), hooks.EventCancel, req, nil); err != nil {
		s.respondAppError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Callback handlers

func (s *Server) handleScanResult(w http.ResponseWriter, r *http.Request) {
	var body scanner.Result
	if !s.decode(w, r, &body) {
		return
	}
	if body.Entity == "" || body.ID == "" {
		s.respondAppError(w, r, errors.NewError(errors.ErrCodeValidationFailed, "entity and ID are required").
			WithComponent("api"))
		return
	}

	response := map[string]interface{}{"status": body.Status, "deleted": false}
	if body.Infected() {
		marker, err := s.deps.Attachments.DeleteInfected(r.Context(), body.Tenant, body.Entity, body.ID)
		if err != nil {
			s.respondAppError(w, r, err)
			return
		}
		response["deleted"] = true
		response["delete_marker"] = marker
	}
	s.respondJSON(w, http.StatusOK, response)
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	if s.deps.Lifecycle == nil {
		s.respondError(w, http.StatusNotImplemented, "Subscription handling not configured")
		return
	}
	tenantID := r.PathValue("tenant")
	result := s.deps.Lifecycle.Subscribe(r.Context(), tenantID)
	response := map[string]interface{}{"tenant": tenantID, "provisioned": result != nil}
	if result != nil {
		response["instance_id"] = result.InstanceID
		response["binding_id"] = result.BindingID
		response["plan_id"] = result.PlanID
	}
	s.respondJSON(w, http.StatusOK, response)
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	if s.deps.Lifecycle == nil {
		s.respondError(w, http.StatusNotImplemented, "Subscription handling not configured")
		return
	}
	tenantID := r.PathValue("tenant")
	deleted := s.deps.Lifecycle.Unsubscribe(r.Context(), tenantID)
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"tenant":          tenantID,
		"deleted_objects": deleted,
	})
}

// Health endpoint handlers

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health == nil {
		s.respondJSON(w, http.StatusOK, map[string]interface{}{
			"status": "healthy",
			"note":   "Health tracking not configured",
		})
		return
	}

	overallHealth := s.deps.Health.GetOverallHealth()
	components := s.deps.Health.GetAllComponents()

	states := make(map[string]string, len(components))
	for _, c := range components {
		states[c.Name] = c.State.String()
	}

	statusCode := http.StatusOK
	if overallHealth == health.StateUnavailable {
		statusCode = http.StatusServiceUnavailable
	}

	s.respondJSON(w, statusCode, map[string]interface{}{
		"status":     overallHealth.String(),
		"timestamp":  time.Now(),
		"components": states,
	})
}

func (s *Server) handleHealthComponents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health == nil {
		s.respondError(w, http.StatusServiceUnavailable, "Health tracking not configured")
		return
	}
	s.respondJSON(w, http.StatusOK, s.deps.Health.GetAllComponents())
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"alive":     true,
		"timestamp": time.Now(),
	})
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health == nil {
		s.respondJSON(w, http.StatusOK, map[string]interface{}{
			"ready":     true,
			"timestamp": time.Now(),
			"note":      "Health tracking not configured",
		})
		return
	}

	overallHealth := s.deps.Health.GetOverallHealth()
	ready := overallHealth != health.StateUnavailable

	statusCode := http.StatusOK
	if !ready {
		statusCode = http.StatusServiceUnavailable
	}

	s.respondJSON(w, statusCode, map[string]interface{}{
		"ready":     ready,
		"status":    overallHealth.String(),
		"timestamp": time.Now(),
	})
}

// Info endpoint

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	endpoints := []string{
		"POST /v1/entities/{entity}/attachments",
		"GET /v1/entities/{entity}/attachments/{id}/content",
		"PUT /v1/entities/{entity}/attachments/{id}/content",
		"PATCH /v1/entities/{entity}/attachments/{id}",
		"DELETE /v1/entities/{entity}/attachments/{id}",
		"POST /v1/entities/{entity}/records/{id}/changes",
		"POST /v1/entities/{entity}/records/{id}/discard",
		"POST /v1/scan-results",
		"PUT /v1/subscriptions/{tenant}",
		"DELETE /v1/subscriptions/{tenant}",
		"GET /healthz",
		"GET /health/components",
		"GET /health/live",
		"GET /health/ready",
		"GET /info",
	}
	if s.config.MetricsPath != "" && s.deps.Metrics != nil {
		endpoints = append(endpoints, "GET "+s.config.MetricsPath)
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"service":   "attachments",
		"version":   s.config.Version,
		"timestamp": time.Now(),
		"endpoints": endpoints,
	})
}

// Middleware

type requestIDKey struct{}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(HeaderRequestID, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

func requestID(r *http.Request) string {
	id, _ := r.Context().Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("API request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"tenant", r.Header.Get(HeaderTenant),
			"request_id", requestID(r),
			"duration", time.Since(start))
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+HeaderTenant+", "+HeaderRequestID)

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Helper methods

func (s *Server) maxBody() int64 {
	if s.config.MaxBodyBytes > 0 {
		return s.config.MaxBodyBytes
	}
	return DefaultServerConfig().MaxBodyBytes
}

func (s *Server) tenant(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.Header.Get(HeaderTenant)
	if id == "" && s.config.RequireTenant {
		s.respondAppError(w, r, errors.NewError(errors.ErrCodeValidationFailed,
			fmt.Sprintf("missing %s header", HeaderTenant)).WithComponent("api"))
		return "", false
	}
	return id, true
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxBody()))
	if err := dec.Decode(v); err != nil {
		s.respondAppError(w, r, errors.Wrap(errors.ErrCodeValidationFailed, "invalid request body", err).
			WithComponent("api"))
		return false
	}
	return true
}

func (s *Server) respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("Error encoding JSON response", "error", err)
	}
}

func (s *Server) respondError(w http.ResponseWriter, statusCode int, message string) {
	s.respondJSON(w, statusCode, map[string]interface{}{
		"error":     message,
		"timestamp": time.Now(),
	})
}

func (s *Server) respondAppError(w http.ResponseWriter, r *http.Request, err error) {
	status := errors.HTTPStatus(err)
	body := map[string]interface{}{
		"error":      err.Error(),
		"timestamp":  time.Now(),
		"request_id": requestID(r),
	}
	if e, ok := errors.As(err); ok {
		body["code"] = e.Code
		body["error"] = e.Message
		if len(e.Details) > 0 {
			body["details"] = e.Details
		}
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("Request failed", "method", r.Method, "path", r.URL.Path,
			"tenant", r.Header.Get(HeaderTenant), "request_id", requestID(r), "error", err)
	}
	s.respondJSON(w, status, body)
}
