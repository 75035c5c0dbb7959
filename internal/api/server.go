// Package api implements the HTTP control surface: work-order CRUD,
// run/resume acknowledgement endpoints, the live event stream, and
// rendered completion reports. Execution itself is asynchronous; the
// run endpoints hand the order to the dispatch driver and return 202.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/runefall/foreman/internal/buildinfo"
	"github.com/runefall/foreman/internal/config"
	"github.com/runefall/foreman/internal/connwatch"
	"github.com/runefall/foreman/internal/dispatch"
	"github.com/runefall/foreman/internal/events"
	"github.com/runefall/foreman/internal/workorder"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the HTTP API server.
type Server struct {
	address string
	port    int
	store   *workorder.Store
	driver  *dispatch.Driver
	hub     *eventHub
	health  *connwatch.Manager
	logger  *slog.Logger
	server  *http.Server
}

// SetHealthManager wires dependency health into the health endpoint.
func (s *Server) SetHealthManager(m *connwatch.Manager) {
	s.health = m
}

// NewServer creates a new API server. bus may be nil, which disables
// the event stream endpoint's traffic but keeps the endpoint alive.
func NewServer(cfg config.ListenConfig, store *workorder.Store, driver *dispatch.Driver,
	bus *events.Bus, logger *slog.Logger) *Server {

	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "api")

	return &Server{
		address: cfg.Address,
		port:    cfg.Port,
		store:   store,
		driver:  driver,
		hub:     newEventHub(bus, logger),
		logger:  logger,
	}
}

// Handler builds the route tree. Split from Start so tests can drive
// the server through httptest.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.withLogging)

	r.Get("/", s.handleRoot)
	r.Get("/health", s.handleHealth)
	r.Get("/version", s.handleVersion)
	r.Get("/events", s.hub.serveWS)

	r.Route("/workorders", func(r chi.Router) {
		r.Post("/", s.handleCreate)
		r.Get("/{id}", s.handleGet)
		r.Post("/{id}/run", s.handleRun)
		r.Post("/{id}/resume", s.handleResume)
		r.Post("/{id}/approve", s.handleApprove)
		r.Get("/{id}/report", s.handleReport)
	})

	return r
}

// Start begins serving HTTP requests.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second, // long for the event stream
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.close()
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) errorResponse(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	writeJSON(w, map[string]string{"error": msg}, s.logger)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "Foreman",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "healthy"}

	if s.health != nil {
		if !s.health.Healthy() {
			body["status"] = "degraded"
		}
		if services := s.health.Status(); len(services) > 0 {
			body["services"] = services
		}
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, body, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

// CreateRequest is the POST /workorders body.
type CreateRequest struct {
	Objective string            `json:"objective"`
	Criteria  []string          `json:"criteria,omitempty"`
	Tags      []string          `json:"tags,omitempty"`
	Executor  string            `json:"executor"`
	DependsOn []string          `json:"depends_on,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	// Ready queues the order for the next wave immediately instead of
	// creating it as a draft.
	Ready bool `json:"ready,omitempty"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Objective == "" {
		s.errorResponse(w, http.StatusBadRequest, "objective is required")
		return
	}
	if req.Executor == "" {
		s.errorResponse(w, http.StatusBadRequest, "executor is required")
		return
	}

	order := &workorder.WorkOrder{
		Objective: req.Objective,
		Tags:      req.Tags,
		Status:    workorder.StatusDraft,
		Executor:  req.Executor,
		Metadata:  req.Metadata,
		DependsOn: req.DependsOn,
	}
	for _, c := range req.Criteria {
		order.Criteria = append(order.Criteria, workorder.Criterion{Text: c})
	}
	if req.Ready {
		order.Status = workorder.StatusReady
	}

	if err := s.store.CreateOrder(order); err != nil {
		s.logger.Error("create order failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "create failed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, order, s.logger)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	order, ok := s.loadOrder(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, order, s.logger)
}

// handleRun starts execution of a ready order. The run happens in the
// background; the response only acknowledges the dispatch.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	order, ok := s.loadOrder(w, r)
	if !ok {
		return
	}
	if order.Status != workorder.StatusReady {
		s.errorResponse(w, http.StatusConflict,
			fmt.Sprintf("work order is %s, not ready", order.Status))
		return
	}
	s.dispatchDetached(w, order.ID)
}

// handleResume re-dispatches a suspended order. Checkpoint counting,
// circuit breaking, and escalation all happen inside the runner.
func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	order, ok := s.loadOrder(w, r)
	if !ok {
		return
	}
	if order.Status != workorder.StatusInProgress && order.Status != workorder.StatusReady {
		s.errorResponse(w, http.StatusConflict,
			fmt.Sprintf("work order is %s, nothing to resume", order.Status))
		return
	}
	s.dispatchDetached(w, order.ID)
}

func (s *Server) dispatchDetached(w http.ResponseWriter, orderID string) {
	if !s.driver.RunDetached(context.Background(), orderID) {
		s.errorResponse(w, http.StatusConflict, "work order is already running")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	writeJSON(w, map[string]string{"status": "accepted", "id": orderID}, s.logger)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	order, ok := s.loadOrder(w, r)
	if !ok {
		return
	}

	if err := s.store.Approve(order.ID); err != nil {
		var terr *workorder.TransitionError
		if errors.As(err, &terr) {
			s.errorResponse(w, http.StatusConflict, terr.Error())
			return
		}
		s.logger.Error("approve failed", "order", order.ID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "approve failed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "approved", "id": order.ID}, s.logger)
}

// handleReport renders the completion report as HTML.
func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	order, ok := s.loadOrder(w, r)
	if !ok {
		return
	}

	html, err := s.renderReport(order)
	if err != nil {
		s.logger.Error("report render failed", "order", order.ID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "report render failed")
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if _, err := w.Write(html); err != nil {
		s.logger.Debug("failed to write report", "error", err)
	}
}

// loadOrder resolves the {id} path parameter, writing the error
// response itself when the order cannot be loaded.
func (s *Server) loadOrder(w http.ResponseWriter, r *http.Request) (*workorder.WorkOrder, bool) {
	id := chi.URLParam(r, "id")
	order, err := s.store.GetOrder(id)
	if err != nil {
		s.errorResponse(w, http.StatusNotFound, fmt.Sprintf("work order %s not found", id))
		return nil, false
	}
	return order, true
}
