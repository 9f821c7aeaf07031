package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/nidhogg/nuka-conductor/internal/agent"
	"github.com/nidhogg/nuka-conductor/internal/bus"
	"github.com/nidhogg/nuka-conductor/internal/metrics"
	"github.com/nidhogg/nuka-conductor/internal/models"
	"github.com/nidhogg/nuka-conductor/internal/orchestrator"
	"go.uber.org/zap"
)

// Options tune the HTTP surface.
type Options struct {
	// RPS and Burst limit submit requests per client IP. Zero RPS disables the limit.
	RPS   float64
	Burst int
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	orch     *orchestrator.Orchestrator
	registry *agent.Registry
	bus      bus.Bus
	metrics  *metrics.Collector
	opts     Options
	logger   *zap.Logger
}

// NewHandler creates a new API handler. b and m may be nil.
func NewHandler(orch *orchestrator.Orchestrator, b bus.Bus, m *metrics.Collector, opts Options, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		orch:     orch,
		registry: orch.Registry(),
		bus:      b,
		metrics:  m,
		opts:     opts,
		logger:   logger.With(zap.String("component", "api")),
	}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(h.instrument)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"X-Session-ID"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)

		r.Get("/agents", h.listAgents)
		r.Get("/agents/{id}", h.getAgent)
		r.Delete("/agents/{id}", h.deregisterAgent)
		r.Put("/agents/{id}/status", h.setAgentStatus)
		r.Post("/agents/{id}/messages", h.sendMessage)

		r.Group(func(r chi.Router) {
			if h.opts.RPS > 0 {
				r.Use(newRateLimiter(h.opts.RPS, h.opts.Burst).middleware)
			}
			r.Post("/submit", h.submit)
			r.Post("/submit/stream", h.submitStream)
		})

		r.Get("/sessions", h.listSessions)
		r.Get("/sessions/{id}", h.getSession)
		r.Delete("/sessions/{id}", h.abortSession)
	})

	if h.metrics != nil {
		r.Handle("/metrics", h.metrics.Handler())
	}
	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"agents":   h.registry.Len(),
		"sessions": len(h.orch.Sessions()),
	})
}

func (h *Handler) listAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.registry.Snapshot())
}

func (h *Handler) getAgent(w http.ResponseWriter, r *http.Request) {
	_, info, ok := h.registry.Get(chi.URLParam(r, "id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "agent not found"})
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *Handler) deregisterAgent(w http.ResponseWriter, r *http.Request) {
	if err := h.registry.Deregister(chi.URLParam(r, "id")); err != nil {
		writeJSON(w, registryStatus(err), map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

type statusRequest struct {
	Status models.AgentStatus `json:"status"`
}

func (h *Handler) setAgentStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req statusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := h.registry.SetStatus(id, req.Status); err != nil {
		writeJSON(w, registryStatus(err), map[string]string{"error": err.Error()})
		return
	}
	_, info, _ := h.registry.Get(id)
	writeJSON(w, http.StatusOK, info)
}

type messageRequest struct {
	From string `json:"from"`
	Kind string `json:"kind"`
	Body string `json:"body"`
}

func (h *Handler) sendMessage(w http.ResponseWriter, r *http.Request) {
	if h.bus == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "bus not initialized"})
		return
	}
	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.Kind == "" {
		req.Kind = "hint"
	}
	if req.From == "" {
		req.From = "operator"
	}
	msg := bus.NewMessage(req.From, chi.URLParam(r, "id"), req.Kind, req.Body)
	resp := map[string]any{"id": msg.ID, "delivered": true}
	if err := h.bus.Deliver(r.Context(), msg); err != nil {
		if !errors.Is(err, bus.ErrDropped) {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		resp["delivered"] = false
		resp["reason"] = err.Error()
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (h *Handler) listSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.orch.Sessions())
}

func (h *Handler) getSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.orch.Session(chi.URLParam(r, "id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
		return
	}
	writeJSON(w, http.StatusOK, sess.Info())
}

func (h *Handler) abortSession(w http.ResponseWriter, r *http.Request) {
	if err := h.orch.Abort(chi.URLParam(r, "id")); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "aborting"})
}

func registryStatus(err error) int {
	switch {
	case errors.Is(err, models.ErrUnknownAgent):
		return http.StatusNotFound
	case errors.Is(err, models.ErrAgentBusy):
		return http.StatusConflict
	}
	return http.StatusBadRequest
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
