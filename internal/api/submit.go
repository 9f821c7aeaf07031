package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nidhogg/nuka-conductor/internal/decompose"
	"github.com/nidhogg/nuka-conductor/internal/models"
	"github.com/nidhogg/nuka-conductor/internal/orchestrator"
	"go.uber.org/zap"
)

// policyRequest overrides individual fields of the engine's default policy.
type policyRequest struct {
	Failover       *bool  `json:"failover,omitempty"`
	MaxFailover    *int   `json:"max_failover,omitempty"`
	BestEffort     *bool  `json:"best_effort,omitempty"`
	MaxConcurrency *int   `json:"max_concurrency,omitempty"`
	Timeout        string `json:"timeout,omitempty"`
}

type submitRequest struct {
	Goal        string                `json:"goal"`
	Constraints decompose.Constraints `json:"constraints"`
	Memory      map[string]any        `json:"memory,omitempty"`
	Policy      *policyRequest        `json:"policy,omitempty"`
	// Structure, when present, is executed as-is instead of decomposing Goal.
	Structure *models.Structure `json:"structure,omitempty"`
}

// errorResponse is the body of every failed submit.
type errorResponse struct {
	Error      string `json:"error"`
	Kind       string `json:"kind"`
	Session    string `json:"session,omitempty"`
	State      string `json:"state,omitempty"`
	Stage      *int   `json:"stage,omitempty"`
	Task       string `json:"task,omitempty"`
	Capability string `json:"capability,omitempty"`
}

func (h *Handler) decodeSubmit(r *http.Request) (orchestrator.Request, *models.Structure, error) {
	var body submitRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return orchestrator.Request{}, nil, err
	}
	if body.Goal == "" && body.Structure == nil {
		return orchestrator.Request{}, nil, errors.New("goal is required")
	}
	req := orchestrator.Request{
		Goal:        body.Goal,
		Constraints: body.Constraints,
		Memory:      body.Memory,
	}
	if body.Policy != nil {
		p, err := mergePolicy(h.orch.DefaultPolicy(), body.Policy)
		if err != nil {
			return orchestrator.Request{}, nil, err
		}
		req.Policy = &p
	}
	return req, body.Structure, nil
}

func mergePolicy(p orchestrator.Policy, o *policyRequest) (orchestrator.Policy, error) {
	if o.Failover != nil {
		p.Failover = *o.Failover
	}
	if o.MaxFailover != nil {
		p.MaxFailover = *o.MaxFailover
	}
	if o.BestEffort != nil {
		p.BestEffort = *o.BestEffort
	}
	if o.MaxConcurrency != nil {
		if *o.MaxConcurrency < 0 {
			return p, errors.New("max_concurrency must not be negative")
		}
		p.MaxConcurrency = *o.MaxConcurrency
	}
	if o.Timeout != "" {
		d, err := time.ParseDuration(o.Timeout)
		if err != nil {
			return p, fmt.Errorf("invalid timeout: %w", err)
		}
		p.Timeout = d
	}
	return p, nil
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request) {
	req, structure, err := h.decodeSubmit(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	var res any
	if structure != nil {
		res, err = h.orch.Run(r.Context(), structure, req)
	} else {
		res, err = h.orch.Submit(r.Context(), req)
	}
	if err != nil {
		h.logger.Warn("submit failed", zap.Error(err))
		status, body := sessionErrorResponse(err)
		writeJSON(w, status, body)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// submitStream runs the goal and relays progress events as server-sent
// events. Closing the connection aborts the session.
func (h *Handler) submitStream(w http.ResponseWriter, r *http.Request) {
	req, structure, err := h.decodeSubmit(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if structure != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "structures are not accepted on the streaming endpoint"})
		return
	}

	rc := http.NewResponseController(w)
	id, events := h.orch.SubmitStream(r.Context(), req)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Session-ID", id)
	w.WriteHeader(http.StatusOK)

	fmt.Fprintf(w, "event: session\ndata: {\"session_id\":%q}\n\n", id)
	rc.Flush()

	for ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			h.logger.Warn("encode event", zap.String("session", id), zap.Error(err))
			continue
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
		if err := rc.Flush(); err != nil {
			h.logger.Debug("flush failed", zap.String("session", id), zap.Error(err))
		}
	}
}

func sessionErrorResponse(err error) (int, errorResponse) {
	body := errorResponse{Error: err.Error(), Kind: models.ErrorKind(err)}
	var se *orchestrator.SessionError
	if errors.As(err, &se) {
		body.Session = se.SessionID
		body.State = string(se.State)
		if se.Stage >= 0 {
			stage := se.Stage
			body.Stage = &stage
		}
		body.Task = se.TaskID
		body.Capability = string(se.Capability)
	}

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, models.ErrMalformedDecomposition), errors.Is(err, models.ErrCyclicDependency):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, models.ErrNoCapableAgent), errors.Is(err, models.ErrCollaboratorUnavailable):
		status = http.StatusServiceUnavailable
	case errors.Is(err, models.ErrSessionTimedOut):
		status = http.StatusGatewayTimeout
	case errors.Is(err, models.ErrSessionAborted):
		status = http.StatusConflict
	case errors.Is(err, models.ErrStageFailed), errors.Is(err, models.ErrTaskExecutionFailed),
		errors.Is(err, models.ErrSynthesisFailed):
		status = http.StatusBadGateway
	}
	return status, body
}
