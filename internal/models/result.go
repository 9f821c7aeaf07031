package models

import (
	"encoding/json"
	"errors"
	"time"
)

// AgentStatus is the orchestrator-visible state of an agent.
type AgentStatus string

const (
	AgentIdle    AgentStatus = "idle"
	AgentBusy    AgentStatus = "busy"
	AgentError   AgentStatus = "error"
	AgentOffline AgentStatus = "offline"
)

// Valid reports whether s is one of the known statuses.
func (s AgentStatus) Valid() bool {
	switch s {
	case AgentIdle, AgentBusy, AgentError, AgentOffline:
		return true
	}
	return false
}

// Result is what an agent returns for one task. Recoverable failures are
// reported through Err with Success false, never by panicking.
type Result struct {
	Success    bool           `json:"success"`
	Payload    map[string]any `json:"payload,omitempty"`
	Confidence float64        `json:"confidence"`
	Elapsed    time.Duration  `json:"elapsed"`
	Err        error          `json:"-"`
	// MemoryUpdates are merged into the session working memory once the stage
	// that produced them has resolved.
	MemoryUpdates map[string]any `json:"memory_updates,omitempty"`
}

// Succeeded builds a successful result.
func Succeeded(payload map[string]any, confidence float64) *Result {
	return &Result{Success: true, Payload: payload, Confidence: clamp01(confidence)}
}

// Failed builds a failed result carrying cause.
func Failed(cause error) *Result {
	if cause == nil {
		cause = errors.New("unspecified failure")
	}
	return &Result{Success: false, Err: cause}
}

func (r *Result) MarshalJSON() ([]byte, error) {
	type alias Result
	out := struct {
		*alias
		Error string `json:"error,omitempty"`
	}{alias: (*alias)(r)}
	if r.Err != nil {
		out.Error = r.Err.Error()
	}
	return json.Marshal(out)
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
