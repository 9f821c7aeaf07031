package orchestrator

import (
	"errors"
	"fmt"
	"time"

	"github.com/nidhogg/nuka-conductor/internal/decompose"
	"github.com/nidhogg/nuka-conductor/internal/models"
	"github.com/nidhogg/nuka-conductor/internal/synthesis"
)

// ErrSessionNotFound is returned for an unknown or already finished session.
var ErrSessionNotFound = errors.New("session not found")

// State is the session lifecycle state.
type State string

const (
	StatePlanning     State = "planning"
	StateExecuting    State = "executing"
	StateSynthesizing State = "synthesizing"
	StateCompleted    State = "completed"
	StateFailed       State = "failed"
	StateTimedOut     State = "timed_out"
)

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateTimedOut
}

// validTransitions defines allowed state transitions. Executing -> Executing
// is the move to the next stage.
var validTransitions = map[State][]State{
	StatePlanning:     {StateExecuting, StateFailed, StateTimedOut},
	StateExecuting:    {StateExecuting, StateSynthesizing, StateFailed, StateTimedOut},
	StateSynthesizing: {StateCompleted, StateFailed, StateTimedOut},
}

// Transition returns nil if from -> to is a legal transition.
func Transition(from, to State) error {
	allowed, ok := validTransitions[from]
	if !ok {
		return fmt.Errorf("no transitions from %q", from)
	}
	for _, s := range allowed {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("invalid transition %q -> %q", from, to)
}

// Policy controls how one session reacts to failures and how wide it runs.
type Policy struct {
	// Failover re-runs a failed task on an alternate capable agent.
	Failover bool `json:"failover"`
	// MaxFailover is how many alternates are tried per failed task.
	MaxFailover int `json:"max_failover"`
	// BestEffort carries completed results forward instead of failing the session.
	BestEffort bool `json:"best_effort"`
	// MaxConcurrency caps concurrent tasks in this session; zero means the
	// width of the largest stage.
	MaxConcurrency int           `json:"max_concurrency"`
	Timeout        time.Duration `json:"timeout"`
}

// Options configure an Orchestrator.
type Options struct {
	Policy Policy
	// GlobalConcurrency caps concurrent tasks across all sessions.
	GlobalConcurrency int
	// BusyPenalty is the availability score of a busy agent.
	BusyPenalty float64
	// EventBuffer sizes the per-session progress channel.
	EventBuffer int
}

// DefaultOptions returns the engine defaults.
func DefaultOptions() Options {
	return Options{
		Policy: Policy{
			Failover:    true,
			MaxFailover: 1,
			Timeout:     5 * time.Minute,
		},
		GlobalConcurrency: 64,
		EventBuffer:       256,
	}
}

// Request is one goal submitted to the engine.
type Request struct {
	Goal        string                `json:"goal"`
	Constraints decompose.Constraints `json:"constraints"`
	// Memory seeds the session working memory.
	Memory map[string]any `json:"memory,omitempty"`
	// Policy overrides the engine defaults when set.
	Policy *Policy `json:"policy,omitempty"`
}

// EventType names a progress event.
type EventType string

const (
	EventState         EventType = "state"
	EventStageStarted  EventType = "stage_started"
	EventTaskFinished  EventType = "task_finished"
	EventFailover      EventType = "failover"
	EventStageFinished EventType = "stage_finished"
	EventDone          EventType = "done"
)

// Event is one progress notification of a streaming submit.
type Event struct {
	Type      EventType              `json:"type"`
	SessionID string                 `json:"session_id"`
	State     State                  `json:"state,omitempty"`
	Stage     int                    `json:"stage"`
	TaskID    string                 `json:"task_id,omitempty"`
	AgentID   string                 `json:"agent_id,omitempty"`
	Success   bool                   `json:"success,omitempty"`
	Progress  float64                `json:"progress"`
	Error     string                 `json:"error,omitempty"`
	Kind      string                 `json:"kind,omitempty"`
	Result    *synthesis.FinalResult `json:"result,omitempty"`
	Time      time.Time              `json:"time"`
}

// SessionError is the only error shape Submit returns. It names the state the
// session ended in and, when known, the stage, task and capability at fault.
type SessionError struct {
	SessionID  string
	State      State
	Stage      int
	TaskID     string
	Capability models.Capability
	Err        error
}

func newSessionError(id string, state State, stage int, err error) *SessionError {
	se := &SessionError{SessionID: id, State: state, Stage: stage, Err: err}
	var nc *models.NoCapableAgentError
	if errors.As(err, &nc) {
		se.Capability = nc.Capability
		se.TaskID = nc.TaskID
	}
	var te *models.TaskExecutionError
	if se.TaskID == "" && errors.As(err, &te) {
		se.TaskID = te.TaskID
	}
	var sf *models.StageFailedError
	if errors.As(err, &sf) {
		se.Stage = sf.Stage
	}
	return se
}

func (e *SessionError) Error() string {
	msg := fmt.Sprintf("session %s %s", e.SessionID, e.State)
	if e.Stage >= 0 {
		msg += fmt.Sprintf(" at stage %d", e.Stage)
	}
	return msg + ": " + e.Err.Error()
}

func (e *SessionError) Unwrap() error { return e.Err }

// Kind is the taxonomy name of the underlying error.
func (e *SessionError) Kind() string { return models.ErrorKind(e.Err) }
