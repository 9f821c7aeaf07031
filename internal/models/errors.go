package models

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrMalformedDecomposition  = errors.New("malformed decomposition")
	ErrCyclicDependency        = errors.New("cyclic dependency")
	ErrUnknownAgent            = errors.New("unknown agent")
	ErrNoCapableAgent          = errors.New("no capable agent")
	ErrTaskExecutionFailed     = errors.New("task execution failed")
	ErrStageFailed             = errors.New("stage failed")
	ErrSessionTimedOut         = errors.New("session timed out")
	ErrSynthesisFailed         = errors.New("synthesis failed")
	ErrSessionAborted          = errors.New("session aborted")
	ErrAgentBusy               = errors.New("agent busy")
	ErrAgentUnavailable        = errors.New("agent unavailable")
	ErrDuplicateAgent          = errors.New("duplicate agent")
	ErrDependencyFailed        = errors.New("dependency failed")
	ErrCollaboratorUnavailable = errors.New("reasoning collaborator unavailable")
)

// NoCapableAgentError names the capability no live agent could serve.
type NoCapableAgentError struct {
	Capability Capability
	TaskID     string
}

func (e *NoCapableAgentError) Error() string {
	if e.TaskID != "" {
		return fmt.Sprintf("no capable agent for %q (task %s)", e.Capability, e.TaskID)
	}
	return fmt.Sprintf("no capable agent for %q", e.Capability)
}

func (e *NoCapableAgentError) Is(target error) bool { return target == ErrNoCapableAgent }

// TaskExecutionError reports one task that did not produce a successful result.
type TaskExecutionError struct {
	TaskID  string
	AgentID string
	Cause   error
}

func (e *TaskExecutionError) Error() string {
	msg := fmt.Sprintf("task %s failed", e.TaskID)
	if e.AgentID != "" {
		msg += " on agent " + e.AgentID
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *TaskExecutionError) Is(target error) bool { return target == ErrTaskExecutionFailed }
func (e *TaskExecutionError) Unwrap() error       { return e.Cause }

// StageFailedError reports a stage that ended with unresolved task failures.
type StageFailedError struct {
	Stage    int
	Failures int
	Tasks    []*TaskExecutionError
}

func (e *StageFailedError) Error() string {
	ids := make([]string, len(e.Tasks))
	for i, t := range e.Tasks {
		ids[i] = t.TaskID
	}
	return fmt.Sprintf("stage %d failed: %d task failure(s) [%s]", e.Stage, e.Failures, strings.Join(ids, ", "))
}

func (e *StageFailedError) Is(target error) bool { return target == ErrStageFailed }

// Unwrap exposes the first task failure so errors.As can reach it.
func (e *StageFailedError) Unwrap() error {
	if len(e.Tasks) == 0 {
		return nil
	}
	return e.Tasks[0]
}

// SynthesisError wraps the reason synthesis could not produce a result.
type SynthesisError struct {
	Cause error
}

func (e *SynthesisError) Error() string {
	if e.Cause == nil {
		return ErrSynthesisFailed.Error()
	}
	return "synthesis failed: " + e.Cause.Error()
}

func (e *SynthesisError) Is(target error) bool { return target == ErrSynthesisFailed }
func (e *SynthesisError) Unwrap() error       { return e.Cause }

// ErrorKind returns a short machine-readable name for err's place in the taxonomy.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrMalformedDecomposition):
		return "malformed_decomposition"
	case errors.Is(err, ErrCyclicDependency):
		return "cyclic_dependency"
	case errors.Is(err, ErrSessionTimedOut):
		return "session_timed_out"
	case errors.Is(err, ErrSessionAborted):
		return "session_aborted"
	case errors.Is(err, ErrStageFailed):
		return "stage_failed"
	case errors.Is(err, ErrNoCapableAgent):
		return "no_capable_agent"
	case errors.Is(err, ErrTaskExecutionFailed):
		return "task_execution_failed"
	case errors.Is(err, ErrSynthesisFailed):
		return "synthesis_failed"
	case errors.Is(err, ErrUnknownAgent):
		return "unknown_agent"
	case errors.Is(err, ErrAgentUnavailable):
		return "agent_unavailable"
	case errors.Is(err, ErrCollaboratorUnavailable):
		return "collaborator_unavailable"
	}
	return "internal"
}
