// Package synthesis combines per-task results into one final result.
package synthesis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/nidhogg/nuka-conductor/internal/models"
	"github.com/nidhogg/nuka-conductor/internal/reasoning"
	"go.uber.org/zap"
)

// DefaultTimeout bounds the collaborator call.
const DefaultTimeout = 30 * time.Second

var errNothingToSynthesize = errors.New("no task succeeded")

// textKeys are payload fields rendered verbatim by the concatenation fallback.
var textKeys = []string{"summary", "text", "output", "answer", "content"}

// TaskOutcome is one task's result as seen by the synthesizer.
type TaskOutcome struct {
	TaskID  string         `json:"task_id"`
	Type    string         `json:"type"`
	AgentID string         `json:"agent_id,omitempty"`
	Stage   int            `json:"stage"`
	Result  *models.Result `json:"result"`
}

func (o TaskOutcome) succeeded() bool { return o.Result != nil && o.Result.Success }

// FinalResult is the single outcome of a goal.
type FinalResult struct {
	SessionID string `json:"session_id,omitempty"`
	Goal      string `json:"goal"`
	Summary   string `json:"summary"`
	// Output maps task ID to the payload of every successful task.
	Output     map[string]map[string]any `json:"output"`
	Results    []TaskOutcome             `json:"results"`
	Confidence float64                   `json:"confidence"`
	// Partial is set when some tasks failed and their results are missing.
	Partial bool `json:"partial"`
	// Degraded marks a result whose confidence should be treated as lower
	// than the number suggests.
	Degraded    bool          `json:"degraded"`
	Synthesized bool          `json:"synthesized"`
	FailedTasks []string      `json:"failed_tasks,omitempty"`
	Elapsed     time.Duration `json:"elapsed"`
}

// Synthesizer implements result synthesis.
type Synthesizer struct {
	collab  reasoning.Collaborator
	timeout time.Duration
	logger  *zap.Logger
}

// New creates a Synthesizer. A nil collaborator always uses concatenation.
func New(collab reasoning.Collaborator, timeout time.Duration, logger *zap.Logger) *Synthesizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if collab == nil {
		collab = reasoning.Unavailable{}
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Synthesizer{collab: collab, timeout: timeout, logger: logger.With(zap.String("component", "synthesizer"))}
}

type synthesisShape struct {
	Summary string `json:"summary"`
}

// Synthesize folds outcomes into a FinalResult. Outcomes are ordered by stage,
// then by their given order. The collaborator writes the summary when it
// answers within the timeout; otherwise the task outputs are concatenated.
func (s *Synthesizer) Synthesize(ctx context.Context, goal string, criteria []string, outcomes []TaskOutcome) (*FinalResult, error) {
	ordered := append([]TaskOutcome(nil), outcomes...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Stage < ordered[j].Stage })

	fr := &FinalResult{
		Goal:    goal,
		Output:  make(map[string]map[string]any),
		Results: ordered,
	}
	var confSum float64
	succeeded := 0
	for _, o := range ordered {
		if !o.succeeded() {
			fr.FailedTasks = append(fr.FailedTasks, o.TaskID)
			continue
		}
		succeeded++
		confSum += o.Result.Confidence
		fr.Output[o.TaskID] = o.Result.Payload
	}
	if succeeded == 0 {
		return nil, &models.SynthesisError{Cause: errNothingToSynthesize}
	}
	fr.Confidence = confSum / float64(succeeded)
	fr.Partial = len(fr.FailedTasks) > 0
	fr.Degraded = fr.Partial

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	var shape synthesisShape
	err := s.collab.GenerateStructured(callCtx, buildPrompt(goal, criteria, ordered), &shape)
	switch {
	case err == nil && strings.TrimSpace(shape.Summary) != "":
		fr.Summary = strings.TrimSpace(shape.Summary)
		fr.Synthesized = true
	case err == nil:
		s.logger.Warn("collaborator returned empty summary, concatenating")
		fr.Summary = Concatenate(ordered)
	default:
		s.logger.Info("synthesis collaborator unavailable, concatenating", zap.Error(err))
		fr.Summary = Concatenate(ordered)
	}
	return fr, nil
}

// Concatenate renders every outcome in order, one block per task.
func Concatenate(outcomes []TaskOutcome) string {
	var buf strings.Builder
	for i, o := range outcomes {
		if i > 0 {
			buf.WriteString("\n---\n")
		}
		fmt.Fprintf(&buf, "[%s] ", o.TaskID)
		switch {
		case o.succeeded():
			buf.WriteString(Render(o.Result.Payload))
		case o.Result != nil && o.Result.Err != nil:
			fmt.Fprintf(&buf, "failed: %v", o.Result.Err)
		default:
			buf.WriteString("failed")
		}
	}
	return buf.String()
}

// Render turns a payload into text: a single well-known text field is used as
// is, anything else is encoded as JSON.
func Render(payload map[string]any) string {
	for _, k := range textKeys {
		if v, ok := payload[k].(string); ok && len(payload) == 1 {
			return v
		}
	}
	if len(payload) == 0 {
		return "(no output)"
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Sprintf("%v", payload)
	}
	return string(data)
}

func buildPrompt(goal string, criteria []string, outcomes []TaskOutcome) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Combine the subtask results below into one answer for the goal.\n\nGoal: %s\n", goal)
	if len(criteria) > 0 {
		b.WriteString("Success criteria:\n")
		for _, c := range criteria {
			fmt.Fprintf(&b, "- %s\n", c)
		}
	}
	b.WriteString("\nResults:\n")
	for _, o := range outcomes {
		if o.succeeded() {
			fmt.Fprintf(&b, "[stage %d] %s (%s): %s\n", o.Stage, o.TaskID, o.Type, Render(o.Result.Payload))
		} else {
			fmt.Fprintf(&b, "[stage %d] %s (%s): FAILED\n", o.Stage, o.TaskID, o.Type)
		}
	}
	b.WriteString("\nIf some results are missing, say what could not be done.\n")
	b.WriteString(`Answer with {"summary":"..."}`)
	return b.String()
}
