package workers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/nidhogg/nuka-conductor/internal/agent"
	"github.com/nidhogg/nuka-conductor/internal/models"
	"github.com/nidhogg/nuka-conductor/internal/reasoning"
	"go.uber.org/zap"
)

const defaultReasoningConfidence = 0.8

// Reasoning hands the task to the reasoning collaborator and returns its
// JSON object as the payload.
type Reasoning struct {
	agent.Base
	collab reasoning.Collaborator
	logger *zap.Logger
}

// NewReasoning creates a reasoning worker. A nil collaborator makes every
// task fail as unavailable.
func NewReasoning(id, name string, collab reasoning.Collaborator, logger *zap.Logger, caps ...models.Capability) *Reasoning {
	if collab == nil {
		collab = reasoning.Unavailable{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reasoning{
		Base:   agent.NewBase(id, name, caps...),
		collab: collab,
		logger: logger.With(zap.String("component", "worker"), zap.String("agent", id)),
	}
}

func (w *Reasoning) Execute(ctx context.Context, t models.Task, sc *agent.SessionContext) *models.Result {
	out := map[string]any{}
	if err := w.collab.GenerateStructured(ctx, w.prompt(t, sc), &out); err != nil {
		if errors.Is(err, reasoning.ErrMalformedOutput) {
			w.logger.Warn("malformed reasoning output", zap.String("task", t.ID), zap.Error(err))
		}
		return models.Failed(err)
	}

	confidence := defaultReasoningConfidence
	if c, ok := out["confidence"].(float64); ok {
		confidence = c
		delete(out, "confidence")
	}
	r := models.Succeeded(out, confidence)
	if mu, ok := out["memory_updates"].(map[string]any); ok {
		r.MemoryUpdates = mu
		delete(out, "memory_updates")
	}
	return r
}

func (w *Reasoning) prompt(t models.Task, sc *agent.SessionContext) string {
	var sb strings.Builder
	if sc != nil && sc.Goal != "" {
		fmt.Fprintf(&sb, "Overall goal: %s\n\n", sc.Goal)
	}
	fmt.Fprintf(&sb, "Task (%s): %s\n", t.Type, t.Description)

	if len(t.Params) > 0 {
		if b, err := json.Marshal(t.Params); err == nil {
			fmt.Fprintf(&sb, "Parameters: %s\n", b)
		}
	}
	if sc != nil && len(sc.Memory) > 0 {
		keys := make([]string, 0, len(sc.Memory))
		for k := range sc.Memory {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteString("\nWorking memory:\n")
		for _, k := range keys {
			fmt.Fprintf(&sb, "- %s: %v\n", k, sc.Memory[k])
		}
	}
	if deps := dependencyText(sc); deps != "" {
		fmt.Fprintf(&sb, "\nInput from earlier steps:\n%s\n", deps)
	}
	sb.WriteString("\nAnswer with a JSON object. Put the main answer under \"text\" and, optionally, " +
		"a number between 0 and 1 under \"confidence\".")
	return sb.String()
}
