// Package workers holds the built-in agents the conductor ships with.
package workers

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/nidhogg/nuka-conductor/internal/agent"
	"github.com/nidhogg/nuka-conductor/internal/knowledge"
	"github.com/nidhogg/nuka-conductor/internal/models"
	"github.com/nidhogg/nuka-conductor/internal/reasoning"
	"go.uber.org/zap"
)

// Worker kinds accepted by New.
const (
	KindMemory     = "memory"
	KindTranscript = "transcript"
	KindReasoning  = "reasoning"
)

// ErrUnknownKind is returned by New for a kind it cannot build.
var ErrUnknownKind = errors.New("unknown worker kind")

// Deps are the collaborators built-in workers may need.
type Deps struct {
	Knowledge    knowledge.Store
	Collaborator reasoning.Collaborator
	Logger       *zap.Logger
}

// Kinds lists the buildable worker kinds.
func Kinds() []string {
	return []string{KindMemory, KindReasoning, KindTranscript}
}

// KnownKind reports whether New can build kind.
func KnownKind(kind string) bool {
	for _, k := range Kinds() {
		if k == kind {
			return true
		}
	}
	return false
}

// DefaultCapabilities are declared when an agent is configured without any.
func DefaultCapabilities(kind string) []models.Capability {
	switch kind {
	case KindMemory:
		return []models.Capability{"memory", "retrieve"}
	case KindTranscript:
		return []models.Capability{"transcript", "analyze"}
	case KindReasoning:
		return []models.Capability{"reasoning", "summarize", "extract-entities", "direct"}
	}
	return nil
}

// New builds a worker of the given kind.
func New(kind, id, name string, caps []models.Capability, deps Deps) (agent.Agent, error) {
	if name == "" {
		name = id
	}
	if len(caps) == 0 {
		caps = DefaultCapabilities(kind)
	}
	switch kind {
	case KindMemory:
		if deps.Knowledge == nil {
			return nil, fmt.Errorf("memory worker %s: no knowledge store", id)
		}
		return NewMemory(id, name, deps.Knowledge, deps.Logger, caps...), nil
	case KindTranscript:
		return NewTranscript(id, name, caps...), nil
	case KindReasoning:
		return NewReasoning(id, name, deps.Collaborator, deps.Logger, caps...), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
}

func stringParam(t models.Task, key string) string {
	v, ok := t.Params[key]
	if !ok || v == nil {
		return ""
	}
	switch s := v.(type) {
	case string:
		return s
	case fmt.Stringer:
		return s.String()
	}
	return fmt.Sprint(v)
}

func intParam(t models.Task, key string, def int) int {
	switch v := t.Params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// dependencyText joins the text outputs of the task's dependencies in ID order.
func dependencyText(sc *agent.SessionContext) string {
	if sc == nil || len(sc.Dependencies) == 0 {
		return ""
	}
	ids := make([]string, 0, len(sc.Dependencies))
	for id := range sc.Dependencies {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var sb strings.Builder
	for _, id := range ids {
		r := sc.Dependencies[id]
		if r == nil || !r.Success {
			continue
		}
		for _, key := range []string{"text", "summary", "transcript", "output", "content"} {
			if s, ok := r.Payload[key].(string); ok && s != "" {
				if sb.Len() > 0 {
					sb.WriteString("\n")
				}
				sb.WriteString(s)
				break
			}
		}
	}
	return sb.String()
}
