// Package decompose turns a goal into a validated task structure with the help
// of the reasoning collaborator.
package decompose

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/nidhogg/nuka-conductor/internal/models"
	"github.com/nidhogg/nuka-conductor/internal/reasoning"
	"go.uber.org/zap"
)

// CapabilityCatalog lists the capabilities the agent pool can serve.
type CapabilityCatalog interface {
	Capabilities() []models.Capability
}

// Constraints narrow one decomposition.
type Constraints struct {
	MaxSubtasks int               `json:"max_subtasks,omitempty"`
	Deadline    *time.Time        `json:"deadline,omitempty"`
	Context     map[string]string `json:"context,omitempty"`
	Notes       string            `json:"notes,omitempty"`
}

// Options configure a Decomposer.
type Options struct {
	// MaxSubtasks bounds the structure size when Constraints leave it unset.
	MaxSubtasks int
	// FallbackCapability, when set, turns collaborator unavailability into a
	// single direct task requiring this capability.
	FallbackCapability models.Capability
	Timeout            time.Duration
}

// Decomposer implements goal decomposition.
type Decomposer struct {
	collab  reasoning.Collaborator
	catalog CapabilityCatalog
	opts    Options
	now     func() time.Time
	logger  *zap.Logger
}

// New creates a Decomposer. catalog may be nil.
func New(collab reasoning.Collaborator, catalog CapabilityCatalog, opts Options, logger *zap.Logger) *Decomposer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if collab == nil {
		collab = reasoning.Unavailable{}
	}
	return &Decomposer{
		collab:  collab,
		catalog: catalog,
		opts:    opts,
		now:     time.Now,
		logger:  logger.With(zap.String("component", "decomposer")),
	}
}

type wireTask struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	Description string         `json:"description"`
	Requires    []string       `json:"requires"`
	Priority    string         `json:"priority"`
	Params      map[string]any `json:"params"`
	DependsOn   []string       `json:"depends_on"`
}

type wireStructure struct {
	Tasks            []wireTask          `json:"tasks"`
	Dependencies     map[string][]string `json:"dependencies"`
	SuccessCriteria  []string            `json:"success_criteria"`
	EstimatedSeconds float64             `json:"estimated_seconds"`
}

// Decompose asks the collaborator for a plan and validates it. Malformed or
// cyclic output is always an error; an unavailable collaborator falls back to
// a single task when a fallback capability is configured.
func (d *Decomposer) Decompose(ctx context.Context, goal string, c Constraints) (*models.Structure, error) {
	goal = strings.TrimSpace(goal)
	if goal == "" {
		return nil, fmt.Errorf("%w: empty goal", models.ErrMalformedDecomposition)
	}
	limit := c.MaxSubtasks
	if limit <= 0 {
		limit = d.opts.MaxSubtasks
	}

	var caps []models.Capability
	if d.catalog != nil {
		caps = d.catalog.Capabilities()
	}

	callCtx := ctx
	if d.opts.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, d.opts.Timeout)
		defer cancel()
	}

	var ws wireStructure
	err := d.collab.GenerateStructured(callCtx, buildPrompt(goal, caps, limit, c), &ws)
	switch {
	case err == nil:
	case errors.Is(err, reasoning.ErrMalformedOutput):
		return nil, fmt.Errorf("%w: %v", models.ErrMalformedDecomposition, err)
	case ctx.Err() != nil:
		return nil, ctx.Err()
	default:
		if d.opts.FallbackCapability != "" {
			d.logger.Warn("collaborator unavailable, using direct task", zap.Error(err))
			return d.Fallback(goal, c), nil
		}
		if !errors.Is(err, models.ErrCollaboratorUnavailable) {
			err = fmt.Errorf("%w: %v", models.ErrCollaboratorUnavailable, err)
		}
		return nil, err
	}

	if len(ws.Tasks) == 0 && d.opts.FallbackCapability != "" {
		d.logger.Info("goal needs no decomposition", zap.String("goal", goal))
		return d.Fallback(goal, c), nil
	}
	if limit > 0 && len(ws.Tasks) > limit {
		return nil, fmt.Errorf("%w: %d subtasks exceed limit %d", models.ErrMalformedDecomposition, len(ws.Tasks), limit)
	}

	s := d.build(goal, ws, c)
	if err := s.Validate(); err != nil {
		return nil, err
	}
	d.logger.Info("decomposed goal",
		zap.Int("tasks", len(s.Tasks)),
		zap.Int("edges", edgeCount(s.Dependencies)))
	return s, nil
}

// Fallback returns the single-task structure used when no plan can be asked for.
func (d *Decomposer) Fallback(goal string, c Constraints) *models.Structure {
	t := models.NewTask("task-1", "direct", goal,
		map[string]any{"goal": goal},
		[]models.Capability{d.opts.FallbackCapability},
		models.PriorityNormal, d.now())
	t.Deadline = c.Deadline
	return &models.Structure{
		Goal:  goal,
		Tasks: []models.Task{t},
	}
}

func (d *Decomposer) build(goal string, ws wireStructure, c Constraints) *models.Structure {
	base := d.now()
	s := &models.Structure{
		Goal:              goal,
		Tasks:             make([]models.Task, 0, len(ws.Tasks)),
		Dependencies:      make(map[string][]string),
		SuccessCriteria:   ws.SuccessCriteria,
		EstimatedDuration: time.Duration(ws.EstimatedSeconds * float64(time.Second)),
	}
	for i, wt := range ws.Tasks {
		id := strings.TrimSpace(wt.ID)
		if id == "" {
			id = fmt.Sprintf("task-%d", i+1)
		}
		prio, err := models.ParsePriority(wt.Priority)
		if err != nil {
			d.logger.Debug("unknown priority, using normal", zap.String("task", id), zap.String("priority", wt.Priority))
		}
		requires := make([]models.Capability, 0, len(wt.Requires))
		for _, r := range wt.Requires {
			if r = strings.TrimSpace(r); r != "" {
				requires = append(requires, models.Capability(r))
			}
		}
		typ := wt.Type
		if typ == "" {
			typ = "generic"
			if len(requires) > 0 {
				typ = string(requires[0])
			}
		}
		// Creation order drives FIFO tie-breaks in the planner.
		t := models.NewTask(id, typ, wt.Description, wt.Params, requires, prio, base.Add(time.Duration(i)))
		t.Deadline = c.Deadline
		s.Tasks = append(s.Tasks, t)
		if len(wt.DependsOn) > 0 {
			s.Dependencies[id] = appendUnique(s.Dependencies[id], wt.DependsOn...)
		}
	}
	for id, deps := range ws.Dependencies {
		s.Dependencies[id] = appendUnique(s.Dependencies[id], deps...)
	}
	if len(s.Dependencies) == 0 {
		s.Dependencies = nil
	}
	return s
}

func buildPrompt(goal string, caps []models.Capability, limit int, c Constraints) string {
	var b strings.Builder
	b.WriteString("Break the goal below into subtasks for a pool of specialised agents.\n")
	if len(caps) > 0 {
		names := make([]string, len(caps))
		for i, cp := range caps {
			names[i] = string(cp)
		}
		fmt.Fprintf(&b, "Available capabilities: %s\n", strings.Join(names, ", "))
		b.WriteString("Each subtask must list in \"requires\" only capabilities from that list.\n")
	}
	if limit > 0 {
		fmt.Fprintf(&b, "Use at most %d subtasks.\n", limit)
	}
	if c.Deadline != nil {
		fmt.Fprintf(&b, "Everything must finish before %s.\n", c.Deadline.Format(time.RFC3339))
	}
	if len(c.Context) > 0 {
		keys := make([]string, 0, len(c.Context))
		for k := range c.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("Context:\n")
		for _, k := range keys {
			fmt.Fprintf(&b, "- %s: %s\n", k, c.Context[k])
		}
	}
	if c.Notes != "" {
		fmt.Fprintf(&b, "Notes: %s\n", c.Notes)
	}
	fmt.Fprintf(&b, "\nGoal: %s\n\n", goal)
	b.WriteString(`Answer with:
{"tasks":[{"id":"t1","type":"...","description":"...","requires":["..."],"priority":"low|normal|high|critical","params":{},"depends_on":[]}],
 "success_criteria":["..."],"estimated_seconds":0}
Independent subtasks must not depend on each other. Tasks that touch the same
exclusive resource should set params.resource to the same name.
If the goal is trivial, return an empty tasks array.`)
	return b.String()
}

func appendUnique(dst []string, src ...string) []string {
	for _, s := range src {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		dup := false
		for _, d := range dst {
			if d == s {
				dup = true
				break
			}
		}
		if !dup {
			dst = append(dst, s)
		}
	}
	return dst
}

func edgeCount(deps map[string][]string) int {
	n := 0
	for _, d := range deps {
		n += len(d)
	}
	return n
}
