// Package planner turns a task structure into an execution plan: ordered
// stages of tasks whose dependencies all lie in earlier stages.
package planner

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/nidhogg/nuka-conductor/internal/agent"
	"github.com/nidhogg/nuka-conductor/internal/models"
	"go.uber.org/zap"
)

// DefaultEstimate is used for agents with no latency history.
const DefaultEstimate = time.Second

// AssignedTask binds a task to the agent chosen for it.
type AssignedTask struct {
	Task      models.Task   `json:"task"`
	AgentID   string        `json:"agent_id"`
	AgentName string        `json:"agent_name"`
	Estimate  time.Duration `json:"estimate"`
}

// Stage is a set of tasks whose dependencies are all resolved by earlier stages.
type Stage struct {
	Number   int            `json:"number"`
	Tasks    []AssignedTask `json:"tasks"`
	Parallel bool           `json:"parallel"`
}

// Estimate is the stage's expected wall time.
func (s Stage) Estimate() time.Duration {
	var total, longest time.Duration
	for _, t := range s.Tasks {
		total += t.Estimate
		if t.Estimate > longest {
			longest = t.Estimate
		}
	}
	if s.Parallel {
		return longest
	}
	return total
}

// Plan is the ordered list of stages for one structure.
type Plan struct {
	Goal   string  `json:"goal"`
	Stages []Stage `json:"stages"`
}

// TaskCount returns the number of tasks across all stages.
func (p *Plan) TaskCount() int {
	n := 0
	for _, s := range p.Stages {
		n += len(s.Tasks)
	}
	return n
}

// MaxWidth returns the size of the largest stage.
func (p *Plan) MaxWidth() int {
	w := 0
	for _, s := range p.Stages {
		if len(s.Tasks) > w {
			w = len(s.Tasks)
		}
	}
	return w
}

// StageOf returns the stage number holding task id, or -1.
func (p *Plan) StageOf(id string) int {
	for _, s := range p.Stages {
		for _, t := range s.Tasks {
			if t.Task.ID == id {
				return s.Number
			}
		}
	}
	return -1
}

// Estimate is the expected wall time of the whole plan.
func (p *Plan) Estimate() time.Duration {
	var d time.Duration
	for _, s := range p.Stages {
		d += s.Estimate()
	}
	return d
}

// Assigner picks an agent for a task, accounting for tasks already bound in
// the stage being built.
type Assigner interface {
	SelectReserved(t models.Task, exclude map[string]bool, res agent.Reservations) (agent.Info, error)
}

// Planner builds execution plans.
type Planner struct {
	assigner Assigner
	logger   *zap.Logger
}

// New creates a Planner.
func New(assigner Assigner, logger *zap.Logger) *Planner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Planner{assigner: assigner, logger: logger.With(zap.String("component", "planner"))}
}

// Plan layers the structure and assigns an agent to every task. Tasks of one
// stage are spread over equally good agents. It fails with
// ErrCyclicDependency on a cycle and with a NoCapableAgentError when a task
// has no live candidate.
func (p *Planner) Plan(s *models.Structure) (*Plan, error) {
	layers, err := Layers(s)
	if err != nil {
		return nil, err
	}
	plan := &Plan{Goal: s.Goal, Stages: make([]Stage, 0, len(layers))}
	for i, layer := range layers {
		st := Stage{Number: i, Tasks: make([]AssignedTask, 0, len(layer)), Parallel: ParallelEligible(layer)}
		reserved := agent.Reservations{}
		for _, t := range layer {
			in, err := p.assigner.SelectReserved(t, nil, reserved)
			if err != nil {
				return nil, err
			}
			reserved.Reserve(in.ID)
			est := in.AvgLatency
			if est == 0 {
				est = DefaultEstimate
			}
			st.Tasks = append(st.Tasks, AssignedTask{Task: t, AgentID: in.ID, AgentName: in.Name, Estimate: est})
		}
		plan.Stages = append(plan.Stages, st)
	}
	p.logger.Debug("built plan",
		zap.Int("stages", len(plan.Stages)),
		zap.Int("tasks", plan.TaskCount()),
		zap.Duration("estimate", plan.Estimate()))
	return plan, nil
}

// Layers groups the structure's tasks into topological layers with Kahn's
// algorithm. Within a layer tasks are ordered by priority (high first), then
// creation time, then ID, so the result is deterministic.
func Layers(s *models.Structure) ([][]models.Task, error) {
	index := make(map[string]int, len(s.Tasks))
	for i, t := range s.Tasks {
		index[t.ID] = i
	}
	indegree := make([]int, len(s.Tasks))
	successors := make([][]int, len(s.Tasks))
	for id, deps := range s.Dependencies {
		dst, ok := index[id]
		if !ok {
			return nil, fmt.Errorf("%w: dependency edge from unknown task %s", models.ErrMalformedDecomposition, id)
		}
		seen := make(map[int]bool, len(deps))
		for _, d := range deps {
			src, ok := index[d]
			if !ok {
				return nil, fmt.Errorf("%w: task %s depends on unknown task %s", models.ErrMalformedDecomposition, id, d)
			}
			if seen[src] {
				continue
			}
			seen[src] = true
			indegree[dst]++
			successors[src] = append(successors[src], dst)
		}
	}

	var ready []int
	for i := range s.Tasks {
		if indegree[i] == 0 {
			ready = append(ready, i)
		}
	}
	var layers [][]models.Task
	placed := 0
	for len(ready) > 0 {
		sortReady(s.Tasks, ready)
		layer := make([]models.Task, len(ready))
		var next []int
		for j, i := range ready {
			layer[j] = s.Tasks[i]
			for _, succ := range successors[i] {
				indegree[succ]--
				if indegree[succ] == 0 {
					next = append(next, succ)
				}
			}
		}
		placed += len(ready)
		layers = append(layers, layer)
		ready = next
	}
	if placed < len(s.Tasks) {
		var stuck []string
		for i, d := range indegree {
			if d > 0 {
				stuck = append(stuck, s.Tasks[i].ID)
			}
		}
		return nil, fmt.Errorf("%w: unresolvable tasks %s", models.ErrCyclicDependency, strings.Join(stuck, ", "))
	}
	return layers, nil
}

func sortReady(tasks []models.Task, ready []int) {
	sort.Slice(ready, func(a, b int) bool {
		ta, tb := tasks[ready[a]], tasks[ready[b]]
		if ta.Priority != tb.Priority {
			return ta.Priority > tb.Priority
		}
		if !ta.CreatedAt.Equal(tb.CreatedAt) {
			return ta.CreatedAt.Before(tb.CreatedAt)
		}
		return ta.ID < tb.ID
	})
}

// ParallelEligible reports whether a layer may run fully concurrently: more
// than one task and no resource tag declared by two of them.
func ParallelEligible(layer []models.Task) bool {
	if len(layer) < 2 {
		return false
	}
	claimed := make(map[string]string)
	for _, t := range layer {
		for _, r := range t.Resources() {
			if owner, ok := claimed[r]; ok && owner != t.ID {
				return false
			}
			claimed[r] = t.ID
		}
	}
	return true
}
