package orchestrator

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nidhogg/nuka-conductor/internal/models"
	"github.com/nidhogg/nuka-conductor/internal/planner"
)

// Session is the live record of one goal. Only the goroutine running the
// session writes to it; the mutex lets diagnostics read a consistent view.
type Session struct {
	ID        string
	Goal      string
	Policy    Policy
	StartedAt time.Time

	cancel context.CancelCauseFunc
	events chan Event

	mu        sync.RWMutex
	state     State
	stage     int
	progress  float64
	structure *models.Structure
	plan      *planner.Plan
	results   map[string]*models.Result
	memory    map[string]any
	completed int
	err       error
}

func newSession(id, goal string, policy Policy, memory map[string]any) *Session {
	mem := make(map[string]any, len(memory))
	for k, v := range memory {
		mem[k] = v
	}
	return &Session{
		ID:        id,
		Goal:      goal,
		Policy:    policy,
		StartedAt: time.Now(),
		state:     StatePlanning,
		stage:     -1,
		results:   make(map[string]*models.Result),
		memory:    mem,
	}
}

// SessionInfo is a diagnostics snapshot of a session.
type SessionInfo struct {
	ID        string        `json:"id"`
	Goal      string        `json:"goal"`
	State     State         `json:"state"`
	Stage     int           `json:"stage"`
	Stages    int           `json:"stages"`
	Tasks     int           `json:"tasks"`
	Completed int           `json:"completed"`
	Progress  float64       `json:"progress"`
	StartedAt time.Time     `json:"started_at"`
	Elapsed   time.Duration `json:"elapsed"`
	Plan      *planner.Plan `json:"plan,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// Info returns a diagnostics snapshot.
func (s *Session) Info() SessionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	in := SessionInfo{
		ID:        s.ID,
		Goal:      s.Goal,
		State:     s.state,
		Stage:     s.stage,
		Completed: s.completed,
		Progress:  s.progress,
		StartedAt: s.StartedAt,
		Elapsed:   time.Since(s.StartedAt),
		Plan:      s.plan,
	}
	if s.plan != nil {
		in.Stages = len(s.plan.Stages)
		in.Tasks = s.plan.TaskCount()
	}
	if s.err != nil {
		in.Error = s.err.Error()
	}
	return in
}

// State returns the current state and stage.
func (s *Session) State() (State, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state, s.stage
}

func (s *Session) transition(to State, stage int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := Transition(s.state, to); err != nil {
		return err
	}
	s.state = to
	if to == StateExecuting {
		s.stage = stage
	}
	return nil
}

func (s *Session) setPlan(st *models.Structure, p *planner.Plan) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.structure = st
	s.plan = p
}

// memorySnapshot is the read-only copy handed to tasks.
func (s *Session) memorySnapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp := make(map[string]any, len(s.memory))
	for k, v := range s.memory {
		cp[k] = v
	}
	return cp
}

// Memory returns a copy of the working memory.
func (s *Session) Memory() map[string]any { return s.memorySnapshot() }

// dependencyResults collects the results of ids that have one.
func (s *Session) dependencyResults(ids []string) map[string]*models.Result {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]*models.Result, len(ids))
	for _, id := range ids {
		if r, ok := s.results[id]; ok {
			out[id] = r
		}
	}
	return out
}

func (s *Session) result(id string) (*models.Result, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.results[id]
	return r, ok
}

// record stores a stage's results in task order and merges memory updates
// from the successful ones.
func (s *Session) record(runs []taskRun) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range runs {
		if r.result == nil {
			continue
		}
		s.results[r.task.ID] = r.result
		s.completed++
		if !r.result.Success {
			continue
		}
		keys := make([]string, 0, len(r.result.MemoryUpdates))
		for k := range r.result.MemoryUpdates {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			s.memory[k] = r.result.MemoryUpdates[k]
		}
	}
	if s.plan != nil && s.plan.TaskCount() > 0 {
		s.progress = float64(s.completed) / float64(s.plan.TaskCount())
	}
}

func (s *Session) finish(state State, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
	s.err = err
	if state == StateCompleted {
		s.progress = 1
	}
}

func (s *Session) snapshotProgress() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.progress
}
