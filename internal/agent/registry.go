package agent

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nidhogg/nuka-conductor/internal/models"
	"go.uber.org/zap"
)

// successWindow is how many recent outcomes feed the rolling success rate.
const successWindow = 20

// Info is a read-only view of one registered agent.
type Info struct {
	ID           string               `json:"id"`
	Name         string               `json:"name"`
	Capabilities models.CapabilitySet `json:"capabilities"`
	Status       models.AgentStatus   `json:"status"`
	Load         int                  `json:"load"`
	Executions   int                  `json:"executions"`
	Successes    int                  `json:"successes"`
	AvgLatency   time.Duration        `json:"avg_latency"`
	SuccessRate  float64              `json:"success_rate"`
	RegisteredAt time.Time            `json:"registered_at"`
	UpdatedAt    time.Time            `json:"updated_at"`
}

type entry struct {
	agent        Agent
	status       models.AgentStatus
	load         int
	executions   int
	successes    int
	totalLatency time.Duration
	recent       []bool
	registeredAt time.Time
	updatedAt    time.Time
}

func (e *entry) info() Info {
	in := Info{
		ID:           e.agent.ID(),
		Name:         e.agent.Name(),
		Capabilities: e.agent.Capabilities(),
		Status:       e.status,
		Load:         e.load,
		Executions:   e.executions,
		Successes:    e.successes,
		SuccessRate:  1.0,
		RegisteredAt: e.registeredAt,
		UpdatedAt:    e.updatedAt,
	}
	if e.executions > 0 {
		in.AvgLatency = e.totalLatency / time.Duration(e.executions)
	}
	if len(e.recent) > 0 {
		ok := 0
		for _, r := range e.recent {
			if r {
				ok++
			}
		}
		in.SuccessRate = float64(ok) / float64(len(e.recent))
	}
	return in
}

type snapshot struct {
	infos  []Info
	agents map[string]Agent
	index  map[string]int
}

// Registry is the in-memory agent directory. Mutations serialize on mu and
// publish a fresh snapshot; reads never take the lock.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
	snap    atomic.Pointer[snapshot]
	logger  *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		entries: make(map[string]*entry),
		logger:  logger.With(zap.String("component", "registry")),
	}
	r.publishLocked()
	return r
}

// Register adds an agent in the idle state.
func (r *Registry) Register(a Agent) error {
	if a == nil || a.ID() == "" {
		return fmt.Errorf("register: agent must have an id")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[a.ID()]; ok {
		return fmt.Errorf("%w: %s", models.ErrDuplicateAgent, a.ID())
	}
	now := time.Now()
	r.entries[a.ID()] = &entry{
		agent:        a,
		status:       models.AgentIdle,
		registeredAt: now,
		updatedAt:    now,
	}
	r.publishLocked()
	r.logger.Info("registered agent",
		zap.String("id", a.ID()),
		zap.String("name", a.Name()),
		zap.String("capabilities", a.Capabilities().Key()))
	return nil
}

// Deregister removes an agent. Agents with in-flight tasks cannot be removed.
func (r *Registry) Deregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", models.ErrUnknownAgent, id)
	}
	if e.load > 0 {
		return fmt.Errorf("%w: %s has %d in-flight task(s)", models.ErrAgentBusy, id, e.load)
	}
	delete(r.entries, id)
	r.publishLocked()
	r.logger.Info("deregistered agent", zap.String("id", id))
	return nil
}

// MarkBusy records that a task was dispatched to the agent.
func (r *Registry) MarkBusy(id string) error {
	return r.mutate(id, func(e *entry) {
		e.load++
		if e.status == models.AgentIdle {
			e.status = models.AgentBusy
		}
	})
}

// MarkIdle records that one of the agent's tasks finished.
func (r *Registry) MarkIdle(id string) error {
	return r.mutate(id, func(e *entry) {
		if e.load > 0 {
			e.load--
		}
		if e.load == 0 && e.status == models.AgentBusy {
			e.status = models.AgentIdle
		}
	})
}

// MarkError flags the agent as faulty; it is no longer a candidate until an
// operator sets it back to idle.
func (r *Registry) MarkError(id string) error {
	return r.mutate(id, func(e *entry) { e.status = models.AgentError })
}

// SetStatus forces a status. Setting idle on an agent that still has load
// leaves it busy.
func (r *Registry) SetStatus(id string, s models.AgentStatus) error {
	if !s.Valid() {
		return fmt.Errorf("invalid agent status %q", s)
	}
	return r.mutate(id, func(e *entry) {
		if s == models.AgentIdle && e.load > 0 {
			s = models.AgentBusy
		}
		e.status = s
	})
}

// RecordOutcome updates the agent's performance counters.
func (r *Registry) RecordOutcome(id string, success bool, elapsed time.Duration) error {
	return r.mutate(id, func(e *entry) {
		e.executions++
		if success {
			e.successes++
		}
		e.totalLatency += elapsed
		e.recent = append(e.recent, success)
		if len(e.recent) > successWindow {
			e.recent = e.recent[len(e.recent)-successWindow:]
		}
	})
}

func (r *Registry) mutate(id string, fn func(e *entry)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", models.ErrUnknownAgent, id)
	}
	fn(e)
	e.updatedAt = time.Now()
	r.publishLocked()
	return nil
}

func (r *Registry) publishLocked() {
	s := &snapshot{
		infos:  make([]Info, 0, len(r.entries)),
		agents: make(map[string]Agent, len(r.entries)),
		index:  make(map[string]int, len(r.entries)),
	}
	for id, e := range r.entries {
		s.infos = append(s.infos, e.info())
		s.agents[id] = e.agent
	}
	sort.Slice(s.infos, func(i, j int) bool { return s.infos[i].ID < s.infos[j].ID })
	for i, in := range s.infos {
		s.index[in.ID] = i
	}
	r.snap.Store(s)
}

// Snapshot returns a copy of every agent's current view, ordered by ID.
func (r *Registry) Snapshot() []Info {
	s := r.snap.Load()
	out := make([]Info, len(s.infos))
	copy(out, s.infos)
	return out
}

// Get returns the agent and its current view.
func (r *Registry) Get(id string) (Agent, Info, bool) {
	s := r.snap.Load()
	i, ok := s.index[id]
	if !ok {
		return nil, Info{}, false
	}
	return s.agents[id], s.infos[i], true
}

// Status returns the agent's current status.
func (r *Registry) Status(id string) (models.AgentStatus, bool) {
	_, in, ok := r.Get(id)
	return in.Status, ok
}

// AgentsWith returns every agent declaring c, ordered by ID.
func (r *Registry) AgentsWith(c models.Capability) []Agent {
	s := r.snap.Load()
	var out []Agent
	for _, in := range s.infos {
		if in.Capabilities.Has(c) {
			out = append(out, s.agents[in.ID])
		}
	}
	return out
}

// Len returns the number of registered agents.
func (r *Registry) Len() int {
	return len(r.snap.Load().infos)
}

// Capabilities returns the sorted union of capabilities declared by agents
// that can currently take work (not offline, not in error).
func (r *Registry) Capabilities() []models.Capability {
	s := r.snap.Load()
	union := models.CapabilitySet{}
	for _, in := range s.infos {
		if in.Status == models.AgentOffline || in.Status == models.AgentError {
			continue
		}
		for c := range in.Capabilities {
			union[c] = struct{}{}
		}
	}
	return union.Sorted()
}
