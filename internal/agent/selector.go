package agent

import (
	"github.com/nidhogg/nuka-conductor/internal/models"
)

// Score weights. They sum to 1.
const (
	AvailabilityWeight    = 0.3
	PerformanceWeight     = 0.4
	CapabilityMatchWeight = 0.3

	// DefaultBusyPenalty is the availability of an agent that is not idle.
	DefaultBusyPenalty = 0.5
)

// Score rates how well the agent described by in fits t. Agents that do not
// declare every required capability score 0 on the capability term; Select
// never considers them at all.
func Score(in Info, t models.Task, busyPenalty float64) float64 {
	availability := busyPenalty
	if in.Status == models.AgentIdle {
		availability = 1.0
	}
	match := 0.0
	if in.Capabilities.ContainsAll(t.Requires) {
		match = 1.0
	}
	return availability*AvailabilityWeight + in.SuccessRate*PerformanceWeight + match*CapabilityMatchWeight
}

// Selector picks the best agent for a task from a registry.
type Selector struct {
	registry    *Registry
	busyPenalty float64
}

// NewSelector creates a Selector. A penalty outside [0,1) falls back to
// DefaultBusyPenalty.
func NewSelector(reg *Registry, busyPenalty float64) *Selector {
	if busyPenalty < 0 || busyPenalty >= 1 {
		busyPenalty = DefaultBusyPenalty
	}
	return &Selector{registry: reg, busyPenalty: busyPenalty}
}

// Registry returns the registry the selector reads from.
func (s *Selector) Registry() *Registry { return s.registry }

func live(in Info) bool {
	return in.Status != models.AgentOffline && in.Status != models.AgentError
}

// Candidates returns the live agents able to run t, skipping excluded IDs.
func (s *Selector) Candidates(t models.Task, exclude map[string]bool) []Info {
	snap := s.registry.snap.Load()
	var out []Info
	for _, in := range snap.infos {
		if exclude[in.ID] || !live(in) {
			continue
		}
		if !in.Capabilities.ContainsAll(t.Requires) {
			continue
		}
		if !snap.agents[in.ID].CanHandle(t) {
			continue
		}
		out = append(out, in)
	}
	return out
}

// Reservations counts tasks already bound to an agent that have not been
// dispatched yet.
type Reservations map[string]int

// Reserve records one more task bound to id.
func (r Reservations) Reserve(id string) { r[id]++ }

// overlay returns in as it will look once its reserved tasks are running.
func (r Reservations) overlay(in Info) Info {
	n := r[in.ID]
	if n == 0 {
		return in
	}
	in.Load += n
	if in.Status == models.AgentIdle {
		in.Status = models.AgentBusy
	}
	return in
}

// Select returns the highest scoring candidate. Ties go to the lowest load,
// then the lowest ID.
func (s *Selector) Select(t models.Task, exclude map[string]bool) (Info, error) {
	return s.SelectReserved(t, exclude, nil)
}

// SelectReserved is Select with res laid over the registry snapshot: a
// reserved agent scores as busy and its reservations count towards its load.
// The returned Info is the agent's registry view without the overlay.
func (s *Selector) SelectReserved(t models.Task, exclude map[string]bool, res Reservations) (Info, error) {
	cands := s.Candidates(t, exclude)
	if len(cands) == 0 {
		return Info{}, s.noCapable(t, exclude)
	}
	best := 0
	first := res.overlay(cands[0])
	bestLoad, bestScore := first.Load, Score(first, t, s.busyPenalty)
	for i, c := range cands[1:] {
		view := res.overlay(c)
		sc := Score(view, t, s.busyPenalty)
		switch {
		case sc > bestScore:
		case sc == bestScore && view.Load < bestLoad:
		default:
			continue
		}
		best, bestLoad, bestScore = i+1, view.Load, sc
	}
	return cands[best], nil
}

// noCapable names the first required capability no live agent declares. When
// each tag is covered by some agent but none covers all of them, the whole
// set is reported.
func (s *Selector) noCapable(t models.Task, exclude map[string]bool) error {
	snap := s.registry.snap.Load()
	for _, c := range t.Requires.Sorted() {
		found := false
		for _, in := range snap.infos {
			if !exclude[in.ID] && live(in) && in.Capabilities.Has(c) {
				found = true
				break
			}
		}
		if !found {
			return &models.NoCapableAgentError{Capability: c, TaskID: t.ID}
		}
	}
	capability := models.Capability(t.Requires.Key())
	if capability == "" {
		capability = models.Capability(t.Type)
	}
	return &models.NoCapableAgentError{Capability: capability, TaskID: t.ID}
}
