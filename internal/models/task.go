package models

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Capability is an opaque tag describing a class of work an agent can perform.
type Capability string

// CapabilitySet is an unordered set of capability tags.
type CapabilitySet map[Capability]struct{}

// NewCapabilitySet builds a set from the given tags, ignoring empty ones.
func NewCapabilitySet(tags ...Capability) CapabilitySet {
	s := make(CapabilitySet, len(tags))
	for _, t := range tags {
		if t == "" {
			continue
		}
		s[t] = struct{}{}
	}
	return s
}

// Has reports whether the set contains c.
func (s CapabilitySet) Has(c Capability) bool {
	_, ok := s[c]
	return ok
}

// ContainsAll reports whether every tag in req is in s.
func (s CapabilitySet) ContainsAll(req CapabilitySet) bool {
	for c := range req {
		if !s.Has(c) {
			return false
		}
	}
	return true
}

// Sorted returns the tags in lexical order.
func (s CapabilitySet) Sorted() []Capability {
	out := make([]Capability, 0, len(s))
	for c := range s {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Key returns a stable string form, used to group agents by capability set.
func (s CapabilitySet) Key() string {
	tags := s.Sorted()
	parts := make([]string, len(tags))
	for i, t := range tags {
		parts[i] = string(t)
	}
	return strings.Join(parts, ",")
}

func (s CapabilitySet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Sorted())
}

func (s *CapabilitySet) UnmarshalJSON(data []byte) error {
	var tags []Capability
	if err := json.Unmarshal(data, &tags); err != nil {
		return err
	}
	*s = NewCapabilitySet(tags...)
	return nil
}

// Priority orders tasks from low to critical.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

var priorityNames = [...]string{"low", "normal", "high", "critical"}

func (p Priority) String() string {
	if p < PriorityLow || p > PriorityCritical {
		return fmt.Sprintf("priority(%d)", int(p))
	}
	return priorityNames[p]
}

// ParsePriority maps a name to a Priority. The empty string is normal.
func ParsePriority(s string) (Priority, error) {
	if s == "" {
		return PriorityNormal, nil
	}
	for i, n := range priorityNames {
		if strings.EqualFold(n, s) {
			return Priority(i), nil
		}
	}
	return PriorityNormal, fmt.Errorf("unknown priority %q", s)
}

func (p Priority) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

func (p *Priority) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	v, err := ParsePriority(s)
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// ParamResource is the task parameter naming a mutually-exclusive resource.
// Two tasks declaring the same resource never run concurrently.
const ParamResource = "resource"

// Task is one unit of work produced by decomposition. Tasks are values and are
// never mutated once created; use NewTask to get private copies of the maps.
type Task struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	Description string         `json:"description,omitempty"`
	Params      map[string]any `json:"params,omitempty"`
	Requires    CapabilitySet  `json:"requires"`
	Priority    Priority       `json:"priority"`
	Deadline    *time.Time     `json:"deadline,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// NewTask returns a Task that owns copies of params and requires.
func NewTask(id, typ, desc string, params map[string]any, requires []Capability, prio Priority, createdAt time.Time) Task {
	cp := make(map[string]any, len(params))
	for k, v := range params {
		cp[k] = v
	}
	return Task{
		ID:          id,
		Type:        typ,
		Description: desc,
		Params:      cp,
		Requires:    NewCapabilitySet(requires...),
		Priority:    prio,
		CreatedAt:   createdAt,
	}
}

// Resources returns the mutually-exclusive resource tags declared in Params.
// Both a single string and a list of strings are accepted.
func (t Task) Resources() []string {
	v, ok := t.Params[ParamResource]
	if !ok {
		return nil
	}
	switch r := v.(type) {
	case string:
		if r == "" {
			return nil
		}
		return []string{r}
	case []string:
		return r
	case []any:
		out := make([]string, 0, len(r))
		for _, x := range r {
			if s, ok := x.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
