package agent

import (
	"context"
	"time"

	"github.com/nidhogg/nuka-conductor/internal/models"
)

// Agent is a capability-bearing worker. Execute must be safe to call
// concurrently with other agents, must return promptly once ctx is done, and
// reports recoverable failures through the result instead of panicking.
type Agent interface {
	ID() string
	Name() string
	Capabilities() models.CapabilitySet
	CanHandle(t models.Task) bool
	Execute(ctx context.Context, t models.Task, sc *SessionContext) *models.Result
}

// Messenger lets an agent send best-effort hints to other agents while it runs.
type Messenger interface {
	Send(ctx context.Context, from, to, kind, body string)
}

// SessionContext is what a task sees of its session.
type SessionContext struct {
	SessionID string
	Goal      string
	Stage     int
	// Memory is a read-only snapshot of the session working memory.
	Memory map[string]any
	// Dependencies holds the results of the tasks this task depends on, keyed by task ID.
	Dependencies map[string]*models.Result
	Bus          Messenger
}

// Hint sends a message through the session bus, if one is attached.
func (sc *SessionContext) Hint(ctx context.Context, from, to, body string) {
	if sc == nil || sc.Bus == nil {
		return
	}
	sc.Bus.Send(ctx, from, to, "hint", body)
}

// Base carries identity and declared capabilities and provides the default
// CanHandle. Concrete agents embed it.
type Base struct {
	id   string
	name string
	caps models.CapabilitySet
}

// NewBase creates a Base.
func NewBase(id, name string, caps ...models.Capability) Base {
	return Base{id: id, name: name, caps: models.NewCapabilitySet(caps...)}
}

func (b Base) ID() string                         { return b.id }
func (b Base) Name() string                       { return b.name }
func (b Base) Capabilities() models.CapabilitySet { return b.caps }

// CanHandle is true iff the task's required capabilities are all declared.
func (b Base) CanHandle(t models.Task) bool {
	return b.caps.ContainsAll(t.Requires)
}

// ExecuteFunc is the signature used by Func.
type ExecuteFunc func(ctx context.Context, t models.Task, sc *SessionContext) *models.Result

// Func adapts a plain function into an Agent.
type Func struct {
	Base
	fn ExecuteFunc
}

// NewFunc creates a function-backed agent.
func NewFunc(id, name string, fn ExecuteFunc, caps ...models.Capability) *Func {
	return &Func{Base: NewBase(id, name, caps...), fn: fn}
}

func (f *Func) Execute(ctx context.Context, t models.Task, sc *SessionContext) *models.Result {
	start := time.Now()
	r := f.fn(ctx, t, sc)
	if r != nil && r.Elapsed == 0 {
		r.Elapsed = time.Since(start)
	}
	return r
}
