// Package orchestrator runs goals end to end: decompose, plan, execute stage
// by stage, then synthesize.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/nuka-conductor/internal/agent"
	"github.com/nidhogg/nuka-conductor/internal/decompose"
	"github.com/nidhogg/nuka-conductor/internal/metrics"
	"github.com/nidhogg/nuka-conductor/internal/models"
	"github.com/nidhogg/nuka-conductor/internal/planner"
	"github.com/nidhogg/nuka-conductor/internal/synthesis"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Decomposer turns a goal into a task structure.
type Decomposer interface {
	Decompose(ctx context.Context, goal string, c decompose.Constraints) (*models.Structure, error)
}

// Synthesizer folds task outcomes into the final result.
type Synthesizer interface {
	Synthesize(ctx context.Context, goal string, criteria []string, outcomes []synthesis.TaskOutcome) (*synthesis.FinalResult, error)
}

// Orchestrator is the engine control loop. It is safe for concurrent use;
// each session runs on the goroutine that submitted it.
type Orchestrator struct {
	registry    *agent.Registry
	selector    *agent.Selector
	planner     *planner.Planner
	decomposer  Decomposer
	synthesizer Synthesizer
	bus         agent.Messenger
	metrics     *metrics.Collector
	global      *semaphore.Weighted
	globalLimit int
	opts        Options

	mu       sync.RWMutex
	sessions map[string]*Session

	logger *zap.Logger
}

// New creates an Orchestrator over reg.
func New(reg *agent.Registry, dec Decomposer, syn Synthesizer, opts Options, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.GlobalConcurrency <= 0 {
		opts.GlobalConcurrency = DefaultOptions().GlobalConcurrency
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = DefaultOptions().EventBuffer
	}
	if opts.Policy.MaxFailover <= 0 {
		opts.Policy.MaxFailover = 1
	}
	if syn == nil {
		syn = synthesis.New(nil, 0, logger)
	}
	sel := agent.NewSelector(reg, opts.BusyPenalty)
	return &Orchestrator{
		registry:    reg,
		selector:    sel,
		planner:     planner.New(sel, logger),
		decomposer:  dec,
		synthesizer: syn,
		global:      semaphore.NewWeighted(int64(opts.GlobalConcurrency)),
		globalLimit: opts.GlobalConcurrency,
		opts:        opts,
		sessions:    make(map[string]*Session),
		logger:      logger.With(zap.String("component", "orchestrator")),
	}
}

// SetBus attaches the bus handed to agents for hints.
func (o *Orchestrator) SetBus(b agent.Messenger) { o.bus = b }

// SetMetrics attaches a metrics collector.
func (o *Orchestrator) SetMetrics(m *metrics.Collector) { o.metrics = m }

// DefaultPolicy is the policy used when a request carries none.
func (o *Orchestrator) DefaultPolicy() Policy { return o.opts.Policy }

// Registry returns the agent registry.
func (o *Orchestrator) Registry() *agent.Registry { return o.registry }

// Submit runs a goal to completion. It returns a FinalResult, possibly marked
// partial, or a *SessionError naming the stage, task and capability at fault.
func (o *Orchestrator) Submit(ctx context.Context, req Request) (*synthesis.FinalResult, error) {
	sess, sctx, release := o.open(ctx, req, false)
	defer release()
	return o.run(sctx, sess, req, nil)
}

// Run executes a caller-supplied structure, skipping decomposition.
func (o *Orchestrator) Run(ctx context.Context, s *models.Structure, req Request) (*synthesis.FinalResult, error) {
	if req.Goal == "" && s != nil {
		req.Goal = s.Goal
	}
	sess, sctx, release := o.open(ctx, req, false)
	defer release()
	if s == nil {
		s = &models.Structure{}
	}
	return o.run(sctx, sess, req, s)
}

// SubmitStream starts a goal in the background and returns its session ID and
// a channel of progress events. The channel is closed after the done event.
func (o *Orchestrator) SubmitStream(ctx context.Context, req Request) (string, <-chan Event) {
	sess, sctx, release := o.open(ctx, req, true)
	go func() {
		defer release()
		o.run(sctx, sess, req, nil)
	}()
	return sess.ID, sess.events
}

// Abort cancels a running session. It ends Failed with ErrSessionAborted.
func (o *Orchestrator) Abort(sessionID string) error {
	o.mu.RLock()
	sess, ok := o.sessions[sessionID]
	o.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	o.logger.Info("aborting session", zap.String("session", sessionID))
	sess.cancel(models.ErrSessionAborted)
	return nil
}

// Sessions lists in-flight sessions, oldest first.
func (o *Orchestrator) Sessions() []SessionInfo {
	o.mu.RLock()
	out := make([]SessionInfo, 0, len(o.sessions))
	for _, s := range o.sessions {
		out = append(out, s.Info())
	}
	o.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Session returns an in-flight session.
func (o *Orchestrator) Session(id string) (*Session, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	s, ok := o.sessions[id]
	return s, ok
}

func (o *Orchestrator) policyFor(req Request) Policy {
	p := o.opts.Policy
	if req.Policy != nil {
		p = *req.Policy
	}
	if p.MaxFailover <= 0 {
		p.MaxFailover = 1
	}
	return p
}

// open registers a session and derives its context: the deadline maps to
// ErrSessionTimedOut, Abort to ErrSessionAborted.
func (o *Orchestrator) open(ctx context.Context, req Request, stream bool) (*Session, context.Context, func()) {
	policy := o.policyFor(req)
	sess := newSession(uuid.New().String(), req.Goal, policy, req.Memory)
	if stream {
		sess.events = make(chan Event, o.opts.EventBuffer)
	}

	sctx := ctx
	cancelTimeout := func() {}
	if policy.Timeout > 0 {
		sctx, cancelTimeout = context.WithTimeoutCause(ctx, policy.Timeout, models.ErrSessionTimedOut)
	}
	sctx, cancel := context.WithCancelCause(sctx)
	sess.cancel = cancel

	o.mu.Lock()
	o.sessions[sess.ID] = sess
	o.mu.Unlock()
	o.metrics.SessionStarted()

	release := func() {
		cancel(nil)
		cancelTimeout()
		o.mu.Lock()
		delete(o.sessions, sess.ID)
		o.mu.Unlock()
	}
	return sess, sctx, release
}

// run drives the state machine for one session.
func (o *Orchestrator) run(ctx context.Context, sess *Session, req Request, structure *models.Structure) (*synthesis.FinalResult, error) {
	log := o.logger.With(zap.String("session", sess.ID))
	o.emit(sess, Event{Type: EventState, State: StatePlanning, Stage: -1})

	if structure == nil {
		if o.decomposer == nil {
			return o.fail(ctx, sess, -1, fmt.Errorf("%w: no decomposer configured", models.ErrCollaboratorUnavailable))
		}
		s, err := o.decomposer.Decompose(ctx, req.Goal, req.Constraints)
		if err != nil {
			return o.fail(ctx, sess, -1, err)
		}
		structure = s
	}
	if err := structure.Validate(); err != nil {
		return o.fail(ctx, sess, -1, err)
	}
	plan, err := o.planner.Plan(structure)
	if err != nil {
		return o.fail(ctx, sess, -1, err)
	}
	sess.setPlan(structure, plan)
	if ctx.Err() != nil {
		return o.fail(ctx, sess, -1, ctx.Err())
	}

	poolSize := sess.Policy.MaxConcurrency
	if poolSize <= 0 {
		poolSize = plan.MaxWidth()
	}
	if poolSize > o.globalLimit {
		poolSize = o.globalLimit
	}
	pool := make(chan struct{}, poolSize)
	log.Info("plan ready",
		zap.Int("stages", len(plan.Stages)),
		zap.Int("tasks", plan.TaskCount()),
		zap.Int("pool", poolSize))

	failed := make(map[string]bool)
	var outcomes []synthesis.TaskOutcome
	for _, st := range plan.Stages {
		if err := sess.transition(StateExecuting, st.Number); err != nil {
			return o.fail(ctx, sess, st.Number, err)
		}
		o.emit(sess, Event{Type: EventStageStarted, State: StateExecuting, Stage: st.Number})

		runs, err := o.executeStage(ctx, sess, st, pool, failed)
		if err != nil {
			// Results that did arrive before the deadline are dropped with the rest.
			return o.fail(ctx, sess, st.Number, err)
		}
		sess.record(runs)
		sf := stageFailure(st.Number, runs)
		o.metrics.StageFinished(st.Parallel, sf != nil)
		o.emit(sess, Event{Type: EventStageFinished, Stage: st.Number, Success: sf == nil})
		o.publishAgentStatuses()

		if sf != nil {
			if !sess.Policy.BestEffort {
				return o.fail(ctx, sess, st.Number, sf)
			}
			log.Warn("stage has failures, continuing in best-effort mode",
				zap.Int("stage", st.Number), zap.Int("failures", sf.Failures))
		}
		for _, r := range runs {
			if r.result == nil {
				continue
			}
			if !r.result.Success {
				failed[r.task.ID] = true
			}
			outcomes = append(outcomes, synthesis.TaskOutcome{
				TaskID:  r.task.ID,
				Type:    r.task.Type,
				AgentID: r.agentID,
				Stage:   st.Number,
				Result:  r.result,
			})
		}
	}

	if err := sess.transition(StateSynthesizing, -1); err != nil {
		return o.fail(ctx, sess, -1, err)
	}
	o.emit(sess, Event{Type: EventState, State: StateSynthesizing, Stage: -1})
	fr, err := o.synthesizer.Synthesize(ctx, structure.Goal, structure.SuccessCriteria, outcomes)
	if err != nil {
		if !errors.Is(err, models.ErrSynthesisFailed) {
			err = &models.SynthesisError{Cause: err}
		}
		return o.fail(ctx, sess, -1, err)
	}
	if ctx.Err() != nil {
		return o.fail(ctx, sess, -1, ctx.Err())
	}
	fr.SessionID = sess.ID
	fr.Elapsed = time.Since(sess.StartedAt)

	sess.finish(StateCompleted, nil)
	o.metrics.SessionFinished(string(StateCompleted), fr.Elapsed)
	log.Info("session completed",
		zap.Duration("elapsed", fr.Elapsed),
		zap.Bool("partial", fr.Partial),
		zap.Float64("confidence", fr.Confidence))
	o.emit(sess, Event{Type: EventDone, State: StateCompleted, Stage: -1, Success: true, Progress: 1, Result: fr})
	o.closeEvents(sess)
	return fr, nil
}

// fail ends the session. When the session context is done the cause decides
// between TimedOut and an aborted Failed, whatever err says.
func (o *Orchestrator) fail(ctx context.Context, sess *Session, stage int, err error) (*synthesis.FinalResult, error) {
	state := StateFailed
	if ctx.Err() != nil {
		cause := context.Cause(ctx)
		switch {
		case errors.Is(cause, models.ErrSessionTimedOut), errors.Is(cause, context.DeadlineExceeded):
			state = StateTimedOut
			err = models.ErrSessionTimedOut
		case errors.Is(cause, models.ErrSessionAborted):
			err = models.ErrSessionAborted
		default:
			err = fmt.Errorf("%w: %v", models.ErrSessionAborted, cause)
		}
	}
	se := newSessionError(sess.ID, state, stage, err)
	sess.finish(state, se)
	o.metrics.SessionFinished(string(state), time.Since(sess.StartedAt))
	o.logger.Error("session ended",
		zap.String("session", sess.ID),
		zap.String("state", string(state)),
		zap.Int("stage", se.Stage),
		zap.String("kind", se.Kind()),
		zap.Error(err))
	o.emit(sess, Event{Type: EventDone, State: state, Stage: se.Stage, TaskID: se.TaskID, Error: se.Error(), Kind: se.Kind()})
	o.closeEvents(sess)
	return nil, se
}

func (o *Orchestrator) emitTask(sess *Session, stage int, r taskRun) {
	if r.failedOver != "" {
		o.emit(sess, Event{Type: EventFailover, Stage: stage, TaskID: r.task.ID, AgentID: r.agentID, Success: r.result != nil && r.result.Success})
	}
	ev := Event{Type: EventTaskFinished, Stage: stage, TaskID: r.task.ID, AgentID: r.agentID}
	if r.result != nil {
		ev.Success = r.result.Success
		if r.result.Err != nil {
			ev.Error = r.result.Err.Error()
		}
	}
	o.emit(sess, ev)
}

// emit is called only from the session goroutine. A full channel drops the event.
func (o *Orchestrator) emit(sess *Session, ev Event) {
	if sess.events == nil {
		return
	}
	ev.SessionID = sess.ID
	ev.Time = time.Now()
	if ev.Progress == 0 {
		ev.Progress = sess.snapshotProgress()
	}
	select {
	case sess.events <- ev:
	default:
		o.logger.Warn("progress event dropped", zap.String("session", sess.ID), zap.String("type", string(ev.Type)))
	}
}

func (o *Orchestrator) closeEvents(sess *Session) {
	if sess.events != nil {
		close(sess.events)
	}
}

func (o *Orchestrator) publishAgentStatuses() {
	if o.metrics == nil {
		return
	}
	counts := make(map[string]int)
	for _, in := range o.registry.Snapshot() {
		counts[string(in.Status)]++
	}
	o.metrics.SetAgentStatuses(counts)
}
