package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nidhogg/nuka-conductor/internal/agent"
	"github.com/nidhogg/nuka-conductor/internal/decompose"
	"github.com/nidhogg/nuka-conductor/internal/metrics"
	"github.com/nidhogg/nuka-conductor/internal/models"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

type decomposeFunc func(ctx context.Context, goal string, c decompose.Constraints) (*models.Structure, error)

func (f decomposeFunc) Decompose(ctx context.Context, goal string, c decompose.Constraints) (*models.Structure, error) {
	return f(ctx, goal, c)
}

func fixed(s *models.Structure) Decomposer {
	return decomposeFunc(func(context.Context, string, decompose.Constraints) (*models.Structure, error) {
		return s, nil
	})
}

func task(id string, offset int, caps ...models.Capability) models.Task {
	return models.NewTask(id, id, "do "+id, nil, caps, models.PriorityNormal, epoch.Add(time.Duration(offset)))
}

// gauge tracks concurrent executions.
type gauge struct {
	cur, max atomic.Int32
}

func (g *gauge) enter() {
	n := g.cur.Add(1)
	for {
		m := g.max.Load()
		if n <= m || g.max.CompareAndSwap(m, n) {
			return
		}
	}
}

func (g *gauge) leave() { g.cur.Add(-1) }

func sleeper(d time.Duration, g *gauge, payload map[string]any) agent.ExecuteFunc {
	return func(ctx context.Context, t models.Task, sc *agent.SessionContext) *models.Result {
		if g != nil {
			g.enter()
			defer g.leave()
		}
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return models.Failed(ctx.Err())
		}
		return models.Succeeded(payload, 0.9)
	}
}

func failing(calls *atomic.Int32) agent.ExecuteFunc {
	return func(ctx context.Context, t models.Task, sc *agent.SessionContext) *models.Result {
		if calls != nil {
			calls.Add(1)
		}
		return models.Failed(errors.New("model refused"))
	}
}

func counting(calls *atomic.Int32) agent.ExecuteFunc {
	return func(ctx context.Context, t models.Task, sc *agent.SessionContext) *models.Result {
		calls.Add(1)
		return models.Succeeded(map[string]any{"text": t.ID}, 1)
	}
}

func newRegistry(t *testing.T, agents ...agent.Agent) *agent.Registry {
	t.Helper()
	reg := agent.NewRegistry(nil)
	for _, a := range agents {
		require.NoError(t, reg.Register(a))
	}
	return reg
}

func noFailover() *Policy {
	return &Policy{Failover: false, Timeout: 5 * time.Second}
}

func TestTransitions(t *testing.T) {
	assert.NoError(t, Transition(StatePlanning, StateExecuting))
	assert.NoError(t, Transition(StateExecuting, StateExecuting))
	assert.NoError(t, Transition(StateExecuting, StateSynthesizing))
	assert.NoError(t, Transition(StateSynthesizing, StateTimedOut))
	assert.Error(t, Transition(StatePlanning, StateCompleted))
	assert.Error(t, Transition(StateCompleted, StateExecuting))
	assert.True(t, StateTimedOut.Terminal())
	assert.False(t, StateExecuting.Terminal())
}

func TestSummarizeAndExtractRunInOneParallelStage(t *testing.T) {
	g := &gauge{}
	reg := newRegistry(t,
		agent.NewFunc("summarizer", "Summarizer", sleeper(50*time.Millisecond, g, map[string]any{"summary": "D is short"}), "summarize"),
		agent.NewFunc("extractor", "Extractor", sleeper(50*time.Millisecond, g, map[string]any{"entities": []string{"ACME"}}), "extract-entities"),
	)
	structure := &models.Structure{
		Goal: "summarize and extract entities from document D",
		Tasks: []models.Task{
			task("summarize", 0, "summarize"),
			task("extract-entities", 1, "extract-entities"),
		},
	}
	o := New(reg, fixed(structure), nil, DefaultOptions(), nil)

	fr, err := o.Submit(context.Background(), Request{Goal: structure.Goal})
	require.NoError(t, err)
	assert.Equal(t, int32(2), g.max.Load(), "both tasks should run concurrently")
	require.Len(t, fr.Results, 2)
	assert.Equal(t, "summarize", fr.Results[0].TaskID)
	assert.Equal(t, "summarizer", fr.Results[0].AgentID)
	assert.Equal(t, 0, fr.Results[1].Stage)
	assert.False(t, fr.Partial)
	assert.Contains(t, fr.Summary, "D is short")
	assert.Contains(t, fr.Summary, `"ACME"`)
	assert.NotEmpty(t, fr.SessionID)
	assert.Empty(t, o.Sessions(), "finished sessions are destroyed")

	for _, in := range reg.Snapshot() {
		assert.Equal(t, models.AgentIdle, in.Status)
		assert.Equal(t, 1, in.Executions)
	}
}

func TestStageFailureStopsLaterStages(t *testing.T) {
	var stage3 atomic.Int32
	reg := newRegistry(t,
		agent.NewFunc("one", "one", sleeper(0, nil, nil), "fetch"),
		agent.NewFunc("two", "two", failing(nil), "analyze"),
		agent.NewFunc("two-alt", "two-alt", failing(nil), "analyze"),
		agent.NewFunc("three", "three", counting(&stage3), "report"),
	)
	structure := &models.Structure{
		Goal:         "three stages",
		Tasks:        []models.Task{task("fetch", 0, "fetch"), task("analyze", 1, "analyze"), task("report", 2, "report")},
		Dependencies: map[string][]string{"analyze": {"fetch"}, "report": {"analyze"}},
	}
	o := New(reg, fixed(structure), nil, DefaultOptions(), nil)

	_, err := o.Submit(context.Background(), Request{Goal: "three stages", Policy: noFailover()})
	require.Error(t, err)
	var se *SessionError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StateFailed, se.State)
	assert.Equal(t, 1, se.Stage)
	assert.Equal(t, "analyze", se.TaskID)
	assert.Equal(t, "stage_failed", se.Kind())
	assert.ErrorIs(t, err, models.ErrStageFailed)
	assert.ErrorIs(t, err, models.ErrTaskExecutionFailed)

	var sf *models.StageFailedError
	require.ErrorAs(t, err, &sf)
	assert.Equal(t, 1, sf.Failures)
	assert.Equal(t, int32(0), stage3.Load(), "stage 3 must never be dispatched")

	_, info, _ := reg.Get("two-alt")
	assert.Equal(t, 0, info.Executions, "failover disabled")
}

func TestSessionTimeoutDiscardsLateResult(t *testing.T) {
	var finished atomic.Bool
	stubborn := agent.NewFunc("stubborn", "stubborn", func(ctx context.Context, t models.Task, sc *agent.SessionContext) *models.Result {
		time.Sleep(500 * time.Millisecond)
		finished.Store(true)
		return models.Succeeded(map[string]any{"text": "too late"}, 1)
	}, "slow")
	reg := newRegistry(t, stubborn)
	structure := &models.Structure{Goal: "slow", Tasks: []models.Task{task("slow", 0, "slow")}}
	o := New(reg, fixed(structure), nil, DefaultOptions(), nil)

	start := time.Now()
	fr, err := o.Submit(context.Background(), Request{Goal: "slow", Policy: &Policy{Timeout: 50 * time.Millisecond}})
	elapsed := time.Since(start)

	assert.Nil(t, fr)
	require.ErrorIs(t, err, models.ErrSessionTimedOut)
	var se *SessionError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StateTimedOut, se.State)
	assert.Equal(t, 0, se.Stage)
	assert.Less(t, elapsed, 400*time.Millisecond)
	assert.False(t, finished.Load())

	// The agent is allowed to finish; its result goes nowhere.
	assert.Eventually(t, func() bool {
		_, in, _ := reg.Get("stubborn")
		return finished.Load() && in.Load == 0 && in.Status == models.AgentIdle
	}, 2*time.Second, 10*time.Millisecond)
}

func TestParallelResultsKeepTaskOrder(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	var mu sync.Mutex
	var finishOrder []string
	worker := agent.NewFunc("worker", "worker", func(ctx context.Context, t models.Task, sc *agent.SessionContext) *models.Result {
		mu.Lock()
		d := time.Duration(rng.Intn(40)+1) * time.Millisecond
		mu.Unlock()
		time.Sleep(d)
		mu.Lock()
		finishOrder = append(finishOrder, t.ID)
		mu.Unlock()
		return models.Succeeded(map[string]any{"text": t.ID}, 1)
	}, "work")
	reg := newRegistry(t, worker)

	var tasks []models.Task
	var want []string
	for i := 1; i <= 5; i++ {
		id := fmt.Sprintf("t%d", i)
		tasks = append(tasks, task(id, i, "work"))
		want = append(want, id)
	}
	o := New(reg, nil, nil, DefaultOptions(), nil)

	for round := 0; round < 5; round++ {
		mu.Lock()
		finishOrder = nil
		mu.Unlock()
		fr, err := o.Run(context.Background(), &models.Structure{Goal: "five", Tasks: tasks}, Request{})
		require.NoError(t, err)
		var got []string
		for _, r := range fr.Results {
			got = append(got, r.TaskID)
		}
		assert.Equal(t, want, got)
		assert.Len(t, finishOrder, 5)
	}
}

func TestSequentialStageForSharedResource(t *testing.T) {
	g := &gauge{}
	reg := newRegistry(t,
		agent.NewFunc("w1", "w1", sleeper(10*time.Millisecond, g, nil), "write"),
		agent.NewFunc("w2", "w2", sleeper(10*time.Millisecond, g, nil), "write"),
	)
	a := models.NewTask("a", "write", "", map[string]any{"resource": "ledger"}, []models.Capability{"write"}, models.PriorityNormal, epoch)
	b := models.NewTask("b", "write", "", map[string]any{"resource": "ledger"}, []models.Capability{"write"}, models.PriorityNormal, epoch.Add(1))
	o := New(reg, nil, nil, DefaultOptions(), nil)

	fr, err := o.Run(context.Background(), &models.Structure{Goal: "ledger", Tasks: []models.Task{a, b}}, Request{})
	require.NoError(t, err)
	assert.Len(t, fr.Results, 2)
	assert.Equal(t, int32(1), g.max.Load())
}

func TestFailoverToAlternateAgent(t *testing.T) {
	var primaryCalls atomic.Int32
	reg := newRegistry(t,
		agent.NewFunc("a-primary", "primary", failing(&primaryCalls), "translate"),
		agent.NewFunc("b-alt", "alternate", sleeper(0, nil, map[string]any{"text": "bonjour"}), "translate"),
	)
	structure := &models.Structure{Goal: "translate", Tasks: []models.Task{task("translate", 0, "translate")}}
	m := metrics.NewCollector("test", nil)
	o := New(reg, fixed(structure), nil, DefaultOptions(), nil)
	o.SetMetrics(m)

	_, events := o.SubmitStream(context.Background(), Request{Goal: "translate"})
	var got []Event
	for ev := range events {
		got = append(got, ev)
	}
	require.NotEmpty(t, got)
	done := got[len(got)-1]
	require.Equal(t, EventDone, done.Type)
	assert.Equal(t, StateCompleted, done.State)
	require.NotNil(t, done.Result)
	assert.Equal(t, "b-alt", done.Result.Results[0].AgentID)
	assert.Equal(t, "[translate] bonjour", done.Result.Summary)
	assert.Equal(t, int32(1), primaryCalls.Load())

	var failover *Event
	for i := range got {
		if got[i].Type == EventFailover {
			failover = &got[i]
		}
	}
	require.NotNil(t, failover)
	assert.Equal(t, "b-alt", failover.AgentID)
	assert.True(t, failover.Success)

	_, in, _ := reg.Get("a-primary")
	assert.Equal(t, 0.0, in.SuccessRate)
	n, err := testutil.GatherAndCount(m.Registry(), "test_failovers_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestFailoverExhaustedTriesOneAlternate(t *testing.T) {
	var aCalls, bCalls, cCalls atomic.Int32
	reg := newRegistry(t,
		agent.NewFunc("a", "a", failing(&aCalls), "translate"),
		agent.NewFunc("b", "b", failing(&bCalls), "translate"),
		agent.NewFunc("c", "c", failing(&cCalls), "translate"),
	)
	structure := &models.Structure{Goal: "translate", Tasks: []models.Task{task("translate", 0, "translate")}}
	o := New(reg, fixed(structure), nil, DefaultOptions(), nil)

	_, err := o.Submit(context.Background(), Request{Goal: "translate"})
	var se *SessionError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StateFailed, se.State)
	assert.Equal(t, "translate", se.TaskID)
	assert.ErrorIs(t, err, models.ErrStageFailed)
	assert.ErrorIs(t, err, models.ErrTaskExecutionFailed)

	assert.Equal(t, int32(1), aCalls.Load(), "primary")
	assert.Equal(t, int32(1), bCalls.Load(), "single alternate")
	assert.Equal(t, int32(0), cCalls.Load(), "failover budget is one alternate")
}

func TestAgentOfflineAfterPlanning(t *testing.T) {
	var targetCalls atomic.Int32
	reg := agent.NewRegistry(nil)
	require.NoError(t, reg.Register(agent.NewFunc("flipper", "flipper", func(ctx context.Context, t models.Task, sc *agent.SessionContext) *models.Result {
		if err := reg.SetStatus("target", models.AgentOffline); err != nil {
			return models.Failed(err)
		}
		return models.Succeeded(nil, 1)
	}, "first")))
	require.NoError(t, reg.Register(agent.NewFunc("target", "target", counting(&targetCalls), "second")))
	structure := &models.Structure{
		Goal:         "two stages",
		Tasks:        []models.Task{task("first", 0, "first"), task("second", 1, "second")},
		Dependencies: map[string][]string{"second": {"first"}},
	}
	o := New(reg, nil, nil, DefaultOptions(), nil)

	_, err := o.Run(context.Background(), structure, Request{})
	var se *SessionError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StateFailed, se.State)
	assert.Equal(t, 1, se.Stage)
	assert.ErrorIs(t, err, models.ErrAgentUnavailable)

	var te *models.TaskExecutionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "target", te.AgentID)
	assert.Equal(t, int32(0), targetCalls.Load())
}

func TestOfflineSoleCapableAgent(t *testing.T) {
	reg := newRegistry(t,
		agent.NewFunc("x-agent", "x", sleeper(0, nil, nil), "X"),
		agent.NewFunc("y-agent", "y", sleeper(0, nil, nil), "Y"),
		agent.NewFunc("z-agent", "z", sleeper(0, nil, nil), "Z"),
	)
	require.NoError(t, reg.SetStatus("x-agent", models.AgentOffline))
	o := New(reg, nil, nil, DefaultOptions(), nil)

	_, err := o.Run(context.Background(), &models.Structure{Goal: "x", Tasks: []models.Task{task("needs-x", 0, "X")}}, Request{})
	var se *SessionError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StateFailed, se.State)
	assert.Equal(t, models.Capability("X"), se.Capability)
	assert.Equal(t, "needs-x", se.TaskID)
	assert.Equal(t, -1, se.Stage)
	assert.ErrorIs(t, err, models.ErrNoCapableAgent)
	for _, in := range reg.Snapshot() {
		assert.Zero(t, in.Executions)
	}
}

func TestBestEffortSkipsDependents(t *testing.T) {
	var dependentCalls atomic.Int32
	reg := newRegistry(t,
		agent.NewFunc("broken", "broken", failing(nil), "fetch"),
		agent.NewFunc("reader", "reader", counting(&dependentCalls), "read"),
		agent.NewFunc("other", "other", sleeper(0, nil, map[string]any{"text": "independent"}), "other"),
	)
	structure := &models.Structure{
		Goal:         "partial",
		Tasks:        []models.Task{task("fetch", 0, "fetch"), task("other", 1, "other"), task("read", 2, "read")},
		Dependencies: map[string][]string{"read": {"fetch"}},
	}
	o := New(reg, nil, nil, DefaultOptions(), nil)

	fr, err := o.Run(context.Background(), structure, Request{Policy: &Policy{BestEffort: true, Failover: true, Timeout: time.Second}})
	require.NoError(t, err)
	assert.True(t, fr.Partial)
	assert.True(t, fr.Degraded)
	assert.Equal(t, []string{"fetch", "read"}, fr.FailedTasks)
	assert.Equal(t, int32(0), dependentCalls.Load())
	require.Len(t, fr.Results, 3)
	assert.ErrorIs(t, fr.Results[2].Result.Err, models.ErrDependencyFailed)
	assert.InDelta(t, 0.9, fr.Confidence, 1e-9)
}

func TestBestEffortNothingSucceeds(t *testing.T) {
	reg := newRegistry(t, agent.NewFunc("broken", "broken", failing(nil), "fetch"))
	o := New(reg, nil, nil, DefaultOptions(), nil)
	_, err := o.Run(context.Background(), &models.Structure{Goal: "g", Tasks: []models.Task{task("fetch", 0, "fetch")}},
		Request{Policy: &Policy{BestEffort: true}})
	var se *SessionError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "synthesis_failed", se.Kind())
	assert.Equal(t, StateFailed, se.State)
}

func TestMemoryUpdatesFlowToLaterStages(t *testing.T) {
	var seen atomic.Value
	writer := agent.NewFunc("writer", "writer", func(ctx context.Context, t models.Task, sc *agent.SessionContext) *models.Result {
		sc.Memory["scratch"] = "ignored"
		r := models.Succeeded(map[string]any{"text": "notes"}, 1)
		r.MemoryUpdates = map[string]any{"topic": "ACME"}
		return r
	}, "write")
	reader := agent.NewFunc("reader", "reader", func(ctx context.Context, t models.Task, sc *agent.SessionContext) *models.Result {
		dep := sc.Dependencies["write"]
		seen.Store(fmt.Sprintf("%v|%v|%v|%v", sc.Memory["topic"], sc.Memory["seed"], sc.Memory["scratch"], dep != nil && dep.Success))
		return models.Succeeded(map[string]any{"text": "done"}, 1)
	}, "read")
	reg := newRegistry(t, writer, reader)
	structure := &models.Structure{
		Goal:         "memory",
		Tasks:        []models.Task{task("write", 0, "write"), task("read", 1, "read")},
		Dependencies: map[string][]string{"read": {"write"}},
	}
	o := New(reg, nil, nil, DefaultOptions(), nil)

	_, err := o.Run(context.Background(), structure, Request{Memory: map[string]any{"seed": 1}})
	require.NoError(t, err)
	assert.Equal(t, "ACME|1|<nil>|true", seen.Load())
}

func TestAbortStreamingSession(t *testing.T) {
	started := make(chan struct{})
	blocker := agent.NewFunc("blocker", "blocker", func(ctx context.Context, t models.Task, sc *agent.SessionContext) *models.Result {
		close(started)
		<-ctx.Done()
		return models.Failed(ctx.Err())
	}, "wait")
	reg := newRegistry(t, blocker)
	structure := &models.Structure{Goal: "wait", Tasks: []models.Task{task("wait", 0, "wait")}}
	o := New(reg, fixed(structure), nil, DefaultOptions(), nil)

	id, events := o.SubmitStream(context.Background(), Request{Goal: "wait"})
	<-started
	sessions := o.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, id, sessions[0].ID)
	assert.Equal(t, StateExecuting, sessions[0].State)
	assert.Equal(t, 1, sessions[0].Tasks)

	require.NoError(t, o.Abort(id))
	var last Event
	for ev := range events {
		last = ev
	}
	assert.Equal(t, EventDone, last.Type)
	assert.Equal(t, StateFailed, last.State)
	assert.Equal(t, "session_aborted", last.Kind)
	assert.Eventually(t, func() bool {
		return errors.Is(o.Abort(id), ErrSessionNotFound)
	}, time.Second, 5*time.Millisecond)
}

func TestInvalidStructuresAreFatal(t *testing.T) {
	reg := newRegistry(t, agent.NewFunc("w", "w", sleeper(0, nil, nil), "work"))
	o := New(reg, nil, nil, DefaultOptions(), nil)

	cyclic := &models.Structure{
		Tasks:        []models.Task{task("a", 0, "work"), task("b", 1, "work")},
		Dependencies: map[string][]string{"a": {"b"}, "b": {"a"}},
	}
	_, err := o.Run(context.Background(), cyclic, Request{Policy: &Policy{BestEffort: true}})
	assert.ErrorIs(t, err, models.ErrCyclicDependency)

	dangling := &models.Structure{
		Tasks:        []models.Task{task("a", 0, "work")},
		Dependencies: map[string][]string{"a": {"ghost"}},
	}
	_, err = o.Run(context.Background(), dangling, Request{})
	assert.ErrorIs(t, err, models.ErrMalformedDecomposition)

	_, err = o.Run(context.Background(), nil, Request{})
	assert.ErrorIs(t, err, models.ErrMalformedDecomposition)
}

func TestDecomposerErrorsPropagate(t *testing.T) {
	reg := newRegistry(t)
	o := New(reg, decomposeFunc(func(context.Context, string, decompose.Constraints) (*models.Structure, error) {
		return nil, fmt.Errorf("%w: model offline", models.ErrCollaboratorUnavailable)
	}), nil, DefaultOptions(), nil)
	_, err := o.Submit(context.Background(), Request{Goal: "anything"})
	var se *SessionError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "collaborator_unavailable", se.Kind())
	assert.True(t, strings.Contains(se.Error(), "failed"))

	_, err = New(reg, nil, nil, DefaultOptions(), nil).Submit(context.Background(), Request{Goal: "x"})
	assert.ErrorIs(t, err, models.ErrCollaboratorUnavailable)
}

func TestPanickingAgentIsContained(t *testing.T) {
	reg := newRegistry(t,
		agent.NewFunc("wild", "wild", func(context.Context, models.Task, *agent.SessionContext) *models.Result {
			panic("boom")
		}, "work"),
	)
	o := New(reg, nil, nil, DefaultOptions(), nil)
	_, err := o.Run(context.Background(), &models.Structure{Tasks: []models.Task{task("a", 0, "work")}}, Request{})
	assert.ErrorIs(t, err, models.ErrStageFailed)
	assert.Contains(t, err.Error(), "a")

	_, in, _ := reg.Get("wild")
	assert.Equal(t, models.AgentError, in.Status)
	assert.Equal(t, 0, in.Load)
}

func TestGlobalConcurrencyCapsPool(t *testing.T) {
	g := &gauge{}
	reg := newRegistry(t, agent.NewFunc("w", "w", sleeper(15*time.Millisecond, g, nil), "work"))
	opts := DefaultOptions()
	opts.GlobalConcurrency = 2
	o := New(reg, nil, nil, opts, nil)

	var tasks []models.Task
	for i := 0; i < 6; i++ {
		tasks = append(tasks, task(fmt.Sprintf("t%d", i), i, "work"))
	}
	_, err := o.Run(context.Background(), &models.Structure{Tasks: tasks}, Request{})
	require.NoError(t, err)
	assert.LessOrEqual(t, g.max.Load(), int32(2))
}
