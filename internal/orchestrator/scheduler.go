package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nidhogg/nuka-conductor/internal/agent"
	"github.com/nidhogg/nuka-conductor/internal/models"
	"github.com/nidhogg/nuka-conductor/internal/planner"
	"go.uber.org/zap"
)

// taskRun is one task's outcome within a stage.
type taskRun struct {
	index   int
	task    models.Task
	agentID string
	result  *models.Result
	// failedOver names the agent the task was moved away from, if any.
	failedOver string
	skipped    bool
}

// executeStage dispatches a stage and blocks until every task is resolved or
// the session context is done. Results come back in stage order regardless of
// finish order. Runs whose result never arrived have a nil result.
func (o *Orchestrator) executeStage(ctx context.Context, sess *Session, st planner.Stage, pool chan struct{}, failed map[string]bool) ([]taskRun, error) {
	runs := make([]taskRun, len(st.Tasks))
	results := make(chan taskRun, len(st.Tasks))
	launched := 0

	launch := func(i int, at planner.AssignedTask) {
		sc := &agent.SessionContext{
			SessionID:    sess.ID,
			Goal:         sess.Goal,
			Stage:        st.Number,
			Memory:       sess.memorySnapshot(),
			Dependencies: sess.dependencyResults(sessDeps(sess, at.Task.ID)),
			Bus:          o.bus,
		}
		launched++
		go func() {
			select {
			case pool <- struct{}{}:
			case <-ctx.Done():
				results <- taskRun{index: i, task: at.Task, agentID: at.AgentID, result: models.Failed(context.Cause(ctx))}
				return
			}
			defer func() { <-pool }()
			results <- o.runTask(ctx, sess, i, at, sc)
		}()
	}

	// collect waits for n outstanding results. Late results stay in the
	// buffered channel and are never read.
	collect := func(n int) error {
		for ; n > 0; n-- {
			select {
			case r := <-results:
				runs[r.index] = r
				o.emitTask(sess, st.Number, r)
			case <-ctx.Done():
				return context.Cause(ctx)
			}
		}
		return nil
	}

	for i, at := range st.Tasks {
		runs[i] = taskRun{index: i, task: at.Task, agentID: at.AgentID}
		if dep := failedDependency(sess, at.Task.ID, failed); dep != "" {
			r := taskRun{
				index:   i,
				task:    at.Task,
				agentID: at.AgentID,
				result:  models.Failed(fmt.Errorf("%w: %s", models.ErrDependencyFailed, dep)),
				skipped: true,
			}
			runs[i] = r
			o.emitTask(sess, st.Number, r)
			continue
		}
		launch(i, at)
		if !st.Parallel {
			if err := collect(1); err != nil {
				return runs, err
			}
			launched = 0
			// The stage has already failed; later tasks in it are not started.
			if !runs[i].result.Success && !sess.Policy.BestEffort {
				break
			}
		}
	}
	if err := collect(launched); err != nil {
		return runs, err
	}
	return runs, nil
}

func sessDeps(sess *Session, id string) []string {
	sess.mu.RLock()
	defer sess.mu.RUnlock()
	if sess.structure == nil {
		return nil
	}
	return sess.structure.DependsOn(id)
}

// failedDependency returns the first dependency of id that did not succeed.
func failedDependency(sess *Session, id string, failed map[string]bool) string {
	for _, d := range sessDeps(sess, id) {
		if failed[d] {
			return d
		}
		if r, ok := sess.result(d); ok && !r.Success {
			return d
		}
	}
	return ""
}

// runTask executes one assigned task and, when the policy allows, retries it
// on alternate agents.
func (o *Orchestrator) runTask(ctx context.Context, sess *Session, index int, at planner.AssignedTask, sc *agent.SessionContext) taskRun {
	run := taskRun{index: index, task: at.Task, agentID: at.AgentID}
	run.result = o.dispatch(ctx, sess, at.AgentID, at.Task, sc)
	if run.result.Success || !sess.Policy.Failover || ctx.Err() != nil {
		return run
	}

	exclude := map[string]bool{at.AgentID: true}
	for attempt := 0; attempt < sess.Policy.MaxFailover; attempt++ {
		alt, err := o.selector.Select(at.Task, exclude)
		if err != nil {
			o.logger.Debug("no failover candidate",
				zap.String("session", sess.ID), zap.String("task", at.Task.ID), zap.Error(err))
			break
		}
		o.logger.Info("failing over task",
			zap.String("session", sess.ID),
			zap.String("task", at.Task.ID),
			zap.String("from", run.agentID),
			zap.String("to", alt.ID))
		res := o.dispatch(ctx, sess, alt.ID, at.Task, sc)
		o.metrics.Failover(res.Success)
		run.failedOver = run.agentID
		run.agentID = alt.ID
		run.result = res
		if res.Success || ctx.Err() != nil {
			break
		}
		exclude[alt.ID] = true
	}
	return run
}

// dispatch runs a task on one agent with the registry hooks around it.
func (o *Orchestrator) dispatch(ctx context.Context, sess *Session, agentID string, t models.Task, sc *agent.SessionContext) (res *models.Result) {
	a, info, ok := o.registry.Get(agentID)
	if !ok {
		return models.Failed(fmt.Errorf("%w: %s", models.ErrUnknownAgent, agentID))
	}
	if info.Status == models.AgentOffline || info.Status == models.AgentError {
		return models.Failed(fmt.Errorf("%w: agent %s is %s", models.ErrAgentUnavailable, agentID, info.Status))
	}
	if err := o.global.Acquire(ctx, 1); err != nil {
		return models.Failed(context.Cause(ctx))
	}
	defer o.global.Release(1)

	if err := o.registry.MarkBusy(agentID); err != nil {
		return models.Failed(err)
	}
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			o.logger.Error("agent panicked",
				zap.String("session", sess.ID), zap.String("task", t.ID), zap.String("agent", agentID), zap.Any("panic", p))
			res = models.Failed(fmt.Errorf("agent %s panicked: %v", agentID, p))
			res.Elapsed = time.Since(start)
			o.registry.MarkError(agentID)
		}
		o.registry.MarkIdle(agentID)
		o.registry.RecordOutcome(agentID, res.Success, res.Elapsed)
		o.metrics.TaskFinished(agentID, res.Success, res.Elapsed)
		if !res.Success {
			o.logger.Warn("task failed",
				zap.String("session", sess.ID), zap.String("task", t.ID), zap.String("agent", agentID), zap.Error(res.Err))
		}
	}()

	res = a.Execute(ctx, t, sc)
	if res == nil {
		res = models.Failed(errors.New("agent returned no result"))
	}
	if res.Elapsed == 0 {
		res.Elapsed = time.Since(start)
	}
	if !res.Success && res.Err == nil {
		res.Err = errors.New("agent reported failure without a cause")
	}
	return res
}

// stageFailure builds the error for a stage's unresolved failures, or nil.
func stageFailure(stage int, runs []taskRun) *models.StageFailedError {
	var tasks []*models.TaskExecutionError
	for _, r := range runs {
		// nil results belong to tasks that were never started.
		if r.result == nil || r.result.Success {
			continue
		}
		tasks = append(tasks, &models.TaskExecutionError{TaskID: r.task.ID, AgentID: r.agentID, Cause: r.result.Err})
	}
	if len(tasks) == 0 {
		return nil
	}
	return &models.StageFailedError{Stage: stage, Failures: len(tasks), Tasks: tasks}
}
