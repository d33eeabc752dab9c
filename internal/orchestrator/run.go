// internal/orchestrator/run.go
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/fawad-mazhar/kxcreation/internal/catalog"
	"github.com/fawad-mazhar/kxcreation/internal/models"
	"github.com/fawad-mazhar/kxcreation/internal/stages"
)

// Run executes every stage of p in order against the task. Stage failures
// become task state and are not returned; the returned error reports store
// failures or invalid transitions, both of which end the run.
func (o *Orchestrator) Run(ctx context.Context, taskID string, input models.PipelineInput, p *catalog.Pipeline) error {
	// Store writes must land even when the run itself is cancelled.
	storeCtx := context.WithoutCancel(ctx)

	// Only a pending task may start, so a task is never run twice.
	task, err := o.store.Update(storeCtx, taskID, func(t models.Task) (models.Task, error) {
		if t.Status != models.TaskStatusPending {
			return t, fmt.Errorf("%w: task %s is %s, not pending", models.ErrInvalidTransition, t.ID, t.Status)
		}
		t.Status = models.TaskStatusRunning
		return t, nil
	})
	if err != nil {
		return fmt.Errorf("failed to mark task running: %w", err)
	}
	o.notifyTask(task)
	slog.Info("run started", "task_id", taskID, "pipeline", p.Name, "stages", len(p.Stages))

	results := task.StageResults
	for i := task.CurrentStageIndex; i < len(p.Stages); i++ {
		st := p.Stages[i]
		slog.Debug("stage started", "task_id", taskID, "stage", st.Name, "index", i)

		started := time.Now()
		result, err := o.runStage(ctx, i, st, &stages.StageContext{
			Input:   input,
			Results: slices.Clone(results),
		})
		if err != nil {
			var stageErr *models.StageError
			errors.As(err, &stageErr)
			return o.fail(storeCtx, taskID, stageErr)
		}

		finished := time.Now().UTC()
		result.Stage = st.Name
		result.Kind = st.Kind
		result.DurationMs = time.Since(started).Milliseconds()
		result.CompletedAt = finished
		last := i == len(p.Stages)-1

		task, err = o.store.Update(storeCtx, taskID, func(t models.Task) (models.Task, error) {
			t.StageResults = append(t.StageResults, result)
			t.CurrentStageIndex = i + 1
			if last {
				t.Status = models.TaskStatusCompleted
				t.CompletedAt = &finished
			}
			return t, nil
		})
		if err != nil {
			return fmt.Errorf("failed to record stage %q: %w", st.Name, err)
		}
		results = task.StageResults
		o.notifyTask(task)
		slog.Debug("stage completed", "task_id", taskID, "stage", st.Name, "duration_ms", result.DurationMs)
	}

	o.completed.Add(1)
	slog.Info("run completed", "task_id", taskID, "pipeline", p.Name)
	return nil
}

// runStage invokes a single stage under its own timeout. It returns as soon
// as the timeout fires, without waiting for the stage to notice.
func (o *Orchestrator) runStage(ctx context.Context, index int, st stages.Stage, sc *stages.StageContext) (models.StageResult, error) {
	stageCtx, cancel := context.WithTimeout(ctx, st.Timeout)
	defer cancel()

	type outcome struct {
		result models.StageResult
		err    error
	}
	ch := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{err: fmt.Errorf("stage panicked: %v", r)}
			}
		}()
		result, err := st.Execute(stageCtx, sc)
		ch <- outcome{result: result, err: err}
	}()

	stageErr := func(err error, timedOut bool) error {
		return &models.StageError{Index: index, Stage: st.Name, TimedOut: timedOut, Err: err}
	}

	select {
	case out := <-ch:
		if out.err != nil {
			timedOut := errors.Is(stageCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
			return models.StageResult{}, stageErr(out.err, timedOut)
		}
		return out.result, nil
	case <-stageCtx.Done():
		if ctx.Err() != nil {
			return models.StageResult{}, stageErr(fmt.Errorf("run cancelled: %w", ctx.Err()), false)
		}
		return models.StageResult{}, stageErr(fmt.Errorf("no result after %v", st.Timeout), true)
	}
}

func (o *Orchestrator) fail(ctx context.Context, taskID string, stageErr *models.StageError) error {
	now := time.Now().UTC()
	task, err := o.store.Update(ctx, taskID, func(t models.Task) (models.Task, error) {
		t.Status = models.TaskStatusFailed
		t.Error = stageErr.Info()
		t.CompletedAt = &now
		return t, nil
	})
	if err != nil {
		return fmt.Errorf("failed to record stage failure: %w", err)
	}

	o.failed.Add(1)
	slog.Warn("run failed", "task_id", taskID, "stage", stageErr.Stage, "index", stageErr.Index,
		"timed_out", stageErr.TimedOut, "error", stageErr.Err)
	o.notifyTask(task)
	return nil
}
