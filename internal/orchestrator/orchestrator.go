// internal/orchestrator/orchestrator.go
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fawad-mazhar/kxcreation/internal/catalog"
	"github.com/fawad-mazhar/kxcreation/internal/config"
	"github.com/fawad-mazhar/kxcreation/internal/models"
	"github.com/fawad-mazhar/kxcreation/internal/queue"
	"github.com/fawad-mazhar/kxcreation/internal/storage"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

// ErrShuttingDown is returned when a run is submitted after Shutdown
var ErrShuttingDown = errors.New("orchestrator is shutting down")

const restartMessage = "interrupted by restart"

// Orchestrator drives pipeline runs against a TaskStore
type Orchestrator struct {
	id             string
	store          storage.TaskStore
	catalog        *catalog.Catalog
	notifier       queue.Notifier
	maxRuns        int
	healthInterval time.Duration

	slots   *semaphore.Weighted
	workers sync.WaitGroup

	// waitCtx is cancelled on Shutdown and releases runs still waiting for
	// a slot; runCtx is cancelled only when Shutdown times out.
	waitCtx    context.Context
	cancelWait context.CancelFunc
	runCtx     context.Context
	cancelRuns context.CancelFunc

	stopChan     chan struct{}
	startOnce    sync.Once
	isShutdown   bool
	shutdownLock sync.RWMutex

	active    atomic.Int64
	queued    atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
}

func NewOrchestrator(cfg config.OrchestratorConfig, store storage.TaskStore, cat *catalog.Catalog, notifier queue.Notifier) *Orchestrator {
	maxRuns := cfg.MaxConcurrentRuns
	if maxRuns <= 0 {
		maxRuns = config.DefaultMaxConcurrentRuns
	}
	interval := cfg.HealthInterval
	if interval <= 0 {
		interval = config.DefaultHealthInterval
	}
	if notifier == nil {
		notifier = queue.Noop{}
	}

	o := &Orchestrator{
		id:             uuid.New().String(),
		store:          store,
		catalog:        cat,
		notifier:       notifier,
		maxRuns:        maxRuns,
		healthInterval: interval,
		slots:          semaphore.NewWeighted(int64(maxRuns)),
		stopChan:       make(chan struct{}),
	}
	o.waitCtx, o.cancelWait = context.WithCancel(context.Background())
	o.runCtx, o.cancelRuns = context.WithCancel(context.Background())
	return o
}

// ID returns the orchestrator instance id
func (o *Orchestrator) ID() string {
	return o.id
}

// Start publishes STARTED, recovers tasks left behind by a previous process
// and starts the health ticker
func (o *Orchestrator) Start(ctx context.Context) error {
	started := false
	o.startOnce.Do(func() { started = true })
	if !started {
		return fmt.Errorf("orchestrator %s already started", o.id)
	}

	slog.Info("starting orchestrator", "id", o.id, "max_concurrent_runs", o.maxRuns)
	if err := o.publishStatus(models.OrchestratorStarted); err != nil {
		slog.Warn("failed to publish started status", "error", err)
	}

	if err := o.recoverTasks(ctx); err != nil {
		slog.Warn("task recovery failed", "error", err)
	}

	go o.runHealthChecks()
	return nil
}

// recoverTasks re-runs tasks a previous process left pending and fails the ones
// it left running
func (o *Orchestrator) recoverTasks(ctx context.Context) error {
	running, err := o.store.List(ctx, storage.ListFilter{Status: models.TaskStatusRunning})
	if err != nil {
		return fmt.Errorf("failed to list running tasks: %w", err)
	}
	for _, t := range running {
		stage := ""
		if p, err := o.catalog.Lookup(t.Pipeline); err == nil {
			stage = t.CurrentStageName(p.StageNames())
		}
		o.abort(ctx, t.ID, stage, errors.New(restartMessage))
	}

	pending, err := o.store.List(ctx, storage.ListFilter{Status: models.TaskStatusPending})
	if err != nil {
		return fmt.Errorf("failed to list pending tasks: %w", err)
	}
	for _, t := range pending {
		p, err := o.catalog.Lookup(t.Pipeline)
		if err != nil {
			o.abort(ctx, t.ID, "", err)
			continue
		}
		if err := o.StartRun(t.ID, t.Input, p); err != nil {
			return err
		}
	}

	if len(running)+len(pending) > 0 {
		slog.Info("recovered tasks", "failed", len(running), "restarted", len(pending))
	}
	return nil
}

// Submit resolves the request against the catalog, creates a pending task
// and starts its run. Nothing is created when the pipeline or input is
// rejected.
func (o *Orchestrator) Submit(ctx context.Context, name string, req models.PipelineRequest) (models.Task, error) {
	if o.IsShutdown() {
		return models.Task{}, ErrShuttingDown
	}

	p, input, err := o.catalog.Resolve(name, req)
	if err != nil {
		return models.Task{}, err
	}

	id, err := o.store.Create(ctx, p.Name, input, len(p.Stages))
	if err != nil {
		return models.Task{}, fmt.Errorf("failed to create task: %w", err)
	}
	task, err := o.store.Get(ctx, id)
	if err != nil {
		return models.Task{}, fmt.Errorf("failed to read created task: %w", err)
	}
	o.notifyTask(task)

	if err := o.StartRun(id, input, p); err != nil {
		o.abort(context.WithoutCancel(ctx), id, "", err)
		return models.Task{}, err
	}

	slog.Info("task submitted", "task_id", id, "pipeline", p.Name, "url", input.URL)
	return task, nil
}

// StartRun hands the run to its own goroutine and returns immediately. The
// task stays pending until a run slot is free.
func (o *Orchestrator) StartRun(taskID string, input models.PipelineInput, p *catalog.Pipeline) error {
	o.shutdownLock.RLock()
	defer o.shutdownLock.RUnlock()
	if o.isShutdown {
		return ErrShuttingDown
	}

	o.workers.Add(1)
	o.queued.Add(1)
	go func() {
		defer o.workers.Done()

		err := o.slots.Acquire(o.waitCtx, 1)
		o.queued.Add(-1)
		if err != nil {
			o.abort(context.Background(), taskID, "", ErrShuttingDown)
			return
		}
		defer o.slots.Release(1)

		o.active.Add(1)
		defer o.active.Add(-1)

		if err := o.Run(o.runCtx, taskID, input, p); err != nil {
			slog.Error("run ended abnormally", "task_id", taskID, "pipeline", p.Name, "error", err)
		}
	}()
	return nil
}

// abort fails a task that is not already terminal. Pending tasks pass
// through running so that observers see the usual path.
func (o *Orchestrator) abort(ctx context.Context, taskID, stage string, cause error) {
	now := time.Now().UTC()
	task, err := o.store.Update(ctx, taskID, func(t models.Task) (models.Task, error) {
		if t.Status.IsTerminal() {
			return t, errAlreadyTerminal
		}
		if t.Status == models.TaskStatusPending {
			return t, errStillPending
		}
		t.Status = models.TaskStatusFailed
		t.Error = (&models.StageError{Index: t.CurrentStageIndex, Stage: stage, Err: cause}).Info()
		t.CompletedAt = &now
		return t, nil
	})
	if errors.Is(err, errStillPending) {
		if _, err := o.store.Update(ctx, taskID, setRunning); err != nil && !errors.Is(err, errAlreadyTerminal) {
			slog.Error("failed to abort task", "task_id", taskID, "error", err)
			return
		}
		o.abort(ctx, taskID, stage, cause)
		return
	}
	if errors.Is(err, errAlreadyTerminal) {
		return
	}
	if err != nil {
		slog.Error("failed to abort task", "task_id", taskID, "error", err)
		return
	}

	o.failed.Add(1)
	slog.Warn("task aborted", "task_id", taskID, "reason", cause)
	o.notifyTask(task)
}

var (
	errAlreadyTerminal = errors.New("task already finished")
	errStillPending    = errors.New("task still pending")
)

func setRunning(t models.Task) (models.Task, error) {
	if t.Status != models.TaskStatusPending {
		return t, errAlreadyTerminal
	}
	t.Status = models.TaskStatusRunning
	return t, nil
}

// Shutdown stops accepting runs and waits for in-flight runs. Runs still
// waiting for a slot are failed. When timeout expires the remaining runs
// are cancelled and their tasks fail at the current stage.
func (o *Orchestrator) Shutdown(timeout time.Duration) error {
	o.shutdownLock.Lock()
	if o.isShutdown {
		o.shutdownLock.Unlock()
		return nil
	}
	o.isShutdown = true
	o.shutdownLock.Unlock()

	if err := o.publishStatus(models.OrchestratorStopping); err != nil {
		slog.Warn("failed to publish stopping status", "error", err)
	}

	close(o.stopChan)
	o.cancelWait()

	done := make(chan struct{})
	go func() {
		o.workers.Wait()
		close(done)
	}()

	var shutdownErr error
	select {
	case <-done:
	case <-time.After(timeout):
		shutdownErr = fmt.Errorf("shutdown timed out after %v", timeout)
		o.cancelRuns()
		select {
		case <-done:
		case <-time.After(timeout):
			slog.Error("runs still active after cancellation", "active", o.active.Load())
		}
	}
	o.cancelRuns()

	if err := o.publishStatus(models.OrchestratorStopped); err != nil {
		slog.Warn("failed to publish stopped status", "error", err)
	}
	slog.Info("orchestrator stopped", "id", o.id, "completed", o.completed.Load(), "failed", o.failed.Load())
	return shutdownErr
}

func (o *Orchestrator) IsShutdown() bool {
	o.shutdownLock.RLock()
	defer o.shutdownLock.RUnlock()
	return o.isShutdown
}

// Stats returns a snapshot of the run counters
func (o *Orchestrator) Stats() models.SystemStatus {
	return models.SystemStatus{
		OrchestratorID:    o.id,
		ActiveRuns:        o.active.Load(),
		QueuedRuns:        o.queued.Load(),
		CompletedRuns:     o.completed.Load(),
		FailedRuns:        o.failed.Load(),
		MaxConcurrentRuns: o.maxRuns,
		Accepting:         !o.IsShutdown(),
		UpdatedAt:         time.Now().UTC(),
	}
}

func (o *Orchestrator) publishStatus(event models.OrchestratorEventType) error {
	health := "healthy"
	if o.IsShutdown() {
		health = "stopping"
	}

	status := &models.OrchestratorStatus{
		ID:                o.id,
		Event:             event,
		Timestamp:         time.Now().UTC(),
		MaxConcurrentRuns: o.maxRuns,
		ActiveRuns:        o.active.Load(),
		HealthStatus:      health,
	}

	msg := &models.StatusMessage{
		Type:      "orchestrator",
		ID:        o.id,
		Status:    string(event),
		Timestamp: status.Timestamp,
		Metadata:  status,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := o.notifier.PublishStatus(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish status: %w", err)
	}
	return nil
}

func (o *Orchestrator) notifyTask(t models.Task) {
	msg := &models.StatusMessage{
		Type:      "task",
		ID:        t.ID,
		Status:    string(t.Status),
		Timestamp: t.UpdatedAt,
		Metadata: models.TaskEvent{
			Pipeline:    t.Pipeline,
			StageIndex:  t.CurrentStageIndex,
			TotalStages: t.TotalStages,
			Error:       t.Error,
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := o.notifier.PublishStatus(ctx, msg); err != nil {
		slog.Debug("failed to publish task status", "task_id", t.ID, "error", err)
	}
}

func (o *Orchestrator) runHealthChecks() {
	ticker := time.NewTicker(o.healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.stopChan:
			return
		case <-ticker.C:
			if err := o.publishStatus(models.OrchestratorHealthy); err != nil {
				slog.Warn("failed to publish health status", "error", err)
			}
		}
	}
}
