package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fawad-mazhar/kxcreation/internal/catalog"
	"github.com/fawad-mazhar/kxcreation/internal/config"
	"github.com/fawad-mazhar/kxcreation/internal/models"
	"github.com/fawad-mazhar/kxcreation/internal/stages"
	"github.com/fawad-mazhar/kxcreation/internal/storage"
	"github.com/fawad-mazhar/kxcreation/internal/storage/memory"
)

type recorder struct {
	mu   sync.Mutex
	msgs []models.StatusMessage
}

func (r *recorder) PublishStatus(_ context.Context, msg *models.StatusMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, *msg)
	return nil
}

func (r *recorder) Close() error { return nil }

func (r *recorder) statuses(typ, id string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, m := range r.msgs {
		if m.Type == typ && m.ID == id {
			out = append(out, m.Status)
		}
	}
	return out
}

func stubAdapters() catalog.Adapters {
	return catalog.Adapters{
		Fetcher: stages.FetcherFunc(func(_ context.Context, url string, _ models.FetchOptions) (*models.Document, error) {
			return &models.Document{URL: url, Title: "Title", Content: "Body"}, nil
		}),
		Analyzer: stages.AnalyzerFunc(func(_ context.Context, doc *models.Document) (*models.Insight, error) {
			return &models.Insight{Summary: doc.Title}, nil
		}),
		Composer: stages.ComposerFunc(func(_ context.Context, in *models.Insight, style models.StyleParams) (*models.Draft, error) {
			return &models.Draft{Title: in.Summary, WordCount: style.WordCount}, nil
		}),
		Publisher: stages.PublisherFunc(func(_ context.Context, d *models.Draft, _ models.PublishParams) (*models.Receipt, error) {
			return &models.Receipt{Success: true, Platform: "stub", DraftID: "d-1"}, nil
		}),
	}
}

func stubPipeline(name string, timeout time.Duration) config.PipelineDefinition {
	return config.PipelineDefinition{
		Name: name,
		Stages: []config.StageDefinition{
			{Name: "fetch", Kind: models.StageFetch, Timeout: timeout},
			{Name: "analyze", Kind: models.StageAnalyze, Timeout: timeout},
			{Name: "compose", Kind: models.StageCompose, Timeout: timeout},
			{Name: "publish", Kind: models.StagePublish, Timeout: timeout},
		},
		Defaults: models.Params{WordCount: 1000, ArticleStyle: "professional"},
	}
}

type fixture struct {
	orch  *Orchestrator
	store storage.TaskStore
	rec   *recorder
}

func newFixture(t *testing.T, adapters catalog.Adapters, maxRuns int, stageTimeout time.Duration) *fixture {
	t.Helper()
	cat, err := catalog.New([]config.PipelineDefinition{stubPipeline("stub", stageTimeout)}, adapters,
		catalog.Limits{MinWordCount: 300, MaxWordCount: 5000})
	if err != nil {
		t.Fatalf("catalog.New: %v", err)
	}
	store := memory.NewStore()
	rec := &recorder{}
	orch := NewOrchestrator(config.OrchestratorConfig{MaxConcurrentRuns: maxRuns, HealthInterval: time.Hour}, store, cat, rec)
	t.Cleanup(func() {
		orch.Shutdown(2 * time.Second)
		store.Close()
	})
	return &fixture{orch: orch, store: store, rec: rec}
}

func waitTerminal(t *testing.T, store storage.TaskStore, id string, within time.Duration) models.Task {
	t.Helper()
	deadline := time.Now().Add(within)
	for {
		task, err := store.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("Get(%s): %v", id, err)
		}
		if task.Status.IsTerminal() {
			return task
		}
		if time.Now().After(deadline) {
			t.Fatalf("task %s still %s after %v", id, task.Status, within)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// waitStats polls until ok accepts the counters. Counters move just after
// the store update that a test observes.
func waitStats(t *testing.T, o *Orchestrator, ok func(models.SystemStatus) bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !ok(o.Stats()) {
		if time.Now().After(deadline) {
			t.Fatalf("stats = %+v", o.Stats())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func req(url string) models.PipelineRequest {
	return models.PipelineRequest{URL: url}
}

func TestSubmitCompletesAllStages(t *testing.T) {
	f := newFixture(t, stubAdapters(), 2, time.Second)

	task, err := f.orch.Submit(context.Background(), "stub", req("https://example.com/a"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if task.Status != models.TaskStatusPending {
		t.Fatalf("submitted task status = %s, want pending", task.Status)
	}

	done := waitTerminal(t, f.store, task.ID, 2*time.Second)
	if done.Status != models.TaskStatusCompleted {
		t.Fatalf("status = %s, error = %+v", done.Status, done.Error)
	}
	if len(done.StageResults) != 4 || done.CurrentStageIndex != 4 {
		t.Fatalf("results = %d, index = %d, want 4/4", len(done.StageResults), done.CurrentStageIndex)
	}
	if done.CompletedAt == nil || done.Error != nil {
		t.Fatalf("completedAt = %v, error = %+v", done.CompletedAt, done.Error)
	}

	wantKinds := []models.StageKind{models.StageFetch, models.StageAnalyze, models.StageCompose, models.StagePublish}
	for i, r := range done.StageResults {
		if r.Kind != wantKinds[i] || r.Stage != string(wantKinds[i]) {
			t.Errorf("result %d = %s/%s, want %s", i, r.Stage, r.Kind, wantKinds[i])
		}
	}
	if got := done.StageResults[2].Draft.WordCount; got != 1000 {
		t.Errorf("draft word count = %d, want default 1000", got)
	}
	if done.StageResults[3].Receipt == nil || !done.StageResults[3].Receipt.Success {
		t.Errorf("publish receipt = %+v", done.StageResults[3].Receipt)
	}

	// Events only move forward through the status order.
	rank := map[string]int{"pending": 0, "running": 1, "completed": 2, "failed": 2}
	events := f.rec.statuses("task", task.ID)
	if len(events) == 0 || events[0] != "pending" || events[len(events)-1] != "completed" {
		t.Fatalf("task events = %v", events)
	}
	for i := 1; i < len(events); i++ {
		if rank[events[i]] < rank[events[i-1]] {
			t.Fatalf("events regress: %v", events)
		}
	}

	waitStats(t, f.orch, func(s models.SystemStatus) bool { return s.CompletedRuns == 1 && s.FailedRuns == 0 })
}

func TestStageFailureKeepsEarlierResults(t *testing.T) {
	adapters := stubAdapters()
	adapters.Composer = stages.ComposerFunc(func(context.Context, *models.Insight, models.StyleParams) (*models.Draft, error) {
		return nil, errors.New("model unavailable")
	})
	f := newFixture(t, adapters, 2, time.Second)

	task, err := f.orch.Submit(context.Background(), "stub", req("https://example.com/b"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	done := waitTerminal(t, f.store, task.ID, 2*time.Second)
	if done.Status != models.TaskStatusFailed {
		t.Fatalf("status = %s, want failed", done.Status)
	}
	if len(done.StageResults) != 2 {
		t.Fatalf("results = %d, want 2", len(done.StageResults))
	}
	if done.Error == nil || done.Error.StageIndex != 2 || done.Error.Stage != "compose" || done.Error.TimedOut {
		t.Fatalf("error = %+v", done.Error)
	}
	if done.Error.Message != "model unavailable" {
		t.Fatalf("message = %q", done.Error.Message)
	}
	waitStats(t, f.orch, func(s models.SystemStatus) bool { return s.FailedRuns == 1 })
}

func TestSubmitRejectsWithoutCreating(t *testing.T) {
	f := newFixture(t, stubAdapters(), 2, time.Second)
	ctx := context.Background()

	if _, err := f.orch.Submit(ctx, "missing", req("https://example.com")); !errors.Is(err, models.ErrUnknownPipeline) {
		t.Fatalf("unknown pipeline err = %v", err)
	}
	if _, err := f.orch.Submit(ctx, "stub", req("ftp://example.com")); !errors.Is(err, models.ErrInvalidInput) {
		t.Fatalf("bad url err = %v", err)
	}
	tiny := 10
	if _, err := f.orch.Submit(ctx, "stub", models.PipelineRequest{URL: "https://example.com", WordCount: &tiny}); !errors.Is(err, models.ErrInvalidInput) {
		t.Fatalf("small word count err = %v", err)
	}

	tasks, err := f.store.List(ctx, storage.ListFilter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(tasks) != 0 {
		t.Fatalf("rejected submissions created %d tasks", len(tasks))
	}
}

func TestStageTimeoutDoesNotWaitForAdapter(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	adapters := stubAdapters()
	adapters.Fetcher = stages.FetcherFunc(func(context.Context, string, models.FetchOptions) (*models.Document, error) {
		<-release // ignores its context
		return &models.Document{}, nil
	})
	f := newFixture(t, adapters, 2, 50*time.Millisecond)

	start := time.Now()
	task, err := f.orch.Submit(context.Background(), "stub", req("https://example.com/slow"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	done := waitTerminal(t, f.store, task.ID, time.Second)
	elapsed := time.Since(start)
	if done.Status != models.TaskStatusFailed || done.Error == nil {
		t.Fatalf("status = %s, error = %+v", done.Status, done.Error)
	}
	if !done.Error.TimedOut || done.Error.StageIndex != 0 || done.Error.Stage != "fetch" {
		t.Fatalf("error = %+v", done.Error)
	}
	if elapsed > 500*time.Millisecond {
		t.Fatalf("timeout reported after %v", elapsed)
	}
}

func TestStagePanicFailsTask(t *testing.T) {
	adapters := stubAdapters()
	adapters.Analyzer = stages.AnalyzerFunc(func(context.Context, *models.Document) (*models.Insight, error) {
		panic("boom")
	})
	f := newFixture(t, adapters, 1, time.Second)

	task, err := f.orch.Submit(context.Background(), "stub", req("https://example.com/p"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	done := waitTerminal(t, f.store, task.ID, 2*time.Second)
	if done.Status != models.TaskStatusFailed || done.Error.StageIndex != 1 || len(done.StageResults) != 1 {
		t.Fatalf("task = %+v", done)
	}
}

func TestConcurrentSubmitsAreIndependent(t *testing.T) {
	f := newFixture(t, stubAdapters(), 4, time.Second)

	const n = 20
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			task, err := f.orch.Submit(context.Background(), "stub", req("https://example.com/many"))
			if err != nil {
				t.Errorf("Submit: %v", err)
				return
			}
			ids[i] = task.ID
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool, n)
	for _, id := range ids {
		if id == "" || seen[id] {
			t.Fatalf("duplicate or missing id in %v", ids)
		}
		seen[id] = true
		if done := waitTerminal(t, f.store, id, 5*time.Second); done.Status != models.TaskStatusCompleted {
			t.Fatalf("task %s = %s", id, done.Status)
		}
	}

	// Polling a finished task is stable.
	first, _ := f.store.Get(context.Background(), ids[0])
	second, _ := f.store.Get(context.Background(), ids[0])
	if !first.UpdatedAt.Equal(second.UpdatedAt) || first.Status != second.Status || len(first.StageResults) != len(second.StageResults) {
		t.Fatalf("repeated polls differ: %+v vs %+v", first, second)
	}
}

func TestConcurrencyIsBounded(t *testing.T) {
	var current, peak atomic.Int64
	release := make(chan struct{})

	adapters := stubAdapters()
	adapters.Fetcher = stages.FetcherFunc(func(ctx context.Context, url string, _ models.FetchOptions) (*models.Document, error) {
		n := current.Add(1)
		defer current.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return &models.Document{URL: url}, nil
	})
	f := newFixture(t, adapters, 2, 5*time.Second)

	var ids []string
	for i := 0; i < 6; i++ {
		task, err := f.orch.Submit(context.Background(), "stub", req("https://example.com/bounded"))
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
		ids = append(ids, task.ID)
	}

	deadline := time.Now().Add(time.Second)
	for current.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	stats := f.orch.Stats()
	if stats.ActiveRuns != 2 || stats.QueuedRuns != 4 {
		t.Fatalf("stats = %+v, want 2 active / 4 queued", stats)
	}

	pending, _ := f.store.List(context.Background(), storage.ListFilter{Status: models.TaskStatusPending})
	if len(pending) != 4 {
		t.Fatalf("pending tasks = %d, want 4", len(pending))
	}

	close(release)
	for _, id := range ids {
		waitTerminal(t, f.store, id, 5*time.Second)
	}
	if peak.Load() > 2 {
		t.Fatalf("peak concurrency = %d, want <= 2", peak.Load())
	}
}

func TestStartRecoversTasks(t *testing.T) {
	f := newFixture(t, stubAdapters(), 2, time.Second)
	ctx := context.Background()
	input := models.PipelineInput{URL: "https://example.com/r", Params: models.Params{WordCount: 1000}}

	pendingID, err := f.store.Create(ctx, "stub", input, 4)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	runningID, err := f.store.Create(ctx, "stub", input, 4)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := f.store.Update(ctx, runningID, setRunning); err != nil {
		t.Fatalf("Update: %v", err)
	}
	orphanID, err := f.store.Create(ctx, "retired", input, 2)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := f.orch.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := f.orch.Start(ctx); err == nil {
		t.Fatal("second Start succeeded")
	}

	if got := waitTerminal(t, f.store, pendingID, 2*time.Second); got.Status != models.TaskStatusCompleted {
		t.Fatalf("pending task = %s", got.Status)
	}
	got := waitTerminal(t, f.store, runningID, time.Second)
	if got.Status != models.TaskStatusFailed || got.Error.Message != restartMessage || got.Error.Stage != "fetch" {
		t.Fatalf("running task = %s %+v", got.Status, got.Error)
	}
	if got := waitTerminal(t, f.store, orphanID, time.Second); got.Status != models.TaskStatusFailed {
		t.Fatalf("orphan task = %s", got.Status)
	}

	if events := f.rec.statuses("orchestrator", f.orch.ID()); len(events) == 0 || events[0] != string(models.OrchestratorStarted) {
		t.Fatalf("orchestrator events = %v", events)
	}
}

func TestShutdownFailsQueuedRuns(t *testing.T) {
	release := make(chan struct{})
	adapters := stubAdapters()
	adapters.Fetcher = stages.FetcherFunc(func(ctx context.Context, url string, _ models.FetchOptions) (*models.Document, error) {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return &models.Document{URL: url}, nil
	})
	f := newFixture(t, adapters, 1, 5*time.Second)
	ctx := context.Background()

	first, err := f.orch.Submit(ctx, "stub", req("https://example.com/1"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	second, err := f.orch.Submit(ctx, "stub", req("https://example.com/2"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for f.orch.Stats().ActiveRuns < 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	go func() {
		time.Sleep(50 * time.Millisecond)
		close(release)
	}()
	if err := f.orch.Shutdown(2 * time.Second); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	if got, _ := f.store.Get(ctx, first.ID); got.Status != models.TaskStatusCompleted {
		t.Fatalf("in-flight task = %s", got.Status)
	}
	got, _ := f.store.Get(ctx, second.ID)
	if got.Status != models.TaskStatusFailed || got.Error.StageIndex != 0 || len(got.StageResults) != 0 {
		t.Fatalf("queued task = %+v", got)
	}
	if events := f.rec.statuses("task", second.ID); len(events) < 3 || events[len(events)-2] != "running" {
		t.Fatalf("queued task events = %v", events)
	}

	if _, err := f.orch.Submit(ctx, "stub", req("https://example.com/3")); !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("Submit after shutdown err = %v", err)
	}
	if f.orch.Stats().Accepting {
		t.Fatal("stats report accepting after shutdown")
	}
}

func TestShutdownTimeoutCancelsRuns(t *testing.T) {
	adapters := stubAdapters()
	adapters.Fetcher = stages.FetcherFunc(func(ctx context.Context, _ string, _ models.FetchOptions) (*models.Document, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	f := newFixture(t, adapters, 1, 10*time.Second)

	task, err := f.orch.Submit(context.Background(), "stub", req("https://example.com/stuck"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for f.orch.Stats().ActiveRuns < 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	if err := f.orch.Shutdown(50 * time.Millisecond); err == nil {
		t.Fatal("Shutdown did not report the timeout")
	}
	got := waitTerminal(t, f.store, task.ID, time.Second)
	if got.Status != models.TaskStatusFailed || got.Error.TimedOut {
		t.Fatalf("task = %s %+v", got.Status, got.Error)
	}
}

func TestRunStartsOnlyPendingTasks(t *testing.T) {
	var fetches, publishes atomic.Int32
	adapters := stubAdapters()
	adapters.Fetcher = stages.FetcherFunc(func(_ context.Context, url string, _ models.FetchOptions) (*models.Document, error) {
		fetches.Add(1)
		time.Sleep(50 * time.Millisecond)
		return &models.Document{URL: url, Title: "Title"}, nil
	})
	publish := adapters.Publisher
	adapters.Publisher = stages.PublisherFunc(func(ctx context.Context, d *models.Draft, p models.PublishParams) (*models.Receipt, error) {
		publishes.Add(1)
		return publish.Publish(ctx, d, p)
	})
	f := newFixture(t, adapters, 2, time.Second)
	ctx := context.Background()

	p, err := f.orch.catalog.Lookup("stub")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	input := models.PipelineInput{URL: "https://example.com/once", Params: p.Defaults}
	id, err := f.store.Create(ctx, p.Name, input, len(p.Stages))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = f.orch.Run(ctx, id, input, p)
		}(i)
	}
	wg.Wait()

	rejected := 0
	for _, err := range errs {
		if err != nil {
			if !errors.Is(err, models.ErrInvalidTransition) {
				t.Fatalf("unexpected Run error: %v", err)
			}
			rejected++
		}
	}
	if rejected != 1 {
		t.Fatalf("run errors = %v, want exactly one rejection", errs)
	}
	if fetches.Load() != 1 || publishes.Load() != 1 {
		t.Fatalf("fetches = %d, publishes = %d, want 1 each", fetches.Load(), publishes.Load())
	}

	task, _ := f.store.Get(ctx, id)
	if task.Status != models.TaskStatusCompleted || len(task.StageResults) != 4 {
		t.Fatalf("task = %s with %d results", task.Status, len(task.StageResults))
	}

	if err := f.orch.Run(ctx, id, input, p); !errors.Is(err, models.ErrInvalidTransition) {
		t.Fatalf("Run on a completed task err = %v", err)
	}
	if fetches.Load() != 1 {
		t.Fatalf("completed task was fetched again")
	}
}
