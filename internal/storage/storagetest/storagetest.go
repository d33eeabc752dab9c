// Package storagetest holds the behaviour every TaskStore backend must share.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/fawad-mazhar/kxcreation/internal/models"
	"github.com/fawad-mazhar/kxcreation/internal/storage"
)

// Run exercises a TaskStore created fresh by newStore for every subtest
func Run(t *testing.T, newStore func(t *testing.T) storage.TaskStore) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s storage.TaskStore)
	}{
		{"CreateAndGet", testCreateAndGet},
		{"UnknownTask", testUnknownTask},
		{"Lifecycle", testLifecycle},
		{"RejectsInvalidTransition", testRejectsInvalidTransition},
		{"MutatorErrorLeavesTask", testMutatorError},
		{"SnapshotsAreIsolated", testSnapshotsAreIsolated},
		{"ConcurrentCreates", testConcurrentCreates},
		{"ConcurrentUpdatesSerialize", testConcurrentUpdates},
		{"List", testList},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { s.Close() })
			tt.fn(t, s)
		})
	}
}

func input() models.PipelineInput {
	return models.PipelineInput{
		URL:    "https://example.com/post",
		Params: models.Params{ArticleStyle: "professional", WordCount: 1000, ExtractImages: true},
	}
}

func fetchResult() models.StageResult {
	return models.StageResult{
		Stage: "fetch",
		Kind:  models.StageFetch,
		Document: &models.Document{
			URL:      "https://example.com/post",
			Title:    "Post",
			Content:  "body",
			Images:   []string{},
			Links:    []string{},
			Metadata: map[string]string{"author": "someone"},
		},
		DurationMs:  12,
		CompletedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
}

func start(current models.Task) (models.Task, error) {
	current.Status = models.TaskStatusRunning
	return current, nil
}

func advance(r models.StageResult) models.Mutator {
	return func(current models.Task) (models.Task, error) {
		current.StageResults = append(current.StageResults, r)
		current.CurrentStageIndex++
		return current, nil
	}
}

func testCreateAndGet(t *testing.T, s storage.TaskStore) {
	ctx := context.Background()
	id, err := s.Create(ctx, "url_to_article", input(), 3)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	task, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if task.ID != id || task.Pipeline != "url_to_article" || task.TotalStages != 3 {
		t.Fatalf("unexpected task: %+v", task)
	}
	if task.Status != models.TaskStatusPending || task.CurrentStageIndex != 0 || len(task.StageResults) != 0 {
		t.Fatalf("new task is not pending at stage 0: %+v", task)
	}
	if task.Input.URL != input().URL || task.Input.Params.WordCount != 1000 {
		t.Fatalf("input not persisted: %+v", task.Input)
	}
	if task.CompletedAt != nil || task.Error != nil {
		t.Fatalf("new task has terminal fields: %+v", task)
	}
}

func testUnknownTask(t *testing.T, s storage.TaskStore) {
	ctx := context.Background()
	if _, err := s.Get(ctx, "missing"); !errors.Is(err, models.ErrUnknownTask) {
		t.Fatalf("Get: expected ErrUnknownTask, got %v", err)
	}
	if _, err := s.Update(ctx, "missing", start); !errors.Is(err, models.ErrUnknownTask) {
		t.Fatalf("Update: expected ErrUnknownTask, got %v", err)
	}
}

func testLifecycle(t *testing.T, s storage.TaskStore) {
	ctx := context.Background()
	id, _ := s.Create(ctx, "p", input(), 1)

	running, err := s.Update(ctx, id, start)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if running.Status != models.TaskStatusRunning {
		t.Fatalf("status = %s", running.Status)
	}

	if _, err := s.Update(ctx, id, advance(fetchResult())); err != nil {
		t.Fatalf("advance: %v", err)
	}

	done, err := s.Update(ctx, id, func(current models.Task) (models.Task, error) {
		now := time.Now().UTC()
		current.Status = models.TaskStatusCompleted
		current.CompletedAt = &now
		return current, nil
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.UpdatedAt.Before(running.UpdatedAt) {
		t.Fatalf("updatedAt went backwards: %v < %v", done.UpdatedAt, running.UpdatedAt)
	}

	got, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != models.TaskStatusCompleted || got.CompletedAt == nil || len(got.StageResults) != 1 {
		t.Fatalf("unexpected final task: %+v", got)
	}
	doc := got.StageResults[0].Document
	if doc == nil || doc.Title != "Post" || doc.Metadata["author"] != "someone" {
		t.Fatalf("stage payload not persisted: %+v", got.StageResults[0])
	}

	if _, err := s.Update(ctx, id, start); !errors.Is(err, models.ErrInvalidTransition) {
		t.Fatalf("terminal task accepted an update: %v", err)
	}
}

func testRejectsInvalidTransition(t *testing.T, s storage.TaskStore) {
	ctx := context.Background()
	id, _ := s.Create(ctx, "p", input(), 2)

	// advancing a pending task is illegal
	_, err := s.Update(ctx, id, advance(fetchResult()))
	if !errors.Is(err, models.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	got, _ := s.Get(ctx, id)
	if got.Status != models.TaskStatusPending || len(got.StageResults) != 0 {
		t.Fatalf("rejected update was persisted: %+v", got)
	}
}

func testMutatorError(t *testing.T, s storage.TaskStore) {
	ctx := context.Background()
	id, _ := s.Create(ctx, "p", input(), 2)
	boom := errors.New("boom")

	_, err := s.Update(ctx, id, func(current models.Task) (models.Task, error) {
		current.Status = models.TaskStatusRunning
		return current, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected mutator error, got %v", err)
	}
	got, _ := s.Get(ctx, id)
	if got.Status != models.TaskStatusPending {
		t.Fatalf("aborted update was persisted: %+v", got)
	}
}

func testSnapshotsAreIsolated(t *testing.T, s storage.TaskStore) {
	ctx := context.Background()
	id, _ := s.Create(ctx, "p", input(), 2)
	s.Update(ctx, id, start)
	s.Update(ctx, id, advance(fetchResult()))

	snap, _ := s.Get(ctx, id)
	snap.Status = models.TaskStatusFailed
	snap.StageResults[0].Stage = "tampered"
	snap.StageResults = append(snap.StageResults, fetchResult())

	again, _ := s.Get(ctx, id)
	if again.Status != models.TaskStatusRunning || len(again.StageResults) != 1 || again.StageResults[0].Stage != "fetch" {
		t.Fatalf("snapshot mutation leaked into the store: %+v", again)
	}

	first, _ := s.Get(ctx, id)
	second, _ := s.Get(ctx, id)
	if !first.UpdatedAt.Equal(second.UpdatedAt) || first.Status != second.Status || first.CurrentStageIndex != second.CurrentStageIndex {
		t.Fatal("repeated reads of an idle task differ")
	}
}

func testConcurrentCreates(t *testing.T, s storage.TaskStore) {
	ctx := context.Background()
	const n = 50

	ids := make(chan string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := s.Create(ctx, fmt.Sprintf("p%d", i%3), input(), 2)
			if err != nil {
				t.Errorf("Create: %v", err)
				return
			}
			ids <- id
		}(i)
	}
	wg.Wait()
	close(ids)

	seen := make(map[string]bool, n)
	for id := range ids {
		if seen[id] {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = true
	}
	if len(seen) != n {
		t.Fatalf("expected %d ids, got %d", n, len(seen))
	}
}

func testConcurrentUpdates(t *testing.T, s storage.TaskStore) {
	ctx := context.Background()
	const stages = 20
	id, _ := s.Create(ctx, "p", input(), stages)
	s.Update(ctx, id, start)

	// each writer appends the result matching the index it observes, so a
	// lost update would leave a gap or a duplicate
	var wg sync.WaitGroup
	for i := 0; i < stages; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Update(ctx, id, func(current models.Task) (models.Task, error) {
				r := fetchResult()
				r.Stage = fmt.Sprintf("s%d", current.CurrentStageIndex)
				current.StageResults = append(current.StageResults, r)
				current.CurrentStageIndex++
				return current, nil
			})
			if err != nil {
				t.Errorf("Update: %v", err)
			}
		}()
	}
	wg.Wait()

	got, _ := s.Get(ctx, id)
	if got.CurrentStageIndex != stages || len(got.StageResults) != stages {
		t.Fatalf("lost updates: index %d, %d results", got.CurrentStageIndex, len(got.StageResults))
	}
	for i, r := range got.StageResults {
		if r.Stage != fmt.Sprintf("s%d", i) {
			t.Fatalf("result %d is %q", i, r.Stage)
		}
	}
}

func testList(t *testing.T, s storage.TaskStore) {
	ctx := context.Background()
	a, _ := s.Create(ctx, "alpha", input(), 1)
	b, _ := s.Create(ctx, "beta", input(), 1)
	s.Create(ctx, "alpha", input(), 1)
	s.Update(ctx, a, start)

	all, err := s.List(ctx, storage.ListFilter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(all))
	}

	alpha, _ := s.List(ctx, storage.ListFilter{Pipeline: "alpha"})
	if len(alpha) != 2 {
		t.Fatalf("expected 2 alpha tasks, got %d", len(alpha))
	}

	pending, _ := s.List(ctx, storage.ListFilter{Status: models.TaskStatusPending})
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending tasks, got %d", len(pending))
	}

	betaPending, _ := s.List(ctx, storage.ListFilter{Status: models.TaskStatusPending, Pipeline: "beta"})
	if len(betaPending) != 1 || betaPending[0].ID != b {
		t.Fatalf("unexpected filtered list: %+v", betaPending)
	}
}
