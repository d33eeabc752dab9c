// internal/storage/memory/store.go
package memory

import (
	"context"
	"sync"

	"github.com/fawad-mazhar/kxcreation/internal/models"
	"github.com/fawad-mazhar/kxcreation/internal/storage"
)

const shardCount = 32

type shard struct {
	mu    sync.RWMutex
	tasks map[string]*models.Task
}

// Store keeps tasks in memory, sharded by hashed id so that unrelated
// tasks do not contend on one lock
type Store struct {
	shards [shardCount]shard
}

var _ storage.TaskStore = (*Store)(nil)

func NewStore() *Store {
	s := &Store{}
	for i := range s.shards {
		s.shards[i].tasks = make(map[string]*models.Task)
	}
	return s
}

func (s *Store) shardFor(id string) *shard {
	return &s.shards[storage.Shard(id, shardCount)]
}

func (s *Store) Create(ctx context.Context, pipeline string, input models.PipelineInput, totalStages int) (string, error) {
	task := models.NewTask(pipeline, input, totalStages)
	sh := s.shardFor(task.ID)
	sh.mu.Lock()
	sh.tasks[task.ID] = task
	sh.mu.Unlock()
	return task.ID, nil
}

func (s *Store) Get(ctx context.Context, id string) (models.Task, error) {
	sh := s.shardFor(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	task, ok := sh.tasks[id]
	if !ok {
		return models.Task{}, storage.UnknownTask(id)
	}
	return task.Clone(), nil
}

func (s *Store) Update(ctx context.Context, id string, fn models.Mutator) (models.Task, error) {
	sh := s.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	task, ok := sh.tasks[id]
	if !ok {
		return models.Task{}, storage.UnknownTask(id)
	}

	next, err := storage.Apply(*task, fn)
	if err != nil {
		return models.Task{}, err
	}
	stored := next.Clone()
	sh.tasks[id] = &stored
	return next, nil
}

func (s *Store) List(ctx context.Context, filter storage.ListFilter) ([]models.Task, error) {
	var out []models.Task
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		for _, t := range sh.tasks {
			if filter.Match(*t) {
				out = append(out, t.Clone())
			}
		}
		sh.mu.RUnlock()
	}
	storage.SortByCreation(out)
	return out, nil
}

func (s *Store) Close() error {
	return nil
}
