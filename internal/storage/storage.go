// internal/storage/storage.go
package storage

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/fawad-mazhar/kxcreation/internal/models"
)

// TaskStore is the concurrency-safe record of every task. It is the only
// state the polling endpoints read.
type TaskStore interface {
	// Create inserts a new pending task and returns its id
	Create(ctx context.Context, pipeline string, input models.PipelineInput, totalStages int) (string, error)
	// Get returns a snapshot of the task or models.ErrUnknownTask
	Get(ctx context.Context, id string) (models.Task, error)
	// Update applies fn atomically to a single task
	Update(ctx context.Context, id string, fn models.Mutator) (models.Task, error)
	// List returns snapshots matching filter, oldest first
	List(ctx context.Context, filter ListFilter) ([]models.Task, error)
	Close() error
}

// ListFilter narrows List results; zero fields match everything
type ListFilter struct {
	Status   models.TaskStatus
	Pipeline string
}

// Match reports whether t passes the filter
func (f ListFilter) Match(t models.Task) bool {
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if f.Pipeline != "" && t.Pipeline != f.Pipeline {
		return false
	}
	return true
}

// Apply runs fn against a private copy of current, validates the result and
// stamps updatedAt. Backends call it while holding the task's lock.
func Apply(current models.Task, fn models.Mutator) (models.Task, error) {
	next, err := fn(current.Clone())
	if err != nil {
		return models.Task{}, err
	}
	if err := models.ValidateTransition(current, next); err != nil {
		return models.Task{}, err
	}
	next.UpdatedAt = time.Now().UTC()
	if next.UpdatedAt.Before(current.UpdatedAt) {
		next.UpdatedAt = current.UpdatedAt
	}
	return next, nil
}

// SortByCreation orders tasks oldest first, breaking ties by id
func SortByCreation(tasks []models.Task) {
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].ID < tasks[j].ID
		}
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
}

// KeyedMutex serializes work per key over a fixed set of shards
type KeyedMutex struct {
	shards []sync.Mutex
}

func NewKeyedMutex(shards int) *KeyedMutex {
	if shards <= 0 {
		shards = 64
	}
	return &KeyedMutex{shards: make([]sync.Mutex, shards)}
}

// Lock locks the shard owning key and returns its unlock function
func (k *KeyedMutex) Lock(key string) func() {
	m := &k.shards[Shard(key, len(k.shards))]
	m.Lock()
	return m.Unlock
}

// Shard maps key onto one of n shards
func Shard(key string, n int) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}

// UnknownTask wraps models.ErrUnknownTask with the id
func UnknownTask(id string) error {
	return fmt.Errorf("%w: %s", models.ErrUnknownTask, id)
}
