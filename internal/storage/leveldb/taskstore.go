// internal/storage/leveldb/taskstore.go
package leveldb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fawad-mazhar/kxcreation/internal/models"
	"github.com/fawad-mazhar/kxcreation/internal/storage"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// TaskStore persists tasks as JSON records in LevelDB. Writers to the same
// task are serialized by a keyed mutex.
type TaskStore struct {
	client *Client
	locks  *storage.KeyedMutex
}

var _ storage.TaskStore = (*TaskStore)(nil)

func NewTaskStore(client *Client) *TaskStore {
	return &TaskStore{
		client: client,
		locks:  storage.NewKeyedMutex(64),
	}
}

func taskKey(id string) []byte {
	return []byte(taskPrefix + id)
}

func (s *TaskStore) Create(ctx context.Context, pipeline string, input models.PipelineInput, totalStages int) (string, error) {
	task := models.NewTask(pipeline, input, totalStages)

	unlock := s.locks.Lock(task.ID)
	defer unlock()

	if err := s.put(task); err != nil {
		return "", err
	}
	return task.ID, nil
}

func (s *TaskStore) Get(ctx context.Context, id string) (models.Task, error) {
	return s.load(id)
}

func (s *TaskStore) Update(ctx context.Context, id string, fn models.Mutator) (models.Task, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	current, err := s.load(id)
	if err != nil {
		return models.Task{}, err
	}

	next, err := storage.Apply(current, fn)
	if err != nil {
		return models.Task{}, err
	}
	if err := s.put(&next); err != nil {
		return models.Task{}, err
	}
	return next, nil
}

func (s *TaskStore) List(ctx context.Context, filter storage.ListFilter) ([]models.Task, error) {
	iter := s.client.db.NewIterator(util.BytesPrefix([]byte(taskPrefix)), nil)
	defer iter.Release()

	var out []models.Task
	for iter.Next() {
		var task models.Task
		if err := json.Unmarshal(iter.Value(), &task); err != nil {
			return nil, fmt.Errorf("failed to unmarshal task %s: %w", iter.Key(), err)
		}
		if filter.Match(task) {
			out = append(out, task)
		}
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}

	storage.SortByCreation(out)
	return out, nil
}

// Close closes the underlying client
func (s *TaskStore) Close() error {
	return s.client.Close()
}

func (s *TaskStore) load(id string) (models.Task, error) {
	data, err := s.client.db.Get(taskKey(id), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return models.Task{}, storage.UnknownTask(id)
		}
		return models.Task{}, fmt.Errorf("failed to read task %s: %w", id, err)
	}

	var task models.Task
	if err := json.Unmarshal(data, &task); err != nil {
		return models.Task{}, fmt.Errorf("failed to unmarshal task %s: %w", id, err)
	}
	return task, nil
}

func (s *TaskStore) put(task *models.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task %s: %w", task.ID, err)
	}
	if err := s.client.db.Put(taskKey(task.ID), data, nil); err != nil {
		return fmt.Errorf("failed to write task %s: %w", task.ID, err)
	}
	return nil
}
