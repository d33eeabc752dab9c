package models

import (
	"fmt"
	"reflect"
	"time"

	"github.com/google/uuid"
)

// TaskStatus represents the current state of a pipeline task
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
)

// rank orders statuses so that transitions can only move forward.
// Completed and Failed share a rank: neither may follow the other.
func (s TaskStatus) rank() int {
	switch s {
	case TaskStatusPending:
		return 0
	case TaskStatusRunning:
		return 1
	case TaskStatusCompleted, TaskStatusFailed:
		return 2
	default:
		return -1
	}
}

// Valid reports whether s is a known status
func (s TaskStatus) Valid() bool {
	return s.rank() >= 0
}

// IsTerminal reports whether no further transition can happen from s
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// ErrorInfo records why a task failed
type ErrorInfo struct {
	StageIndex int    `json:"stageIndex"`
	Stage      string `json:"stage"`
	Message    string `json:"message"`
	TimedOut   bool   `json:"timedOut,omitempty"`
}

// Task represents one invocation of a named pipeline
type Task struct {
	ID                string        `json:"id"`
	Pipeline          string        `json:"pipeline"`
	Status            TaskStatus    `json:"status"`
	CurrentStageIndex int           `json:"currentStageIndex"`
	TotalStages       int           `json:"totalStages"`
	Input             PipelineInput `json:"input"`
	StageResults      []StageResult `json:"stageResults"`
	Error             *ErrorInfo    `json:"errorInfo,omitempty"`
	CreatedAt         time.Time     `json:"createdAt"`
	UpdatedAt         time.Time     `json:"updatedAt"`
	CompletedAt       *time.Time    `json:"completedAt,omitempty"`
}

// Mutator receives a private copy of the current task and returns the next state.
// Returning an error aborts the update and leaves the stored task untouched.
type Mutator func(current Task) (Task, error)

// NewTask creates a new pending task instance
func NewTask(pipeline string, input PipelineInput, totalStages int) *Task {
	now := time.Now().UTC()
	return &Task{
		ID:           uuid.New().String(),
		Pipeline:     pipeline,
		Status:       TaskStatusPending,
		TotalStages:  totalStages,
		Input:        input,
		StageResults: []StageResult{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// Clone returns a snapshot that shares no mutable task fields with t.
// Stage payloads are treated as immutable once recorded and are shared.
func (t Task) Clone() Task {
	c := t
	c.StageResults = make([]StageResult, len(t.StageResults))
	copy(c.StageResults, t.StageResults)
	if t.Error != nil {
		e := *t.Error
		c.Error = &e
	}
	if t.CompletedAt != nil {
		ts := *t.CompletedAt
		c.CompletedAt = &ts
	}
	return c
}

// CurrentStageName returns the name of the stage at CurrentStageIndex, if known
func (t Task) CurrentStageName(stages []string) string {
	if t.CurrentStageIndex >= 0 && t.CurrentStageIndex < len(stages) {
		return stages[t.CurrentStageIndex]
	}
	return ""
}

// ValidateTransition checks that next is a legal successor of prev.
// Every TaskStore backend calls it before persisting an update; a violation
// means the caller has a bug.
func ValidateTransition(prev, next Task) error {
	fail := func(format string, args ...any) error {
		return fmt.Errorf("%w: task %s: %s", ErrInvalidTransition, prev.ID, fmt.Sprintf(format, args...))
	}

	if next.ID != prev.ID || next.Pipeline != prev.Pipeline || next.TotalStages != prev.TotalStages {
		return fail("identity fields are immutable")
	}
	if !next.CreatedAt.Equal(prev.CreatedAt) {
		return fail("createdAt is immutable")
	}
	if !next.Status.Valid() {
		return fail("unknown status %q", next.Status)
	}
	if prev.Status.IsTerminal() {
		return fail("task is already %s", prev.Status)
	}
	if next.Status.rank() < prev.Status.rank() {
		return fail("status %s -> %s regresses", prev.Status, next.Status)
	}

	if next.CurrentStageIndex < prev.CurrentStageIndex {
		return fail("stage index %d -> %d moves backwards", prev.CurrentStageIndex, next.CurrentStageIndex)
	}
	if next.CurrentStageIndex != prev.CurrentStageIndex &&
		(prev.Status != TaskStatusRunning || (next.Status != TaskStatusRunning && next.Status != TaskStatusCompleted)) {
		return fail("stage index may only advance while running")
	}
	if prev.TotalStages > 0 && next.CurrentStageIndex > prev.TotalStages {
		return fail("stage index %d beyond %d stages", next.CurrentStageIndex, prev.TotalStages)
	}

	if len(next.StageResults) < len(prev.StageResults) {
		return fail("stage results are append-only")
	}
	for i := range prev.StageResults {
		if !reflect.DeepEqual(prev.StageResults[i], next.StageResults[i]) {
			return fail("stage result %d was rewritten", i)
		}
	}
	if len(next.StageResults) > next.CurrentStageIndex {
		return fail("%d results recorded at stage index %d", len(next.StageResults), next.CurrentStageIndex)
	}

	if (next.Status == TaskStatusFailed) != (next.Error != nil) {
		return fail("errorInfo must be set exactly when failed")
	}

	switch {
	case next.Status.IsTerminal() && next.CompletedAt == nil:
		return fail("terminal transition without completedAt")
	case !next.Status.IsTerminal() && next.CompletedAt != nil:
		return fail("completedAt set on non-terminal status")
	}

	if next.Status == TaskStatusCompleted && prev.TotalStages > 0 && len(next.StageResults) != prev.TotalStages {
		return fail("completed with %d of %d stage results", len(next.StageResults), prev.TotalStages)
	}
	if next.Status == TaskStatusFailed && len(next.StageResults) != next.Error.StageIndex {
		return fail("failed at stage %d with %d results", next.Error.StageIndex, len(next.StageResults))
	}

	return nil
}
