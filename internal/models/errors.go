package models

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownPipeline   = errors.New("unknown pipeline")
	ErrUnknownTask       = errors.New("unknown task")
	ErrInvalidInput      = errors.New("invalid input")
	ErrInvalidTransition = errors.New("invalid task transition")
)

// StageError wraps the failure of a single pipeline stage
type StageError struct {
	Index    int
	Stage    string
	TimedOut bool
	Err      error
}

func (e *StageError) Error() string {
	if e.TimedOut {
		return fmt.Sprintf("stage %d (%s) timed out: %v", e.Index, e.Stage, e.Err)
	}
	return fmt.Sprintf("stage %d (%s) failed: %v", e.Index, e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Info converts the error into the form recorded on a failed task
func (e *StageError) Info() *ErrorInfo {
	msg := "unknown error"
	if e.Err != nil {
		msg = e.Err.Error()
	}
	return &ErrorInfo{
		StageIndex: e.Index,
		Stage:      e.Stage,
		Message:    msg,
		TimedOut:   e.TimedOut,
	}
}
