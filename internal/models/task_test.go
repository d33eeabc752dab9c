package models

import (
	"errors"
	"testing"
	"time"
)

func runningTask(stages int) Task {
	t := NewTask("url_to_article", PipelineInput{URL: "https://example.com"}, stages)
	next := t.Clone()
	next.Status = TaskStatusRunning
	return next
}

func result(kind StageKind) StageResult {
	return StageResult{Stage: string(kind), Kind: kind, CompletedAt: time.Unix(0, 0).UTC()}
}

func TestValidateTransitionAcceptsHappyPath(t *testing.T) {
	pending := *NewTask("p", PipelineInput{}, 2)

	running := pending.Clone()
	running.Status = TaskStatusRunning
	if err := ValidateTransition(pending, running); err != nil {
		t.Fatalf("pending -> running: %v", err)
	}

	first := running.Clone()
	first.StageResults = append(first.StageResults, result(StageFetch))
	first.CurrentStageIndex = 1
	if err := ValidateTransition(running, first); err != nil {
		t.Fatalf("advance stage: %v", err)
	}

	done := first.Clone()
	done.StageResults = append(done.StageResults, result(StageAnalyze))
	done.CurrentStageIndex = 2
	done.Status = TaskStatusCompleted
	now := time.Now()
	done.CompletedAt = &now
	if err := ValidateTransition(first, done); err != nil {
		t.Fatalf("complete: %v", err)
	}
}

func TestValidateTransitionRejects(t *testing.T) {
	now := time.Now()
	base := runningTask(3)
	base.StageResults = []StageResult{result(StageFetch)}
	base.CurrentStageIndex = 1

	tests := []struct {
		name   string
		mutate func(Task) Task
	}{
		{"regress to pending", func(n Task) Task { n.Status = TaskStatusPending; return n }},
		{"unknown status", func(n Task) Task { n.Status = "paused"; return n }},
		{"change id", func(n Task) Task { n.ID = "other"; return n }},
		{"change pipeline", func(n Task) Task { n.Pipeline = "other"; return n }},
		{"index backwards", func(n Task) Task { n.CurrentStageIndex = 0; n.StageResults = nil; return n }},
		{"drop result", func(n Task) Task { n.StageResults = []StageResult{}; return n }},
		{"rewrite result", func(n Task) Task {
			n.StageResults = []StageResult{result(StageCompose)}
			return n
		}},
		{"result beyond index", func(n Task) Task {
			n.StageResults = append(n.StageResults, result(StageAnalyze))
			return n
		}},
		{"error without failure", func(n Task) Task { n.Error = &ErrorInfo{StageIndex: 1}; return n }},
		{"failed without error", func(n Task) Task { n.Status = TaskStatusFailed; n.CompletedAt = &now; return n }},
		{"terminal without completedAt", func(n Task) Task {
			n.Status = TaskStatusFailed
			n.Error = &ErrorInfo{StageIndex: 1}
			return n
		}},
		{"completedAt while running", func(n Task) Task { n.CompletedAt = &now; return n }},
		{"completed early", func(n Task) Task {
			n.Status = TaskStatusCompleted
			n.CompletedAt = &now
			return n
		}},
		{"failed at wrong index", func(n Task) Task {
			n.Status = TaskStatusFailed
			n.Error = &ErrorInfo{StageIndex: 0}
			n.CompletedAt = &now
			return n
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next := tt.mutate(base.Clone())
			err := ValidateTransition(base, next)
			if !errors.Is(err, ErrInvalidTransition) {
				t.Fatalf("expected ErrInvalidTransition, got %v", err)
			}
		})
	}
}

func TestValidateTransitionFreezesTerminal(t *testing.T) {
	now := time.Now()
	failed := runningTask(2)
	failed.Status = TaskStatusFailed
	failed.Error = &ErrorInfo{StageIndex: 0, Message: "boom"}
	failed.CompletedAt = &now

	next := failed.Clone()
	next.Error.Message = "changed"
	if err := ValidateTransition(failed, next); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("terminal task was modified: %v", err)
	}

	completed := failed.Clone()
	completed.Status = TaskStatusCompleted
	completed.Error = nil
	if err := ValidateTransition(failed, completed); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("failed -> completed accepted: %v", err)
	}
}

func TestStageErrorInfo(t *testing.T) {
	se := &StageError{Index: 2, Stage: "compose", TimedOut: true, Err: errors.New("deadline")}
	info := se.Info()
	if info.StageIndex != 2 || info.Stage != "compose" || !info.TimedOut || info.Message != "deadline" {
		t.Fatalf("unexpected info: %+v", info)
	}
	if !errors.Is(se, se.Err) {
		t.Fatal("StageError does not unwrap")
	}
}

func TestPipelineRequestApply(t *testing.T) {
	defaults := Params{ArticleStyle: "professional", WordCount: 1000, ExtractImages: true}
	words := 500
	off := false
	got := PipelineRequest{WordCount: &words, ExtractImages: &off}.Apply(defaults)
	if got.WordCount != 500 || got.ExtractImages || got.ArticleStyle != "professional" {
		t.Fatalf("unexpected params: %+v", got)
	}
	if defaults.WordCount != 1000 {
		t.Fatal("defaults were modified")
	}
}
