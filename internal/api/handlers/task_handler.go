// internal/api/handlers/task_handler.go
package handlers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/fawad-mazhar/kxcreation/internal/catalog"
	"github.com/fawad-mazhar/kxcreation/internal/models"
	"github.com/fawad-mazhar/kxcreation/internal/storage"
	"github.com/go-chi/chi/v5"
)

type TaskHandler struct {
	store   storage.TaskStore
	catalog *catalog.Catalog
}

func NewTaskHandler(store storage.TaskStore, cat *catalog.Catalog) *TaskHandler {
	return &TaskHandler{
		store:   store,
		catalog: cat,
	}
}

type TaskStatusResponse struct {
	TaskID           string            `json:"taskId"`
	Pipeline         string            `json:"pipeline"`
	Status           models.TaskStatus `json:"status"`
	CurrentStage     int               `json:"currentStage"`
	CurrentStageName string            `json:"currentStageName,omitempty"`
	TotalStages      int               `json:"totalStages"`
	Progress         string            `json:"progress"`
	Message          string            `json:"message"`
	CreatedAt        time.Time         `json:"createdAt"`
	UpdatedAt        time.Time         `json:"updatedAt"`
}

type TaskResultResponse struct {
	TaskID       string               `json:"taskId"`
	Pipeline     string               `json:"pipeline"`
	Status       models.TaskStatus    `json:"status"`
	StageResults []models.StageResult `json:"stageResults"`
	ErrorInfo    *models.ErrorInfo    `json:"errorInfo,omitempty"`
	CreatedAt    time.Time            `json:"createdAt"`
	CompletedAt  *time.Time           `json:"completedAt,omitempty"`
}

func (h *TaskHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	task, err := h.store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.statusOf(task))
}

func (h *TaskHandler) GetResult(w http.ResponseWriter, r *http.Request) {
	task, err := h.store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resultOf(task))
}

func (h *TaskHandler) List(w http.ResponseWriter, r *http.Request) {
	filter := storage.ListFilter{
		Status:   models.TaskStatus(r.URL.Query().Get("status")),
		Pipeline: r.URL.Query().Get("pipeline"),
	}
	if filter.Status != "" && !filter.Status.Valid() {
		writeFailure(w, fmt.Errorf("%w: unknown status %q", models.ErrInvalidInput, filter.Status))
		return
	}

	tasks, err := h.store.List(r.Context(), filter)
	if err != nil {
		writeFailure(w, err)
		return
	}

	out := make([]TaskStatusResponse, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, h.statusOf(t))
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": out, "count": len(out)})
}

func (h *TaskHandler) statusOf(t models.Task) TaskStatusResponse {
	var names []string
	if p, err := h.catalog.Lookup(t.Pipeline); err == nil {
		names = p.StageNames()
	}
	stage := t.CurrentStageName(names)

	resp := TaskStatusResponse{
		TaskID:           t.ID,
		Pipeline:         t.Pipeline,
		Status:           t.Status,
		CurrentStage:     t.CurrentStageIndex,
		CurrentStageName: stage,
		TotalStages:      t.TotalStages,
		CreatedAt:        t.CreatedAt,
		UpdatedAt:        t.UpdatedAt,
	}

	switch t.Status {
	case models.TaskStatusPending:
		resp.Progress = fmt.Sprintf("Step 0/%d", t.TotalStages)
		resp.Message = "Task created and queued"
	case models.TaskStatusRunning:
		resp.Progress = fmt.Sprintf("Step %d/%d: %s", t.CurrentStageIndex+1, t.TotalStages, stage)
		resp.Message = fmt.Sprintf("Running %s", stage)
	case models.TaskStatusCompleted:
		resp.Progress = fmt.Sprintf("Step %d/%d: done", t.TotalStages, t.TotalStages)
		resp.Message = "Pipeline completed successfully"
	case models.TaskStatusFailed:
		failedAt := stage
		msg := "unknown error"
		if t.Error != nil {
			failedAt = t.Error.Stage
			msg = t.Error.Message
		}
		resp.Progress = fmt.Sprintf("Step %d/%d: %s", t.CurrentStageIndex+1, t.TotalStages, failedAt)
		resp.Message = fmt.Sprintf("Failed at %s: %s", failedAt, msg)
	}
	return resp
}

func resultOf(t models.Task) TaskResultResponse {
	return TaskResultResponse{
		TaskID:       t.ID,
		Pipeline:     t.Pipeline,
		Status:       t.Status,
		StageResults: t.StageResults,
		ErrorInfo:    t.Error,
		CreatedAt:    t.CreatedAt,
		CompletedAt:  t.CompletedAt,
	}
}
