// internal/api/handlers/pipeline_handler.go
package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/fawad-mazhar/kxcreation/internal/catalog"
	"github.com/fawad-mazhar/kxcreation/internal/models"
	"github.com/go-chi/chi/v5"
)

// Submitter starts pipeline runs
type Submitter interface {
	Submit(ctx context.Context, pipeline string, req models.PipelineRequest) (models.Task, error)
}

type PipelineHandler struct {
	submitter Submitter
	catalog   *catalog.Catalog
}

func NewPipelineHandler(submitter Submitter, cat *catalog.Catalog) *PipelineHandler {
	return &PipelineHandler{
		submitter: submitter,
		catalog:   cat,
	}
}

type SubmitResponse struct {
	TaskID    string            `json:"taskId"`
	Pipeline  string            `json:"pipeline"`
	Status    models.TaskStatus `json:"status"`
	Message   string            `json:"message"`
	CreatedAt time.Time         `json:"createdAt"`
}

type PipelineInfo struct {
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	Stages      []StageInfo   `json:"stages"`
	Timeout     string        `json:"timeout"`
	Defaults    models.Params `json:"defaults"`
}

type StageInfo struct {
	Name    string           `json:"name"`
	Kind    models.StageKind `json:"kind"`
	Timeout string           `json:"timeout"`
}

func (h *PipelineHandler) Submit(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	// Unknown pipelines are reported before the body is looked at.
	if _, err := h.catalog.Lookup(name); err != nil {
		writeFailure(w, err)
		return
	}

	var req models.PipelineRequest
	if err := decodeBody(r, &req); err != nil {
		writeFailure(w, err)
		return
	}

	task, err := h.submitter.Submit(r.Context(), name, req)
	if err != nil {
		writeFailure(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, SubmitResponse{
		TaskID:    task.ID,
		Pipeline:  task.Pipeline,
		Status:    task.Status,
		Message:   "Task created and queued",
		CreatedAt: task.CreatedAt,
	})
}

func (h *PipelineHandler) List(w http.ResponseWriter, r *http.Request) {
	pipelines := h.catalog.List()
	out := make([]PipelineInfo, 0, len(pipelines))
	for _, p := range pipelines {
		info := PipelineInfo{
			Name:        p.Name,
			Description: p.Description,
			Defaults:    p.Defaults,
			Timeout:     p.Timeout().String(),
			Stages:      make([]StageInfo, 0, len(p.Stages)),
		}
		for _, s := range p.Stages {
			info.Stages = append(info.Stages, StageInfo{Name: s.Name, Kind: s.Kind, Timeout: s.Timeout.String()})
		}
		out = append(out, info)
	}
	writeJSON(w, http.StatusOK, map[string]any{"pipelines": out})
}
