// internal/api/handlers/stage_handler.go
package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/fawad-mazhar/kxcreation/internal/catalog"
	"github.com/fawad-mazhar/kxcreation/internal/models"
)

// StageHandler runs a single capability synchronously, without creating a task
type StageHandler struct {
	adapters catalog.Adapters
	timeout  func(models.StageKind) time.Duration
}

func NewStageHandler(adapters catalog.Adapters, timeout func(models.StageKind) time.Duration) *StageHandler {
	return &StageHandler{
		adapters: adapters,
		timeout:  timeout,
	}
}

type FetchRequest struct {
	URL           string `json:"url"`
	ExtractImages *bool  `json:"extractImages,omitempty"`
	ExtractLinks  *bool  `json:"extractLinks,omitempty"`
}

type AnalyzeRequest struct {
	Document *models.Document `json:"document"`
}

type ComposeRequest struct {
	Insight        *models.Insight `json:"insight"`
	ArticleStyle   string          `json:"articleStyle"`
	TargetAudience string          `json:"targetAudience"`
	WordCount      int             `json:"wordCount"`
}

type PublishRequest struct {
	Draft        *models.Draft `json:"draft"`
	Author       string        `json:"author"`
	DraftOnly    bool          `json:"draftOnly"`
	ThumbMediaID string        `json:"thumbMediaId,omitempty"`
}

var errNoAdapter = errors.New("capability is not configured")

func (h *StageHandler) Fetch(w http.ResponseWriter, r *http.Request) {
	if h.adapters.Fetcher == nil {
		writeError(w, http.StatusNotImplemented, "not_configured", errNoAdapter)
		return
	}

	var req FetchRequest
	if err := decodeBody(r, &req); err != nil {
		writeFailure(w, err)
		return
	}
	if err := catalog.ValidateURL(req.URL); err != nil {
		writeFailure(w, err)
		return
	}

	opts := models.FetchOptions{ExtractImages: true, ExtractLinks: true}
	if req.ExtractImages != nil {
		opts.ExtractImages = *req.ExtractImages
	}
	if req.ExtractLinks != nil {
		opts.ExtractLinks = *req.ExtractLinks
	}

	ctx, cancel := h.stageContext(r.Context(), models.StageFetch)
	defer cancel()

	doc, err := h.adapters.Fetcher.Fetch(ctx, req.URL, opts)
	if err != nil {
		writeStageFailure(w, models.StageFetch, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (h *StageHandler) Analyze(w http.ResponseWriter, r *http.Request) {
	if h.adapters.Analyzer == nil {
		writeError(w, http.StatusNotImplemented, "not_configured", errNoAdapter)
		return
	}

	var req AnalyzeRequest
	if err := decodeBody(r, &req); err != nil {
		writeFailure(w, err)
		return
	}
	if req.Document == nil || req.Document.Content == "" {
		writeFailure(w, fmt.Errorf("%w: document with content is required", models.ErrInvalidInput))
		return
	}

	ctx, cancel := h.stageContext(r.Context(), models.StageAnalyze)
	defer cancel()

	insight, err := h.adapters.Analyzer.Analyze(ctx, req.Document)
	if err != nil {
		writeStageFailure(w, models.StageAnalyze, err)
		return
	}
	writeJSON(w, http.StatusOK, insight)
}

func (h *StageHandler) Compose(w http.ResponseWriter, r *http.Request) {
	if h.adapters.Composer == nil {
		writeError(w, http.StatusNotImplemented, "not_configured", errNoAdapter)
		return
	}

	var req ComposeRequest
	if err := decodeBody(r, &req); err != nil {
		writeFailure(w, err)
		return
	}
	if req.Insight == nil {
		writeFailure(w, fmt.Errorf("%w: insight is required", models.ErrInvalidInput))
		return
	}

	ctx, cancel := h.stageContext(r.Context(), models.StageCompose)
	defer cancel()

	draft, err := h.adapters.Composer.Compose(ctx, req.Insight, models.StyleParams{
		ArticleStyle:   req.ArticleStyle,
		TargetAudience: req.TargetAudience,
		WordCount:      req.WordCount,
	})
	if err != nil {
		writeStageFailure(w, models.StageCompose, err)
		return
	}
	writeJSON(w, http.StatusOK, draft)
}

func (h *StageHandler) Publish(w http.ResponseWriter, r *http.Request) {
	if h.adapters.Publisher == nil {
		writeError(w, http.StatusNotImplemented, "not_configured", errNoAdapter)
		return
	}

	var req PublishRequest
	if err := decodeBody(r, &req); err != nil {
		writeFailure(w, err)
		return
	}
	if req.Draft == nil || req.Draft.Content == "" {
		writeFailure(w, fmt.Errorf("%w: draft with content is required", models.ErrInvalidInput))
		return
	}

	ctx, cancel := h.stageContext(r.Context(), models.StagePublish)
	defer cancel()

	receipt, err := h.adapters.Publisher.Publish(ctx, req.Draft, models.PublishParams{
		Author:       req.Author,
		DraftOnly:    req.DraftOnly,
		ThumbMediaID: req.ThumbMediaID,
	})
	if err != nil {
		writeStageFailure(w, models.StagePublish, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

func (h *StageHandler) stageContext(ctx context.Context, kind models.StageKind) (context.Context, context.CancelFunc) {
	if h.timeout == nil {
		return context.WithCancel(ctx)
	}
	if d := h.timeout(kind); d > 0 {
		return context.WithTimeout(ctx, d)
	}
	return context.WithCancel(ctx)
}

func writeStageFailure(w http.ResponseWriter, kind models.StageKind, err error) {
	if errors.Is(err, models.ErrInvalidInput) {
		writeFailure(w, err)
		return
	}
	writeFailure(w, fmt.Errorf("%s failed: %w", kind, err))
}
