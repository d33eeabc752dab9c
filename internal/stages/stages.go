// Package stages defines the capabilities a pipeline is built from and the
// stage values the orchestrator executes.
package stages

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fawad-mazhar/kxcreation/internal/models"
)

// Fetcher retrieves and extracts a document from a URL
type Fetcher interface {
	Fetch(ctx context.Context, url string, opts models.FetchOptions) (*models.Document, error)
}

// Analyzer derives insights from a document
type Analyzer interface {
	Analyze(ctx context.Context, doc *models.Document) (*models.Insight, error)
}

// Composer writes a draft from insights
type Composer interface {
	Compose(ctx context.Context, insight *models.Insight, style models.StyleParams) (*models.Draft, error)
}

// Publisher publishes a draft to an external platform
type Publisher interface {
	Publish(ctx context.Context, draft *models.Draft, params models.PublishParams) (*models.Receipt, error)
}

type FetcherFunc func(ctx context.Context, url string, opts models.FetchOptions) (*models.Document, error)

func (f FetcherFunc) Fetch(ctx context.Context, url string, opts models.FetchOptions) (*models.Document, error) {
	return f(ctx, url, opts)
}

type AnalyzerFunc func(ctx context.Context, doc *models.Document) (*models.Insight, error)

func (f AnalyzerFunc) Analyze(ctx context.Context, doc *models.Document) (*models.Insight, error) {
	return f(ctx, doc)
}

type ComposerFunc func(ctx context.Context, insight *models.Insight, style models.StyleParams) (*models.Draft, error)

func (f ComposerFunc) Compose(ctx context.Context, insight *models.Insight, style models.StyleParams) (*models.Draft, error) {
	return f(ctx, insight, style)
}

type PublisherFunc func(ctx context.Context, draft *models.Draft, params models.PublishParams) (*models.Receipt, error)

func (f PublisherFunc) Publish(ctx context.Context, draft *models.Draft, params models.PublishParams) (*models.Receipt, error) {
	return f(ctx, draft, params)
}

// StageContext is what a stage sees: the run's original input and the
// results of every stage before it
type StageContext struct {
	Input   models.PipelineInput
	Results []models.StageResult
}

// ErrMissingInput is returned when a stage runs before the stage it depends on
var ErrMissingInput = errors.New("missing upstream stage result")

// Document returns a copy of the most recent fetch output. Recorded results
// are shared with the store, so adapters get their own copy.
func (sc *StageContext) Document() (*models.Document, error) {
	for i := len(sc.Results) - 1; i >= 0; i-- {
		if d := sc.Results[i].Document; d != nil {
			return d.Clone(), nil
		}
	}
	return nil, fmt.Errorf("%w: no %s result", ErrMissingInput, models.StageFetch)
}

// Insight returns the most recent analyze output
func (sc *StageContext) Insight() (*models.Insight, error) {
	for i := len(sc.Results) - 1; i >= 0; i-- {
		if in := sc.Results[i].Insight; in != nil {
			return in, nil
		}
	}
	return nil, fmt.Errorf("%w: no %s result", ErrMissingInput, models.StageAnalyze)
}

// Draft returns the most recent compose output
func (sc *StageContext) Draft() (*models.Draft, error) {
	for i := len(sc.Results) - 1; i >= 0; i-- {
		if d := sc.Results[i].Draft; d != nil {
			return d, nil
		}
	}
	return nil, fmt.Errorf("%w: no %s result", ErrMissingInput, models.StageCompose)
}

// ExecuteFunc runs one stage. It returns the stage's payload; the
// orchestrator stamps name, kind and timing.
type ExecuteFunc func(ctx context.Context, sc *StageContext) (models.StageResult, error)

// Stage is one step of a pipeline
type Stage struct {
	Name    string
	Kind    models.StageKind
	Timeout time.Duration
	Execute ExecuteFunc
}

func FetchStage(name string, timeout time.Duration, f Fetcher) Stage {
	return Stage{
		Name:    name,
		Kind:    models.StageFetch,
		Timeout: timeout,
		Execute: func(ctx context.Context, sc *StageContext) (models.StageResult, error) {
			doc, err := f.Fetch(ctx, sc.Input.URL, sc.Input.Params.FetchOptions())
			if err != nil {
				return models.StageResult{}, err
			}
			if doc == nil {
				return models.StageResult{}, errors.New("fetcher returned no document")
			}
			return models.StageResult{Document: doc}, nil
		},
	}
}

func AnalyzeStage(name string, timeout time.Duration, a Analyzer) Stage {
	return Stage{
		Name:    name,
		Kind:    models.StageAnalyze,
		Timeout: timeout,
		Execute: func(ctx context.Context, sc *StageContext) (models.StageResult, error) {
			doc, err := sc.Document()
			if err != nil {
				return models.StageResult{}, err
			}
			insight, err := a.Analyze(ctx, doc)
			if err != nil {
				return models.StageResult{}, err
			}
			if insight == nil {
				return models.StageResult{}, errors.New("analyzer returned no insight")
			}
			return models.StageResult{Insight: insight}, nil
		},
	}
}

func ComposeStage(name string, timeout time.Duration, c Composer) Stage {
	return Stage{
		Name:    name,
		Kind:    models.StageCompose,
		Timeout: timeout,
		Execute: func(ctx context.Context, sc *StageContext) (models.StageResult, error) {
			insight, err := sc.Insight()
			if err != nil {
				return models.StageResult{}, err
			}
			draft, err := c.Compose(ctx, insight, sc.Input.Params.Style())
			if err != nil {
				return models.StageResult{}, err
			}
			if draft == nil {
				return models.StageResult{}, errors.New("composer returned no draft")
			}
			return models.StageResult{Draft: draft}, nil
		},
	}
}

func PublishStage(name string, timeout time.Duration, p Publisher) Stage {
	return Stage{
		Name:    name,
		Kind:    models.StagePublish,
		Timeout: timeout,
		Execute: func(ctx context.Context, sc *StageContext) (models.StageResult, error) {
			draft, err := sc.Draft()
			if err != nil {
				return models.StageResult{}, err
			}
			receipt, err := p.Publish(ctx, draft, sc.Input.Params.Publish())
			if err != nil {
				return models.StageResult{}, err
			}
			if receipt == nil {
				return models.StageResult{}, errors.New("publisher returned no receipt")
			}
			if !receipt.Success {
				return models.StageResult{}, fmt.Errorf("publish to %s failed: %s", receipt.Platform, receipt.Message)
			}
			return models.StageResult{Receipt: receipt}, nil
		},
	}
}
