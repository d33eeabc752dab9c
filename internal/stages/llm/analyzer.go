package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/fawad-mazhar/kxcreation/internal/models"
	"github.com/fawad-mazhar/kxcreation/internal/stages"
)

type insightResponse struct {
	Summary         string          `json:"summary"`
	KeyPoints       []string        `json:"key_points"`
	Themes          []string        `json:"themes"`
	Sentiment       json.RawMessage `json:"sentiment"`
	Structure       json.RawMessage `json:"structure"`
	Recommendations []string        `json:"recommendations"`
}

// Analyzer asks a chat model for a structured analysis of a document
type Analyzer struct {
	model   model.BaseChatModel
	lenient bool
}

var _ stages.Analyzer = (*Analyzer)(nil)

// NewAnalyzer returns an Analyzer. With lenient set, a response that is not
// valid JSON is turned into a best-effort insight instead of an error.
func NewAnalyzer(cm model.BaseChatModel, lenient bool) *Analyzer {
	return &Analyzer{model: cm, lenient: lenient}
}

func (a *Analyzer) Analyze(ctx context.Context, doc *models.Document) (*models.Insight, error) {
	if doc == nil || strings.TrimSpace(doc.Content) == "" {
		return nil, errors.New("no content to analyze")
	}

	msgs := []*schema.Message{
		{Role: schema.System, Content: analyzerSystemPrompt},
		{Role: schema.User, Content: analyzePrompt(doc)},
	}
	out, err := a.model.Generate(ctx, msgs)
	if err != nil {
		return nil, fmt.Errorf("analyze: generate: %w", err)
	}

	var resp insightResponse
	if err := decodeJSON(out.Content, &resp); err != nil {
		if !a.lenient {
			return nil, fmt.Errorf("analyze: %w", err)
		}
		slog.Warn("analysis response is not JSON, using fallback", "title", doc.Title, "error", err)
		return fallbackInsight(out.Content, doc.Title), nil
	}

	insight := &models.Insight{
		Summary:         resp.Summary,
		KeyPoints:       nonNil(resp.KeyPoints),
		Themes:          nonNil(resp.Themes),
		Sentiment:       flatten(resp.Sentiment),
		Structure:       flatten(resp.Structure),
		Recommendations: nonNil(resp.Recommendations),
	}
	if insight.Summary == "" {
		insight.Summary = "Analysis of: " + doc.Title
	}
	return insight, nil
}

func fallbackInsight(text, title string) *models.Insight {
	parts := sentences(text)
	insight := &models.Insight{
		Summary:         "Analysis of: " + title,
		KeyPoints:       []string{"Main content focus", "Supporting details", "Key takeaways"},
		Themes:          []string{"Information", "Knowledge", "Content"},
		Sentiment:       "neutral",
		Structure:       `{"type":"article","sections":["introduction","body","conclusion"],"flow":"linear"}`,
		Recommendations: []string{"Expand on key points", "Add supporting examples", "Include relevant data and statistics"},
	}
	if len(parts) > 0 {
		insight.Summary = parts[0]
	}
	if len(parts) > 1 {
		insight.KeyPoints = parts[1:min(len(parts), 4)]
	}
	return insight
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
