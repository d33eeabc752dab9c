package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/fawad-mazhar/kxcreation/internal/models"
	"github.com/fawad-mazhar/kxcreation/internal/stages"
)

type draftResponse struct {
	Title     string   `json:"title"`
	Content   string   `json:"content"`
	Summary   string   `json:"summary"`
	Tags      []string `json:"tags"`
	WordCount int      `json:"word_count"`
}

// Composer asks a chat model to write an article from an insight
type Composer struct {
	model   model.BaseChatModel
	lenient bool
}

var _ stages.Composer = (*Composer)(nil)

func NewComposer(cm model.BaseChatModel, lenient bool) *Composer {
	return &Composer{model: cm, lenient: lenient}
}

func (c *Composer) Compose(ctx context.Context, insight *models.Insight, style models.StyleParams) (*models.Draft, error) {
	if insight == nil {
		return nil, errors.New("no insight to compose from")
	}

	msgs := []*schema.Message{
		{Role: schema.System, Content: composerSystemPrompt},
		{Role: schema.User, Content: composePrompt(insight, style)},
	}
	out, err := c.model.Generate(ctx, msgs)
	if err != nil {
		return nil, fmt.Errorf("compose: generate: %w", err)
	}

	var resp draftResponse
	if err := decodeJSON(out.Content, &resp); err != nil || strings.TrimSpace(resp.Content) == "" {
		if err == nil {
			err = fmt.Errorf("%w: empty article content", ErrUnparseable)
		}
		if !c.lenient {
			return nil, fmt.Errorf("compose: %w", err)
		}
		slog.Warn("article response is not JSON, using fallback", "style", style.ArticleStyle, "error", err)
		return fallbackDraft(out.Content, insight, style), nil
	}

	draft := &models.Draft{
		Title:     resp.Title,
		Content:   resp.Content,
		Summary:   resp.Summary,
		Tags:      nonNil(resp.Tags),
		WordCount: resp.WordCount,
		Style:     style.ArticleStyle,
	}
	if draft.WordCount <= 0 {
		draft.WordCount = len(strings.Fields(draft.Content))
	}
	if draft.Title == "" {
		draft.Title = truncateRunes(insight.Summary, 100)
	}
	return draft, nil
}

func fallbackDraft(text string, insight *models.Insight, style models.StyleParams) *models.Draft {
	title := truncateRunes(insight.Summary, 100)
	for _, line := range strings.Split(text, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			title = line
			break
		}
	}
	if len(title) >= 6 && strings.EqualFold(title[:6], "title:") {
		title = strings.TrimSpace(title[6:])
	}

	tags := insight.Themes
	if len(tags) > 5 {
		tags = tags[:5]
	}
	return &models.Draft{
		Title:     title,
		Content:   text,
		Summary:   truncateRunes(insight.Summary, 200),
		Tags:      nonNil(append([]string(nil), tags...)),
		WordCount: len(strings.Fields(text)),
		Style:     style.ArticleStyle,
	}
}
