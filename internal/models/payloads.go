package models

import (
	"maps"
	"slices"
	"time"
)

// StageKind identifies which capability a pipeline stage exercises
type StageKind string

const (
	StageFetch   StageKind = "fetch"
	StageAnalyze StageKind = "analyze"
	StageCompose StageKind = "compose"
	StagePublish StageKind = "publish"
)

// Valid reports whether k names a known capability
func (k StageKind) Valid() bool {
	switch k {
	case StageFetch, StageAnalyze, StageCompose, StagePublish:
		return true
	}
	return false
}

// Document is the output of the fetch stage
type Document struct {
	URL       string            `json:"url"`
	Title     string            `json:"title"`
	Content   string            `json:"content"`
	Images    []string          `json:"images"`
	Links     []string          `json:"links"`
	Metadata  map[string]string `json:"metadata"`
	FetchedAt time.Time         `json:"fetchedAt"`
}

// Insight is the output of the analyze stage
type Insight struct {
	Summary         string   `json:"summary"`
	KeyPoints       []string `json:"keyPoints"`
	Themes          []string `json:"themes"`
	Sentiment       string   `json:"sentiment"`
	Structure       string   `json:"structure"`
	Recommendations []string `json:"recommendations"`
}

// Draft is the output of the compose stage
type Draft struct {
	Title     string   `json:"title"`
	Content   string   `json:"content"`
	Summary   string   `json:"summary"`
	Tags      []string `json:"tags"`
	WordCount int      `json:"wordCount"`
	Style     string   `json:"style,omitempty"`
}

// Receipt is the output of the publish stage
type Receipt struct {
	Success   bool   `json:"success"`
	Platform  string `json:"platform"`
	ArticleID string `json:"articleId,omitempty"`
	DraftID   string `json:"draftId,omitempty"`
	Message   string `json:"message"`
}

// StageResult holds the typed output of one completed stage.
// Exactly one payload field is set, matching Kind.
type StageResult struct {
	Stage       string    `json:"stage"`
	Kind        StageKind `json:"kind"`
	Document    *Document `json:"document,omitempty"`
	Insight     *Insight  `json:"insight,omitempty"`
	Draft       *Draft    `json:"draft,omitempty"`
	Receipt     *Receipt  `json:"receipt,omitempty"`
	DurationMs  int64     `json:"durationMs"`
	CompletedAt time.Time `json:"completedAt"`
}

// FetchOptions controls what the fetch stage extracts
type FetchOptions struct {
	ExtractImages bool `json:"extractImages"`
	ExtractLinks  bool `json:"extractLinks"`
}

// StyleParams controls how the compose stage writes
type StyleParams struct {
	ArticleStyle   string `json:"articleStyle"`
	TargetAudience string `json:"targetAudience"`
	WordCount      int    `json:"wordCount"`
}

// PublishParams controls where and how the publish stage publishes
type PublishParams struct {
	Platform     string `json:"platform"`
	Author       string `json:"author"`
	DraftOnly    bool   `json:"draftOnly"`
	ThumbMediaID string `json:"thumbMediaId,omitempty"`
}

// Params is the flat set of pipeline parameters, as resolved from
// pipeline defaults and request overrides
type Params struct {
	ArticleStyle   string `json:"articleStyle" yaml:"articleStyle"`
	TargetAudience string `json:"targetAudience" yaml:"targetAudience"`
	WordCount      int    `json:"wordCount" yaml:"wordCount"`
	ExtractImages  bool   `json:"extractImages" yaml:"extractImages"`
	ExtractLinks   bool   `json:"extractLinks" yaml:"extractLinks"`
	Platform       string `json:"platform,omitempty" yaml:"platform"`
	Author         string `json:"author,omitempty" yaml:"author"`
	DraftOnly      bool   `json:"draftOnly" yaml:"draftOnly"`
	ThumbMediaID   string `json:"thumbMediaId,omitempty" yaml:"thumbMediaId"`
}

func (p Params) FetchOptions() FetchOptions {
	return FetchOptions{ExtractImages: p.ExtractImages, ExtractLinks: p.ExtractLinks}
}

func (p Params) Style() StyleParams {
	return StyleParams{ArticleStyle: p.ArticleStyle, TargetAudience: p.TargetAudience, WordCount: p.WordCount}
}

func (p Params) Publish() PublishParams {
	return PublishParams{Platform: p.Platform, Author: p.Author, DraftOnly: p.DraftOnly, ThumbMediaID: p.ThumbMediaID}
}

// PipelineInput is the original input handed to every stage of a run
type PipelineInput struct {
	URL    string `json:"url"`
	Params Params `json:"params"`
}

// PipelineRequest is the body accepted when submitting a pipeline run.
// Nil fields fall back to the pipeline defaults.
type PipelineRequest struct {
	URL            string  `json:"url"`
	ArticleStyle   *string `json:"articleStyle,omitempty"`
	TargetAudience *string `json:"targetAudience,omitempty"`
	WordCount      *int    `json:"wordCount,omitempty"`
	ExtractImages  *bool   `json:"extractImages,omitempty"`
	ExtractLinks   *bool   `json:"extractLinks,omitempty"`
	Author         *string `json:"author,omitempty"`
	DraftOnly      *bool   `json:"draftOnly,omitempty"`
	ThumbMediaID   *string `json:"thumbMediaId,omitempty"`
}

// Apply overlays the request's explicit fields onto p
func (r PipelineRequest) Apply(p Params) Params {
	if r.ArticleStyle != nil {
		p.ArticleStyle = *r.ArticleStyle
	}
	if r.TargetAudience != nil {
		p.TargetAudience = *r.TargetAudience
	}
	if r.WordCount != nil {
		p.WordCount = *r.WordCount
	}
	if r.ExtractImages != nil {
		p.ExtractImages = *r.ExtractImages
	}
	if r.ExtractLinks != nil {
		p.ExtractLinks = *r.ExtractLinks
	}
	if r.Author != nil {
		p.Author = *r.Author
	}
	if r.DraftOnly != nil {
		p.DraftOnly = *r.DraftOnly
	}
	if r.ThumbMediaID != nil {
		p.ThumbMediaID = *r.ThumbMediaID
	}
	return p
}

// Clone returns a deep copy of the document
func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	c := *d
	c.Images = slices.Clone(d.Images)
	c.Links = slices.Clone(d.Links)
	c.Metadata = maps.Clone(d.Metadata)
	return &c
}
