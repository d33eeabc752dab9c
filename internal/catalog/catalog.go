// Package catalog binds pipeline definitions to stage adapters.
package catalog

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/fawad-mazhar/kxcreation/internal/config"
	"github.com/fawad-mazhar/kxcreation/internal/models"
	"github.com/fawad-mazhar/kxcreation/internal/stages"
)

// Adapters are the capabilities available to pipelines. A nil adapter
// makes every pipeline that needs it fail to bind.
type Adapters struct {
	Fetcher   stages.Fetcher
	Analyzer  stages.Analyzer
	Composer  stages.Composer
	Publisher stages.Publisher
}

// Limits bound request parameters
type Limits struct {
	MinWordCount int
	MaxWordCount int
}

// Pipeline is a named, bound sequence of stages
type Pipeline struct {
	Name        string
	Description string
	Stages      []stages.Stage
	Defaults    models.Params
}

// StageNames returns the stage names in order
func (p *Pipeline) StageNames() []string {
	names := make([]string, len(p.Stages))
	for i, s := range p.Stages {
		names[i] = s.Name
	}
	return names
}

// Catalog is an immutable registry of pipelines, safe for concurrent use
type Catalog struct {
	pipelines map[string]*Pipeline
	limits    Limits
}

// New binds every definition to its adapters. It fails if a stage names an
// unknown kind or a capability with no adapter.
func New(defs []config.PipelineDefinition, adapters Adapters, limits Limits) (*Catalog, error) {
	c := &Catalog{
		pipelines: make(map[string]*Pipeline, len(defs)),
		limits:    limits,
	}

	for _, def := range defs {
		if def.Name == "" {
			return nil, fmt.Errorf("pipeline without a name")
		}
		if _, dup := c.pipelines[def.Name]; dup {
			return nil, fmt.Errorf("duplicate pipeline %q", def.Name)
		}
		if len(def.Stages) == 0 {
			return nil, fmt.Errorf("pipeline %q has no stages", def.Name)
		}

		p := &Pipeline{
			Name:        def.Name,
			Description: def.Description,
			Defaults:    def.Defaults,
			Stages:      make([]stages.Stage, 0, len(def.Stages)),
		}
		for _, sd := range def.Stages {
			st, err := bind(sd, adapters)
			if err != nil {
				return nil, fmt.Errorf("pipeline %q: %w", def.Name, err)
			}
			p.Stages = append(p.Stages, st)
		}
		c.pipelines[def.Name] = p
	}
	return c, nil
}

func bind(sd config.StageDefinition, a Adapters) (stages.Stage, error) {
	name := sd.Name
	if name == "" {
		name = string(sd.Kind)
	}
	if sd.Timeout <= 0 {
		return stages.Stage{}, fmt.Errorf("stage %q has no timeout", name)
	}

	missing := func() (stages.Stage, error) {
		return stages.Stage{}, fmt.Errorf("stage %q: no %s adapter configured", name, sd.Kind)
	}

	switch sd.Kind {
	case models.StageFetch:
		if a.Fetcher == nil {
			return missing()
		}
		return stages.FetchStage(name, sd.Timeout, a.Fetcher), nil
	case models.StageAnalyze:
		if a.Analyzer == nil {
			return missing()
		}
		return stages.AnalyzeStage(name, sd.Timeout, a.Analyzer), nil
	case models.StageCompose:
		if a.Composer == nil {
			return missing()
		}
		return stages.ComposeStage(name, sd.Timeout, a.Composer), nil
	case models.StagePublish:
		if a.Publisher == nil {
			return missing()
		}
		return stages.PublishStage(name, sd.Timeout, a.Publisher), nil
	default:
		return stages.Stage{}, fmt.Errorf("stage %q has unknown kind %q", name, sd.Kind)
	}
}

// Lookup returns the pipeline registered under name
func (c *Catalog) Lookup(name string) (*Pipeline, error) {
	p, ok := c.pipelines[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrUnknownPipeline, name)
	}
	return p, nil
}

// List returns every pipeline ordered by name
func (c *Catalog) List() []*Pipeline {
	out := make([]*Pipeline, 0, len(c.pipelines))
	for _, p := range c.pipelines {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Resolve looks up the pipeline, overlays the request on its defaults and
// validates the resulting input
func (c *Catalog) Resolve(name string, req models.PipelineRequest) (*Pipeline, models.PipelineInput, error) {
	p, err := c.Lookup(name)
	if err != nil {
		return nil, models.PipelineInput{}, err
	}

	input := models.PipelineInput{
		URL:    strings.TrimSpace(req.URL),
		Params: req.Apply(p.Defaults),
	}
	if err := c.Validate(input); err != nil {
		return nil, models.PipelineInput{}, err
	}
	return p, input, nil
}

// Validate checks the URL and parameter bounds of an input
func (c *Catalog) Validate(input models.PipelineInput) error {
	if err := ValidateURL(input.URL); err != nil {
		return err
	}
	wc := input.Params.WordCount
	if c.limits.MinWordCount > 0 && wc < c.limits.MinWordCount {
		return fmt.Errorf("%w: wordCount %d is below %d", models.ErrInvalidInput, wc, c.limits.MinWordCount)
	}
	if c.limits.MaxWordCount > 0 && wc > c.limits.MaxWordCount {
		return fmt.Errorf("%w: wordCount %d is above %d", models.ErrInvalidInput, wc, c.limits.MaxWordCount)
	}
	return nil
}

// ValidateURL accepts absolute http(s) URLs only
func ValidateURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("%w: url is required", models.ErrInvalidInput)
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: url must be an absolute http(s) url", models.ErrInvalidInput)
	}
	return nil
}

// Timeout returns the total of the pipeline's stage timeouts
func (p *Pipeline) Timeout() time.Duration {
	var total time.Duration
	for _, s := range p.Stages {
		total += s.Timeout
	}
	return total
}
