package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/fawad-mazhar/kxcreation/internal/config"
)

// NewPipelinesCommand returns the pipelines subcommand.
func NewPipelinesCommand() *cli.Command {
	return &cli.Command{
		Name:   "pipelines",
		Usage:  "List the configured pipelines",
		Action: runPipelines,
	}
}

func runPipelines(_ context.Context, cmd *cli.Command) error {
	setupLogging(cmd)

	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	w := cmd.Root().Writer
	for _, p := range cfg.Pipelines {
		fmt.Fprintf(w, "%s\t%s\n", p.Name, p.Description)
		steps := make([]string, 0, len(p.Stages))
		for _, s := range p.Stages {
			steps = append(steps, fmt.Sprintf("%s(%s, %v)", s.Name, s.Kind, s.Timeout))
		}
		fmt.Fprintf(w, "  stages: %s\n", strings.Join(steps, " -> "))
		fmt.Fprintf(w, "  defaults: style=%s audience=%s wordCount=%d\n",
			p.Defaults.ArticleStyle, p.Defaults.TargetAudience, p.Defaults.WordCount)
	}
	return nil
}
