package stages

import (
	"context"
	"fmt"

	"github.com/inkforge/inkforge-backend/internal/clients/textgen"
	"github.com/inkforge/inkforge-backend/internal/pipeline"
)

// OutlinePipeline builds the plot arc and a chapter-by-chapter breakdown
// from the setup material.
func OutlinePipeline(gen textgen.Generator) *pipeline.Definition {
	return &pipeline.Definition{
		ID:       pipeline.TypeOutline,
		Name:     "Outline",
		Defaults: pipeline.DefaultConfig(),
		Stages: []pipeline.Stage{
			{
				ID:   "load_context",
				Name: "Load Context",
				Type: pipeline.StageTypeSetup,
				Run: func(ctx context.Context, sc *pipeline.StageContext) (*pipeline.StageResult, error) {
					premise := fromInputOrContext(sc, "premise")
					if premise == "" {
						return nil, fmt.Errorf("no premise available; run novel setup first")
					}
					sc.Progress.Report(10, "context loaded")
					return &pipeline.StageResult{Output: map[string]any{
						"premise":    premise,
						"world":      fromInputOrContext(sc, "world"),
						"characters": fromInputOrContext(sc, "characters"),
					}}, nil
				},
			},
			{
				ID:   "plot_arc",
				Name: "Plot Arc",
				Type: pipeline.StageTypeGeneration,
				Run: func(ctx context.Context, sc *pipeline.StageContext) (*pipeline.StageResult, error) {
					sc.Progress.Step("plot_arc")
					prompt := fmt.Sprintf(
						"Premise: %s\nWorld:\n%s\nCharacters:\n%s\n\nLay out the novel's plot arc in three acts: inciting incident, midpoint reversal, climax, resolution.",
						stringField(sc.Context, "premise"),
						stringField(sc.Context, "world"),
						stringField(sc.Context, "characters"))
					arc, err := generate(ctx, sc, gen, false,
						"You are a story structure editor. Every beat must follow from character motivation.", prompt)
					if err != nil {
						return nil, err
					}
					sc.Progress.Report(60, "plot arc drafted")
					return &pipeline.StageResult{Output: map[string]any{"plot_arc": arc}}, nil
				},
			},
			{
				ID:   "chapter_breakdown",
				Name: "Chapter Breakdown",
				Type: pipeline.StageTypeGeneration,
				Run: func(ctx context.Context, sc *pipeline.StageContext) (*pipeline.StageResult, error) {
					sc.Progress.Step("chapter_breakdown")
					prompt := fmt.Sprintf(
						"Plot arc:\n%s\n\nBreak this into numbered chapters. For each: a title, the POV character, a one-paragraph summary, and what changes by the end.",
						stringField(sc.Context, "plot_arc"))
					outline, err := generate(ctx, sc, gen, false,
						"You are a story structure editor. Chapters must cover the whole arc with no gaps.", prompt)
					if err != nil {
						return nil, err
					}
					sc.Progress.Report(100, "outline complete")
					return &pipeline.StageResult{Output: map[string]any{"outline": outline}}, nil
				},
			},
		},
	}
}
