package stages

import (
	"context"
	"fmt"
	"strings"

	"github.com/inkforge/inkforge-backend/internal/clients/textgen"
	"github.com/inkforge/inkforge-backend/internal/pipeline"
)

// FinalizePipeline assembles the finished chapters into a manuscript and
// produces the marketing copy.
func FinalizePipeline(gen textgen.Generator) *pipeline.Definition {
	return &pipeline.Definition{
		ID:       pipeline.TypeFinalize,
		Name:     "Finalize",
		Defaults: pipeline.DefaultConfig(),
		Stages: []pipeline.Stage{
			{
				ID:   "compile_manuscript",
				Name: "Compile Manuscript",
				Type: pipeline.StageTypeSetup,
				Run: func(ctx context.Context, sc *pipeline.StageContext) (*pipeline.StageResult, error) {
					raw, ok := sc.Input["chapters"].([]any)
					if !ok || len(raw) == 0 {
						return nil, fmt.Errorf("input missing chapters")
					}
					var sb strings.Builder
					for i, c := range raw {
						text, _ := c.(string)
						if strings.TrimSpace(text) == "" {
							return nil, fmt.Errorf("chapter %d is empty", i+1)
						}
						fmt.Fprintf(&sb, "Chapter %d\n\n%s\n\n", i+1, strings.TrimSpace(text))
					}
					sc.Progress.Report(30, fmt.Sprintf("compiled %d chapters", len(raw)))
					return &pipeline.StageResult{Output: map[string]any{
						"manuscript":    sb.String(),
						"chapter_count": len(raw),
					}}, nil
				},
			},
			{
				ID:   "front_matter",
				Name: "Front Matter",
				Type: pipeline.StageTypeGeneration,
				Run: func(ctx context.Context, sc *pipeline.StageContext) (*pipeline.StageResult, error) {
					sc.Progress.Step("front_matter")
					manuscript := stringField(sc.Context, "manuscript")
					sample := manuscript
					if len(sample) > 8000 {
						sample = sample[:8000]
					}
					prompt := fmt.Sprintf(
						"Opening of the manuscript:\n%s\n\nWrite the front matter: a working title (unless one exists: %q), a one-paragraph synopsis, and a 100-word back-cover blurb.",
						sample, fromInputOrContext(sc, "title"))
					fm, err := generate(ctx, sc, gen, false,
						"You are a publishing copywriter.", prompt)
					if err != nil {
						return nil, err
					}
					sc.Progress.Report(100, "manuscript finalized")
					return &pipeline.StageResult{Output: map[string]any{"front_matter": fm}}, nil
				},
			},
		},
	}
}
