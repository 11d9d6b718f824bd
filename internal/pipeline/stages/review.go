package stages

import (
	"context"
	"fmt"

	"github.com/inkforge/inkforge-backend/internal/clients/textgen"
	"github.com/inkforge/inkforge-backend/internal/pipeline"
)

// ReviewPipeline runs editorial analysis over drafted material: a
// consistency check and a scored quality report.
func ReviewPipeline(gen textgen.Generator) *pipeline.Definition {
	return &pipeline.Definition{
		ID:       pipeline.TypeReview,
		Name:     "Review",
		Defaults: pipeline.DefaultConfig(),
		Stages: []pipeline.Stage{
			{
				ID:   "analyze_consistency",
				Name: "Analyze Consistency",
				Type: pipeline.StageTypeReview,
				Run: func(ctx context.Context, sc *pipeline.StageContext) (*pipeline.StageResult, error) {
					text := fromInputOrContext(sc, "chapter_text")
					if text == "" {
						return nil, fmt.Errorf("nothing to review; no chapter_text in input or context")
					}
					sc.Progress.Step("analyze_consistency")
					prompt := fmt.Sprintf(
						"Outline:\n%s\nCharacters:\n%s\nChapter:\n%s\n\nList every continuity or consistency problem: contradicted facts, out-of-character actions, timeline errors. Say 'none found' if clean.",
						fromInputOrContext(sc, "outline"),
						fromInputOrContext(sc, "characters"),
						text)
					report, err := generate(ctx, sc, gen, false,
						"You are a continuity editor. Report problems only, no rewrites.", prompt)
					if err != nil {
						return nil, err
					}
					sc.Progress.Report(50, "consistency analyzed")
					return &pipeline.StageResult{Output: map[string]any{
						"chapter_text":       text,
						"consistency_report": report,
					}}, nil
				},
			},
			{
				ID:   "score_quality",
				Name: "Score Quality",
				Type: pipeline.StageTypeReview,
				Run: func(ctx context.Context, sc *pipeline.StageContext) (*pipeline.StageResult, error) {
					sc.Progress.Step("score_quality")
					prompt := fmt.Sprintf(
						"Chapter:\n%s\nConsistency report:\n%s\n\nScore the chapter 1-10 on pacing, prose, dialogue and tension, with one sentence of justification each, then an overall verdict.",
						stringField(sc.Context, "chapter_text"),
						stringField(sc.Context, "consistency_report"))
					scores, err := generate(ctx, sc, gen, false,
						"You are an acquisitions editor. Be blunt and specific.", prompt)
					if err != nil {
						return nil, err
					}
					sc.Progress.Report(100, "review complete")
					return &pipeline.StageResult{Output: map[string]any{"quality_report": scores}}, nil
				},
			},
		},
	}
}
