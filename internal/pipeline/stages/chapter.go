package stages

import (
	"context"
	"fmt"

	"github.com/inkforge/inkforge-backend/internal/clients/textgen"
	"github.com/inkforge/inkforge-backend/internal/pipeline"
)

// ChapterPipeline drafts and polishes one chapter. The draft stage streams
// tokens to live observers.
func ChapterPipeline(gen textgen.Generator) *pipeline.Definition {
	return &pipeline.Definition{
		ID:       pipeline.TypeChapter,
		Name:     "Chapter",
		Defaults: pipeline.DefaultConfig(),
		Stages: []pipeline.Stage{
			{
				ID:   "gather_context",
				Name: "Gather Context",
				Type: pipeline.StageTypeSetup,
				Run: func(ctx context.Context, sc *pipeline.StageContext) (*pipeline.StageResult, error) {
					brief := stringField(sc.Input, "chapter_brief")
					if brief == "" {
						return nil, fmt.Errorf("input missing chapter_brief")
					}
					sc.Progress.Report(10, "chapter context gathered")
					return &pipeline.StageResult{Output: map[string]any{
						"chapter_brief":    brief,
						"outline":          fromInputOrContext(sc, "outline"),
						"characters":       fromInputOrContext(sc, "characters"),
						"previous_chapter": stringField(sc.Input, "previous_chapter"),
					}}, nil
				},
			},
			{
				ID:                "draft_chapter",
				Name:              "Draft Chapter",
				Type:              pipeline.StageTypeGeneration,
				SupportsStreaming: true,
				Run: func(ctx context.Context, sc *pipeline.StageContext) (*pipeline.StageResult, error) {
					sc.Progress.Step("draft_chapter")
					prompt := fmt.Sprintf(
						"Chapter brief: %s\nOutline:\n%s\nCharacters:\n%s\nEnd of previous chapter:\n%s\n\nWrite the full chapter in polished prose.",
						stringField(sc.Context, "chapter_brief"),
						stringField(sc.Context, "outline"),
						stringField(sc.Context, "characters"),
						stringField(sc.Context, "previous_chapter"))
					draft, err := generate(ctx, sc, gen, true,
						"You are the novelist. Show, don't tell. Stay in the established voice.", prompt)
					if err != nil {
						return nil, err
					}
					sc.Progress.Report(70, "draft complete")
					return &pipeline.StageResult{Output: map[string]any{"chapter_draft": draft}}, nil
				},
			},
			{
				ID:   "polish_chapter",
				Name: "Polish Chapter",
				Type: pipeline.StageTypeGeneration,
				Run: func(ctx context.Context, sc *pipeline.StageContext) (*pipeline.StageResult, error) {
					sc.Progress.Step("polish_chapter")
					prompt := fmt.Sprintf(
						"Draft chapter:\n%s\n\nLine-edit this chapter: tighten prose, fix continuity against the brief, keep length within 10%% of the draft. Return the full revised chapter.",
						stringField(sc.Context, "chapter_draft"))
					polished, err := generate(ctx, sc, gen, false,
						"You are a line editor. Preserve the author's voice.", prompt)
					if err != nil {
						return nil, err
					}
					sc.Progress.Report(100, "chapter polished")
					return &pipeline.StageResult{Output: map[string]any{"chapter_text": polished}}, nil
				},
			},
		},
	}
}
