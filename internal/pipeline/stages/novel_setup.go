package stages

import (
	"context"
	"fmt"

	"github.com/inkforge/inkforge-backend/internal/clients/textgen"
	"github.com/inkforge/inkforge-backend/internal/pipeline"
)

// NovelSetupPipeline turns a premise into the foundation of a novel: a
// validated brief, a world bible and a character roster.
func NovelSetupPipeline(gen textgen.Generator) *pipeline.Definition {
	return &pipeline.Definition{
		ID:       pipeline.TypeNovelSetup,
		Name:     "Novel Setup",
		Defaults: pipeline.DefaultConfig(),
		Stages: []pipeline.Stage{
			{
				ID:   "validate_premise",
				Name: "Validate Premise",
				Type: pipeline.StageTypeSetup,
				Run: func(ctx context.Context, sc *pipeline.StageContext) (*pipeline.StageResult, error) {
					premise := stringField(sc.Input, "premise")
					if premise == "" {
						return nil, fmt.Errorf("input missing premise")
					}
					genre := stringField(sc.Input, "genre")
					if genre == "" {
						genre = "general fiction"
					}
					sc.Progress.Report(10, "premise validated")
					return &pipeline.StageResult{Output: map[string]any{
						"premise": premise,
						"genre":   genre,
						"title":   stringField(sc.Input, "title"),
					}}, nil
				},
			},
			{
				ID:   "world_building",
				Name: "World Building",
				Type: pipeline.StageTypeGeneration,
				Run: func(ctx context.Context, sc *pipeline.StageContext) (*pipeline.StageResult, error) {
					sc.Progress.Step("world_building")
					prompt := fmt.Sprintf(
						"Premise: %s\nGenre: %s\n\nWrite a concise world bible for this novel: setting, era, rules of the world, tone, and three locations central to the story.",
						stringField(sc.Context, "premise"), stringField(sc.Context, "genre"))
					world, err := generate(ctx, sc, gen, false,
						"You are a novelist's development editor. Be specific and internally consistent.", prompt)
					if err != nil {
						return nil, err
					}
					sc.Progress.Report(60, "world bible drafted")
					return &pipeline.StageResult{Output: map[string]any{"world": world}}, nil
				},
			},
			{
				ID:   "character_profiles",
				Name: "Character Profiles",
				Type: pipeline.StageTypeGeneration,
				Run: func(ctx context.Context, sc *pipeline.StageContext) (*pipeline.StageResult, error) {
					sc.Progress.Step("character_profiles")
					prompt := fmt.Sprintf(
						"Premise: %s\nWorld bible:\n%s\n\nCreate profiles for the protagonist, antagonist and two supporting characters: name, role, motivation, flaw, arc.",
						stringField(sc.Context, "premise"), stringField(sc.Context, "world"))
					chars, err := generate(ctx, sc, gen, false,
						"You are a novelist's development editor. Characters must fit the established world.", prompt)
					if err != nil {
						return nil, err
					}
					sc.Progress.Report(100, "characters ready")
					return &pipeline.StageResult{Output: map[string]any{"characters": chars}}, nil
				},
			},
		},
	}
}
