// Package stages defines the concrete novel-generation pipelines and
// registers them with the engine's registry.
package stages

import (
	"context"
	"fmt"
	"strings"

	"github.com/inkforge/inkforge-backend/internal/clients/textgen"
	"github.com/inkforge/inkforge-backend/internal/pipeline"
)

// RegisterAll installs every pipeline definition. Called once at startup.
func RegisterAll(reg *pipeline.Registry, gen textgen.Generator) error {
	for _, def := range []*pipeline.Definition{
		NovelSetupPipeline(gen),
		OutlinePipeline(gen),
		ChapterPipeline(gen),
		ReviewPipeline(gen),
		FinalizePipeline(gen),
	} {
		if err := reg.Register(def); err != nil {
			return fmt.Errorf("register %s: %w", def.ID, err)
		}
	}
	return nil
}

// generate is the shared stage-to-model call. Streaming chunks go to the
// progress reporter when the stage supports it.
func generate(ctx context.Context, sc *pipeline.StageContext, gen textgen.Generator, streaming bool, system, prompt string) (string, error) {
	req := textgen.Request{
		System:      system,
		Prompt:      prompt,
		Temperature: 0.8,
	}
	if streaming && sc.Progress != nil {
		req.OnToken = sc.Progress.Token
	}
	res, err := gen.Generate(ctx, req)
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(res.Text)
	if text == "" {
		return "", fmt.Errorf("model returned empty output")
	}
	return text, nil
}

func stringField(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return strings.TrimSpace(s)
}

// fromInputOrContext prefers the per-run input, falling back to what earlier
// pipelines left in the accumulated context.
func fromInputOrContext(sc *pipeline.StageContext, key string) string {
	if v := stringField(sc.Input, key); v != "" {
		return v
	}
	return stringField(sc.Context, key)
}
