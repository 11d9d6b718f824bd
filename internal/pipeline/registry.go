package pipeline

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Pipeline types. These are the job types the dispatcher and the trigger
// boundary speak.
const (
	TypeNovelSetup = "novel_setup"
	TypeOutline    = "outline"
	TypeChapter    = "chapter"
	TypeReview     = "review"
	TypeFinalize   = "finalize"
)

// Registry holds the process-wide pipeline definitions. Populated once at
// startup; the lock only matters if definitions are ever hot-reloaded.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]*Definition
}

func NewRegistry() *Registry {
	return &Registry{defs: map[string]*Definition{}}
}

// Register inserts or overwrites the definition for def.ID.
func (r *Registry) Register(def *Definition) error {
	if def == nil || strings.TrimSpace(def.ID) == "" {
		return fmt.Errorf("pipeline definition missing id")
	}
	if len(def.Stages) == 0 {
		return fmt.Errorf("pipeline %q has no stages", def.ID)
	}
	seen := map[string]bool{}
	for _, s := range def.Stages {
		if strings.TrimSpace(s.ID) == "" {
			return fmt.Errorf("pipeline %q: stage missing id", def.ID)
		}
		if seen[s.ID] {
			return fmt.Errorf("pipeline %q: duplicate stage id %q", def.ID, s.ID)
		}
		seen[s.ID] = true
		if s.Run == nil {
			return fmt.Errorf("pipeline %q: stage %q has no Run", def.ID, s.ID)
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[def.ID] = def
	return nil
}

// Get returns the definition for a pipeline type, or nil.
func (r *Registry) Get(pipelineType string) *Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defs[pipelineType]
}

// Types returns the registered pipeline types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.defs))
	for t := range r.defs {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
