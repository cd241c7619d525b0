// Package skills loads and validates declarative skill definitions.
package skills

import (
	"fmt"
	"strings"
)

// Defaults applied to fields a skill file omits.
const (
	DefaultTemperature   = 0.7
	DefaultMaxIterations = 10
	DefaultRAGTopK       = 5
)

// RAGContext configures automatic retrieval for a skill. When enabled,
// every request issues a vector search and injects the results into the
// prompt. An empty Skills filter defaults to the skill's own name.
type RAGContext struct {
	Enabled bool     `yaml:"enabled"`
	Skills  []string `yaml:"skills,omitempty"`
	Tags    []string `yaml:"tags,omitempty"`
	TopK    int      `yaml:"top_k,omitempty"`
}

// Example is one few-shot user/assistant pair.
type Example struct {
	User      string `yaml:"user"`
	Assistant string `yaml:"assistant"`
}

// Skill is a declarative agent definition. Skills are immutable after
// load; a reload swaps the whole set.
type Skill struct {
	Name         string      `yaml:"name"`
	Description  string      `yaml:"description"`
	SystemPrompt string      `yaml:"system_prompt"`
	Tools        []string    `yaml:"tools,omitempty"`
	Model        string      `yaml:"model,omitempty"`
	Temperature  *float64    `yaml:"temperature,omitempty"`
	MaxIterations int        `yaml:"max_iterations,omitempty"`
	Tags         []string    `yaml:"tags,omitempty"`
	Examples     []Example   `yaml:"examples,omitempty"`
	SubAgents    []string    `yaml:"sub_agents,omitempty"`
	RAGContext   *RAGContext `yaml:"rag_context,omitempty"`
}

// EffectiveTemperature returns the skill's temperature or the default.
func (s *Skill) EffectiveTemperature() float64 {
	if s.Temperature != nil {
		return *s.Temperature
	}
	return DefaultTemperature
}

// applyDefaults fills in omitted optional fields.
func (s *Skill) applyDefaults() {
	if s.MaxIterations == 0 {
		s.MaxIterations = DefaultMaxIterations
	}
	if s.RAGContext != nil && s.RAGContext.TopK == 0 {
		s.RAGContext.TopK = DefaultRAGTopK
	}
}

// Validate checks the skill definition in isolation. Cross-skill checks
// (duplicate names, sub-agent references) happen in the loader.
func (s *Skill) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("skill name is required")
	}
	if !isSkillName(s.Name) {
		return fmt.Errorf("skill name %q must be lowercase alphanumeric with hyphens or underscores", s.Name)
	}
	if strings.TrimSpace(s.Description) == "" {
		return fmt.Errorf("skill %s: description is required", s.Name)
	}
	if strings.TrimSpace(s.SystemPrompt) == "" {
		return fmt.Errorf("skill %s: system_prompt is required", s.Name)
	}
	if s.Temperature != nil && (*s.Temperature < 0 || *s.Temperature > 2) {
		return fmt.Errorf("skill %s: temperature %v outside [0, 2]", s.Name, *s.Temperature)
	}
	if s.MaxIterations < 0 {
		return fmt.Errorf("skill %s: max_iterations must be positive", s.Name)
	}
	if s.RAGContext != nil && s.RAGContext.TopK < 0 {
		return fmt.Errorf("skill %s: rag_context.top_k must be positive", s.Name)
	}
	return nil
}

func isSkillName(name string) bool {
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '_':
		default:
			return false
		}
	}
	return true
}
