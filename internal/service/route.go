package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tomluvoe/agentgw/internal/agent"
	"github.com/tomluvoe/agentgw/pkg/models"
)

// routeTemperature keeps the planner deterministic.
const routeTemperature = 0.1

// RouteDecision is the planner's choice of skill for a message.
type RouteDecision struct {
	SkillName string `json:"skill_name"`
	Reason    string `json:"reason"`
}

// Route asks the model which loaded skill should handle a message. An
// unparseable or unknown answer falls back to the first skill rather
// than failing the request.
func (s *Service) Route(ctx context.Context, message string) (*RouteDecision, error) {
	loaded := s.skills.List()
	if len(loaded) == 0 {
		return nil, fmt.Errorf("no skills loaded")
	}

	var catalog strings.Builder
	for _, skill := range loaded {
		fmt.Fprintf(&catalog, "- %s: %s", skill.Name, skill.Description)
		if len(skill.Tags) > 0 {
			fmt.Fprintf(&catalog, " (tags: %s)", strings.Join(skill.Tags, ", "))
		}
		catalog.WriteString("\n")
	}

	system := "You are a request router. Pick the single best skill for the user's message from this list:\n\n" +
		catalog.String() +
		"\nAnswer with JSON only: {\"skill_name\": \"<name>\", \"reason\": \"<one sentence>\"}"

	chunks, err := s.provider.Stream(ctx, agent.Request{
		Model:       s.cfg.LLM.Model,
		Temperature: routeTemperature,
		MaxTokens:   256,
		Messages: []*models.Message{
			{Role: models.RoleSystem, Content: system},
			{Role: models.RoleUser, Content: message},
		},
	})
	if err != nil {
		return nil, err
	}

	var text strings.Builder
	for chunk := range chunks {
		if chunk.Err != nil {
			return nil, chunk.Err
		}
		if chunk.Text != "" {
			text.WriteString(chunk.Text)
		}
	}

	decision := parseRouteDecision(text.String())
	if decision != nil {
		if _, ok := s.skills.Get(decision.SkillName); ok {
			return decision, nil
		}
		s.logger.Warn("router chose unknown skill", "skill", decision.SkillName)
	} else {
		s.logger.Warn("router output was not parseable", "output", text.String())
	}

	return &RouteDecision{
		SkillName: loaded[0].Name,
		Reason:    "fallback: router did not produce a usable choice",
	}, nil
}

// parseRouteDecision extracts the decision JSON, tolerating prose or
// code fences around it.
func parseRouteDecision(text string) *RouteDecision {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil
	}
	var decision RouteDecision
	if err := json.Unmarshal([]byte(text[start:end+1]), &decision); err != nil {
		return nil
	}
	if decision.SkillName == "" {
		return nil
	}
	return &decision
}
