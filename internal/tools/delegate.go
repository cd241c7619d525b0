package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tomluvoe/agentgw/internal/agent"
	"github.com/tomluvoe/agentgw/internal/skills"
)

// SkillResolver looks up skills by name. Satisfied by skills.Loader.
type SkillResolver interface {
	Get(name string) (*skills.Skill, bool)
}

// SubAgentRunner runs a delegated request to completion at the given
// depth and returns the final text. Satisfied by the service.
type SubAgentRunner interface {
	RunSubAgent(ctx context.Context, skillName, input string, depth int) (string, error)
}

type delegateParams struct {
	SkillName string `json:"skill_name" jsonschema:"description=Name of the skill to delegate the task to"`
	Task      string `json:"task" jsonschema:"description=The task for the sub-agent to perform"`
	Context   string `json:"context,omitempty" jsonschema:"description=Optional background prefixed to the task"`
}

// DelegateTool spawns a sub-agent for another skill. The depth gate is
// checked first so an over-deep chain comes back as data the model can
// react to rather than a failure.
type DelegateTool struct {
	resolver SkillResolver
	runner   SubAgentRunner
	maxDepth int
}

// NewDelegateTool creates the delegation tool.
func NewDelegateTool(resolver SkillResolver, runner SubAgentRunner, maxDepth int) *DelegateTool {
	return &DelegateTool{resolver: resolver, runner: runner, maxDepth: maxDepth}
}

func (t *DelegateTool) Name() string { return "delegate_to_agent" }

func (t *DelegateTool) Description() string {
	return "Delegate a task to another skill. The sub-agent runs in a fresh session and returns its final answer."
}

func (t *DelegateTool) Schema() json.RawMessage {
	return schemaFor(&delegateParams{})
}

func (t *DelegateTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var args delegateParams
	if err := json.Unmarshal(params, &args); err != nil {
		return nil, fmt.Errorf("invalid delegate arguments: %w", err)
	}

	depth := agent.DepthFrom(ctx)
	if depth+1 > t.maxDepth {
		return jsonResult(map[string]any{
			"error":         fmt.Sprintf("maximum orchestration depth %d exceeded", t.maxDepth),
			"current_depth": depth,
		}, true)
	}

	if _, ok := t.resolver.Get(args.SkillName); !ok {
		return jsonResult(map[string]any{
			"error": fmt.Sprintf("unknown skill %q", args.SkillName),
		}, true)
	}

	input := args.Task
	if args.Context != "" {
		input = args.Context + "\n\n" + args.Task
	}

	result, err := t.runner.RunSubAgent(ctx, args.SkillName, input, depth+1)
	if err != nil {
		return jsonResult(map[string]any{
			"error": fmt.Sprintf("delegation to %s failed: %v", args.SkillName, err),
		}, true)
	}

	return jsonResult(map[string]any{
		"status": "ok",
		"skill":  args.SkillName,
		"result": result,
		"depth":  depth + 1,
	}, false)
}

func jsonResult(payload any, isError bool) (*agent.ToolResult, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &agent.ToolResult{Content: string(raw), IsError: isError}, nil
}
