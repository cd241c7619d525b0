package agent

import "context"

// Orchestration depth and the calling skill travel in the context so
// that tool handlers can observe them. The context carries them across
// suspension points but keeps unrelated concurrent requests isolated.

type depthKey struct{}
type skillKey struct{}

// WithDepth returns a context carrying the given orchestration depth.
func WithDepth(ctx context.Context, depth int) context.Context {
	return context.WithValue(ctx, depthKey{}, depth)
}

// DepthFrom returns the orchestration depth carried by ctx, or 0.
func DepthFrom(ctx context.Context) int {
	if d, ok := ctx.Value(depthKey{}).(int); ok {
		return d
	}
	return 0
}

// WithSkillName returns a context carrying the active skill's name.
func WithSkillName(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, skillKey{}, name)
}

// SkillNameFrom returns the active skill name carried by ctx, or "".
func SkillNameFrom(ctx context.Context) string {
	if s, ok := ctx.Value(skillKey{}).(string); ok {
		return s
	}
	return ""
}
