package clove

import "context"

// Decision allows bypassing engine checks for admin tools and tests.
// Decisions are set at Checker construction time via WithDecision, making
// the bypass explicit and visible in code.
type Decision int

// decisionContextKey is a private type so context keys cannot collide.
type decisionContextKey struct{}

var decisionKey = decisionContextKey{}

const (
	// DecisionUnset means no override - perform the normal check.
	DecisionUnset Decision = iota

	// DecisionAllow bypasses checks and always returns true (allowed).
	// Use for admin tools, background jobs, or testing authorized code paths.
	DecisionAllow

	// DecisionDeny bypasses checks and always returns false (denied).
	// Use for testing unauthorized code paths without store setup.
	DecisionDeny
)

// WithDecisionContext returns a new context with the given decision.
// This allows decision overrides to flow through context rather than
// requiring explicit Checker construction.
//
// Prefer the WithDecision option for explicit control. Use context-based
// decisions when the override needs to propagate through multiple layers
// where passing a Checker instance is impractical.
//
// Note: the Checker does NOT consult this context value unless
// WithContextDecision was enabled at construction.
func WithDecisionContext(ctx context.Context, decision Decision) context.Context {
	return context.WithValue(ctx, decisionKey, decision)
}

// GetDecisionContext retrieves the decision from context.
// Returns DecisionUnset if no decision is set.
func GetDecisionContext(ctx context.Context) Decision {
	if decision, ok := ctx.Value(decisionKey).(Decision); ok {
		return decision
	}
	return DecisionUnset
}
