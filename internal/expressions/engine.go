package expressions

import "context"

// Engine evaluates expressions against pipeline data.
// Three implementations: Expr (stage guard conditions in express plans),
// CEL (subscriber event filters), GoJQ (feedback summary queries).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
