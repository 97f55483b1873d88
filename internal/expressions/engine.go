package expressions

import "context"

// Engine evaluates a standalone expression language over a data map.
// Three implementations: CEL (task conditions), GoJQ (output selectors) and
// Expr (event trigger filters). The $[...] reference language is handled by
// Evaluator.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
