package expressions

import "context"

// Engine evaluates a textual program against a data environment.
// Three implementations: Expr (arithmetic in templates), CEL (conditions),
// GoJQ (transforms).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
