// Package engine defines the compute-engine collaborator the gateway runs
// statements against.
//
// An Engine builds one Context per identity. Contexts are expensive (they
// negotiate cluster resources) and are shared between sessions by the
// contextcache package. The identity a statement runs as is always explicit.
package engine

import "context"

// Engine builds compute contexts.
type Engine interface {
	// Name returns the engine name reported by GetInfo.
	Name() string

	// Version returns the engine version reported by GetInfo.
	Version() string

	// CreateContext builds a context that executes statements as identity.
	CreateContext(ctx context.Context, identity string, conf map[string]string) (Context, error)
}

// Context is a warm, per-identity execution handle.
type Context interface {
	// Identity returns the identity statements run as.
	Identity() string

	// Execute runs a statement. Implementations must return promptly once
	// ctx is canceled.
	Execute(ctx context.Context, statement string) (*Result, error)

	// Close releases cluster resources held by the context.
	Close() error
}

// Column describes a result column.
type Column struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Nullable bool   `json:"nullable"`
}

// Result is a materialized statement result.
type Result struct {
	Columns []Column `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

// RowCount returns the number of rows.
func (r *Result) RowCount() int {
	if r == nil {
		return 0
	}
	return len(r.Rows)
}
