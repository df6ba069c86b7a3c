package platform

import (
	"github.com/txn2/query-gateway/pkg/engine"
	"github.com/txn2/query-gateway/pkg/engine/memory"
	"github.com/txn2/query-gateway/pkg/engine/postgres"
)

// RegisterBuiltinEngines registers every engine kind this binary ships.
func RegisterBuiltinEngines(r *engine.Registry) {
	r.RegisterFactory(memory.Kind, memory.Factory)
	r.RegisterFactory(postgres.Kind, postgres.Factory)
}

// NewEngineRegistry returns a registry with the built-in engines.
func NewEngineRegistry() *engine.Registry {
	r := engine.NewRegistry()
	RegisterBuiltinEngines(r)
	return r
}
