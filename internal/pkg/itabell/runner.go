package itabell

import (
	"context"

	"github.com/zpiroux/tabell/entity"
)

// Runner interface required for derivation Runners, executing a single
// assembled derivation.
type Runner interface {
	Derivation() Derivation
	DerivationId() string

	// Run executes one full cycle of the derivation, from source
	// materialization via the deriver to the sinks, and returns the derived
	// table.
	Run(ctx context.Context) (*entity.Table, error)

	// Derive executes the deriver only, on externally provided dependency
	// tables, without involving the derivation's sources or sinks.
	Derive(ctx context.Context, deps entity.Dependencies) (*entity.Table, error)

	Metrics() entity.Metrics
	Shutdown(ctx context.Context)
}
