package entity

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// Error types returned by derivers, to be checked with errors.Is().
var (
	// ErrInvalidDeriverConfig is returned when a deriver is created from a
	// config that is missing required properties or combines mutually
	// exclusive ones.
	ErrInvalidDeriverConfig = errors.New("invalid deriver config")

	// ErrDependencyResolution is returned when a deriver cannot single out
	// which of its input tables to operate on.
	ErrDependencyResolution = errors.New("could not resolve dependency")

	// ErrSchemaValidation is returned when the rows of an input table do not
	// satisfy what the deriver requires from them.
	ErrSchemaValidation = errors.New("schema validation failed")
)

// Dependencies holds the materialized source tables available to a deriver in
// a single run, keyed by the source name from the derivation spec.
type Dependencies map[string]*Table

// Resolve returns the single table a deriver should operate on.
// At least one dependency is always required. If step is empty the dependency
// map must contain exactly one table, which is then returned regardless of its
// name. If step is non-empty, the table registered under that name is returned.
// All other cases are resolution errors wrapping ErrDependencyResolution.
func (d Dependencies) Resolve(step string) (*Table, error) {
	if len(d) == 0 {
		return nil, fmt.Errorf("%w, at least one dependency required", ErrDependencyResolution)
	}
	if step == "" {
		if len(d) == 1 {
			for _, table := range d {
				return table, nil
			}
		}
		return nil, fmt.Errorf("%w, step required when more than one dependency is available: %v", ErrDependencyResolution, d.names())
	}
	table, ok := d[step]
	if !ok {
		return nil, fmt.Errorf("%w, step '%s' not found in dependencies: %v", ErrDependencyResolution, step, d.names())
	}
	return table, nil
}

func (d Dependencies) names() []string {
	names := make([]string, 0, len(d))
	for name := range d {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Deriver is the interface to implement for deriver plugins, transforming the
// materialized source tables of a derivation into a single output table.
// Derive() must not modify its input tables.
type Deriver interface {
	Derive(ctx context.Context, deps Dependencies) (*Table, error)
}

// DeriverFactory is the interface to implement for deriver plugins to be
// registered with tabell.Config.RegisterDeriverType().
type DeriverFactory interface {
	// DeriverId returns the deriver type ID to use in the "type" field of the
	// derive section of a derivation spec.
	DeriverId() string

	// NewDeriver creates a deriver entity from the derive section of the spec
	// in c. Config errors are reported here and not from Derive().
	NewDeriver(ctx context.Context, c Config) (Deriver, error)

	Close() error
}

// DeriverFactories provides the set of registered deriver types, keyed by
// deriver type ID.
type DeriverFactories map[string]DeriverFactory
