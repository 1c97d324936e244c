package entity

import (
	"context"
)

type SourceFactories map[string]SourceFactory

// SourceFactory enables sources to be handled as plug-ins to Tabell.
// A factory is registered with Tabell API RegisterSourceType() for a source
// type to be available for derivation specs.
type SourceFactory interface {
	// SourceId returns the source ID for which the source is implemented
	SourceId() string

	// NewSource creates a new source entity
	NewSource(ctx context.Context, c Config) (Source, error)

	// Close is called by Tabell after client has called Tabell API tabell.Shutdown()
	Close() error
}

// Source is the interface required for derivation source implementations.
// The Source implementation should be given its derivation Spec and the name
// of the source section to serve in its constructor, both available in the
// Config provided to the factory.
type Source interface {

	// Materialize (required) reads from the underlying source until the bounds
	// in the source's spec are reached and returns the result as a single
	// bounded table. The caller owns the returned table.
	// Each call produces a fresh materialization.
	Materialize(ctx context.Context) (*Table, error)
}
