package entity

import (
	"context"
)

type SinkFactories map[string]SinkFactory

// SinkFactory enables sinks to be handled as plug-ins to Tabell.
// A factory is registered with Tabell API RegisterSinkType() for a sink
// type to be available for derivation specs.
type SinkFactory interface {
	// SinkId returns the sink ID for which the sink is implemented
	SinkId() string

	// NewSink creates a new sink entity
	NewSink(ctx context.Context, c Config) (Sink, error)

	// Close is called by Tabell after client has called Tabell API tabell.Shutdown()
	Close() error
}

// Sink interface required for derivation sink implementations.
// A sink receives the full derived table of a run in a single Store() call and
// decides itself how to map rows to the storage model of its backing service,
// based on its part of the derivation spec.
type Sink interface {

	// Store writes the derived table to the sink.
	// If successful, the ID of the stored resource is returned, if the sink has
	// a meaningful one. The third return value specifies if a failed store
	// operation is retryable and could succeed if attempted again.
	// If input 'table' is nil or has no rows, an error is to be returned.
	Store(ctx context.Context, table *Table) (string, error, bool)

	// Shutdown is called by the runner during shutdown of the derivation
	Shutdown()
}
