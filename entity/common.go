package entity

import (
	"errors"
)

// Native derivation entity types (sources, sinks or both)
type EntityType string

const (
	EntityInvalid   EntityType = "invalid"
	EntityVoid      EntityType = "void"
	EntityInline    EntityType = "inline"
	EntityRowSim    EntityType = "rowsim"
	EntityKafka     EntityType = "kafka"
	EntityPubsub    EntityType = "pubsub"
	EntityPostgres  EntityType = "postgres"
	EntityFirestore EntityType = "firestore"
	EntityBigTable  EntityType = "bigtable"
	EntityBigQuery  EntityType = "bigquery"
)

var ReservedEntityNames = map[string]bool{
	string(EntityInvalid):   true,
	string(EntityVoid):      true,
	string(EntityInline):    true,
	string(EntityRowSim):    true,
	string(EntityKafka):     true,
	string(EntityPubsub):    true,
	string(EntityPostgres):  true,
	string(EntityFirestore): true,
	string(EntityBigTable):  true,
	string(EntityBigQuery):  true,
}

// Deriver type ids registered natively by Tabell. External deriver factories
// cannot be registered with any of these ids.
var ReservedDeriverNames = map[string]bool{
	"select":      true,
	"passthrough": true,
	"distinct":    true,
	"filter":      true,
	"jsonExtract": true,
	"regexp":      true,
}

// Config is the entity Config to use with Entity factories
type Config struct {
	Spec *Spec

	// ID is the unique instance ID of the derivation the entity is part of
	ID string

	// Name is the dependency name the entity provides, when applicable.
	// For sources this is the source name from the spec, keying the
	// materialized table in the dependency map. Empty for derivers and sinks.
	Name string

	NotifyChan NotifyChan
	Log        bool
}

// Metrics provided by the engine of its operations. Accessible from Tabell API
// with tabell.Metrics()
type Metrics struct {

	// Total number of completed calls to the Runner's Run method, regardless
	// of the outcome.
	Runs int64

	// Number of runs terminated with an error
	RunsFailed int64

	// Total number of rows materialized from all sources
	RowsMaterialized int64

	// Total time spent materializing source tables
	MaterializationTimeMicros int64

	// Total number of rows in successfully derived output tables
	RowsDerived int64

	// Total time spent by the Deriver producing output tables
	DeriveTimeMicros int64

	// Total number of rows successfully stored in sinks
	RowsStoredInSink int64

	// Total time spent ingesting derived tables in sinks successfully
	SinkProcessingTimeMicros int64

	// Total number of successful calls to the Sink's Store method
	SinkOperations int64
}

func (m *Metrics) Reset() {
	m.Runs = 0
	m.RunsFailed = 0
	m.RowsMaterialized = 0
	m.MaterializationTimeMicros = 0
	m.RowsDerived = 0
	m.DeriveTimeMicros = 0
	m.RowsStoredInSink = 0
	m.SinkProcessingTimeMicros = 0
	m.SinkOperations = 0
}

// Some derivation entities need different configurations based on environments.
// This is not possible to set in the generic Tabell build config since entities
// are configured in externally provided derivation specs. The environment
// concept is therefore required to be known to the entity and to the spec.
//
// The following env types are provided by Tabell for consistency across entity
// plugins, but any type of custom string can be used by plugin entities.
// For example, a custom plugin source could support having "env": "someregion-staging"
// in the derivation spec using that source, since the source implementation can
// cast the Environment type back to string when matching.
type Environment string

const (
	EnvironmentAll   Environment = "all"
	EnvironmentDev   Environment = "dev"
	EnvironmentStage Environment = "stage"
	EnvironmentProd  Environment = "prod"
)

// An entity can request to be shut down. This error code should be returned and
// it's up to the Runner to decide if the entire derivation should be shut down
// or any other action to be taken.
var ErrEntityShutdownRequested = errors.New("entity shutdown requested")
