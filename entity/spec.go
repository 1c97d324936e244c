package entity

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// General Ops defaults
const (
	DefaultMaxSinkRetries                 = 5
	DefaultMaxSinkRetryBackoffIntervalSec = 30
)

// Data processing options
const TabellDeriveTime = "@tabellDeriveTime"

// Spec implements the Tabell Derivation Spec and specifies how each derivation
// should be executed from Sources to Derive to Sinks. Specs are registered with
// the Tabell API RegisterDerivation().
// The Namespace + DerivationIdSuffix combination must be unique (forming a
// Tabell Derivation ID). To succeed with an upgrade of an existing spec the
// version number needs to be incremented.
type Spec struct {
	// Main metadata (required)
	Namespace          string `json:"namespace"`
	DerivationIdSuffix string `json:"derivationIdSuffix"`
	Description        string `json:"description"`
	Version            int    `json:"version"`

	// Operational config (optional)
	Disabled  bool           `json:"disabled"`
	Ops       Ops            `json:"ops"`
	OpsPerEnv map[string]Ops `json:"opsPerEnv,omitempty"`

	// Derivation entity config.
	// Sources provide the input tables (keyed by their names), Derive produces
	// the derived table from them, and Sinks receive the result. Only Derive is
	// required; a spec without sources can only be executed with externally
	// provided input tables and a spec without sinks only returns its result.
	Sources []SourceSpec `json:"sources,omitempty"`
	Derive  DeriveSpec   `json:"derive"`
	Sinks   []SinkSpec   `json:"sinks,omitempty"`
}

// NewSpec creates a new Spec from JSON and validates it both against the JSON
// schema and the model validation logic on the created spec.
func NewSpec(specData []byte) (*Spec, error) {
	var spec Spec
	if len(specData) == 0 {
		return nil, errors.New("no spec data provided")
	}

	if err := validateRawJson(specData); err != nil {
		return nil, err
	}

	err := json.Unmarshal(specData, &spec)
	if err == nil {
		spec.EnsureValidDefaults()
		err = spec.Validate()
	}
	return &spec, err
}

func NewEmptySpec() *Spec {
	var spec Spec
	spec.EnsureValidDefaults()
	return &spec
}

func (s *Spec) Id() string {
	return s.Namespace + "-" + s.DerivationIdSuffix
}

func (s *Spec) IsDisabled() bool {
	return s.Disabled
}

// SourceSpecByName returns the source section registered under the provided
// name, or nil if the spec has no such source.
func (s *Spec) SourceSpecByName(name string) *SourceSpec {
	for i := range s.Sources {
		if s.Sources[i].Name == name {
			return &s.Sources[i]
		}
	}
	return nil
}

// SinkSpecByType returns the sink section with the provided sink type, or nil
// if the spec has no such sink. Sink types are unique within a spec.
func (s *Spec) SinkSpecByType(sinkType EntityType) *SinkSpec {
	for i := range s.Sinks {
		if s.Sinks[i].Type == sinkType {
			return &s.Sinks[i]
		}
	}
	return nil
}

func (s *Spec) EnsureValidDefaults() {
	s.Ops.EnsureValidDefaults()
	for env, ops := range s.OpsPerEnv {
		ops.EnsureValidDefaults()
		s.OpsPerEnv[env] = ops
	}
}

type Ops struct {
	// MaxSinkRetries specifies how many times a failed store operation should be
	// attempted again, if deemed retryable by the sink, before the run is
	// terminated with an error.
	// If omitted it is set to DefaultMaxSinkRetries.
	MaxSinkRetries int `json:"maxSinkRetries"`

	// MaxSinkRetryBackoffIntervalSec specifies the max time between retries of
	// retryable store failures, after exponential backoff.
	// If omitted or zero it is set to DefaultMaxSinkRetryBackoffIntervalSec.
	MaxSinkRetryBackoffIntervalSec int `json:"maxSinkRetryBackoffIntervalSec"`

	// LogTableData is useful for enabling granular table level debugging dynamically
	// for specific derivations without having to redeploy the service using Tabell.
	// To troubleshoot a specific derivation a new version of the spec can be
	// registered at run-time with this field set to true.
	LogTableData bool `json:"logTableData"`

	// CustomProperties can be used to configure processing in any type of custom
	// connector or injected hook logic.
	CustomProperties map[string]string `json:"customProperties"`
}

func (o *Ops) EnsureValidDefaults() {
	if o.MaxSinkRetries <= 0 {
		o.MaxSinkRetries = DefaultMaxSinkRetries
	}
	if o.MaxSinkRetryBackoffIntervalSec <= 0 {
		o.MaxSinkRetryBackoffIntervalSec = DefaultMaxSinkRetryBackoffIntervalSec
	}
}

// Source spec
type SourceSpec struct {
	// Name is the name under which the materialized table is exposed to the
	// deriver. It must be unique within the spec.
	Name string `json:"name"`

	Type   EntityType   `json:"type"`
	Config SourceConfig `json:"config"`
}

type SourceConfig struct {
	Topics       []Topics      `json:"topics,omitempty"`
	Subscription *Subscription `json:"subscription,omitempty"`

	// PollTimeoutMs is a Kafka consumer specific property, specifying after how long
	// time to return from the Poll() call, if no messages are available for consumption.
	// If this is omitted the value will be set to the loaded Kafka entity config default.
	// It has no impact on throughput. A higher value will lower the cpu load on idle
	// sources.
	PollTimeoutMs *int `json:"pollTimeoutMs,omitempty"`

	// MaxRows bounds the materialization; the source stops reading when this many
	// rows have been collected. If omitted the value will be set to the loaded
	// entity config default. Sources over unbounded backends (e.g. Kafka, Pubsub)
	// require a bound from either this field or MaxWaitSeconds.
	MaxRows *int `json:"maxRows,omitempty"`

	// MaxWaitSeconds bounds the materialization in time; the source returns the
	// rows collected so far when this much time has passed, even if MaxRows has
	// not been reached.
	MaxWaitSeconds *int `json:"maxWaitSeconds,omitempty"`

	// Query holds the SQL query for table based sources such as Postgres. The
	// column names of the query result become the column names of the
	// materialized table.
	Query string `json:"query,omitempty"`

	// Properties holds direct low-level entity properties like Kafka consumer props
	Properties []Property `json:"properties,omitempty"`

	// CustomConfig can be used by source plugins for config options not explicitly
	// provided by the Spec struct. The built-in "inline" and "rowsim" sources take
	// their full config from this field.
	CustomConfig any `json:"customConfig,omitempty"`
}

type Topics struct {
	// Env specifies for which environment/stage the topic names config should be used.
	// Allowed values are "all" or any string matching the config provided to
	// registered entity factories. Normally, "dev", "stage", and "prod" is used.
	Env   Environment `json:"env,omitempty"`
	Names []string    `json:"names,omitempty"`
}

type Subscription struct {
	// Type can be:
	//
	// 		"shared" - meaning multiple consumers share this subscription in a
	//				   competing consumer pattern. Only one of the subscribers will
	//				   receive each event.
	//				   If this is set, the name of the subscription needs to be
	//				   present in the "Name" field.
	//
	//		"unique" - meaning each materialization will have its own unique
	//				   subscription, created when the source is created.
	//				   If this is set, a unique subscription name will be created
	//				   and the Name field is ignored.
	Type string `json:"type,omitempty"`

	Name string `json:"name,omitempty"`
}

type Property struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Derive spec
type DeriveSpec struct {
	// Type denotes the deriver type to create for this derivation, e.g. "select".
	Type EntityType `json:"type"`

	// Config holds the deriver specific config. Each deriver type defines and
	// parses its own config properties from this object, reporting violations
	// when the deriver is created rather than when it runs.
	Config map[string]any `json:"config,omitempty"`
}

// Sink spec. Each sink type can only occur once per spec, since sink entities
// locate their config section by type.
type SinkSpec struct {
	// Type specifies the type of sink into which the derived table should be stored.
	// Important constraints are noted below for each sink type where needed.
	//
	//		"bigquery" - Each row to be inserted should be well below 5MB to avoid
	//                   BigQuery http request size limit of 10MB for streaming inserts.
	//      "kafka"    - Max size of published row events are default set to 2MB, but
	//                   topics can set this higher to max 8MB.
	Type EntityType `json:"type"`

	Config *SinkConfig `json:"config,omitempty"`
}

type SinkConfig struct {
	Topic   []SinkTopic `json:"topic,omitempty"`
	Message *Message    `json:"message,omitempty"`
	Tables  []SinkTable `json:"tables,omitempty"`
	Kinds   []Kind      `json:"kinds,omitempty"`

	// Synchronous is used by the Kafka sink to specify if ensuring each row event is
	// guaranteed to be persisted to broker (Synchronous: true), giving lower
	// throughput, or if verifying delivery reports asynchronously per stored table
	// (Synchronous: false), giving much higher throughput.
	Synchronous *bool `json:"synchronous,omitempty"`

	// DiscardInvalidData specifies if invalid rows should be prevented from being
	// stored in the sink and instead logged and discarded, rather than failing the
	// whole store operation.
	// It is currently only regarded when using the BigQuery sink.
	DiscardInvalidData bool `json:"discardInvalidData,omitempty"`

	// Direct low-level entity properties like Kafka producer props
	Properties []Property `json:"properties,omitempty"`

	// CustomConfig can be used by sink plugins for config options not explicitly
	// provided by the Spec struct.
	CustomConfig any `json:"customConfig,omitempty"`
}

type SinkTopic struct {
	Env       Environment         `json:"env,omitempty"`
	TopicSpec *TopicSpecification `json:"topicSpec,omitempty"`
}

// Name, NumPartitions and ReplicationFactor are required.
// If sink topic is referring to an existing topic only Name will be used.
type TopicSpecification struct {
	Name              string            `json:"name"`
	NumPartitions     int               `json:"numPartitions"`
	ReplicationFactor int               `json:"replicationFactor"`
	Config            map[string]string `json:"config,omitempty"`
}

// Message is used for sinks like Kafka, specifying how each row of the derived
// table should be published.
type Message struct {
	// PayloadFromColumn is the column in the derived table which contains the
	// actual message payload. If omitted, the full row is published as a JSON
	// object keyed by column names.
	PayloadFromColumn string `json:"payloadFromColumn,omitempty"`

	// KeyFromColumn is the column in the derived table to use as message key.
	// If omitted, messages are published without a key.
	KeyFromColumn string `json:"keyFromColumn,omitempty"`
}

// The Kind struct is used for Firestore sinks (in datastore mode).
// Currently, one of EntityName or EntityNameFromColumns needs to be present in spec.
type Kind struct {
	// If Namespace here is present, it will override the global one.
	// If both are missing, the Kind will use native 'default'
	Namespace string `json:"namespace,omitempty"`
	Name      string `json:"name"`

	// If set, will be used as the actual Entity Name
	EntityName string `json:"entityName,omitempty"`

	// If set, will be used to create the Entity Name from the values of these
	// columns in each row. The column values are currently restricted to be of
	// type string.
	EntityNameFromColumns struct {
		Columns   []string `json:"columns,omitempty"`
		Delimiter string   `json:"delimiter,omitempty"`
	} `json:"entityNameFromColumns,omitempty"`

	Properties []EntityProperty `json:"properties,omitempty"`
}

type EntityProperty struct {
	Name string `json:"name"`

	// FromColumn is the column in the derived table which contains the actual
	// value for this property.
	FromColumn string `json:"fromColumn"`

	// For most properties this should be set to true, for improved query performance,
	// but for big fields that might exceed 1500 bytes, this should be set to false,
	// since that is a built-in Firestore limit.
	Index bool `json:"index"`
}

// The SinkTable struct is used for BigTable, BigQuery and other table based sinks.
type SinkTable struct {
	Name string `json:"name"`

	// Dataset is optional depending on sink type. Currently only used by BigQuery.
	Dataset string `json:"dataset"`

	// DatasetCreation is only required if the dataset is meant to be created by this
	// derivation *and* if other values than the default ones are required.
	// Default values are location: EU and empty description.
	DatasetCreation *DatasetCreation `json:"datasetCreation,omitempty"`

	// Table spec for SQL type sinks such as BigQuery.
	// If Columns is empty the derived table's own columns are used as-is.
	Columns       []Column       `json:"columns,omitempty"`
	TableCreation *TableCreation `json:"tableCreation,omitempty"`

	// InsertIdFromColumn defines which column of the derived table will contain
	// the insert ID for each row. The column values need to be of string type.
	// This is used for BigQuery best-effort deduplication.
	InsertIdFromColumn string `json:"insertIdFromColumn"`

	// Table spec for BigTable are built up by RowKey and ColumnFamilies
	RowKey         RowKey         `json:"rowKey"`
	ColumnFamilies []ColumnFamily `json:"columnFamilies"`
}

type Column struct {
	// Name of the column as specified at spec registration time.
	Name string `json:"name"`

	// Mode uses the definitions as set by BigQuery with "NULLABLE", "REQUIRED" or "REPEATED"
	Mode string `json:"mode"`

	// Type uses the BigQuery Standard SQL types.
	// The type here needs to match the type of the values in the derived table
	// column referred to by FromColumn.
	Type string `json:"type"`

	Description string `json:"description"`

	// FromColumn is not part of schema definition per se, but specifies which column
	// of the derived table holds the values to be inserted here. If omitted, the
	// column with the same name as Name is used.
	// A special value can be set to have a column with the derivation run time,
	// which could be used together with TimePartitioning config. To enable this,
	// the field should be set to "@tabellDeriveTime", with column type set to
	// "TIMESTAMP" and mode set to "NULLABLE".
	FromColumn string `json:"fromColumn"`
}

// DatasetCreation config contains dataset creation details.
// It is currently only used by BigQuery sinks.
type DatasetCreation struct {
	Description string `json:"description"`

	// Geo location of dataset.
	// Valid values are:
	// EU
	// europe
	// US
	// plus all regional ones as described here: https://cloud.google.com/bigquery/docs/locations
	// If omitted or empty the default location will be set to EU.
	Location string `json:"location"`
}

// TableCreation config contains table creation details.
// It is currently only used by BigQuery sinks and most of the fields/comments in the
// struct are copied directly from the BQ client, with modifications to fit with the
// Tabell spec format.
type TableCreation struct {
	Description string `json:"description"`

	// If non-nil, the table is partitioned by time.
	TimePartitioning *TimePartitioning `json:"timePartitioning,omitempty"`

	// If set to true, queries that reference this table must specify a
	// partition filter (e.g. a WHERE clause) that can be used to eliminate
	// partitions. Used to prevent unintentional full data scans on large
	// partitioned tables.
	RequirePartitionFilter bool `json:"requirePartitionFilter"`

	// Clustering specifies the data clustering configuration for the table.
	Clustering []string `json:"clustering,omitempty"`
}

// TimePartitioning describes the time-based date partitioning on a table.
// For more information see: https://cloud.google.com/bigquery/docs/creating-partitioned-tables.
type TimePartitioning struct {
	// Defines the partition interval type. Supported values are "DAY" or "HOUR".
	Type string `json:"type"`

	// The amount of hours to keep the storage for a partition.
	// If the duration is empty (0), the data in the partitions do not expire.
	ExpirationHours int `json:"expirationHours"`

	// If empty, the table is partitioned by pseudo column '_PARTITIONTIME'; if set, the
	// table is partitioned by this field. The field must be a top-level TIMESTAMP or
	// DATE field. Its mode must be NULLABLE or REQUIRED.
	Field string `json:"field"`
}

// RowKey specifies how the row-key should be generated for BigTable sinks.
// If one of the Predefined options are set, that will be used.
// Currently available Predefined options are:
//
//	"timestampIso"
//	"invertedTimestamp"
//	"uuid"
//
// If Predefined is not set, the Columns array should be used to specify which
// columns of the derived table should build up the key.
type RowKey struct {
	Predefined string   `json:"predefined,omitempty"`
	Columns    []string `json:"columns,omitempty"`
	Delimiter  string   `json:"delimiter,omitempty"`
}

type ColumnFamily struct {
	Name                    string                   `json:"name"`
	GarbageCollectionPolicy *GarbageCollectionPolicy `json:"garbageCollectionPolicy"`
	ColumnQualifiers        []ColumnQualifier        `json:"columnQualifiers"`
}

// The following types are supported:
// - MaxVersions: where Value takes an integer of number of old versions to keep (-1)
// - MaxAge: where Value takes an integer of number of hours before deleting the data.
type GarbageCollectionPolicy struct {
	Type  string `json:"type"`
	Value int    `json:"value"`
}

// The FromColumn field refers to the column of the derived table holding the
// value to be inserted. The Name field is the actual CQ name to be used in the
// table. If Name is omitted, FromColumn is used as CQ name.
type ColumnQualifier struct {
	FromColumn string `json:"fromColumn"`
	Name       string `json:"name,omitempty"`
}

// Derivation spec JSON schema validation will be handled by NewSpec() using
// validateRawJson() against the Tabell spec json schema. This method enables more
// complex validation such as source name uniqueness.
func (s *Spec) Validate() error {
	names := make(map[string]bool, len(s.Sources))
	for _, source := range s.Sources {
		if source.Name == "" {
			return fmt.Errorf("source names must not be empty, spec: %s", s.Id())
		}
		if names[source.Name] {
			return fmt.Errorf("duplicate source name '%s' in spec: %s", source.Name, s.Id())
		}
		names[source.Name] = true
	}

	// Sink entities locate their config section in the spec by sink type, so
	// each sink type can only occur once per spec.
	sinkTypes := make(map[EntityType]bool, len(s.Sinks))
	for _, sink := range s.Sinks {
		if sinkTypes[sink.Type] {
			return fmt.Errorf("duplicate sink type '%s' in spec: %s", sink.Type, s.Id())
		}
		sinkTypes[sink.Type] = true
	}
	return nil
}

func (s *Spec) JSON() []byte {
	specData, _ := json.Marshal(s)
	return specData
}

func validateRawJson(specData []byte) error {
	schemaLoader := gojsonschema.NewBytesLoader(specSchema)
	documentLoader := gojsonschema.NewBytesLoader(specData)
	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return err
	}

	if !result.Valid() {
		specErrors := ""
		for _, desc := range result.Errors() {
			specErrors += " - " + desc.String()
		}
		err = errors.New(specErrors)
	}
	return err
}

// Initial derivation spec schema with only the most important checks. Will be more
// detailed later.
var specSchema = []byte(`
{
  "$schema": "http://json-schema.org/draft-07/schema",
  "type": "object",
  "required": [
    "namespace",
    "derivationIdSuffix",
    "version",
    "description",
    "derive"
  ],
  "properties": {
    "namespace": {
      "type": "string",
      "minLength": 1
    },
    "derivationIdSuffix": {
      "type": "string",
      "minLength": 1
    },
    "version": {
      "type": "integer"
    },
    "description": {
      "type": "string",
      "minLength": 1
    },
    "disabled": {
      "type": "boolean"
    },
    "ops": {
      "$ref": "#/$defs/ops"
    },
    "opsPerEnv": {
      "anyOf": [
        {
          "type": "object",
          "additionalProperties": {
            "$ref": "#/$defs/ops"
          }
        },
        {
          "type": "null"
        }
      ]
    },
    "sources": {
      "type": "array",
      "items": {
        "type": "object",
        "required": [
          "name",
          "type"
        ],
        "properties": {
          "name": {
            "type": "string",
            "minLength": 1
          },
          "type": {
            "type": "string",
            "minLength": 1
          }
        }
      }
    },
    "derive": {
      "type": "object",
      "required": [
        "type"
      ],
      "properties": {
        "type": {
          "type": "string",
          "minLength": 1
        }
      }
    },
    "sinks": {
      "type": "array",
      "items": {
        "type": "object",
        "required": [
          "type"
        ],
        "properties": {
          "type": {
            "type": "string",
            "minLength": 1
          }
        }
      }
    }
  },
  "additionalProperties": false,
  "$defs": {
    "mapString": {
      "type": "string"
	},
    "ops": {
      "type": "object",
      "properties": {
        "maxSinkRetries": {
          "type": "integer"
        },
        "maxSinkRetryBackoffIntervalSec": {
          "type": "integer"
        },
        "logTableData": {
          "type": "boolean"
        },
        "customProperties": {
          "anyOf": [
            {
              "type": "object",
              "additionalProperties": {
                "$ref": "#/$defs/mapString"
              }
            },
            {
              "type": "null"
            }
          ]
		}
      },
      "additionalProperties": false
    }
  }
}
`)
