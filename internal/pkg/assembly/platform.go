package assembly

import (
	"github.com/zpiroux/tabell/entity"
	"github.com/zpiroux/tabell/internal/pkg/entity/xbigquery"
	"github.com/zpiroux/tabell/internal/pkg/entity/xbigtable"
	"github.com/zpiroux/tabell/internal/pkg/entity/xfirestore"
	"github.com/zpiroux/tabell/internal/pkg/entity/xkafka"
	"github.com/zpiroux/tabell/internal/pkg/entity/xpostgres"
	"github.com/zpiroux/tabell/internal/pkg/entity/xpubsub"
)

// Platform connector config as provided in the Tabell build config. Each
// config type reports with enabled() if it is filled in enough for its entity
// types to be operational.

type KafkaConfig struct {
	BootstrapServers    string
	Properties          map[string]string
	PollTimeoutMs       int
	QueuedMaxMessagesKb int
}

func (c KafkaConfig) enabled() bool { return c.BootstrapServers != "" }

type PubsubConfig struct {
	ProjectId              string
	MaxOutstandingMessages int
	MaxOutstandingBytes    int
}

func (c PubsubConfig) enabled() bool { return c.ProjectId != "" }

type PostgresConfig struct {
	ConnString string
}

func (c PostgresConfig) enabled() bool { return c.ConnString != "" }

type BigQueryConfig struct {
	ProjectId string
}

func (c BigQueryConfig) enabled() bool { return c.ProjectId != "" }

type BigTableConfig struct {
	ProjectId  string
	InstanceId string
}

func (c BigTableConfig) enabled() bool { return c.ProjectId != "" && c.InstanceId != "" }

type FirestoreConfig struct {
	ProjectId        string
	DefaultNamespace string
}

func (c FirestoreConfig) enabled() bool { return c.ProjectId != "" }

// RegisterPlatformFactories adds entity factories to the factory maps for each
// platform connector section filled in in the config. The entity type ids of
// these connectors are reserved, so externally registered factories can never
// shadow them. Specs using a connector type whose config section is not filled
// in fail at derivation creation with an unregistered entity type error.
func (c *Config) RegisterPlatformFactories() {

	if c.Kafka.enabled() {
		kafkaConfig := xkafka.Config{
			BootstrapServers:    c.Kafka.BootstrapServers,
			Properties:          c.Kafka.Properties,
			PollTimeoutMs:       c.Kafka.PollTimeoutMs,
			QueuedMaxMessagesKb: c.Kafka.QueuedMaxMessagesKb,
			Env:                 c.Env,
		}
		c.addSource(xkafka.NewSourceFactory(kafkaConfig))
		c.addSink(xkafka.NewSinkFactory(kafkaConfig))
	}

	if c.Pubsub.enabled() {
		c.addSource(xpubsub.NewSourceFactory(xpubsub.Config{
			ProjectId:              c.Pubsub.ProjectId,
			MaxOutstandingMessages: c.Pubsub.MaxOutstandingMessages,
			MaxOutstandingBytes:    c.Pubsub.MaxOutstandingBytes,
			Env:                    c.Env,
		}))
	}

	if c.Postgres.enabled() {
		postgresConfig := xpostgres.Config{ConnString: c.Postgres.ConnString}
		c.addSource(xpostgres.NewSourceFactory(postgresConfig))
		c.addSink(xpostgres.NewSinkFactory(postgresConfig))
	}

	if c.BigQuery.enabled() {
		c.addSink(xbigquery.NewSinkFactory(xbigquery.Config{
			ProjectId: c.BigQuery.ProjectId,
		}))
	}

	if c.BigTable.enabled() {
		c.addSink(xbigtable.NewSinkFactory(xbigtable.Config{
			ProjectId:  c.BigTable.ProjectId,
			InstanceId: c.BigTable.InstanceId,
		}))
	}

	if c.Firestore.enabled() {
		c.addSink(xfirestore.NewSinkFactory(xfirestore.Config{
			ProjectId:        c.Firestore.ProjectId,
			DefaultNamespace: c.Firestore.DefaultNamespace,
		}))
	}
}

func (c *Config) addSource(sourceFactory entity.SourceFactory) {
	if c.Sources == nil {
		c.Sources = make(entity.SourceFactories)
	}
	c.Sources[sourceFactory.SourceId()] = sourceFactory
}

func (c *Config) addSink(sinkFactory entity.SinkFactory) {
	if c.Sinks == nil {
		c.Sinks = make(entity.SinkFactories)
	}
	c.Sinks[sinkFactory.SinkId()] = sinkFactory
}
