package assembly

import (
	"encoding/json"
	"fmt"

	"github.com/zpiroux/tabell/entity"
)

// Config holds all registered entity factories, from which the EntityFactory
// creates the entities of each derivation, together with the deployment config
// for the platform connector entity types.
type Config struct {
	Sources  entity.SourceFactories
	Sinks    entity.SinkFactories
	Derivers entity.DeriverFactories

	// Platform connector config, registered into the factory maps with
	// RegisterPlatformFactories() for the sections that are filled in.
	Kafka     KafkaConfig
	Pubsub    PubsubConfig
	Postgres  PostgresConfig
	BigQuery  BigQueryConfig
	BigTable  BigTableConfig
	Firestore FirestoreConfig

	// Env is matched against env-scoped entity config in derivation specs,
	// such as kafka topic names per environment.
	Env entity.Environment

	NotifyChan entity.NotifyChan
	Log        bool
}

func (c Config) Close() error {

	var errs []string

	for _, sf := range c.Sources {
		if err := sf.Close(); err != nil {
			errs = append(errs, err.Error())
		}
	}
	for _, sf := range c.Sinks {
		if err := sf.Close(); err != nil {
			errs = append(errs, err.Error())
		}
	}
	for _, df := range c.Derivers {
		if err := df.Close(); err != nil {
			errs = append(errs, err.Error())
		}
	}

	var err error
	if len(errs) > 0 {
		jerrs, _ := json.Marshal(errs)
		err = fmt.Errorf("error closing derivation entities: %v", string(jerrs))
	}

	return err
}
