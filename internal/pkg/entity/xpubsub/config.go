package xpubsub

import (
	"errors"
	"fmt"

	"cloud.google.com/go/pubsub"
	"github.com/zpiroux/tabell/entity"
)

const (
	defaultMaxRows        = 10000
	defaultMaxWaitSeconds = 30
)

// Config is the deployment config for the Pub/Sub source entity type, common
// to all derivations using it.
type Config struct {
	ProjectId string

	// Receive flow control, applied to all subscriptions. Zero values give the
	// pubsub lib defaults.
	MaxOutstandingMessages int
	MaxOutstandingBytes    int

	// Env is matched against the env fields in each spec's topic config.
	Env entity.Environment

	// Client enables unit testing without a GCP project. If nil the real
	// Pub/Sub client is created lazily when the first source is created.
	Client PubsubClient
}

// entityConfig is the resolved config of a single source entity, merged from
// the deployment config and the entity's derivation spec.
type entityConfig struct {
	spec           *entity.Spec
	topic          string
	subscription   entity.Subscription
	maxRows        int
	maxWaitSeconds int
	rs             pubsub.ReceiveSettings
}

func newSourceEntityConfig(config Config, c entity.Config) (*entityConfig, error) {

	if c.Spec == nil {
		return nil, errors.New("the provided derivation spec must not be nil")
	}
	sourceSpec := c.Spec.SourceSpecByName(c.Name)
	if sourceSpec == nil {
		return nil, fmt.Errorf("no source named '%s' in spec %s", c.Name, c.Spec.Id())
	}

	topics := topicNamesFromSpec(sourceSpec.Config.Topics, config.Env)
	if len(topics) == 0 {
		return nil, fmt.Errorf("no topics matching env '%s' provided in spec %s", config.Env, c.Spec.Id())
	}

	ec := &entityConfig{
		spec:  c.Spec,
		topic: topics[0], // currently only a single topic per pubsub source is supported
		rs: pubsub.ReceiveSettings{
			MaxOutstandingMessages: config.MaxOutstandingMessages,
			MaxOutstandingBytes:    config.MaxOutstandingBytes,
		},
	}

	if sourceSpec.Config.Subscription == nil {
		return nil, fmt.Errorf("no subscription config provided for pubsub source in spec %s", c.Spec.Id())
	}
	ec.subscription = *sourceSpec.Config.Subscription
	switch ec.subscription.Type {
	case SubTypeShared:
		if ec.subscription.Name == "" {
			return nil, fmt.Errorf("shared pubsub subscriptions require a name, spec: %s", c.Spec.Id())
		}
	case SubTypeUnique:
	default:
		return nil, fmt.Errorf("pubsub subscription type '%s' not supported, spec: %s", ec.subscription.Type, c.Spec.Id())
	}

	ec.maxRows = defaultMaxRows
	if sourceSpec.Config.MaxRows != nil {
		ec.maxRows = *sourceSpec.Config.MaxRows
	}
	ec.maxWaitSeconds = defaultMaxWaitSeconds
	if sourceSpec.Config.MaxWaitSeconds != nil {
		ec.maxWaitSeconds = *sourceSpec.Config.MaxWaitSeconds
	}
	if ec.maxRows <= 0 && ec.maxWaitSeconds <= 0 {
		return nil, fmt.Errorf("pubsub sources require a materialization bound from maxRows or maxWaitSeconds, spec: %s", c.Spec.Id())
	}
	return ec, nil
}

// topicNamesFromSpec returns the topic names for the configured environment.
func topicNamesFromSpec(topicsInSpec []entity.Topics, env entity.Environment) []string {
	var topicNames []string
	for _, topics := range topicsInSpec {
		if topics.Env == entity.EnvironmentAll {
			topicNames = topics.Names
			break
		}
		if topics.Env == env {
			topicNames = topics.Names
		}
	}
	return topicNames
}
