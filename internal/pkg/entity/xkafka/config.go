package xkafka

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/zpiroux/tabell/entity"
)

const (
	defaultPollTimeoutMs       = 3000
	defaultQueuedMaxMessagesKb = 2048
	defaultMaxRows             = 10000
	defaultMaxWaitSeconds      = 30
)

type ConfigMap map[string]any

// Config is the deployment config for the Kafka entity types, common to all
// derivations using them. Per-derivation config is provided in each derivation
// spec and overrides overlapping fields.
type Config struct {
	BootstrapServers string

	// Properties holds any additional Kafka consumer/producer properties to
	// apply on top of the built-in defaults, e.g. SASL credentials.
	Properties map[string]string

	PollTimeoutMs       int
	QueuedMaxMessagesKb int

	// Env is matched against the env fields in each spec's topic config,
	// enabling a single spec to be used in multiple environments.
	Env entity.Environment

	// ConsumerFactory and ProducerFactory enable unit testing of derivations
	// without a broker. If nil the real confluent-kafka-go clients are used.
	ConsumerFactory ConsumerFactory
	ProducerFactory ProducerFactory
}

// entityConfig is the resolved config of a single source or sink entity,
// merged from the deployment config and the entity's derivation spec.
type entityConfig struct {
	spec           *entity.Spec
	topics         []string                   // topics to consume from by the source
	sinkTopic      *entity.TopicSpecification // topic to (create and) publish to by the sink
	message        entity.Message
	pollTimeoutMs  int
	maxRows        int
	maxWaitSeconds int
	configMap      ConfigMap // supports all possible Kafka consumer/producer properties
	synchronous    bool
}

func (c *entityConfig) String() string {
	return fmt.Sprintf("topics: %v, pollTimeoutMs: %d, synchronous: %v, props: %+v",
		c.topics, c.pollTimeoutMs, c.synchronous, displayConfig(c.configMap))
}

func (c *entityConfig) setProps(props ConfigMap) {
	for k, v := range props {
		c.configMap[k] = v
	}
}

func newSourceEntityConfig(config Config, c entity.Config) (*entityConfig, error) {

	sourceSpec, err := sourceSpecFromConfig(c)
	if err != nil {
		return nil, err
	}

	ec := &entityConfig{
		spec:      c.Spec,
		topics:    topicNamesFromSpec(sourceSpec.Config.Topics, config.Env),
		configMap: make(ConfigMap),
	}
	if len(ec.topics) == 0 {
		return nil, fmt.Errorf("no topics matching env '%s' provided in spec %s", config.Env, c.Spec.Id())
	}

	queuedMaxKb := config.QueuedMaxMessagesKb
	if queuedMaxKb == 0 {
		queuedMaxKb = defaultQueuedMaxMessagesKb
	}

	// The offsets of appended rows are stored explicitly by the source, while
	// the commits of stored offsets are done automatically in the background.
	props := ConfigMap{
		"bootstrap.servers":          config.BootstrapServers,
		"group.id":                   "tabell-" + c.Spec.Id(),
		"enable.auto.commit":         true,
		"enable.auto.offset.store":   false,
		"auto.offset.reset":          "earliest",
		"max.poll.interval.ms":       600000,
		"queued.max.messages.kbytes": queuedMaxKb,
	}
	for k, v := range config.Properties {
		props[k] = v
	}
	for _, prop := range sourceSpec.Config.Properties {
		props[prop.Key] = prop.Value
	}
	ec.setProps(props)

	ec.pollTimeoutMs = config.PollTimeoutMs
	if ec.pollTimeoutMs == 0 {
		ec.pollTimeoutMs = defaultPollTimeoutMs
	}
	if sourceSpec.Config.PollTimeoutMs != nil {
		ec.pollTimeoutMs = *sourceSpec.Config.PollTimeoutMs
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
		return nil, fmt.Errorf("kafka sources require a materialization bound from maxRows or maxWaitSeconds, spec: %s", c.Spec.Id())
	}
	return ec, nil
}

func newSinkEntityConfig(config Config, c entity.Config) (*entityConfig, error) {

	if c.Spec == nil {
		return nil, errors.New("the provided derivation spec must not be nil")
	}
	sinkSpec := c.Spec.SinkSpecByType(entity.EntityKafka)
	if sinkSpec == nil {
		return nil, fmt.Errorf("no kafka sink found in spec %s", c.Spec.Id())
	}
	if sinkSpec.Config == nil {
		return nil, fmt.Errorf("no config provided for kafka sink in spec %s", c.Spec.Id())
	}

	ec := &entityConfig{
		spec:      c.Spec,
		sinkTopic: topicSpecFromSpec(sinkSpec.Config.Topic, config.Env),
		configMap: make(ConfigMap),
	}
	if sinkSpec.Config.Message != nil {
		ec.message = *sinkSpec.Config.Message
	}
	if sinkSpec.Config.Synchronous != nil {
		ec.synchronous = *sinkSpec.Config.Synchronous
	}

	props := ConfigMap{
		"bootstrap.servers":                     config.BootstrapServers,
		"enable.idempotence":                    true,
		"acks":                                  "all",
		"max.in.flight.requests.per.connection": 5,
		"compression.type":                      "lz4",
	}
	for k, v := range config.Properties {
		props[k] = v
	}
	for _, prop := range sinkSpec.Config.Properties {
		props[prop.Key] = prop.Value
	}
	ec.setProps(props)

	return ec, nil
}

func sourceSpecFromConfig(c entity.Config) (*entity.SourceSpec, error) {
	if c.Spec == nil {
		return nil, errors.New("the provided derivation spec must not be nil")
	}
	sourceSpec := c.Spec.SourceSpecByName(c.Name)
	if sourceSpec == nil {
		return nil, fmt.Errorf("no source named '%s' in spec %s", c.Name, c.Spec.Id())
	}
	return sourceSpec, nil
}

// topicNamesFromSpec returns the topic names to consume from for the
// configured environment.
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

func topicSpecFromSpec(topicsInSpec []entity.SinkTopic, env entity.Environment) *entity.TopicSpecification {
	var topicSpec *entity.TopicSpecification
	for _, topic := range topicsInSpec {
		if topic.Env == entity.EnvironmentAll {
			topicSpec = topic.TopicSpec
			break
		}
		if topic.Env == env {
			topicSpec = topic.TopicSpec
		}
	}
	if topicSpec != nil {
		if topicSpec.NumPartitions == 0 {
			topicSpec.NumPartitions = 1
		}
		if topicSpec.ReplicationFactor == 0 {
			topicSpec.ReplicationFactor = 1
		}
	}
	return topicSpec
}

func displayConfig(in ConfigMap) ConfigMap {
	out := make(ConfigMap)
	for k, v := range in {
		if k != "sasl.password" {
			out[k] = v
		}
	}
	return out
}

func isNil(v any) bool {
	return v == nil || (reflect.ValueOf(v).Kind() == reflect.Ptr && reflect.ValueOf(v).IsNil())
}
