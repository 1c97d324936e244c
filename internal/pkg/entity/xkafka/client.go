package xkafka

import (
	"context"

	"github.com/confluentinc/confluent-kafka-go/kafka"
)

// Consumer, Producer and AdminClient cover the parts of the confluent-kafka-go
// client APIs used by the Kafka entities. The factories creating them can be
// replaced in the deployment Config, enabling full unit testing of derivations
// without a broker.

type Consumer interface {
	SubscribeTopics(topics []string, rebalanceCb kafka.RebalanceCb) error
	Poll(timeoutMs int) (event kafka.Event)
	StoreOffsets(offsets []kafka.TopicPartition) ([]kafka.TopicPartition, error)
	Commit() ([]kafka.TopicPartition, error)
	Close() error
}

type ConsumerFactory interface {
	NewConsumer(conf *kafka.ConfigMap) (Consumer, error)
}

type DefaultConsumerFactory struct{}

func (d DefaultConsumerFactory) NewConsumer(conf *kafka.ConfigMap) (Consumer, error) {
	return kafka.NewConsumer(conf)
}

type Producer interface {
	Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error
	Events() chan kafka.Event
	Flush(timeoutMs int) int
	Close()
}

type ProducerFactory interface {
	NewProducer(conf *kafka.ConfigMap) (Producer, error)
	NewAdminClientFromProducer(p Producer) (AdminClient, error)
}

type DefaultProducerFactory struct{}

func (d DefaultProducerFactory) NewProducer(conf *kafka.ConfigMap) (Producer, error) {
	return kafka.NewProducer(conf)
}

func (d DefaultProducerFactory) NewAdminClientFromProducer(p Producer) (AdminClient, error) {
	return kafka.NewAdminClientFromProducer(p.(*kafka.Producer))
}

type AdminClient interface {
	CreateTopics(ctx context.Context, topics []kafka.TopicSpecification, options ...kafka.CreateTopicsAdminOption) ([]kafka.TopicResult, error)
}
