// Package xkafka provides the "kafka" source and sink entity types.
//
// The source materializes a bounded table from one or more topics, with one
// row per consumed event. Consumed offsets are tracked in a consumer group per
// derivation, so each run continues where the previous one stopped. The sink
// publishes each row of the derived table as an event on the configured topic.
package xkafka

import (
	"context"
	"fmt"
	"time"

	"github.com/confluentinc/confluent-kafka-go/kafka"
	"github.com/teltech/logger"
	"github.com/zpiroux/tabell/entity"
	"github.com/zpiroux/tabell/pkg/notify"
)

// Columns of tables materialized by the Kafka source. ColumnRawEvent holds the
// event payload as []byte, ColumnEventKey the event key as string, and
// ColumnEventTime the broker timestamp as time.Time.
const (
	ColumnRawEvent  = "rawEvent"
	ColumnEventKey  = "eventKey"
	ColumnTopic     = "topic"
	ColumnPartition = "partition"
	ColumnOffset    = "offset"
	ColumnEventTime = "eventTime"
)

func tableColumns() []string {
	return []string{ColumnRawEvent, ColumnEventKey, ColumnTopic, ColumnPartition, ColumnOffset, ColumnEventTime}
}

type sourceFactory struct {
	config Config
	cf     ConsumerFactory
}

// NewSourceFactory creates the factory for the "kafka" source entity type.
func NewSourceFactory(config Config) entity.SourceFactory {
	cf := config.ConsumerFactory
	if isNil(cf) {
		cf = DefaultConsumerFactory{}
	}
	return &sourceFactory{config: config, cf: cf}
}

func (sf *sourceFactory) SourceId() string {
	return string(entity.EntityKafka)
}

func (sf *sourceFactory) NewSource(ctx context.Context, c entity.Config) (entity.Source, error) {
	return newSource(sf.config, sf.cf, c)
}

func (sf *sourceFactory) Close() error {
	return nil
}

type source struct {
	cf       ConsumerFactory
	config   *entityConfig
	notifier *notify.Notifier
	rowCount int64
}

func newSource(config Config, cf ConsumerFactory, c entity.Config) (*source, error) {

	ec, err := newSourceEntityConfig(config, c)
	if err != nil {
		return nil, err
	}

	var log *logger.Log
	if c.Log {
		log = logger.New()
	}

	s := &source{
		cf:       cf,
		config:   ec,
		notifier: notify.New(c.NotifyChan, log, 2, "xkafka.source", c.ID, c.Spec.Id()),
	}
	s.notifier.Notify(entity.NotifyLevelInfo, "Source created with config: %s", ec)
	return s, nil
}

// Materialize consumes events from the source's topics until the spec's
// maxRows or maxWaitSeconds bound is reached, and returns them as a table.
// A consumer is created per call and closed when done. Offsets are stored per
// appended row and committed via auto-commit and the final Commit(), so an
// event ends up in at most one materialized table (at-least-once; a failed
// run can give duplicates in the next one, never loss).
func (s *source) Materialize(ctx context.Context) (*entity.Table, error) {

	consumer, err := s.createConsumer()
	if err != nil {
		return nil, err
	}
	defer s.closeConsumer(consumer)

	if err = consumer.SubscribeTopics(s.config.topics, nil); err != nil {
		return nil, fmt.Errorf("failed subscribing to topics '%v' with err: %v", s.config.topics, err)
	}

	table, err := entity.NewTable(tableColumns(), nil)
	if err != nil {
		return nil, err
	}

	var deadline time.Time
	if s.config.maxWaitSeconds > 0 {
		deadline = time.Now().Add(time.Duration(s.config.maxWaitSeconds) * time.Second)
	}

	for {
		if s.config.maxRows > 0 && table.NumRows() >= s.config.maxRows {
			break
		}
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			break
		}
		if ctx.Err() != nil {
			s.notifier.Notify(entity.NotifyLevelInfo, "Context canceled during materialization")
			return nil, ctx.Err()
		}

		event := consumer.Poll(s.config.pollTimeoutMs)
		if event == nil {
			continue
		}

		switch evt := event.(type) {
		case *kafka.Message:
			if evt.TopicPartition.Error != nil {
				s.notifier.Notify(entity.NotifyLevelWarn, "Topic partition error when consuming message, msg: %+v, err: %v", evt, evt.TopicPartition.Error)
			}
			if err := appendRow(table, evt); err != nil {
				return nil, err
			}
			s.rowCount++
			s.storeOffset(consumer, evt)

		case kafka.Error:
			// Most errors are recoverable, but with all brokers down there is
			// nothing more this run can do.
			s.notifier.Notify(entity.NotifyLevelWarn, "Kafka error in consumer, code: %v, event: %v", evt.Code(), evt)
			if evt.Code() == kafka.ErrAllBrokersDown {
				return nil, fmt.Errorf("%w, code: %v, event: %v", entity.ErrEntityShutdownRequested, evt.Code(), evt)
			}

		default:
			s.notifier.Notify(entity.NotifyLevelDebug, "Kafka info event in consumer: %v", evt)
		}
	}

	s.commitOffsets(consumer)

	if s.config.spec.Ops.LogTableData {
		s.notifier.Notify(entity.NotifyLevelInfo, "Materialized table: %s", table)
	}
	return table, nil
}

func appendRow(table *entity.Table, m *kafka.Message) error {
	var topic string
	if m.TopicPartition.Topic != nil {
		topic = *m.TopicPartition.Topic
	}
	return table.AppendRow(
		m.Value,
		string(m.Key),
		topic,
		int(m.TopicPartition.Partition),
		int64(m.TopicPartition.Offset),
		m.Timestamp,
	)
}

func (s *source) storeOffset(consumer Consumer, m *kafka.Message) {
	tp := m.TopicPartition
	tp.Offset++
	if _, err := consumer.StoreOffsets([]kafka.TopicPartition{tp}); err != nil {
		// Should "never" happen since it's an in-mem operation. If it does
		// (e.g. due to some app/client bug) there is no point retrying, and no
		// run-time fix. Will in worst case cause duplicates, no loss.
		s.notifier.Notify(entity.NotifyLevelError, "Error storing offset for %v, err: %v", tp, err)
	}
}

// commitOffsets explicitly commits the stored offsets before the consumer is
// closed. A failed commit is not fatal to the run since the next one will
// merely re-consume the uncommitted events.
func (s *source) commitOffsets(consumer Consumer) {
	if _, err := consumer.Commit(); err != nil {
		if kerr, ok := err.(kafka.Error); ok && kerr.Code() == kafka.ErrNoOffset {
			return
		}
		s.notifier.Notify(entity.NotifyLevelWarn, "Error committing offsets, err: %v", err)
	}
}

func (s *source) createConsumer() (Consumer, error) {
	kconfig := make(kafka.ConfigMap)
	for k, v := range s.config.configMap {
		kconfig[k] = v
	}
	consumer, err := s.cf.NewConsumer(&kconfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer, config: %s, err: %v", s.config, err)
	}
	return consumer, nil
}

func (s *source) closeConsumer(consumer Consumer) {
	if isNil(consumer) {
		return
	}
	if err := consumer.Close(); err != nil {
		s.notifier.Notify(entity.NotifyLevelError, "Error closing Kafka consumer, err: %v", err)
	}
}
