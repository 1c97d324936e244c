package xkafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/confluentinc/confluent-kafka-go/kafka"
	"github.com/teltech/logger"
	"github.com/zpiroux/tabell/entity"
	"github.com/zpiroux/tabell/pkg/notify"
)

const flushTimeoutSec = 10

type sinkFactory struct {
	config             Config
	pf                 ProducerFactory
	topicCreationMutex sync.Mutex
}

// NewSinkFactory creates the factory for the "kafka" sink entity type.
func NewSinkFactory(config Config) entity.SinkFactory {
	pf := config.ProducerFactory
	if isNil(pf) {
		pf = DefaultProducerFactory{}
	}
	return &sinkFactory{config: config, pf: pf}
}

func (sf *sinkFactory) SinkId() string {
	return string(entity.EntityKafka)
}

func (sf *sinkFactory) NewSink(ctx context.Context, c entity.Config) (entity.Sink, error) {
	return newSink(ctx, sf, c)
}

func (sf *sinkFactory) Close() error {
	return nil
}

type sink struct {
	pf            ProducerFactory
	producer      Producer
	ac            AdminClient
	config        *entityConfig
	notifier      *notify.Notifier
	rowsPublished int64
	sm            sync.Mutex // shutdown mutex
}

func newSink(ctx context.Context, sf *sinkFactory, c entity.Config) (*sink, error) {

	ec, err := newSinkEntityConfig(sf.config, c)
	if err != nil {
		return nil, err
	}

	var log *logger.Log
	if c.Log {
		log = logger.New()
	}

	s := &sink{
		pf:       sf.pf,
		config:   ec,
		notifier: notify.New(c.NotifyChan, log, 2, "xkafka.sink", c.ID, c.Spec.Id()),
	}

	if ec.sinkTopic == nil {
		return nil, fmt.Errorf("no topic spec matching env '%s' provided in spec %s", sf.config.Env, c.Spec.Id())
	}
	if ec.sinkTopic.Name == "" {
		return nil, fmt.Errorf("no topic name provided in spec %s", c.Spec.Id())
	}

	if err = s.createProducer(); err != nil {
		return nil, err
	}
	if s.ac, err = s.pf.NewAdminClientFromProducer(s.producer); err != nil {
		return nil, fmt.Errorf("couldn't create admin client, err: %v", err)
	}
	if err = s.createTopic(ctx, &sf.topicCreationMutex, ec.sinkTopic); err != nil {
		return nil, err
	}
	return s, nil
}

// Store publishes one event per row of the derived table. In synchronous mode
// each delivery report is awaited before the next row is published. In the
// default async mode all rows are enqueued first and the delivery reports are
// then verified for the batch as a whole, giving much higher throughput.
// A failed batch might have published a subset of its rows, so a retry can
// give duplicate events but never lost ones.
func (s *sink) Store(ctx context.Context, table *entity.Table) (string, error, bool) {

	if table == nil || table.NumRows() == 0 {
		return "", errors.New("store called without table data"), false
	}

	s.sm.Lock()
	defer s.sm.Unlock()
	if s.producer == nil {
		return "", entity.ErrEntityShutdownRequested, false
	}

	if s.config.synchronous {
		return s.storeSynchronous(table)
	}
	return s.storeAsync(ctx, table)
}

func (s *sink) storeSynchronous(table *entity.Table) (string, error, bool) {
	columns := table.Columns()
	for row := 0; row < table.NumRows(); row++ {
		msg, err := s.buildMessage(table, columns, row)
		if err != nil {
			return "", err, false
		}
		if err, retryable := s.publishMessage(msg); err != nil {
			return "", err, retryable
		}
	}
	return s.config.sinkTopic.Name, nil, false
}

func (s *sink) storeAsync(ctx context.Context, table *entity.Table) (string, error, bool) {

	columns := table.Columns()
	numRows := table.NumRows()

	for row := 0; row < numRows; row++ {
		msg, err := s.buildMessage(table, columns, row)
		if err != nil {
			return "", err, false
		}
		if err := s.producer.Produce(msg, nil); err != nil {
			// Rows after this one were never enqueued. Drain the reports for
			// the ones that were, so a retry of the batch starts clean.
			s.awaitDeliveryReports(ctx, row)
			return "", fmt.Errorf("kafka.producer.Produce() failed with err: %v, topic: %s", err, s.config.sinkTopic.Name), true
		}
	}

	failures, fatal := s.awaitDeliveryReports(ctx, numRows)
	if fatal {
		return "", entity.ErrEntityShutdownRequested, false
	}
	if failures > 0 {
		return "", fmt.Errorf("%d of %d row events failed delivery to topic %s", failures, numRows, s.config.sinkTopic.Name), true
	}
	return s.config.sinkTopic.Name, nil, false
}

// awaitDeliveryReports reads the delivery reports for the provided number of
// produced row events, returning the number of failed deliveries and whether
// a fatal producer error was encountered. Every produced event gets exactly
// one report, so the reports are fully drained here even when some deliveries
// fail, keeping later batches unaffected.
func (s *sink) awaitDeliveryReports(ctx context.Context, numReports int) (failures int, fatal bool) {

	timeout := time.After(flushTimeoutSec * time.Second)

	for received := 0; received < numReports; {
		var event kafka.Event
		select {
		case <-ctx.Done():
			s.notifier.Notify(entity.NotifyLevelWarn, "Context canceled awaiting delivery reports, %d of %d received", received, numReports)
			return failures + numReports - received, false
		case <-timeout:
			s.notifier.Notify(entity.NotifyLevelWarn, "Timed out awaiting delivery reports, %d of %d received", received, numReports)
			return failures + numReports - received, false
		case event = <-s.producer.Events():
		}

		switch evt := event.(type) {
		case *kafka.Message:
			received++
			if evt.TopicPartition.Error != nil {
				failures++
				s.notifier.Notify(entity.NotifyLevelWarn, "Failed publishing row event, err: %v", evt.TopicPartition.Error)
			} else {
				s.rowsPublished++
				if s.config.spec.Ops.LogTableData {
					s.notifier.Notify(entity.NotifyLevelDebug, "Row event published to %s [%d] at offset: %v, key: %v, value: %s",
						*evt.TopicPartition.Topic, evt.TopicPartition.Partition,
						evt.TopicPartition.Offset, string(evt.Key), string(evt.Value))
				}
			}
		case kafka.Error:
			if evt.IsFatal() || evt.Code() == kafka.ErrAllBrokersDown {
				s.notifier.Notify(entity.NotifyLevelError, "Fatal error in producer: %v, requesting shutdown", evt)
				return failures, true
			}
			s.notifier.Notify(entity.NotifyLevelWarn, "Kafka error in producer, code: %v, event: %v", evt.Code(), evt)
		default:
			s.notifier.Notify(entity.NotifyLevelDebug, "Ignored event from producer: %v", evt)
		}
	}
	return failures, false
}

// buildMessage creates the event to publish for one row, based on the spec's
// message config. Without a payloadFromColumn the full row is published as a
// JSON object keyed by column names, in which case []byte column values are
// JSON-encoded as base64 strings per encoding/json rules.
func (s *sink) buildMessage(table *entity.Table, columns []string, row int) (*kafka.Message, error) {

	var payload []byte
	if col := s.config.message.PayloadFromColumn; col != "" {
		value, ok := table.Value(row, col)
		if !ok {
			return nil, fmt.Errorf("payload column '%s' not found in derived table, columns: %v", col, columns)
		}
		switch v := value.(type) {
		case []byte:
			payload = v
		case string:
			payload = []byte(v)
		default:
			return nil, fmt.Errorf("payload column '%s' values must be string or []byte, got %T", col, value)
		}
	} else {
		rowObject := make(map[string]any, len(columns))
		for i, value := range table.Row(row) {
			rowObject[columns[i]] = value
		}
		var err error
		if payload, err = json.Marshal(rowObject); err != nil {
			return nil, fmt.Errorf("could not marshal row %d into message payload, err: %v", row, err)
		}
	}

	msg := &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &s.config.sinkTopic.Name, Partition: kafka.PartitionAny},
		Value:          payload,
	}

	if col := s.config.message.KeyFromColumn; col != "" {
		value, ok := table.Value(row, col)
		if !ok {
			return nil, fmt.Errorf("key column '%s' not found in derived table, columns: %v", col, columns)
		}
		msg.Key = []byte(fmt.Sprintf("%v", value))
	}
	return msg, nil
}

func (s *sink) publishMessage(m *kafka.Message) (error, bool) {

	var (
		err       error
		retryable bool
	)

	if err = s.producer.Produce(m, nil); err != nil {
		// Treat all these kinds of errors as retryable for now
		return fmt.Errorf("kafka.producer.Produce() failed with err: %v, topic: %s", err, s.config.sinkTopic.Name), true
	}

	event := <-s.producer.Events()
	switch evt := event.(type) {
	case *kafka.Message:
		if evt.TopicPartition.Error != nil {
			err = fmt.Errorf("publish failed with err: %v", evt.TopicPartition.Error)
			retryable = true
		} else {
			s.rowsPublished++
			if s.config.spec.Ops.LogTableData {
				s.notifier.Notify(entity.NotifyLevelDebug, "Row event published to %s [%d] at offset: %v, key: %v, value: %s",
					*evt.TopicPartition.Topic, evt.TopicPartition.Partition,
					evt.TopicPartition.Offset, string(evt.Key), string(evt.Value))
			}
		}
	case kafka.Error:
		err = fmt.Errorf("kafka error in producer, code: %v, event: %v", evt.Code(), evt)
		// In case of all brokers down, terminate and let the runner decide
		if evt.Code() == kafka.ErrAllBrokersDown {
			err = entity.ErrEntityShutdownRequested
			retryable = false
		}
	default:
		// Docs don't say if this could happen in single event produce.
		// Probably not, but if so we don't know if Produce() succeeded, so
		// need to retry.
		err = fmt.Errorf("unexpected Kafka info event from producer report: %v, treat as error and retry", evt)
		retryable = true
	}
	return err, retryable
}

func (s *sink) Shutdown() {
	s.sm.Lock()
	defer s.sm.Unlock()
	if s.producer != nil {
		if unflushed := s.producer.Flush(flushTimeoutSec * 1000); unflushed > 0 {
			s.notifier.Notify(entity.NotifyLevelError, "%d messages did not get flushed during shutdown, check for potential message loss", unflushed)
		}
		s.producer.Close()
		s.producer = nil
		s.notifier.Notify(entity.NotifyLevelInfo, "Shutdown completed, number of published row events: %d", s.rowsPublished)
	}
}

func (s *sink) createProducer() error {
	kconfig := make(kafka.ConfigMap)
	for k, v := range s.config.configMap {
		kconfig[k] = v
	}
	producer, err := s.pf.NewProducer(&kconfig)
	if err != nil {
		return fmt.Errorf("failed to create producer, config: %s, err: %v", s.config, err)
	}
	s.producer = producer
	return nil
}

func (s *sink) createTopic(ctx context.Context, mutex *sync.Mutex, topicSpec *entity.TopicSpecification) error {

	mutex.Lock()
	defer mutex.Unlock()

	topic := kafka.TopicSpecification{
		Topic:             topicSpec.Name,
		NumPartitions:     topicSpec.NumPartitions,
		ReplicationFactor: topicSpec.ReplicationFactor,
		Config:            topicSpec.Config,
	}

	res, err := s.ac.CreateTopics(ctx, []kafka.TopicSpecification{topic})
	if err != nil {
		if err.Error() == kafka.ErrTopicAlreadyExists.String() {
			s.notifier.Notify(entity.NotifyLevelInfo, "Topic %s for this derivation already exists", topicSpec.Name)
			return nil
		}
		s.notifier.Notify(entity.NotifyLevelError, "Could not create topic with spec: %+v, err: %v", topic, err)
		return err
	}

	for _, r := range res {
		if r.Error.Code() != kafka.ErrNoError && r.Error.Code() != kafka.ErrTopicAlreadyExists {
			return fmt.Errorf("could not create topic %s, err: %v", r.Topic, r.Error)
		}
	}
	s.notifier.Notify(entity.NotifyLevelInfo, "Topic ensured: %+v", res)
	return nil
}
