// Package xpubsub provides the "pubsub" source entity type, materializing
// bounded tables from a Google Cloud Pub/Sub topic.
//
// Shared subscriptions give the normal batch behavior where each run picks up
// the events accumulated since the previous one, also when multiple service
// instances compete for the same events. Unique subscriptions are created per
// materialization and only receive events published while the run is active,
// intended for tapping live traffic.
package xpubsub

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/teltech/logger"
	"github.com/zpiroux/tabell/entity"
	"github.com/zpiroux/tabell/pkg/notify"
	"google.golang.org/api/googleapi"
)

const (
	SubTypeShared = "shared"
	SubTypeUnique = "unique"

	subDeleteTimeoutSec = 10
)

// Defined here due to lack of proper other place in GCP libs
const alreadyExistsCode = 409

// Can't use normal ISO format for sub IDs. Using dots instead of colons.
const timestampLayoutMicros = "2006-01-02T15.04.05.000000Z"

// Columns of tables materialized by the Pub/Sub source. ColumnRawEvent holds
// the event payload as []byte, ColumnPublishTime the publish timestamp as
// time.Time and ColumnAttributes the message attributes as map[string]string.
const (
	ColumnRawEvent    = "rawEvent"
	ColumnMessageId   = "messageId"
	ColumnPublishTime = "publishTime"
	ColumnAttributes  = "attributes"
)

func tableColumns() []string {
	return []string{ColumnRawEvent, ColumnMessageId, ColumnPublishTime, ColumnAttributes}
}

type sourceFactory struct {
	config      Config
	mu          sync.Mutex
	client      PubsubClient
	ownedClient *pubsub.Client
}

// NewSourceFactory creates the factory for the "pubsub" source entity type.
func NewSourceFactory(config Config) entity.SourceFactory {
	return &sourceFactory{config: config, client: config.Client}
}

func (sf *sourceFactory) SourceId() string {
	return string(entity.EntityPubsub)
}

func (sf *sourceFactory) NewSource(ctx context.Context, c entity.Config) (entity.Source, error) {
	client, err := sf.getClient(ctx)
	if err != nil {
		return nil, err
	}
	return newSource(sf.config, client, c)
}

// getClient creates the real Pub/Sub client on first use, unless a client was
// injected in the deployment config.
func (sf *sourceFactory) getClient(ctx context.Context) (PubsubClient, error) {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	if sf.client != nil {
		return sf.client, nil
	}
	client, err := pubsub.NewClient(ctx, sf.config.ProjectId)
	if err != nil {
		return nil, fmt.Errorf("could not create pubsub client for project '%s', err: %v", sf.config.ProjectId, err)
	}
	sf.ownedClient = client
	sf.client = &defaultClient{client: client}
	return sf.client, nil
}

func (sf *sourceFactory) Close() error {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	if sf.ownedClient == nil {
		return nil
	}
	err := sf.ownedClient.Close()
	sf.ownedClient = nil
	sf.client = nil
	return err
}

type MsgAckFunc func(*pubsub.Message)

type source struct {
	client   PubsubClient
	config   *entityConfig
	id       string
	notifier *notify.Notifier
	ack      MsgAckFunc
	nack     MsgAckFunc
}

func newSource(config Config, client PubsubClient, c entity.Config) (*source, error) {

	ec, err := newSourceEntityConfig(config, c)
	if err != nil {
		return nil, err
	}

	var log *logger.Log
	if c.Log {
		log = logger.New()
	}

	s := &source{
		client:   client,
		config:   ec,
		id:       c.ID,
		notifier: notify.New(c.NotifyChan, log, 2, "xpubsub.source", c.ID, c.Spec.Id()),
	}
	s.ack = func(m *pubsub.Message) { m.Ack() }
	s.nack = func(m *pubsub.Message) { m.Nack() }

	s.notifier.Notify(entity.NotifyLevelInfo, "Source created for topic '%s' with subscription config: %+v", ec.topic, ec.subscription)
	return s, nil
}

// Materialize receives events from the source's subscription until the spec's
// maxRows or maxWaitSeconds bound is reached, and returns them as a table.
// Each appended event is acked directly, so an event ends up in at most one
// materialized table across all subscribers of a shared subscription.
func (s *source) Materialize(ctx context.Context) (*entity.Table, error) {

	sub, unique, err := s.resolveSubscription(ctx)
	if err != nil {
		return nil, err
	}
	if unique {
		defer s.deleteSubscription(sub)
	}

	table, err := entity.NewTable(tableColumns(), nil)
	if err != nil {
		return nil, err
	}

	var (
		receiveCtx context.Context
		cancel     context.CancelFunc
	)
	if s.config.maxWaitSeconds > 0 {
		receiveCtx, cancel = context.WithTimeout(ctx, time.Duration(s.config.maxWaitSeconds)*time.Second)
	} else {
		receiveCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	// Receive() dispatches from multiple goroutines, so all table access is
	// serialized here. Messages arriving after the row bound has been reached
	// are nacked for immediate redelivery to the next materialization.
	var mu sync.Mutex
	err = sub.Receive(receiveCtx, func(_ context.Context, msg *pubsub.Message) {
		mu.Lock()
		defer mu.Unlock()

		if s.config.maxRows > 0 && table.NumRows() >= s.config.maxRows {
			s.nack(msg)
			cancel()
			return
		}
		if err := table.AppendRow(msg.Data, msg.ID, msg.PublishTime, msg.Attributes); err != nil {
			s.notifier.Notify(entity.NotifyLevelError, "Could not append message %s to table, err: %v", msg.ID, err)
			s.nack(msg)
			return
		}
		s.ack(msg)
		if s.config.maxRows > 0 && table.NumRows() >= s.config.maxRows {
			cancel()
		}
	})

	if err != nil {
		return nil, fmt.Errorf("pubsub Receive() on subscription '%s' failed, err: %v", sub.String(), err)
	}

	if s.config.spec.Ops.LogTableData {
		s.notifier.Notify(entity.NotifyLevelInfo, "Materialized table: %s", table)
	}
	return table, nil
}

// resolveSubscription returns the subscription to materialize from. Shared
// subscriptions are created on first use and attached to from then on, while
// unique ones are created fresh per materialization and deleted afterwards.
func (s *source) resolveSubscription(ctx context.Context) (Subscription, bool, error) {

	var (
		subName string
		unique  bool
	)
	switch s.config.subscription.Type {
	case SubTypeShared:
		subName = s.config.subscription.Name
	case SubTypeUnique:
		subName = "tabell-" + s.id + "-" + time.Now().UTC().Format(timestampLayoutMicros)
		unique = true
	}

	topic := s.client.Topic(s.config.topic)
	sub, err := s.client.CreateSubscription(ctx, subName, pubsub.SubscriptionConfig{Topic: topic})

	if err != nil {
		if unique {
			return nil, unique, err
		}
		// These if/elses are caused by the not so user friendly error handling
		// design in the GCP Pubsub Go lib.
		if e, ok := err.(*googleapi.Error); ok && e.Code == alreadyExistsCode {
			sub = s.client.Subscription(subName)
		} else if strings.Contains(err.Error(), "AlreadyExists") {
			sub = s.client.Subscription(subName)
		} else {
			return nil, unique, err
		}
		s.notifier.Notify(entity.NotifyLevelDebug, "Subscription %s already exists, attaching to it", subName)
	}

	if realSub, ok := sub.(*pubsub.Subscription); ok {
		realSub.ReceiveSettings = s.config.rs
	}
	return sub, unique, nil
}

func (s *source) deleteSubscription(sub Subscription) {
	// Fresh ctx to ensure deletion also if the run's ctx was canceled
	ctx, cancel := context.WithTimeout(context.Background(), subDeleteTimeoutSec*time.Second)
	defer cancel()
	if err := sub.Delete(ctx); err != nil {
		s.notifier.Notify(entity.NotifyLevelWarn, "Could not delete unique subscription '%s', err: %v", sub.String(), err)
	}
}
