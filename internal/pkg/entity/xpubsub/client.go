package xpubsub

import (
	"context"

	"cloud.google.com/go/pubsub"
)

// PubsubClient and Subscription cover the parts of the cloud.google.com/go/pubsub
// API used by the source, enabling full unit testing without a GCP project.

type PubsubClient interface {
	Topic(id string) *pubsub.Topic
	CreateSubscription(ctx context.Context, id string, cfg pubsub.SubscriptionConfig) (Subscription, error)
	Subscription(id string) Subscription
}

type Subscription interface {
	Receive(ctx context.Context, f func(context.Context, *pubsub.Message)) error
	String() string
	Delete(ctx context.Context) error
}

type defaultClient struct {
	client *pubsub.Client
}

func (d *defaultClient) Topic(id string) *pubsub.Topic {
	return d.client.Topic(id)
}

func (d *defaultClient) CreateSubscription(ctx context.Context, id string, cfg pubsub.SubscriptionConfig) (Subscription, error) {
	sub, err := d.client.CreateSubscription(ctx, id, cfg)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (d *defaultClient) Subscription(id string) Subscription {
	return d.client.Subscription(id)
}
