// Package pubsub publishes lifecycle notifications to Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	pubsub "cloud.google.com/go/pubsub/v2"
	"go.opentelemetry.io/otel"
)

// Keyed payloads are published with an ordering key so notifications for one
// unit keep their order when the topic has message ordering enabled.
type Keyed interface {
	OrderingKey() string
}

// Publisher wraps a topic publisher.
type Publisher struct {
	publisher *pubsub.Publisher
	ordered   bool
}

// New wraps publisher. When ordered is true, Keyed payloads carry their
// ordering key.
func New(publisher *pubsub.Publisher, ordered bool) *Publisher {
	if ordered && publisher != nil {
		publisher.EnableMessageOrdering = true
	}
	return &Publisher{publisher: publisher, ordered: ordered}
}

// Publish encodes payload as JSON and waits for the server-assigned id. The
// topic argument is carried as an attribute; the destination topic is fixed
// by the wrapped publisher.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if p.publisher == nil {
		return "", errors.New("pubsub publisher is not configured")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	msg := &pubsub.Message{Data: data, Attributes: map[string]string{"topic": topic}}
	if k, ok := payload.(Keyed); ok && p.ordered {
		msg.OrderingKey = k.OrderingKey()
	}
	otel.GetTextMapPropagator().Inject(ctx, attributeCarrier(msg.Attributes))

	id, err := p.publisher.Publish(ctx, msg).Get(ctx)
	if err != nil {
		if msg.OrderingKey != "" {
			p.publisher.ResumePublish(msg.OrderingKey)
		}
		return "", fmt.Errorf("publish message: %w", err)
	}
	return id, nil
}

// Stop flushes pending messages.
func (p *Publisher) Stop() {
	if p.publisher != nil {
		p.publisher.Stop()
	}
}

// attributeCarrier adapts message attributes to propagation.TextMapCarrier.
type attributeCarrier map[string]string

func (c attributeCarrier) Get(key string) string { return c[key] }

func (c attributeCarrier) Set(key, value string) { c[key] = value }

func (c attributeCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}
