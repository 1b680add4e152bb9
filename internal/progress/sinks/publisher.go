package sinks

import (
	"context"
	"errors"
	"fmt"

	"github.com/JakeFAU/site-audit/internal/audit"
	"github.com/JakeFAU/site-audit/internal/progress"
)

// PublisherSink forwards each event to a notification topic.
type PublisherSink struct {
	publisher audit.Publisher
	topic     string
}

// NewPublisherSink builds a sink that publishes to topic.
func NewPublisherSink(publisher audit.Publisher, topic string) (*PublisherSink, error) {
	if publisher == nil {
		return nil, errors.New("publisher is required")
	}
	if topic == "" {
		return nil, errors.New("topic is required")
	}
	return &PublisherSink{publisher: publisher, topic: topic}, nil
}

// Consume publishes every event and returns the joined failures.
func (s *PublisherSink) Consume(ctx context.Context, batch []progress.Event) error {
	var errs []error
	for _, evt := range batch {
		if _, err := s.publisher.Publish(ctx, s.topic, evt); err != nil {
			errs = append(errs, fmt.Errorf("publish %s for unit %s: %w", evt.Type, evt.UnitID, err))
		}
	}
	return errors.Join(errs...)
}

// Close is a no-op; the publisher client is owned by the caller.
func (s *PublisherSink) Close(context.Context) error {
	return nil
}
