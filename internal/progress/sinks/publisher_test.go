package sinks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/site-audit/internal/audit"
	"github.com/JakeFAU/site-audit/internal/progress"
	"github.com/JakeFAU/site-audit/internal/publisher/memory"
)

func TestPublisherSinkForwardsEvents(t *testing.T) {
	t.Parallel()

	pub := memory.New()
	sink, err := NewPublisherSink(pub, "audit-lifecycle")
	require.NoError(t, err)

	evt := progress.Event{Type: progress.TypeUnitCompleted, UnitID: "u1", From: audit.StatusAnalyzing, To: audit.StatusCompleted, TS: time.Now()}
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{evt}))

	msgs := pub.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "audit-lifecycle", msgs[0].Topic)
	require.Equal(t, evt, msgs[0].Payload)
}

func TestPublisherSinkJoinsErrors(t *testing.T) {
	t.Parallel()

	sink, err := NewPublisherSink(failingPublisher{}, "topic")
	require.NoError(t, err)
	evt := progress.Event{Type: progress.TypeUnitFailed, UnitID: "u1", To: audit.StatusFailed, TS: time.Now()}
	err = sink.Consume(context.Background(), []progress.Event{evt, evt})
	require.ErrorContains(t, err, "publish UNIT_FAILED for unit u1")

	_, err = NewPublisherSink(nil, "topic")
	require.Error(t, err)
	_, err = NewPublisherSink(failingPublisher{}, "")
	require.Error(t, err)
}

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, string, any) (string, error) {
	return "", errors.New("broker down")
}
