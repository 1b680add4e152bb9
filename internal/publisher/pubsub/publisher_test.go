package pubsub

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublishRequiresPublisher(t *testing.T) {
	t.Parallel()

	_, err := New(nil, true).Publish(context.Background(), "lifecycle", map[string]string{"unit_id": "u1"})
	require.ErrorContains(t, err, "not configured")
}

func TestAttributeCarrier(t *testing.T) {
	t.Parallel()

	c := attributeCarrier{"topic": "lifecycle"}
	c.Set("traceparent", "00-abc-def-01")
	require.Equal(t, "00-abc-def-01", c.Get("traceparent"))
	require.ElementsMatch(t, []string{"topic", "traceparent"}, c.Keys())
}
