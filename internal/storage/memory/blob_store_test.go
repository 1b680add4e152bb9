package memory

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte(`{"pages":1}`)
	uri, err := store.PutObject(context.Background(), "results/u1/crawl/abc.json", "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	require.Equal(t, "memory://results/u1/crawl/abc.json", uri)

	payload[0] = 'X'
	stored, ok := store.Object("results/u1/crawl/abc.json")
	require.True(t, ok)
	require.Equal(t, `{"pages":1}`, string(stored))
	require.Equal(t, []string{"results/u1/crawl/abc.json"}, store.Paths())
}
