package events

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublisher_RoundTrip(t *testing.T) {
	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("Skipping test - no NATS connection configured")
	}

	pub, err := Connect(url)
	require.NoError(t, err)
	defer pub.Close()

	received := make(chan []byte, 1)
	sub, err := pub.Subscribe("post.>", func(subject string, data []byte) {
		if subject == "post.created" {
			received <- data
		}
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, pub.Publish(context.Background(), "post.created", map[string]string{"post_id": "p1"}))

	select {
	case data := <-received:
		var payload map[string]string
		require.NoError(t, json.Unmarshal(data, &payload))
		assert.Equal(t, "p1", payload["post_id"])
	case <-time.After(5 * time.Second):
		t.Fatal("Timeout waiting for NATS message")
	}
}

func TestPublisher_CanceledContext(t *testing.T) {
	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("Skipping test - no NATS connection configured")
	}

	pub, err := Connect(url)
	require.NoError(t, err)
	defer pub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, pub.Publish(ctx, "post.created", struct{}{}), context.Canceled)
}
