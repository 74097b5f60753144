package rabbitmq

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func disconnectedClient() *Client {
	return &Client{
		config: &Config{
			ExchangeName:      "tracks_exchange",
			RoutingKey:        "tracks.compose",
			PublishRetries:    2,
			PublishRetryDelay: time.Millisecond,
		},
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func TestPublishTrack_NotConnected(t *testing.T) {
	c := disconnectedClient()

	err := c.PublishTrack(context.Background(), "track-1", []byte(`{}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not connected")
}

func TestPublishTrackWithRetry_ExhaustsAttempts(t *testing.T) {
	c := disconnectedClient()

	err := c.PublishTrackWithRetry(context.Background(), "track-1", []byte(`{}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 3 attempts")
	assert.Contains(t, err.Error(), "not connected")
}

func TestIsConnected_Disconnected(t *testing.T) {
	c := disconnectedClient()
	assert.False(t, c.IsConnected())
}
