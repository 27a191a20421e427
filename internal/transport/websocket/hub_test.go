package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dgfacade/dgfacade/internal/config"
	"github.com/dgfacade/dgfacade/internal/metrics"
	"github.com/dgfacade/dgfacade/internal/model"
)

// metrics.NewRegistry registers collectors against the global Prometheus
// registerer; sharing one instance across tests avoids duplicate
// registration panics.
var (
	testMetricsOnce sync.Once
	testMetrics     *metrics.Registry
)

func sharedTestMetrics() *metrics.Registry {
	testMetricsOnce.Do(func() { testMetrics = metrics.NewRegistry() })
	return testMetrics
}

func testHub() *Hub {
	return NewHub(config.WebSocketConfig{ShardCount: 4, SendChannelSize: 8}, sharedTestMetrics())
}

func TestHub_RegisterAndPublish(t *testing.T) {
	h := testHub()
	conn := h.Register("req-1")
	require.NotNil(t, conn)
	assert.Equal(t, 1, h.ClientCount())

	err := h.Publish(context.Background(), "req-1", model.MessageEnvelope{
		MessageID:   "m1",
		ContentType: "application/json",
		Payload:     []byte(`{"request_id":"req-1","status":"SUCCESS"}`),
	})
	require.NoError(t, err)

	select {
	case body := <-conn.SendQueue:
		var resp model.DGResponse
		require.NoError(t, json.Unmarshal(body, &resp))
		assert.Equal(t, "req-1", resp.RequestID)
		assert.Equal(t, model.StatusSuccess, resp.Status)
	case <-time.After(time.Second):
		t.Fatal("expected queued frame")
	}
}

func TestHub_Publish_UnknownKey(t *testing.T) {
	h := testHub()
	err := h.Publish(context.Background(), "no-such-key", model.MessageEnvelope{MessageID: "m1"})
	assert.Error(t, err)
}

func TestHub_Publish_QueueFull(t *testing.T) {
	h := NewHub(config.WebSocketConfig{ShardCount: 1, SendChannelSize: 1}, sharedTestMetrics())
	h.Register("req-2")

	require.NoError(t, h.Publish(context.Background(), "req-2", model.MessageEnvelope{MessageID: "m1"}))
	err := h.Publish(context.Background(), "req-2", model.MessageEnvelope{MessageID: "m2"})
	assert.Error(t, err)
}

func TestHub_Unregister_ClosesQueue(t *testing.T) {
	h := testHub()
	conn := h.Register("req-3")
	h.Unregister(conn)
	assert.Equal(t, 0, h.ClientCount())

	_, ok := <-conn.SendQueue
	assert.False(t, ok, "send queue should be closed after unregister")
}

func TestHub_Shutdown_UnregistersEveryConnection(t *testing.T) {
	h := testHub()
	h.Register("a")
	h.Register("b")
	h.Register("c")
	require.Equal(t, 3, h.ClientCount())

	h.Shutdown(context.Background())
	assert.Equal(t, 0, h.ClientCount())
}
