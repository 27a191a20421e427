// Package websocket implements the WebSocket C1 transport variant: it is
// both a response egress Publisher (spec ResponseChannel "WebSocket") and
// the WebSocket half of ingress (spec §6), sharing one connection hub.
package websocket

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/dgfacade/dgfacade/internal/config"
	"github.com/dgfacade/dgfacade/internal/metrics"
	"github.com/dgfacade/dgfacade/internal/model"
)

// Connection is one registered WebSocket client, addressable by the
// subscription key its caller bound it to (the request_id, so responses
// and streaming updates can be routed back to the connection that asked
// for them).
type Connection struct {
	ID        uint64
	Key       string
	SendQueue chan []byte
}

type shard struct {
	clients sync.Map // map[string]*Connection, keyed by Connection.Key
	count   int32
}

// Hub tracks registered connections and fans outbound envelopes out to
// whichever connection is bound to a given key. It is the adapted
// descendant of a broadcast-to-everyone chat hub: DGFacade responses are
// addressed to one caller, not broadcast, so Publish looks a connection up
// by key instead of writing to every shard.
type Hub struct {
	cfg    config.WebSocketConfig
	shards []shard

	metrics *metrics.Registry
}

// NewHub builds a Hub per cfg.
func NewHub(cfg config.WebSocketConfig, metricsRegistry *metrics.Registry) *Hub {
	shardCount := cfg.ShardCount
	if shardCount <= 0 {
		shardCount = 64
	}
	return &Hub{
		cfg:     cfg,
		shards:  make([]shard, shardCount),
		metrics: metricsRegistry,
	}
}

var nextConnectionID uint64

// Register binds a new Connection under key (the request/session identifier
// the caller will later publish updates against).
func (h *Hub) Register(key string) *Connection {
	id := atomic.AddUint64(&nextConnectionID, 1)
	shard := h.pickShard(key)

	queueSize := h.cfg.SendChannelSize
	if queueSize <= 0 {
		queueSize = 256
	}
	c := &Connection{ID: id, Key: key, SendQueue: make(chan []byte, queueSize)}

	shard.clients.Store(key, c)
	atomic.AddInt32(&shard.count, 1)
	if h.metrics != nil {
		h.metrics.WebSocketConnections.Inc()
	}
	return c
}

// Unregister removes a connection and closes its send queue.
func (h *Hub) Unregister(c *Connection) {
	if c == nil {
		return
	}
	shard := h.pickShard(c.Key)
	if _, ok := shard.clients.LoadAndDelete(c.Key); ok {
		atomic.AddInt32(&shard.count, -1)
		if h.metrics != nil {
			h.metrics.WebSocketConnections.Dec()
		}
		close(c.SendQueue)
	}
}

// Publish implements transport.Publisher: topic is the connection key (the
// request_id the Server registered the connection under). Unlike the
// broker transports, the WebSocket wire format is the bare DGResponse JSON
// already carried in msg.Payload (spec §6: "/ws ... responses (including
// streaming updates) are text frames carrying DGResponse"), not the
// envelope itself, so msg.Payload is written straight through rather than
// re-marshaled. A connection that has gone away, or whose send queue is
// full, is reported back as an error; the Streaming Session Manager's
// per-channel retry reacts to it per spec §4.6 channel-failure handling,
// while the Server's own response delivery discards it.
func (h *Hub) Publish(_ context.Context, topic string, msg model.MessageEnvelope) error {
	shard := h.pickShard(topic)
	v, ok := shard.clients.Load(topic)
	if !ok {
		return errConnectionNotFound(topic)
	}
	conn := v.(*Connection)

	select {
	case conn.SendQueue <- msg.Payload:
		return nil
	default:
		return errSendQueueFull(topic)
	}
}

// ClientCount returns the total number of registered connections.
func (h *Hub) ClientCount() int {
	var total int32
	for idx := range h.shards {
		total += atomic.LoadInt32(&h.shards[idx].count)
	}
	return int(total)
}

func (h *Hub) pickShard(key string) *shard {
	sum := 0
	for i := 0; i < len(key); i++ {
		sum += int(key[i])
	}
	return &h.shards[sum%len(h.shards)]
}

// Shutdown unregisters every connection, closing their send queues.
func (h *Hub) Shutdown(_ context.Context) {
	for idx := range h.shards {
		shard := &h.shards[idx]
		shard.clients.Range(func(_, value any) bool {
			conn := value.(*Connection)
			h.Unregister(conn)
			return true
		})
	}
}

type errConnectionNotFound string

func (e errConnectionNotFound) Error() string { return "websocket: no connection bound to key " + string(e) }

type errSendQueueFull string

func (e errSendQueueFull) Error() string { return "websocket: send queue full for key " + string(e) }
