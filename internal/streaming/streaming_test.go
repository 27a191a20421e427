package streaming

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dgfacade/dgfacade/internal/config"
	"github.com/dgfacade/dgfacade/internal/handler"
	"github.com/dgfacade/dgfacade/internal/metrics"
	"github.com/dgfacade/dgfacade/internal/model"
	"github.com/dgfacade/dgfacade/internal/transport"
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

type fakePublisher struct {
	fail atomic.Bool
	got  atomic.Int64

	mu       sync.Mutex
	received []model.DGResponse
}

func (p *fakePublisher) Publish(_ context.Context, _ string, env model.MessageEnvelope) error {
	if p.fail.Load() {
		return errors.New("publish failed")
	}
	p.got.Add(1)
	var resp model.DGResponse
	if err := json.Unmarshal(env.Payload, &resp); err == nil {
		p.mu.Lock()
		p.received = append(p.received, resp)
		p.mu.Unlock()
	}
	return nil
}

func (p *fakePublisher) messages() []model.DGResponse {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]model.DGResponse(nil), p.received...)
}

func testStreamingConfig() config.StreamingConfig {
	return config.StreamingConfig{
		Enabled:               true,
		DefaultTTLMinutes:     60,
		MaxTTLMinutes:         120,
		MaxConcurrentSessions: 2,
		MaxPublishRetries:     2,
	}
}

func tickingProducer(updates int, done chan struct{}) handler.Producer {
	return handler.ProducerFunc(func(ctx context.Context, emit func(map[string]any) error) error {
		defer close(done)
		for i := 0; i < updates; i++ {
			if err := emit(map[string]any{"n": i}); err != nil {
				return err
			}
		}
		return nil
	})
}

func TestManager_Start_FansOutToPublisher(t *testing.T) {
	pub := &fakePublisher{}
	m := New(testStreamingConfig(), map[model.ResponseChannel]transport.Publisher{
		model.ChannelOutWebSocket: pub,
	}, sharedTestMetrics(), nil, nil)

	done := make(chan struct{})
	req := model.DGRequest{RequestID: "req-1", ResolvedUserID: "alice", RequestType: "demo"}
	sessionID := m.Start(context.Background(), "hdl-1", req, model.HandlerConfig{}, tickingProducer(3, done))
	require.NotEmpty(t, sessionID)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("producer never completed")
	}

	assert.Eventually(t, func() bool {
		_, ok := m.Get(sessionID)
		return !ok
	}, time.Second, 10*time.Millisecond, "session should be removed once the producer finishes")

	msgs := pub.messages()
	require.Len(t, msgs, 4, "3 updates plus one terminal STREAMING_COMPLETE")
	for _, update := range msgs[:3] {
		assert.Equal(t, model.StatusStreamingUpdate, update.Status)
		assert.Equal(t, "req-1", update.RequestID)
	}
	terminal := msgs[3]
	assert.Equal(t, model.StatusStreamingComplete, terminal.Status)
	assert.Equal(t, "req-1", terminal.RequestID)
	assert.Equal(t, string(model.StopCompleted), terminal.Payload["stop_reason"])
}

// TestManager_Run_PublishesTerminalCompleteOnStop reproduces spec §8
// scenario 5: stopping an active session must still deliver exactly one
// STREAMING_COMPLETE response to its channels before the session disappears.
func TestManager_Run_PublishesTerminalCompleteOnStop(t *testing.T) {
	pub := &fakePublisher{}
	m := New(testStreamingConfig(), map[model.ResponseChannel]transport.Publisher{
		model.ChannelOutWebSocket: pub,
	}, sharedTestMetrics(), nil, nil)

	started := make(chan struct{})
	blocker := handler.ProducerFunc(func(ctx context.Context, emit func(map[string]any) error) error {
		if err := emit(map[string]any{"n": 1}); err != nil {
			return err
		}
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})

	req := model.DGRequest{RequestID: "req-5", ResolvedUserID: "erin", RequestType: "demo"}
	sessionID := m.Start(context.Background(), "hdl-6", req, model.HandlerConfig{}, blocker)
	require.NotEmpty(t, sessionID)

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("producer never emitted its first update")
	}

	require.True(t, m.Stop(sessionID))
	assert.Eventually(t, func() bool {
		_, ok := m.Get(sessionID)
		return !ok
	}, time.Second, 10*time.Millisecond)

	msgs := pub.messages()
	require.Len(t, msgs, 2, "one update plus one terminal STREAMING_COMPLETE")
	terminal := msgs[len(msgs)-1]
	assert.Equal(t, model.StatusStreamingComplete, terminal.Status)
	assert.Equal(t, string(model.StopCancelled), terminal.Payload["stop_reason"])
}

func TestManager_Emit_RemovesChannelAfterPersistentFailure(t *testing.T) {
	pub := &fakePublisher{}
	pub.fail.Store(true)
	m := New(testStreamingConfig(), map[model.ResponseChannel]transport.Publisher{
		model.ChannelOutWebSocket: pub,
	}, sharedTestMetrics(), nil, nil)

	done := make(chan struct{})
	req := model.DGRequest{RequestID: "req-2", ResolvedUserID: "bob", RequestType: "demo"}
	sessionID := m.Start(context.Background(), "hdl-2", req, model.HandlerConfig{
		DefaultResponseChannels: []model.ResponseChannel{model.ChannelOutWebSocket},
	}, tickingProducer(1, done))
	require.NotEmpty(t, sessionID)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("producer never completed")
	}

	assert.Eventually(t, func() bool {
		_, ok := m.Get(sessionID)
		return !ok
	}, time.Second, 10*time.Millisecond)
	assert.Zero(t, pub.got.Load())
}

func TestManager_Start_RespectsMaxConcurrentSessions(t *testing.T) {
	cfg := testStreamingConfig()
	cfg.MaxConcurrentSessions = 1
	pub := &fakePublisher{}
	m := New(cfg, map[model.ResponseChannel]transport.Publisher{
		model.ChannelOutWebSocket: pub,
	}, sharedTestMetrics(), nil, nil)

	blockCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	blocker := handler.ProducerFunc(func(ctx context.Context, emit func(map[string]any) error) error {
		<-ctx.Done()
		return ctx.Err()
	})

	req := model.DGRequest{RequestID: "req-3", ResolvedUserID: "carol", RequestType: "demo"}
	first := m.Start(blockCtx, "hdl-3", req, model.HandlerConfig{}, blocker)
	require.NotEmpty(t, first)

	second := m.Start(context.Background(), "hdl-4", req, model.HandlerConfig{}, tickingProducer(1, make(chan struct{})))
	assert.Empty(t, second, "second session should be rejected once capacity is exhausted")

	assert.True(t, m.Stop(first))
}

func TestManager_Stop_CancelsSession(t *testing.T) {
	pub := &fakePublisher{}
	m := New(testStreamingConfig(), map[model.ResponseChannel]transport.Publisher{
		model.ChannelOutWebSocket: pub,
	}, sharedTestMetrics(), nil, nil)

	blocker := handler.ProducerFunc(func(ctx context.Context, emit func(map[string]any) error) error {
		<-ctx.Done()
		return ctx.Err()
	})

	req := model.DGRequest{RequestID: "req-4", ResolvedUserID: "dave", RequestType: "demo"}
	sessionID := m.Start(context.Background(), "hdl-5", req, model.HandlerConfig{}, blocker)
	require.NotEmpty(t, sessionID)

	require.True(t, m.Stop(sessionID))
	assert.Eventually(t, func() bool {
		_, ok := m.Get(sessionID)
		return !ok
	}, time.Second, 10*time.Millisecond)
}
