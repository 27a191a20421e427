// Package streaming implements the Streaming Session Manager (spec §4.6):
// tracking long-lived handler Producers, fanning their updates out to
// configured response channels with per-channel retry, and sweeping
// sessions past their TTL. Grounded on the teacher's copy-on-write snapshot
// idiom (registry.Registry, security.UserService) generalized to one
// concurrent map (session_id -> session state plus the cancel func that stops
// its producer) since sessions mutate far more often than handler bindings
// ever reload.
package streaming

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/dgfacade/dgfacade/internal/config"
	"github.com/dgfacade/dgfacade/internal/handler"
	"github.com/dgfacade/dgfacade/internal/metrics"
	"github.com/dgfacade/dgfacade/internal/model"
	"github.com/dgfacade/dgfacade/internal/transport"
)

// ErrCapacityExceeded names the max_concurrent_sessions refusal. Start does
// not return it: a Start refused for capacity returns an empty session id.
var ErrCapacityExceeded = errors.New("streaming: max_concurrent_sessions exceeded")

// RedisMirror write-throughs StreamingSession summaries for operator
// visibility; it is never read back into the hot path (spec §5, and
// DESIGN.md's note on this being the one place Redis appears).
type RedisMirror struct {
	client *redis.Client
}

// NewRedisMirror wraps an existing client. Pass nil to disable mirroring.
func NewRedisMirror(client *redis.Client) *RedisMirror {
	if client == nil {
		return nil
	}
	return &RedisMirror{client: client}
}

func (m *RedisMirror) write(ctx context.Context, sess model.StreamingSession) {
	if m == nil {
		return
	}
	body, err := json.Marshal(sess)
	if err != nil {
		return
	}
	ttl := time.Duration(sess.TTLMinutes) * time.Minute
	if ttl <= 0 {
		ttl = time.Hour
	}
	_ = m.client.Set(ctx, "dgfacade:session:"+sess.SessionID, body, ttl).Err()
}

type session struct {
	mu    sync.Mutex
	state model.StreamingSession
	cancel context.CancelFunc
}

// Manager owns every active StreamingSession. One Manager per process.
type Manager struct {
	cfg        config.StreamingConfig
	publishers map[model.ResponseChannel]transport.Publisher
	metrics    *metrics.Registry
	mirror     *RedisMirror
	logger     *zap.Logger

	sessions sync.Map // session_id -> *session
	count    int
	countMu  sync.Mutex
}

// New builds a Manager. publishers maps each spec ResponseChannel to the
// transport.Publisher that fans updates out over it.
func New(cfg config.StreamingConfig, publishers map[model.ResponseChannel]transport.Publisher, metricsRegistry *metrics.Registry, mirror *RedisMirror, logger *zap.Logger) *Manager {
	m := &Manager{cfg: cfg, publishers: publishers, metrics: metricsRegistry, mirror: mirror, logger: logger}
	go m.sweepLoop()
	return m
}

// Start implements engine.StreamingSink: it is handed the Producer a
// streaming Handler returned, and runs it to completion in the background,
// fanning each emitted payload out to the session's response channels.
func (m *Manager) Start(ctx context.Context, handlerID string, req model.DGRequest, cfg model.HandlerConfig, producer handler.Producer) string {
	sessionID := "sess-" + uuid.New().String()[:12]

	channels := cfg.DefaultResponseChannels
	if len(channels) == 0 {
		channels = m.configuredDefaultChannels()
	}

	ttl := cfg.TTLMinutes
	if ttl <= 0 {
		ttl = m.cfg.DefaultTTLMinutes
	}
	if m.cfg.MaxTTLMinutes > 0 && ttl > m.cfg.MaxTTLMinutes {
		ttl = m.cfg.MaxTTLMinutes
	}

	if !m.admit() {
		return ""
	}

	sessCtx, cancel := context.WithTimeout(context.Background(), time.Duration(ttl)*time.Minute)
	sess := &session{
		state: model.StreamingSession{
			SessionID:        sessionID,
			HandlerID:        handlerID,
			RequestID:        req.RequestID,
			UserID:           req.ResolvedUserID,
			HandlerType:      req.RequestType,
			Status:           model.SessionStarting,
			TTLMinutes:       ttl,
			StartedAt:        time.Now().UTC(),
			ResponseChannels: channels,
		},
		cancel: cancel,
	}
	m.sessions.Store(sessionID, sess)
	if m.metrics != nil {
		m.metrics.StreamingSessions.Inc()
	}

	go m.run(sessCtx, sess, producer)
	return sessionID
}

// configuredDefaultChannels converts streaming.default_response_channels
// (plain strings in config) to the spec's ResponseChannel type, falling back
// to WebSocket when the operator left it unset.
func (m *Manager) configuredDefaultChannels() []model.ResponseChannel {
	if len(m.cfg.DefaultResponseChannels) == 0 {
		return []model.ResponseChannel{model.ChannelOutWebSocket}
	}
	channels := make([]model.ResponseChannel, len(m.cfg.DefaultResponseChannels))
	for i, c := range m.cfg.DefaultResponseChannels {
		channels[i] = model.ResponseChannel(c)
	}
	return channels
}

func (m *Manager) admit() bool {
	m.countMu.Lock()
	defer m.countMu.Unlock()
	if m.cfg.MaxConcurrentSessions > 0 && m.count >= m.cfg.MaxConcurrentSessions {
		return false
	}
	m.count++
	return true
}

func (m *Manager) release() {
	m.countMu.Lock()
	m.count--
	m.countMu.Unlock()
}

func (m *Manager) run(ctx context.Context, sess *session, producer handler.Producer) {
	defer m.release()
	defer func() {
		if m.metrics != nil {
			m.metrics.StreamingSessions.Dec()
		}
	}()

	sess.mu.Lock()
	sess.state.Status = model.SessionActive
	snapshot := sess.state
	sess.mu.Unlock()
	m.mirror.write(ctx, snapshot)

	err := producer.Run(ctx, func(payload map[string]any) error {
		return m.emit(ctx, sess, payload)
	})

	sess.mu.Lock()
	wasStopping := sess.state.Status == model.SessionStopping
	// A producer that returns its own context's error after Stop, the TTL
	// deadline, or a sweep has ended on that signal, not failed.
	ctxEnded := ctx.Err() != nil && (err == nil || errors.Is(err, ctx.Err()))
	var reason model.StopReason
	switch {
	case wasStopping:
		sess.state.Status = model.SessionStopped
		reason = model.StopCancelled
	case ctxEnded:
		sess.state.Status = model.SessionStopped
		reason = model.StopTimedOut
	case err != nil:
		sess.state.Status = model.SessionFailed
		reason = model.StopFailed
	default:
		sess.state.Status = model.SessionStopped
		reason = model.StopCompleted
	}
	final := sess.state
	sess.mu.Unlock()

	m.mirror.write(ctx, final)
	m.publishTerminal(final, reason, err)
	m.sessions.Delete(sess.state.SessionID)
}

// publishTerminal sends one STREAMING_COMPLETE DGResponse to every channel
// still bound to the session before it is deleted (spec §4.6 Stop), so a
// consumer following the stream sees an explicit end instead of updates that
// just stop arriving. Uses a fresh, uncancelled context: by the time run()
// reaches here sess's own context is already done, which would make every
// publish attempt fail immediately.
func (m *Manager) publishTerminal(final model.StreamingSession, reason model.StopReason, runErr error) {
	resp := model.DGResponse{
		RequestID: final.RequestID,
		Status:    model.StatusStreamingComplete,
		Payload:   map[string]any{"stop_reason": reason, "update_count": final.UpdateCount},
		EmittedAt: time.Now().UTC(),
	}
	if runErr != nil {
		msg := runErr.Error()
		resp.ErrorMessage = &msg
	}
	body, err := json.Marshal(resp)
	if err != nil {
		return
	}
	env := model.MessageEnvelope{
		MessageID:   final.SessionID + "-complete",
		Timestamp:   time.Now().UTC(),
		ContentType: "application/json",
		Payload:     body,
	}

	pubCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, ch := range final.ResponseChannels {
		pub, ok := m.publishers[ch]
		if !ok {
			continue
		}
		m.publishWithRetry(pubCtx, pub, topicFor(ch, final.RequestID), env, ch)
	}
}

// emit fans one streaming update out to every channel still bound to the
// session, retrying each up to max_publish_retries and removing a channel
// from the session after persistent failure (spec §4.6).
func (m *Manager) emit(ctx context.Context, sess *session, payload map[string]any) error {
	sess.mu.Lock()
	channels := append([]model.ResponseChannel(nil), sess.state.ResponseChannels...)
	sess.state.UpdateCount++
	sess.state.LastUpdateAt = time.Now().UTC()
	requestID := sess.state.RequestID
	updateCount := sess.state.UpdateCount
	sess.mu.Unlock()

	resp := model.DGResponse{
		RequestID: requestID,
		Status:    model.StatusStreamingUpdate,
		Payload:   payload,
		EmittedAt: time.Now().UTC(),
	}
	env := model.MessageEnvelope{
		MessageID:   fmt.Sprintf("%s-%d", sess.state.SessionID, updateCount),
		Timestamp:   time.Now().UTC(),
		ContentType: "application/json",
	}
	body, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	env.Payload = body

	var surviving []model.ResponseChannel
	for _, ch := range channels {
		pub, ok := m.publishers[ch]
		if !ok {
			continue
		}
		if m.publishWithRetry(ctx, pub, topicFor(ch, requestID), env, ch) {
			surviving = append(surviving, ch)
		} else if m.metrics != nil {
			m.metrics.ChannelWarnings.WithLabelValues(string(ch)).Inc()
		}
	}

	sess.mu.Lock()
	sess.state.ResponseChannels = surviving
	sess.mu.Unlock()

	if m.metrics != nil {
		m.metrics.StreamingUpdates.WithLabelValues(string(channelsKey(surviving))).Inc()
	}
	if len(surviving) == 0 {
		return errors.New("streaming: all response channels removed")
	}
	return nil
}

func (m *Manager) publishWithRetry(ctx context.Context, pub transport.Publisher, topic string, env model.MessageEnvelope, channel model.ResponseChannel) bool {
	retries := m.cfg.MaxPublishRetries
	if retries < 0 {
		retries = 0
	}
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if err := pub.Publish(ctx, topic, env); err == nil {
			return true
		} else {
			lastErr = err
		}
	}
	if m.logger != nil && lastErr != nil {
		m.logger.Warn("streaming: channel removed after persistent publish failure",
			zap.String("channel", string(channel)), zap.Error(lastErr))
	}
	return false
}

// Stop requests cooperative cancellation of one session (spec §4.6 Stop).
func (m *Manager) Stop(sessionID string) bool {
	v, ok := m.sessions.Load(sessionID)
	if !ok {
		return false
	}
	sess := v.(*session)
	sess.mu.Lock()
	sess.state.Status = model.SessionStopping
	sess.mu.Unlock()
	sess.cancel()
	return true
}

// Get returns the current snapshot of a session, if it exists.
func (m *Manager) Get(sessionID string) (model.StreamingSession, bool) {
	v, ok := m.sessions.Load(sessionID)
	if !ok {
		return model.StreamingSession{}, false
	}
	sess := v.(*session)
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.state, true
}

// sweepLoop periodically forces TTL expiry for sessions whose context
// hasn't already done so via its own timeout, at a cadence of 1/5th the
// default TTL (spec §4.6 sweep cadence).
func (m *Manager) sweepLoop() {
	interval := time.Duration(m.cfg.DefaultTTLMinutes) * time.Minute / 5
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		m.sweepExpired()
	}
}

func (m *Manager) sweepExpired() {
	now := time.Now().UTC()
	m.sessions.Range(func(_, v any) bool {
		sess := v.(*session)
		sess.mu.Lock()
		ttl := time.Duration(sess.state.TTLMinutes) * time.Minute
		expired := now.Sub(sess.state.StartedAt) > ttl
		sess.mu.Unlock()
		if expired {
			sess.cancel()
		}
		return true
	})
}

// topicFor returns the publish topic for one response channel: the WebSocket
// Hub addresses connections by the request_id they were registered under,
// while broker transports fall back to their configured responses
// topic/queue when given "".
func topicFor(ch model.ResponseChannel, requestID string) string {
	if ch == model.ChannelOutWebSocket {
		return requestID
	}
	return ""
}

func channelsKey(channels []model.ResponseChannel) model.ResponseChannel {
	if len(channels) == 0 {
		return "none"
	}
	return channels[0]
}
