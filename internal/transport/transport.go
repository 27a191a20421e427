// Package transport defines the Publisher/Subscriber capability-set
// abstraction shared by every concrete broker binding (spec §4.1): Kafka,
// AMQP/RabbitMQ, and the ActiveMQ/JMS variant built on the same AMQP
// machinery (see DESIGN.md). Concrete transports compose Reconnector rather
// than implementing their own backoff loop.
package transport

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dgfacade/dgfacade/internal/model"
)

// ConnectionState is the lifecycle of a transport's broker connection.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "DISCONNECTED"
	StateConnecting   ConnectionState = "CONNECTING"
	StateConnected    ConnectionState = "CONNECTED"
	StateError        ConnectionState = "ERROR"
)

// Publisher is the capability a transport exposes to push outbound
// messages (responses and streaming updates) to a broker.
type Publisher interface {
	Publish(ctx context.Context, topic string, msg model.MessageEnvelope) error
}

// Subscriber is the capability a transport exposes to receive inbound
// DGRequests from a broker.
type Subscriber interface {
	Subscribe(ctx context.Context, topic string, handle func(model.MessageEnvelope) error) error
}

// Dialer performs the broker-specific connect/reconnect work. Connect must
// be idempotent: it is called again on every reconnect attempt.
type Dialer interface {
	// Connect establishes the connection.
	Connect(ctx context.Context) error
	// Restore re-creates topology (subscriptions, bindings) assumed lost
	// across a reconnect (spec §4.1: "reconnects are topology-restoring").
	Restore(ctx context.Context) error
	// Close tears the connection down.
	Close() error
}

// Reconnector drives a Dialer through exponential backoff with jitter and
// tracks its ConnectionState (see State). Concrete transports hold one
// instead of writing their own retry loop.
type Reconnector struct {
	dialer Dialer
	name   string
	logger *zap.Logger

	minBackoff time.Duration
	maxBackoff time.Duration

	onReconnect func()

	mu    sync.RWMutex
	state ConnectionState
}

// NewReconnector builds a Reconnector for dialer, logging under name.
// minBackoff/maxBackoff are the transport's reconnect_initial_ms/
// reconnect_max_ms (spec §4.1, defaults 1000/60000); a zero value falls
// back to that default rather than disabling backoff.
func NewReconnector(name string, dialer Dialer, logger *zap.Logger, minBackoff, maxBackoff time.Duration) *Reconnector {
	if minBackoff <= 0 {
		minBackoff = time.Second
	}
	if maxBackoff <= 0 {
		maxBackoff = 60 * time.Second
	}
	return &Reconnector{
		dialer:     dialer,
		name:       name,
		logger:     logger,
		minBackoff: minBackoff,
		maxBackoff: maxBackoff,
		state:      StateDisconnected,
	}
}

// OnReconnect registers a callback invoked after every successful reconnect
// (not the initial connect), after topology has been restored. The Kafka and
// AMQP transports do not register one; they pass a per-attempt callback to
// Run instead.
func (r *Reconnector) OnReconnect(fn func()) {
	r.onReconnect = fn
}

// State returns the current connection state.
func (r *Reconnector) State() ConnectionState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

func (r *Reconnector) setState(s ConnectionState) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

// Run connects and then blocks, reconnecting with backoff whenever lost,
// until ctx is cancelled. lost carries connection losses detected by the
// caller (e.g. a publish or consume error); every value received on it
// starts a reconnect cycle rather than returning. onReconnectAttempt, if
// non-nil, is called before each reconnect attempt. A failed initial connect
// is returned as an error.
func (r *Reconnector) Run(ctx context.Context, lost <-chan error, onReconnectAttempt func()) error {
	if err := r.connect(ctx, false); err != nil {
		return err
	}

	backoff := r.minBackoff
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-lost:
			r.setState(StateError)
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(jitter(backoff)):
				}
				if onReconnectAttempt != nil {
					onReconnectAttempt()
				}
				if err := r.connect(ctx, true); err != nil {
					if r.logger != nil {
						r.logger.Warn("reconnect failed", zap.String("transport", r.name), zap.Error(err))
					}
					backoff = nextBackoff(backoff, r.maxBackoff)
					continue
				}
				backoff = r.minBackoff
				break
			}
		}
	}
}

func (r *Reconnector) connect(ctx context.Context, isReconnect bool) error {
	r.setState(StateConnecting)
	if err := r.dialer.Connect(ctx); err != nil {
		r.setState(StateError)
		return err
	}
	if err := r.dialer.Restore(ctx); err != nil {
		r.setState(StateError)
		return err
	}
	r.setState(StateConnected)
	if isReconnect && r.onReconnect != nil {
		r.onReconnect()
	}
	return nil
}

func jitter(d time.Duration) time.Duration {
	j := time.Duration(rand.Int63n(int64(d) / 2))
	return d/2 + j
}

func nextBackoff(cur, max time.Duration) time.Duration {
	next := cur * 2
	if next > max {
		return max
	}
	return next
}
