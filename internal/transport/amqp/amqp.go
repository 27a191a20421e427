// Package amqp implements the AMQP/RabbitMQ C1 transport variant with
// rabbitmq/amqp091-go, adapted from dihedron-rabbit's connection/channel
// setup and reconnect-then-redeclare shape (queue declare, exchange bind,
// consumer tag minted with satori/go.uuid).
package amqp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	uuid "github.com/satori/go.uuid"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/dgfacade/dgfacade/internal/config"
	"github.com/dgfacade/dgfacade/internal/metrics"
	"github.com/dgfacade/dgfacade/internal/model"
	"github.com/dgfacade/dgfacade/internal/transport"
)

// Transport is the AMQP/RabbitMQ Publisher+Subscriber binding. It is also
// reused, unmodified, by the ActiveMQ/JMS variant (see DESIGN.md): ActiveMQ
// is dialed through its AMQP 0-9-1 connector with a distinct queue naming
// scheme, so no JMS-specific client is required.
type Transport struct {
	cfg    config.AMQPConfig
	logger *zap.Logger
	metrics *metrics.Registry

	conn    *amqp.Connection
	channel *amqp.Channel

	consumerTag string
	producerTag string

	breaker *gobreaker.CircuitBreaker
	lost    chan error
	recon   *transport.Reconnector
}

// New builds an AMQP Transport from cfg. Connect is not attempted until Run.
func New(cfg config.AMQPConfig, logger *zap.Logger, metricsRegistry *metrics.Registry) *Transport {
	t := &Transport{
		cfg:         cfg,
		logger:      logger,
		metrics:     metricsRegistry,
		consumerTag: "c-dgfacade-" + uuid.NewV4().String()[0:8],
		producerTag: "p-dgfacade-" + uuid.NewV4().String()[0:8],
		lost:        make(chan error, 1),
	}
	t.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "amqp-publish",
		MaxRequests: 1,
		Interval:    30 * time.Second,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	// NetworkRecoveryIntervalMS is AMQP's own reconnect_initial_ms (spec
	// §4.1 names it as a separate knob rather than the generic one).
	t.recon = transport.NewReconnector("amqp", t, logger,
		time.Duration(cfg.NetworkRecoveryIntervalMS)*time.Millisecond,
		time.Duration(cfg.ReconnectMaxMS)*time.Millisecond)
	return t
}

func (t *Transport) dialURL() string {
	return fmt.Sprintf("amqp://%s:%s@%s:%d/%s", t.cfg.Username, t.cfg.Password, t.cfg.Host, t.cfg.Port, t.cfg.VirtualHost)
}

// Connect dials the broker and opens a channel.
func (t *Transport) Connect(_ context.Context) error {
	dialTimeout := time.Duration(t.cfg.ConnectionTimeoutMS) * time.Millisecond
	if dialTimeout <= 0 {
		dialTimeout = 30 * time.Second
	}
	conn, err := amqp.DialConfig(t.dialURL(), amqp.Config{
		Heartbeat: time.Duration(t.cfg.HeartbeatSeconds) * time.Second,
		Dial:      amqp.DefaultDial(dialTimeout),
	})
	if err != nil {
		return errors.Wrap(err, "amqp: unable to dial server")
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return errors.Wrap(err, "amqp: unable to open channel")
	}
	t.conn = conn
	t.channel = ch

	closeChan := make(chan *amqp.Error, 1)
	conn.NotifyClose(closeChan)
	go func() {
		if err, ok := <-closeChan; ok {
			select {
			case t.lost <- err:
			default:
			}
		}
	}()

	return nil
}

// Restore re-declares the exchange and queues, binding each queue to the
// exchange with its own name as routing key (spec §4.1: reconnects are
// topology-restoring).
func (t *Transport) Restore(_ context.Context) error {
	if t.cfg.Exchange != "" {
		if err := t.channel.ExchangeDeclare(t.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
			return errors.Wrapf(err, "amqp: unable to declare exchange %q", t.cfg.Exchange)
		}
	}
	for _, q := range []string{t.cfg.RequestsQueue, t.cfg.ResponsesQueue} {
		if q == "" {
			continue
		}
		if _, err := t.channel.QueueDeclare(q, true, false, false, false, nil); err != nil {
			return errors.Wrapf(err, "amqp: unable to declare queue %q", q)
		}
		if t.cfg.Exchange != "" {
			if err := t.channel.QueueBind(q, q, t.cfg.Exchange, false, nil); err != nil {
				return errors.Wrapf(err, "amqp: unable to bind queue %q", q)
			}
		}
	}
	return nil
}

// Close tears the channel and connection down.
func (t *Transport) Close() error {
	if t.channel != nil {
		_ = t.channel.Close()
	}
	if t.conn != nil {
		return t.conn.Close()
	}
	return nil
}

// Run connects, reconnects under backoff on loss, and blocks until ctx is
// cancelled.
func (t *Transport) Run(ctx context.Context) error {
	onReconnect := func() {
		if t.metrics != nil {
			t.metrics.TransportReconnects.WithLabelValues("amqp").Inc()
		}
	}
	return t.recon.Run(ctx, t.lost, onReconnect)
}

// Subscribe consumes from topic (falling back to requests_queue) and
// decodes each delivery into a MessageEnvelope.
func (t *Transport) Subscribe(ctx context.Context, topic string, handle func(model.MessageEnvelope) error) error {
	if topic == "" {
		topic = t.cfg.RequestsQueue
	}
	for t.channel == nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
	deliveries, err := t.channel.Consume(topic, t.consumerTag, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("amqp: consume %q: %w", topic, err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				select {
				case t.lost <- fmt.Errorf("amqp: delivery channel closed"):
				default:
				}
				return nil
			}
			var env model.MessageEnvelope
			if err := json.Unmarshal(d.Body, &env); err != nil {
				t.logger.Warn("amqp: undecodable delivery", zap.Error(err))
				continue
			}
			if err := handle(env); err != nil {
				t.logger.Warn("amqp: handler error", zap.Error(err))
			}
		}
	}
}

// Publish publishes to topic (falling back to responses_queue), through the
// circuit breaker.
func (t *Transport) Publish(ctx context.Context, topic string, msg model.MessageEnvelope) error {
	if topic == "" {
		topic = t.cfg.ResponsesQueue
	}
	_, err := t.breaker.Execute(func() (any, error) {
		body, err := json.Marshal(msg)
		if err != nil {
			return nil, err
		}
		exchange := t.cfg.Exchange
		return nil, t.channel.PublishWithContext(ctx, exchange, topic, false, false, amqp.Publishing{
			ContentType: "application/json",
			AppId:       t.producerTag,
			MessageId:   msg.MessageID,
			Timestamp:   msg.Timestamp,
			Body:        body,
		})
	})
	if err != nil {
		if t.metrics != nil {
			t.metrics.PublishFailures.WithLabelValues("amqp").Inc()
		}
		select {
		case t.lost <- err:
		default:
		}
		return err
	}
	return nil
}
