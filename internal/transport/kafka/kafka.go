// Package kafka implements the Kafka C1 transport variant using
// twmb/franz-go, adapted from the consumer loop and record-processing shape
// in the token-event broadcaster this project was modeled on.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/dgfacade/dgfacade/internal/config"
	"github.com/dgfacade/dgfacade/internal/metrics"
	"github.com/dgfacade/dgfacade/internal/model"
	"github.com/dgfacade/dgfacade/internal/transport"
)

// Transport is the Kafka Publisher+Subscriber binding. Publish is wrapped in
// a circuit breaker so a down broker fails fast instead of piling up
// goroutines behind Reconnector's backoff window (spec §4.1). Logs through
// zerolog rather than zap, matching how the teacher's own Kafka consumer
// logs this one subsystem.
type Transport struct {
	cfg     config.KafkaConfig
	logger  *zerolog.Logger
	metrics *metrics.Registry

	client  *kgo.Client
	breaker *gobreaker.CircuitBreaker
	lost    chan error
	recon   *transport.Reconnector
}

// New builds a Kafka Transport. Connect is not attempted until Run is called.
func New(cfg config.KafkaConfig, logger *zerolog.Logger, metricsRegistry *metrics.Registry) *Transport {
	t := &Transport{cfg: cfg, logger: logger, metrics: metricsRegistry, lost: make(chan error, 1)}
	t.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "kafka-publish",
		MaxRequests: 1,
		Interval:    30 * time.Second,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	t.recon = transport.NewReconnector("kafka", t, nil,
		time.Duration(cfg.ReconnectInitialMS)*time.Millisecond,
		time.Duration(cfg.ReconnectMaxMS)*time.Millisecond)
	return t
}

// Connect, Restore, and Close implement transport.Dialer directly on
// *Transport. Restore is a no-op: franz-go's consumer group rejoins
// automatically on reconnect, so there is no separate re-subscribe step.
func (t *Transport) Connect(_ context.Context) error {
	opts := []kgo.Opt{
		kgo.SeedBrokers(t.cfg.BootstrapServers...),
		kgo.ClientID(t.cfg.ClientID),
		kgo.ConsumerGroup(t.cfg.ConsumerGroup),
		kgo.ConsumeTopics(t.cfg.RequestsTopic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()),
		kgo.FetchMaxWait(500 * time.Millisecond),
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return fmt.Errorf("kafka: new client: %w", err)
	}
	t.client = client
	return nil
}

func (t *Transport) Restore(_ context.Context) error { return nil }

func (t *Transport) Close() error {
	if t.client != nil {
		t.client.Close()
	}
	return nil
}

// Run connects, reconnects under backoff on loss, and blocks until ctx is
// cancelled. Callers start it as a long-lived goroutine.
func (t *Transport) Run(ctx context.Context) error {
	onReconnect := func() {
		if t.metrics != nil {
			t.metrics.TransportReconnects.WithLabelValues("kafka").Inc()
		}
	}
	return t.recon.Run(ctx, t.lost, onReconnect)
}

// Subscribe polls fetches and invokes handle for each record's decoded
// MessageEnvelope, surfacing consume errors as connection loss so
// Reconnector takes over.
func (t *Transport) Subscribe(ctx context.Context, _ string, handle func(model.MessageEnvelope) error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if t.client == nil {
			time.Sleep(100 * time.Millisecond)
			continue
		}
		fetches := t.client.PollFetches(ctx)
		if errs := fetches.Errors(); len(errs) > 0 {
			for _, e := range errs {
				if t.logger != nil {
					t.logger.Warn().Err(e.Err).Str("topic", e.Topic).Msg("kafka fetch error")
				}
			}
			select {
			case t.lost <- fmt.Errorf("kafka fetch error"):
			default:
			}
			continue
		}
		fetches.EachRecord(func(record *kgo.Record) {
			var env model.MessageEnvelope
			if err := json.Unmarshal(record.Value, &env); err != nil {
				if t.logger != nil {
					t.logger.Warn().Err(err).Msg("kafka: undecodable record")
				}
				return
			}
			if err := handle(env); err != nil && t.logger != nil {
				t.logger.Warn().Err(err).Msg("kafka: handler error")
			}
		})
	}
}

// Publish produces one record to topic (falling back to responses_topic),
// through the circuit breaker.
func (t *Transport) Publish(ctx context.Context, topic string, msg model.MessageEnvelope) error {
	if topic == "" {
		topic = t.cfg.ResponsesTopic
	}
	_, err := t.breaker.Execute(func() (any, error) {
		body, err := json.Marshal(msg)
		if err != nil {
			return nil, err
		}
		record := &kgo.Record{Topic: topic, Key: []byte(msg.MessageID), Value: body}
		results := t.client.ProduceSync(ctx, record)
		return nil, results.FirstErr()
	})
	if err != nil {
		if t.metrics != nil {
			t.metrics.PublishFailures.WithLabelValues("kafka").Inc()
		}
		select {
		case t.lost <- err:
		default:
		}
		return err
	}
	return nil
}
