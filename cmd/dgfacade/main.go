package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"
	"go.uber.org/zap"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/dgfacade/dgfacade/internal/actor"
	"github.com/dgfacade/dgfacade/internal/config"
	"github.com/dgfacade/dgfacade/internal/engine"
	"github.com/dgfacade/dgfacade/internal/handler"
	"github.com/dgfacade/dgfacade/internal/ingress"
	"github.com/dgfacade/dgfacade/internal/logging"
	"github.com/dgfacade/dgfacade/internal/metrics"
	"github.com/dgfacade/dgfacade/internal/model"
	"github.com/dgfacade/dgfacade/internal/registry"
	"github.com/dgfacade/dgfacade/internal/security"
	"github.com/dgfacade/dgfacade/internal/streaming"
	"github.com/dgfacade/dgfacade/internal/transport"
	"github.com/dgfacade/dgfacade/internal/transport/amqp"
	"github.com/dgfacade/dgfacade/internal/transport/jms"
	"github.com/dgfacade/dgfacade/internal/transport/kafka"
	wsTransport "github.com/dgfacade/dgfacade/internal/transport/websocket"
)

func main() {
	_ = godotenv.Load()

	root := &cobra.Command{Use: "dgfacade", Short: "Request-dispatch facade"}
	root.AddCommand(serveCmd())
	root.AddCommand(reloadConfigCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the facade process",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

// reloadConfigCmd asks a running process's reload endpoint to re-read the
// Handler Registry and User/ApiKey Service backing files (spec §4.5
// Reload). It does not itself hold process state.
func reloadConfigCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "reload-config",
		Short: "Trigger a running facade process to reload its handler bindings and user files",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := http.Post(fmt.Sprintf("http://%s/admin/reload", addr), "application/json", nil)
			if err != nil {
				return fmt.Errorf("reload request failed: %w", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("reload request returned status %d", resp.StatusCode)
			}
			fmt.Println("reload triggered")
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:9095", "address of the running process's metrics/admin listener")
	return cmd
}

func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.NewLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	metricsRegistry := metrics.NewRegistry()
	ring := metrics.NewStateRing(cfg.Metrics.RingCapacity, cfg.Metrics.RingRetention)

	users, err := security.New(security.Config{
		UsersFile:   cfg.Security.UsersFile,
		APIKeysFile: cfg.Security.APIKeysFile,
	})
	if err != nil {
		return fmt.Errorf("init user service: %w", err)
	}

	reg, err := registry.New(registry.FileSource{Path: cfg.Registry.BindingsFile}, cfg.Actor.MaxTTLMinutes)
	if err != nil {
		return fmt.Errorf("init handler registry: %w", err)
	}

	handlers := handler.NewRegistry()
	handlers.Register("builtin.echo", handler.Echo())
	handlers.Register("builtin.sleep", handler.Sleep())
	handlers.Register("builtin.ticker", handler.Ticker())

	sup := actor.NewSupervisor(cfg.Actor, logger, metricsRegistry)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	wsHub := wsTransport.NewHub(cfg.WebSocket, metricsRegistry)

	publishers, brokerIngresses := wirePublishers(cfg, logger, metricsRegistry, ctx)
	publishers[model.ChannelOutWebSocket] = wsHub

	var streamManager *streaming.Manager
	if cfg.Streaming.Enabled {
		streamManager = streaming.New(cfg.Streaming, publishers, metricsRegistry, nil, logger)
	}

	eng := engine.New(users, reg, handlers, sup, metricsRegistry, ring, streamSink{streamManager}, logger)

	// Broker ingress (spec §6's requests_topic/requests_queue subscriber
	// surfaces) only starts once eng exists, since each loop submits
	// directly through it.
	for _, bi := range brokerIngresses {
		go runBrokerIngress(ctx, bi, eng, logger)
	}

	wsServer := wsTransport.NewServer(cfg, logger, wsHub, eng)
	if err := wsServer.Start(ctx); err != nil {
		return fmt.Errorf("start websocket transport: %w", err)
	}

	// The HTTP submission API, metrics, and admin/reload endpoints share one
	// listener (cfg.Metrics.ListenAddr); the WebSocket transport owns the
	// separate raw TCP listener on cfg.Server.Host:Port.
	mux := http.NewServeMux()
	ingress.RegisterRoutes(mux, eng, logger)
	mux.Handle("/metrics", metricsRegistry.Handler())
	mux.HandleFunc("/admin/reload", func(w http.ResponseWriter, r *http.Request) {
		if err := eng.ReloadConfigs(); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	httpServer := &http.Server{Addr: cfg.Metrics.ListenAddr, Handler: mux, ReadTimeout: 10 * time.Second}

	httpErrCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.Metrics.ListenAddr))
		httpErrCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-httpErrCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", zap.Error(err))
		}
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	wsServer.Stop()
	eng.Shutdown(10 * time.Second)

	logger.Info("facade stopped")
	return nil
}

// ingressSubscriber is the half of transport.Subscriber that runBrokerIngress
// needs, paired with Publisher so the response can go back out the same
// transport it arrived on.
type ingressSubscriber interface {
	transport.Publisher
	Subscribe(ctx context.Context, topic string, handle func(model.MessageEnvelope) error) error
}

// brokerIngress binds one enabled broker transport to the SourceChannel its
// inbound DGRequests should be tagged with.
type brokerIngress struct {
	name    string
	sub     ingressSubscriber
	channel model.SourceChannel
}

// wirePublishers builds and starts every enabled broker transport, returning
// both the ResponseChannel -> Publisher map the Streaming Session Manager
// fans updates out through, and the subscriber half of spec §6's broker
// ingress surfaces (requests_topic/requests_queue) for runBrokerIngress.
// Each transport runs its reconnect loop in the background for the lifetime
// of ctx; none are reachable unless its <broker>.enabled flag is set, since
// this process assumes no broker is guaranteed present in a bare checkout.
func wirePublishers(cfg config.Config, logger *zap.Logger, metricsRegistry *metrics.Registry, ctx context.Context) (map[model.ResponseChannel]transport.Publisher, []brokerIngress) {
	publishers := make(map[model.ResponseChannel]transport.Publisher)
	var ingresses []brokerIngress

	if cfg.Kafka.Enabled {
		kafkaLogger := zerolog.New(os.Stderr).With().Timestamp().Str("transport", "kafka").Logger()
		kt := kafka.New(cfg.Kafka, &kafkaLogger, metricsRegistry)
		go func() {
			if err := kt.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error("kafka transport stopped", zap.Error(err))
			}
		}()
		publishers[model.ChannelOutKafka] = kt
		ingresses = append(ingresses, brokerIngress{name: "kafka", sub: kt, channel: model.ChannelKafka})
	}

	if cfg.AMQP.Enabled {
		at := amqp.New(cfg.AMQP, logger, metricsRegistry)
		go func() {
			if err := at.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error("amqp transport stopped", zap.Error(err))
			}
		}()
		publishers[model.ChannelOutRabbitMQ] = at
		ingresses = append(ingresses, brokerIngress{name: "amqp", sub: at, channel: model.ChannelRabbitMQ})
	}

	if cfg.JMS.Enabled {
		jt := jms.New(cfg.JMS, logger, metricsRegistry)
		go func() {
			if err := jt.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error("jms transport stopped", zap.Error(err))
			}
		}()
		publishers[model.ChannelOutActiveMQ] = jt
		ingresses = append(ingresses, brokerIngress{name: "jms", sub: jt, channel: model.ChannelActiveMQ})
	}

	return publishers, ingresses
}

// runBrokerIngress is the subscriber half of spec §6's broker ingress
// surfaces: decode each inbound MessageEnvelope into a DGRequest, submit it
// through eng, and publish the resulting DGResponse back out over the same
// transport the request arrived on. Re-subscribes on every Subscribe return
// (a broker disconnect or decode-loop error) so a transient outage doesn't
// permanently kill the ingress side, mirroring the reconnect behavior
// wirePublishers already gives the egress side of the same transport.
func runBrokerIngress(ctx context.Context, bi brokerIngress, eng *engine.Engine, logger *zap.Logger) {
	for {
		if ctx.Err() != nil {
			return
		}
		err := bi.sub.Subscribe(ctx, "", func(env model.MessageEnvelope) error {
			var req model.DGRequest
			if err := json.Unmarshal(env.Payload, &req); err != nil {
				logger.Warn(bi.name+" ingress: undecodable request", zap.Error(err))
				return err
			}
			req.SourceChannel = bi.channel
			req.CreatedAt = time.Now().UTC()

			resp, submitErr := eng.Submit(ctx, req)
			if submitErr != nil {
				logger.Debug(bi.name+" ingress: submit failed", zap.String("request_id", req.RequestID), zap.Error(submitErr))
			}
			body, err := json.Marshal(resp)
			if err != nil {
				return err
			}
			return bi.sub.Publish(ctx, "", model.MessageEnvelope{
				MessageID:   req.RequestID,
				Timestamp:   time.Now().UTC(),
				ContentType: "application/json",
				Payload:     body,
			})
		})
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			logger.Warn(bi.name+" ingress subscriber stopped, retrying", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

// streamSink adapts *streaming.Manager to engine.StreamingSink, tolerating a
// nil Manager when streaming.enabled is false.
type streamSink struct{ m *streaming.Manager }

func (s streamSink) Start(ctx context.Context, handlerID string, req model.DGRequest, cfg model.HandlerConfig, producer handler.Producer) string {
	if s.m == nil {
		return ""
	}
	return s.m.Start(ctx, handlerID, req, cfg, producer)
}
