// Package config loads runtime configuration for dgfacade from environment
// variables and an optional config file, using viper exactly as the teacher
// server does, extended with the operational surface enumerated in spec §6.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all runtime configuration for the facade process.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	WebSocket WebSocketConfig `mapstructure:"websocket"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Actor     ActorConfig     `mapstructure:"actor"`
	Streaming StreamingConfig `mapstructure:"streaming"`
	Registry  RegistryConfig  `mapstructure:"registry"`
	Security  SecurityConfig  `mapstructure:"security"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	AMQP      AMQPConfig      `mapstructure:"amqp"`
	JMS       JMSConfig       `mapstructure:"jms"`
}

// ServerConfig contains network level settings for the WebSocket transport's
// listener; the HTTP API listens on MetricsConfig.ListenAddr instead.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ReadBufferSize  int           `mapstructure:"read_buffer_size"`
	WriteBufferSize int           `mapstructure:"write_buffer_size"`
}

// WebSocketConfig controls the WebSocket ingress/egress transport.
type WebSocketConfig struct {
	Path               string `mapstructure:"path"`
	ShardCount         int    `mapstructure:"shard_count"`
	MaxConnections     int    `mapstructure:"max_connections"`
	SendChannelSize    int    `mapstructure:"send_channel_size"`
	BroadcastQueueSize int    `mapstructure:"broadcast_queue_size"`
	BroadcastWorkers   int    `mapstructure:"broadcast_workers"`
	EnableCompression  bool   `mapstructure:"enable_compression"`
}

// MetricsConfig controls Prometheus export and the Recent-State Ring.
type MetricsConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	ListenAddr    string        `mapstructure:"listen_addr"`
	Endpoint      string        `mapstructure:"endpoint"`
	ServiceName   string        `mapstructure:"service_name"`
	RingCapacity  int           `mapstructure:"ring_capacity"`
	RingRetention time.Duration `mapstructure:"ring_retention"`
}

// LoggingConfig controls zap logger level/encoding.
type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// ActorConfig controls the Handler Actor Supervisor (spec §6: actor.*).
type ActorConfig struct {
	MinPoolSize           int           `mapstructure:"min_pool_size"`
	MaxPoolSize           int           `mapstructure:"max_pool_size"`
	MailboxCapacity       int           `mapstructure:"mailbox_capacity"`
	HandlerTimeoutSeconds int           `mapstructure:"handler_timeout_seconds"`
	CancelGrace           time.Duration `mapstructure:"cancel_grace"`
	MaxTTLMinutes         int           `mapstructure:"max_ttl_minutes"`
}

// StreamingConfig controls the Streaming Session Manager (spec §6: streaming.*).
type StreamingConfig struct {
	Enabled                 bool     `mapstructure:"enabled"`
	DefaultTTLMinutes       int      `mapstructure:"default_ttl_minutes"`
	MaxTTLMinutes           int      `mapstructure:"max_ttl_minutes"`
	MaxConcurrentSessions   int      `mapstructure:"max_concurrent_sessions"`
	DefaultResponseChannels []string `mapstructure:"default_response_channels"`
	MaxPublishRetries       int      `mapstructure:"max_publish_retries"`
}

// RegistryConfig points at the handler-bindings backing file (spec §6:
// registry.*), read the same way security.* points at the users/api-keys
// files: a flat file reloaded wholesale on every Reload.
type RegistryConfig struct {
	BindingsFile string `mapstructure:"bindings_file"`
}

// SecurityConfig points at the user/api-key backing files (spec §6: security.*).
type SecurityConfig struct {
	UsersFile        string        `mapstructure:"users_file"`
	APIKeysFile      string        `mapstructure:"api_keys_file"`
	JWTSecret        string        `mapstructure:"jwt_secret"`
	JWTTokenDuration time.Duration `mapstructure:"jwt_token_duration"`
}

// KafkaConfig configures the Kafka Publisher/Subscriber transport (spec §4.1).
type KafkaConfig struct {
	Enabled            bool      `mapstructure:"enabled"`
	BootstrapServers   []string  `mapstructure:"bootstrap_servers"`
	ClientID           string    `mapstructure:"client_id"`
	Acks               string    `mapstructure:"acks"`
	Compression        string    `mapstructure:"compression"`
	BatchSize          int       `mapstructure:"batch_size"`
	LingerMS           int       `mapstructure:"linger_ms"`
	RequestsTopic      string    `mapstructure:"requests_topic"`
	ResponsesTopic     string    `mapstructure:"responses_topic"`
	ConsumerGroup      string    `mapstructure:"consumer_group"`
	ReconnectInitialMS int       `mapstructure:"reconnect_initial_ms"`
	ReconnectMaxMS     int       `mapstructure:"reconnect_max_ms"`
	TLS                TLSConfig `mapstructure:"ssl"`
}

// AMQPConfig configures the RabbitMQ Publisher/Subscriber transport (spec
// §4.1). NetworkRecoveryIntervalMS is AMQP's own reconnect-interval knob
// (spec §4.1: "Network-recovery interval for AMQP is a separate knob"), used
// as this transport's reconnect_initial_ms instead of a generic one.
type AMQPConfig struct {
	Enabled                   bool      `mapstructure:"enabled"`
	Host                      string    `mapstructure:"host"`
	Port                      int       `mapstructure:"port"`
	VirtualHost               string    `mapstructure:"virtual_host"`
	Username                  string    `mapstructure:"username"`
	Password                  string    `mapstructure:"password"`
	ConnectionTimeoutMS       int       `mapstructure:"connection_timeout_ms"`
	HeartbeatSeconds          int       `mapstructure:"heartbeat_s"`
	NetworkRecoveryIntervalMS int       `mapstructure:"network_recovery_interval_ms"`
	ReconnectMaxMS            int       `mapstructure:"reconnect_max_ms"`
	Exchange                  string    `mapstructure:"exchange"`
	RequestsQueue             string    `mapstructure:"requests_queue"`
	ResponsesQueue            string    `mapstructure:"responses_queue"`
	TLS                       TLSConfig `mapstructure:"ssl"`
}

// JMSConfig configures the ActiveMQ/JMS transport variant, which reuses the
// AMQP machinery against ActiveMQ's AMQP connector (see DESIGN.md).
type JMSConfig struct {
	Enabled            bool      `mapstructure:"enabled"`
	BrokerURL          string    `mapstructure:"broker_url"`
	Username           string    `mapstructure:"username"`
	Password           string    `mapstructure:"password"`
	ClientID           string    `mapstructure:"client_id"`
	RequestsQueue      string    `mapstructure:"requests_queue"`
	ResponsesQueue     string    `mapstructure:"responses_queue"`
	ReconnectInitialMS int       `mapstructure:"reconnect_initial_ms"`
	ReconnectMaxMS     int       `mapstructure:"reconnect_max_ms"`
	TLS                TLSConfig `mapstructure:"ssl"`
}

// TLSConfig accepts either a PEM truststore/keystore pair or a packaged
// keystore with password, per spec §4.1.
type TLSConfig struct {
	Enabled          bool   `mapstructure:"enabled"`
	CAFile           string `mapstructure:"ca_file"`
	CertFile         string `mapstructure:"cert_file"`
	KeyFile          string `mapstructure:"key_file"`
	KeystorePath     string `mapstructure:"keystore_path"`
	KeystorePassword string `mapstructure:"keystore_password"`
}

// Load reads configuration from environment variables and optional config files.
func Load() (Config, error) {
	v := viper.New()

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8082)
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("server.idle_timeout", 120*time.Second)
	v.SetDefault("server.read_buffer_size", 16<<10)
	v.SetDefault("server.write_buffer_size", 16<<10)

	v.SetDefault("websocket.path", "/ws")
	v.SetDefault("websocket.shard_count", 64)
	v.SetDefault("websocket.max_connections", 100000)
	v.SetDefault("websocket.send_channel_size", 256)
	v.SetDefault("websocket.broadcast_queue_size", 1024)
	v.SetDefault("websocket.broadcast_workers", 0)
	v.SetDefault("websocket.enable_compression", false)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.listen_addr", ":9095")
	v.SetDefault("metrics.endpoint", "/metrics")
	v.SetDefault("metrics.service_name", "dgfacade")
	v.SetDefault("metrics.ring_capacity", 1000)
	v.SetDefault("metrics.ring_retention", time.Hour)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)

	v.SetDefault("actor.min_pool_size", 4)
	v.SetDefault("actor.max_pool_size", 64)
	v.SetDefault("actor.mailbox_capacity", 256)
	v.SetDefault("actor.handler_timeout_seconds", 30)
	v.SetDefault("actor.cancel_grace", 5*time.Second)
	v.SetDefault("actor.max_ttl_minutes", 60)

	v.SetDefault("streaming.enabled", true)
	v.SetDefault("streaming.default_ttl_minutes", 30)
	v.SetDefault("streaming.max_ttl_minutes", 120)
	v.SetDefault("streaming.max_concurrent_sessions", 1000)
	v.SetDefault("streaming.default_response_channels", []string{"WebSocket"})
	v.SetDefault("streaming.max_publish_retries", 3)

	v.SetDefault("registry.bindings_file", "")

	v.SetDefault("security.users_file", "")
	v.SetDefault("security.api_keys_file", "")
	v.SetDefault("security.jwt_token_duration", 24*time.Hour)

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.acks", "all")
	v.SetDefault("kafka.compression", "none")
	v.SetDefault("kafka.batch_size", 16384)
	v.SetDefault("kafka.linger_ms", 5)
	v.SetDefault("kafka.requests_topic", "requests_topic")
	v.SetDefault("kafka.responses_topic", "responses_topic")
	v.SetDefault("kafka.consumer_group", "dgfacade")
	v.SetDefault("kafka.reconnect_initial_ms", 1000)
	v.SetDefault("kafka.reconnect_max_ms", 60000)

	v.SetDefault("amqp.enabled", false)
	v.SetDefault("amqp.host", "localhost")
	v.SetDefault("amqp.port", 5672)
	v.SetDefault("amqp.virtual_host", "/")
	v.SetDefault("amqp.connection_timeout_ms", 30000)
	v.SetDefault("amqp.heartbeat_s", 10)
	v.SetDefault("amqp.network_recovery_interval_ms", 10000)
	v.SetDefault("amqp.reconnect_max_ms", 60000)
	v.SetDefault("amqp.exchange", "dgfacade")
	v.SetDefault("amqp.requests_queue", "requests_queue")
	v.SetDefault("amqp.responses_queue", "responses_queue")

	v.SetDefault("jms.enabled", false)
	v.SetDefault("jms.requests_queue", "requests_queue")
	v.SetDefault("jms.responses_queue", "responses_queue")
	v.SetDefault("jms.reconnect_initial_ms", 1000)
	v.SetDefault("jms.reconnect_max_ms", 60000)

	v.SetConfigName("dgfacade")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.SetEnvPrefix("DGFACADE")
	v.AutomaticEnv()

	_ = v.ReadInConfig()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config unmarshal: %w", err)
	}

	if cfg.WebSocket.ShardCount <= 0 {
		cfg.WebSocket.ShardCount = 64
	}
	if cfg.WebSocket.SendChannelSize <= 0 {
		cfg.WebSocket.SendChannelSize = 256
	}
	if cfg.Actor.MaxPoolSize <= 0 {
		cfg.Actor.MaxPoolSize = 64
	}
	if cfg.Actor.MinPoolSize <= 0 {
		cfg.Actor.MinPoolSize = 1
	}
	if cfg.Actor.MinPoolSize > cfg.Actor.MaxPoolSize {
		cfg.Actor.MinPoolSize = cfg.Actor.MaxPoolSize
	}

	return cfg, nil
}
