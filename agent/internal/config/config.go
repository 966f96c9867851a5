package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dayofmonth/dayofmonth/agent/internal/compute"
)

// Default values applied when fields are absent from the config file.
const (
	DefaultTimezone          = "Local"
	DefaultFetchConcurrency  = 4
	DefaultRequestTimeout    = 10 * time.Second
	DefaultBreakerFailures   = 5
	DefaultBreakerReset      = time.Minute
	DefaultHTTPPort          = 8080
	DefaultGRPCPort          = 50051
	DefaultBroadcastInterval = 5 * time.Second
	DefaultBufferSize        = 1000
	DefaultAPIKeyHeader      = "X-API-Key"
)

// Config is the top-level configuration file.
type Config struct {
	Agent AgentConfig `yaml:"agent"`
}

// AgentConfig holds all agent settings.
type AgentConfig struct {
	// Timezone is the IANA zone whose midnights bound each target day.
	// "Local" uses the host zone.
	Timezone string `yaml:"timezone"`

	// History configures the historical sample store.
	History HistoryConfig `yaml:"history"`

	// Sensors is the list of derived statistics to compute.
	Sensors []Sensor `yaml:"sensors"`

	// HTTP configures the REST API, metrics and WebSocket endpoints.
	HTTP HTTPConfig `yaml:"http"`

	// GRPC configures the gRPC health endpoint.
	GRPC GRPCConfig `yaml:"grpc"`

	// Publish configures the optional broker and archive sinks.
	Publish PublishConfig `yaml:"publish"`
}

// Location resolves Timezone.
func (a AgentConfig) Location() (*time.Location, error) {
	if a.Timezone == "" || a.Timezone == "Local" {
		return time.Local, nil
	}
	return time.LoadLocation(a.Timezone)
}

// HistoryConfig selects and configures the sample source backend.
type HistoryConfig struct {
	// Backend is one of: prometheus | recorder.
	Backend string `yaml:"backend"`

	// Endpoint is the base URL of the Prometheus-compatible API.
	Endpoint string `yaml:"endpoint"`

	// DSNEnv names the environment variable holding the recorder database DSN.
	DSNEnv string `yaml:"dsn_env"`

	// Auth configures how the agent authenticates to the backend.
	Auth AuthConfig `yaml:"auth"`

	// TLS holds optional TLS dial options.
	TLS TLSConfig `yaml:"tls"`

	// Timeout bounds a single backend request.
	Timeout time.Duration `yaml:"timeout"`

	// Concurrency caps parallel per-date fetches within one invocation.
	Concurrency int `yaml:"concurrency"`

	// Breaker tunes the circuit breaker around the backend.
	Breaker BreakerConfig `yaml:"breaker"`

	// Validate checks every source at start-up and logs problems.
	Validate bool `yaml:"validate"`
}

// DSN returns the recorder DSN resolved from the environment.
func (h HistoryConfig) DSN() string {
	return env(h.DSNEnv)
}

// BreakerConfig tunes the history circuit breaker.
type BreakerConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// Sensor describes one derived statistic.
type Sensor struct {
	// ID is a unique identifier for this sensor.
	ID string `yaml:"id"`

	// SourceID identifies the tracked series in the history backend: a PromQL
	// selector for prometheus, a statistic_id for recorder.
	SourceID string `yaml:"source_id"`

	// TrackValue is one of: mean | min | max | state.
	TrackValue string `yaml:"track_value"`

	// Aggregation is one of: maximum | minimum | median | mean | standard deviation.
	Aggregation string `yaml:"aggregation"`

	// HistoricRange is one of: annual | monthly.
	HistoricRange string `yaml:"historic_range"`

	// UpdateFrequency is one of: hourly | daily.
	UpdateFrequency string `yaml:"update_frequency"`

	// Unit is used when the backend does not report one for the series.
	Unit string `yaml:"unit"`
}

// AuthConfig specifies an authentication mode.
type AuthConfig struct {
	// Mode is one of: mtls | apikey | bearer | basic | none.
	Mode string `yaml:"mode"`

	// mTLS fields, used when Mode == "mtls".
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	CAFile   string `yaml:"ca_file"`

	// Header is the header name an API key travels in.
	Header string `yaml:"header"`
	// KeyEnv is the name of the environment variable that holds the key value.
	KeyEnv string `yaml:"key_env"`

	// TokenEnv is the name of the environment variable that holds the bearer token.
	TokenEnv string `yaml:"token_env"`

	// Username is the literal basic-auth username.
	Username string `yaml:"username"`
	// PasswordEnv is the name of the environment variable that holds the password.
	PasswordEnv string `yaml:"password_env"`
}

// Key returns the API key value resolved from the environment.
func (a AuthConfig) Key() string { return env(a.KeyEnv) }

// Token returns the bearer token value resolved from the environment.
func (a AuthConfig) Token() string { return env(a.TokenEnv) }

// Password returns the basic-auth password resolved from the environment.
func (a AuthConfig) Password() string { return env(a.PasswordEnv) }

// EffectiveHeader returns Header, or the default API key header when unset.
func (a AuthConfig) EffectiveHeader() string {
	if a.Header == "" {
		return DefaultAPIKeyHeader
	}
	return a.Header
}

// TLSConfig holds TLS dial options.
type TLSConfig struct {
	// InsecureSkipVerify disables TLS certificate verification.
	// Only use this for internal CAs in development environments.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`
}

// HTTPConfig configures the operator HTTP surface.
type HTTPConfig struct {
	Port int `yaml:"port"`

	// Auth protects the manual update endpoint. Mode is apikey | none.
	Auth AuthConfig `yaml:"auth"`

	// BroadcastInterval is how often WebSocket clients receive all states.
	BroadcastInterval time.Duration `yaml:"broadcast_interval"`
}

// GRPCConfig configures the gRPC health endpoint. Port 0 disables it.
type GRPCConfig struct {
	Port int `yaml:"port"`

	// Auth is applied to health checks. Mode is apikey | none.
	Auth AuthConfig `yaml:"auth"`
}

// PublishConfig configures asynchronous delivery of every published state.
// Each sink is enabled by filling in its address.
type PublishConfig struct {
	// BufferSize is the maximum number of states held while sinks are
	// unreachable.
	BufferSize int `yaml:"buffer_size"`

	MQTT  MQTTConfig  `yaml:"mqtt"`
	Kafka KafkaConfig `yaml:"kafka"`
	Redis RedisConfig `yaml:"redis"`
	AMQP  AMQPConfig  `yaml:"amqp"`
	S3    S3Config    `yaml:"s3"`
}

// MQTTConfig configures the MQTT state-topic sink.
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
	Username    string `yaml:"username"`
	PasswordEnv string `yaml:"password_env"`
	QoS         byte   `yaml:"qos"`
	Retain      bool   `yaml:"retain"`
}

// Password returns the MQTT password resolved from the environment.
func (m MQTTConfig) Password() string { return env(m.PasswordEnv) }

// KafkaConfig configures the Kafka event sink.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// RedisConfig configures the Redis latest-value sink.
type RedisConfig struct {
	Addr        string `yaml:"addr"`
	DB          int    `yaml:"db"`
	PasswordEnv string `yaml:"password_env"`
	KeyPrefix   string `yaml:"key_prefix"`
}

// Password returns the Redis password resolved from the environment.
func (r RedisConfig) Password() string { return env(r.PasswordEnv) }

// AMQPConfig configures the AMQP event sink.
type AMQPConfig struct {
	// URLEnv names the environment variable holding the amqp:// URL.
	URLEnv     string `yaml:"url_env"`
	Exchange   string `yaml:"exchange"`
	RoutingKey string `yaml:"routing_key"`
}

// URL returns the broker URL resolved from the environment.
func (a AMQPConfig) URL() string { return env(a.URLEnv) }

// S3Config configures the object-storage archive sink.
type S3Config struct {
	Endpoint     string `yaml:"endpoint"`
	Bucket       string `yaml:"bucket"`
	Prefix       string `yaml:"prefix"`
	AccessKeyEnv string `yaml:"access_key_env"`
	SecretKeyEnv string `yaml:"secret_key_env"`
	UseSSL       bool   `yaml:"use_ssl"`
}

// AccessKey returns the access key resolved from the environment.
func (s S3Config) AccessKey() string { return env(s.AccessKeyEnv) }

// SecretKey returns the secret key resolved from the environment.
func (s S3Config) SecretKey() string { return env(s.SecretKeyEnv) }

// Load reads and parses the YAML config file at path.
// Missing optional fields are filled with defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML document.
func Parse(data []byte) (*Config, error) {
	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// defaults returns a Config pre-populated with default values.
func defaults() *Config {
	return &Config{
		Agent: AgentConfig{
			Timezone: DefaultTimezone,
			History: HistoryConfig{
				Backend:     "prometheus",
				Timeout:     DefaultRequestTimeout,
				Concurrency: DefaultFetchConcurrency,
				Breaker: BreakerConfig{
					MaxFailures:  DefaultBreakerFailures,
					ResetTimeout: DefaultBreakerReset,
				},
			},
			HTTP: HTTPConfig{
				Port:              DefaultHTTPPort,
				BroadcastInterval: DefaultBroadcastInterval,
			},
			GRPC: GRPCConfig{
				Port: DefaultGRPCPort,
			},
			Publish: PublishConfig{
				BufferSize: DefaultBufferSize,
			},
		},
	}
}

// validate checks required fields and structural constraints.
func validate(cfg *Config) error {
	a := cfg.Agent
	if _, err := a.Location(); err != nil {
		return fmt.Errorf("agent.timezone: %w", err)
	}

	switch a.History.Backend {
	case "prometheus":
		if a.History.Endpoint == "" {
			return fmt.Errorf("history.endpoint is required for the prometheus backend")
		}
	case "recorder":
		if a.History.DSNEnv == "" {
			return fmt.Errorf("history.dsn_env is required for the recorder backend")
		}
	default:
		return fmt.Errorf("history.backend: unknown backend %q", a.History.Backend)
	}
	switch a.History.Auth.Mode {
	case "mtls", "apikey", "bearer", "basic", "none", "":
	default:
		return fmt.Errorf("history.auth: unknown mode %q", a.History.Auth.Mode)
	}
	if a.History.Concurrency <= 0 {
		return fmt.Errorf("history.concurrency must be positive")
	}
	if a.HTTP.BroadcastInterval <= 0 {
		return fmt.Errorf("http.broadcast_interval must be positive")
	}
	if a.Publish.BufferSize <= 0 {
		return fmt.Errorf("publish.buffer_size must be positive")
	}
	if a.Publish.MQTT.QoS > 2 {
		return fmt.Errorf("publish.mqtt.qos must be 0, 1 or 2")
	}
	if len(a.Publish.Kafka.Brokers) > 0 && a.Publish.Kafka.Topic == "" {
		return fmt.Errorf("publish.kafka.topic is required when brokers are set")
	}
	if a.Publish.S3.Endpoint != "" && a.Publish.S3.Bucket == "" {
		return fmt.Errorf("publish.s3.bucket is required when endpoint is set")
	}

	seen := make(map[string]bool, len(a.Sensors))
	for i, s := range a.Sensors {
		if s.ID == "" {
			return fmt.Errorf("sensors[%d]: id is required", i)
		}
		if seen[s.ID] {
			return fmt.Errorf("sensors[%d]: duplicate id %q", i, s.ID)
		}
		seen[s.ID] = true
		if s.SourceID == "" {
			return fmt.Errorf("sensors[%d] %q: source_id is required", i, s.ID)
		}
		if _, err := compute.ParseTrackedField(s.TrackValue); err != nil {
			return fmt.Errorf("sensors[%d] %q: %w", i, s.ID, err)
		}
		if _, err := compute.ParseAggregation(s.Aggregation); err != nil {
			return fmt.Errorf("sensors[%d] %q: %w", i, s.ID, err)
		}
		if _, err := compute.ParseHistoricRange(s.HistoricRange); err != nil {
			return fmt.Errorf("sensors[%d] %q: %w", i, s.ID, err)
		}
		if _, err := compute.ParseUpdateFrequency(s.UpdateFrequency); err != nil {
			return fmt.Errorf("sensors[%d] %q: %w", i, s.ID, err)
		}
	}
	return nil
}

func env(name string) string {
	if name == "" {
		return ""
	}
	return os.Getenv(name)
}
