package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const validSensor = `
  sensors:
    - id: dom_temp_max
      source_id: 'outdoor_temperature{room="garden"}'
      track_value: max
      aggregation: standard deviation
      historic_range: annual
      update_frequency: daily
      unit: "°C"
`

func TestLoad_Valid(t *testing.T) {
	yaml := `
agent:
  timezone: Europe/Rome
  history:
    backend: prometheus
    endpoint: "http://localhost:9090"
    timeout: 3s
    concurrency: 8
    breaker:
      max_failures: 2
      reset_timeout: 30s
    auth:
      mode: bearer
      token_env: PROM_TOKEN
` + validSensor + `
  publish:
    mqtt:
      broker: "tcp://localhost:1883"
      topic_prefix: dayofmonth
      qos: 1
`
	cfg := loadFromString(t, yaml)
	a := cfg.Agent

	if a.Timezone != "Europe/Rome" {
		t.Errorf("timezone: got %q", a.Timezone)
	}
	if a.History.Timeout != 3*time.Second {
		t.Errorf("timeout: got %v", a.History.Timeout)
	}
	if a.History.Concurrency != 8 {
		t.Errorf("concurrency: got %d", a.History.Concurrency)
	}
	if a.History.Breaker.MaxFailures != 2 || a.History.Breaker.ResetTimeout != 30*time.Second {
		t.Errorf("breaker: got %+v", a.History.Breaker)
	}
	if len(a.Sensors) != 1 {
		t.Fatalf("sensors: got %d, want 1", len(a.Sensors))
	}
	s := a.Sensors[0]
	if s.SourceID != `outdoor_temperature{room="garden"}` {
		t.Errorf("source_id: got %q", s.SourceID)
	}
	if s.Aggregation != "standard deviation" {
		t.Errorf("aggregation: got %q", s.Aggregation)
	}
	if s.Unit != "°C" {
		t.Errorf("unit: got %q", s.Unit)
	}
	if a.Publish.MQTT.QoS != 1 {
		t.Errorf("mqtt qos: got %d", a.Publish.MQTT.QoS)
	}
	loc, err := a.Location()
	if err != nil || loc.String() != "Europe/Rome" {
		t.Errorf("Location(): got %v, %v", loc, err)
	}
}

func TestLoad_Defaults(t *testing.T) {
	yaml := `
agent:
  history:
    endpoint: "http://localhost:9090"
` + validSensor

	cfg := loadFromString(t, yaml)
	a := cfg.Agent

	if a.History.Backend != "prometheus" {
		t.Errorf("default backend: got %q", a.History.Backend)
	}
	if a.History.Timeout != DefaultRequestTimeout {
		t.Errorf("default timeout: got %v", a.History.Timeout)
	}
	if a.History.Concurrency != DefaultFetchConcurrency {
		t.Errorf("default concurrency: got %d", a.History.Concurrency)
	}
	if a.History.Breaker.MaxFailures != DefaultBreakerFailures {
		t.Errorf("default breaker failures: got %d", a.History.Breaker.MaxFailures)
	}
	if a.HTTP.Port != DefaultHTTPPort {
		t.Errorf("default http port: got %d", a.HTTP.Port)
	}
	if a.GRPC.Port != DefaultGRPCPort {
		t.Errorf("default grpc port: got %d", a.GRPC.Port)
	}
	if a.HTTP.BroadcastInterval != DefaultBroadcastInterval {
		t.Errorf("default broadcast interval: got %v", a.HTTP.BroadcastInterval)
	}
	if a.Publish.BufferSize != DefaultBufferSize {
		t.Errorf("default buffer size: got %d", a.Publish.BufferSize)
	}
	if loc, _ := a.Location(); loc != time.Local {
		t.Errorf("default location: got %v", loc)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name: "missing endpoint",
			yaml: `
agent:
  history:
    backend: prometheus
`,
			wantErr: "history.endpoint",
		},
		{
			name: "recorder without dsn",
			yaml: `
agent:
  history:
    backend: recorder
`,
			wantErr: "dsn_env",
		},
		{
			name: "unknown backend",
			yaml: `
agent:
  history:
    backend: influx
`,
			wantErr: "unknown backend",
		},
		{
			name: "unknown auth mode",
			yaml: `
agent:
  history:
    endpoint: "http://localhost:9090"
    auth:
      mode: magictoken
`,
			wantErr: "unknown mode",
		},
		{
			name: "bad timezone",
			yaml: `
agent:
  timezone: Mars/Olympus
  history:
    endpoint: "http://localhost:9090"
`,
			wantErr: "timezone",
		},
		{
			name: "unknown aggregation",
			yaml: `
agent:
  history:
    endpoint: "http://localhost:9090"
  sensors:
    - id: a
      source_id: temp
      track_value: mean
      aggregation: mode
      historic_range: annual
      update_frequency: daily
`,
			wantErr: "aggregation",
		},
		{
			name: "unknown track value",
			yaml: `
agent:
  history:
    endpoint: "http://localhost:9090"
  sensors:
    - id: a
      source_id: temp
      track_value: sum
      aggregation: mean
      historic_range: annual
      update_frequency: daily
`,
			wantErr: "sum",
		},
		{
			name: "duplicate id",
			yaml: `
agent:
  history:
    endpoint: "http://localhost:9090"
  sensors:
    - {id: a, source_id: t, track_value: mean, aggregation: mean, historic_range: annual, update_frequency: daily}
    - {id: a, source_id: u, track_value: mean, aggregation: mean, historic_range: monthly, update_frequency: hourly}
`,
			wantErr: "duplicate id",
		},
		{
			name: "missing source",
			yaml: `
agent:
  history:
    endpoint: "http://localhost:9090"
  sensors:
    - {id: a, track_value: mean, aggregation: mean, historic_range: annual, update_frequency: daily}
`,
			wantErr: "source_id",
		},
		{
			name: "kafka without topic",
			yaml: `
agent:
  history:
    endpoint: "http://localhost:9090"
  publish:
    kafka:
      brokers: ["localhost:9092"]
`,
			wantErr: "kafka.topic",
		},
		{
			name: "mqtt qos out of range",
			yaml: `
agent:
  history:
    endpoint: "http://localhost:9090"
  publish:
    mqtt:
      broker: "tcp://localhost:1883"
      qos: 3
`,
			wantErr: "qos",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := loadStringErr(t, tc.yaml)
			if err == nil {
				t.Fatalf("expected error containing %q, got nil", tc.wantErr)
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("error %q does not mention %q", err, tc.wantErr)
			}
		})
	}
}

func TestLoad_AllOptionStrings(t *testing.T) {
	for _, track := range []string{"mean", "min", "max", "state"} {
		for _, agg := range []string{"maximum", "minimum", "median", "mean", "standard deviation"} {
			yaml := `
agent:
  history:
    endpoint: "http://localhost:9090"
  sensors:
    - id: s
      source_id: temp
      track_value: ` + track + `
      aggregation: ` + agg + `
      historic_range: monthly
      update_frequency: hourly
`
			if _, err := loadStringErr(t, yaml); err != nil {
				t.Errorf("track=%s agg=%s: %v", track, agg, err)
			}
		}
	}
}

func TestAuthConfig_Secrets(t *testing.T) {
	t.Setenv("TEST_API_KEY", "supersecret")
	t.Setenv("TEST_BEARER_TOKEN", "mytoken")
	t.Setenv("TEST_PASSWORD", "hunter2")
	a := AuthConfig{KeyEnv: "TEST_API_KEY", TokenEnv: "TEST_BEARER_TOKEN", PasswordEnv: "TEST_PASSWORD"}
	if got := a.Key(); got != "supersecret" {
		t.Errorf("Key(): got %q", got)
	}
	if got := a.Token(); got != "mytoken" {
		t.Errorf("Token(): got %q", got)
	}
	if got := a.Password(); got != "hunter2" {
		t.Errorf("Password(): got %q", got)
	}
	if got := (AuthConfig{}).Key(); got != "" {
		t.Errorf("Key() with no KeyEnv: got %q, want empty", got)
	}
}

func TestAuthConfig_EffectiveHeader(t *testing.T) {
	if got := (AuthConfig{}).EffectiveHeader(); got != DefaultAPIKeyHeader {
		t.Errorf("default header: got %q", got)
	}
	if got := (AuthConfig{Header: "X-Token"}).EffectiveHeader(); got != "X-Token" {
		t.Errorf("custom header: got %q", got)
	}
}

func TestHistoryConfig_DSN(t *testing.T) {
	t.Setenv("RECORDER_DSN", "host=db user=ha")
	h := HistoryConfig{DSNEnv: "RECORDER_DSN"}
	if got := h.DSN(); got != "host=db user=ha" {
		t.Errorf("DSN(): got %q", got)
	}
}

func TestWatch_Reload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	base := "agent:\n  history:\n    endpoint: \"http://localhost:9090\"\n"
	writeFile(t, path, base)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan *Config, 4)
	done := make(chan error, 1)
	go func() { done <- Watch(ctx, path, func(c *Config) { got <- c }) }()

	// Give the watcher time to register before writing.
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		writeFile(t, path, base+validSensor)
		select {
		case cfg := <-got:
			if len(cfg.Agent.Sensors) != 1 {
				t.Errorf("reloaded sensors: got %d, want 1", len(cfg.Agent.Sensors))
			}
			cancel()
			if err := <-done; err != nil {
				t.Errorf("Watch returned %v", err)
			}
			return
		case <-tick.C:
		case <-deadline:
			t.Fatal("no reload observed")
		}
	}
}

func TestWatch_InvalidReloadIgnored(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeFile(t, path, "agent:\n  history:\n    endpoint: \"http://localhost:9090\"\n")

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	called := make(chan struct{}, 1)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, func(*Config) { called <- struct{}{} })
	}()

	time.Sleep(100 * time.Millisecond)
	writeFile(t, path, "agent:\n  history:\n    backend: nope\n")

	if err := <-done; err != nil {
		t.Fatalf("Watch returned %v", err)
	}
	select {
	case <-called:
		t.Error("onChange called for an invalid config")
	default:
	}
}

// loadFromString writes yaml to a temp file and calls Load, failing on error.
func loadFromString(t *testing.T, content string) *Config {
	t.Helper()
	cfg, err := loadStringErr(t, content)
	if err != nil {
		t.Fatalf("Load() unexpected error: %v", err)
	}
	return cfg
}

// loadStringErr writes yaml to a temp file and calls Load, returning any error.
func loadStringErr(t *testing.T, content string) (*Config, error) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, content)
	return Load(path)
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
}
