package manager

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/dayofmonth/dayofmonth/agent/internal/compute"
	"github.com/dayofmonth/dayofmonth/agent/internal/config"
	"github.com/dayofmonth/dayofmonth/agent/internal/history"
	"github.com/dayofmonth/dayofmonth/agent/internal/pipeline"
	"github.com/dayofmonth/dayofmonth/pkg/types"
)

// fakeSource returns one sample with the given state for every FetchLast.
type fakeSource struct {
	mu        sync.Mutex
	validated []string
	closed    bool
}

func (f *fakeSource) FetchLast(context.Context, history.LastQuery) ([]history.RawSample, error) {
	return []history.RawSample{{State: history.Number(21.5)}}, nil
}

func (f *fakeSource) FetchRange(context.Context, history.RangeQuery) ([]history.RawSample, error) {
	return nil, nil
}

func (f *fakeSource) Validate(_ context.Context, sourceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.validated = append(f.validated, sourceID)
	if sourceID == "sensor.missing" {
		return errors.New("series not found")
	}
	return nil
}

func (f *fakeSource) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSource) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type recorder struct {
	mu     sync.Mutex
	states []types.SensorState
	ch     chan types.SensorState
}

func newRecorder() *recorder { return &recorder{ch: make(chan types.SensorState, 64)} }

func (r *recorder) Publish(_ context.Context, st types.SensorState) error {
	r.mu.Lock()
	r.states = append(r.states, st)
	r.mu.Unlock()
	r.ch <- st
	return nil
}

func (r *recorder) wait(t *testing.T, n int) []types.SensorState {
	t.Helper()
	var got []types.SensorState
	timeout := time.After(2 * time.Second)
	for len(got) < n {
		select {
		case st := <-r.ch:
			got = append(got, st)
		case <-timeout:
			t.Fatalf("got %d states, want %d", len(got), n)
		}
	}
	return got
}

type tracker struct {
	mu         sync.Mutex
	forgotten  []string
	registered []string
}

func (tr *tracker) Forget(id string) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.forgotten = append(tr.forgotten, id)
}

func (tr *tracker) Register(id string) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.registered = append(tr.registered, id)
}

type retainer struct{ ids []string }

func (r *retainer) Retain(ids []string) int {
	r.ids = append([]string(nil), ids...)
	sort.Strings(r.ids)
	return 0
}

const twoSensors = `
agent:
  timezone: UTC
  history:
    backend: prometheus
    endpoint: http://prometheus:9090
  sensors:
    - id: temp_max
      source_id: sensor.temperature
      track_value: state
      aggregation: maximum
      historic_range: annual
      update_frequency: daily
    - id: temp_mean
      source_id: sensor.temperature
      track_value: mean
      aggregation: mean
      historic_range: monthly
      update_frequency: daily
      unit: "°C"
`

const oneSensor = `
agent:
  timezone: UTC
  history:
    backend: prometheus
    endpoint: http://prometheus:9090
    validate: true
  sensors:
    - id: temp_max
      source_id: sensor.temperature
      track_value: state
      aggregation: maximum
      historic_range: annual
      update_frequency: daily
    - id: missing
      source_id: sensor.missing
      track_value: state
      aggregation: maximum
      historic_range: annual
      update_frequency: daily
`

func mustParse(t *testing.T, doc string) *config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return cfg
}

type harness struct {
	m       *Manager
	pub     *recorder
	tr      *tracker
	ret     *retainer
	sources []*fakeSource
	fail    bool
}

func newHarness(t *testing.T, now time.Time) *harness {
	t.Helper()
	h := &harness{pub: newRecorder(), tr: &tracker{}, ret: &retainer{}}
	factory := func(config.HistoryConfig) (history.Source, error) {
		if h.fail {
			return nil, errors.New("backend unreachable")
		}
		src := &fakeSource{}
		h.sources = append(h.sources, src)
		return src, nil
	}
	h.m = New(h.pub,
		WithSourceFactory(factory),
		WithTrackers(h.tr),
		WithRetainer(h.ret),
		WithClock(func() time.Time { return now }),
	)
	t.Cleanup(h.m.Close)
	return h
}

func TestApply_RunsEverySensorOnce(t *testing.T) {
	h := newHarness(t, time.Now())
	if err := h.m.Apply(context.Background(), mustParse(t, twoSensors)); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	got := h.pub.wait(t, 2)
	byID := map[string]types.SensorState{}
	for _, st := range got {
		byID[st.SensorID] = st
	}
	if st := byID["temp_max"]; !st.Available || st.Value != 21.5 {
		t.Errorf("temp_max: got %+v", st)
	}
	if st := byID["temp_mean"]; st.Available {
		t.Errorf("temp_mean: mean field missing, want unavailable, got %+v", st)
	}
	if st := byID["temp_mean"]; st.Unit != "°C" {
		t.Errorf("temp_mean unit: got %q", st.Unit)
	}

	if ids := h.m.IDs(); len(ids) != 2 || ids[0] != "temp_max" || ids[1] != "temp_mean" {
		t.Errorf("IDs: got %v", ids)
	}
	if len(h.ret.ids) != 2 {
		t.Errorf("Retain ids: got %v", h.ret.ids)
	}
	if len(h.tr.registered) != 2 {
		t.Errorf("registered: got %v", h.tr.registered)
	}
}

func TestApply_ReloadRemovesSensors(t *testing.T) {
	h := newHarness(t, time.Now())
	ctx := context.Background()
	if err := h.m.Apply(ctx, mustParse(t, twoSensors)); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	h.pub.wait(t, 2)

	if err := h.m.Apply(ctx, mustParse(t, oneSensor)); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !h.sources[0].isClosed() {
		t.Error("previous source was not closed")
	}
	if len(h.tr.forgotten) != 1 || h.tr.forgotten[0] != "temp_mean" {
		t.Errorf("forgotten: got %v, want [temp_mean]", h.tr.forgotten)
	}
	if len(h.ret.ids) != 2 || h.ret.ids[0] != "missing" || h.ret.ids[1] != "temp_max" {
		t.Errorf("Retain ids: got %v", h.ret.ids)
	}

	// Validation runs on the new source and a failing series still runs.
	src := h.sources[1]
	src.mu.Lock()
	validated := len(src.validated)
	src.mu.Unlock()
	if validated != 2 {
		t.Errorf("validated %d sources, want 2", validated)
	}
	h.pub.wait(t, 2)
}

func TestApply_FactoryErrorKeepsRunningSet(t *testing.T) {
	h := newHarness(t, time.Now())
	ctx := context.Background()
	if err := h.m.Apply(ctx, mustParse(t, twoSensors)); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	h.pub.wait(t, 2)

	h.fail = true
	if err := h.m.Apply(ctx, mustParse(t, oneSensor)); err == nil {
		t.Fatal("expected error from failing factory")
	}
	if ids := h.m.IDs(); len(ids) != 2 {
		t.Errorf("IDs after failed reload: got %v, want 2 sensors", ids)
	}
	if h.sources[0].isClosed() {
		t.Error("running source closed by failed reload")
	}
}

func TestTrigger(t *testing.T) {
	h := newHarness(t, time.Now())
	ctx := context.Background()
	if err := h.m.Apply(ctx, mustParse(t, twoSensors)); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	h.pub.wait(t, 2)

	if _, err := h.m.Trigger(ctx, "nope"); !errors.Is(err, ErrUnknownSensor) {
		t.Fatalf("unknown: got %v, want ErrUnknownSensor", err)
	}

	// The initial run may still hold the guard for a moment after publishing.
	deadline := time.Now().Add(2 * time.Second)
	for {
		res, err := h.m.Trigger(ctx, "temp_max")
		if errors.Is(err, pipeline.ErrBusy) && time.Now().Before(deadline) {
			time.Sleep(5 * time.Millisecond)
			continue
		}
		if err != nil {
			t.Fatalf("Trigger: %v", err)
		}
		if res != compute.Available(21.5) {
			t.Errorf("result: got %+v", res)
		}
		break
	}
}

func TestDescribe(t *testing.T) {
	now := time.Date(2024, time.March, 15, 10, 0, 0, 0, time.UTC)
	h := newHarness(t, now)
	if err := h.m.Apply(context.Background(), mustParse(t, twoSensors)); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	info, err := h.m.Describe("temp_mean")
	if err != nil {
		t.Fatalf("Describe: %v", err)
	}
	if info.Name != "Day of Month Mean of temperature" {
		t.Errorf("name: got %q", info.Name)
	}
	if info.Aggregation != "mean" || info.Range != "monthly" || info.Frequency != "daily" {
		t.Errorf("options: got %+v", info)
	}
	if len(info.Dates) != compute.MonthlyLookback || info.Dates[0] != "2024-03-15" || info.Dates[11] != "2023-04-15" {
		t.Errorf("dates: got %v", info.Dates)
	}
	if info.NextRun.IsZero() {
		t.Error("next run not reported")
	}

	if _, err := h.m.Describe("nope"); !errors.Is(err, ErrUnknownSensor) {
		t.Errorf("unknown: got %v", err)
	}
}

func TestHTTPOptions_ResolvesSecrets(t *testing.T) {
	t.Setenv("HIST_TOKEN", "tok")
	t.Setenv("HIST_PASS", "pw")
	opts := HTTPOptions(config.HistoryConfig{
		Timeout: 3 * time.Second,
		TLS:     config.TLSConfig{InsecureSkipVerify: true},
		Auth: config.AuthConfig{
			Mode:        "bearer",
			TokenEnv:    "HIST_TOKEN",
			Username:    "u",
			PasswordEnv: "HIST_PASS",
		},
	})
	if opts.Auth.Token != "tok" || opts.Auth.Password != "pw" || opts.Auth.Username != "u" {
		t.Errorf("auth: got %+v", opts.Auth)
	}
	if opts.Auth.Header != config.DefaultAPIKeyHeader {
		t.Errorf("header: got %q", opts.Auth.Header)
	}
	if !opts.InsecureSkipVerify || opts.Timeout != 3*time.Second {
		t.Errorf("options: got %+v", opts)
	}
}

func TestNewSource(t *testing.T) {
	src, err := NewSource(config.HistoryConfig{Backend: "prometheus", Endpoint: "http://localhost:9090"}, nil)
	if err != nil {
		t.Fatalf("prometheus: %v", err)
	}
	if _, ok := src.(*history.Breaker); !ok {
		t.Errorf("source: got %T, want *history.Breaker", src)
	}

	if _, err := NewSource(config.HistoryConfig{Backend: "recorder", DSNEnv: "DAYOFMONTH_UNSET_DSN"}, nil); err == nil {
		t.Error("recorder without DSN: expected error")
	}
	if _, err := NewSource(config.HistoryConfig{Backend: "influx"}, nil); err == nil {
		t.Error("unknown backend: expected error")
	}
}
