package manager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/dayofmonth/dayofmonth/agent/internal/compute"
	"github.com/dayofmonth/dayofmonth/agent/internal/config"
	"github.com/dayofmonth/dayofmonth/agent/internal/history"
	"github.com/dayofmonth/dayofmonth/agent/internal/pipeline"
	"github.com/dayofmonth/dayofmonth/agent/internal/scheduler"
	"github.com/dayofmonth/dayofmonth/agent/internal/security"
)

// ErrUnknownSensor is returned for ids that are not in the running set.
var ErrUnknownSensor = errors.New("manager: unknown sensor")

// stopTimeout bounds how long a reload waits for running invocations.
const stopTimeout = 30 * time.Second

// Tracker is told when a sensor leaves the running set.
type Tracker interface {
	Forget(sensorID string)
}

// registrar is implemented by trackers that also want to hear about new sensors.
type registrar interface {
	Register(sensorID string)
}

// Retainer drops state for sensors outside ids.
type Retainer interface {
	Retain(ids []string) int
}

// Info describes one running sensor.
type Info struct {
	SensorID    string    `json:"sensor_id"`
	Name        string    `json:"name"`
	SourceID    string    `json:"source_id"`
	TrackValue  string    `json:"track_value"`
	Aggregation string    `json:"aggregation"`
	Range       string    `json:"historic_range"`
	Frequency   string    `json:"update_frequency"`
	Stage       string    `json:"stage"`
	Dates       []string  `json:"dates"`
	NextRun     time.Time `json:"next_run,omitempty"`
}

// Option customises a Manager.
type Option func(*Manager)

// WithSourceFactory replaces NewSource.
func WithSourceFactory(f SourceFactory) Option {
	return func(m *Manager) { m.newSource = f }
}

// WithObserver is passed to every pipeline.
func WithObserver(o pipeline.Observer) Option {
	return func(m *Manager) { m.obs = o }
}

// WithTrackers registers trackers for sensor removal.
func WithTrackers(t ...Tracker) Option {
	return func(m *Manager) { m.trackers = append(m.trackers, t...) }
}

// WithRetainer prunes r to the running sensor set after every Apply.
func WithRetainer(r Retainer) Option {
	return func(m *Manager) { m.retainer = r }
}

// WithClock replaces time.Now for manual triggers and date listings.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// Manager runs the configured sensors.
type Manager struct {
	pub       pipeline.Publisher
	newSource SourceFactory
	obs       pipeline.Observer
	trackers  []Tracker
	retainer  Retainer
	now       func() time.Time

	mu        sync.Mutex
	source    history.Source
	sched     *scheduler.Scheduler
	pipelines map[string]*pipeline.Pipeline
}

// New returns an idle Manager publishing every state to pub.
func New(pub pipeline.Publisher, opts ...Option) *Manager {
	m := &Manager{
		pub:       pub,
		newSource: func(h config.HistoryConfig) (history.Source, error) { return NewSource(h, nil) },
		now:       time.Now,
		pipelines: make(map[string]*pipeline.Pipeline),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Apply replaces the running sensor set with the one in cfg. The new set is
// built before the old one is stopped; on error the old set keeps running.
func (m *Manager) Apply(ctx context.Context, cfg *config.Config) error {
	a := cfg.Agent
	loc, err := a.Location()
	if err != nil {
		return fmt.Errorf("manager: timezone: %w", err)
	}
	src, err := m.newSource(a.History)
	if err != nil {
		return err
	}

	pipelines := make(map[string]*pipeline.Pipeline, len(a.Sensors))
	for _, s := range a.Sensors {
		pc, err := pipelineConfig(s, loc, a.History.Concurrency)
		if err != nil {
			closeSource(src)
			return err
		}
		var opts []pipeline.Option
		if m.obs != nil {
			opts = append(opts, pipeline.WithObserver(m.obs))
		}
		pipelines[s.ID] = pipeline.New(pc, src, m.pub, opts...)
	}

	if a.History.Validate {
		checkCertificate(ctx, a.History, m.now())
		validate(ctx, src, pipelines)
	}

	sched := scheduler.New(loc)
	for id, p := range pipelines {
		if err := sched.Add(id, p.Config().Frequency, job(p)); err != nil {
			closeSource(src)
			return fmt.Errorf("manager: schedule %q: %w", id, err)
		}
	}

	m.mu.Lock()
	oldSched, oldPipelines, oldSource := m.sched, m.pipelines, m.source
	m.sched, m.pipelines, m.source = sched, pipelines, src
	m.mu.Unlock()

	m.teardown(oldSched, oldPipelines, oldSource)

	for id := range oldPipelines {
		if _, ok := pipelines[id]; !ok {
			for _, t := range m.trackers {
				t.Forget(id)
			}
		}
	}
	ids := make([]string, 0, len(pipelines))
	for id := range pipelines {
		ids = append(ids, id)
		if _, ok := oldPipelines[id]; ok {
			continue
		}
		for _, t := range m.trackers {
			if r, ok := t.(registrar); ok {
				r.Register(id)
			}
		}
	}
	if m.retainer != nil {
		if n := m.retainer.Retain(ids); n > 0 {
			slog.Info("manager: dropped removed sensors", "count", n)
		}
	}

	sched.Start()
	slog.Info("manager: sensors applied", "sensors", len(pipelines), "backend", a.History.Backend)
	return nil
}

// Close stops the scheduler, closes every pipeline and releases the source.
func (m *Manager) Close() {
	m.mu.Lock()
	sched, pipelines, src := m.sched, m.pipelines, m.source
	m.sched, m.pipelines, m.source = nil, make(map[string]*pipeline.Pipeline), nil
	m.mu.Unlock()
	m.teardown(sched, pipelines, src)
}

func (m *Manager) teardown(sched *scheduler.Scheduler, pipelines map[string]*pipeline.Pipeline, src history.Source) {
	for _, p := range pipelines {
		p.Close()
	}
	if sched != nil {
		ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		if err := sched.Stop(ctx); err != nil {
			slog.Warn("manager: scheduler stop", "err", err)
		}
		cancel()
	}
	if src != nil {
		closeSource(src)
	}
}

// IDs returns the running sensor ids, sorted.
func (m *Manager) IDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.pipelines))
	for id := range m.pipelines {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Trigger runs one invocation of sensorID now. It returns pipeline.ErrBusy
// when an invocation is already in flight.
func (m *Manager) Trigger(ctx context.Context, sensorID string) (compute.Result, error) {
	p, err := m.lookup(sensorID)
	if err != nil {
		return compute.Result{}, err
	}
	return p.Invoke(ctx, m.now())
}

// Describe returns the configuration, stage, current target dates and next
// scheduled run of sensorID.
func (m *Manager) Describe(sensorID string) (Info, error) {
	m.mu.Lock()
	p, ok := m.pipelines[sensorID]
	sched := m.sched
	m.mu.Unlock()
	if !ok {
		return Info{}, fmt.Errorf("%w: %s", ErrUnknownSensor, sensorID)
	}

	cfg := p.Config()
	dates := p.TargetDates(m.now())
	info := Info{
		SensorID:    cfg.SensorID,
		Name:        p.Name(),
		SourceID:    cfg.SourceID,
		TrackValue:  string(cfg.Track),
		Aggregation: string(cfg.Aggregation),
		Range:       string(cfg.Range),
		Frequency:   string(cfg.Frequency),
		Stage:       p.Stage().String(),
		Dates:       make([]string, len(dates)),
	}
	for i, d := range dates {
		info.Dates[i] = d.String()
	}
	if sched != nil {
		info.NextRun, _ = sched.Next(sensorID)
	}
	return info, nil
}

func (m *Manager) lookup(sensorID string) (*pipeline.Pipeline, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pipelines[sensorID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSensor, sensorID)
	}
	return p, nil
}

func job(p *pipeline.Pipeline) scheduler.Job {
	return func(ctx context.Context, ref time.Time) {
		_, err := p.Invoke(ctx, ref)
		switch {
		case errors.Is(err, pipeline.ErrBusy):
			slog.Debug("manager: invocation skipped, still running", "sensor", p.Config().SensorID)
		case errors.Is(err, pipeline.ErrClosed):
		case err != nil:
			slog.Debug("manager: invocation failed", "sensor", p.Config().SensorID, "err", err)
		}
	}
}

func pipelineConfig(s config.Sensor, loc *time.Location, concurrency int) (pipeline.Config, error) {
	track, err := compute.ParseTrackedField(s.TrackValue)
	if err != nil {
		return pipeline.Config{}, fmt.Errorf("manager: sensor %q: %w", s.ID, err)
	}
	agg, err := compute.ParseAggregation(s.Aggregation)
	if err != nil {
		return pipeline.Config{}, fmt.Errorf("manager: sensor %q: %w", s.ID, err)
	}
	rng, err := compute.ParseHistoricRange(s.HistoricRange)
	if err != nil {
		return pipeline.Config{}, fmt.Errorf("manager: sensor %q: %w", s.ID, err)
	}
	freq, err := compute.ParseUpdateFrequency(s.UpdateFrequency)
	if err != nil {
		return pipeline.Config{}, fmt.Errorf("manager: sensor %q: %w", s.ID, err)
	}
	return pipeline.Config{
		SensorID:    s.ID,
		SourceID:    s.SourceID,
		Track:       track,
		Aggregation: agg,
		Range:       rng,
		Frequency:   freq,
		Location:    loc,
		Unit:        s.Unit,
		Concurrency: concurrency,
	}, nil
}

// validate checks every source series and logs the ones that fail. Sensors
// that fail still run.
func validate(ctx context.Context, src history.Source, pipelines map[string]*pipeline.Pipeline) {
	v, ok := src.(history.Validator)
	if !ok {
		return
	}
	for id, p := range pipelines {
		if err := v.Validate(ctx, p.Config().SourceID); err != nil {
			slog.Warn("manager: source validation failed",
				"sensor", id, "source", p.Config().SourceID, "err", err)
		}
	}
}

// checkCertificate logs the state of the history endpoint's TLS certificate.
func checkCertificate(ctx context.Context, h config.HistoryConfig, now time.Time) {
	if h.Backend != "prometheus" {
		return
	}
	cs, err := security.Check(ctx, h.Endpoint, h.TLS.InsecureSkipVerify, now)
	switch {
	case errors.Is(err, security.ErrNotTLS):
	case err != nil:
		slog.Warn("manager: history certificate check failed", "endpoint", h.Endpoint, "err", err)
	case cs.Status != security.StatusValid:
		slog.Warn("manager: history certificate "+cs.Status,
			"endpoint", h.Endpoint, "days_left", cs.DaysLeft, "not_after", cs.NotAfter, "issuer", cs.Issuer)
	default:
		slog.Info("manager: history certificate valid", "endpoint", h.Endpoint, "days_left", cs.DaysLeft)
	}
}

func closeSource(src history.Source) {
	c, ok := src.(io.Closer)
	if !ok {
		return
	}
	if err := c.Close(); err != nil {
		slog.Warn("manager: close history source", "err", err)
	}
}
