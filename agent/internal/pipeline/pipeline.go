package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/dayofmonth/dayofmonth/agent/internal/compute"
	"github.com/dayofmonth/dayofmonth/agent/internal/history"
	"github.com/dayofmonth/dayofmonth/pkg/types"
)

var (
	// ErrBusy is returned by Invoke while another invocation is in flight.
	ErrBusy = errors.New("pipeline: invocation already in progress")
	// ErrClosed is returned by Invoke after Close.
	ErrClosed = errors.New("pipeline: closed")
)

// DefaultConcurrency caps parallel FetchRange calls when Config.Concurrency is unset.
const DefaultConcurrency = 4

// Config is the immutable configuration of one sensor.
type Config struct {
	SensorID    string
	SourceID    string
	Track       compute.TrackedField
	Aggregation compute.Aggregation
	Range       compute.HistoricRange
	Frequency   compute.UpdateFrequency

	// Location bounds the local days fetched in hourly mode. Nil means time.Local.
	Location *time.Location

	// Unit is published when the source does not report one.
	Unit string

	// Concurrency caps parallel per-date fetches in hourly mode.
	Concurrency int
}

// Publisher receives every state an invocation produces.
type Publisher interface {
	Publish(ctx context.Context, s types.SensorState) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, s types.SensorState) error

// Publish calls f.
func (f PublisherFunc) Publish(ctx context.Context, s types.SensorState) error { return f(ctx, s) }

// Observer is told about the outcome of every invocation attempt.
type Observer interface {
	ObserveInvocation(sensorID string, res compute.Result, samples int, elapsed time.Duration, err error)
	ObserveSkipped(sensorID string)
}

type nopObserver struct{}

func (nopObserver) ObserveInvocation(string, compute.Result, int, time.Duration, error) {}
func (nopObserver) ObserveSkipped(string)                                               {}

// Option customises a Pipeline.
type Option func(*Pipeline)

// WithObserver reports invocation outcomes to o.
func WithObserver(o Observer) Option {
	return func(p *Pipeline) { p.obs = o }
}

// WithClock replaces time.Now for timestamps and elapsed times.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// Pipeline is the update pipeline of one sensor.
type Pipeline struct {
	cfg  Config
	name string
	src  history.Source
	pub  Publisher
	obs  Observer
	now  func() time.Time

	running atomic.Bool
	stage   atomic.Int32

	// unit caches the unit reported by the source. Only the running
	// invocation touches it.
	unit string

	closeOnce sync.Once
	done      chan struct{}

	// mu is held while publishing so Close can wait for a publish in
	// progress.
	mu sync.Mutex
}

// New returns a Pipeline for cfg reading from src and publishing to pub.
func New(cfg Config, src history.Source, pub Publisher, opts ...Option) *Pipeline {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	p := &Pipeline{
		cfg:  cfg,
		name: DisplayName(cfg.Aggregation, cfg.SourceID),
		src:  src,
		pub:  pub,
		obs:  nopObserver{},
		now:  time.Now,
		done: make(chan struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Config returns the sensor configuration.
func (p *Pipeline) Config() Config { return p.cfg }

// Name returns the display name of the sensor.
func (p *Pipeline) Name() string { return p.name }

// Stage returns the step the current invocation is in, or Idle.
func (p *Pipeline) Stage() Stage { return Stage(p.stage.Load()) }

// TargetDates returns the calendar dates an hourly invocation at ref would fetch.
func (p *Pipeline) TargetDates(ref time.Time) []compute.Date {
	return compute.TargetDates(ref.In(p.cfg.Location), p.cfg.Range)
}

// Close stops the pipeline. It cancels an in-flight invocation, waits for an
// in-progress publish to finish and guarantees no state is published
// afterwards. Close is idempotent.
func (p *Pipeline) Close() {
	p.closeOnce.Do(func() { close(p.done) })
	p.mu.Lock()
	p.mu.Unlock() //nolint:staticcheck // waits for a publish in progress
}

// Invoke runs one update for reference time ref and returns the published
// result. A fetch failure publishes Unavailable and is returned wrapped,
// unless ctx was cancelled, in which case the last published state is left
// as it is.
func (p *Pipeline) Invoke(ctx context.Context, ref time.Time) (compute.Result, error) {
	if p.closing() {
		return compute.Unavailable, ErrClosed
	}
	if !p.running.CompareAndSwap(false, true) {
		p.obs.ObserveSkipped(p.cfg.SensorID)
		slog.Warn("pipeline: invocation skipped, previous one still running", "sensor", p.cfg.SensorID)
		return compute.Unavailable, ErrBusy
	}
	defer p.running.Store(false)
	defer p.setStage(Idle)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-p.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	started := p.now()
	id := uuid.NewString()
	log := slog.With("sensor", p.cfg.SensorID, "invocation", id)

	p.setStage(Fetching)
	samples, err := p.fetch(ctx, ref)
	if err != nil {
		err = fmt.Errorf("pipeline: fetch: %w", err)
		if ctx.Err() != nil {
			log.Info("pipeline: invocation cancelled, state left unchanged", "err", err)
		} else {
			log.Error("pipeline: fetch failed", "err", err)
			p.publish(ctx, log, id, compute.Unavailable, 0, p.unitOrDefault(), err)
		}
		p.obs.ObserveInvocation(p.cfg.SensorID, compute.Unavailable, 0, p.now().Sub(started), err)
		return compute.Unavailable, err
	}
	unit := p.resolveUnit(ctx, log)

	p.setStage(Extracting)
	values := compute.Extract(samples, p.cfg.Track)

	p.setStage(Aggregating)
	res := compute.Aggregate(values, p.cfg.Aggregation)

	p.publish(ctx, log, id, res, len(values), unit, nil)
	p.obs.ObserveInvocation(p.cfg.SensorID, res, len(values), p.now().Sub(started), nil)
	log.Debug("pipeline: invocation complete",
		"samples", len(samples), "values", len(values), "result", res.String())
	return res, nil
}

func (p *Pipeline) fetch(ctx context.Context, ref time.Time) ([]history.RawSample, error) {
	if p.cfg.Frequency == compute.FrequencyDaily {
		return p.src.FetchLast(ctx, history.LastQuery{
			SourceID:             p.cfg.SourceID,
			Count:                1,
			IncludeCurrentPeriod: true,
		})
	}
	return p.fetchDates(ctx, p.TargetDates(ref))
}

// fetchDates issues one FetchRange per date and concatenates the results in
// date order. The first failure cancels the remaining fetches.
func (p *Pipeline) fetchDates(ctx context.Context, dates []compute.Date) ([]history.RawSample, error) {
	perDate := make([][]history.RawSample, len(dates))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency)
	for i, d := range dates {
		i, d := i, d
		g.Go(func() error {
			samples, err := p.src.FetchRange(gctx, history.RangeQuery{
				SourceID: p.cfg.SourceID,
				Start:    d.Start(p.cfg.Location),
				End:      d.End(p.cfg.Location),
				Period:   history.PeriodHour,
				Types:    history.AllStats,
			})
			if err != nil {
				return fmt.Errorf("%s: %w", d, err)
			}
			perDate[i] = samples
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var total int
	for _, s := range perDate {
		total += len(s)
	}
	all := make([]history.RawSample, 0, total)
	for _, s := range perDate {
		all = append(all, s...)
	}
	return all, nil
}

// publish hands the state to the publisher unless the pipeline was closed.
// Publish errors are logged, never returned.
func (p *Pipeline) publish(ctx context.Context, log *slog.Logger, id string, res compute.Result, samples int, unit string, cause error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closing() {
		log.Info("pipeline: closed during invocation, result discarded")
		return
	}

	state := types.SensorState{
		SensorID:  p.cfg.SensorID,
		SourceID:  p.cfg.SourceID,
		Name:      p.name,
		Value:     res.Value,
		Available: res.Available,
		Unit:      unit,
		Attributes: map[string]string{
			types.AttrTrackValue:    string(p.cfg.Track),
			types.AttrAggregation:   string(p.cfg.Aggregation),
			types.AttrHistoricRange: string(p.cfg.Range),
		},
		Samples:      samples,
		InvocationID: id,
		UpdatedAt:    p.now(),
	}
	if cause != nil {
		state.Error = cause.Error()
	}

	if err := p.pub.Publish(ctx, state); err != nil {
		log.Error("pipeline: publish failed", "err", err)
		return
	}
	p.setStage(Published)
}

// resolveUnit returns the unit reported by the source, falling back to the
// configured one. A reported unit is cached for the life of the pipeline.
func (p *Pipeline) resolveUnit(ctx context.Context, log *slog.Logger) string {
	if p.unit != "" {
		return p.unit
	}
	r, ok := p.src.(history.UnitResolver)
	if !ok {
		return p.cfg.Unit
	}
	unit, err := r.Unit(ctx, p.cfg.SourceID)
	if err != nil {
		log.Warn("pipeline: unit lookup failed, using configured unit", "err", err)
		return p.cfg.Unit
	}
	if unit == "" {
		return p.cfg.Unit
	}
	p.unit = unit
	return unit
}

func (p *Pipeline) closing() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// unitOrDefault returns the cached unit without asking the source.
func (p *Pipeline) unitOrDefault() string {
	if p.unit != "" {
		return p.unit
	}
	return p.cfg.Unit
}

func (p *Pipeline) setStage(s Stage) { p.stage.Store(int32(s)) }

// DisplayName builds the sensor name shown to users, e.g.
// "Day of Month Standard deviation of outdoor_temperature".
func DisplayName(agg compute.Aggregation, sourceID string) string {
	return fmt.Sprintf("Day of Month %s of %s", capitalize(string(agg)), shortName(sourceID))
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	lower := strings.ToLower(s)
	return strings.ToUpper(lower[:1]) + lower[1:]
}

// shortName strips the domain prefix of "sensor.x" ids and the label matchers
// of PromQL selectors.
func shortName(sourceID string) string {
	name := sourceID
	if i := strings.IndexByte(name, '{'); i >= 0 {
		name = name[:i]
	}
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		name = name[i+1:]
	}
	if name == "" {
		return sourceID
	}
	return name
}
