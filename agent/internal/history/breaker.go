package history

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"
)

// ErrBreakerOpen is returned while the breaker fast-fails calls to a backend
// that has failed repeatedly.
var ErrBreakerOpen = errors.New("history: circuit breaker is open")

// Default breaker settings applied when BreakerConfig fields are zero.
const (
	DefaultMaxFailures  = 5
	DefaultResetTimeout = time.Minute
)

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

func (s breakerState) String() string {
	switch s {
	case breakerClosed:
		return "closed"
	case breakerOpen:
		return "open"
	case breakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes a Breaker.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures that opens the breaker.
	MaxFailures int
	// ResetTimeout is how long the breaker stays open before one trial call
	// is let through.
	ResetTimeout time.Duration
	// OnStateChange, when set, is called with "closed", "open" or
	// "half-open" on every transition. It runs under the breaker lock.
	OnStateChange func(state string)
}

// Breaker decorates a Source with a circuit breaker. While open, fetches fail
// immediately with ErrBreakerOpen instead of waiting on a dead backend.
// Context cancellation is not counted as a backend failure.
//
// In half-open state a single trial call reaches the backend. Concurrent
// callers wait for its outcome rather than failing, so the trial is not
// cancelled by siblings sharing its context.
//
// Breaker is safe for concurrent use.
type Breaker struct {
	inner Source
	cfg   BreakerConfig
	now   func() time.Time

	mu       sync.Mutex
	state    breakerState
	failures int
	openedAt time.Time
	probing  bool
	// trial is closed when the half-open trial call finishes.
	trial chan struct{}
}

// NewBreaker wraps inner.
func NewBreaker(inner Source, cfg BreakerConfig) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = DefaultMaxFailures
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = DefaultResetTimeout
	}
	return &Breaker{inner: inner, cfg: cfg, now: time.Now}
}

// FetchLast forwards to the wrapped source through the breaker.
func (b *Breaker) FetchLast(ctx context.Context, q LastQuery) ([]RawSample, error) {
	var out []RawSample
	err := b.execute(ctx, func(ctx context.Context) error {
		var err error
		out, err = b.inner.FetchLast(ctx, q)
		return err
	})
	return out, err
}

// FetchRange forwards to the wrapped source through the breaker.
func (b *Breaker) FetchRange(ctx context.Context, q RangeQuery) ([]RawSample, error) {
	var out []RawSample
	err := b.execute(ctx, func(ctx context.Context) error {
		var err error
		out, err = b.inner.FetchRange(ctx, q)
		return err
	})
	return out, err
}

// Unit forwards to the wrapped source when it can resolve units.
func (b *Breaker) Unit(ctx context.Context, sourceID string) (string, error) {
	if r, ok := b.inner.(UnitResolver); ok {
		return r.Unit(ctx, sourceID)
	}
	return "", nil
}

// Validate forwards to the wrapped source when it can validate series.
func (b *Breaker) Validate(ctx context.Context, sourceID string) error {
	if v, ok := b.inner.(Validator); ok {
		return v.Validate(ctx, sourceID)
	}
	return nil
}

// Close closes the wrapped source when it holds resources.
func (b *Breaker) Close() error {
	if c, ok := b.inner.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (b *Breaker) execute(ctx context.Context, op func(context.Context) error) error {
	for {
		ok, wait := b.allow()
		if ok {
			break
		}
		if wait == nil {
			return ErrBreakerOpen
		}
		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	err := op(ctx)
	switch {
	case err == nil:
		b.onSuccess()
	case ctx.Err() != nil:
		b.release()
	default:
		b.onFailure(err)
	}
	return err
}

// allow decides whether a call may proceed. After ResetTimeout one caller is
// admitted in half-open state. While that trial runs, others get a channel
// that is closed when it finishes; a nil channel means fail fast.
func (b *Breaker) allow() (bool, <-chan struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case breakerOpen:
		if b.now().Sub(b.openedAt) < b.cfg.ResetTimeout {
			return false, nil
		}
		b.setState(breakerHalfOpen)
		b.startTrial()
		slog.Info("history: breaker half-open, trying backend")
		return true, nil
	case breakerHalfOpen:
		if b.probing {
			return false, b.trial
		}
		b.startTrial()
		return true, nil
	}
	return true, nil
}

// startTrial must be called with b.mu held.
func (b *Breaker) startTrial() {
	b.probing = true
	b.trial = make(chan struct{})
}

// endTrial wakes callers waiting on the trial. Must be called with b.mu held.
func (b *Breaker) endTrial() {
	b.probing = false
	if b.trial != nil {
		close(b.trial)
		b.trial = nil
	}
}

func (b *Breaker) onSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != breakerClosed {
		slog.Info("history: breaker closed", "from", b.state.String())
		b.setState(breakerClosed)
	}
	b.failures = 0
	b.endTrial()
}

func (b *Breaker) onFailure(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	b.endTrial()
	if b.state == breakerHalfOpen || b.failures >= b.cfg.MaxFailures {
		if b.state != breakerOpen {
			slog.Error("history: breaker opened",
				"failures", b.failures, "reset_timeout", b.cfg.ResetTimeout, "err", err)
			b.setState(breakerOpen)
		}
		b.openedAt = b.now()
	}
}

// State returns "closed", "open" or "half-open".
func (b *Breaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state.String()
}

// setState must be called with b.mu held.
func (b *Breaker) setState(s breakerState) {
	b.state = s
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(s.String())
	}
}

// release gives back a half-open trial slot that ended by cancellation.
func (b *Breaker) release() {
	b.mu.Lock()
	b.endTrial()
	b.mu.Unlock()
}
