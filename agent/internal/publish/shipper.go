package publish

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/dayofmonth/dayofmonth/pkg/types"
)

const (
	backoffInitial    = 1 * time.Second
	backoffMax        = 60 * time.Second
	backoffMultiplier = 2.0
	sendTimeout       = 10 * time.Second
)

// Sink is one external destination for sensor states.
type Sink interface {
	// Name identifies the sink in logs and metrics.
	Name() string
	// Connect establishes the connection. It is called again after a failed Send.
	Connect(ctx context.Context) error
	// Send delivers one state.
	Send(ctx context.Context, st types.SensorState) error
	// Close releases the connection.
	Close() error
}

// shutdowner is implemented by sinks whose client outlives reconnects.
type shutdowner interface {
	Shutdown() error
}

// DeliveryObserver is told about every delivery attempt and eviction.
type DeliveryObserver interface {
	ObserveDelivery(sink string, err error)
	ObserveDropped(sink string)
}

type nopDeliveryObserver struct{}

func (nopDeliveryObserver) ObserveDelivery(string, error) {}
func (nopDeliveryObserver) ObserveDropped(string)         {}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func isPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Shipper buffers states for one Sink. Publish is non-blocking; Run must be
// called in a goroutine to drain the buffer.
type Shipper struct {
	sink  Sink
	buf   chan types.SensorState
	obs   DeliveryObserver
	sleep func(ctx context.Context, d time.Duration) bool // injectable for tests
}

// NewShipper creates a Shipper for sink holding at most bufferSize states.
func NewShipper(sink Sink, bufferSize int, obs DeliveryObserver) *Shipper {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	if obs == nil {
		obs = nopDeliveryObserver{}
	}
	return &Shipper{
		sink:  sink,
		buf:   make(chan types.SensorState, bufferSize),
		obs:   obs,
		sleep: sleepCtx,
	}
}

// Name returns the sink name.
func (s *Shipper) Name() string { return s.sink.Name() }

// Pending returns the number of buffered states.
func (s *Shipper) Pending() int { return len(s.buf) }

// Publish enqueues st. If the buffer is full the oldest entry is evicted.
func (s *Shipper) Publish(_ context.Context, st types.SensorState) error {
	for {
		select {
		case s.buf <- st:
			return nil
		default:
		}
		select {
		case <-s.buf:
			s.obs.ObserveDropped(s.sink.Name())
			slog.Warn("publish: buffer full, evicted oldest state",
				"sink", s.sink.Name(), "sensor", st.SensorID, "buffer_cap", cap(s.buf))
		default:
		}
	}
}

// Run connects the sink and delivers buffered states until ctx is cancelled.
func (s *Shipper) Run(ctx context.Context) {
	defer func() {
		if err := s.sink.Close(); err != nil {
			slog.Warn("publish: close sink", "sink", s.sink.Name(), "err", err)
		}
		if sd, ok := s.sink.(shutdowner); ok {
			if err := sd.Shutdown(); err != nil {
				slog.Warn("publish: shutdown sink", "sink", s.sink.Name(), "err", err)
			}
		}
	}()

	bo := newBackoff()
	for {
		if ctx.Err() != nil {
			return
		}

		if err := s.sink.Connect(ctx); err != nil {
			wait := bo.next()
			slog.Error("publish: connect failed, will retry",
				"sink", s.sink.Name(), "err", err, "retry_in", wait)
			if !s.sleep(ctx, wait) {
				return
			}
			continue
		}

		slog.Info("publish: connected", "sink", s.sink.Name())
		bo.reset()

		err := s.drain(ctx)
		if ctx.Err() != nil {
			return
		}
		_ = s.sink.Close()

		wait := bo.next()
		slog.Warn("publish: delivery failed, will reconnect",
			"sink", s.sink.Name(), "err", err, "retry_in", wait)
		if !s.sleep(ctx, wait) {
			return
		}
	}
}

// drain sends buffered states until a transient failure or ctx is cancelled.
func (s *Shipper) drain(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil

		case st := <-s.buf:
			sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
			err := s.sink.Send(sendCtx, st)
			cancel()
			s.obs.ObserveDelivery(s.sink.Name(), err)

			if err == nil {
				slog.Debug("publish: state delivered", "sink", s.sink.Name(), "sensor", st.SensorID)
				continue
			}
			if isPermanent(err) {
				slog.Error("publish: permanent send error, discarding state",
					"sink", s.sink.Name(), "sensor", st.SensorID, "err", err)
				continue
			}

			select {
			case s.buf <- st:
			default:
			}
			return fmt.Errorf("send: %w", err)
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// backoff implements truncated exponential backoff with jitter.
type backoff struct {
	current time.Duration
}

func newBackoff() *backoff {
	return &backoff{current: backoffInitial}
}

// next returns the current backoff duration and advances the internal state.
func (b *backoff) next() time.Duration {
	d := b.current
	jitter := time.Duration(float64(b.current) * 0.25 * (rand.Float64()*2 - 1)) //nolint:gosec // not crypto
	d += jitter
	if d < 0 {
		d = 0
	}

	b.current = time.Duration(float64(b.current) * backoffMultiplier)
	if b.current > backoffMax {
		b.current = backoffMax
	}
	return d
}

func (b *backoff) reset() {
	b.current = backoffInitial
}
