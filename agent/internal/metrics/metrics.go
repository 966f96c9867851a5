// Package metrics exposes the agent's own Prometheus metrics: invocation
// outcomes and latency, the latest value of every sensor, sink delivery
// results and backlog, history breaker state and HTTP traffic.
package metrics

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dayofmonth/dayofmonth/agent/internal/compute"
	"github.com/dayofmonth/dayofmonth/pkg/types"
)

const namespace = "dayofmonth"

// Invocation outcomes.
const (
	OutcomeAvailable   = "available"
	OutcomeUnavailable = "unavailable"
	OutcomeError       = "error"
)

// Metrics holds every collector on a private registry.
type Metrics struct {
	reg *prometheus.Registry

	invocations *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	skipped     *prometheus.CounterVec
	value       *prometheus.GaugeVec
	available   *prometheus.GaugeVec
	samples     *prometheus.GaugeVec
	updated     *prometheus.GaugeVec
	deliveries  *prometheus.CounterVec
	dropped     *prometheus.CounterVec
	breaker     *prometheus.GaugeVec
	httpTotal   *prometheus.CounterVec
	httpLatency *prometheus.HistogramVec
}

// New creates and registers all collectors, including the Go runtime and
// process collectors.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invocations_total",
			Help:      "Pipeline invocations by sensor and outcome.",
		}, []string{"sensor", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "invocation_duration_seconds",
			Help:      "Wall time of pipeline invocations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"sensor"}),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invocations_skipped_total",
			Help:      "Invocations dropped because the previous one was still running.",
		}, []string{"sensor"}),
		value: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sensor_value",
			Help:      "Latest available value of each sensor.",
		}, []string{"sensor", "aggregation", "historic_range"}),
		available: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sensor_available",
			Help:      "1 when the latest published state has a value, 0 otherwise.",
		}, []string{"sensor"}),
		samples: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sensor_samples",
			Help:      "Number of values aggregated into the latest state.",
		}, []string{"sensor"}),
		updated: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sensor_last_update_timestamp_seconds",
			Help:      "Unix time of the latest published state.",
		}, []string{"sensor"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_deliveries_total",
			Help:      "Delivery attempts by sink and result.",
		}, []string{"sink", "result"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_dropped_total",
			Help:      "States evicted from a full sink buffer.",
		}, []string{"sink"}),
		breaker: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "history_breaker_state",
			Help:      "History circuit breaker state (0 closed, 1 half-open, 2 open).",
		}, []string{"backend"}),
		httpTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status.",
		}, []string{"route", "status"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request durations by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}

	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.invocations, m.duration, m.skipped,
		m.value, m.available, m.samples, m.updated,
		m.deliveries, m.dropped, m.breaker,
		m.httpTotal, m.httpLatency,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// ObserveInvocation records one finished invocation.
func (m *Metrics) ObserveInvocation(sensorID string, res compute.Result, _ int, elapsed time.Duration, err error) {
	outcome := OutcomeAvailable
	switch {
	case err != nil:
		outcome = OutcomeError
	case !res.Available:
		outcome = OutcomeUnavailable
	}
	m.invocations.WithLabelValues(sensorID, outcome).Inc()
	m.duration.WithLabelValues(sensorID).Observe(elapsed.Seconds())
}

// ObserveSkipped records an invocation dropped by the in-flight guard.
func (m *Metrics) ObserveSkipped(sensorID string) {
	m.skipped.WithLabelValues(sensorID).Inc()
}

// Publish mirrors st into the sensor gauges. An unavailable state removes
// the value series instead of exporting a misleading number.
func (m *Metrics) Publish(_ context.Context, st types.SensorState) error {
	agg := st.Attributes[types.AttrAggregation]
	rng := st.Attributes[types.AttrHistoricRange]
	if st.Available {
		m.value.WithLabelValues(st.SensorID, agg, rng).Set(st.Value)
		m.available.WithLabelValues(st.SensorID).Set(1)
	} else {
		m.value.DeleteLabelValues(st.SensorID, agg, rng)
		m.available.WithLabelValues(st.SensorID).Set(0)
	}
	m.samples.WithLabelValues(st.SensorID).Set(float64(st.Samples))
	m.updated.WithLabelValues(st.SensorID).Set(float64(st.UpdatedAt.Unix()))
	return nil
}

// Forget deletes every series of a sensor that is no longer configured.
func (m *Metrics) Forget(sensorID string) {
	l := prometheus.Labels{"sensor": sensorID}
	m.value.DeletePartialMatch(l)
	m.available.DeletePartialMatch(l)
	m.samples.DeletePartialMatch(l)
	m.updated.DeletePartialMatch(l)
	m.invocations.DeletePartialMatch(l)
	m.duration.DeletePartialMatch(l)
	m.skipped.DeletePartialMatch(l)
}

// ObserveDelivery records one sink delivery attempt.
func (m *Metrics) ObserveDelivery(sink string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.deliveries.WithLabelValues(sink, result).Inc()
}

// ObserveDropped records a state evicted from a sink buffer.
func (m *Metrics) ObserveDropped(sink string) {
	m.dropped.WithLabelValues(sink).Inc()
}

// TrackSinkBacklog exports the number of states waiting in a sink's buffer,
// read from pending at scrape time.
func (m *Metrics) TrackSinkBacklog(sink string, pending func() int) error {
	g := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   namespace,
		Name:        "sink_pending",
		Help:        "States buffered for delivery by sink.",
		ConstLabels: prometheus.Labels{"sink": sink},
	}, func() float64 { return float64(pending()) })
	if err := m.reg.Register(g); err != nil {
		return fmt.Errorf("metrics: sink %q backlog: %w", sink, err)
	}
	return nil
}

// BreakerStateFunc returns a callback for history.BreakerConfig.OnStateChange.
func (m *Metrics) BreakerStateFunc(backend string) func(state string) {
	g := m.breaker.WithLabelValues(backend)
	g.Set(0)
	return func(state string) {
		switch state {
		case "closed":
			g.Set(0)
		case "half-open":
			g.Set(1)
		case "open":
			g.Set(2)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

// Hijack lets WebSocket upgrades pass through the recorder.
func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}

// Middleware counts requests per gorilla/mux route template. It is meant for
// Router.Use.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := "unmatched"
		if cr := mux.CurrentRoute(r); cr != nil {
			if tpl, err := cr.GetPathTemplate(); err == nil {
				route = tpl
			}
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)

		m.httpTotal.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
		m.httpLatency.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}
