package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/common/model"
)

// Range-vector functions used to derive each hourly statistic.
var promFuncs = map[StatType]string{
	StatMean:  "avg_over_time",
	StatMin:   "min_over_time",
	StatMax:   "max_over_time",
	StatState: "last_over_time",
}

// Prometheus reads hourly statistics from a Prometheus-compatible HTTP API
// (Prometheus, Thanos, Mimir, VictoriaMetrics).
//
// A source ID is a PromQL series selector such as
// `garden_temperature_celsius{sensor="north"}` that must match one series.
type Prometheus struct {
	endpoint string
	client   *http.Client
	now      func() time.Time
}

// NewPrometheus returns a Prometheus backend for the API rooted at endpoint
// (e.g. "http://prometheus:9090").
func NewPrometheus(endpoint string, opts HTTPOptions) (*Prometheus, error) {
	client, err := newHTTPClient(opts)
	if err != nil {
		return nil, fmt.Errorf("history: prometheus client: %w", err)
	}
	return &Prometheus{
		endpoint: strings.TrimRight(endpoint, "/"),
		client:   client,
		now:      time.Now,
	}, nil
}

// apiResponse is the envelope returned by every /api/v1 endpoint.
type apiResponse struct {
	Status    string          `json:"status"`
	Data      json.RawMessage `json:"data"`
	ErrorType string          `json:"errorType"`
	Error     string          `json:"error"`
}

func (r *apiResponse) apiError() error {
	if r.Status == "success" {
		return nil
	}
	return fmt.Errorf("prometheus %s: %s", r.ErrorType, r.Error)
}

type queryData struct {
	ResultType model.ValueType `json:"resultType"`
	Result     json.RawMessage `json:"result"`
}

// FetchRange returns one sample per hour whose start lies in [q.Start, q.End).
// Each requested statistic is a separate range query evaluated at the end of
// every hourly window; results are merged by window start.
func (p *Prometheus) FetchRange(ctx context.Context, q RangeQuery) ([]RawSample, error) {
	if !q.End.After(q.Start) {
		return nil, nil
	}
	// First evaluation closes the window that starts at q.Start.
	return p.fetchWindows(ctx, q.SourceID, q.Start.Add(time.Hour), q.End, q.Types)
}

// FetchLast returns the q.Count most recent hourly samples. With
// IncludeCurrentPeriod the newest window ends now and covers the hour in
// progress; otherwise it ends at the top of the current hour.
func (p *Prometheus) FetchLast(ctx context.Context, q LastQuery) ([]RawSample, error) {
	if q.Count <= 0 {
		return nil, nil
	}
	end := p.now()
	if !q.IncludeCurrentPeriod {
		end = end.Truncate(time.Hour)
	}
	start := end.Add(-time.Duration(q.Count-1) * time.Hour)

	samples, err := p.fetchWindows(ctx, q.SourceID, start, end, AllStats)
	if err != nil {
		return nil, err
	}
	if len(samples) > q.Count {
		samples = samples[len(samples)-q.Count:]
	}
	return samples, nil
}

// fetchWindows evaluates one-hour windows ending at every step in
// [firstEnd, lastEnd] and merges the requested statistics.
func (p *Prometheus) fetchWindows(ctx context.Context, selector string, firstEnd, lastEnd time.Time, types []StatType) ([]RawSample, error) {
	byStart := make(map[int64]*RawSample)

	for _, t := range AllStats {
		if !wantsType(types, t) {
			continue
		}
		expr := fmt.Sprintf("%s(%s[1h])", promFuncs[t], selector)
		matrix, err := p.queryRange(ctx, expr, firstEnd, lastEnd, time.Hour)
		if err != nil {
			return nil, fmt.Errorf("history: prometheus %s %q: %w", t, selector, err)
		}
		if len(matrix) > 1 {
			return nil, fmt.Errorf("history: prometheus selector %q matched %d series, want 1", selector, len(matrix))
		}
		for _, stream := range matrix {
			for _, pair := range stream.Values {
				start := pair.Timestamp.Time().Add(-time.Hour)
				s, ok := byStart[start.UnixMilli()]
				if !ok {
					s = &RawSample{Start: start}
					byStart[start.UnixMilli()] = s
				}
				s.set(t, Number(float64(pair.Value)))
			}
		}
	}

	out := make([]RawSample, 0, len(byStart))
	for _, s := range byStart {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

func (p *Prometheus) queryRange(ctx context.Context, expr string, start, end time.Time, step time.Duration) (model.Matrix, error) {
	params := url.Values{}
	params.Set("query", expr)
	params.Set("start", formatTime(start))
	params.Set("end", formatTime(end))
	params.Set("step", strconv.FormatFloat(step.Seconds(), 'f', -1, 64))

	var resp apiResponse
	if err := getJSON(ctx, p.client, p.endpoint, "/api/v1/query_range", params, &resp); err != nil {
		return nil, err
	}
	if err := resp.apiError(); err != nil {
		return nil, err
	}

	var data queryData
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		return nil, fmt.Errorf("decode data: %w", err)
	}
	if data.ResultType != model.ValMatrix {
		return nil, fmt.Errorf("unexpected result type %s", data.ResultType)
	}
	var matrix model.Matrix
	if err := json.Unmarshal(data.Result, &matrix); err != nil {
		return nil, fmt.Errorf("decode matrix: %w", err)
	}
	return matrix, nil
}

// Unit returns the unit recorded in the metric metadata, or "" when the
// target does not expose one.
func (p *Prometheus) Unit(ctx context.Context, sourceID string) (string, error) {
	name, err := metricName(sourceID)
	if err != nil {
		return "", err
	}

	params := url.Values{}
	params.Set("metric", name)
	var resp apiResponse
	if err := getJSON(ctx, p.client, p.endpoint, "/api/v1/metadata", params, &resp); err != nil {
		return "", fmt.Errorf("history: prometheus metadata %q: %w", name, err)
	}
	if err := resp.apiError(); err != nil {
		return "", err
	}

	var meta map[string][]struct {
		Type string `json:"type"`
		Help string `json:"help"`
		Unit string `json:"unit"`
	}
	if err := json.Unmarshal(resp.Data, &meta); err != nil {
		return "", fmt.Errorf("history: decode metadata: %w", err)
	}
	for _, m := range meta[name] {
		if m.Unit != "" {
			return m.Unit, nil
		}
	}
	return "", nil
}

// Validate checks that the selector matches exactly one series whose current
// value is numeric.
func (p *Prometheus) Validate(ctx context.Context, sourceID string) error {
	params := url.Values{}
	params.Set("query", sourceID)
	params.Set("time", formatTime(p.now()))

	var resp apiResponse
	if err := getJSON(ctx, p.client, p.endpoint, "/api/v1/query", params, &resp); err != nil {
		return fmt.Errorf("history: prometheus query %q: %w", sourceID, err)
	}
	if err := resp.apiError(); err != nil {
		return err
	}
	var data queryData
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		return fmt.Errorf("history: decode data: %w", err)
	}
	if data.ResultType != model.ValVector {
		return fmt.Errorf("history: %q: unexpected result type %s", sourceID, data.ResultType)
	}
	var vec model.Vector
	if err := json.Unmarshal(data.Result, &vec); err != nil {
		return fmt.Errorf("history: decode vector: %w", err)
	}
	switch len(vec) {
	case 0:
		return fmt.Errorf("history: %q: series not found", sourceID)
	case 1:
	default:
		return fmt.Errorf("history: %q: selector matched %d series, want 1", sourceID, len(vec))
	}
	if _, ok := Number(float64(vec[0].Value)).Float(); !ok {
		return fmt.Errorf("history: %q: current value %v is not numeric", sourceID, vec[0].Value)
	}
	return nil
}

// metricName extracts the metric name from a series selector.
func metricName(selector string) (string, error) {
	name := selector
	if i := strings.IndexByte(name, '{'); i >= 0 {
		name = name[:i]
	}
	name = strings.TrimSpace(name)
	if !model.IsValidMetricName(model.LabelValue(name)) {
		return "", errors.New("history: selector has no valid metric name: " + selector)
	}
	return name, nil
}

func formatTime(t time.Time) string {
	return strconv.FormatFloat(float64(t.UnixMilli())/1000, 'f', -1, 64)
}
