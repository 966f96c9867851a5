package compute

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
)

var errNonFinite = errors.New("non-finite value")

// Result is the outcome of an aggregation: a number, or Unavailable.
type Result struct {
	Value     float64
	Available bool
}

// Unavailable means no meaningful value could be computed. It is distinct
// from a numeric zero.
var Unavailable = Result{}

// Available wraps v as an available Result.
func Available(v float64) Result {
	return Result{Value: v, Available: true}
}

// String renders the result the way the host shows it.
func (r Result) String() string {
	if !r.Available {
		return "unavailable"
	}
	return strconv.FormatFloat(r.Value, 'g', -1, 64)
}

// Aggregate reduces values with agg.
//
//	maximum / minimum / mean   standard definitions
//	median                     even n: mean of the two middle sorted values
//	standard deviation         n=1: Unavailable, n=2: 0, n≥3: sample (n−1)
//
// Empty input is Unavailable for every aggregation. Failures during the
// computation (non-finite input or output, an unknown aggregation, a panic)
// are logged and reported as Unavailable; Aggregate never panics.
func Aggregate(values []float64, agg Aggregation) (res Result) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("compute: aggregation panicked", "aggregation", agg, "panic", fmt.Sprintf("%v", rec))
			res = Unavailable
		}
	}()

	res, err := aggregate(values, agg)
	if err != nil {
		slog.Error("compute: aggregation failed", "aggregation", agg, "values", len(values), "err", err)
		return Unavailable
	}
	return res
}

func aggregate(values []float64, agg Aggregation) (Result, error) {
	if len(values) == 0 {
		return Unavailable, nil
	}
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return Unavailable, errNonFinite
		}
	}

	var v float64
	switch agg {
	case AggMaximum:
		v = values[0]
		for _, x := range values[1:] {
			v = math.Max(v, x)
		}
	case AggMinimum:
		v = values[0]
		for _, x := range values[1:] {
			v = math.Min(v, x)
		}
	case AggMean:
		v = mean(values)
	case AggMedian:
		v = median(values)
	case AggStdDev:
		switch len(values) {
		case 1:
			return Unavailable, nil
		case 2:
			// Fixed at 0 for two samples regardless of their spread.
			return Available(0), nil
		}
		v = sampleStdDev(values)
	default:
		return Unavailable, fmt.Errorf("unknown aggregation %q", agg)
	}

	if math.IsNaN(v) || math.IsInf(v, 0) {
		return Unavailable, fmt.Errorf("%s: %w result", agg, errNonFinite)
	}
	return Available(v), nil
}

func mean(values []float64) float64 {
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// median sorts a copy of values; the caller's slice is left untouched.
func median(values []float64) float64 {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	n := len(sorted)
	if n%2 == 0 {
		return (sorted[n/2-1] + sorted[n/2]) / 2
	}
	return sorted[n/2]
}

// sampleStdDev uses the n−1 denominator. Requires len(values) ≥ 2.
func sampleStdDev(values []float64) float64 {
	m := mean(values)
	var ss float64
	for _, v := range values {
		d := v - m
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(values)-1))
}
