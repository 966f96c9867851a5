package history

import (
	"context"
	"math"
	"time"
)

// StatType names one statistic column of a sample.
type StatType string

// Statistic columns a backend can return.
const (
	StatMean  StatType = "mean"
	StatMin   StatType = "min"
	StatMax   StatType = "max"
	StatState StatType = "state"
)

// AllStats is the full set of columns requested by the update pipeline.
var AllStats = []StatType{StatMean, StatMin, StatMax, StatState}

// Period is the granularity of the returned samples.
type Period string

// PeriodHour is the only granularity the agent asks for.
const PeriodHour Period = "hour"

// Value is one optional statistic field.
//
// The zero Value is absent. A present Value may still be non-numeric.
type Value struct {
	present bool
	numeric bool
	num     float64
}

// Number returns a present Value holding f. NaN and infinities are kept as
// present but non-numeric.
func Number(f float64) Value {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return Value{present: true}
	}
	return Value{present: true, numeric: true, num: f}
}

// Present reports whether the field was returned at all.
func (v Value) Present() bool { return v.present }

// Float returns the numeric value and whether the field is present and numeric.
func (v Value) Float() (float64, bool) {
	if !v.present || !v.numeric {
		return 0, false
	}
	return v.num, true
}

// RawSample is one historical record.
type RawSample struct {
	Start time.Time
	Mean  Value
	Min   Value
	Max   Value
	State Value
}

// Field returns the column named by t.
func (s RawSample) Field(t StatType) Value {
	switch t {
	case StatMean:
		return s.Mean
	case StatMin:
		return s.Min
	case StatMax:
		return s.Max
	case StatState:
		return s.State
	}
	return Value{}
}

// set stores v in the column named by t.
func (s *RawSample) set(t StatType, v Value) {
	switch t {
	case StatMean:
		s.Mean = v
	case StatMin:
		s.Min = v
	case StatMax:
		s.Max = v
	case StatState:
		s.State = v
	}
}

// LastQuery asks for the most recent Count samples of a series.
type LastQuery struct {
	SourceID             string
	Count                int
	IncludeCurrentPeriod bool
}

// RangeQuery asks for every sample of a series whose start lies in
// [Start, End).
type RangeQuery struct {
	SourceID string
	Start    time.Time
	End      time.Time
	Period   Period
	Types    []StatType
}

// Source is the historical store consumed by the update pipeline.
// Every call may block on I/O and may fail; failures are per call.
type Source interface {
	FetchLast(ctx context.Context, q LastQuery) ([]RawSample, error)
	FetchRange(ctx context.Context, q RangeQuery) ([]RawSample, error)
}

// UnitResolver is implemented by sources that can report the unit of
// measurement recorded for a series.
type UnitResolver interface {
	Unit(ctx context.Context, sourceID string) (string, error)
}

// Validator is implemented by sources that can check a series exists and
// currently reports a numeric value.
type Validator interface {
	Validate(ctx context.Context, sourceID string) error
}

// wantsType reports whether t is in types. An empty list means all types.
func wantsType(types []StatType, t StatType) bool {
	if len(types) == 0 {
		return true
	}
	for _, x := range types {
		if x == t {
			return true
		}
	}
	return false
}
