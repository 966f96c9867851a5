package compute

import (
	"fmt"
	"strings"

	"github.com/dayofmonth/dayofmonth/agent/internal/history"
)

// TrackedField selects which statistic column is pulled from each sample.
type TrackedField string

// Tracked field options.
const (
	TrackMean  TrackedField = "mean"
	TrackMin   TrackedField = "min"
	TrackMax   TrackedField = "max"
	TrackState TrackedField = "state"
)

// TrackedFields lists every valid TrackedField.
var TrackedFields = []TrackedField{TrackMean, TrackMin, TrackMax, TrackState}

// Stat returns the history column backing f.
func (f TrackedField) Stat() history.StatType {
	return history.StatType(f)
}

// Aggregation is the reduction applied to the extracted values.
type Aggregation string

// Aggregation options.
const (
	AggMaximum Aggregation = "maximum"
	AggMinimum Aggregation = "minimum"
	AggMedian  Aggregation = "median"
	AggMean    Aggregation = "mean"
	AggStdDev  Aggregation = "standard deviation"
)

// Aggregations lists every valid Aggregation.
var Aggregations = []Aggregation{AggMaximum, AggMinimum, AggMedian, AggMean, AggStdDev}

// HistoricRange is the calendar-matching policy.
type HistoricRange string

// Historic range options.
const (
	RangeAnnual  HistoricRange = "annual"
	RangeMonthly HistoricRange = "monthly"
)

// HistoricRanges lists every valid HistoricRange.
var HistoricRanges = []HistoricRange{RangeAnnual, RangeMonthly}

// UpdateFrequency is both the trigger cadence and the fetch strategy.
type UpdateFrequency string

// Update frequency options.
const (
	FrequencyHourly UpdateFrequency = "hourly"
	FrequencyDaily  UpdateFrequency = "daily"
)

// UpdateFrequencies lists every valid UpdateFrequency.
var UpdateFrequencies = []UpdateFrequency{FrequencyHourly, FrequencyDaily}

// ParseTrackedField validates s.
func ParseTrackedField(s string) (TrackedField, error) {
	return parseOption(s, TrackedFields, "track value")
}

// ParseAggregation validates s.
func ParseAggregation(s string) (Aggregation, error) {
	return parseOption(s, Aggregations, "aggregation")
}

// ParseHistoricRange validates s.
func ParseHistoricRange(s string) (HistoricRange, error) {
	return parseOption(s, HistoricRanges, "historic range")
}

// ParseUpdateFrequency validates s.
func ParseUpdateFrequency(s string) (UpdateFrequency, error) {
	return parseOption(s, UpdateFrequencies, "update frequency")
}

func parseOption[T ~string](s string, options []T, what string) (T, error) {
	for _, o := range options {
		if string(o) == s {
			return o, nil
		}
	}
	names := make([]string, len(options))
	for i, o := range options {
		names[i] = string(o)
	}
	var zero T
	return zero, fmt.Errorf("unknown %s %q (want one of: %s)", what, s, strings.Join(names, ", "))
}
