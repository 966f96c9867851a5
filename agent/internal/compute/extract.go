package compute

import "github.com/dayofmonth/dayofmonth/agent/internal/history"

// Extract returns the numeric value of field from every sample that has one,
// in input order. Samples where the field is absent or not numeric contribute
// nothing; duplicates are kept.
func Extract(samples []history.RawSample, field TrackedField) []float64 {
	stat := field.Stat()
	out := make([]float64, 0, len(samples))
	for _, s := range samples {
		if v, ok := s.Field(stat).Float(); ok {
			out = append(out, v)
		}
	}
	return out
}
