// Package history supplies raw historical samples for a time series.
//
// source.go defines the Source interface consumed by the update pipeline and
// the RawSample record it returns. Each statistic field of a RawSample is a
// Value, which keeps "absent" and "present but not numeric" apart.
//
// Backends:
//   - Prometheus (prometheus.go): queries the HTTP API with
//     avg/min/max/last_over_time over one-hour windows and reads units from
//     the metadata endpoint. Authentication is handled by the shared
//     authRoundTripper in client.go.
//   - Recorder (recorder.go): reads an hourly statistics table
//     (statistics + statistics_meta) through gorm.
//
// Breaker (breaker.go) wraps any Source and fails fast while the backend is
// known to be down.
package history
