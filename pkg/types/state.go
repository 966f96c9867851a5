package types

import "time"

// Attribute keys attached to every published state.
const (
	AttrTrackValue    = "track_value"
	AttrAggregation   = "aggregation"
	AttrHistoricRange = "historic_range"
)

// SensorState is the result of one pipeline invocation as handed to the host.
//
// Value is only meaningful when Available is true. An unavailable state with a
// non-empty Error was caused by a fetch or computation failure; an unavailable
// state without Error means there was simply no usable data.
type SensorState struct {
	SensorID     string            `json:"sensor_id"`
	SourceID     string            `json:"source_id"`
	Name         string            `json:"name"`
	Value        float64           `json:"value"`
	Available    bool              `json:"available"`
	Unit         string            `json:"unit,omitempty"`
	Attributes   map[string]string `json:"attributes"`
	Samples      int               `json:"samples"`
	InvocationID string            `json:"invocation_id"`
	Error        string            `json:"error,omitempty"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// NativeValue returns the value as the host would render it: the number when
// available, nil otherwise.
func (s SensorState) NativeValue() any {
	if !s.Available {
		return nil
	}
	return s.Value
}
