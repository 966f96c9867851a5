package api

// HealthResponse is the payload for GET /api/v1/health.
type HealthResponse struct {
	Status      string   `json:"status"`
	Configured  int      `json:"configured"`
	Sensors     int      `json:"sensors"`
	Available   int      `json:"available"`
	Unavailable int      `json:"unavailable"`
	Pending     []string `json:"pending"`
	GeneratedAt string   `json:"generated_at"` // RFC3339
}

// SensorResponse is one entry in GET /api/v1/sensors or
// GET /api/v1/sensors/{id}. Value is null while the sensor is unavailable.
type SensorResponse struct {
	SensorID     string            `json:"sensor_id"`
	Name         string            `json:"name"`
	SourceID     string            `json:"source_id"`
	Value        *float64          `json:"value"`
	Available    bool              `json:"available"`
	Unit         string            `json:"unit,omitempty"`
	Attributes   map[string]string `json:"attributes"`
	Samples      int               `json:"samples"`
	InvocationID string            `json:"invocation_id"`
	Error        string            `json:"error,omitempty"`
	UpdatedAt    string            `json:"updated_at"` // RFC3339
}

// UpdateResponse is the payload for POST /api/v1/sensors/{id}/update.
type UpdateResponse struct {
	SensorID  string   `json:"sensor_id"`
	Value     *float64 `json:"value"`
	Available bool     `json:"available"`
	Error     string   `json:"error,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}
