package publish

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/dayofmonth/dayofmonth/pkg/types"
)

// Encode returns the JSON payload sent to every broker sink.
func Encode(st types.SensorState) ([]byte, error) {
	b, err := json.Marshal(st)
	if err != nil {
		return nil, Permanent(fmt.Errorf("encode state %q: %w", st.SensorID, err))
	}
	return b, nil
}

// Topic returns the MQTT state topic of sensorID.
func Topic(prefix, sensorID string) string {
	prefix = strings.TrimSuffix(prefix, "/")
	if prefix == "" {
		return sensorID + "/state"
	}
	return prefix + "/" + sensorID + "/state"
}

// RedisKey returns the hash key holding sensorID's latest state.
func RedisKey(prefix, sensorID string) string {
	if prefix == "" {
		return sensorID
	}
	return prefix + ":" + sensorID
}

// RoutingKey returns the AMQP routing key for sensorID.
func RoutingKey(base, sensorID string) string {
	if base == "" {
		return sensorID
	}
	return base + "." + sensorID
}

// ObjectKey returns the S3 object name archiving st.
func ObjectKey(prefix string, st types.SensorState) string {
	ts := st.UpdatedAt.UTC()
	key := fmt.Sprintf("%s/%s/%s-%s.json",
		st.SensorID, ts.Format("2006/01/02"), ts.Format("150405Z"), st.InvocationID)
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return key
	}
	return prefix + "/" + key
}

// stateFields flattens st for key/value stores. The value field holds
// "unavailable" when there is no number.
func stateFields(st types.SensorState) map[string]any {
	value := "unavailable"
	if st.Available {
		value = strconv.FormatFloat(st.Value, 'g', -1, 64)
	}
	return map[string]any{
		"name":          st.Name,
		"source_id":     st.SourceID,
		"value":         value,
		"unit":          st.Unit,
		"samples":       st.Samples,
		"invocation_id": st.InvocationID,
		"error":         st.Error,
		"updated_at":    st.UpdatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
	}
}
