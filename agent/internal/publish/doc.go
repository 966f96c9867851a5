// Package publish delivers published sensor states to external systems.
//
// Fanout hands one state to several publishers in order. Shipper wraps a Sink
// (MQTT, Kafka, Redis, AMQP or S3) with an in-memory buffer so that a pipeline
// never waits on a broker: Publish only enqueues, and when the buffer is full
// the oldest state is evicted so the latest value is always kept.
//
// Shipper.Run drains the buffer, connecting the sink with truncated
// exponential backoff (1s→60s, ±25% jitter) and reconnecting after a failed
// send. Errors wrapped with Permanent (for example an unencodable state) are
// logged and the state is discarded instead of retried.
//
// Naming:
//
//	MQTT topic   <prefix>/<sensor>/state
//	Kafka key    <sensor>
//	Redis hash   <prefix>:<sensor>
//	AMQP key     <routing_key>.<sensor>
//	S3 object    <prefix>/<sensor>/YYYY/MM/DD/HHMMSSZ-<invocation>.json
package publish
