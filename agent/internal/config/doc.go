// Package config loads and watches the agent configuration file (config.yaml).
//
// Top-level types:
//   - Config{Agent}: full config tree parsed from YAML
//   - AgentConfig: timezone, history, sensors [], http, grpc, publish
//   - HistoryConfig: backend (prometheus|recorder), endpoint, dsn_env, auth,
//     tls, timeout, concurrency, breaker, validate
//   - Sensor: id, source_id, track_value, aggregation, historic_range,
//     update_frequency, unit
//   - AuthConfig: mode (mtls|apikey|bearer|basic|none), cert/key/ca files,
//     header, key_env, token_env, password_env; Key(), Token() and
//     Password() resolve from environment variables
//   - PublishConfig: buffer_size and the mqtt, kafka, redis, amqp and s3 sinks
//
// Load(path) reads the YAML file, applies defaults (prometheus backend, 10s
// request timeout, 4 concurrent fetches, breaker 5 failures / 1m, ports
// 8080/50051, 5s broadcast, 1000 buffer), then validates required fields and
// the option strings of every sensor.
//
// Watch(ctx, path, onChange) uses fsnotify to detect file changes and calls
// onChange with the newly parsed Config. It handles the rename→create pattern
// used by atomic-save editors by re-adding the watch after each event.
package config
