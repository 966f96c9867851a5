// Package ws streams sensor states to WebSocket clients.
//
// Hub sends every client the full snapshot on connect and again on each
// broadcast tick, and pushes a single-state message the moment a pipeline
// publishes. Hub therefore doubles as a publication sink.
//
// Messages:
//
//	{"event": "snapshot", "data": {"generated_at": ..., "summary": {...}, "states": [...]}}
//	{"event": "state",    "data": { /* one SensorState */ }}
//
// The upgrader accepts all origins. The endpoint is mounted at /ws/stream.
package ws
