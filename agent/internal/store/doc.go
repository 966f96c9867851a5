// Package store keeps the latest published state of every sensor in memory.
// It is the pipeline's primary publication sink and the read model behind the
// REST API and the WebSocket stream.
package store
