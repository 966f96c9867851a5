// Package types defines shared Go types used across the agent's publication
// surfaces. SensorState is the canonical in-memory representation of one
// published sensor value, separate from any broker or wire encoding.
package types
