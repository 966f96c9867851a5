// Package manager owns the running sensor set: one history source, one
// pipeline per configured sensor and the scheduler that triggers them.
// Apply swaps the whole set atomically on configuration reload.
package manager
