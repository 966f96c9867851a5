// Package security inspects the TLS certificate served by the history
// endpoint so an expiring certificate shows up in the logs before fetches
// start failing.
package security
