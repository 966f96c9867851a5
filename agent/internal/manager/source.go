package manager

import (
	"fmt"

	"github.com/dayofmonth/dayofmonth/agent/internal/config"
	"github.com/dayofmonth/dayofmonth/agent/internal/history"
)

// SourceFactory builds the history source for a configuration.
type SourceFactory func(h config.HistoryConfig) (history.Source, error)

// NewSource builds the configured backend wrapped in a circuit breaker.
// onState, when non-nil, receives breaker transitions.
func NewSource(h config.HistoryConfig, onState func(string)) (history.Source, error) {
	var inner history.Source
	switch h.Backend {
	case "prometheus":
		p, err := history.NewPrometheus(h.Endpoint, HTTPOptions(h))
		if err != nil {
			return nil, fmt.Errorf("manager: prometheus source: %w", err)
		}
		inner = p
	case "recorder":
		dsn := h.DSN()
		if dsn == "" {
			return nil, fmt.Errorf("manager: recorder source: %s is not set", h.DSNEnv)
		}
		r, err := history.NewRecorder(dsn)
		if err != nil {
			return nil, fmt.Errorf("manager: recorder source: %w", err)
		}
		inner = r
	default:
		return nil, fmt.Errorf("manager: unknown history backend %q", h.Backend)
	}

	return history.NewBreaker(inner, history.BreakerConfig{
		MaxFailures:   h.Breaker.MaxFailures,
		ResetTimeout:  h.Breaker.ResetTimeout,
		OnStateChange: onState,
	}), nil
}

// HTTPOptions maps the history config to client options, resolving secrets
// from the environment.
func HTTPOptions(h config.HistoryConfig) history.HTTPOptions {
	a := h.Auth
	return history.HTTPOptions{
		Auth: history.Auth{
			Mode:     a.Mode,
			CertFile: a.CertFile,
			KeyFile:  a.KeyFile,
			CAFile:   a.CAFile,
			Header:   a.EffectiveHeader(),
			Key:      a.Key(),
			Token:    a.Token(),
			Username: a.Username,
			Password: a.Password(),
		},
		InsecureSkipVerify: h.TLS.InsecureSkipVerify,
		Timeout:            h.Timeout,
	}
}
