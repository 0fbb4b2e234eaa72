// Package gateway builds and supervises the configured exchange Backend.
package gateway

import (
	"fmt"

	"execution-core/pkg/config"
	exchange "execution-core/pkg/exchanges/common"
	"execution-core/pkg/exchanges/live"
	"execution-core/pkg/exchanges/simulated"
)

// New returns the Backend selected by cfg.ResolvedBackend.
func New(cfg *config.Config) (exchange.Backend, error) {
	switch cfg.ResolvedBackend() {
	case config.BackendLive:
		if !cfg.Live.HasCredentials() {
			return nil, fmt.Errorf("live backend requires api key, secret and passphrase")
		}
		return live.New(live.Config{
			BaseURL:     cfg.Live.BaseURL,
			APIKey:      cfg.Live.APIKey,
			APISecret:   cfg.Live.APISecret,
			Passphrase:  cfg.Live.Passphrase,
			MinInterval: cfg.Live.MinInterval,
		}), nil

	case config.BackendSimulated:
		return NewSimulated(cfg.Simulated), nil

	default:
		return nil, fmt.Errorf("unsupported backend: %s", cfg.Backend)
	}
}

// NewSimulated maps the config section onto the simulated backend, keeping
// its defaults for anything left unset.
func NewSimulated(sc config.SimulatedConfig) *simulated.Backend {
	c := simulated.DefaultConfig()
	if sc.Slippage > 0 {
		c.Slippage = sc.Slippage
	}
	if sc.FeeRate > 0 {
		c.FeeRate = sc.FeeRate
	}
	if sc.ReferencePrice > 0 {
		c.ReferencePrice = sc.ReferencePrice
	}
	if sc.Spread > 0 {
		c.Spread = sc.Spread
	}
	if sc.Depth > 0 {
		c.Depth = sc.Depth
	}
	if len(sc.Balances) > 0 {
		c.Balances = sc.Balances
	}
	return simulated.New(c)
}
