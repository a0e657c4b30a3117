package engine

import (
	"brokerd/internal/broker"
	"brokerd/internal/broker/etrade"
	"brokerd/internal/config"
)

// DefaultRegistry returns a registry holding every built-in provider.
func DefaultRegistry() *broker.Registry {
	r := broker.NewRegistry()
	r.Register("etrade", func(cfg *config.Config, deps broker.Deps) (broker.Provider, error) {
		return etrade.New(cfg.ETrade, cfg.Runtime, deps), nil
	})
	r.Register("alpaca", func(cfg *config.Config, deps broker.Deps) (broker.Provider, error) {
		return broker.NewAlpacaBroker(cfg.Alpaca, deps), nil
	})
	r.Register("simulator", func(_ *config.Config, deps broker.Deps) (broker.Provider, error) {
		return broker.NewSimulatorBroker(deps), nil
	})
	return r
}

// ProviderName returns the provider the daemon should run. Paper mode
// always selects the simulator.
func ProviderName(cfg *config.Config) string {
	if cfg.Runtime.PaperMode {
		return "simulator"
	}
	return cfg.Provider
}
