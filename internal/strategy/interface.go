// Package strategy defines the tick-callback contract trading logic
// implements, plus a reference strategy. Strategies never talk to a
// venue or a matching queue directly: they read market data and issue
// requests through the dispatcher, so the same strategy runs unchanged
// against the simulator, the paper tape and a live venue.
package strategy

import (
	"context"

	"tradecore/internal/account"
	"tradecore/internal/domain"
	"tradecore/internal/exec"
	"tradecore/internal/marketdata"
	"tradecore/pkg/quant"
)

// Env is the surface a strategy sees on every tick.
type Env struct {
	Dispatcher *exec.Dispatcher
	Account    *account.Account
	Data       marketdata.Provider
	Assets     []*domain.AssetInstance
}

// Asset looks up an instance by symbol.
func (e *Env) Asset(symbol string) (*domain.AssetInstance, bool) {
	for _, a := range e.Assets {
		if a.Instrument.Symbol == symbol {
			return a, true
		}
	}
	return nil, false
}

// Strategy is the single entry point invoked once per tick.
//
// A returned error aborts the run; a placement that merely found no
// liquidity should be absorbed (or logged) by the strategy itself.
type Strategy interface {
	Name() string
	OnTick(ctx context.Context, env *Env, ts quant.TimeStamp) error
}
