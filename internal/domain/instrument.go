package domain

import (
	"errors"
	"fmt"

	"tradecore/pkg/quant"
)

var (
	// ErrAmountLimit signals an order amount outside the instrument's limits.
	ErrAmountLimit = errors.New("amount outside instrument limits")
	// ErrCostLimit signals an order cost outside the instrument's limits.
	ErrCostLimit = errors.New("cost outside instrument limits")
	// ErrPriceLimit signals a price that cannot be represented on the instrument's grid.
	ErrPriceLimit = errors.New("invalid price for instrument")
	// ErrLeverageLimit signals a leverage outside the instrument's limits.
	ErrLeverageLimit = errors.New("leverage outside instrument limits")
)

// FeeSchedule holds the instrument's trading fee rates.
type FeeSchedule struct {
	MakerBps quant.Bps
	TakerBps quant.Bps
}

// Limits bound order amount, cost and leverage for an instrument.
// Zero max values mean unbounded.
type Limits struct {
	MinAmountSats quant.QtySats
	MaxAmountSats quant.QtySats
	MinCostMicros int64
	MaxCostMicros int64
	MaxLeverage   int64
}

// Instrument describes one tradable pair or contract.
// Immutable after construction; shared freely across goroutines.
type Instrument struct {
	Symbol string
	Base   string
	Quote  string
	Settle string // settlement currency for contracts, "" for spot

	AmountStepSats  quant.QtySats   // amount precision step
	PriceStepMicros quant.PriceMicros // price precision step

	Limits Limits
	Fees   FeeSchedule
}

// RoundAmount floors qty to the instrument's amount step.
func (i *Instrument) RoundAmount(q quant.QtySats) quant.QtySats {
	if i.AmountStepSats <= 0 {
		return q
	}
	return q - q%i.AmountStepSats
}

// RoundPrice floors p to the instrument's price step.
func (i *Instrument) RoundPrice(p quant.PriceMicros) quant.PriceMicros {
	if i.PriceStepMicros <= 0 {
		return p
	}
	return p - p%i.PriceStepMicros
}

// ValidateAmount checks qty against the instrument's amount limits.
func (i *Instrument) ValidateAmount(q quant.QtySats) error {
	if q <= 0 || q < i.Limits.MinAmountSats {
		return fmt.Errorf("%w: %s below min %s on %s", ErrAmountLimit, q, i.Limits.MinAmountSats, i.Symbol)
	}
	if i.Limits.MaxAmountSats > 0 && q > i.Limits.MaxAmountSats {
		return fmt.Errorf("%w: %s above max %s on %s", ErrAmountLimit, q, i.Limits.MaxAmountSats, i.Symbol)
	}
	return nil
}

// ValidateCost checks a quote-currency cost against the instrument's cost limits.
func (i *Instrument) ValidateCost(costMicros int64) error {
	if costMicros < i.Limits.MinCostMicros {
		return fmt.Errorf("%w: %d below min %d on %s", ErrCostLimit, costMicros, i.Limits.MinCostMicros, i.Symbol)
	}
	if i.Limits.MaxCostMicros > 0 && costMicros > i.Limits.MaxCostMicros {
		return fmt.Errorf("%w: %d above max %d on %s", ErrCostLimit, costMicros, i.Limits.MaxCostMicros, i.Symbol)
	}
	return nil
}

// ValidateLeverage checks lev against the instrument's leverage limit.
func (i *Instrument) ValidateLeverage(lev int64) error {
	if lev < 1 || (i.Limits.MaxLeverage > 0 && lev > i.Limits.MaxLeverage) {
		return fmt.Errorf("%w: %d on %s (max %d)", ErrLeverageLimit, lev, i.Symbol, i.Limits.MaxLeverage)
	}
	return nil
}

// TakerFee returns the taker fee in micros for a given cost.
func (i *Instrument) TakerFee(costMicros int64) int64 {
	return quant.ApplyBps(costMicros, i.Fees.TakerBps)
}

// MakerFee returns the maker fee in micros for a given cost.
func (i *Instrument) MakerFee(costMicros int64) int64 {
	return quant.ApplyBps(costMicros, i.Fees.MakerBps)
}
