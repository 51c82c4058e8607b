package domain

import (
	"fmt"

	"tradecore/pkg/safe"
)

// Cash is the strategy's quote-currency account: free cash plus cash
// committed by resting orders. All mutations go through the methods so
// the committed >= 0 invariant can be enforced centrally.
//
// Cash itself is not locked; the strategy-level account serializes
// access (one fill mutates it at a time under the instance lock).
type Cash struct {
	Currency        string
	FreeMicros      int64
	CommittedMicros int64
}

// NewCash creates an account with an initial free balance.
func NewCash(currency string, freeMicros int64) *Cash {
	return &Cash{Currency: currency, FreeMicros: freeMicros}
}

// TotalMicros returns free + committed.
func (c *Cash) TotalMicros() int64 {
	return safe.SafeAdd(c.FreeMicros, c.CommittedMicros)
}

// Credit adds to free cash.
func (c *Cash) Credit(micros int64) {
	c.FreeMicros = safe.SafeAdd(c.FreeMicros, micros)
	c.VerifyInvariant()
}

// Debit removes from free cash; panics if it would go negative.
func (c *Cash) Debit(micros int64) {
	c.FreeMicros = safe.SafeSub(c.FreeMicros, micros)
	c.VerifyInvariant()
}

// Reserve moves micros from free to committed, reserving it for an open
// order. Returns false without mutating when free cash is insufficient.
func (c *Cash) Reserve(micros int64) bool {
	if micros < 0 {
		panic(fmt.Sprintf("CASH_RESERVE_NEGATIVE: %d %s", micros, c.Currency))
	}
	if c.FreeMicros < micros {
		return false
	}
	c.FreeMicros -= micros
	c.CommittedMicros = safe.SafeAdd(c.CommittedMicros, micros)
	c.VerifyInvariant()
	return true
}

// Release returns reserved cash to free, e.g. on cancel.
func (c *Cash) Release(micros int64) {
	c.CommittedMicros = safe.SafeSub(c.CommittedMicros, micros)
	c.FreeMicros = safe.SafeAdd(c.FreeMicros, micros)
	c.VerifyInvariant()
}

// Settle consumes reserved cash on a fill: spentMicros leaves the account
// entirely, the unspent remainder of the reservation returns to free.
func (c *Cash) Settle(reservedMicros, spentMicros int64) {
	c.CommittedMicros = safe.SafeSub(c.CommittedMicros, reservedMicros)
	// A negative remainder means the fill cost exceeded the reservation
	// (slippage); free cash covers the overshoot.
	rem := safe.SafeSub(reservedMicros, spentMicros)
	c.FreeMicros = safe.SafeAdd(c.FreeMicros, rem)
	c.VerifyInvariant()
}

// VerifyInvariant panics when the account books are inconsistent.
func (c *Cash) VerifyInvariant() {
	if c.CommittedMicros < 0 {
		panic(fmt.Sprintf("CASH_INVARIANT_COMMITTED_NEGATIVE: %d %s", c.CommittedMicros, c.Currency))
	}
	if c.FreeMicros < 0 {
		panic(fmt.Sprintf("CASH_INVARIANT_FREE_NEGATIVE: %d %s", c.FreeMicros, c.Currency))
	}
}
