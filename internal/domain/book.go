package domain

import "tradecore/pkg/quant"

// BookLevel is a single price+size entry in an order book.
type BookLevel struct {
	PriceMicros quant.PriceMicros
	QtySats     quant.QtySats
}

// BookSnapshot is a point-in-time view of bids and asks.
// Bids are sorted descending by price, asks ascending.
type BookSnapshot struct {
	Symbol  string
	TsUnixM quant.TimeStamp
	Bids    []BookLevel
	Asks    []BookLevel
}

// BestBid returns the highest bid, or zero-value when the book is empty.
func (b *BookSnapshot) BestBid() (BookLevel, bool) {
	if len(b.Bids) == 0 {
		return BookLevel{}, false
	}
	return b.Bids[0], true
}

// BestAsk returns the lowest ask, or zero-value when the book is empty.
func (b *BookSnapshot) BestAsk() (BookLevel, bool) {
	if len(b.Asks) == 0 {
		return BookLevel{}, false
	}
	return b.Asks[0], true
}

// Mid returns the bid/ask midpoint, falling back to the one-sided best.
func (b *BookSnapshot) Mid() quant.PriceMicros {
	bid, okB := b.BestBid()
	ask, okA := b.BestAsk()
	switch {
	case okB && okA:
		return (bid.PriceMicros + ask.PriceMicros) / 2
	case okB:
		return bid.PriceMicros
	case okA:
		return ask.PriceMicros
	default:
		return 0
	}
}
