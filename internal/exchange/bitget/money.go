package bitget

import (
	"fmt"

	"github.com/shopspring/decimal"

	"tradecore/pkg/quant"
)

// Bitget speaks decimal strings on the wire; the core speaks scaled
// int64. All conversions cross through here so no float64 ever touches
// a money amount. Excess precision is truncated toward zero, matching
// how the venue itself floors sub-step quantities.

func parseMicros(s string) (quant.PriceMicros, error) {
	v, err := parseScaled(s, 6)
	return quant.PriceMicros(v), err
}

func parseSats(s string) (quant.QtySats, error) {
	v, err := parseScaled(s, 8)
	return quant.QtySats(v), err
}

func parseScaled(s string, decimals int32) (int64, error) {
	if s == "" {
		return 0, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse decimal %q: %w", s, err)
	}
	return d.Shift(decimals).Truncate(0).IntPart(), nil
}

func formatMicros(p quant.PriceMicros) string {
	return decimal.New(int64(p), -6).String()
}

func formatSats(q quant.QtySats) string {
	return decimal.New(int64(q), -8).String()
}
