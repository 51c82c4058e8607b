package domain

import "tradecore/pkg/quant"

// Candle is one OHLCV bar. Values are fixed-point micros/sats.
type Candle struct {
	TsUnixM     quant.TimeStamp   `json:"ts,string"`
	OpenMicros  quant.PriceMicros `json:"open,string"`
	HighMicros  quant.PriceMicros `json:"high,string"`
	LowMicros   quant.PriceMicros `json:"low,string"`
	CloseMicros quant.PriceMicros `json:"close,string"`
	VolumeSats  quant.QtySats     `json:"volume,string"`
}

// Volatility is the high-low range of the bar.
func (c Candle) Volatility() quant.PriceMicros {
	return c.HighMicros - c.LowMicros
}

// IsRed reports a down candle (close below open).
func (c Candle) IsRed() bool {
	return c.CloseMicros < c.OpenMicros
}

// IsGreen reports an up candle (close above open).
func (c Candle) IsGreen() bool {
	return c.CloseMicros > c.OpenMicros
}
