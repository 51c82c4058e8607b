package fill

import (
	"errors"
	"testing"

	"tradecore/internal/domain"
	"tradecore/pkg/quant"
)

func testInstrument() *domain.Instrument {
	return &domain.Instrument{
		Symbol:         "BTC/USDT",
		Base:           "BTC",
		Quote:          "USDT",
		AmountStepSats: 1_000,
		Limits: domain.Limits{
			MinAmountSats: 100_000,
			MinCostMicros: 5_000_000,
		},
		Fees: domain.FeeSchedule{TakerBps: quant.ToBps(0.001)},
	}
}

func limitOrder(side domain.Side, tif domain.TimeInForce, price quant.PriceMicros, amount quant.QtySats) *domain.Order {
	return &domain.Order{
		ID:            "o1",
		Symbol:        "BTC/USDT",
		Side:          side,
		Type:          domain.TypeLimit,
		Tif:           tif,
		PriceMicros:   price,
		AmountSats:    amount,
		RemainingSats: amount,
		Status:        domain.StatusNew,
	}
}

func marketOrder(side domain.Side, amount quant.QtySats) *domain.Order {
	o := limitOrder(side, domain.TifFOK, 0, amount)
	o.Type = domain.TypeMarket
	return o
}

// Flat candle at 100 with deep volume: a market buy should fill at ~100.
func TestMarketCandle_FlatFill(t *testing.T) {
	e := NewEngine(Config{})
	c := domain.Candle{
		OpenMicros: 100_000_000, HighMicros: 100_000_000,
		LowMicros: 100_000_000, CloseMicros: 100_000_000,
		VolumeSats: 1_000_000_000, // 10 units
	}
	o := marketOrder(domain.SideBuy, 100_000_000) // 1 unit

	res, err := e.MarketCandle(testInstrument(), o, c)
	if err != nil {
		t.Fatalf("MarketCandle failed: %v", err)
	}
	if res.AmountSats != o.AmountSats {
		t.Errorf("amount = %s, want full %s", res.AmountSats, o.AmountSats)
	}
	if res.PriceMicros != 100_000_000 {
		t.Errorf("price = %s, want exactly 100 on a flat candle", res.PriceMicros)
	}
}

// A green candle makes a market buy pay at least the open->close move.
func TestMarketCandle_DirectionalMinimum(t *testing.T) {
	e := NewEngine(Config{})
	c := domain.Candle{
		OpenMicros: 100_000_000, HighMicros: 103_000_000,
		LowMicros: 99_000_000, CloseMicros: 102_000_000,
		VolumeSats: 100_000_000_000, // tiny fill ratio
	}
	o := marketOrder(domain.SideBuy, 100_000_000)

	res, err := e.MarketCandle(testInstrument(), o, c)
	if err != nil {
		t.Fatalf("MarketCandle failed: %v", err)
	}
	if res.PriceMicros < 102_000_000 {
		t.Errorf("price = %s, want >= close 102 (directional minimum)", res.PriceMicros)
	}
}

// Zero-volume candles still fill market orders, with saturated slippage.
func TestMarketCandle_ZeroVolumeStillFills(t *testing.T) {
	e := NewEngine(Config{})
	c := domain.Candle{
		OpenMicros: 100_000_000, HighMicros: 101_000_000,
		LowMicros: 99_000_000, CloseMicros: 100_000_000,
		VolumeSats: 0,
	}
	o := marketOrder(domain.SideBuy, 100_000_000)

	res, err := e.MarketCandle(testInstrument(), o, c)
	if err != nil {
		t.Fatalf("zero-volume market fill must not fail: %v", err)
	}
	// Full volatility (high-low = 2) applied at ratio 1.
	if res.PriceMicros != 102_000_000 {
		t.Errorf("price = %s, want 102 (open + full volatility)", res.PriceMicros)
	}
}

func TestLimitCandle_CrossingRules(t *testing.T) {
	e := NewEngine(Config{ParticipationBps: quant.ToBps(1.0)})
	inst := testInstrument()
	c := domain.Candle{
		OpenMicros: 101_000_000, HighMicros: 102_000_000,
		LowMicros: 100_000_000, CloseMicros: 101_500_000,
		VolumeSats: 1_000_000_000,
	}

	tests := []struct {
		name  string
		side  domain.Side
		price quant.PriceMicros
		fills bool
	}{
		{"BuyCrossed", domain.SideBuy, 100_500_000, true},    // low 100 <= 100.5
		{"BuyNotCrossed", domain.SideBuy, 99_000_000, false}, // low 100 > 99
		{"SellCrossed", domain.SideSell, 101_500_000, true},  // high 102 >= 101.5
		{"SellNotCrossed", domain.SideSell, 103_000_000, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := limitOrder(tt.side, domain.TifGTC, tt.price, 100_000_000)
			_, err := e.LimitCandle(inst, o, c)
			if tt.fills && err != nil {
				t.Errorf("expected fill, got %v", err)
			}
			if !tt.fills && !errors.Is(err, ErrNoFill) {
				t.Errorf("expected ErrNoFill, got %v", err)
			}
		})
	}
}

func TestLimitCandle_VolumeParticipationCap(t *testing.T) {
	e := NewEngine(Config{ParticipationBps: quant.ToBps(0.25)})
	c := domain.Candle{
		OpenMicros: 101_000_000, HighMicros: 102_000_000,
		LowMicros: 99_000_000, CloseMicros: 101_000_000,
		VolumeSats: 400_000_000, // 4 units; 25% cap = 1 unit
	}
	o := limitOrder(domain.SideBuy, domain.TifGTC, 100_000_000, 1_000_000_000) // wants 10

	res, err := e.LimitCandle(testInstrument(), o, c)
	if err != nil {
		t.Fatalf("LimitCandle failed: %v", err)
	}
	if res.AmountSats != 100_000_000 {
		t.Errorf("amount = %s, want capped at 1.0", res.AmountSats)
	}
}

// Positive slippage only on candles that moved against the order's side,
// and only ever improving the price.
func TestLimitCandle_ImprovementOnlyOnAdverseCandles(t *testing.T) {
	e := NewEngine(Config{ParticipationBps: quant.ToBps(1.0)})
	inst := testInstrument()

	red := domain.Candle{
		OpenMicros: 102_000_000, HighMicros: 102_500_000,
		LowMicros: 99_000_000, CloseMicros: 100_000_000,
		VolumeSats: 10_000_000_000,
	}
	green := red
	green.OpenMicros, green.CloseMicros = 100_000_000, 102_000_000

	buy := limitOrder(domain.SideBuy, domain.TifGTC, 100_000_000, 100_000_000)

	resRed, err := e.LimitCandle(inst, buy, red)
	if err != nil {
		t.Fatalf("red candle buy failed: %v", err)
	}
	if resRed.PriceMicros > buy.PriceMicros {
		t.Errorf("price %s worse than limit %s", resRed.PriceMicros, buy.PriceMicros)
	}
	if resRed.PriceMicros == buy.PriceMicros {
		t.Error("red candle buy should be granted improvement")
	}

	resGreen, err := e.LimitCandle(inst, buy, green)
	if err != nil {
		t.Fatalf("green candle buy failed: %v", err)
	}
	if resGreen.PriceMicros != buy.PriceMicros {
		t.Errorf("green candle buy got %s, want exactly limit %s", resGreen.PriceMicros, buy.PriceMicros)
	}
}

// An under-minimum-cost fill aborts with no trade, never a tiny trade.
func TestLimitCandle_MinCostAborts(t *testing.T) {
	e := NewEngine(Config{ParticipationBps: quant.ToBps(0.25)})
	inst := testInstrument()
	inst.Limits.MinCostMicros = 50_000_000 // 50 USDT

	c := domain.Candle{
		OpenMicros: 101_000_000, HighMicros: 101_000_000,
		LowMicros: 100_000_000, CloseMicros: 101_000_000,
		VolumeSats: 400_000, // cap = 0.001 -> 0.1 USDT cost
	}
	o := limitOrder(domain.SideBuy, domain.TifGTC, 100_000_000, 100_000_000)

	_, err := e.LimitCandle(inst, o, c)
	if err == nil {
		t.Fatal("expected abort below min cost")
	}
	if !errors.Is(err, ErrBelowMinCost) && !errors.Is(err, ErrNoFill) {
		t.Errorf("err = %v, want ErrBelowMinCost or ErrNoFill", err)
	}
}
