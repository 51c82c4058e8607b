package account

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
			MaxLeverage:   100,
		},
		Fees: domain.FeeSchedule{
			MakerBps: quant.ToBps(0.0008),
			TakerBps: quant.ToBps(0.001),
		},
	}
}

func newSpot(t *testing.T, freeMicros int64) (*Account, *domain.AssetInstance) {
	t.Helper()
	ac := New("USDT", freeMicros, domain.MarginNone, 0)
	asset := domain.NewAssetInstance(testInstrument(), "sim", false)
	return ac, asset
}

func newMargin(t *testing.T, freeMicros int64, hedged bool) (*Account, *domain.AssetInstance) {
	t.Helper()
	ac := New("USDT", freeMicros, domain.MarginIsolated, 0)
	asset := domain.NewAssetInstance(testInstrument(), "sim", hedged)
	return ac, asset
}

func mustOrder(t *testing.T, inst *domain.Instrument, spec domain.OrderSpec, avail int64) *domain.Order {
	t.Helper()
	o, err := domain.NewOrder("o1", inst, spec, avail, 1)
	if err != nil {
		t.Fatalf("NewOrder failed: %v", err)
	}
	return o
}

// Scenario: market buy of 1.0 at 100 with 0.1% fee. One trade, fee 0.1,
// cash down by 100.1, holding up by 1.
func TestSpot_MarketBuyScenario(t *testing.T) {
	ac, asset := newSpot(t, 1_000_000_000) // 1000 USDT
	o := mustOrder(t, asset.Instrument, domain.OrderSpec{
		Side: domain.SideBuy, Type: domain.TypeMarket, AmountSats: 100_000_000,
	}, 1_000_000_000)

	if err := ac.Reserve(asset, o, 100_000_000); err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	free, committed := ac.Balances()
	if committed != 100_100_000 { // 100 + 0.1 fee
		t.Errorf("committed = %d, want 100100000", committed)
	}
	if free != 899_900_000 {
		t.Errorf("free = %d, want 899900000", free)
	}

	tr := domain.NewTrade(o, 100_000_000, 100_000_000, asset.Instrument.Fees.TakerBps, 2)
	if tr.FeeMicros != 100_000 { // 0.1 USDT
		t.Errorf("fee = %d, want 100000", tr.FeeMicros)
	}
	if err := ac.ApplyFill(asset, o, tr); err != nil {
		t.Fatalf("ApplyFill failed: %v", err)
	}

	free, committed = ac.Balances()
	if free != 899_900_000 || committed != 0 {
		t.Errorf("after fill free/committed = %d/%d, want 899900000/0", free, committed)
	}
	cur, _, _ := asset.Holdings()
	if cur != 100_000_000 {
		t.Errorf("holding = %s, want 1.0", cur)
	}
	if o.Status != domain.StatusFilled {
		t.Errorf("status = %s, want FILLED", o.Status)
	}
}

func TestSpot_SellRequiresHoldings(t *testing.T) {
	ac, asset := newSpot(t, 1_000_000_000)
	o := mustOrder(t, asset.Instrument, domain.OrderSpec{
		Side: domain.SideSell, Type: domain.TypeLimit,
		PriceMicros: 100_000_000, AmountSats: 100_000_000,
	}, 1_000_000_000)

	if err := ac.Reserve(asset, o, 0); !errors.Is(err, ErrInsufficientHoldings) {
		t.Errorf("err = %v, want ErrInsufficientHoldings", err)
	}

	asset.AdjustHolding(100_000_000)
	if err := ac.Reserve(asset, o, 0); err != nil {
		t.Errorf("Reserve with holdings failed: %v", err)
	}
}

func TestSpot_CancelReleasesReservation(t *testing.T) {
	ac, asset := newSpot(t, 1_000_000_000)
	o := mustOrder(t, asset.Instrument, domain.OrderSpec{
		Side: domain.SideBuy, Type: domain.TypeLimit,
		PriceMicros: 100_000_000, AmountSats: 100_000_000,
	}, 1_000_000_000)

	if err := ac.Reserve(asset, o, 0); err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	o.Cancel()
	ac.ReleaseOrder(o)

	free, committed := ac.Balances()
	if free != 1_000_000_000 || committed != 0 {
		t.Errorf("free/committed = %d/%d, want all free", free, committed)
	}
}

// A fill can land worse than the reserved reference price. When free
// cash cannot absorb the overshoot the fill is rejected whole: no cash
// moves, no trade is recorded, and the book never goes negative.
func TestSpot_SlippageBeyondFreeCashRejected(t *testing.T) {
	// Free cash exactly covers a buy of 1.0 at 100 plus the taker fee.
	ac, asset := newSpot(t, 100_100_000)
	o := mustOrder(t, asset.Instrument, domain.OrderSpec{
		Side: domain.SideBuy, Type: domain.TypeMarket, AmountSats: 100_000_000,
	}, 100_100_000)
	if err := ac.Reserve(asset, o, 100_000_000); err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if free, _ := ac.Balances(); free != 0 {
		t.Fatalf("free = %d, want 0", free)
	}

	// The bar closed at 110: the fill costs 10.01 more than reserved.
	tr := domain.NewTrade(o, 110_000_000, 100_000_000, asset.Instrument.Fees.TakerBps, 2)
	if err := ac.ApplyFill(asset, o, tr); !errors.Is(err, ErrInsufficientCash) {
		t.Fatalf("err = %v, want ErrInsufficientCash", err)
	}

	free, committed := ac.Balances()
	if free != 0 || committed != 100_100_000 {
		t.Errorf("free/committed = %d/%d, want 0/100100000", free, committed)
	}
	if asset.TradeCount() != 0 {
		t.Errorf("trades = %d, want 0", asset.TradeCount())
	}
	if o.FilledSats() != 0 {
		t.Errorf("filled = %s, want 0", o.FilledSats())
	}
}

func TestMargin_OpenUsesCollateral(t *testing.T) {
	ac, asset := newMargin(t, 1_000_000_000, false)
	asset.Position(domain.PositionLong).SetLeverage(10, 1)

	o := mustOrder(t, asset.Instrument, domain.OrderSpec{
		Side: domain.SideBuy, Type: domain.TypeMarket, AmountSats: 100_000_000,
	}, 1_000_000_000)
	if err := ac.Reserve(asset, o, 100_000_000); err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	// cost 100 / lev 10 + fee 0.1 = 10.1 committed
	_, committed := ac.Balances()
	if committed != 10_100_000 {
		t.Errorf("committed = %d, want 10100000", committed)
	}

	tr := domain.NewTrade(o, 100_000_000, 100_000_000, asset.Instrument.Fees.TakerBps, 2)
	if err := ac.ApplyFill(asset, o, tr); err != nil {
		t.Fatalf("ApplyFill failed: %v", err)
	}

	p := asset.Position(domain.PositionLong)
	if !p.IsOpen() || p.CashSats != 100_000_000 {
		t.Errorf("position cash = %s, want 1.0 long", p.CashSats)
	}
	if p.CollateralMicros != 10_000_000 {
		t.Errorf("collateral = %d, want 10000000", p.CollateralMicros)
	}
	free, committed := ac.Balances()
	if free != 989_900_000 || committed != 0 {
		t.Errorf("free/committed = %d/%d, want 989900000/0", free, committed)
	}
}

// Unhedged: a sell against an open long nets the long first; the
// remainder opens a short. Long and short are never both open.
func TestMargin_UnhedgedNetting(t *testing.T) {
	ac, asset := newMargin(t, 1_000_000_000, false)

	open := mustOrder(t, asset.Instrument, domain.OrderSpec{
		Side: domain.SideBuy, Type: domain.TypeMarket, AmountSats: 100_000_000,
	}, 1_000_000_000)
	if err := ac.Reserve(asset, open, 100_000_000); err != nil {
		t.Fatalf("Reserve open failed: %v", err)
	}
	tr := domain.NewTrade(open, 100_000_000, 100_000_000, asset.Instrument.Fees.TakerBps, 2)
	if err := ac.ApplyFill(asset, open, tr); err != nil {
		t.Fatalf("open fill failed: %v", err)
	}

	// Sell 1.5: nets the 1.0 long, opens a 0.5 short.
	flip, err := domain.NewOrder("o2", asset.Instrument, domain.OrderSpec{
		Side: domain.SideSell, Type: domain.TypeMarket, AmountSats: 150_000_000,
	}, 1_000_000_000, 3)
	if err != nil {
		t.Fatalf("NewOrder failed: %v", err)
	}
	if err := ac.Reserve(asset, flip, 100_000_000); err != nil {
		t.Fatalf("Reserve flip failed: %v", err)
	}
	tr2 := domain.NewTrade(flip, 100_000_000, 150_000_000, asset.Instrument.Fees.TakerBps, 4)
	if err := ac.ApplyFill(asset, flip, tr2); err != nil {
		t.Fatalf("flip fill failed: %v", err)
	}

	long := asset.Position(domain.PositionLong)
	short := asset.Position(domain.PositionShort)
	if long.IsOpen() {
		t.Error("long must be fully netted")
	}
	if !short.IsOpen() || short.CashSats != -50_000_000 {
		t.Errorf("short cash = %s, want -0.5", short.CashSats)
	}
	asset.VerifyInvariant()
}

// Closing into a gapped price can realize a loss bigger than the
// collateral released. Without free cash to cover the difference the
// close is rejected rather than forcing cash negative.
func TestMargin_ClosingLossBeyondFreeCashRejected(t *testing.T) {
	// 20.1 free: exactly the collateral plus fee for 1.0 at 100 on 5x.
	ac, asset := newMargin(t, 20_100_000, false)
	asset.Position(domain.PositionLong).SetLeverage(5, 1)

	open := mustOrder(t, asset.Instrument, domain.OrderSpec{
		Side: domain.SideBuy, Type: domain.TypeMarket, AmountSats: 100_000_000,
	}, 20_100_000)
	if err := ac.Reserve(asset, open, 100_000_000); err != nil {
		t.Fatalf("Reserve open failed: %v", err)
	}
	tr := domain.NewTrade(open, 100_000_000, 100_000_000, asset.Instrument.Fees.TakerBps, 2)
	if err := ac.ApplyFill(asset, open, tr); err != nil {
		t.Fatalf("open fill failed: %v", err)
	}

	cls, err := domain.NewOrder("o2", asset.Instrument, domain.OrderSpec{
		Side: domain.SideSell, Type: domain.TypeMarket,
		ReduceOnly: true, AmountSats: 100_000_000,
	}, 0, 3)
	if err != nil {
		t.Fatalf("NewOrder failed: %v", err)
	}
	if err := ac.Reserve(asset, cls, 70_000_000); err != nil {
		t.Fatalf("Reserve close failed: %v", err)
	}

	// At 70 the realized loss is 30: the 20 of released collateral plus
	// zero free cash cannot settle it.
	tr2 := domain.NewTrade(cls, 70_000_000, 100_000_000, asset.Instrument.Fees.TakerBps, 4)
	if err := ac.ApplyFill(asset, cls, tr2); !errors.Is(err, ErrInsufficientCash) {
		t.Fatalf("err = %v, want ErrInsufficientCash", err)
	}

	p := asset.Position(domain.PositionLong)
	if !p.IsOpen() || p.Exposure() != 100_000_000 {
		t.Errorf("position exposure = %s, want untouched 1.0", p.Exposure())
	}
	free, committed := ac.Balances()
	if free != 0 || committed != 0 {
		t.Errorf("free/committed = %d/%d, want 0/0", free, committed)
	}
	if asset.TradeCount() != 1 {
		t.Errorf("trades = %d, want only the opening fill", asset.TradeCount())
	}
}

func TestMargin_ReduceOnlyNeedsExposure(t *testing.T) {
	ac, asset := newMargin(t, 1_000_000_000, false)
	o := mustOrder(t, asset.Instrument, domain.OrderSpec{
		Side: domain.SideSell, Type: domain.TypeMarket,
		ReduceOnly: true, AmountSats: 100_000_000,
	}, 1_000_000_000)

	if err := ac.Reserve(asset, o, 100_000_000); !errors.Is(err, ErrNothingToReduce) {
		t.Errorf("err = %v, want ErrNothingToReduce", err)
	}
}

func TestSetLeverage_BlockedByOpenOrders(t *testing.T) {
	ac, asset := newMargin(t, 1_000_000_000, false)

	o := mustOrder(t, asset.Instrument, domain.OrderSpec{
		Side: domain.SideBuy, Type: domain.TypeLimit,
		PriceMicros: 90_000_000, AmountSats: 100_000_000,
	}, 1_000_000_000)
	o.MarkOpen()
	asset.InsertOrder(o)

	if err := ac.SetLeverage(asset, domain.PositionLong, 10, 5); !errors.Is(err, ErrOpenOrders) {
		t.Errorf("err = %v, want ErrOpenOrders", err)
	}

	asset.RemoveOrder(o.ID)
	if err := ac.SetLeverage(asset, domain.PositionLong, 10, 6); err != nil {
		t.Errorf("SetLeverage failed: %v", err)
	}
	if err := ac.SetLeverage(asset, domain.PositionLong, 1000, 7); !errors.Is(err, domain.ErrLeverageLimit) {
		t.Errorf("err = %v, want ErrLeverageLimit", err)
	}
}

func TestLiquidations_Synthesis(t *testing.T) {
	ac, asset := newMargin(t, 1_000_000_000, false)
	asset.Position(domain.PositionLong).SetLeverage(10, 1)

	o := mustOrder(t, asset.Instrument, domain.OrderSpec{
		Side: domain.SideBuy, Type: domain.TypeMarket, AmountSats: 100_000_000,
	}, 1_000_000_000)
	if err := ac.Reserve(asset, o, 100_000_000); err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	tr := domain.NewTrade(o, 100_000_000, 100_000_000, asset.Instrument.Fees.TakerBps, 2)
	if err := ac.ApplyFill(asset, o, tr); err != nil {
		t.Fatalf("ApplyFill failed: %v", err)
	}

	// Above the 91.8 trigger: nothing to do.
	if got := ac.Liquidations(asset, 92_000_000, 3); len(got) != 0 {
		t.Fatalf("got %d liquidations above trigger, want 0", len(got))
	}

	// Crossing the trigger synthesizes exactly one forced close.
	liqs := ac.Liquidations(asset, 91_000_000, 4)
	if len(liqs) != 1 {
		t.Fatalf("got %d liquidations, want 1", len(liqs))
	}
	liq := liqs[0]
	if !liq.Liquidation || !liq.ReduceOnly || liq.Side != domain.SideSell {
		t.Errorf("liquidation order malformed: %+v", liq)
	}
	if liq.AmountSats != 100_000_000 {
		t.Errorf("liquidation amount = %s, want full exposure", liq.AmountSats)
	}

	// Liquidation pays double taker fee.
	if got := FeeBps(asset.Instrument, liq, false); got != 2*asset.Instrument.Fees.TakerBps {
		t.Errorf("liquidation fee = %s, want 2x taker", got)
	}

	// Executing the forced close zeros the position.
	ltr := domain.NewTrade(liq, 91_000_000, 100_000_000, FeeBps(asset.Instrument, liq, false), 5)
	if err := ac.ApplyFill(asset, liq, ltr); err != nil {
		t.Fatalf("liquidation fill failed: %v", err)
	}
	if asset.Position(domain.PositionLong).IsOpen() {
		t.Error("position must be zeroed after liquidation")
	}
}

func TestFeeBps_Selection(t *testing.T) {
	inst := testInstrument()
	gtc := &domain.Order{Type: domain.TypeLimit, Tif: domain.TifGTC}
	ioc := &domain.Order{Type: domain.TypeLimit, Tif: domain.TifIOC}

	if got := FeeBps(inst, gtc, true); got != inst.Fees.MakerBps {
		t.Errorf("resting GTC fee = %s, want maker", got)
	}
	if got := FeeBps(inst, gtc, false); got != inst.Fees.TakerBps {
		t.Errorf("immediate GTC fee = %s, want taker", got)
	}
	if got := FeeBps(inst, ioc, true); got != inst.Fees.TakerBps {
		t.Errorf("IOC fee = %s, want taker", got)
	}
}
