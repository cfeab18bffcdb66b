package position

import (
	"testing"

	"github.com/shopspring/decimal"

	"whale-copy-trader/internal/database"
)

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }
func dp(f float64) *decimal.Decimal {
	v := decimal.NewFromFloat(f)
	return &v
}

func TestPriceChangePercentDirectional(t *testing.T) {
	tests := []struct {
		name  string
		side  string
		entry float64
		price float64
		want  float64
	}{
		{"long in profit", "LONG", 50000, 55000, 10},
		{"long in loss", "LONG", 50000, 45000, -10},
		{"short in profit", "SHORT", 50000, 45000, 10},
		{"short in loss", "SHORT", 50000, 55000, -10},
		{"flat", "LONG", 50000, 50000, 0},
		{"sell side counts as short", "SELL", 100, 90, 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := PriceChangePercent(tt.side, d(tt.entry), d(tt.price))
			if !got.Equal(d(tt.want)) {
				t.Errorf("PriceChangePercent = %s, want %v", got, tt.want)
			}
		})
	}
}

func TestPriceChangePercentZeroEntry(t *testing.T) {
	if got := PriceChangePercent("LONG", decimal.Zero, d(100)); !got.IsZero() {
		t.Errorf("zero entry should yield zero change, got %s", got)
	}
}

func TestRealizeLeverageMultiplies(t *testing.T) {
	// +10% move on 100 USDT margin
	base := Realize("LONG", d(50000), d(55000), d(100), decimal.Zero, 1)
	lev := Realize("LONG", d(50000), d(55000), d(100), decimal.Zero, 5)

	if !base.RealizedUSDT.Equal(d(10)) {
		t.Errorf("1x realized = %s, want 10", base.RealizedUSDT)
	}
	if !lev.RealizedUSDT.Equal(d(50)) {
		t.Errorf("5x realized = %s, want 50", lev.RealizedUSDT)
	}
	if !lev.RealizedPct.Equal(d(50)) {
		t.Errorf("5x realized pct = %s, want 50", lev.RealizedPct)
	}
}

func TestRealizeSubtractsFees(t *testing.T) {
	pnl := Realize("LONG", d(50000), d(55000), d(100), d(1.5), 1)
	if !pnl.GrossUSDT.Equal(d(10)) {
		t.Errorf("gross = %s, want 10", pnl.GrossUSDT)
	}
	if !pnl.RealizedUSDT.Equal(d(8.5)) {
		t.Errorf("realized = %s, want 8.5 after fees", pnl.RealizedUSDT)
	}
}

func TestRealizeShortSymmetry(t *testing.T) {
	long := Realize("LONG", d(50000), d(45000), d(100), decimal.Zero, 3)
	short := Realize("SHORT", d(50000), d(45000), d(100), decimal.Zero, 3)

	if !long.RealizedUSDT.Equal(short.RealizedUSDT.Neg()) {
		t.Errorf("long %s and short %s should mirror", long.RealizedUSDT, short.RealizedUSDT)
	}
	if !short.RealizedUSDT.Equal(d(30)) {
		t.Errorf("short realized = %s, want 30", short.RealizedUSDT)
	}
}

func openPos(side string, entry float64, leverage int) *database.Position {
	return &database.Position{
		Side:           side,
		EntryPrice:     d(entry),
		EntryValueUSDT: d(100),
		Leverage:       leverage,
		Status:         database.PositionOpen,
	}
}

func TestUnrealizedMatchesRealizeWithoutFees(t *testing.T) {
	pos := openPos("LONG", 50000, 2)
	pnl, pct := Unrealized(pos, d(52500))
	if !pnl.Equal(d(10)) {
		t.Errorf("unrealized = %s, want 10", pnl)
	}
	if !pct.Equal(d(10)) {
		t.Errorf("unrealized pct = %s, want 10", pct)
	}
}

func TestStopLossTrigger(t *testing.T) {
	long := openPos("LONG", 50000, 1)
	long.StopLossPrice = dp(49000)

	if ShouldTriggerStopLoss(long, d(49100)) {
		t.Error("long above the stop must not trigger")
	}
	if !ShouldTriggerStopLoss(long, d(49000)) {
		t.Error("long at the stop must trigger")
	}
	if !ShouldTriggerStopLoss(long, d(48900)) {
		t.Error("long below the stop must trigger")
	}

	short := openPos("SHORT", 50000, 1)
	short.StopLossPrice = dp(51000)
	if ShouldTriggerStopLoss(short, d(50900)) {
		t.Error("short below the stop must not trigger")
	}
	if !ShouldTriggerStopLoss(short, d(51100)) {
		t.Error("short above the stop must trigger")
	}

	unset := openPos("LONG", 50000, 1)
	if ShouldTriggerStopLoss(unset, d(1)) {
		t.Error("missing stop must never trigger")
	}
}

func TestTakeProfitTrigger(t *testing.T) {
	long := openPos("LONG", 50000, 1)
	long.TakeProfitPrice = dp(55000)

	if ShouldTriggerTakeProfit(long, d(54900)) {
		t.Error("long below the target must not trigger")
	}
	if !ShouldTriggerTakeProfit(long, d(55000)) {
		t.Error("long at the target must trigger")
	}

	short := openPos("SHORT", 50000, 1)
	short.TakeProfitPrice = dp(45000)
	if !ShouldTriggerTakeProfit(short, d(44900)) {
		t.Error("short below the target must trigger")
	}
}

func TestLiquidationTrigger(t *testing.T) {
	long := openPos("LONG", 50000, 10)
	long.LiquidationPrice = dp(45000)

	if IsLiquidated(long, d(45100)) {
		t.Error("long above liquidation must not trigger")
	}
	if !IsLiquidated(long, d(45000)) {
		t.Error("long at liquidation must trigger")
	}

	short := openPos("SHORT", 50000, 10)
	short.LiquidationPrice = dp(55000)
	if !IsLiquidated(short, d(55500)) {
		t.Error("short above liquidation must trigger")
	}
}

func TestEstimateLiquidationPrice(t *testing.T) {
	if got := EstimateLiquidationPrice("LONG", d(50000), 10); !got.Equal(d(45000)) {
		t.Errorf("long 10x liq = %s, want 45000", got)
	}
	if got := EstimateLiquidationPrice("SHORT", d(50000), 10); !got.Equal(d(55000)) {
		t.Errorf("short 10x liq = %s, want 55000", got)
	}
	if got := EstimateLiquidationPrice("LONG", d(50000), 1); !got.IsZero() {
		t.Errorf("1x has no liquidation level, got %s", got)
	}
}
