package quant

import "testing"

func TestToPriceMicros(t *testing.T) {
	tests := []struct {
		in   float64
		want PriceMicros
	}{
		{1.23, 1_230_000},
		{0, 0},
		{100.0, 100_000_000},
		{0.000001, 1},
	}
	for _, tt := range tests {
		if got := ToPriceMicros(tt.in); got != tt.want {
			t.Errorf("ToPriceMicros(%v) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestParseFixedPoint(t *testing.T) {
	tests := []struct {
		name      string
		in        string
		precision int
		want      int64
	}{
		{"Integer", "42", 6, 42_000_000},
		{"Fraction", "1.23", 6, 1_230_000},
		{"FullPrecision", "0.123456", 6, 123_456},
		{"Truncated", "0.1234567", 6, 123_456},
		{"Negative", "-1.5", 6, -1_500_000},
		{"Empty", "", 6, 0},
		{"Null", "null", 6, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := parseFixedPoint(tt.in, tt.precision); got != tt.want {
				t.Errorf("parseFixedPoint(%q, %d) = %d, want %d", tt.in, tt.precision, got, tt.want)
			}
		})
	}
}

func TestCost(t *testing.T) {
	// 1.0 units at 100.0 = 100.0 quote
	if got := Cost(100_000_000, 100_000_000); got != 100_000_000 {
		t.Errorf("Cost = %d, want 100000000", got)
	}
	// 0.5 units at 100.0 = 50.0 quote
	if got := Cost(100_000_000, 50_000_000); got != 50_000_000 {
		t.Errorf("Cost = %d, want 50000000", got)
	}
	// negative qty is treated as magnitude
	if got := Cost(100_000_000, -50_000_000); got != 50_000_000 {
		t.Errorf("Cost(negative qty) = %d, want 50000000", got)
	}
}

func TestApplyBps(t *testing.T) {
	// 0.1% of 100.0 = 0.1
	fee := ToBps(0.001)
	if got := ApplyBps(100_000_000, fee); got != 100_000 {
		t.Errorf("ApplyBps = %d, want 100000", got)
	}
}

func TestPriceBps(t *testing.T) {
	// 0.1% of a 50,000.0 price is 50.0.
	rate := ToBps(0.001)
	if got := PriceBps(50_000_000_000, rate); got != 50_000_000 {
		t.Errorf("PriceBps = %d, want 50000000", got)
	}
	if got := PriceBps(0, rate); got != 0 {
		t.Errorf("PriceBps(0) = %d, want 0", got)
	}
}

func FuzzParseFixedPoint(f *testing.F) {
	f.Add("1.23")
	f.Add("-0.00000001")
	f.Add("99999999999")
	f.Fuzz(func(t *testing.T, s string) {
		// Must not panic on arbitrary input.
		_ = parseFixedPoint(s, 6)
		_ = parseFixedPoint(s, 8)
	})
}
