package domain

import "testing"

func TestCash_ReserveRelease(t *testing.T) {
	c := NewCash("USDT", 1_000_000_000) // 1000

	if !c.Reserve(400_000_000) {
		t.Fatal("reserve should succeed")
	}
	if c.FreeMicros != 600_000_000 || c.CommittedMicros != 400_000_000 {
		t.Errorf("free/committed = %d/%d, want 600/400", c.FreeMicros, c.CommittedMicros)
	}
	if c.TotalMicros() != 1_000_000_000 {
		t.Errorf("total = %d, want 1000000000", c.TotalMicros())
	}

	c.Release(400_000_000)
	if c.FreeMicros != 1_000_000_000 || c.CommittedMicros != 0 {
		t.Errorf("after release free/committed = %d/%d", c.FreeMicros, c.CommittedMicros)
	}
}

func TestCash_ReserveInsufficient(t *testing.T) {
	c := NewCash("USDT", 100)
	if c.Reserve(101) {
		t.Error("reserve beyond free cash must fail")
	}
	if c.FreeMicros != 100 || c.CommittedMicros != 0 {
		t.Error("failed reserve must not mutate")
	}
}

func TestCash_Settle(t *testing.T) {
	c := NewCash("USDT", 1_000_000_000)
	c.Reserve(200_000_000)

	// Spend 150 of the reserved 200; 50 returns to free.
	c.Settle(200_000_000, 150_000_000)
	if c.CommittedMicros != 0 {
		t.Errorf("committed = %d, want 0", c.CommittedMicros)
	}
	if c.FreeMicros != 850_000_000 {
		t.Errorf("free = %d, want 850000000", c.FreeMicros)
	}
}

func TestCash_InvariantPanic(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("expected panic for negative committed")
		}
	}()
	c := NewCash("USDT", 0)
	c.Release(1) // committed would go negative
}
