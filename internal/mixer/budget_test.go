package mixer

import "testing"

func TestBytesPerTick(t *testing.T) {
	cases := []struct {
		kbps     float64
		rate     int
		throttle float64
		want     int
	}{
		{5000, 45, 0, 13888},
		{28.8, 45, 0, 80},
		{0.64, 1, 0, 80},
		{5000, 45, 0.5, 6944},
		{5000, 45, 1, 0},
		{5000, 45, -1, 13888},
		{0, 45, 0, 0},
		{5000, 0, 0, 0},
	}
	for _, tc := range cases {
		if got := BytesPerTick(tc.kbps, tc.rate, tc.throttle); got != tc.want {
			t.Fatalf("BytesPerTick(%v, %d, %v): expected %d, got %d", tc.kbps, tc.rate, tc.throttle, tc.want, got)
		}
	}
}

func TestBudgetFits(t *testing.T) {
	b := budget{limit: 100}
	if !b.fits(100) {
		t.Fatalf("expected an exact fit")
	}
	b.commit(60)
	if b.fits(41) {
		t.Fatalf("expected 41 bytes to overflow")
	}
	if got := b.remaining(); got != 40 {
		t.Fatalf("expected 40 remaining, got %d", got)
	}
}
