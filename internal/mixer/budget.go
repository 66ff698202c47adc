package mixer

import "math"

// BytesPerTick converts a bandwidth cap into the body byte budget of one
// tick: kbps * 125 bytes per kbit / ticks per second, reduced by the
// throttling ratio.
func BytesPerTick(maxKbps float64, tickRate int, throttlingRatio float64) int {
	if maxKbps <= 0 || tickRate <= 0 {
		return 0
	}
	throttlingRatio = math.Min(math.Max(throttlingRatio, 0), 1)
	return int(math.Floor(maxKbps * 125 / float64(tickRate) * (1 - throttlingRatio)))
}

// budget tracks body bytes committed against the tick limit. Envelopes are
// not charged.
type budget struct {
	limit int
	used  int
}

func (b *budget) remaining() int {
	return b.limit - b.used
}

func (b *budget) fits(n int) bool {
	return b.used+n <= b.limit
}

func (b *budget) commit(n int) {
	b.used += n
}
