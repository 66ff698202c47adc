package directory

import "sync"

const (
	inboundOccupancyMetricKey = "directory_inbound_occupancy"
	inboundOverflowMetricKey  = "directory_inbound_overflow_total"
)

// PacketBuffer stores raw avatar data packets in a fixed-size ring. It is
// safe for concurrent producers and a single consumer. When full the oldest
// packet is evicted: only the newest avatar frame matters.
type PacketBuffer struct {
	mu      sync.Mutex
	data    [][]byte
	head    int
	tail    int
	count   int
	metrics telemetryMetrics
}

type telemetryMetrics interface {
	Add(string, uint64)
	Store(string, uint64)
}

// NewPacketBuffer constructs a ring buffer with the provided capacity.
func NewPacketBuffer(capacity int, metrics telemetryMetrics) *PacketBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &PacketBuffer{
		data:    make([][]byte, capacity),
		metrics: metrics,
	}
}

func (b *PacketBuffer) Capacity() int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

// Push stages a packet. It returns false when an older packet had to be
// evicted to make room.
func (b *PacketBuffer) Push(packet []byte) bool {
	if b == nil {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	evicted := false
	if b.count == len(b.data) {
		b.data[b.head] = nil
		b.head = (b.head + 1) % len(b.data)
		b.count--
		evicted = true
		if b.metrics != nil {
			b.metrics.Add(inboundOverflowMetricKey, 1)
		}
	}
	b.data[b.tail] = packet
	b.tail = (b.tail + 1) % len(b.data)
	b.count++
	b.storeOccupancyLocked()
	return !evicted
}

// Drain returns all staged packets in FIFO order and clears the buffer.
func (b *PacketBuffer) Drain() [][]byte {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.count == 0 {
		return nil
	}
	packets := make([][]byte, b.count)
	for i := 0; i < b.count; i++ {
		idx := (b.head + i) % len(b.data)
		packets[i] = b.data[idx]
		b.data[idx] = nil
	}
	b.head = 0
	b.tail = 0
	b.count = 0
	b.storeOccupancyLocked()
	return packets
}

func (b *PacketBuffer) Len() int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

func (b *PacketBuffer) storeOccupancyLocked() {
	if b.metrics == nil {
		return
	}
	b.metrics.Store(inboundOccupancyMetricKey, uint64(b.count))
}
