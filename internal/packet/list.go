// Package packet splits a receiver's records into transport packets without
// splitting any record across two packets.
package packet

import "errors"

var (
	// ErrSegmentTooLarge is returned when a single segment cannot fit in an
	// empty packet. The segment is discarded.
	ErrSegmentTooLarge = errors.New("packet: segment larger than packet payload")
	// ErrNoSegment is returned by EndSegment without a matching StartSegment.
	ErrNoSegment = errors.New("packet: no open segment")
)

// List accumulates bytes into packets of at most MaxPayload bytes. Bytes
// written between StartSegment and EndSegment always land in one packet.
type List struct {
	maxPayload int
	packets    [][]byte
	current    []byte
	segStart   int
	inSegment  bool
	failed     bool
	total      int
}

func NewList(maxPayload int) *List {
	return &List{maxPayload: maxPayload, segStart: -1}
}

func (l *List) MaxPayload() int {
	return l.maxPayload
}

// StartSegment opens a segment. An open segment is closed first.
func (l *List) StartSegment() {
	if l.inSegment {
		_ = l.EndSegment()
	}
	l.inSegment = true
	l.failed = false
	l.segStart = len(l.current)
}

// Write appends p to the open segment, or as a segment of its own when none
// is open. When the packet fills up the segment moves to a fresh packet.
func (l *List) Write(p []byte) (int, error) {
	if !l.inSegment {
		l.StartSegment()
		n, err := l.Write(p)
		if endErr := l.EndSegment(); err == nil {
			err = endErr
		}
		return n, err
	}
	if l.failed {
		return 0, ErrSegmentTooLarge
	}
	if len(l.current)+len(p) > l.maxPayload {
		segment := l.current[l.segStart:]
		if len(segment)+len(p) > l.maxPayload {
			l.AbortSegment()
			l.inSegment = true
			l.failed = true
			return 0, ErrSegmentTooLarge
		}
		if l.segStart > 0 {
			moved := append(make([]byte, 0, l.maxPayload), segment...)
			l.current = l.current[:l.segStart]
			l.flush()
			l.current = moved
			l.segStart = 0
		}
	}
	if l.current == nil {
		l.current = make([]byte, 0, l.maxPayload)
	}
	l.current = append(l.current, p...)
	return len(p), nil
}

// EndSegment commits the open segment.
func (l *List) EndSegment() error {
	if !l.inSegment {
		return ErrNoSegment
	}
	failed := l.failed
	if !failed {
		l.total += len(l.current) - l.segStart
	}
	l.inSegment = false
	l.failed = false
	l.segStart = -1
	if failed {
		return ErrSegmentTooLarge
	}
	return nil
}

// AbortSegment discards everything written since StartSegment.
func (l *List) AbortSegment() {
	if !l.inSegment {
		return
	}
	l.current = l.current[:l.segStart]
	l.inSegment = false
	l.failed = false
	l.segStart = -1
}

// CloseCurrentPacket ends the packet being filled. An empty packet is only
// kept when sendEvenIfEmpty is set.
func (l *List) CloseCurrentPacket(sendEvenIfEmpty bool) {
	if l.inSegment {
		_ = l.EndSegment()
	}
	if len(l.current) == 0 {
		if sendEvenIfEmpty {
			l.packets = append(l.packets, []byte{})
		}
		l.current = nil
		return
	}
	l.flush()
}

func (l *List) flush() {
	l.packets = append(l.packets, l.current)
	l.current = nil
}

// Packets returns the closed packets.
func (l *List) Packets() [][]byte {
	return l.packets
}

func (l *List) PacketCount() int {
	return len(l.packets)
}

// Size is the number of committed segment bytes.
func (l *List) Size() int {
	return l.total
}

// Reset empties the list for reuse.
func (l *List) Reset() {
	l.packets = nil
	l.current = nil
	l.segStart = -1
	l.inSegment = false
	l.failed = false
	l.total = 0
}
