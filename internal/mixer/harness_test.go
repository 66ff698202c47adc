package mixer

import (
	"context"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/google/uuid"

	"avatar-mixer/server/internal/avatar"
	"avatar-mixer/server/internal/directory"
	"avatar-mixer/server/logging"
	"avatar-mixer/server/logging/sinks"
)

type constRandom float64

func (r constRandom) Float64() float64 { return float64(r) }

type codecCall struct {
	snapshot *avatar.Snapshot
	req      avatar.EncodeRequest
}

// fakeCodec produces self-delimiting payloads: the first two bytes hold the
// payload length.
type fakeCodec struct {
	mu      sync.Mutex
	minimum int
	size    func(s *avatar.Snapshot, req avatar.EncodeRequest) int
	delay   time.Duration
	panicOn *avatar.Snapshot
	calls   []codecCall
}

func newFakeCodec() *fakeCodec {
	return &fakeCodec{
		minimum: 40,
		size: func(_ *avatar.Snapshot, req avatar.EncodeRequest) int {
			n := map[avatar.Detail]int{avatar.DetailMinimum: 40, avatar.DetailReduced: 80, avatar.DetailFull: 120}[req.Detail]
			if req.DropFaceTracking && req.Detail != avatar.DetailMinimum {
				n -= 20
			}
			return n
		},
	}
}

func (c *fakeCodec) Encode(s *avatar.Snapshot, req avatar.EncodeRequest) (avatar.Encoded, error) {
	c.mu.Lock()
	c.calls = append(c.calls, codecCall{snapshot: s, req: req})
	panicOn := c.panicOn
	c.mu.Unlock()
	if c.delay > 0 {
		time.Sleep(c.delay)
	}
	if s == panicOn {
		panic("codec exploded")
	}
	if req.Detail == avatar.DetailNone {
		return avatar.Encoded{Detail: avatar.DetailNone}, nil
	}
	n := c.size(s, req)
	data := make([]byte, n)
	binary.BigEndian.PutUint16(data, uint16(n))
	out := avatar.Encoded{Detail: req.Detail, Data: data}
	if req.DropFaceTracking {
		out.Flags |= avatar.FlagFaceDropped
	}
	if req.Detail != avatar.DetailMinimum {
		out.Joints = s.Joints
	}
	return out, nil
}

func (c *fakeCodec) MinimumSize() int { return c.minimum }

func (c *fakeCodec) callsFor(s *avatar.Snapshot) []avatar.EncodeRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []avatar.EncodeRequest
	for _, call := range c.calls {
		if call.snapshot == s {
			out = append(out, call.req)
		}
	}
	return out
}

type notice struct {
	receiver uuid.UUID
	source   uuid.UUID
}

type fakeSender struct {
	mu         sync.Mutex
	packets    map[uuid.UUID][][][]byte
	identities map[uuid.UUID][]IdentityRecord
	notices    []notice
}

func newFakeSender() *fakeSender {
	return &fakeSender{
		packets:    make(map[uuid.UUID][][][]byte),
		identities: make(map[uuid.UUID][]IdentityRecord),
	}
}

func (s *fakeSender) SendPacketList(receiver uuid.UUID, packets [][]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.packets[receiver] = append(s.packets[receiver], packets)
}

func (s *fakeSender) SendIdentity(receiver uuid.UUID, record IdentityRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identities[receiver] = append(s.identities[receiver], record)
}

func (s *fakeSender) SendBubbleNotice(receiver, source uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notices = append(s.notices, notice{receiver: receiver, source: source})
}

// lastList returns the packet list sent to receiver in the latest round.
func (s *fakeSender) lastList(receiver uuid.UUID) [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	lists := s.packets[receiver]
	if len(lists) == 0 {
		return nil
	}
	return lists[len(lists)-1]
}

func (s *fakeSender) listCount(receiver uuid.UUID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.packets[receiver])
}

func (s *fakeSender) identityCount(receiver uuid.UUID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.identities[receiver])
}

type parsedRecord struct {
	source  uuid.UUID
	detail  avatar.Detail
	flags   uint8
	payload int
}

func parseRecords(t *testing.T, packets [][]byte) []parsedRecord {
	t.Helper()
	var out []parsedRecord
	for _, p := range packets {
		for len(p) > 0 {
			if len(p) < EnvelopeSize {
				t.Fatalf("truncated envelope: %d bytes left", len(p))
			}
			var rec parsedRecord
			copy(rec.source[:], p[:IDSize])
			rec.detail = avatar.Detail(p[IDSize])
			rec.flags = p[IDSize+1]
			p = p[EnvelopeSize:]
			if rec.detail != avatar.DetailNone {
				rec.payload = int(binary.BigEndian.Uint16(p))
				p = p[rec.payload:]
			}
			out = append(out, rec)
		}
	}
	return out
}

type harness struct {
	t      *testing.T
	dir    *directory.Directory
	codec  *fakeCodec
	sender *fakeSender
	events *sinks.MemorySink
	b      *Broadcaster
	now    time.Time
	tick   uint64
}

func testSettings() Settings {
	s := DefaultSettings()
	s.Workers = 4
	s.RoundBudgetRatio = 1000
	return s
}

func newHarness(t *testing.T, settings Settings, random Random) *harness {
	t.Helper()
	h := &harness{
		t:      t,
		dir:    directory.New(directory.Config{}),
		codec:  newFakeCodec(),
		sender: newFakeSender(),
		events: sinks.NewMemorySink(),
		now:    time.Unix(1_000, 0),
	}
	b, err := NewBroadcaster(Config{
		Settings:  settings,
		Directory: h.dir,
		Codec:     h.codec,
		Sender:    h.sender,
		Publisher: h.events,
		Clock:     logging.ClockFunc(func() time.Time { return h.now }),
		NewRandom: func(int64) Random { return random },
	})
	if err != nil {
		t.Fatalf("failed to construct broadcaster: %v", err)
	}
	h.b = b
	return h
}

func (h *harness) join(position mgl64.Vec3) *directory.Participant {
	h.t.Helper()
	p, err := h.dir.Join(uuid.New())
	if err != nil {
		h.t.Fatalf("join failed: %v", err)
	}
	h.update(p, 1, position)
	return p
}

func (h *harness) update(p *directory.Participant, seq uint64, position mgl64.Vec3) {
	p.ApplyUpdate(avatar.Update{
		Sequence:       seq,
		Position:       position,
		Orientation:    mgl64.QuatIdent(),
		BoundingCorner: position.Sub(mgl64.Vec3{0.25, 0.9, 0.25}),
	}, h.now)
}

func (h *harness) advance(p *directory.Participant) {
	s := p.Snapshot()
	h.update(p, s.Sequence+1, s.Position)
}

func (h *harness) round() RoundStats {
	h.tick++
	stats := h.b.Broadcast(context.Background(), h.tick)
	h.now = h.now.Add(h.b.Settings().TickInterval())
	return stats
}

func (h *harness) record(receiver, source *directory.Participant) *directory.TransmissionRecord {
	rec, ok := receiver.Transmission().Lookup(source.ID())
	if !ok {
		h.t.Fatalf("expected transmission record for %s", source.ID())
	}
	return rec
}
