package avatar

import (
	"errors"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl64"
)

func testSnapshot(joints int) *Snapshot {
	s := &Snapshot{
		Sequence:       12,
		Position:       mgl64.Vec3{1, 0, -3},
		Orientation:    mgl64.QuatIdent(),
		BoundingCorner: mgl64.Vec3{0.7, -1, -3.3},
		Face:           make([]float32, 52),
	}
	for i := 0; i < joints; i++ {
		s.Joints = append(s.Joints, Joint{Rotation: mgl64.QuatIdent(), Translation: mgl64.Vec3{0, float64(i) * 0.1, 0}})
	}
	return s
}

func TestCodecDetailSizes(t *testing.T) {
	codec := NewCBORCodec()
	s := testSnapshot(20)

	none, err := codec.Encode(s, EncodeRequest{Detail: DetailNone})
	if err != nil || len(none.Data) != 0 {
		t.Fatalf("expected empty none record, got %d bytes err=%v", len(none.Data), err)
	}
	minimum, err := codec.Encode(s, EncodeRequest{Detail: DetailMinimum})
	if err != nil {
		t.Fatalf("minimum encode failed: %v", err)
	}
	full, err := codec.Encode(s, EncodeRequest{Detail: DetailFull})
	if err != nil {
		t.Fatalf("full encode failed: %v", err)
	}
	faceless, err := codec.Encode(s, EncodeRequest{Detail: DetailFull, DropFaceTracking: true})
	if err != nil {
		t.Fatalf("faceless encode failed: %v", err)
	}

	if len(minimum.Data) < codec.MinimumSize() {
		t.Fatalf("expected minimum record >= %d bytes, got %d", codec.MinimumSize(), len(minimum.Data))
	}
	if len(full.Data) <= len(faceless.Data) {
		t.Fatalf("expected dropping face data to shrink the record: %d vs %d", len(full.Data), len(faceless.Data))
	}
	if len(faceless.Data) <= len(minimum.Data) {
		t.Fatalf("expected full record larger than minimum: %d vs %d", len(faceless.Data), len(minimum.Data))
	}
	if faceless.Flags&FlagFaceDropped == 0 {
		t.Fatalf("expected face dropped flag")
	}
	if len(full.Joints) != 20 {
		t.Fatalf("expected full record to report 20 joints, got %d", len(full.Joints))
	}
	if minimum.Joints != nil {
		t.Fatalf("expected minimum record to carry no joints")
	}
}

func TestCodecReducedCullsUnchangedJoints(t *testing.T) {
	codec := NewCBORCodec()
	s := testSnapshot(10)
	base := append([]Joint(nil), s.Joints...)

	unchanged, err := codec.Encode(s, EncodeRequest{Detail: DetailReduced, LastSentJoints: base, DropFaceTracking: true})
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	moved := testSnapshot(10)
	moved.Joints[3].Translation = mgl64.Vec3{0, 5, 0}
	changed, err := codec.Encode(moved, EncodeRequest{Detail: DetailReduced, LastSentJoints: base, DropFaceTracking: true})
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if len(changed.Data) <= len(unchanged.Data) {
		t.Fatalf("expected the moved joint to be sent: %d vs %d", len(changed.Data), len(unchanged.Data))
	}
	if changed.Joints[3] != moved.Joints[3] {
		t.Fatalf("expected merged pose to hold the new joint")
	}

	first, err := codec.Encode(s, EncodeRequest{Detail: DetailReduced, DropFaceTracking: true})
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if len(first.Data) <= len(unchanged.Data) {
		t.Fatalf("expected every joint sent without a base")
	}
}

func TestCodecRejectsMissingSnapshot(t *testing.T) {
	_, err := NewCBORCodec().Encode(nil, EncodeRequest{Detail: DetailFull})
	if !errors.Is(err, ErrNoSnapshot) {
		t.Fatalf("expected ErrNoSnapshot, got %v", err)
	}
}

func TestUpdateApplyRequiresNewerSequence(t *testing.T) {
	now := time.Unix(100, 0)
	prev, _ := Update{Sequence: 5}.Apply(nil, now)
	prev, err := prev.WithIdentity(Identity{DisplayName: "ada"}, now)
	if err != nil {
		t.Fatalf("identity failed: %v", err)
	}

	same, advanced := Update{Sequence: 5}.Apply(prev, now.Add(time.Second))
	if advanced || same != prev {
		t.Fatalf("expected equal sequence to keep the previous snapshot")
	}
	next, advanced := Update{Sequence: 6, Position: mgl64.Vec3{1, 2, 3}}.Apply(prev, now.Add(time.Second))
	if !advanced {
		t.Fatalf("expected newer sequence to advance")
	}
	if next.Identity.DisplayName != "ada" || !next.IdentityChangedAt.Equal(now) {
		t.Fatalf("expected identity to carry over, got %+v", next.Identity)
	}
}

func TestUpdateWireRoundTrip(t *testing.T) {
	in := Update{Sequence: 9, Position: mgl64.Vec3{1, 2, 3}, Orientation: mgl64.QuatIdent(), Face: []float32{0.5}}
	data, err := EncodeUpdate(in)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	out, err := DecodeUpdate(data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if out.Sequence != 9 || out.Position != in.Position || len(out.Face) != 1 {
		t.Fatalf("unexpected decoded update %+v", out)
	}
	if _, err := DecodeUpdate([]byte{0xff, 0x00}); err == nil {
		t.Fatalf("expected garbage to be rejected")
	}
}

func TestWithIdentityTracksChanges(t *testing.T) {
	t0 := time.Unix(10, 0)
	t1 := time.Unix(20, 0)
	s, err := (*Snapshot)(nil).WithIdentity(Identity{DisplayName: "ada", SkeletonModelURL: "https://models/a.fst"}, t0)
	if err != nil {
		t.Fatalf("identity failed: %v", err)
	}
	same, err := s.WithIdentity(Identity{DisplayName: "ada", SkeletonModelURL: "https://models/a.fst"}, t1)
	if err != nil {
		t.Fatalf("identity failed: %v", err)
	}
	if !same.IdentityChangedAt.Equal(t0) {
		t.Fatalf("expected unchanged identity to keep timestamp, got %v", same.IdentityChangedAt)
	}
	renamed, err := s.WithIdentity(Identity{DisplayName: "grace"}, t1)
	if err != nil {
		t.Fatalf("identity failed: %v", err)
	}
	if !renamed.IdentityChangedAt.Equal(t1) {
		t.Fatalf("expected changed identity to move timestamp")
	}

	data, err := EncodeIdentity(renamed.Identity)
	if err != nil {
		t.Fatalf("encode identity failed: %v", err)
	}
	decoded, err := DecodeIdentity(data)
	if err != nil || decoded.DisplayName != "grace" {
		t.Fatalf("expected decoded identity, got %+v err=%v", decoded, err)
	}
	if (Identity{}).Meaningful() {
		t.Fatalf("expected empty identity to be meaningless")
	}
}

func TestMaxHalfExtentUsesAbsoluteValues(t *testing.T) {
	s := &Snapshot{Position: mgl64.Vec3{0, 0, 0}, BoundingCorner: mgl64.Vec3{0.2, 1.5, -0.1}}
	if got := s.MaxHalfExtent(); got != 1.5 {
		t.Fatalf("expected 1.5, got %v", got)
	}
}
