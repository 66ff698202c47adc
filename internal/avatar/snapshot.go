// Package avatar holds the avatar state a participant publishes, its
// identity metadata, and the record codec the mixer sends to receivers.
package avatar

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/zeebo/blake3"

	"avatar-mixer/server/internal/geom"
)

// ErrNoSnapshot is returned when an operation needs avatar state that has
// not been received yet.
var ErrNoSnapshot = errors.New("avatar: no snapshot")

// Joint is the local pose of one skeleton joint.
type Joint struct {
	Rotation    mgl64.Quat `cbor:"1,keyasint"`
	Translation mgl64.Vec3 `cbor:"2,keyasint"`
}

// Snapshot is the immutable avatar state of one participant at one frame.
// A new value replaces the old one wholesale.
type Snapshot struct {
	Sequence       uint64
	Position       mgl64.Vec3
	Orientation    mgl64.Quat
	BoundingCorner mgl64.Vec3
	Joints         []Joint
	Face           []float32

	Identity          Identity
	IdentityPayload   []byte
	IdentityDigest    [32]byte
	IdentityChangedAt time.Time

	ReceivedAt time.Time
}

// HalfExtent is the distance from the bounding corner to the position.
func (s *Snapshot) HalfExtent() mgl64.Vec3 {
	return s.Position.Sub(s.BoundingCorner)
}

// MaxHalfExtent is the largest absolute half extent.
func (s *Snapshot) MaxHalfExtent() float64 {
	h := s.HalfExtent()
	return geom.MaxComponent(mgl64.Vec3{math.Abs(h[0]), math.Abs(h[1]), math.Abs(h[2])})
}

// Bubble returns the personal-space box of the avatar.
func (s *Snapshot) Bubble(minSize mgl64.Vec3, scale float64) geom.AABox {
	return geom.BubbleBox(s.Position, s.BoundingCorner, minSize, scale)
}

// HasMeaningfulIdentity reports whether there is identity worth sending.
func (s *Snapshot) HasMeaningfulIdentity() bool {
	return s != nil && s.Identity.Meaningful()
}

// WithIdentity returns a copy of s carrying id. IdentityChangedAt moves to
// now only when the identity content differs.
func (s *Snapshot) WithIdentity(id Identity, now time.Time) (*Snapshot, error) {
	payload, err := EncodeIdentity(id)
	if err != nil {
		return nil, err
	}
	digest := blake3.Sum256(payload)
	next := &Snapshot{}
	if s != nil {
		*next = *s
	}
	if s == nil || digest != s.IdentityDigest {
		next.Identity = id
		next.IdentityPayload = payload
		next.IdentityDigest = digest
		next.IdentityChangedAt = now
	}
	return next, nil
}

// Update is the avatar data message a client sends every frame.
type Update struct {
	Sequence       uint64     `cbor:"1,keyasint"`
	Position       mgl64.Vec3 `cbor:"2,keyasint"`
	Orientation    mgl64.Quat `cbor:"3,keyasint"`
	BoundingCorner mgl64.Vec3 `cbor:"4,keyasint"`
	Joints         []Joint    `cbor:"5,keyasint,omitempty"`
	Face           []float32  `cbor:"6,keyasint,omitempty"`
}

// DecodeUpdate parses a CBOR avatar update.
func DecodeUpdate(data []byte) (Update, error) {
	var u Update
	if err := decMode.Unmarshal(data, &u); err != nil {
		return Update{}, fmt.Errorf("decode avatar update: %w", err)
	}
	if !finiteVec(u.Position) || !finiteVec(u.BoundingCorner) {
		return Update{}, fmt.Errorf("decode avatar update: non-finite position")
	}
	return u, nil
}

// EncodeUpdate is the client side of DecodeUpdate.
func EncodeUpdate(u Update) ([]byte, error) {
	return encMode.Marshal(u)
}

// Apply builds the snapshot that follows prev. It returns false when the
// update is not newer than prev and prev should be kept. Identity carries
// over from prev.
func (u Update) Apply(prev *Snapshot, now time.Time) (*Snapshot, bool) {
	if prev != nil && u.Sequence <= prev.Sequence {
		return prev, false
	}
	next := &Snapshot{
		Sequence:       u.Sequence,
		Position:       u.Position,
		Orientation:    u.Orientation,
		BoundingCorner: u.BoundingCorner,
		Joints:         u.Joints,
		Face:           u.Face,
		ReceivedAt:     now,
	}
	if prev != nil {
		next.Identity = prev.Identity
		next.IdentityPayload = prev.IdentityPayload
		next.IdentityDigest = prev.IdentityDigest
		next.IdentityChangedAt = prev.IdentityChangedAt
	}
	return next, true
}

func finiteVec(v mgl64.Vec3) bool {
	for _, c := range v {
		if math.IsNaN(c) || math.IsInf(c, 0) {
			return false
		}
	}
	return true
}
