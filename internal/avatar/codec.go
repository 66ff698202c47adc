package avatar

import (
	"fmt"
	"math"

	"github.com/fxamacker/cbor/v2"
	"github.com/go-gl/mathgl/mgl64"
)

// Detail is how much of an avatar a record carries.
type Detail uint8

const (
	DetailNone Detail = iota
	DetailMinimum
	DetailReduced
	DetailFull
)

func (d Detail) String() string {
	switch d {
	case DetailNone:
		return "none"
	case DetailMinimum:
		return "minimum"
	case DetailReduced:
		return "reduced"
	case DetailFull:
		return "full"
	default:
		return fmt.Sprintf("detail(%d)", uint8(d))
	}
}

// Record flags travel next to the detail byte.
const (
	FlagFaceDropped uint8 = 1 << iota
)

// EncodeRequest selects what the codec should put in a record.
type EncodeRequest struct {
	Detail           Detail
	DropFaceTracking bool
	// ViewerPosition scales the reduced-detail joint culling: distant
	// viewers tolerate larger unsent changes.
	ViewerPosition mgl64.Vec3
	// LastSentJoints is what the receiver already has for this avatar.
	LastSentJoints []Joint
}

// Encoded is one record body. Joints is the pose the receiver holds once
// the record arrives, or nil when the record carries no joints.
type Encoded struct {
	Detail Detail
	Flags  uint8
	Data   []byte
	Joints []Joint
}

// Codec turns a snapshot into record bytes. The mixer only looks at the
// length of Data.
type Codec interface {
	Encode(s *Snapshot, req EncodeRequest) (Encoded, error)
	// MinimumSize is a lower bound on the length of any non-empty record.
	MinimumSize() int
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	opts := cbor.CoreDetEncOptions()
	// fixed width floats keep record sizes predictable
	opts.ShortestFloat = cbor.ShortestFloatNone
	encMode, err = opts.EncMode()
	if err != nil {
		panic("avatar: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{MaxArrayElements: 4096}.DecMode()
	if err != nil {
		panic("avatar: CBOR decoder initialization failed: " + err.Error())
	}
}

type wireMinimum struct {
	_           struct{} `cbor:",toarray"`
	Sequence    uint64
	Position    [3]float32
	Orientation [4]float32
	HalfExtent  [3]float32
}

type wireJoint struct {
	_           struct{} `cbor:",toarray"`
	Index       uint16
	Rotation    [4]float32
	Translation [3]float32
}

type wireBody struct {
	_       struct{} `cbor:",toarray"`
	Minimum wireMinimum
	Joints  []wireJoint
	Face    []float32
}

// CBORCodec writes records as compact CBOR arrays.
type CBORCodec struct {
	// RotationThreshold is the minimum 1-|dot| change for a joint rotation
	// to be resent at reduced detail, at one meter.
	RotationThreshold float64
	// TranslationThreshold is the minimum translation change in meters.
	TranslationThreshold float64
	// DistanceScale grows both thresholds per meter of viewer distance.
	DistanceScale float64

	minimumSize int
}

func NewCBORCodec() *CBORCodec {
	c := &CBORCodec{
		RotationThreshold:    1e-4,
		TranslationThreshold: 1e-3,
		DistanceScale:        0.1,
	}
	data, err := encMode.Marshal(wireMinimum{})
	if err != nil {
		panic("avatar: minimum record size: " + err.Error())
	}
	c.minimumSize = len(data)
	return c
}

func (c *CBORCodec) MinimumSize() int {
	return c.minimumSize
}

func (c *CBORCodec) Encode(s *Snapshot, req EncodeRequest) (Encoded, error) {
	if s == nil {
		return Encoded{}, ErrNoSnapshot
	}
	out := Encoded{Detail: req.Detail}
	var (
		payload any
		err     error
	)
	switch req.Detail {
	case DetailNone:
		return out, nil
	case DetailMinimum:
		payload = minimumOf(s)
	case DetailReduced, DetailFull:
		body := wireBody{Minimum: minimumOf(s)}
		if req.Detail == DetailFull {
			body.Joints = allJoints(s.Joints)
			out.Joints = s.Joints
		} else {
			body.Joints, out.Joints = c.changedJoints(s, req)
		}
		if req.DropFaceTracking {
			out.Flags |= FlagFaceDropped
		} else {
			body.Face = s.Face
		}
		payload = body
	default:
		return Encoded{}, fmt.Errorf("encode avatar record: unknown detail %d", req.Detail)
	}
	out.Data, err = encMode.Marshal(payload)
	if err != nil {
		return Encoded{}, fmt.Errorf("encode avatar record: %w", err)
	}
	return out, nil
}

func (c *CBORCodec) changedJoints(s *Snapshot, req EncodeRequest) ([]wireJoint, []Joint) {
	adjust := 1 + s.Position.Sub(req.ViewerPosition).Len()*c.DistanceScale
	rotLimit := c.RotationThreshold * adjust
	transLimit := c.TranslationThreshold * adjust

	merged := make([]Joint, len(s.Joints))
	var sent []wireJoint
	for i, joint := range s.Joints {
		if i < len(req.LastSentJoints) {
			last := req.LastSentJoints[i]
			rotDelta := 1 - math.Abs(joint.Rotation.Dot(last.Rotation))
			transDelta := joint.Translation.Sub(last.Translation).Len()
			if rotDelta <= rotLimit && transDelta <= transLimit {
				merged[i] = last
				continue
			}
		}
		merged[i] = joint
		sent = append(sent, toWireJoint(i, joint))
	}
	return sent, merged
}

func minimumOf(s *Snapshot) wireMinimum {
	h := s.HalfExtent()
	q := s.Orientation
	return wireMinimum{
		Sequence:    s.Sequence,
		Position:    vec32(s.Position),
		Orientation: [4]float32{float32(q.W), float32(q.V[0]), float32(q.V[1]), float32(q.V[2])},
		HalfExtent:  vec32(h),
	}
}

func allJoints(joints []Joint) []wireJoint {
	out := make([]wireJoint, len(joints))
	for i, joint := range joints {
		out[i] = toWireJoint(i, joint)
	}
	return out
}

func toWireJoint(index int, joint Joint) wireJoint {
	q := joint.Rotation
	return wireJoint{
		Index:       uint16(index),
		Rotation:    [4]float32{float32(q.W), float32(q.V[0]), float32(q.V[1]), float32(q.V[2])},
		Translation: vec32(joint.Translation),
	}
}

func vec32(v mgl64.Vec3) [3]float32 {
	return [3]float32{float32(v[0]), float32(v[1]), float32(v[2])}
}
