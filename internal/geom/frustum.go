package geom

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"
)

// FrustumState is the view a client reports for itself.
type FrustumState struct {
	Position     mgl64.Vec3 `cbor:"1,keyasint" json:"position"`
	Orientation  mgl64.Quat `cbor:"2,keyasint" json:"orientation"`
	FieldOfView  float64    `cbor:"3,keyasint" json:"fieldOfView"` // vertical, radians
	AspectRatio  float64    `cbor:"4,keyasint" json:"aspectRatio"`
	NearClip     float64    `cbor:"5,keyasint" json:"nearClip"`
	FarClip      float64    `cbor:"6,keyasint" json:"farClip"`
	CenterRadius float64    `cbor:"7,keyasint" json:"centerRadius"`
}

// Frustum is a FrustumState with its side planes precomputed.
type Frustum struct {
	state   FrustumState
	inverse mgl64.Quat
	// outward normals of the four side planes in view space
	sides [4]mgl64.Vec3
}

// NewFrustum prepares state for intersection tests. A zero orientation is
// treated as identity.
func NewFrustum(state FrustumState) *Frustum {
	orientation := state.Orientation
	if orientation.Len() == 0 {
		orientation = mgl64.QuatIdent()
	} else {
		orientation = orientation.Normalize()
	}
	state.Orientation = orientation
	if state.AspectRatio <= 0 {
		state.AspectRatio = 1
	}
	halfY := state.FieldOfView / 2
	halfX := math.Atan(math.Tan(halfY) * state.AspectRatio)
	cx, sx := math.Cos(halfX), math.Sin(halfX)
	cy, sy := math.Cos(halfY), math.Sin(halfY)
	return &Frustum{
		state:   state,
		inverse: orientation.Conjugate(),
		sides: [4]mgl64.Vec3{
			{cx, 0, sx},
			{-cx, 0, sx},
			{0, cy, sy},
			{0, -cy, sy},
		},
	}
}

func (f *Frustum) State() FrustumState {
	return f.state
}

func (f *Frustum) Position() mgl64.Vec3 {
	return f.state.Position
}

func (f *Frustum) CenterRadius() float64 {
	return f.state.CenterRadius
}

// Forward is the unit view direction in world space.
func (f *Frustum) Forward() mgl64.Vec3 {
	return f.state.Orientation.Rotate(mgl64.Vec3{0, 0, -1})
}

// SphereIntersects reports whether any part of the sphere lies inside the
// frustum volume.
func (f *Frustum) SphereIntersects(center mgl64.Vec3, radius float64) bool {
	local := f.inverse.Rotate(center.Sub(f.state.Position))
	depth := -local.Z()
	if f.state.NearClip-depth > radius {
		return false
	}
	if f.state.FarClip > 0 && depth-f.state.FarClip > radius {
		return false
	}
	for _, normal := range f.sides {
		if normal.Dot(local) > radius {
			return false
		}
	}
	return true
}

// BoxIntersects tests the bounding sphere of box.
func (f *Frustum) BoxIntersects(box AABox) bool {
	return f.SphereIntersects(box.Center(), box.Scale.Len()/2)
}
