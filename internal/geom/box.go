// Package geom holds the box and frustum math used by the mixer's spatial
// tests. Vectors are mgl64 values in world space, Y up, -Z forward.
package geom

import "github.com/go-gl/mathgl/mgl64"

// AABox is an axis-aligned box described by its minimum corner and size.
type AABox struct {
	Corner mgl64.Vec3
	Scale  mgl64.Vec3
}

func NewAABox(corner, scale mgl64.Vec3) AABox {
	return AABox{Corner: corner, Scale: scale}
}

func (b AABox) Center() mgl64.Vec3 {
	return b.Corner.Add(b.Scale.Mul(0.5))
}

func (b AABox) Max() mgl64.Vec3 {
	return b.Corner.Add(b.Scale)
}

// Touches reports whether the closed boxes share at least one point.
func (b AABox) Touches(other AABox) bool {
	bMax := b.Max()
	oMax := other.Max()
	for i := 0; i < 3; i++ {
		if b.Corner[i] > oMax[i] || other.Corner[i] > bMax[i] {
			return false
		}
	}
	return true
}

// SetScaleStayCentered resizes the box without moving its center.
func (b *AABox) SetScaleStayCentered(scale mgl64.Vec3) {
	center := b.Center()
	b.Scale = scale
	b.Corner = center.Sub(scale.Mul(0.5))
}

// Embiggen multiplies every dimension by factor around the center.
func (b *AABox) Embiggen(factor float64) {
	b.SetScaleStayCentered(b.Scale.Mul(factor))
}

// MaxComponent returns the largest of the three components of v.
func MaxComponent(v mgl64.Vec3) float64 {
	m := v[0]
	if v[1] > m {
		m = v[1]
	}
	if v[2] > m {
		m = v[2]
	}
	return m
}

// BubbleBox builds the personal-space box for an avatar at position whose
// bounding box has the given minimum corner. Each extent is raised to at
// least minSize before the box grows by scale around its center.
func BubbleBox(position, corner, minSize mgl64.Vec3, scale float64) AABox {
	box := NewAABox(corner, position.Sub(corner).Mul(2))
	floored := box.Scale
	for i := 0; i < 3; i++ {
		if floored[i] < minSize[i] {
			floored[i] = minSize[i]
		}
	}
	box.SetScaleStayCentered(floored)
	box.Embiggen(scale)
	return box
}
