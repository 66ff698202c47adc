package geom

import (
	"math"
	"testing"

	"github.com/go-gl/mathgl/mgl64"
)

var defaultMinBubble = mgl64.Vec3{0.3, 1.3, 0.3}

func TestBubbleBoxFloorsAndScales(t *testing.T) {
	box := BubbleBox(mgl64.Vec3{0, 1, 0}, mgl64.Vec3{-0.05, 0.9, -0.05}, defaultMinBubble, 4)

	want := mgl64.Vec3{1.2, 5.2, 1.2}
	if !box.Scale.ApproxEqual(want) {
		t.Fatalf("expected scale %v, got %v", want, box.Scale)
	}
	if !box.Center().ApproxEqual(mgl64.Vec3{0, 1, 0}) {
		t.Fatalf("expected box to stay centered on avatar, got %v", box.Center())
	}
}

func TestBubbleBoxKeepsLargeExtents(t *testing.T) {
	box := BubbleBox(mgl64.Vec3{0, 0, 0}, mgl64.Vec3{-1, -1, -1}, defaultMinBubble, 1)
	if !box.Scale.ApproxEqual(mgl64.Vec3{2, 2, 2}) {
		t.Fatalf("expected untouched 2x2x2 box, got %v", box.Scale)
	}
}

func TestTouches(t *testing.T) {
	a := NewAABox(mgl64.Vec3{0, 0, 0}, mgl64.Vec3{1, 1, 1})
	cases := []struct {
		name  string
		other AABox
		want  bool
	}{
		{"overlap", NewAABox(mgl64.Vec3{0.5, 0.5, 0.5}, mgl64.Vec3{1, 1, 1}), true},
		{"shared face", NewAABox(mgl64.Vec3{1, 0, 0}, mgl64.Vec3{1, 1, 1}), true},
		{"apart on x", NewAABox(mgl64.Vec3{1.01, 0, 0}, mgl64.Vec3{1, 1, 1}), false},
		{"apart on y", NewAABox(mgl64.Vec3{0, -2, 0}, mgl64.Vec3{1, 1, 1}), false},
	}
	for _, tc := range cases {
		if got := a.Touches(tc.other); got != tc.want {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, got)
		}
		if got := tc.other.Touches(a); got != tc.want {
			t.Fatalf("%s: expected symmetric result %v, got %v", tc.name, tc.want, got)
		}
	}
}

func TestEmbiggenStaysCentered(t *testing.T) {
	box := NewAABox(mgl64.Vec3{1, 1, 1}, mgl64.Vec3{2, 4, 2})
	box.Embiggen(2)
	if !box.Center().ApproxEqual(mgl64.Vec3{2, 3, 2}) {
		t.Fatalf("expected center preserved, got %v", box.Center())
	}
	if !box.Scale.ApproxEqual(mgl64.Vec3{4, 8, 4}) {
		t.Fatalf("expected doubled scale, got %v", box.Scale)
	}
}

func TestFrustumSphere(t *testing.T) {
	f := NewFrustum(FrustumState{
		FieldOfView: math.Pi / 2,
		AspectRatio: 1,
		NearClip:    0.1,
		FarClip:     100,
	})

	if !f.Forward().ApproxEqual(mgl64.Vec3{0, 0, -1}) {
		t.Fatalf("expected -Z forward, got %v", f.Forward())
	}
	cases := []struct {
		name   string
		center mgl64.Vec3
		radius float64
		want   bool
	}{
		{"ahead", mgl64.Vec3{0, 0, -10}, 0.5, true},
		{"behind", mgl64.Vec3{0, 0, 10}, 0.5, false},
		{"far right", mgl64.Vec3{50, 0, -10}, 0.5, false},
		{"straddles right plane", mgl64.Vec3{10.3, 0, -10}, 0.5, true},
		{"beyond far", mgl64.Vec3{0, 0, -200}, 1, false},
		{"above", mgl64.Vec3{0, 30, -10}, 1, false},
	}
	for _, tc := range cases {
		if got := f.SphereIntersects(tc.center, tc.radius); got != tc.want {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, got)
		}
	}
}

func TestFrustumRotated(t *testing.T) {
	// Looking down +X.
	f := NewFrustum(FrustumState{
		Orientation: mgl64.QuatRotate(-math.Pi/2, mgl64.Vec3{0, 1, 0}),
		FieldOfView: math.Pi / 3,
		AspectRatio: 1.5,
		NearClip:    0.1,
		FarClip:     50,
	})
	if !f.Forward().ApproxEqualThreshold(mgl64.Vec3{1, 0, 0}, 1e-9) {
		t.Fatalf("expected +X forward, got %v", f.Forward())
	}
	if !f.SphereIntersects(mgl64.Vec3{10, 0, 0}, 0.5) {
		t.Fatalf("expected sphere ahead to intersect")
	}
	if f.SphereIntersects(mgl64.Vec3{-10, 0, 0}, 0.5) {
		t.Fatalf("expected sphere behind to miss")
	}
	if !f.BoxIntersects(NewAABox(mgl64.Vec3{9, -1, -1}, mgl64.Vec3{2, 2, 2})) {
		t.Fatalf("expected box ahead to intersect")
	}
}
