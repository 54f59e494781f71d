// Package ms2 implements the minimal 2-D vector/box math the tile package
// needs to describe proxy-polygon geometry: a render pass's NDC quad and
// the texture-space rectangle it samples.
package ms2

import (
	math "github.com/chewxy/math32"
)

// Vec is a 2-D vector: an NDC position (x,y in [-1,1]) or a texture
// coordinate (u,v in [0,1]) depending on which Box field it sits in.
type Vec struct {
	X, Y float32
}

// Add returns the vector sum of p and q.
func Add(p, q Vec) Vec {
	return Vec{X: p.X + q.X, Y: p.Y + q.Y}
}

// Sub returns the vector sum of p and -q.
func Sub(p, q Vec) Vec {
	return Vec{X: p.X - q.X, Y: p.Y - q.Y}
}

// Scale returns the vector p scaled by f.
func Scale(f float32, p Vec) Vec {
	return Vec{X: f * p.X, Y: f * p.Y}
}

// MinElem returns a vector with the minimum components of two vectors.
func MinElem(a, b Vec) Vec {
	return Vec{X: math.Min(a.X, b.X), Y: math.Min(a.Y, b.Y)}
}

// MaxElem returns a vector with the maximum components of two vectors.
func MaxElem(a, b Vec) Vec {
	return Vec{X: math.Max(a.X, b.X), Y: math.Max(a.Y, b.Y)}
}

// AbsElem returns the vector with components set to their absolute value.
func AbsElem(a Vec) Vec {
	return Vec{X: math.Abs(a.X), Y: math.Abs(a.Y)}
}

// MulElem returns the Hadamard product between vectors a and b.
func MulElem(a, b Vec) Vec {
	return Vec{X: a.X * b.X, Y: a.Y * b.Y}
}

// EqualElem checks equality between vector elements to within a tolerance.
func EqualElem(a, b Vec, tol float32) bool {
	return math.Abs(a.X-b.X) <= tol && math.Abs(a.Y-b.Y) <= tol
}
