package scanreg

import (
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

// TransformPoint applies a transform to a point
func TransformPoint(p Vec, m Transform) Vec {
	return Vec{
		X: m[0]*p.X + m[1]*p.Y + m[2]*p.Z + m[3],
		Y: m[4]*p.X + m[5]*p.Y + m[6]*p.Z + m[7],
		Z: m[8]*p.X + m[9]*p.Y + m[10]*p.Z + m[11],
	}
}

// TransformPoints applies a transform to multiple points
func TransformPoints(points []Vec, m Transform) []Vec {
	result := make([]Vec, len(points))
	for i, p := range points {
		result[i] = TransformPoint(p, m)
	}
	return result
}

// TransformDirection applies only the linear part of a transform (normals, axes).
func TransformDirection(d Vec, m Transform) Vec {
	return Vec{
		X: m[0]*d.X + m[1]*d.Y + m[2]*d.Z,
		Y: m[4]*d.X + m[5]*d.Y + m[6]*d.Z,
		Z: m[8]*d.X + m[9]*d.Y + m[10]*d.Z,
	}
}

// MultiplyMatrices composes two transforms: result = m1 * m2
// Applying result is equivalent to applying m2 first, then m1
func MultiplyMatrices(m1, m2 Transform) Transform {
	var out Transform
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			var sum float64
			for k := 0; k < 4; k++ {
				sum += m1[r*4+k] * m2[k*4+c]
			}
			out[r*4+c] = sum
		}
	}
	return out
}

// InvertMatrix computes the inverse of a transform
// Returns identity if matrix is singular
func InvertMatrix(m Transform) Transform {
	a := mat.NewDense(4, 4, m[:])
	var inv mat.Dense
	if err := inv.Inverse(a); err != nil {
		return Identity()
	}
	var out Transform
	copy(out[:], inv.RawMatrix().Data)
	return out
}

// InvertRigid inverts a rotation+translation without a general solve.
func InvertRigid(m Transform) Transform {
	out := Transform{
		m[0], m[4], m[8], 0,
		m[1], m[5], m[9], 0,
		m[2], m[6], m[10], 0,
		0, 0, 0, 1,
	}
	t := TransformDirection(m.TranslationPart(), out)
	out[3], out[7], out[11] = -t.X, -t.Y, -t.Z
	return out
}

// Translation creates a translation-only transform
func Translation(tx, ty, tz float64) Transform {
	m := Identity()
	m[3], m[7], m[11] = tx, ty, tz
	return m
}

// RotationAxisAngle creates a rotation around an axis through the origin (angle in radians).
func RotationAxisAngle(axis Vec, angle float64) Transform {
	n := r3.Norm(axis)
	if n < 1e-12 {
		return Identity()
	}
	u := r3.Scale(1/n, axis)
	c, s := math.Cos(angle), math.Sin(angle)
	t := 1 - c
	return Transform{
		t*u.X*u.X + c, t*u.X*u.Y - s*u.Z, t*u.X*u.Z + s*u.Y, 0,
		t*u.X*u.Y + s*u.Z, t*u.Y*u.Y + c, t*u.Y*u.Z - s*u.X, 0,
		t*u.X*u.Z - s*u.Y, t*u.Y*u.Z + s*u.X, t*u.Z*u.Z + c, 0,
		0, 0, 0, 1,
	}
}

// RotationDeg creates a rotation around an axis (angle in degrees)
func RotationDeg(axis Vec, degrees float64) Transform {
	return RotationAxisAngle(axis, degrees*math.Pi/180.0)
}

// RotationAngle returns the magnitude of the rotation part in radians.
func RotationAngle(m Transform) float64 {
	c := (m[0] + m[5] + m[10] - 1) / 2
	c = math.Max(-1, math.Min(1, c))
	return math.Acos(c)
}

// Distance calculates Euclidean distance between two points
func Distance(p1, p2 Vec) float64 {
	return r3.Norm(r3.Sub(p2, p1))
}

// Centroid calculates the center of mass of a set of points
func Centroid(points []Vec) Vec {
	if len(points) == 0 {
		return Vec{}
	}
	var sum Vec
	for _, p := range points {
		sum = r3.Add(sum, p)
	}
	return r3.Scale(1/float64(len(points)), sum)
}

// TransformBox returns the axis-aligned box enclosing the 8 transformed corners of b.
func TransformBox(b Box, m Transform) Box {
	corners := [8]Vec{
		{X: b.Min.X, Y: b.Min.Y, Z: b.Min.Z},
		{X: b.Max.X, Y: b.Min.Y, Z: b.Min.Z},
		{X: b.Min.X, Y: b.Max.Y, Z: b.Min.Z},
		{X: b.Max.X, Y: b.Max.Y, Z: b.Min.Z},
		{X: b.Min.X, Y: b.Min.Y, Z: b.Max.Z},
		{X: b.Max.X, Y: b.Min.Y, Z: b.Max.Z},
		{X: b.Min.X, Y: b.Max.Y, Z: b.Max.Z},
		{X: b.Max.X, Y: b.Max.Y, Z: b.Max.Z},
	}
	first := TransformPoint(corners[0], m)
	out := Box{Min: first, Max: first}
	for _, c := range corners[1:] {
		out = extendBox(out, TransformPoint(c, m))
	}
	return out
}

// UnionBoxes returns the smallest box containing every input box.
func UnionBoxes(boxes ...Box) Box {
	if len(boxes) == 0 {
		return Box{}
	}
	out := boxes[0]
	for _, b := range boxes[1:] {
		out = extendBox(out, b.Min)
		out = extendBox(out, b.Max)
	}
	return out
}

func extendBox(b Box, p Vec) Box {
	b.Min = Vec{X: math.Min(b.Min.X, p.X), Y: math.Min(b.Min.Y, p.Y), Z: math.Min(b.Min.Z, p.Z)}
	b.Max = Vec{X: math.Max(b.Max.X, p.X), Y: math.Max(b.Max.Y, p.Y), Z: math.Max(b.Max.Z, p.Z)}
	return b
}

// BoundsOf returns the bounding box of a point set.
func BoundsOf(points []Vec) Box {
	if len(points) == 0 {
		return Box{}
	}
	out := Box{Min: points[0], Max: points[0]}
	for _, p := range points[1:] {
		out = extendBox(out, p)
	}
	return out
}
