package scanreg

import "math"

// InstrumentDecoder turns a raw-instrument sample into a local 3D point.
type InstrumentDecoder interface {
	Decode(p RawPoint) Vec
}

// DefaultInstrumentDecoder models a fixed scanning head: the sensor reports a point
// (0, y, z) in its own plane, the head is tilted by Nod about X, panned by Turn about Z
// and carried TrH along the horizontal track. Angles are radians.
// Config is carried through unchanged; this geometry ignores it.
type DefaultInstrumentDecoder struct {
	// Scale converts sensor units to scan units. Zero means 1.
	Scale float64
}

func (d DefaultInstrumentDecoder) Decode(p RawPoint) Vec {
	scale := d.Scale
	if scale == 0 {
		scale = 1
	}
	y := float64(p.Y) * scale
	z := float64(p.Z) * scale

	sn, cn := math.Sincos(float64(p.Nod))
	// tilt about X
	ty := y*cn - z*sn
	tz := y*sn + z*cn

	st, ct := math.Sincos(float64(p.Turn))
	// pan about Z
	x := -ty * st
	ty = ty * ct

	return Vec{X: x + float64(p.TrH), Y: ty, Z: tz}
}
