package scanreg

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Pair file versions. Each version is a superset of the previous one;
// Version2 and Version3 share a layout.
const (
	Version1 = 1
	Version2 = 2
	Version3 = 3
	Version4 = 4

	CurrentVersion = Version4
)

const (
	subMagicPoints = "gpd1"
	subMagicRaw    = "cpd1"

	// maxBlockCount bounds the point count read from a file.
	maxBlockCount = 1 << 26

	// readChunk is how many points readBlock reads at a time. Memory grows with the
	// data actually present, not with the count in the header.
	readChunk = 4096
)

var (
	ErrBadMagic    = errors.New("bad pair file magic")
	ErrBadSubMagic = errors.New("bad point block magic")
	ErrBadCount    = errors.New("bad point count")
	ErrSideLength  = errors.New("point blocks differ in length")
)

var byteOrder = binary.BigEndian

// PairFile is the decoded content of one pair file. Side A is the scan whose name sorts
// first; the file itself does not carry scan names.
type PairFile struct {
	Version  int
	PointsA  []Vec
	PointsB  []Vec
	RawA     []RawPoint // nil unless the side was stored raw
	RawB     []RawPoint
	Relative Transform // maps B-local points onto A-local points
	PointRMS float64
	PlaneRMS float64 // NoError when absent
	Grade    Grade   // Version4 only
	Manual   bool    // Version4 only
}

// EncodeOptions selects the on-disk layout.
type EncodeOptions struct {
	// Version is 1..4; zero means CurrentVersion.
	Version int
	// Raw stores sides that carry raw-instrument samples as cpd1 blocks.
	Raw bool
}

func versionTag(v int) (string, error) {
	if v < Version1 || v > Version4 {
		return "", fmt.Errorf("unsupported pair file version %d", v)
	}
	return fmt.Sprintf("GR%02d", v), nil
}

func parseVersionTag(tag string) (int, error) {
	switch tag {
	case "GR01":
		return Version1, nil
	case "GR02":
		return Version2, nil
	case "GR03":
		return Version3, nil
	case "GR04":
		return Version4, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrBadMagic, tag)
}

// CanonicalFile converts rec to file form with its sides in canonical name order.
// When B's name sorts first the sides are swapped and the relative transform inverted.
func CanonicalFile(rec *PairRecord) *PairFile {
	f := &PairFile{
		Version:  CurrentVersion,
		PointsA:  rec.PointsA,
		PointsB:  rec.PointsB,
		RawA:     rec.RawA,
		RawB:     rec.RawB,
		Relative: rec.Relative,
		PointRMS: rec.Errors.PointRMS,
		PlaneRMS: rec.Errors.PlaneRMS,
		Grade:    rec.Grade,
		Manual:   rec.Manual,
	}
	if rec.B.Name() < rec.A.Name() {
		f.PointsA, f.PointsB = rec.PointsB, rec.PointsA
		f.RawA, f.RawB = rec.RawB, rec.RawA
		f.Relative = InvertMatrix(rec.Relative)
	}
	return f
}

// EncodePair writes rec in canonical role order.
func EncodePair(w io.Writer, rec *PairRecord, opts EncodeOptions) error {
	return WritePairFile(w, CanonicalFile(rec), opts)
}

// WritePairFile writes f as-is.
func WritePairFile(w io.Writer, f *PairFile, opts EncodeOptions) error {
	version := opts.Version
	if version == 0 {
		version = CurrentVersion
	}
	tag, err := versionTag(version)
	if err != nil {
		return err
	}
	if len(f.PointsA) != len(f.PointsB) {
		return fmt.Errorf("encoding pair: %w (%d vs %d)", ErrSideLength, len(f.PointsA), len(f.PointsB))
	}

	if _, err := io.WriteString(w, tag); err != nil {
		return fmt.Errorf("writing magic: %w", err)
	}
	sides := []struct {
		points []Vec
		raw    []RawPoint
	}{{f.PointsA, f.RawA}, {f.PointsB, f.RawB}}
	for i, side := range sides {
		raw := opts.Raw && side.raw != nil && len(side.raw) == len(side.points)
		if err := writeBlock(w, version, side.points, side.raw, raw); err != nil {
			return fmt.Errorf("writing block %d: %w", i, err)
		}
	}

	var m [16]float32
	for i, v := range f.Relative {
		m[i] = float32(v)
	}
	if err := binary.Write(w, byteOrder, m); err != nil {
		return fmt.Errorf("writing transform: %w", err)
	}
	errs := [2]float32{float32(f.PointRMS), float32(f.PlaneRMS)}
	if err := binary.Write(w, byteOrder, errs); err != nil {
		return fmt.Errorf("writing errors: %w", err)
	}

	if version >= Version4 {
		var manual uint8
		if f.Manual {
			manual = 1
		}
		if err := binary.Write(w, byteOrder, int32(f.Grade)); err != nil {
			return fmt.Errorf("writing grade: %w", err)
		}
		if err := binary.Write(w, byteOrder, manual); err != nil {
			return fmt.Errorf("writing manual flag: %w", err)
		}
	}
	return nil
}

func writeBlock(w io.Writer, version int, points []Vec, raw []RawPoint, asRaw bool) error {
	magic := subMagicPoints
	if asRaw {
		magic = subMagicRaw
	}
	if _, err := io.WriteString(w, magic); err != nil {
		return err
	}
	if version == Version1 {
		// Version 1 carried an unused float before the count.
		if err := binary.Write(w, byteOrder, float32(0)); err != nil {
			return err
		}
	}
	if err := binary.Write(w, byteOrder, int32(len(points))); err != nil {
		return err
	}
	if asRaw {
		return binary.Write(w, byteOrder, raw)
	}
	flat := make([]float32, 0, 3*len(points))
	for _, p := range points {
		flat = append(flat, float32(p.X), float32(p.Y), float32(p.Z))
	}
	return binary.Write(w, byteOrder, flat)
}

// DecodePair reads one pair file of any version. Raw-instrument blocks are turned into
// points with dec; a nil dec uses DefaultInstrumentDecoder.
func DecodePair(r io.Reader, dec InstrumentDecoder) (*PairFile, error) {
	if dec == nil {
		dec = DefaultInstrumentDecoder{}
	}

	var tag [4]byte
	if _, err := io.ReadFull(r, tag[:]); err != nil {
		return nil, fmt.Errorf("reading magic: %w", err)
	}
	version, err := parseVersionTag(string(tag[:]))
	if err != nil {
		return nil, err
	}
	f := &PairFile{Version: version}

	if f.PointsA, f.RawA, err = readBlock(r, version, dec); err != nil {
		return nil, fmt.Errorf("reading block A: %w", err)
	}
	if f.PointsB, f.RawB, err = readBlock(r, version, dec); err != nil {
		return nil, fmt.Errorf("reading block B: %w", err)
	}
	if len(f.PointsA) != len(f.PointsB) {
		return nil, fmt.Errorf("%w (%d vs %d)", ErrSideLength, len(f.PointsA), len(f.PointsB))
	}

	var m [16]float32
	if err := binary.Read(r, byteOrder, &m); err != nil {
		return nil, fmt.Errorf("reading transform: %w", err)
	}
	for i, v := range m {
		f.Relative[i] = float64(v)
	}

	var errs [2]float32
	if err := binary.Read(r, byteOrder, &errs); err != nil {
		return nil, fmt.Errorf("reading errors: %w", err)
	}
	f.PointRMS = float64(errs[0])
	f.PlaneRMS = float64(errs[1])
	if f.PlaneRMS < 0 {
		f.PlaneRMS = NoError
	}

	if version >= Version4 {
		var grade int32
		var manual uint8
		if err := binary.Read(r, byteOrder, &grade); err != nil {
			return nil, fmt.Errorf("reading grade: %w", err)
		}
		if err := binary.Read(r, byteOrder, &manual); err != nil {
			return nil, fmt.Errorf("reading manual flag: %w", err)
		}
		f.Grade = Grade(grade)
		f.Manual = manual != 0
	}
	return f, nil
}

func readBlock(r io.Reader, version int, dec InstrumentDecoder) ([]Vec, []RawPoint, error) {
	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return nil, nil, err
	}
	kind := string(magic[:])
	if kind != subMagicPoints && kind != subMagicRaw {
		return nil, nil, fmt.Errorf("%w: %q", ErrBadSubMagic, kind)
	}
	if version == Version1 {
		var ignored float32
		if err := binary.Read(r, byteOrder, &ignored); err != nil {
			return nil, nil, err
		}
	}
	var count int32
	if err := binary.Read(r, byteOrder, &count); err != nil {
		return nil, nil, err
	}
	if count < 0 || count > maxBlockCount {
		return nil, nil, fmt.Errorf("%w: %d", ErrBadCount, count)
	}

	n := int(count)
	points := make([]Vec, 0, min(n, readChunk))
	var raw []RawPoint
	if kind == subMagicRaw {
		raw = make([]RawPoint, 0, min(n, readChunk))
	}
	for len(points) < n {
		step := min(n-len(points), readChunk)
		if kind == subMagicRaw {
			buf := make([]RawPoint, step)
			if err := binary.Read(r, byteOrder, buf); err != nil {
				return nil, nil, err
			}
			raw = append(raw, buf...)
			for _, p := range buf {
				points = append(points, dec.Decode(p))
			}
			continue
		}
		flat := make([]float32, 3*step)
		if err := binary.Read(r, byteOrder, flat); err != nil {
			return nil, nil, err
		}
		for i := 0; i < step; i++ {
			points = append(points, Vec{X: float64(flat[3*i]), Y: float64(flat[3*i+1]), Z: float64(flat[3*i+2])})
		}
	}
	return points, raw, nil
}
