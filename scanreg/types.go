package scanreg

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/spatial/r3"
)

// Vec is a 3D point or direction.
type Vec = r3.Vec

// Box is an axis-aligned bounding volume.
type Box = r3.Box

// Transform is a 4x4 homogeneous matrix stored row-major.
// Points are column vectors: p' = M * p.
type Transform [16]float64

// Identity returns an identity matrix (no transformation)
func Identity() Transform {
	return Transform{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	}
}

// At returns the element at row r, column c.
func (m Transform) At(r, c int) float64 {
	return m[r*4+c]
}

// TranslationPart returns the translation column.
func (m Transform) TranslationPart() Vec {
	return Vec{X: m[3], Y: m[7], Z: m[11]}
}

func (m Transform) String() string {
	var sb strings.Builder
	for r := 0; r < 4; r++ {
		if r > 0 {
			sb.WriteString("; ")
		}
		fmt.Fprintf(&sb, "%.4g %.4g %.4g %.4g", m[r*4], m[r*4+1], m[r*4+2], m[r*4+3])
	}
	return sb.String()
}

// Grade is the human-assigned quality of a pair, independent of its error numbers.
type Grade int32

const (
	GradeUnknown Grade = iota
	GradePoor
	GradeFair
	GradeGood
)

// Grades lists every grade in display order.
var Grades = []Grade{GradeUnknown, GradePoor, GradeFair, GradeGood}

func (g Grade) String() string {
	switch g {
	case GradePoor:
		return "poor"
	case GradeFair:
		return "fair"
	case GradeGood:
		return "good"
	default:
		return "unknown"
	}
}

// ParseGrade converts a grade name back to a Grade. Unrecognized names map to GradeUnknown.
func ParseGrade(s string) Grade {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "poor":
		return GradePoor
	case "fair":
		return GradeFair
	case "good":
		return GradeGood
	default:
		return GradeUnknown
	}
}

// NoError marks an error statistic that could not be computed (e.g. no normals).
const NoError = -1.0

// ErrorStats holds the fit errors of a pair.
// PointRMS and PlaneRMS are fixed when the pair is created; the Global* values are
// computed against the scans' current poses and refreshed on demand.
type ErrorStats struct {
	PointRMS  float64 `json:"pointRms"`
	PlaneRMS  float64 `json:"planeRms"`
	GlobalMax float64 `json:"globalMax"`
	GlobalAvg float64 `json:"globalAvg"`
	GlobalRMS float64 `json:"globalRms"`
}

// HasPlaneRMS reports whether the point-to-plane error was computed.
func (e ErrorStats) HasPlaneRMS() bool {
	return e.PlaneRMS >= 0
}

// RawPoint is one sample in the legacy raw-instrument encoding.
type RawPoint struct {
	Config int32
	Y      int16
	Z      int16
	Nod    float32
	Turn   float32
	TrH    float32
}

// PairRecord is the stored relationship between two distinct scans.
//
// PointsA are in A's local frame, PointsB in B's local frame, index-paired.
// Relative maps B-local points onto A-local points: Relative * PointsB[i] ~ PointsA[i].
type PairRecord struct {
	ID       uuid.UUID
	A        Scan
	B        Scan
	PointsA  []Vec
	PointsB  []Vec
	RawA     []RawPoint // raw-instrument samples backing PointsA, nil for generic points
	RawB     []RawPoint
	Relative Transform
	Errors   ErrorStats
	Manual   bool
	Grade    Grade
	Modified time.Time
}

// Involves reports whether s is one of the pair's scans.
func (p *PairRecord) Involves(s Scan) bool {
	return p.A == s || p.B == s
}

// Partner returns the other scan of the pair.
func (p *PairRecord) Partner(s Scan) Scan {
	if p.A == s {
		return p.B
	}
	return p.A
}

// Sides returns (own, partner) local points as seen from s.
// When s is role B the sequences are swapped so callers always get s's own side first.
func (p *PairRecord) Sides(s Scan) (own, partner []Vec) {
	if p.A == s {
		return p.PointsA, p.PointsB
	}
	return p.PointsB, p.PointsA
}

// Len returns the number of correspondences.
func (p *PairRecord) Len() int {
	return len(p.PointsA)
}

func (p *PairRecord) String() string {
	kind := "auto"
	if p.Manual {
		kind = "manual"
	}
	return fmt.Sprintf("%s^^^%s (%s, %d pts, grade=%s, rms=%.4g)",
		p.A.Name(), p.B.Name(), kind, p.Len(), p.Grade, p.Errors.PointRMS)
}
