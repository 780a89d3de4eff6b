package scanreg

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/spatial/r3"
	"gonum.org/v1/gonum/stat"
)

// pointRMS is the RMS distance between A points and the B points mapped by rel.
func pointRMS(ptsA, ptsB []Vec, rel Transform) float64 {
	if len(ptsA) == 0 {
		return 0
	}
	return math.Sqrt(SumSquaredDistance(ptsB, ptsA, rel) / float64(len(ptsA)))
}

// planeRMS is the RMS of the residuals projected on A's normals.
func planeRMS(ptsA, ptsB, normalsA []Vec, rel Transform) float64 {
	if len(ptsA) == 0 {
		return NoError
	}
	sum := 0.0
	for i := range ptsA {
		n := normalsA[i]
		if l := r3.Norm(n); l > 0 {
			n = r3.Scale(1/l, n)
		}
		d := r3.Dot(r3.Sub(TransformPoint(ptsB[i], rel), ptsA[i]), n)
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(ptsA)))
}

// computeGlobalErrors measures the pair against the scans' current poses.
func computeGlobalErrors(rec *PairRecord) {
	n := rec.Len()
	if n == 0 {
		rec.Errors.GlobalMax, rec.Errors.GlobalAvg, rec.Errors.GlobalRMS = 0, 0, 0
		return
	}
	poseA, poseB := rec.A.Pose(), rec.B.Pose()
	dists := make([]float64, n)
	sumSq := 0.0
	for i := range rec.PointsA {
		d := Distance(TransformPoint(rec.PointsA[i], poseA), TransformPoint(rec.PointsB[i], poseB))
		dists[i] = d
		sumSq += d * d
	}
	rec.Errors.GlobalMax = floats.Max(dists)
	rec.Errors.GlobalAvg = stat.Mean(dists, nil)
	rec.Errors.GlobalRMS = math.Sqrt(sumSq / float64(n))
}

// RecomputeErrors refreshes the global errors of pairs touching any of scans,
// or of every pair when no scan is given.
func (st *Store) RecomputeErrors(scans ...Scan) {
	if len(scans) == 0 {
		for _, rec := range st.records {
			computeGlobalErrors(rec)
		}
		return
	}
	seen := make(map[*PairRecord]bool)
	for _, s := range scans {
		for _, rec := range st.PairsFor(s) {
			if !seen[rec] {
				seen[rec] = true
				computeGlobalErrors(rec)
			}
		}
	}
}

// PairError returns the errors and grade of the pair between a and b.
func (st *Store) PairError(a, b Scan) (ErrorStats, Grade, bool) {
	rec, ok := st.PairBetween(a, b)
	if !ok {
		return ErrorStats{}, GradeUnknown, false
	}
	computeGlobalErrors(rec)
	return rec.Errors, rec.Grade, true
}

// SetGrade changes a pair's quality grade. It reports whether the pair exists.
func (st *Store) SetGrade(a, b Scan, g Grade) bool {
	rec, ok := st.PairBetween(a, b)
	if !ok {
		return false
	}
	rec.Grade = g
	return true
}

// Summary aggregates pair statistics.
type Summary struct {
	Pairs  int           `json:"pairs"`
	Manual int           `json:"manual"`
	Auto   int           `json:"auto"`
	Grades map[Grade]int `json:"-"`
	// Min/Avg/Max of the pairs' global RMS error.
	MinError float64 `json:"minError"`
	AvgError float64 `json:"avgError"`
	MaxError float64 `json:"maxError"`
}

// GradeCounts returns the grade histogram keyed by grade name.
func (s Summary) GradeCounts() map[string]int {
	out := make(map[string]int, len(Grades))
	for _, g := range Grades {
		out[g.String()] = s.Grades[g]
	}
	return out
}

// Summary aggregates the pairs of scan, or of the whole store when scan is nil.
// Global errors are refreshed against the current poses first.
func (st *Store) Summary(scan Scan) Summary {
	recs := st.Pairs()
	if scan != nil {
		recs = st.PairsFor(scan)
	}

	sum := Summary{Grades: make(map[Grade]int)}
	errs := make([]float64, 0, len(recs))
	for _, rec := range recs {
		computeGlobalErrors(rec)
		sum.Pairs++
		if rec.Manual {
			sum.Manual++
		} else {
			sum.Auto++
		}
		sum.Grades[rec.Grade]++
		errs = append(errs, rec.Errors.GlobalRMS)
	}
	if len(errs) > 0 {
		sum.MinError = floats.Min(errs)
		sum.MaxError = floats.Max(errs)
		sum.AvgError = stat.Mean(errs, nil)
	}
	return sum
}
