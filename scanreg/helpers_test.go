package scanreg

import (
	"math"
	"testing"
)

var unitBox = Box{Max: Vec{X: 10, Y: 10, Z: 10}}

// gridPoints returns an n x n x 2 grid with a slight shear so the set is not planar.
func gridPoints(n int, spacing float64) []Vec {
	pts := make([]Vec, 0, n*n*2)
	for x := 0; x < n; x++ {
		for y := 0; y < n; y++ {
			for z := 0; z < 2; z++ {
				pts = append(pts, Vec{
					X: float64(x) * spacing,
					Y: float64(y) * spacing,
					Z: float64(z)*spacing + 0.1*float64(x),
				})
			}
		}
	}
	return pts
}

func newTestScan(name string) *MemScan {
	return NewMemScan(name, unitBox)
}

// linkScans adds a pair whose B points are A's points seen through relBA^-1,
// so that rel maps B-local onto A-local exactly.
func linkScans(t *testing.T, st *Store, a, b Scan, ptsA []Vec, rel Transform, opts AddOptions) *PairRecord {
	t.Helper()
	ptsB := TransformPoints(ptsA, InvertRigid(rel))
	rec := st.AddPair(a, b, ptsA, ptsB, rel, opts)
	if rec == nil {
		t.Fatalf("AddPair %s-%s refused", a.Name(), b.Name())
	}
	return rec
}

func transformNear(a, b Transform, tol float64) bool {
	for i := range a {
		if math.Abs(a[i]-b[i]) > tol {
			return false
		}
	}
	return true
}

func assertTransformNear(t *testing.T, want, got Transform, tol float64) {
	t.Helper()
	if !transformNear(want, got, tol) {
		t.Errorf("transform mismatch (tol %g)\nwant: %v\ngot:  %v", tol, want, got)
	}
}

// relativePose returns the transform mapping b-local onto a-local under current poses.
func relativePose(a, b Scan) Transform {
	return MultiplyMatrices(InvertRigid(a.Pose()), b.Pose())
}

// fakePersister records persistence calls.
type fakePersister struct {
	saved   []string
	deleted []string
	autoDel []bool
}

func (f *fakePersister) SavePair(rec *PairRecord) error {
	f.saved = append(f.saved, PairFileName(rec.A.Name(), rec.B.Name()))
	return nil
}

func (f *fakePersister) DeletePairFiles(a, b Scan, autoOnly bool) error {
	f.deleted = append(f.deleted, PairFileName(a.Name(), b.Name()))
	f.autoDel = append(f.autoDel, autoOnly)
	return nil
}
