package scanreg

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAlignGroup_ThreeScans(t *testing.T) {
	st := NewStore(nil)
	a, b, c := newTestScan("a"), newTestScan("b"), newTestScan("c")
	pts := gridPoints(4, 1)

	relAB := MultiplyMatrices(Translation(2, 0.5, 0), RotationDeg(Vec{Z: 1}, 15))
	relBC := MultiplyMatrices(Translation(-1, 3, 0.2), RotationDeg(Vec{X: 1, Z: 1}, -10))
	relAC := MultiplyMatrices(relAB, relBC)
	linkScans(t, st, a, b, pts, relAB, AddOptions{})
	linkScans(t, st, b, c, pts, relBC, AddOptions{})
	linkScans(t, st, a, c, pts, relAC, AddOptions{})

	b.SetPose(Translation(0.3, -0.2, 0.1))
	c.SetPose(RotationDeg(Vec{Z: 1}, 5))

	al := NewAligner(st, DefaultAlignConfig())
	res, err := al.AlignGroup(context.Background(), []Scan{c, a, b})
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b", "c"}, res.Scans)
	assert.Equal(t, []string{"a"}, res.Seeds)
	assert.Equal(t, []string{"b", "c"}, res.Activated)
	assert.False(t, res.Cancelled)
	assert.Greater(t, res.InitialRMS, 0.1)
	assert.Less(t, res.FinalRMS, 1e-6)

	assertTransformNear(t, relAB, relativePose(a, b), 1e-3)
	assertTransformNear(t, relAC, relativePose(a, c), 1e-3)
	assert.Empty(t, st.Dirty())
}

func TestAlignGroup_UnevenChain(t *testing.T) {
	st := NewStore(nil)
	a, b, c := newTestScan("a"), newTestScan("b"), newTestScan("c")
	ptsAB := gridPoints(5, 1)      // 50 points
	ptsBC := gridPoints(4, 1)[:30] // 30 points

	relAB := MultiplyMatrices(Translation(4, 1, 0), RotationDeg(Vec{Z: 1}, 30))
	relBC := MultiplyMatrices(Translation(0, 3, -0.5), RotationDeg(Vec{Y: 1, Z: 1}, -8))
	linkScans(t, st, a, b, ptsAB, relAB, AddOptions{})
	linkScans(t, st, b, c, ptsBC, relBC, AddOptions{})
	require.Equal(t, 50, len(ptsAB))
	require.Equal(t, 30, len(ptsBC))

	al := NewAligner(st, DefaultAlignConfig())
	res, err := al.AlignGroup(context.Background(), []Scan{a, b, c})
	require.NoError(t, err)

	assert.Equal(t, []string{"b"}, res.Seeds)
	assert.ElementsMatch(t, []string{"a", "c"}, res.Activated)
	assert.Less(t, res.FinalRMS, 1e-6)
	assertTransformNear(t, MultiplyMatrices(relAB, relBC), relativePose(a, c), 1e-3)
}

// chainStore links s0..s(n-1) in a line, each one unit further along X.
func chainStore(t *testing.T, n int) (*Store, []*MemScan) {
	t.Helper()
	st := NewStore(nil)
	scans := make([]*MemScan, n)
	for i := range scans {
		scans[i] = newTestScan(fmt.Sprintf("s%d", i))
	}
	pts := gridPoints(3, 1)
	for i := 0; i+1 < n; i++ {
		linkScans(t, st, scans[i], scans[i+1], pts, Translation(1, 0, 0), AddOptions{})
	}
	return st, scans
}

func TestAlignGroup_CancelledMidway(t *testing.T) {
	st, scans := chainStore(t, 10)
	group := make([]Scan, len(scans))
	for i, s := range scans {
		group[i] = s
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	al := NewAligner(st, DefaultAlignConfig())
	activations := 0
	al.OnScanActivated = func(Scan) {
		activations++
		if activations == 3 {
			cancel()
		}
	}

	res, err := al.AlignGroup(ctx, group)
	require.NoError(t, err)

	assert.True(t, res.Cancelled)
	assert.Equal(t, []string{"s1"}, res.Seeds)
	assert.Equal(t, []string{"s0", "s2", "s3"}, res.Activated)
	assert.Equal(t, Identity(), res.Drift)
	for _, s := range scans[4:] {
		assert.Equal(t, Identity(), s.Pose(), "%s should not move", s.Name())
	}
	assert.Len(t, st.Dirty(), 10, "cancelled group keeps its dirty flags")
}

func TestAlignGroup_Chain(t *testing.T) {
	st, scans := chainStore(t, 5)
	al := NewAligner(st, DefaultAlignConfig())

	results, err := al.AlignAll(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Len(t, results[0].Activated, 4)

	for i := 0; i+1 < len(scans); i++ {
		assertTransformNear(t, Translation(1, 0, 0), relativePose(scans[i], scans[i+1]), 1e-6)
	}
}

func TestAlignGroup_Errors(t *testing.T) {
	st := NewStore(nil)
	a, b, c, d := newTestScan("a"), newTestScan("b"), newTestScan("c"), newTestScan("d")
	pts := gridPoints(2, 1)
	linkScans(t, st, a, b, pts, Identity(), AddOptions{})
	linkScans(t, st, c, d, pts, Identity(), AddOptions{})
	al := NewAligner(st, DefaultAlignConfig())

	_, err := al.AlignGroup(context.Background(), []Scan{a})
	assert.True(t, errors.Is(err, ErrGroupTooSmall), "got %v", err)

	_, err = al.AlignGroup(context.Background(), []Scan{a, b, c, d})
	assert.True(t, errors.Is(err, ErrGroupDisconnected), "got %v", err)

	unpaired := newTestScan("e")
	_, err = al.AlignGroup(context.Background(), []Scan{a, unpaired})
	assert.True(t, errors.Is(err, ErrGroupDisconnected), "got %v", err)
}

func TestAlignGroup_DirtyScansJoinCleanOnes(t *testing.T) {
	st := NewStore(nil)
	a, b, c, d := newTestScan("a"), newTestScan("b"), newTestScan("c"), newTestScan("d")
	pts := gridPoints(3, 1)
	linkScans(t, st, a, b, pts, Translation(1, 0, 0), AddOptions{})
	linkScans(t, st, b, c, pts, Translation(1, 0, 0), AddOptions{})
	b.SetPose(Translation(1, 0, 0))
	c.SetPose(Translation(2, 0, 0))
	st.ClearDirty()

	linkScans(t, st, c, d, pts, Translation(0, 1, 0), AddOptions{})
	require.Equal(t, []Scan{c, d}, st.Dirty())

	al := NewAligner(st, DefaultAlignConfig())
	res, err := al.AlignGroup(context.Background(), []Scan{a, b, c, d})
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b"}, res.Seeds)
	assert.Equal(t, []string{"c", "d"}, res.Activated)
	assertTransformNear(t, Translation(1, 0, 0), relativePose(a, b), 1e-6)
	assertTransformNear(t, Translation(0, 1, 0), relativePose(c, d), 1e-6)
	assert.Empty(t, st.Dirty())
}

func TestAlignAll_StopsAtCancelledGroup(t *testing.T) {
	st := NewStore(nil)
	a, b, c, d := newTestScan("a"), newTestScan("b"), newTestScan("c"), newTestScan("d")
	pts := gridPoints(2, 1)
	linkScans(t, st, a, b, pts, Translation(1, 0, 0), AddOptions{})
	linkScans(t, st, c, d, pts, Translation(0, 1, 0), AddOptions{})

	al := NewAligner(st, DefaultAlignConfig())
	results, err := al.AlignAll(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, []string{"a", "b"}, results[0].Scans)
	assert.Equal(t, []string{"c", "d"}, results[1].Scans)

	st.MarkDirty(a, b, c, d)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	results, err = al.AlignAll(ctx)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Cancelled)
}
