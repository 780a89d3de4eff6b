package scanreg

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestWorkspace writes pairs a^^^b (manual) and b^^^c (auto, c offset by one unit in
// X) and returns a workspace configured over them.
func newTestWorkspace(t *testing.T) *Workspace {
	t.Helper()
	dir := t.TempDir()
	cfg := &Config{
		Registration: RegistrationConfig{Dir: dir},
		Scans: []ScanConfig{
			{Name: "a", Bounds: &BoundsConfig{Max: [3]float64{3, 3, 1}}},
			{Name: "b", Bounds: &BoundsConfig{Max: [3]float64{3, 3, 1}}},
			{Name: "c", Bounds: &BoundsConfig{Max: [3]float64{3, 3, 1}}},
		},
	}
	require.NoError(t, cfg.Validate())
	cfg.applyDefaults()

	ps := cfg.PairStore()
	a, b, c := newTestScan("a"), newTestScan("b"), newTestScan("c")
	pts := gridPoints(3, 1)
	writePairs(t, ps, func(st *Store) {
		linkScans(t, st, a, b, pts, Identity(), AddOptions{Persist: true, Manual: true, Grade: GradeGood})
		linkScans(t, st, b, c, pts, Translation(1, 0, 0), AddOptions{Persist: true})
	})

	ws := NewWorkspace(cfg)
	report, err := ws.Import()
	require.NoError(t, err)
	require.Equal(t, 2, report.Loaded)
	return ws
}

func TestWorkspace_Queries(t *testing.T) {
	ws := newTestWorkspace(t)

	assert.Equal(t, [][]string{{"a", "b", "c"}}, ws.Groups())
	assert.Equal(t, []string{"a", "b", "c"}, scanNames(ws.Scans()))

	pairs, err := ws.Pairs("")
	require.NoError(t, err)
	require.Len(t, pairs, 2)
	assert.Equal(t, "a", pairs[0].A)
	assert.Equal(t, "b", pairs[0].B)
	assert.True(t, pairs[0].Manual)
	assert.Equal(t, "good", pairs[0].Grade)
	assert.Equal(t, 18, pairs[0].Points)

	pairs, err = ws.Pairs("c")
	require.NoError(t, err)
	assert.Len(t, pairs, 1)

	_, err = ws.Pairs("zz")
	assert.True(t, errors.Is(err, ErrScanNotFound))

	sum, err := ws.Summary("b")
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Pairs)
	_, err = ws.Summary("zz")
	assert.True(t, errors.Is(err, ErrScanNotFound))
}

func TestWorkspace_AlignAndPoses(t *testing.T) {
	ws := newTestWorkspace(t)
	assert.True(t, ws.LastAlign().IsZero())

	out, err := ws.Align(context.Background(), AlignRequest{})
	require.NoError(t, err)
	require.Len(t, out.Groups, 1)
	assert.Nil(t, out.Single)
	assert.Len(t, out.Poses, 3)
	assert.False(t, ws.LastAlign().IsZero())

	rel := MultiplyMatrices(InvertRigid(out.Poses["b"]), out.Poses["c"])
	assertTransformNear(t, Translation(1, 0, 0), rel, 1e-3)

	cache := ws.CapturePoses()
	path := filepath.Join(t.TempDir(), "poses.json")
	require.NoError(t, SavePoses(path, cache))

	// a fresh workspace over the same files picks the poses back up
	fresh := NewWorkspace(&Config{
		Registration: RegistrationConfig{Dir: ws.PairFiles().Dir},
		Scans:        []ScanConfig{{Name: "a"}, {Name: "b"}, {Name: "c"}},
	})
	loaded, err := LoadPoses(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, fresh.ApplyPoses(loaded))
	_, err = fresh.Import()
	require.NoError(t, err)
	sum, err := fresh.Summary("")
	require.NoError(t, err)
	assert.Less(t, sum.MaxError, 1e-3)
}

func TestWorkspace_AlignSingle(t *testing.T) {
	ws := newTestWorkspace(t)

	out, err := ws.Align(context.Background(), AlignRequest{Scan: "c", Partner: "b"})
	require.NoError(t, err)
	require.NotNil(t, out.Single)
	assert.Equal(t, "c", out.Single.Scan)
	assertTransformNear(t, Translation(1, 0, 0), out.Poses["c"], 1e-3)

	_, err = ws.Align(context.Background(), AlignRequest{Scan: "zz"})
	assert.True(t, errors.Is(err, ErrScanNotFound))
	_, err = ws.Align(context.Background(), AlignRequest{Scan: "a", Partner: "c"})
	assert.True(t, errors.Is(err, ErrNoPair))
}

func TestWorkspace_DeleteAuto(t *testing.T) {
	ws := newTestWorkspace(t)

	_, err := ws.DeleteAuto(0, "zz")
	assert.True(t, errors.Is(err, ErrScanNotFound))

	// imported pairs carry no plane error, so nothing qualifies
	n, err := ws.DeleteAuto(0, "")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestWorkspace_ApplyChanges(t *testing.T) {
	ws := newTestWorkspace(t)
	autoPath := ws.PairFiles().PairPath("b", "c", false)
	require.NoError(t, os.Remove(autoPath))

	ws.ApplyChanges(PairChanges{Removed: []string{autoPath}})
	assert.Equal(t, [][]string{{"a", "b"}}, ws.Groups())
}

func TestWorkspace_Outputs(t *testing.T) {
	ws := newTestWorkspace(t)

	var gj, svg, pngBuf bytes.Buffer
	require.NoError(t, ws.WriteGeoJSON(&gj))
	require.NoError(t, ws.RenderSVG(&svg))
	require.NoError(t, ws.RenderPNG(&pngBuf))
	assert.Contains(t, gj.String(), "FeatureCollection")
	assert.Contains(t, svg.String(), "<svg")
	assert.NotZero(t, pngBuf.Len())
}

func TestWorkspace_PublishPoses(t *testing.T) {
	ws := newTestWorkspace(t)
	mockClient := NewMockClient()
	mockClient.SetConnected(true)

	require.NoError(t, ws.PublishPoses(NewPosePublisher(mockClient, "site")))
	// one message per scan plus the combined message after each
	assert.Len(t, mockClient.GetPublishedMessages(), 6)
}
