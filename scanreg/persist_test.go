package scanreg

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPairFileNames(t *testing.T) {
	assert.Equal(t, "a^^^b.gr", PairFileName("b", "a"))
	assert.Equal(t, "a^^^b.gr", PairFileName("a", "b"))

	tests := []struct {
		path   string
		a, b   string
		wantOK bool
	}{
		{"/data/pairs/a^^^b.gr", "a", "b", true},
		{"auto/zed^^^amy.gr", "zed", "amy", true},
		{"a^^^.gr", "", "", false},
		{"ab.gr", "", "", false},
		{"a^^^b.txt", "", "", false},
	}
	for _, tt := range tests {
		a, b, ok := ParsePairFileName(tt.path)
		assert.Equal(t, tt.wantOK, ok, tt.path)
		assert.Equal(t, tt.a, a, tt.path)
		assert.Equal(t, tt.b, b, tt.path)
	}
}

// writePairs persists pairs among scans through a throwaway store.
func writePairs(t *testing.T, ps *PairStore, add func(st *Store)) {
	t.Helper()
	add(NewStore(ps))
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestSavePairAndImportDir(t *testing.T) {
	dir := t.TempDir()
	ps := NewPairStore(dir)
	a, b, c := newTestScan("a"), newTestScan("b"), newTestScan("c")
	pts := gridPoints(2, 1)

	writePairs(t, ps, func(st *Store) {
		linkScans(t, st, a, b, pts, Translation(1, 0, 0), AddOptions{Manual: true, Grade: GradeGood, Persist: true})
		linkScans(t, st, c, b, pts, Translation(0, 1, 0), AddOptions{Persist: true})
	})
	assert.True(t, fileExists(filepath.Join(dir, "a^^^b.gr")))
	assert.True(t, fileExists(filepath.Join(dir, "auto", "b^^^c.gr")))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	st := NewStore(nil)
	reg := NewScanRegistry(false, a, b, c)
	report, err := ps.ImportDir(st, reg)
	require.NoError(t, err)

	assert.Equal(t, 2, report.Loaded)
	assert.Equal(t, 0, report.Failed)
	assert.Equal(t, 1, report.Grades[GradeGood])
	assert.Equal(t, 1, report.Grades[GradeUnknown])

	ab, ok := st.PairBetween(a, b)
	require.True(t, ok)
	assert.True(t, ab.Manual)
	assertTransformNear(t, Translation(1, 0, 0), ab.Relative, 1e-6)

	bc, ok := st.PairBetween(b, c)
	require.True(t, ok)
	assert.False(t, bc.Manual)
	// stored in canonical order: b is side A, c side B
	assert.Equal(t, b, bc.A)
	assertTransformNear(t, Translation(0, -1, 0), bc.Relative, 1e-6)
	assert.False(t, bc.Modified.IsZero())
}

func TestImportDir_ManualReplacesAuto(t *testing.T) {
	dir := t.TempDir()
	ps := NewPairStore(dir)
	a, b := newTestScan("a"), newTestScan("b")
	pts := gridPoints(2, 1)

	writePairs(t, ps, func(st *Store) {
		linkScans(t, st, a, b, pts, Translation(5, 0, 0), AddOptions{Persist: true})
	})
	writePairs(t, ps, func(st *Store) {
		linkScans(t, st, a, b, pts, Translation(1, 0, 0), AddOptions{Persist: true, Manual: true})
	})
	autoPath := ps.PairPath("a", "b", false)
	require.True(t, fileExists(autoPath))

	st := NewStore(ps)
	report, err := ps.ImportDir(st, NewScanRegistry(false, a, b))
	require.NoError(t, err)
	assert.Equal(t, 2, report.Loaded)
	assert.Equal(t, 1, report.Superseded)

	rec, ok := st.PairBetween(a, b)
	require.True(t, ok)
	assert.True(t, rec.Manual)
	assertTransformNear(t, Translation(1, 0, 0), rec.Relative, 1e-6)
	assert.False(t, fileExists(autoPath), "auto file should be removed")
	assert.True(t, fileExists(ps.PairPath("a", "b", true)))
}

func TestImportFile_AutoDoesNotReplaceManual(t *testing.T) {
	dir := t.TempDir()
	ps := NewPairStore(dir)
	a, b := newTestScan("a"), newTestScan("b")
	pts := gridPoints(2, 1)
	writePairs(t, ps, func(st *Store) {
		linkScans(t, st, a, b, pts, Identity(), AddOptions{Persist: true, Manual: true})
	})
	writePairs(t, ps, func(st *Store) {
		linkScans(t, st, a, b, pts, Translation(9, 0, 0), AddOptions{Persist: true})
	})

	st := NewStore(nil)
	reg := NewScanRegistry(false, a, b)
	_, err := ps.ImportFile(st, reg, ps.PairPath("a", "b", true))
	require.NoError(t, err)
	_, err = ps.ImportFile(st, reg, ps.PairPath("a", "b", false))
	assert.True(t, errors.Is(err, ErrManualLoaded), "got %v", err)

	rec, _ := st.PairBetween(a, b)
	assert.True(t, rec.Manual)
	assert.False(t, fileExists(ps.PairPath("a", "b", false)), "auto file should be removed")
	assert.True(t, fileExists(ps.PairPath("a", "b", true)))
}

func TestImportDir_MissingScans(t *testing.T) {
	dir := t.TempDir()
	ps := NewPairStore(dir)
	a, ghost := newTestScan("a"), newTestScan("ghost")
	pts := []Vec{{X: 1, Y: 1, Z: 1}, {X: 4, Y: 2, Z: 3}, {X: 2, Y: 5, Z: 1}}
	writePairs(t, ps, func(st *Store) {
		linkScans(t, st, a, ghost, pts, Identity(), AddOptions{Persist: true, Manual: true})
	})

	t.Run("skipped without proxies", func(t *testing.T) {
		st := NewStore(nil)
		report, err := ps.ImportDir(st, NewScanRegistry(false, newTestScan("a")))
		require.NoError(t, err)
		assert.Equal(t, 1, report.Skipped)
		assert.Equal(t, 0, st.Len())
	})

	t.Run("proxied", func(t *testing.T) {
		st := NewStore(nil)
		reg := NewScanRegistry(true, newTestScan("a"))
		report, err := ps.ImportDir(st, reg)
		require.NoError(t, err)
		assert.Equal(t, 1, report.Loaded)

		s, ok := reg.Lookup("ghost")
		require.True(t, ok)
		proxy, ok := s.(*ProxyScan)
		require.True(t, ok, "expected a proxy scan, got %T", s)
		assert.Equal(t, Identity(), proxy.Pose())
		assert.InDelta(t, 4, proxy.Bounds().Max.X, 1e-6)
		assert.InDelta(t, 5, proxy.Bounds().Max.Y, 1e-6)
		assert.True(t, st.HasScan(proxy))
	})
}

func TestImportDir_BadFiles(t *testing.T) {
	dir := t.TempDir()
	ps := NewPairStore(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "x^^^y.gr"), []byte("garbage"), 0o644))

	st := NewStore(nil)
	report, err := ps.ImportDir(st, NewScanRegistry(true))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.Len(t, report.Errors, 1)
	assert.Equal(t, 0, report.Loaded)

	empty, err := NewPairStore(filepath.Join(dir, "missing")).ImportDir(st, NewScanRegistry(true))
	require.NoError(t, err)
	assert.Equal(t, 0, empty.Loaded)
}

func TestSavePair_Version(t *testing.T) {
	dir := t.TempDir()
	ps := NewPairStore(dir)
	ps.Version = Version2
	a, b := newTestScan("a"), newTestScan("b")
	writePairs(t, ps, func(st *Store) {
		linkScans(t, st, a, b, gridPoints(2, 1), Identity(), AddOptions{Persist: true, Manual: true, Grade: GradeGood})
	})

	data, err := os.ReadFile(ps.PairPath("a", "b", true))
	require.NoError(t, err)
	assert.Equal(t, "GR02", string(data[:4]))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp", "temp file left behind")
	}
}

func TestDeletePairFiles(t *testing.T) {
	dir := t.TempDir()
	ps := NewPairStore(dir)
	a, b := newTestScan("a"), newTestScan("b")
	pts := gridPoints(2, 1)
	writePairs(t, ps, func(st *Store) {
		linkScans(t, st, a, b, pts, Identity(), AddOptions{Persist: true})
	})
	writePairs(t, ps, func(st *Store) {
		linkScans(t, st, a, b, pts, Identity(), AddOptions{Persist: true, Manual: true})
	})

	require.NoError(t, ps.DeletePairFiles(b, a, true))
	assert.False(t, fileExists(ps.PairPath("a", "b", false)))
	assert.True(t, fileExists(ps.PairPath("a", "b", true)))

	require.NoError(t, ps.DeletePairFiles(a, b, false))
	assert.False(t, fileExists(ps.PairPath("a", "b", true)))
	require.NoError(t, ps.DeletePairFiles(a, b, false), "missing files are not an error")
}

func TestApplyChanges(t *testing.T) {
	dir := t.TempDir()
	ps := NewPairStore(dir)
	a, b, c := newTestScan("a"), newTestScan("b"), newTestScan("c")
	pts := gridPoints(2, 1)
	writePairs(t, ps, func(st *Store) {
		linkScans(t, st, a, b, pts, Identity(), AddOptions{Persist: true})
	})

	st := NewStore(nil)
	reg := NewScanRegistry(false, a, b, c)
	_, err := ps.ImportDir(st, reg)
	require.NoError(t, err)

	// a new pair appears and the old one is removed
	writePairs(t, ps, func(tmp *Store) {
		linkScans(t, tmp, b, c, pts, Identity(), AddOptions{Persist: true, Manual: true})
	})
	abPath := ps.PairPath("a", "b", false)
	require.NoError(t, os.Remove(abPath))

	report := ps.ApplyChanges(st, reg, PairChanges{
		Changed: []string{ps.PairPath("b", "c", true)},
		Removed: []string{abPath},
	})
	assert.Equal(t, 1, report.Loaded)
	_, ok := st.PairBetween(a, b)
	assert.False(t, ok)
	rec, ok := st.PairBetween(b, c)
	require.True(t, ok)
	assert.True(t, rec.Manual)

	// a removal whose file is back on disk is ignored
	report = ps.ApplyChanges(st, reg, PairChanges{Removed: []string{ps.PairPath("b", "c", true)}})
	assert.Equal(t, 0, report.Loaded)
	_, ok = st.PairBetween(b, c)
	assert.True(t, ok)

	// a change naming an unknown scan is skipped
	writePairs(t, ps, func(tmp *Store) {
		linkScans(t, tmp, a, newTestScan("zz"), pts, Identity(), AddOptions{Persist: true})
	})
	report = ps.ApplyChanges(st, reg, PairChanges{Changed: []string{ps.PairPath("a", "zz", false)}})
	assert.Equal(t, 1, report.Skipped)
}

func TestScanRegistry(t *testing.T) {
	a, b := newTestScan("b"), newTestScan("a")
	reg := NewScanRegistry(false, a, b)
	assert.Equal(t, []string{"a", "b"}, scanNames(reg.Scans()))

	_, ok := reg.Proxy("c")
	assert.False(t, ok)

	reg.ProxyMissing = true
	p, ok := reg.Proxy("c")
	require.True(t, ok)
	got, ok := reg.Lookup("c")
	assert.True(t, ok)
	assert.Same(t, p, got)
}
