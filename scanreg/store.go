package scanreg

import (
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"
)

// FileMode selects what happens to persisted pair files when a record is removed.
type FileMode int

const (
	// KeepFiles removes the record from memory only.
	KeepFiles FileMode = iota
	// DeleteFiles removes the pair's files from both the manual and the auto location.
	DeleteFiles
	// DeleteAutoFiles removes only files in the auto location.
	DeleteAutoFiles
)

// Persister writes and removes the on-disk form of pair records.
type Persister interface {
	SavePair(rec *PairRecord) error
	DeletePairFiles(a, b Scan, autoOnly bool) error
}

// AddOptions carries the optional attributes of a new pair.
type AddOptions struct {
	Manual  bool
	Grade   Grade
	Persist bool
	// NormalsA are A-local normals paired with the A points; when present the
	// point-to-plane error is computed.
	NormalsA []Vec
	RawA     []RawPoint
	RawB     []RawPoint
	// Modified overrides the timestamp; zero means now.
	Modified time.Time
	// Fit carries point and plane errors already known (e.g. read from a pair file)
	// instead of recomputing them.
	Fit *ErrorStats
}

type pairKey struct{ lo, hi int }

// Store is the registration store: every pair record once, indexed by canonical
// scan pair and by each participating scan.
type Store struct {
	persister Persister

	ordinals    map[Scan]int
	byOrdinal   map[int]Scan
	nextOrdinal int

	records   map[uuid.UUID]*PairRecord
	byKey     map[pairKey]uuid.UUID
	adjacency map[Scan]map[uuid.UUID]struct{}
	dirty     map[Scan]struct{}
}

// NewStore creates an empty store. persister may be nil when nothing is written to disk.
func NewStore(persister Persister) *Store {
	return &Store{
		persister: persister,
		ordinals:  make(map[Scan]int),
		byOrdinal: make(map[int]Scan),
		records:   make(map[uuid.UUID]*PairRecord),
		byKey:     make(map[pairKey]uuid.UUID),
		adjacency: make(map[Scan]map[uuid.UUID]struct{}),
		dirty:     make(map[Scan]struct{}),
	}
}

// SetPersister replaces the persister used for Persist/DeleteFiles requests.
func (st *Store) SetPersister(p Persister) {
	st.persister = p
}

func (st *Store) ordinal(s Scan) int {
	if id, ok := st.ordinals[s]; ok {
		return id
	}
	id := st.nextOrdinal
	st.nextOrdinal++
	st.ordinals[s] = id
	st.byOrdinal[id] = s
	return id
}

func (st *Store) key(a, b Scan) pairKey {
	ia, ib := st.ordinal(a), st.ordinal(b)
	if ia > ib {
		ia, ib = ib, ia
	}
	return pairKey{lo: ia, hi: ib}
}

// AddPair stores a new pair between a and b, replacing any existing one.
// It returns nil without touching the store when the point sets differ in length
// or when a and b are the same scan.
func (st *Store) AddPair(a, b Scan, ptsA, ptsB []Vec, rel Transform, opts AddOptions) *PairRecord {
	if a == nil || b == nil || a == b {
		log.Printf("[STORE] Refusing pair: need two distinct scans")
		return nil
	}
	if len(ptsA) != len(ptsB) {
		log.Printf("[STORE] Refusing pair %s^^^%s: %d points vs %d points",
			a.Name(), b.Name(), len(ptsA), len(ptsB))
		return nil
	}

	if old, ok := st.PairBetween(a, b); ok {
		log.Printf("[STORE] Replacing existing pair %s", old)
		st.removeRecord(old)
		if opts.Persist && st.persister != nil {
			if err := st.persister.DeletePairFiles(a, b, false); err != nil {
				log.Printf("[STORE] Could not delete old files for %s^^^%s: %v", a.Name(), b.Name(), err)
			}
		}
	}

	modified := opts.Modified
	if modified.IsZero() {
		modified = time.Now()
	}

	rec := &PairRecord{
		ID:       uuid.New(),
		A:        a,
		B:        b,
		PointsA:  append([]Vec(nil), ptsA...),
		PointsB:  append([]Vec(nil), ptsB...),
		Relative: rel,
		Manual:   opts.Manual,
		Grade:    opts.Grade,
		Modified: modified,
	}
	if len(opts.RawA) == len(ptsA) && len(opts.RawB) == len(ptsB) && opts.RawA != nil && opts.RawB != nil {
		rec.RawA = append([]RawPoint(nil), opts.RawA...)
		rec.RawB = append([]RawPoint(nil), opts.RawB...)
	}

	rec.Errors.PointRMS = pointRMS(rec.PointsA, rec.PointsB, rel)
	rec.Errors.PlaneRMS = NoError
	if len(opts.NormalsA) == len(ptsA) && len(ptsA) > 0 {
		rec.Errors.PlaneRMS = planeRMS(rec.PointsA, rec.PointsB, opts.NormalsA, rel)
	}
	if opts.Fit != nil {
		rec.Errors.PointRMS = opts.Fit.PointRMS
		rec.Errors.PlaneRMS = opts.Fit.PlaneRMS
	}
	computeGlobalErrors(rec)

	st.insert(rec)

	if opts.Persist && st.persister != nil {
		if err := st.persister.SavePair(rec); err != nil {
			log.Printf("[STORE] Could not persist %s: %v", rec, err)
		}
	}
	return rec
}

func (st *Store) insert(rec *PairRecord) {
	k := st.key(rec.A, rec.B)
	st.records[rec.ID] = rec
	st.byKey[k] = rec.ID
	for _, s := range []Scan{rec.A, rec.B} {
		set, ok := st.adjacency[s]
		if !ok {
			set = make(map[uuid.UUID]struct{})
			st.adjacency[s] = set
		}
		set[rec.ID] = struct{}{}
		st.dirty[s] = struct{}{}
	}
}

// removeRecord drops both index halves of rec and updates the dirty set.
func (st *Store) removeRecord(rec *PairRecord) {
	k := st.key(rec.A, rec.B)
	if id, ok := st.byKey[k]; !ok || id != rec.ID {
		panic(fmt.Sprintf("scanreg: pair index out of sync for %s^^^%s", rec.A.Name(), rec.B.Name()))
	}
	delete(st.byKey, k)
	delete(st.records, rec.ID)

	for _, s := range []Scan{rec.A, rec.B} {
		set, ok := st.adjacency[s]
		if !ok {
			panic(fmt.Sprintf("scanreg: scan %s has no adjacency for pair %s", s.Name(), rec.ID))
		}
		if _, ok := set[rec.ID]; !ok {
			panic(fmt.Sprintf("scanreg: pair %s missing from adjacency of %s", rec.ID, s.Name()))
		}
		delete(set, rec.ID)
		if len(set) == 0 {
			delete(st.adjacency, s)
			delete(st.dirty, s)
		} else {
			st.dirty[s] = struct{}{}
		}
	}
}

func (st *Store) deleteFiles(a, b Scan, mode FileMode) {
	if mode == KeepFiles || st.persister == nil {
		return
	}
	if err := st.persister.DeletePairFiles(a, b, mode == DeleteAutoFiles); err != nil {
		log.Printf("[STORE] Could not delete files for %s^^^%s: %v", a.Name(), b.Name(), err)
	}
}

// DeletePair removes the record between a and b. It reports whether a record existed.
// Files are deleted according to mode even when no record was loaded.
func (st *Store) DeletePair(a, b Scan, mode FileMode) bool {
	rec, ok := st.PairBetween(a, b)
	if ok {
		st.removeRecord(rec)
	}
	st.deleteFiles(a, b, mode)
	return ok
}

// DeleteAllPairs removes every record touching scan and returns how many were removed.
func (st *Store) DeleteAllPairs(scan Scan, mode FileMode) int {
	doomed := st.PairsFor(scan)
	for _, rec := range doomed {
		st.removeRecord(rec)
		st.deleteFiles(rec.A, rec.B, mode)
	}
	return len(doomed)
}

// DeleteAutoPairs removes automatic records whose point-to-plane error exceeds threshold,
// optionally restricted to pairs touching scan. Their auto files are deleted.
// Records without a point-to-plane error are kept.
func (st *Store) DeleteAutoPairs(threshold float64, scan Scan) int {
	candidates := st.Pairs()
	if scan != nil {
		candidates = st.PairsFor(scan)
	}

	var doomed []*PairRecord
	for _, rec := range candidates {
		if rec.Manual || !rec.Errors.HasPlaneRMS() {
			continue
		}
		if rec.Errors.PlaneRMS > threshold {
			doomed = append(doomed, rec)
		}
	}
	for _, rec := range doomed {
		log.Printf("[STORE] Dropping auto pair %s (plane rms %.4g > %.4g)", rec, rec.Errors.PlaneRMS, threshold)
		st.removeRecord(rec)
		st.deleteFiles(rec.A, rec.B, DeleteAutoFiles)
	}
	return len(doomed)
}

// PairBetween returns the record linking a and b, in either order.
func (st *Store) PairBetween(a, b Scan) (*PairRecord, bool) {
	if a == nil || b == nil || a == b {
		return nil, false
	}
	ia, okA := st.ordinals[a]
	ib, okB := st.ordinals[b]
	if !okA || !okB {
		return nil, false
	}
	if ia > ib {
		ia, ib = ib, ia
	}
	id, ok := st.byKey[pairKey{lo: ia, hi: ib}]
	if !ok {
		return nil, false
	}
	rec, ok := st.records[id]
	if !ok {
		panic(fmt.Sprintf("scanreg: pair key for %s^^^%s points at missing record", a.Name(), b.Name()))
	}
	return rec, true
}

// PairsFor returns every record touching scan, ordered by partner name.
func (st *Store) PairsFor(scan Scan) []*PairRecord {
	set := st.adjacency[scan]
	out := make([]*PairRecord, 0, len(set))
	for id := range set {
		rec, ok := st.records[id]
		if !ok {
			panic(fmt.Sprintf("scanreg: adjacency of %s references missing pair %s", scan.Name(), id))
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Partner(scan).Name() < out[j].Partner(scan).Name()
	})
	return out
}

// Pairs returns every record, ordered by scan names.
func (st *Store) Pairs() []*PairRecord {
	out := make([]*PairRecord, 0, len(st.records))
	for _, rec := range st.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		ai, bi := canonicalNames(out[i])
		aj, bj := canonicalNames(out[j])
		if ai != aj {
			return ai < aj
		}
		return bi < bj
	})
	return out
}

func canonicalNames(rec *PairRecord) (string, string) {
	a, b := rec.A.Name(), rec.B.Name()
	if a > b {
		a, b = b, a
	}
	return a, b
}

// Len returns the number of records.
func (st *Store) Len() int {
	return len(st.records)
}

// Scans returns every scan with at least one record, ordered by name.
func (st *Store) Scans() []Scan {
	out := make([]Scan, 0, len(st.adjacency))
	for s := range st.adjacency {
		out = append(out, s)
	}
	sortScans(out)
	return out
}

// HasScan reports whether scan has at least one record.
func (st *Store) HasScan(scan Scan) bool {
	_, ok := st.adjacency[scan]
	return ok
}

// ScanByName finds a scan with records by its display name.
func (st *Store) ScanByName(name string) (Scan, bool) {
	for s := range st.adjacency {
		if s.Name() == name {
			return s, true
		}
	}
	return nil, false
}

// Dirty returns the scans whose pairings changed since the last alignment, ordered by name.
func (st *Store) Dirty() []Scan {
	out := make([]Scan, 0, len(st.dirty))
	for s := range st.dirty {
		out = append(out, s)
	}
	sortScans(out)
	return out
}

// IsDirty reports whether scan is in the dirty set.
func (st *Store) IsDirty(scan Scan) bool {
	_, ok := st.dirty[scan]
	return ok
}

// MarkDirty adds scans with records to the dirty set.
func (st *Store) MarkDirty(scans ...Scan) {
	for _, s := range scans {
		if st.HasScan(s) {
			st.dirty[s] = struct{}{}
		}
	}
}

// ClearDirty removes scans from the dirty set; with no arguments it clears the set.
func (st *Store) ClearDirty(scans ...Scan) {
	if len(scans) == 0 {
		st.dirty = make(map[Scan]struct{})
		return
	}
	for _, s := range scans {
		delete(st.dirty, s)
	}
}
