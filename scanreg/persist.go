package scanreg

import (
	"bufio"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const (
	pairSeparator = "^^^"
	pairExt       = ".gr"

	DefaultAutoSubdir = "auto"
)

// ErrScanMissing is returned when a pair file names a scan the resolver cannot supply.
var ErrScanMissing = errors.New("scan not loaded")

// ErrManualLoaded is returned when an automatic pair file would replace a manual pair.
var ErrManualLoaded = errors.New("manual pair already loaded")

// PairFileName returns the canonical file name for a pair: the two names in sorted
// order joined by "^^^".
func PairFileName(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + pairSeparator + b + pairExt
}

// ParsePairFileName splits a pair file name (or path) into its two scan names.
func ParsePairFileName(path string) (string, string, bool) {
	base := filepath.Base(path)
	if !strings.HasSuffix(base, pairExt) {
		return "", "", false
	}
	a, b, ok := strings.Cut(strings.TrimSuffix(base, pairExt), pairSeparator)
	if !ok || a == "" || b == "" {
		return "", "", false
	}
	return a, b, true
}

// PairStore keeps pair files in a directory: manual pairs in Dir, automatic pairs in
// Dir/AutoSubdir. It implements Persister.
type PairStore struct {
	Dir        string
	AutoSubdir string
	Version    int  // version written by SavePair; zero means CurrentVersion
	Raw        bool // store raw-instrument sides as cpd1 blocks
	Decoder    InstrumentDecoder
}

// NewPairStore creates a pair store rooted at dir.
func NewPairStore(dir string) *PairStore {
	return &PairStore{Dir: dir, AutoSubdir: DefaultAutoSubdir, Version: CurrentVersion}
}

func (ps *PairStore) autoDir() string {
	sub := ps.AutoSubdir
	if sub == "" {
		sub = DefaultAutoSubdir
	}
	return filepath.Join(ps.Dir, sub)
}

// PairPath returns where the pair between scans named a and b is stored.
func (ps *PairStore) PairPath(a, b string, manual bool) string {
	if manual {
		return filepath.Join(ps.Dir, PairFileName(a, b))
	}
	return filepath.Join(ps.autoDir(), PairFileName(a, b))
}

// SavePair writes rec to its canonical path. The file is written to a temporary name
// and renamed, so readers never see a partial file.
func (ps *PairStore) SavePair(rec *PairRecord) error {
	path := ps.PairPath(rec.A.Name(), rec.B.Name(), rec.Manual)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".pair-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	bw := bufio.NewWriter(tmp)
	if err := EncodePair(bw, rec, EncodeOptions{Version: ps.Version, Raw: ps.Raw}); err != nil {
		tmp.Close()
		return fmt.Errorf("encoding %s: %w", path, err)
	}
	if err := bw.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("renaming into %s: %w", path, err)
	}
	log.Printf("[STORE] Saved %s", path)
	return nil
}

// DeletePairFiles removes the files of the pair under both name orders, from the auto
// directory and, unless autoOnly, from the base directory. Missing files are ignored.
func (ps *PairStore) DeletePairFiles(a, b Scan, autoOnly bool) error {
	na, nb := a.Name(), b.Name()
	names := []string{na + pairSeparator + nb + pairExt, nb + pairSeparator + na + pairExt}
	dirs := []string{ps.autoDir()}
	if !autoOnly {
		dirs = append(dirs, ps.Dir)
	}

	var errs []error
	for _, dir := range dirs {
		for _, name := range names {
			path := filepath.Join(dir, name)
			if err := os.Remove(path); err != nil {
				if !errors.Is(err, os.ErrNotExist) {
					errs = append(errs, err)
				}
				continue
			}
			log.Printf("[STORE] Deleted %s", path)
		}
	}
	return errors.Join(errs...)
}

// LoadPairFile decodes a single pair file and the scan names taken from its file name.
func (ps *PairStore) LoadPairFile(path string) (*PairFile, string, string, error) {
	nameA, nameB, ok := ParsePairFileName(path)
	if !ok {
		return nil, "", "", fmt.Errorf("%s: not a pair file name", path)
	}
	if nameB < nameA {
		nameA, nameB = nameB, nameA
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, "", "", err
	}
	defer f.Close()

	pf, err := DecodePair(bufio.NewReader(f), ps.Decoder)
	if err != nil {
		return nil, "", "", fmt.Errorf("%s: %w", path, err)
	}
	return pf, nameA, nameB, nil
}

// Resolver maps scan names from pair files to loaded scans.
type Resolver interface {
	Lookup(name string) (Scan, bool)
	// Proxy supplies a stand-in for a scan that is not loaded. Returning false skips
	// the pair.
	Proxy(name string) (Scan, bool)
}

// ScanRegistry is a name-indexed Resolver. With ProxyMissing set, unknown names get a
// ProxyScan that is registered for later lookups.
type ScanRegistry struct {
	ProxyMissing bool
	scans        map[string]Scan
}

// NewScanRegistry creates a registry holding scans.
func NewScanRegistry(proxyMissing bool, scans ...Scan) *ScanRegistry {
	r := &ScanRegistry{ProxyMissing: proxyMissing, scans: make(map[string]Scan)}
	for _, s := range scans {
		r.Add(s)
	}
	return r
}

// Add registers s under its name, replacing any scan of the same name.
func (r *ScanRegistry) Add(s Scan) {
	r.scans[s.Name()] = s
}

func (r *ScanRegistry) Lookup(name string) (Scan, bool) {
	s, ok := r.scans[name]
	return s, ok
}

func (r *ScanRegistry) Proxy(name string) (Scan, bool) {
	if !r.ProxyMissing {
		return nil, false
	}
	p := NewProxyScan(name)
	r.scans[name] = p
	return p, true
}

// Scans returns every registered scan ordered by name.
func (r *ScanRegistry) Scans() []Scan {
	out := make([]Scan, 0, len(r.scans))
	for _, s := range r.scans {
		out = append(out, s)
	}
	sortScans(out)
	return out
}

// ImportReport summarizes a bulk import.
type ImportReport struct {
	Loaded     int           `json:"loaded"`
	Failed     int           `json:"failed"`
	Skipped    int           `json:"skipped"`
	Superseded int           `json:"superseded"`
	Grades     map[Grade]int `json:"-"`
	Errors     []string      `json:"errors,omitempty"`
}

// pairFiles lists the pair files of dir in name order.
func pairFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if _, _, ok := ParsePairFileName(e.Name()); ok {
			out = append(out, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(out)
	return out, nil
}

// ImportDir loads every pair file from the auto directory and then the base directory
// into st. A later file of the same pair supersedes an earlier one, and a manual pair
// replaces an automatic one whose file is then deleted. Unreadable files are counted
// and reported; they do not stop the import.
func (ps *PairStore) ImportDir(st *Store, res Resolver) (ImportReport, error) {
	report := ImportReport{Grades: make(map[Grade]int)}

	autoFiles, err := pairFiles(ps.autoDir())
	if err != nil {
		return report, fmt.Errorf("listing %s: %w", ps.autoDir(), err)
	}
	manualFiles, err := pairFiles(ps.Dir)
	if err != nil {
		return report, fmt.Errorf("listing %s: %w", ps.Dir, err)
	}

	type source struct {
		path   string
		manual bool
	}
	var sources []source
	for _, p := range autoFiles {
		sources = append(sources, source{p, false})
	}
	for _, p := range manualFiles {
		sources = append(sources, source{p, true})
	}

	for _, src := range sources {
		rec, outcome, err := ps.importFile(st, res, src.path, src.manual)
		importedPairs.WithLabelValues(outcome).Inc()
		switch outcome {
		case "failed":
			report.Failed++
			report.Errors = append(report.Errors, err.Error())
			log.Printf("[IMPORT] %v", err)
			continue
		case "skipped":
			report.Skipped++
			log.Printf("[IMPORT] Skipping %s: %v", src.path, err)
			continue
		case "superseded":
			report.Superseded++
		}
		report.Loaded++
		report.Grades[rec.Grade]++
	}

	log.Printf("[IMPORT] %s: %d loaded, %d failed, %d skipped, %d superseded",
		ps.Dir, report.Loaded, report.Failed, report.Skipped, report.Superseded)
	return report, nil
}

// ImportFile loads one pair file into st. manual is decided by the file's location.
func (ps *PairStore) ImportFile(st *Store, res Resolver, path string) (*PairRecord, error) {
	rec, outcome, err := ps.importFile(st, res, path, ps.isManualPath(path))
	importedPairs.WithLabelValues(outcome).Inc()
	return rec, err
}

func (ps *PairStore) importFile(st *Store, res Resolver, path string, manual bool) (*PairRecord, string, error) {
	pf, nameA, nameB, err := ps.LoadPairFile(path)
	if err != nil {
		return nil, "failed", err
	}

	a, err := resolveScan(res, nameA)
	if err != nil {
		return nil, "skipped", err
	}
	b, err := resolveScan(res, nameB)
	if err != nil {
		return nil, "skipped", err
	}
	if p, ok := a.(*ProxyScan); ok {
		p.Cover(pf.PointsA)
	}
	if p, ok := b.(*ProxyScan); ok {
		p.Cover(pf.PointsB)
	}

	outcome := "loaded"
	if old, ok := st.PairBetween(a, b); ok {
		outcome = "superseded"
		if old.Manual && !manual {
			if err := ps.DeletePairFiles(a, b, true); err != nil {
				log.Printf("[IMPORT] Could not delete auto file for %s: %v", PairFileName(nameA, nameB), err)
			}
			return old, "skipped", fmt.Errorf("%s: %w", path, ErrManualLoaded)
		}
		if manual && !old.Manual {
			log.Printf("[IMPORT] Manual pair %s replaces automatic one", PairFileName(nameA, nameB))
			if err := ps.DeletePairFiles(a, b, true); err != nil {
				log.Printf("[IMPORT] Could not delete auto file for %s: %v", PairFileName(nameA, nameB), err)
			}
		}
	}

	rec := st.AddPair(a, b, pf.PointsA, pf.PointsB, pf.Relative, AddOptions{
		Manual:   manual,
		Grade:    pf.Grade,
		RawA:     pf.RawA,
		RawB:     pf.RawB,
		Modified: fileModTime(path),
		Fit:      &ErrorStats{PointRMS: pf.PointRMS, PlaneRMS: pf.PlaneRMS},
	})
	if rec == nil {
		return nil, "failed", fmt.Errorf("%s: pair refused by store", path)
	}
	return rec, outcome, nil
}

func resolveScan(res Resolver, name string) (Scan, error) {
	if s, ok := res.Lookup(name); ok {
		return s, nil
	}
	if s, ok := res.Proxy(name); ok {
		log.Printf("[IMPORT] Using proxy for missing scan %s", name)
		return s, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrScanMissing, name)
}

func fileModTime(path string) time.Time {
	fi, err := os.Stat(path)
	if err != nil {
		return time.Time{}
	}
	return fi.ModTime()
}

// ApplyChanges brings st in line with a batch of pair file changes: changed files are
// re-imported and removed files drop their record, unless the record now comes from
// the other location (a manual pair whose auto file was cleaned up, for instance).
func (ps *PairStore) ApplyChanges(st *Store, res Resolver, changes PairChanges) ImportReport {
	report := ImportReport{Grades: make(map[Grade]int)}

	for _, path := range changes.Removed {
		if _, err := os.Stat(path); err == nil {
			continue // recreated since
		}
		nameA, nameB, _ := ParsePairFileName(path)
		a, okA := res.Lookup(nameA)
		b, okB := res.Lookup(nameB)
		if !okA || !okB {
			continue
		}
		rec, ok := st.PairBetween(a, b)
		if !ok || rec.Manual != ps.isManualPath(path) {
			continue
		}
		st.DeletePair(a, b, KeepFiles)
		log.Printf("[IMPORT] Dropped %s after its file was removed", PairFileName(nameA, nameB))
	}

	for _, path := range changes.Changed {
		rec, err := ps.ImportFile(st, res, path)
		switch {
		case err == nil:
			report.Loaded++
			report.Grades[rec.Grade]++
		case errors.Is(err, ErrScanMissing), errors.Is(err, ErrManualLoaded):
			report.Skipped++
		default:
			report.Failed++
			report.Errors = append(report.Errors, err.Error())
			log.Printf("[IMPORT] %v", err)
		}
	}
	return report
}

func (ps *PairStore) isManualPath(path string) bool {
	return filepath.Clean(filepath.Dir(path)) != filepath.Clean(ps.autoDir())
}
