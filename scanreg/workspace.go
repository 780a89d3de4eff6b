package scanreg

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// PairInfo is a read-only view of a pair record.
type PairInfo struct {
	ID       uuid.UUID  `json:"id"`
	A        string     `json:"a"`
	B        string     `json:"b"`
	Points   int        `json:"points"`
	Manual   bool       `json:"manual"`
	Grade    string     `json:"grade"`
	Errors   ErrorStats `json:"errors"`
	Modified time.Time  `json:"modified"`
}

func newPairInfo(rec *PairRecord) PairInfo {
	a, b := canonicalNames(rec)
	return PairInfo{
		ID:       rec.ID,
		A:        a,
		B:        b,
		Points:   rec.Len(),
		Manual:   rec.Manual,
		Grade:    rec.Grade.String(),
		Errors:   rec.Errors,
		Modified: rec.Modified,
	}
}

// AlignOutcome is the result of Workspace.Align: one single-scan result or one
// result per group.
type AlignOutcome struct {
	Single *AlignResult         `json:"single,omitempty"`
	Groups []GroupResult        `json:"groups,omitempty"`
	Poses  map[string]Transform `json:"poses"`
}

// Workspace ties a store to its pair files, scans and aligner and serializes access
// to them. The registration core is single-threaded; serve mode reaches it from HTTP
// handlers, the file watcher and MQTT callbacks through this type.
type Workspace struct {
	mu       sync.Mutex
	store    *Store
	pairs    *PairStore
	registry *ScanRegistry
	aligner  *Aligner

	lastAlign time.Time
}

// NewWorkspace builds a workspace from cfg. Pair files are not read until Import.
func NewWorkspace(cfg *Config) *Workspace {
	ps := cfg.PairStore()
	st := NewStore(ps)
	return &Workspace{
		store:    st,
		pairs:    ps,
		registry: cfg.Registry(),
		aligner:  NewAligner(st, cfg.Alignment),
	}
}

// Store returns the underlying store. Callers must not use it concurrently with
// other workspace methods.
func (w *Workspace) Store() *Store { return w.store }

// PairFiles returns the pair file store.
func (w *Workspace) PairFiles() *PairStore { return w.pairs }

// Registry returns the scan resolver.
func (w *Workspace) Registry() *ScanRegistry { return w.registry }

// Aligner returns the alignment engine, e.g. to install hooks.
func (w *Workspace) Aligner() *Aligner { return w.aligner }

// Import loads every pair file into the store.
func (w *Workspace) Import() (ImportReport, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pairs.ImportDir(w.store, w.registry)
}

// ApplyChanges feeds a watcher batch into the store.
func (w *Workspace) ApplyChanges(changes PairChanges) ImportReport {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pairs.ApplyChanges(w.store, w.registry, changes)
}

// ApplyPoses sets cached poses on known scans.
func (w *Workspace) ApplyPoses(cache *PoseCache) []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return cache.Apply(w.registry)
}

// CapturePoses snapshots the poses of every scan in the store.
func (w *Workspace) CapturePoses() *PoseCache {
	w.mu.Lock()
	defer w.mu.Unlock()
	return CapturePoses(w.store.Scans())
}

// Align runs one alignment request: a single scan (optionally against one partner)
// or, with an empty scan name, every group.
func (w *Workspace) Align(ctx context.Context, req AlignRequest) (AlignOutcome, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var out AlignOutcome
	if req.Scan == "" {
		results, err := w.aligner.AlignAll(ctx)
		if err != nil {
			return out, err
		}
		out.Groups = results
	} else {
		scan, err := w.scanByName(req.Scan)
		if err != nil {
			return out, err
		}
		var partner Scan
		if req.Partner != "" {
			if partner, err = w.scanByName(req.Partner); err != nil {
				return out, err
			}
		}
		res, err := w.aligner.AlignOneToOthers(ctx, scan, partner)
		if err != nil {
			return out, err
		}
		out.Single = &res
	}

	w.lastAlign = time.Now()
	out.Poses = make(map[string]Transform)
	for _, s := range w.store.Scans() {
		out.Poses[s.Name()] = s.Pose()
	}
	return out, nil
}

// PublishPoses publishes the current pose of every scan with pairs.
func (w *Workspace) PublishPoses(p *PosePublisher) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return p.PublishAll(w.store.Scans())
}

// LastAlign returns when Align last completed, zero if never.
func (w *Workspace) LastAlign() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastAlign
}

func (w *Workspace) scanByName(name string) (Scan, error) {
	if s, ok := w.store.ScanByName(name); ok {
		return s, nil
	}
	return nil, fmt.Errorf("%s: %w", name, ErrScanNotFound)
}

// Scans returns the scans with pairs, ordered by name.
func (w *Workspace) Scans() []Scan {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.store.Scans()
}

// Groups returns the connected components by scan name.
func (w *Workspace) Groups() [][]string {
	w.mu.Lock()
	defer w.mu.Unlock()
	groups := w.store.Groups()
	out := make([][]string, len(groups))
	for i, g := range groups {
		for _, s := range g {
			out[i] = append(out[i], s.Name())
		}
	}
	return out
}

// Pairs returns every pair, or only those of the named scan.
func (w *Workspace) Pairs(scanName string) ([]PairInfo, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	recs := w.store.Pairs()
	if scanName != "" {
		s, err := w.scanByName(scanName)
		if err != nil {
			return nil, err
		}
		recs = w.store.PairsFor(s)
	}
	out := make([]PairInfo, 0, len(recs))
	for _, rec := range recs {
		computeGlobalErrors(rec)
		out = append(out, newPairInfo(rec))
	}
	return out, nil
}

// Summary aggregates the pairs of the named scan, or of the whole store.
func (w *Workspace) Summary(scanName string) (Summary, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if scanName == "" {
		return w.store.Summary(nil), nil
	}
	s, err := w.scanByName(scanName)
	if err != nil {
		return Summary{}, err
	}
	return w.store.Summary(s), nil
}

// DeleteAuto drops automatic pairs whose plane error exceeds threshold.
func (w *Workspace) DeleteAuto(threshold float64, scanName string) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	var scan Scan
	if scanName != "" {
		s, err := w.scanByName(scanName)
		if err != nil {
			return 0, err
		}
		scan = s
	}
	n := w.store.DeleteAutoPairs(threshold, scan)
	log.Printf("[STORE] Deleted %d automatic pairs above %.4g", n, threshold)
	return n, nil
}

// WriteGeoJSON exports footprints and pair edges.
func (w *Workspace) WriteGeoJSON(out io.Writer) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return WriteGeoJSON(out, w.store)
}

// RenderSVG draws the plan-view overview as SVG.
func (w *Workspace) RenderSVG(out io.Writer) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return NewOverviewRenderer(w.store).RenderToSVG(out)
}

// RenderPNG draws the plan-view overview as PNG.
func (w *Workspace) RenderPNG(out io.Writer) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return NewOverviewRenderer(w.store).RenderToPNG(out)
}
