package scanreg

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"gonum.org/v1/gonum/spatial/r3"
)

var (
	ErrScanNotFound      = errors.New("scan has no pairs")
	ErrNoPair            = errors.New("scans are not paired")
	ErrGroupTooSmall     = errors.New("group alignment needs at least two scans")
	ErrGroupDisconnected = errors.New("group is not connected")
)

// AlignConfig holds the termination and sampling policy of the alignment engine.
type AlignConfig struct {
	Tolerance        float64 `yaml:"tolerance" json:"tolerance"`               // relative improvement below which iteration stops
	MaxIterations    int     `yaml:"maxIterations" json:"maxIterations"`       // hard cap on single-scan iterations
	BucketCellSize   float64 `yaml:"bucketCellSize" json:"bucketCellSize"`     // cube edge for density capping, 0 disables it
	BucketMaxSamples int     `yaml:"bucketMaxSamples" json:"bucketMaxSamples"` // samples kept per cell
	PropagationLimit int     `yaml:"propagationLimit" json:"propagationLimit"` // neighbor re-queues per growth round
	DriftSubsample   int     `yaml:"driftSubsample" json:"driftSubsample"`     // every Nth point feeds drift correction
}

// DefaultAlignConfig returns sensible defaults for alignment.
func DefaultAlignConfig() AlignConfig {
	return AlignConfig{
		Tolerance:        1e-4,
		MaxIterations:    100,
		BucketCellSize:   0,
		BucketMaxSamples: 20,
		PropagationLimit: 200,
		DriftSubsample:   20,
	}
}

func (c AlignConfig) withDefaults() AlignConfig {
	d := DefaultAlignConfig()
	if c.Tolerance <= 0 {
		c.Tolerance = d.Tolerance
	}
	if c.MaxIterations <= 0 {
		c.MaxIterations = d.MaxIterations
	}
	if c.BucketMaxSamples <= 0 {
		c.BucketMaxSamples = d.BucketMaxSamples
	}
	if c.PropagationLimit <= 0 {
		c.PropagationLimit = d.PropagationLimit
	}
	if c.DriftSubsample <= 0 {
		c.DriftSubsample = d.DriftSubsample
	}
	return c
}

// Aligner moves scan poses so that stored correspondences agree.
// Cancellation is observed through the context once per outer iteration; poses already
// applied are kept.
type Aligner struct {
	Store  *Store
	Config AlignConfig

	// BeforeAlign runs before a single-scan alignment moves the scan, so the caller
	// can snapshot its pose for undo.
	BeforeAlign func(scan Scan)
	// OnScanActivated runs each time group growth moves a scan into the active set.
	OnScanActivated func(scan Scan)
}

// NewAligner creates an aligner over st.
func NewAligner(st *Store, config AlignConfig) *Aligner {
	return &Aligner{Store: st, Config: config.withDefaults()}
}

// AlignResult describes a single-scan alignment.
type AlignResult struct {
	Scan       string    `json:"scan"`
	Iterations int       `json:"iterations"`
	InitialRMS float64   `json:"initialRms"`
	FinalRMS   float64   `json:"finalRms"`
	History    []float64 `json:"history"`
	Converged  bool      `json:"converged"`
	Cancelled  bool      `json:"cancelled"`
	Discarded  int       `json:"discarded"`
}

// AlignOneToOthers iteratively refines scan's pose against its partners' current poses.
// With partner nil every pair of scan is used (and density capped when bucketing is
// enabled); otherwise only the pair with partner.
func (al *Aligner) AlignOneToOthers(ctx context.Context, scan, partner Scan) (AlignResult, error) {
	start := time.Now()
	cfg := al.Config.withDefaults()
	res := AlignResult{Scan: scan.Name()}

	if !al.Store.HasScan(scan) {
		alignRuns.WithLabelValues("single", "error").Inc()
		return res, fmt.Errorf("aligning %s: %w", scan.Name(), ErrScanNotFound)
	}

	var recs []*PairRecord
	if partner != nil {
		rec, ok := al.Store.PairBetween(scan, partner)
		if !ok {
			alignRuns.WithLabelValues("single", "error").Inc()
			return res, fmt.Errorf("aligning %s to %s: %w", scan.Name(), partner.Name(), ErrNoPair)
		}
		recs = []*PairRecord{rec}
	} else {
		recs = al.Store.PairsFor(scan)
	}

	// Partners do not move during the loop, so their world points are gathered once.
	var ownLocal, partnerWorld []Vec
	for _, rec := range recs {
		own, other := rec.Sides(scan)
		ownLocal = append(ownLocal, own...)
		partnerWorld = append(partnerWorld, ToWorld(rec.Partner(scan), other)...)
	}

	if partner == nil && cfg.BucketCellSize > 0 && len(ownLocal) > 0 {
		boxes := []Box{WorldBounds(scan)}
		for _, rec := range recs {
			boxes = append(boxes, WorldBounds(rec.Partner(scan)))
		}
		vb := NewVolumeBuckets(UnionBoxes(boxes...), cfg.BucketCellSize, cfg.BucketMaxSamples)
		keep := vb.Keep(ToWorld(scan, ownLocal), partnerWorld)
		res.Discarded = len(ownLocal) - len(keep)
		ownLocal = selectIndices(ownLocal, keep)
		partnerWorld = selectIndices(partnerWorld, keep)
		bucketDiscarded.Add(float64(res.Discarded))
		log.Printf("[ALIGN] %s: bucketed %d cells, discarded %d of %d correspondences",
			scan.Name(), vb.Cells(), res.Discarded, res.Discarded+len(keep))
	}

	if al.BeforeAlign != nil {
		al.BeforeAlign(scan)
	}

	prev := evaluate(scan, recs)
	res.InitialRMS = prev
	res.FinalRMS = prev
	if len(ownLocal) == 0 {
		alignRuns.WithLabelValues("single", "converged").Inc()
		return res, nil
	}

	for iter := 0; iter < cfg.MaxIterations; iter++ {
		if ctx.Err() != nil {
			res.Cancelled = true
			break
		}
		res.Iterations = iter + 1

		ownWorld := ToWorld(scan, ownLocal)
		incremental := CalculateRigidTransform(ownWorld, partnerWorld)
		scan.SetPose(MultiplyMatrices(incremental, scan.Pose()))

		sum := evaluate(scan, recs)
		res.History = append(res.History, sum)
		res.FinalRMS = sum

		if 2*(prev-sum) <= cfg.Tolerance*(sum+prev+1e-20) {
			res.Converged = true
			break
		}
		prev = sum
	}

	al.Store.RecomputeErrors(scan)

	result := "max_iterations"
	switch {
	case res.Cancelled:
		result = "cancelled"
	case res.Converged:
		result = "converged"
	}
	alignRuns.WithLabelValues("single", result).Inc()
	alignIterations.WithLabelValues("single").Observe(float64(res.Iterations))
	alignDuration.WithLabelValues("single").Observe(time.Since(start).Seconds())

	log.Printf("[ALIGN] %s: %d iterations, rms %.6g -> %.6g (%s)",
		scan.Name(), res.Iterations, res.InitialRMS, res.FinalRMS, result)
	return res, nil
}

// evaluate is the RMS point-to-point distance over every correspondence of recs,
// measured with the current poses from scan's point of view.
func evaluate(scan Scan, recs []*PairRecord) float64 {
	sum := 0.0
	n := 0
	for _, rec := range recs {
		own, other := rec.Sides(scan)
		ownPose, otherPose := scan.Pose(), rec.Partner(scan).Pose()
		for i := range own {
			d := r3.Sub(TransformPoint(own[i], ownPose), TransformPoint(other[i], otherPose))
			sum += r3.Norm2(d)
		}
		n += len(own)
	}
	if n == 0 {
		return 0
	}
	return math.Sqrt(sum / float64(n))
}

func selectIndices(points []Vec, keep []int) []Vec {
	out := make([]Vec, len(keep))
	for i, k := range keep {
		out[i] = points[k]
	}
	return out
}
