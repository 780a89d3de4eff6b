package scanreg

import (
	"context"
	"fmt"
	"log"
	"math"
	"time"

	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"
)

// GroupResult describes a group alignment.
type GroupResult struct {
	Scans        []string  `json:"scans"`
	Seeds        []string  `json:"seeds"`
	Activated    []string  `json:"activated"`
	Steps        int       `json:"steps"`
	Propagations int       `json:"propagations"`
	InitialRMS   float64   `json:"initialRms"`
	FinalRMS     float64   `json:"finalRms"`
	Drift        Transform `json:"drift"`
	Cancelled    bool      `json:"cancelled"`
}

// AlignGroup aligns a connected set of scans jointly. Scans that are not dirty are
// held fixed as the initial active set; the rest are grown into it one at a time,
// each newcomer pulling on its active neighbors until improvements die out. A final
// rigid correction restores the group's pre-alignment placement.
func (al *Aligner) AlignGroup(ctx context.Context, scans []Scan) (GroupResult, error) {
	start := time.Now()
	cfg := al.Config.withDefaults()
	var res GroupResult
	res.Drift = Identity()

	if len(scans) < 2 {
		alignRuns.WithLabelValues("group", "error").Inc()
		return res, ErrGroupTooSmall
	}
	group := append([]Scan(nil), scans...)
	sortScans(group)
	member := make(map[Scan]bool, len(group))
	for _, s := range group {
		member[s] = true
		res.Scans = append(res.Scans, s.Name())
	}
	if !al.connected(group, member) {
		alignRuns.WithLabelValues("group", "error").Inc()
		return res, fmt.Errorf("aligning %d scans: %w", len(group), ErrGroupDisconnected)
	}

	original := make(map[Scan]Transform, len(group))
	for _, s := range group {
		original[s] = s.Pose()
	}
	res.InitialRMS = al.groupRMS(member)

	// A non-empty dirty set partitions the group directly; otherwise, or when every
	// scan of the group is dirty, the best-connected scan seeds the active set alone.
	active := make(map[Scan]bool, len(group))
	var dormant []Scan
	if len(al.Store.Dirty()) > 0 {
		for _, s := range group {
			if al.Store.IsDirty(s) {
				dormant = append(dormant, s)
			} else {
				active[s] = true
			}
		}
	}
	if len(active) == 0 {
		seed := al.maxDegreeScan(group, member)
		active[seed] = true
		dormant = removeScan(append([]Scan(nil), group...), seed)
	}
	for _, s := range group {
		if active[s] {
			res.Seeds = append(res.Seeds, s.Name())
		}
	}

	for len(dormant) > 0 {
		if ctx.Err() != nil {
			res.Cancelled = true
			break
		}

		// Most links into the active set wins; dormant is name-ordered, so ties go to
		// the lowest name.
		next, best := dormant[0], -1
		for _, s := range dormant {
			if n := al.Store.Degree(s, active); n > best {
				next, best = s, n
			}
		}
		dormant = removeScan(dormant, next)
		active[next] = true
		res.Activated = append(res.Activated, next.Name())
		if al.OnScanActivated != nil {
			al.OnScanActivated(next)
		}

		queue := []Scan{next}
		queued := map[Scan]bool{next: true}
		propagations := 0
		for len(queue) > 0 {
			s := queue[0]
			queue = queue[1:]
			delete(queued, s)

			neighbors, own, partner := al.activeCorrespondences(s, active)
			if len(own) == 0 {
				continue
			}
			res.Steps++

			incremental := CalculateRigidTransform(own, partner)
			startDist := sumSquared(own, partner)
			endDist := SumSquaredDistance(own, partner, incremental)
			s.SetPose(MultiplyMatrices(incremental, s.Pose()))

			improvement := startDist - endDist
			if improvement > 0 && improvement > math.Max(cfg.Tolerance*endDist, 1e-6) && propagations < cfg.PropagationLimit {
				for _, n := range neighbors {
					if !queued[n] {
						queue = append(queue, n)
						queued[n] = true
					}
				}
				propagations++
			}
		}
		res.Propagations += propagations
	}

	if !res.Cancelled {
		res.Drift = al.correctDrift(group, member, original, cfg.DriftSubsample)
		al.Store.RecomputeErrors(group...)
		al.Store.ClearDirty(group...)
	} else {
		al.Store.RecomputeErrors(group...)
	}
	res.FinalRMS = al.groupRMS(member)

	result := "converged"
	if res.Cancelled {
		result = "cancelled"
	}
	alignRuns.WithLabelValues("group", result).Inc()
	alignIterations.WithLabelValues("group").Observe(float64(len(res.Activated)))
	alignDuration.WithLabelValues("group").Observe(time.Since(start).Seconds())

	log.Printf("[ALIGN] group of %d (%d seeds): %d steps, %d propagations, rms %.6g -> %.6g (%s)",
		len(group), len(res.Seeds), res.Steps, res.Propagations, res.InitialRMS, res.FinalRMS, result)
	return res, nil
}

// AlignAll runs AlignGroup over every connected component with at least two scans.
// It stops at the first cancelled group.
func (al *Aligner) AlignAll(ctx context.Context) ([]GroupResult, error) {
	var results []GroupResult
	for _, g := range al.Store.Groups() {
		if len(g) < 2 {
			continue
		}
		res, err := al.AlignGroup(ctx, g)
		if err != nil {
			return results, err
		}
		results = append(results, res)
		if res.Cancelled {
			break
		}
	}
	return results, nil
}

// connected reports whether the records among members link all of them.
func (al *Aligner) connected(group []Scan, member map[Scan]bool) bool {
	g := simple.NewUndirectedGraph()
	for _, s := range group {
		if !al.Store.HasScan(s) {
			return false
		}
		g.AddNode(simple.Node(al.Store.ordinal(s)))
	}
	for _, s := range group {
		for _, rec := range al.Store.PairsFor(s) {
			p := rec.Partner(s)
			if !member[p] {
				continue
			}
			k := al.Store.key(s, p)
			g.SetEdge(g.NewEdge(simple.Node(k.lo), simple.Node(k.hi)))
		}
	}
	return len(topo.ConnectedComponents(g)) == 1
}

// maxDegreeScan picks the scan with the most pairs inside the group, lowest name on ties.
func (al *Aligner) maxDegreeScan(group []Scan, member map[Scan]bool) Scan {
	best, bestN := group[0], -1
	for _, s := range group {
		if n := al.Store.Degree(s, member); n > bestN {
			best, bestN = s, n
		}
	}
	return best
}

// activeCorrespondences gathers the world points of s against its active neighbors.
func (al *Aligner) activeCorrespondences(s Scan, active map[Scan]bool) (neighbors []Scan, own, partner []Vec) {
	for _, rec := range al.Store.PairsFor(s) {
		p := rec.Partner(s)
		if p == s || !active[p] {
			continue
		}
		neighbors = append(neighbors, p)
		mine, theirs := rec.Sides(s)
		own = append(own, ToWorld(s, mine)...)
		partner = append(partner, ToWorld(p, theirs)...)
	}
	return neighbors, own, partner
}

// correctDrift applies one rigid transform to every scan of the group so that a
// subsample of their points lands back near where it was before alignment.
func (al *Aligner) correctDrift(group []Scan, member map[Scan]bool, original map[Scan]Transform, every int) Transform {
	var before, after []Vec
	for _, s := range group {
		k := 0
		for _, rec := range al.Store.PairsFor(s) {
			if !member[rec.Partner(s)] {
				continue
			}
			own, _ := rec.Sides(s)
			for _, p := range own {
				if k%every == 0 {
					before = append(before, TransformPoint(p, original[s]))
					after = append(after, TransformPoint(p, s.Pose()))
				}
				k++
			}
		}
	}
	if len(after) == 0 {
		return Identity()
	}
	drift := CalculateRigidTransform(after, before)
	for _, s := range group {
		s.SetPose(MultiplyMatrices(drift, s.Pose()))
	}
	return drift
}

// groupRMS is the RMS world distance over every correspondence inside the group.
func (al *Aligner) groupRMS(member map[Scan]bool) float64 {
	sum := 0.0
	n := 0
	for _, rec := range al.Store.Pairs() {
		if !member[rec.A] || !member[rec.B] {
			continue
		}
		a := ToWorld(rec.A, rec.PointsA)
		b := ToWorld(rec.B, rec.PointsB)
		sum += sumSquared(a, b)
		n += len(a)
	}
	if n == 0 {
		return 0
	}
	return math.Sqrt(sum / float64(n))
}

func sumSquared(a, b []Vec) float64 {
	return SumSquaredDistance(a, b, Identity())
}

func removeScan(scans []Scan, s Scan) []Scan {
	out := scans[:0]
	for _, x := range scans {
		if x != s {
			out = append(out, x)
		}
	}
	return out
}
