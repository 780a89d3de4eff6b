package scanreg

import (
	"sort"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"
)

// relationshipGraph builds an undirected graph with one node per scan that has records
// and one edge per record. It is rebuilt on every call; groups are small.
func (st *Store) relationshipGraph() *simple.UndirectedGraph {
	g := simple.NewUndirectedGraph()
	for s := range st.adjacency {
		g.AddNode(simple.Node(st.ordinal(s)))
	}
	for _, rec := range st.records {
		k := st.key(rec.A, rec.B)
		g.SetEdge(g.NewEdge(simple.Node(k.lo), simple.Node(k.hi)))
	}
	return g
}

// Groups partitions the scans of the store into connected components.
// Each group is ordered by name and groups are ordered by their first name.
func (st *Store) Groups() [][]Scan {
	return st.componentsOf(st.relationshipGraph())
}

func (st *Store) componentsOf(g graph.Undirected) [][]Scan {
	components := topo.ConnectedComponents(g)
	groups := make([][]Scan, 0, len(components))
	for _, comp := range components {
		group := make([]Scan, 0, len(comp))
		for _, n := range comp {
			s, ok := st.byOrdinal[int(n.ID())]
			if !ok {
				panic("scanreg: graph node without scan")
			}
			group = append(group, s)
		}
		sortScans(group)
		groups = append(groups, group)
	}
	sort.Slice(groups, func(i, j int) bool {
		return groups[i][0].Name() < groups[j][0].Name()
	})
	return groups
}

// GroupOf returns the connected component containing scan, or nil when scan has no records.
func (st *Store) GroupOf(scan Scan) []Scan {
	if !st.HasScan(scan) {
		return nil
	}
	for _, g := range st.Groups() {
		for _, s := range g {
			if s == scan {
				return g
			}
		}
	}
	return nil
}

// ArePartnered reports whether a and b are linked. A direct record also reports its
// manual flag; with transitive set, scans in the same component count as connected
// (manual is then false since there is no record to read it from).
func (st *Store) ArePartnered(a, b Scan, transitive bool) (connected, manual bool) {
	if rec, ok := st.PairBetween(a, b); ok {
		return true, rec.Manual
	}
	if !transitive || !st.HasScan(a) || !st.HasScan(b) {
		return false, false
	}
	g := st.relationshipGraph()
	ia, ib := st.ordinals[a], st.ordinals[b]
	for _, comp := range topo.ConnectedComponents(g) {
		foundA, foundB := false, false
		for _, n := range comp {
			switch int(n.ID()) {
			case ia:
				foundA = true
			case ib:
				foundB = true
			}
		}
		if foundA || foundB {
			return foundA && foundB, false
		}
	}
	return false, false
}

// Neighbors returns the scans sharing a record with scan, ordered by name.
func (st *Store) Neighbors(scan Scan) []Scan {
	recs := st.PairsFor(scan)
	out := make([]Scan, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.Partner(scan))
	}
	return out
}

// Degree counts scan's records whose partner is in within. A nil within counts every
// record of scan.
func (st *Store) Degree(scan Scan, within map[Scan]bool) int {
	if within == nil {
		return len(st.adjacency[scan])
	}
	n := 0
	for id := range st.adjacency[scan] {
		if within[st.records[id].Partner(scan)] {
			n++
		}
	}
	return n
}
