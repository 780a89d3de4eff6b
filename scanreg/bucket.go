package scanreg

import (
	"log"
	"math"
)

// maxAxisCells bounds the cells per axis so the linear cell index always fits an int.
const maxAxisCells = 1 << 20

// VolumeBuckets caps the number of correspondence samples per cubic cell of a grid
// laid over a world bounding box, so dense regions do not dominate a many-scan fit.
type VolumeBuckets struct {
	origin     Vec
	cellSize   float64
	maxSamples int
	nx, ny, nz int
	counts     map[int]int // sparse: only occupied cells have entries
}

// NewVolumeBuckets lays a grid of cubic cells over box. Each axis gets
// ceil(extent / cellSize) cells, at least one. A cell size that would put more than
// maxAxisCells cells on an axis is grown until the longest axis fits.
func NewVolumeBuckets(box Box, cellSize float64, maxSamples int) *VolumeBuckets {
	if cellSize <= 0 || math.IsNaN(cellSize) {
		cellSize = 1
	}
	longest := math.Max(box.Max.X-box.Min.X, math.Max(box.Max.Y-box.Min.Y, box.Max.Z-box.Min.Z))
	if longest/cellSize > maxAxisCells {
		grown := longest / maxAxisCells
		log.Printf("[ALIGN] Bucket cell %.4g too small for extent %.4g, using %.4g", cellSize, longest, grown)
		cellSize = grown
	}
	axisCells := func(lo, hi float64) int {
		n := int(math.Ceil((hi - lo) / cellSize))
		if n < 1 {
			n = 1
		}
		if n > maxAxisCells {
			n = maxAxisCells
		}
		return n
	}
	vb := &VolumeBuckets{
		origin:     box.Min,
		cellSize:   cellSize,
		maxSamples: maxSamples,
		nx:         axisCells(box.Min.X, box.Max.X),
		ny:         axisCells(box.Min.Y, box.Max.Y),
		nz:         axisCells(box.Min.Z, box.Max.Z),
	}
	vb.counts = make(map[int]int)
	return vb
}

// Cells returns the number of cells in the grid.
func (vb *VolumeBuckets) Cells() int {
	return vb.nx * vb.ny * vb.nz
}

// CellSize returns the edge length of the cells actually used.
func (vb *VolumeBuckets) CellSize() float64 {
	return vb.cellSize
}

// Dims returns the per-axis cell counts.
func (vb *VolumeBuckets) Dims() (nx, ny, nz int) {
	return vb.nx, vb.ny, vb.nz
}

// Count returns the number of samples recorded in cell i.
func (vb *VolumeBuckets) Count(i int) int {
	return vb.counts[i]
}

// cellIndex maps a world point to its cell, or -1 when it lies outside the grid.
// Points on the far face of the grid belong to the last cell of that axis.
func (vb *VolumeBuckets) cellIndex(p Vec) int {
	axis := func(v, lo float64, n int) int {
		f := (v - lo) / vb.cellSize
		if math.IsNaN(f) || f < 0 || f >= float64(n)+1e-9 {
			return -1
		}
		i := int(f)
		if i == n && f-float64(n) < 1e-9 {
			i = n - 1
		}
		if i >= n {
			return -1
		}
		return i
	}
	ix := axis(p.X, vb.origin.X, vb.nx)
	iy := axis(p.Y, vb.origin.Y, vb.ny)
	iz := axis(p.Z, vb.origin.Z, vb.nz)
	if ix < 0 || iy < 0 || iz < 0 {
		return -1
	}
	return (iz*vb.ny+iy)*vb.nx + ix
}

// Keep walks index-paired world points in order and returns the indices of the pairs
// that fit under the per-cell cap. Each pair is bucketed by its own point, or by its
// partner point when the own point falls outside the grid. Pairs outside the grid
// entirely are kept.
func (vb *VolumeBuckets) Keep(own, partner []Vec) []int {
	keep := make([]int, 0, len(own))
	for i := range own {
		cell := vb.cellIndex(own[i])
		if cell < 0 && i < len(partner) {
			cell = vb.cellIndex(partner[i])
		}
		if cell >= 0 {
			if vb.counts[cell] >= vb.maxSamples {
				continue
			}
			vb.counts[cell]++
		}
		keep = append(keep, i)
	}
	return keep
}

// Filter is Keep applied to both sequences. It returns the surviving pairs and the
// number discarded.
func (vb *VolumeBuckets) Filter(own, partner []Vec) ([]Vec, []Vec, int) {
	keep := vb.Keep(own, partner)
	return selectIndices(own, keep), selectIndices(partner, keep), len(own) - len(keep)
}
