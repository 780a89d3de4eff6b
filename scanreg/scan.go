package scanreg

import "sort"

// Scan is a rigid object with a pose, owned by the surrounding application.
// The registration core only reads and writes poses; it never creates or destroys scans.
// Identity is reference equality, so implementations should be pointer types.
type Scan interface {
	Name() string
	Pose() Transform
	SetPose(Transform)
	// Bounds is the bounding box in the scan's local frame.
	Bounds() Box
}

// WorldBounds returns the scan's bounding box under its current pose.
func WorldBounds(s Scan) Box {
	return TransformBox(s.Bounds(), s.Pose())
}

// ToWorld maps local points of s into world coordinates.
func ToWorld(s Scan, points []Vec) []Vec {
	return TransformPoints(points, s.Pose())
}

// MemScan is an in-memory scan handle.
type MemScan struct {
	name   string
	pose   Transform
	bounds Box
}

// NewMemScan creates a scan with an identity pose.
func NewMemScan(name string, bounds Box) *MemScan {
	return &MemScan{name: name, pose: Identity(), bounds: bounds}
}

func (s *MemScan) Name() string           { return s.name }
func (s *MemScan) Pose() Transform        { return s.pose }
func (s *MemScan) SetPose(pose Transform) { s.pose = pose }
func (s *MemScan) Bounds() Box            { return s.bounds }

// ProxyScan stands in for a scan that a persisted pair references but which is not loaded.
// It has an identity pose and grows its bounds to whatever points are attached to it.
type ProxyScan struct {
	MemScan
}

// NewProxyScan creates a stand-in scan for name.
func NewProxyScan(name string) *ProxyScan {
	return &ProxyScan{MemScan: MemScan{name: name, pose: Identity()}}
}

// Cover grows the proxy's local bounds to include points.
func (p *ProxyScan) Cover(points []Vec) {
	if len(points) == 0 {
		return
	}
	b := BoundsOf(points)
	if p.bounds == (Box{}) {
		p.bounds = b
		return
	}
	p.bounds = UnionBoxes(p.bounds, b)
}

// sortScans orders scans by name for deterministic iteration.
func sortScans(scans []Scan) {
	sort.SliceStable(scans, func(i, j int) bool {
		return scans[i].Name() < scans[j].Name()
	})
}
