package scanreg

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// ScanPose stores a scan's aligned pose with the time it was recorded.
type ScanPose struct {
	Pose        Transform `json:"pose"`
	LastUpdated int64     `json:"lastUpdated"`
}

// PoseCache holds aligned poses for every scan, stored as JSON between runs.
type PoseCache struct {
	Scans       map[string]ScanPose `json:"scans"`
	LastUpdated int64               `json:"lastUpdated"`
}

// UnmarshalJSON also accepts old cache files where each scan entry was a bare
// 16-element pose array.
func (c *PoseCache) UnmarshalJSON(data []byte) error {
	var envelope struct {
		Scans       map[string]json.RawMessage `json:"scans"`
		LastUpdated int64                      `json:"lastUpdated"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return err
	}

	c.LastUpdated = envelope.LastUpdated
	c.Scans = make(map[string]ScanPose, len(envelope.Scans))

	for name, raw := range envelope.Scans {
		var entry ScanPose
		var probe struct {
			Pose *json.RawMessage `json:"pose"`
		}
		if err := json.Unmarshal(raw, &probe); err == nil && probe.Pose != nil {
			if err := json.Unmarshal(raw, &entry); err != nil {
				return fmt.Errorf("scan %s: %w", name, err)
			}
		} else {
			var pose Transform
			if err := json.Unmarshal(raw, &pose); err != nil {
				return fmt.Errorf("scan %s: %w", name, err)
			}
			entry = ScanPose{Pose: pose, LastUpdated: envelope.LastUpdated}
		}
		c.Scans[name] = entry
	}
	return nil
}

// LoadPoses loads the pose cache. A missing file is not an error and yields nil.
func LoadPoses(path string) (*PoseCache, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading poses file: %w", err)
	}

	var cache PoseCache
	if err := json.Unmarshal(data, &cache); err != nil {
		return nil, fmt.Errorf("parsing poses file: %w", err)
	}
	return &cache, nil
}

// SavePoses writes the pose cache, stamping it with the current time.
func SavePoses(path string, cache *PoseCache) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating poses directory: %w", err)
	}

	cache.LastUpdated = time.Now().Unix()

	data, err := json.MarshalIndent(cache, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling poses: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing poses file: %w", err)
	}
	return nil
}

// CapturePoses records the current pose of every scan.
func CapturePoses(scans []Scan) *PoseCache {
	now := time.Now().Unix()
	cache := &PoseCache{Scans: make(map[string]ScanPose, len(scans)), LastUpdated: now}
	for _, s := range scans {
		cache.Scans[s.Name()] = ScanPose{Pose: s.Pose(), LastUpdated: now}
	}
	return cache
}

// Apply sets the cached pose on every scan the resolver knows and returns the names
// that were updated, in order.
func (c *PoseCache) Apply(res Resolver) []string {
	if c == nil {
		return nil
	}
	var applied []string
	for name, entry := range c.Scans {
		if s, ok := res.Lookup(name); ok {
			s.SetPose(entry.Pose)
			applied = append(applied, name)
		}
	}
	sort.Strings(applied)
	return applied
}

// GetPose returns the cached pose for a scan, or identity when absent.
func (c *PoseCache) GetPose(name string) Transform {
	if c == nil || c.Scans == nil {
		return Identity()
	}
	if e, ok := c.Scans[name]; ok {
		return e.Pose
	}
	return Identity()
}
