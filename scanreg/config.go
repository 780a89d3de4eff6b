package scanreg

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultPosesPath is the default location of the aligned-pose cache.
const DefaultPosesPath = ".scanreg-poses.json"

// RegistrationConfig locates the pair files.
type RegistrationConfig struct {
	Dir          string `yaml:"dir" json:"dir"`
	AutoSubdir   string `yaml:"autoSubdir,omitempty" json:"autoSubdir,omitempty"`
	ProxyMissing bool   `yaml:"proxyMissing" json:"proxyMissing"`           // stand in for scans named by pairs but not configured
	Version      int    `yaml:"version,omitempty" json:"version,omitempty"` // pair file version written (default 4)
}

// BoundsConfig is an axis-aligned box in a scan's local frame.
type BoundsConfig struct {
	Min [3]float64 `yaml:"min" json:"min"`
	Max [3]float64 `yaml:"max" json:"max"`
}

// ScanConfig declares a scan known to the application.
type ScanConfig struct {
	Name   string        `yaml:"name" json:"name"`
	Pose   []float64     `yaml:"pose,omitempty" json:"pose,omitempty"` // 16 values, row-major; omitted means identity
	Bounds *BoundsConfig `yaml:"bounds,omitempty" json:"bounds,omitempty"`
}

// MQTTConfig holds MQTT connection settings
type MQTTConfig struct {
	Broker        string `yaml:"broker" json:"broker"`
	PublishPrefix string `yaml:"publishPrefix" json:"publishPrefix"`
	ClientID      string `yaml:"clientId" json:"clientId"`
	Username      string `yaml:"username,omitempty" json:"username,omitempty"`
	Password      string `yaml:"password,omitempty" json:"password,omitempty"`
}

// HTTPConfig configures the serve mode listener.
type HTTPConfig struct {
	Port int `yaml:"port" json:"port"`
}

// Config represents the full configuration file
type Config struct {
	Registration RegistrationConfig `yaml:"registration" json:"registration"`
	Alignment    AlignConfig        `yaml:"alignment" json:"alignment"`
	Scans        []ScanConfig       `yaml:"scans,omitempty" json:"scans,omitempty"`
	PosesFile    string             `yaml:"posesFile,omitempty" json:"posesFile,omitempty"`
	MQTT         MQTTConfig         `yaml:"mqtt,omitempty" json:"mqtt,omitempty"`
	HTTP         HTTPConfig         `yaml:"http,omitempty" json:"http,omitempty"`
}

// LoadConfig loads the configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	config.applyDefaults()
	return &config, nil
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	if c.Registration.Dir == "" {
		return fmt.Errorf("registration.dir is required")
	}
	if v := c.Registration.Version; v != 0 && (v < Version1 || v > Version4) {
		return fmt.Errorf("registration.version must be 1..4, got %d", v)
	}

	a := c.Alignment
	if a.Tolerance < 0 {
		return fmt.Errorf("alignment.tolerance must not be negative")
	}
	if a.MaxIterations < 0 || a.BucketMaxSamples < 0 || a.PropagationLimit < 0 || a.DriftSubsample < 0 {
		return fmt.Errorf("alignment counts must not be negative")
	}
	if a.BucketCellSize < 0 {
		return fmt.Errorf("alignment.bucketCellSize must not be negative")
	}

	seen := make(map[string]bool, len(c.Scans))
	for i, sc := range c.Scans {
		if sc.Name == "" {
			return fmt.Errorf("scans[%d].name is required", i)
		}
		if seen[sc.Name] {
			return fmt.Errorf("scans[%d]: duplicate name %s", i, sc.Name)
		}
		seen[sc.Name] = true
		if len(sc.Pose) != 0 && len(sc.Pose) != 16 {
			return fmt.Errorf("scans[%d].pose must have 16 values for %s, got %d", i, sc.Name, len(sc.Pose))
		}
	}

	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port out of range: %d", c.HTTP.Port)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Registration.AutoSubdir == "" {
		c.Registration.AutoSubdir = DefaultAutoSubdir
	}
	if c.Registration.Version == 0 {
		c.Registration.Version = CurrentVersion
	}
	if c.PosesFile == "" {
		c.PosesFile = DefaultPosesPath
	}
	if c.HTTP.Port == 0 {
		c.HTTP.Port = 8080
	}
	c.Alignment = c.Alignment.withDefaults()
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(path string, config *Config) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshaling config YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

// GetScanByName returns the scan config with the given name, or nil.
func (c *Config) GetScanByName(name string) *ScanConfig {
	for i := range c.Scans {
		if c.Scans[i].Name == name {
			return &c.Scans[i]
		}
	}
	return nil
}

// PairStore builds the pair-file store described by the registration section.
func (c *Config) PairStore() *PairStore {
	ps := NewPairStore(c.Registration.Dir)
	if c.Registration.AutoSubdir != "" {
		ps.AutoSubdir = c.Registration.AutoSubdir
	}
	if c.Registration.Version != 0 {
		ps.Version = c.Registration.Version
	}
	return ps
}

// NewScan builds an in-memory scan from its config.
func (sc ScanConfig) NewScan() *MemScan {
	var bounds Box
	if sc.Bounds != nil {
		bounds = Box{
			Min: Vec{X: sc.Bounds.Min[0], Y: sc.Bounds.Min[1], Z: sc.Bounds.Min[2]},
			Max: Vec{X: sc.Bounds.Max[0], Y: sc.Bounds.Max[1], Z: sc.Bounds.Max[2]},
		}
	}
	s := NewMemScan(sc.Name, bounds)
	if len(sc.Pose) == 16 {
		var pose Transform
		copy(pose[:], sc.Pose)
		s.SetPose(pose)
	}
	return s
}

// Registry builds a resolver holding every configured scan.
func (c *Config) Registry() *ScanRegistry {
	r := NewScanRegistry(c.Registration.ProxyMissing)
	for _, sc := range c.Scans {
		r.Add(sc.NewScan())
	}
	return r
}
