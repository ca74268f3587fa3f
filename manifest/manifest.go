// Package manifest handles smoked.toml project configuration.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Manifest represents a smoked.toml project configuration.
type Manifest struct {
	Project Project      `toml:"project"`
	Memory  MemoryConfig `toml:"memory"`
	Trace   TraceConfig  `toml:"trace"`

	// Dir is the directory containing the smoked.toml file (set at load time).
	Dir string `toml:"-"`
}

// Project contains project metadata.
type Project struct {
	Name    string `toml:"name"`
	Version string `toml:"version"`
	Entry   string `toml:"entry"`
}

// MemoryConfig sizes the machine's heap, stack, and collector.
type MemoryConfig struct {
	Capacity        int `toml:"capacity"`
	StackSize       int `toml:"stack-size"`
	GCThresholdStep int `toml:"gc-threshold-step"`
}

// TraceConfig toggles execution diagnostics.
type TraceConfig struct {
	Instructions bool `toml:"instructions"`
}

// Defaults applied by Load when the manifest leaves a field unset.
const (
	DefaultMemoryCapacity = 1 << 20
	DefaultStackSize      = 256
)

// Load parses a smoked.toml file from the given directory.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, "smoked.toml")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	var m Manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	m.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}

	// Defaults
	if m.Memory.Capacity <= 0 {
		m.Memory.Capacity = DefaultMemoryCapacity
	}
	if m.Memory.StackSize <= 0 {
		m.Memory.StackSize = DefaultStackSize
	}

	return &m, nil
}

// FindAndLoad walks up from startDir to find a smoked.toml file,
// then loads and returns the manifest. Returns nil if no manifest is found.
func FindAndLoad(startDir string) (*Manifest, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, "smoked.toml")
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			return nil, nil
		}
		dir = parent
	}
}

// EntryPath returns the absolute path of the configured entry ROM, or ""
// when the manifest names none.
func (m *Manifest) EntryPath() string {
	if m.Project.Entry == "" {
		return ""
	}
	return filepath.Join(m.Dir, m.Project.Entry)
}
