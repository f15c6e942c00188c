package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pcdshub/atef/walk"
)

// FileVersion is the checkout document version this code reads and
// writes.
const FileVersion = 0

// ConfigurationFile is a complete passive checkout document.
type ConfigurationFile struct {
	Version int                `json:"version"`
	Root    ConfigurationGroup `json:"root"`
}

// NewFile wraps a root group in a current-version file.
func NewFile(root ConfigurationGroup) *ConfigurationFile {
	return &ConfigurationFile{Version: FileVersion, Root: root}
}

// Validate checks the whole tree's shape with no I/O.
func (f *ConfigurationFile) Validate() error {
	return f.Root.Validate()
}

// Walk traverses every configuration, root first, children in stored
// order.
func (f *ConfigurationFile) Walk() *walk.Iterator[Configuration] {
	return walk.New[Configuration](&f.Root, func(c Configuration) []Configuration {
		return c.Children()
	})
}

// ByTag collects configurations carrying any of the given tags.
func (f *ConfigurationFile) ByTag(tags ...string) []Configuration {
	var found []Configuration
	it := f.Walk()
	for {
		e, more := it.Next()
		if !more {
			return found
		}
		if e.Node.Common().HasTag(tags...) {
			found = append(found, e.Node)
		}
	}
}

// ByDevice collects the device configurations naming a device.
func (f *ConfigurationFile) ByDevice(name string) []*DeviceConfiguration {
	var found []*DeviceConfiguration
	it := f.Walk()
	for {
		e, more := it.Next()
		if !more {
			return found
		}
		d, is := e.Node.(*DeviceConfiguration)
		if !is {
			continue
		}
		for _, dev := range d.Devices {
			if dev == name {
				found = append(found, d)
				break
			}
		}
	}
}

// ByPV collects the PV configurations naming a process variable.
func (f *ConfigurationFile) ByPV(pvname string) []*PVConfiguration {
	var found []*PVConfiguration
	it := f.Walk()
	for {
		e, more := it.Next()
		if !more {
			return found
		}
		p, is := e.Node.(*PVConfiguration)
		if !is {
			continue
		}
		if _, have := p.ByPV[pvname]; have {
			found = append(found, p)
		}
	}
}

// IsYAML reports whether a filename looks like a YAML document.
func IsYAML(filename string) bool {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// LoadFile reads a checkout document, accepting JSON and YAML by
// extension.
func LoadFile(filename string) (*ConfigurationFile, error) {
	bs, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	if IsYAML(filename) {
		if bs, err = YAMLToJSON(bs); err != nil {
			return nil, fmt.Errorf("%s: %w", filename, err)
		}
	}
	return ParseFile(bs)
}

// ParseFile reads a checkout document from JSON bytes.
func ParseFile(bs []byte) (*ConfigurationFile, error) {
	var f ConfigurationFile
	if err := json.Unmarshal(bs, &f); err != nil {
		return nil, err
	}
	if f.Version != FileVersion {
		return nil, fmt.Errorf("unsupported document version %d (want %d)", f.Version, FileVersion)
	}
	return &f, nil
}

// Save writes the document, as YAML when the extension asks for it.
func (f *ConfigurationFile) Save(filename string) error {
	bs, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return err
	}
	if IsYAML(filename) {
		if bs, err = JSONToYAML(bs); err != nil {
			return err
		}
	}
	return os.WriteFile(filename, bs, 0644)
}
