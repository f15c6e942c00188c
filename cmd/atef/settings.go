/* Copyright 2026 SLAC National Accelerator Laboratory
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 * http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package main

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/pcdshub/atef/source"
)

// Settings configures where signal readings come from and, for serve,
// what to run and when.
type Settings struct {
	Sources SourceSettings `yaml:"sources"`

	// Serve-only settings.
	Listen string `yaml:"listen,omitempty"`

	// Archive is the run archive filename.  Empty disables
	// archiving.
	Archive string `yaml:"archive,omitempty"`

	// Checkouts are the passive checkout documents serve runs.
	Checkouts []string `yaml:"checkouts,omitempty"`

	// Schedule is a cron expression for periodic runs.  Empty means
	// runs happen only on file changes and explicit requests.
	Schedule string `yaml:"schedule,omitempty"`

	// Workers bounds comparison concurrency per run.
	Workers int `yaml:"workers,omitempty"`
}

// SourceSettings picks exactly one environment.
type SourceSettings struct {
	MQTT *source.MQTTConfig `yaml:"mqtt,omitempty"`

	Memory *MemorySettings `yaml:"memory,omitempty"`
}

// MemorySettings declares a simulated environment inline.
type MemorySettings struct {
	Signals map[string]interface{}            `yaml:"signals,omitempty"`
	Devices map[string]map[string]interface{} `yaml:"devices,omitempty"`
}

// LoadSettings reads a YAML settings file.  An empty filename gives
// defaults: an empty simulated environment.
func LoadSettings(filename string) (*Settings, error) {
	s := &Settings{}
	if filename == "" {
		return s, nil
	}
	bs, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(bs, s); err != nil {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}
	if s.Sources.MQTT != nil && s.Sources.Memory != nil {
		return nil, fmt.Errorf("%s: want at most one of sources.mqtt and sources.memory", filename)
	}
	return s, nil
}

// Environment builds the configured signal source.  The caller owns
// the returned closer.
func (s *Settings) Environment(ctx context.Context) (source.Environment, func(), error) {
	if s.Sources.MQTT != nil {
		m := source.NewMQTT(*s.Sources.MQTT)
		if err := m.Connect(ctx); err != nil {
			return nil, nil, err
		}
		return m, m.Close, nil
	}

	env := source.NewMemory()
	if mem := s.Sources.Memory; mem != nil {
		for name, value := range mem.Signals {
			env.AddSignal(name, value)
		}
		for name, attrs := range mem.Devices {
			env.AddDevice(name, attrs)
		}
	}
	return env, func() {}, nil
}
