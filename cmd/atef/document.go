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
	"encoding/json"
	"fmt"
	"os"

	"github.com/pcdshub/atef/config"
	"github.com/pcdshub/atef/procedure"
)

// Document is either a passive checkout or a procedure.  Exactly one
// of the fields is set.
type Document struct {
	Passive   *config.ConfigurationFile
	Procedure *procedure.ProcedureFile
}

// Kind names the document type for operators.
func (d *Document) Kind() string {
	if d.Passive != nil {
		return "passive checkout"
	}
	return "procedure"
}

// Validate checks the document's shape with no I/O.
func (d *Document) Validate() error {
	if d.Passive != nil {
		return d.Passive.Validate()
	}
	return d.Procedure.Validate()
}

// readDocument loads either document kind.  A procedure root carries
// "steps" where a passive root carries "configs"; both would otherwise
// decode as the other with everything missing.
func readDocument(filename string) (*Document, error) {
	bs, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	if config.IsYAML(filename) {
		if bs, err = config.YAMLToJSON(bs); err != nil {
			return nil, fmt.Errorf("%s: %w", filename, err)
		}
	}
	return parseDocument(bs)
}

func parseDocument(bs []byte) (*Document, error) {
	var outer struct {
		Root map[string]json.RawMessage `json:"root"`
	}
	if err := json.Unmarshal(bs, &outer); err != nil {
		return nil, err
	}

	if _, isProc := outer.Root["steps"]; isProc {
		p, err := procedure.ParseProcedureFile(bs)
		if err != nil {
			return nil, err
		}
		return &Document{Procedure: p}, nil
	}

	f, err := config.ParseFile(bs)
	if err != nil {
		return nil, err
	}
	return &Document{Passive: f}, nil
}
