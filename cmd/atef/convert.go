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
	"os"

	"github.com/spf13/cobra"

	"github.com/pcdshub/atef/config"
)

func convertCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "convert IN OUT",
		Short: "Convert a checkout document between JSON and YAML",
		Long: `Convert reads a checkout document and writes it in the format the
output extension asks for.  The document is round-tripped through the
schema, so defaults are filled in and unknown kinds are rejected.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			in, out := args[0], args[1]

			doc, err := readDocument(in)
			if err != nil {
				return err
			}

			var js []byte
			if doc.Passive != nil {
				js, err = json.MarshalIndent(doc.Passive, "", "  ")
			} else {
				js, err = json.MarshalIndent(doc.Procedure, "", "  ")
			}
			if err != nil {
				return err
			}

			if config.IsYAML(out) {
				if js, err = config.JSONToYAML(js); err != nil {
					return err
				}
			}
			return os.WriteFile(out, js, 0644)
		},
	}
	return cmd
}
