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
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pcdshub/atef/config"
	"github.com/pcdshub/atef/plan"
	"github.com/pcdshub/atef/procedure"
	"github.com/pcdshub/atef/source"
)

func validateCmd() *cobra.Command {
	var settingsPath string

	cmd := &cobra.Command{
		Use:   "validate FILE...",
		Short: "Check document shape, and optionally that it binds",
		Long: `Validate checks each document's shape without touching any signals.

With --settings, validate additionally prepares each document against
the configured environment and reports how many configurations or
steps failed to bind.  Nothing is run.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var env source.Environment
			if settingsPath != "" {
				settings, err := LoadSettings(settingsPath)
				if err != nil {
					return err
				}
				var closeEnv func()
				if env, closeEnv, err = settings.Environment(cmd.Context()); err != nil {
					return err
				}
				defer closeEnv()
			}

			failed := false
			for _, filename := range args {
				if err := validateDocument(filename, env); err != nil {
					failed = true
					fmt.Printf("%s: %v\n", filename, err)
				}
			}
			if failed {
				return fmt.Errorf("validation failed")
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&settingsPath, "settings", "s", "", "Also bind against this environment (YAML settings)")

	return cmd
}

func validateDocument(filename string, env source.Environment) error {
	doc, err := readDocument(filename)
	if err != nil {
		return err
	}
	if err := doc.Validate(); err != nil {
		return err
	}

	if env == nil {
		fmt.Printf("%s: ok (%s)\n", filename, doc.Kind())
		return nil
	}

	failures, err := bindFailures(doc, env)
	if err != nil {
		return err
	}
	if 0 < failures {
		return fmt.Errorf("%d %s failed to bind", failures, doc.Kind())
	}
	fmt.Printf("%s: ok (%s, binds cleanly)\n", filename, doc.Kind())
	return nil
}

// bindFailures does a prepare dry-run and counts what could not bind.
func bindFailures(doc *Document, env source.Environment) (int, error) {
	if doc.Passive != nil {
		pf, err := config.PrepareFile(doc.Passive, env, nil)
		if err != nil {
			return 0, err
		}
		return len(pf.Failures()), nil
	}

	// An empty local runner so plan steps bind; nothing runs here.
	opts := &procedure.ProcedureOptions{Runner: plan.NewLocalRunner()}
	pf, err := procedure.PrepareProcedure(doc.Procedure, env, opts)
	if err != nil {
		return 0, err
	}

	failures := 0
	it := pf.Walk()
	for {
		e, more := it.Next()
		if !more {
			return failures, nil
		}
		if _, is := e.Node.(*procedure.FailedStep); is {
			failures++
		}
	}
}
