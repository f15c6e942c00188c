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
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/pcdshub/atef/check"
	"github.com/pcdshub/atef/config"
	"github.com/pcdshub/atef/source"
	"github.com/pcdshub/atef/storage"
)

func checkCmd() *cobra.Command {
	var (
		settingsPath string
		workers      int
		timeout      time.Duration
		archivePath  string
	)

	cmd := &cobra.Command{
		Use:   "check FILE...",
		Short: "Run passive checkouts and report their results",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := LoadSettings(settingsPath)
			if err != nil {
				return err
			}
			if archivePath != "" {
				settings.Archive = archivePath
			}
			if 0 < workers {
				settings.Workers = workers
			}

			// runCheckouts owns every resource so its defers run
			// before the exit.
			worst, err := runCheckouts(settings, timeout, args)
			if err != nil {
				return err
			}
			os.Exit(int(worst))
			return nil
		},
	}

	cmd.Flags().StringVarP(&settingsPath, "settings", "s", "", "Settings file (YAML)")
	cmd.Flags().IntVarP(&workers, "parallel", "p", 0, "Concurrent comparisons per run")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Give up after this long")
	cmd.Flags().StringVar(&archivePath, "archive", "", "Archive runs to this bbolt file")

	return cmd
}

func runCheckouts(settings *Settings, timeout time.Duration, filenames []string) (check.Severity, error) {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if 0 < timeout {
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	env, closeEnv, err := settings.Environment(ctx)
	if err != nil {
		return check.InternalError, err
	}
	defer closeEnv()

	var store *storage.Store
	if settings.Archive != "" {
		if store, err = storage.Open(settings.Archive); err != nil {
			return check.InternalError, err
		}
		defer store.Close()
	}

	worst := check.Success
	for _, filename := range filenames {
		res, err := runCheckout(ctx, filename, settings, env, store)
		if err != nil {
			return check.InternalError, err
		}
		if worst < res.Severity {
			worst = res.Severity
		}
	}
	return worst, nil
}

func runCheckout(ctx context.Context, filename string, settings *Settings, env source.Environment, store *storage.Store) (*check.Result, error) {
	f, err := config.LoadFile(filename)
	if err != nil {
		return nil, err
	}

	pf, err := config.PrepareFile(f, env, &config.PrepareOptions{Workers: settings.Workers})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}

	slog.Info("running checkout", "file", filename, "run", pf.ID)
	started := time.Now()
	res := pf.Compare(ctx)
	slog.Info("checkout done",
		"file", filename,
		"severity", res.Severity.String(),
		"elapsed", time.Since(started))

	printTree(pf)

	if store != nil {
		err := store.SaveRun(&storage.RunRecord{
			ID:       pf.ID.String(),
			File:     filename,
			Time:     started,
			Severity: res.Severity,
			Reason:   res.Reason,
			Result:   res,
		})
		if err != nil {
			return nil, err
		}
	}

	return res, nil
}

// printTree renders the prepared tree with one line per
// configuration, indented by depth.
func printTree(pf *config.PreparedFile) {
	it := pf.Walk()
	for {
		e, more := it.Next()
		if !more {
			break
		}
		res := e.Node.Result()
		name := e.Node.Origin().Common().Name
		if name == "" {
			name = "(unnamed)"
		}
		line := fmt.Sprintf("%s%-8s %s", strings.Repeat("  ", e.Depth), res.Severity, name)
		if res.Reason != "" {
			line += ": " + res.Reason
		}
		fmt.Println(line)
	}
}
