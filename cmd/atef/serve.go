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
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gorhill/cronexpr"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/pcdshub/atef/check"
	"github.com/pcdshub/atef/config"
	"github.com/pcdshub/atef/source"
	"github.com/pcdshub/atef/storage"
)

func serveCmd() *cobra.Command {
	var settingsPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run checkouts continuously and stream their results",
		Long: `Serve watches the configured checkout documents, re-running them on
file changes and on the configured cron schedule.  Results stream to
websocket clients at /ws; Prometheus metrics are at /metrics.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := LoadSettings(settingsPath)
			if err != nil {
				return err
			}
			if len(settings.Checkouts) == 0 {
				return fmt.Errorf("no checkouts configured")
			}
			return serve(settings)
		},
	}

	cmd.Flags().StringVarP(&settingsPath, "settings", "s", "atef.yaml", "Settings file (YAML)")

	return cmd
}

var (
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atef_runs_total",
		Help: "Checkout runs by final severity.",
	}, []string{"file", "severity"})

	runSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "atef_run_duration_seconds",
		Help:    "Wall time of checkout runs.",
		Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
	}, []string{"file"})

	lastSeverity = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "atef_last_run_severity",
		Help: "Severity of the latest run (0 success, 1 warning, 2 error, 3 internal).",
	}, []string{"file"})
)

// runEvent is what serve publishes to websocket clients after every
// run.
type runEvent struct {
	ID       string         `json:"id"`
	File     string         `json:"file"`
	Time     time.Time      `json:"time"`
	Severity check.Severity `json:"severity"`
	Reason   string         `json:"reason,omitempty"`
	Result   *check.Result  `json:"result"`
}

type server struct {
	settings *Settings
	env      source.Environment
	store    *storage.Store

	// events fans out to every connected websocket client.
	events chan *runEvent
	conns  sync.Map

	// runRequests carries filenames to the single runner goroutine
	// so concurrent triggers never race on one environment.
	runRequests chan string
}

func serve(settings *Settings) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	env, closeEnv, err := settings.Environment(ctx)
	if err != nil {
		return err
	}
	defer closeEnv()

	var store *storage.Store
	if settings.Archive != "" {
		if store, err = storage.Open(settings.Archive); err != nil {
			return err
		}
		defer store.Close()
	}

	s := &server{
		settings:    settings,
		env:         env,
		store:       store,
		events:      make(chan *runEvent, 64),
		runRequests: make(chan string, 64),
	}

	go s.fanOut(ctx)
	go s.runner(ctx)

	if err := s.watch(ctx); err != nil {
		return err
	}
	if settings.Schedule != "" {
		expr, err := cronexpr.Parse(settings.Schedule)
		if err != nil {
			return fmt.Errorf("schedule: %w", err)
		}
		go s.cron(ctx, expr)
	}

	// First run on startup.
	s.requestAll()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS(ctx))
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/run", func(w http.ResponseWriter, r *http.Request) {
		s.requestAll()
		w.WriteHeader(http.StatusAccepted)
	})

	listen := s.settings.Listen
	if listen == "" {
		listen = ":8080"
	}
	hs := &http.Server{Addr: listen, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		hs.Shutdown(shutdownCtx)
	}()

	slog.Info("serving", "listen", listen, "checkouts", len(settings.Checkouts))
	if err := hs.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *server) requestAll() {
	for _, filename := range s.settings.Checkouts {
		select {
		case s.runRequests <- filename:
		default:
			slog.Warn("run queue full", "file", filename)
		}
	}
}

// runner executes requested checkouts one at a time.
func (s *server) runner(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case filename := <-s.runRequests:
			if err := s.runOne(ctx, filename); err != nil {
				slog.Error("checkout run failed", "file", filename, "error", err)
			}
		}
	}
}

func (s *server) runOne(ctx context.Context, filename string) error {
	f, err := config.LoadFile(filename)
	if err != nil {
		return err
	}
	pf, err := config.PrepareFile(f, s.env, &config.PrepareOptions{Workers: s.settings.Workers})
	if err != nil {
		return err
	}

	started := time.Now()
	res := pf.Compare(ctx)
	elapsed := time.Since(started)

	runsTotal.WithLabelValues(filename, res.Severity.String()).Inc()
	runSeconds.WithLabelValues(filename).Observe(elapsed.Seconds())
	lastSeverity.WithLabelValues(filename).Set(float64(res.Severity))

	slog.Info("checkout done",
		"file", filename,
		"run", pf.ID,
		"severity", res.Severity.String(),
		"elapsed", elapsed)

	event := &runEvent{
		ID:       pf.ID.String(),
		File:     filename,
		Time:     started,
		Severity: res.Severity,
		Reason:   res.Reason,
		Result:   res,
	}

	if s.store != nil {
		err := s.store.SaveRun(&storage.RunRecord{
			ID:       event.ID,
			File:     filename,
			Time:     started,
			Severity: res.Severity,
			Reason:   res.Reason,
			Result:   res,
		})
		if err != nil {
			slog.Error("archive write failed", "file", filename, "error", err)
		}
	}

	select {
	case s.events <- event:
	default:
		slog.Warn("event queue full")
	}
	return nil
}

// watch re-runs a checkout when its document changes on disk.
func (s *server) watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	for _, filename := range s.settings.Checkouts {
		if err := watcher.Add(filename); err != nil {
			watcher.Close()
			return fmt.Errorf("watch %s: %w", filename, err)
		}
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, more := <-watcher.Events:
				if !more {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				slog.Info("checkout changed", "file", ev.Name)
				select {
				case s.runRequests <- ev.Name:
				default:
				}
			case err, more := <-watcher.Errors:
				if !more {
					return
				}
				slog.Error("watch error", "error", err)
			}
		}
	}()
	return nil
}

// cron runs every checkout on the configured schedule.
func (s *server) cron(ctx context.Context, expr *cronexpr.Expression) {
	for {
		next := expr.Next(time.Now())
		if next.IsZero() {
			slog.Warn("schedule has no next run")
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Until(next)):
			s.requestAll()
		}
	}
}

// fanOut forwards run events to every connected websocket client.
func (s *server) fanOut(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-s.events:
			s.conns.Range(func(k, v interface{}) bool {
				c := v.(chan *runEvent)
				select {
				case c <- event:
				default:
					slog.Warn("websocket client blocked", "client", k)
				}
				return true
			})
		}
	}
}

func (s *server) handleWS(ctx context.Context) http.HandlerFunc {
	upgrader := websocket.Upgrader{}

	return func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Error("websocket upgrade failed", "error", err)
			return
		}
		defer c.Close()

		in := make(chan *runEvent, 32)
		id := c.RemoteAddr().String()
		s.conns.Store(id, in)
		defer s.conns.Delete(id)

		slog.Info("websocket client connected", "client", id)

		// Drain the client's reads so closes are noticed.
		gone := make(chan struct{})
		go func() {
			defer close(gone)
			for {
				if _, _, err := c.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case <-gone:
				return
			case event := <-in:
				js, err := json.Marshal(event)
				if err != nil {
					slog.Error("event marshal failed", "error", err)
					continue
				}
				if err := c.WriteMessage(websocket.TextMessage, js); err != nil {
					return
				}
			}
		}
	}
}
