package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/clinaudit/clinaudit/internal/alert"
	"github.com/clinaudit/clinaudit/internal/config"
	"github.com/clinaudit/clinaudit/internal/dashboard"
	"github.com/clinaudit/clinaudit/internal/nightly"
)

// ============================================================================
// clinaudit serve
// ============================================================================

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the operator API and run the nightly job on schedule",
	Long: `Start the long-running clinaudit process. It serves the read-only
operator API and live alert feed (default 127.0.0.1:3200), runs the
nightly verify/archive/purge/report job at the configured time, and
re-applies policies.yaml whenever it changes.

Several processes may share one database. Each scheduled firing is
claimed in the database, so only one of them runs it.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	cfg := a.cfg

	// --- Alerts and dashboard ---
	var dash *dashboard.Dashboard
	var extra []alert.Notifier
	if cfg.Server.Dashboard {
		sched, err := a.scheduler(ctx)
		if err != nil {
			return err
		}
		dash = dashboard.New(dashboard.Options{
			Events:   a.events,
			Policies: a.policies,
			Reporter: a.reporter(),
			Preview:  sched,
		})
		defer dash.Close()
		extra = append(extra, dash)
	}
	alerts := a.dispatcher(extra...)
	defer alerts.Wait()

	// --- Nightly scheduler ---
	errCh := make(chan error, 2)
	runnerDone := make(chan struct{})
	if !cfg.Nightly.Enabled {
		close(runnerDone)
	} else {
		schedule, err := nightly.ParseDaily(cfg.Nightly.At, cfg.Nightly.Timezone)
		if err != nil {
			return err
		}
		job, err := a.job(ctx, alerts)
		if err != nil {
			return err
		}
		runner := &nightly.Runner{Job: job, Schedule: schedule}
		go func() {
			defer close(runnerDone)
			if err := runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- err
			}
		}()
		fmt.Printf("[clinaudit] Nightly job scheduled %s\n", schedule)
	}

	// --- policies.yaml hot reload ---
	watcher, err := config.NewWatcher(configDir, config.WatchTargets{
		OnPoliciesChange: func() {
			if err := a.applyPoliciesFile(ctx); err != nil {
				fmt.Fprintf(os.Stderr, "[clinaudit] Warning: %v\n", err)
			}
		},
		OnConfigChange: func() {
			slog.Warn("config.yaml changed; restart clinaudit to apply")
		},
	})
	if err != nil {
		slog.Warn("file watcher unavailable, policies.yaml changes need a restart", "error", err)
	} else {
		defer watcher.Close()
	}

	// --- HTTP ---
	mux := http.NewServeMux()
	if dash != nil {
		mux.Handle("/", dash.Handler())
	} else {
		mux.Handle("GET /metrics", promhttp.Handler())
	}
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","version":%q}`, version)
	})

	server := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	fmt.Printf("[clinaudit] Listening on http://%s\n", cfg.Server.Addr())

	select {
	case <-ctx.Done():
		fmt.Println("[clinaudit] Shutting down...")
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	// A nightly run in progress stops at its next cancellation point.
	<-runnerDone
	return nil
}
