// Package main is the CLI entry point for clinaudit, the tamper-evident
// audit trail of the clinical records platform.
//
// CLI commands (cobra):
//
//	clinaudit serve                 - Operator API, alert feed and nightly scheduler
//	clinaudit record                - Capture one audited operation
//	clinaudit verify                - Verify the hash chain
//	clinaudit archive               - Archive events past their archive window
//	clinaudit purge [--dry-run]     - Purge events past their retention period
//	clinaudit nightly run           - Run the nightly job once
//	clinaudit policy ...            - Manage retention policies
//	clinaudit events query|export   - Read the audit trail
//	clinaudit integrity history     - Past verification outcomes
//	clinaudit report                - Compliance report
//	clinaudit config show|init      - View or create config.yaml
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/clinaudit/clinaudit/internal/alert"
	"github.com/clinaudit/clinaudit/internal/archive"
	"github.com/clinaudit/clinaudit/internal/audit"
	"github.com/clinaudit/clinaudit/internal/config"
	"github.com/clinaudit/clinaudit/internal/db"
	"github.com/clinaudit/clinaudit/internal/nightly"
	"github.com/clinaudit/clinaudit/internal/retention"
	"github.com/clinaudit/clinaudit/internal/risk"
)

// Build-time variables injected via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
)

// defaultConfigDir returns ~/.clinaudit, holding config.yaml, policies.yaml,
// the audit database, reports and the local archive.
func defaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".clinaudit"
	}
	return filepath.Join(home, ".clinaudit")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

// ============================================================================
// Root command
// ============================================================================

var (
	configDir string
	logLevel  string
	logFormat string
)

var rootCmd = &cobra.Command{
	Use:   "clinaudit",
	Short: "clinaudit: tamper-evident audit trail for clinical records",
	Long: `clinaudit records sensitive operations on the clinical records platform
as an append-only, hash-linked audit trail, verifies it nightly, and
archives and purges old events according to retention policies.`,
	Version:      fmt.Sprintf("%s (commit: %s)", version, commit),
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setupLogging(logLevel, logFormat)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", defaultConfigDir(), "Path to clinaudit config and state directory")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "Log format: text, json")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(archiveCmd)
	rootCmd.AddCommand(purgeCmd)
	rootCmd.AddCommand(nightlyCmd)
	rootCmd.AddCommand(policyCmd)
	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(integrityCmd)
	rootCmd.AddCommand(reportCmd)
	rootCmd.AddCommand(configCmd)
}

func setupLogging(level, format string) error {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("invalid --log-level %q", level)
	}
	opts := &slog.HandlerOptions{Level: lvl}

	var h slog.Handler
	switch strings.ToLower(format) {
	case "text":
		h = slog.NewTextHandler(os.Stderr, opts)
	case "json":
		h = slog.NewJSONHandler(os.Stderr, opts)
	default:
		return fmt.Errorf("invalid --log-format %q (text or json)", format)
	}
	slog.SetDefault(slog.New(h))
	return nil
}

// ============================================================================
// Wiring
// ============================================================================

// app holds the components every command needs.
type app struct {
	cfg      *config.Config
	db       *sql.DB
	events   *audit.Store
	policies *retention.Engine
}

// openApp loads the config, opens the database, seeds the default
// policies on an empty policy table and applies policies.yaml if present.
func openApp(ctx context.Context) (*app, error) {
	if err := os.MkdirAll(configDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create config directory %s: %w", configDir, err)
	}
	cfg, err := config.LoadDir(configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	sqlDB, err := db.Open(cfg.Storage.Path)
	if err != nil {
		return nil, err
	}
	a := &app{
		cfg:      cfg,
		db:       sqlDB,
		events:   audit.NewStore(sqlDB),
		policies: retention.NewEngine(retention.NewStore(sqlDB)),
	}

	if _, err := a.policies.SeedDefaults(ctx, "system"); err != nil {
		sqlDB.Close()
		return nil, err
	}
	if err := a.applyPoliciesFile(ctx); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) Close() error { return a.db.Close() }

func (a *app) policiesPath() string { return filepath.Join(configDir, config.PoliciesFile) }

// applyPoliciesFile upserts the policies declared in policies.yaml. A
// missing file declares nothing.
func (a *app) applyPoliciesFile(ctx context.Context) error {
	if _, err := a.policies.ApplyFile(ctx, a.policiesPath(), config.PoliciesFile); err != nil {
		return fmt.Errorf("applying %s: %w", config.PoliciesFile, err)
	}
	return nil
}

// dispatcher builds the alert fan-out: log, configured webhooks and extra.
func (a *app) dispatcher(extra ...alert.Notifier) *alert.Dispatcher {
	notifiers := []alert.Notifier{alert.LogNotifier{}}
	for _, wh := range a.cfg.Alerts.Webhooks {
		notifiers = append(notifiers, alert.NewWebhookNotifier(wh))
	}
	return alert.NewDispatcher(append(notifiers, extra...)...)
}

func (a *app) sink(ctx context.Context) (archive.Sink, error) {
	switch a.cfg.Archive.Sink {
	case "s3":
		s3 := a.cfg.Archive.S3
		return archive.NewS3Sink(ctx, archive.S3Options{
			Bucket:   s3.Bucket,
			Region:   s3.Region,
			Prefix:   s3.Prefix,
			Endpoint: s3.Endpoint,
			KMSKeyID: s3.KMSKeyID,
		})
	default:
		return archive.NewFileSink(a.cfg.Archive.Dir)
	}
}

func (a *app) scheduler(ctx context.Context) (*archive.Scheduler, error) {
	sink, err := a.sink(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive sink: %w", err)
	}
	return archive.NewScheduler(archive.Options{
		Events:    a.events,
		Policies:  a.policies,
		Sink:      sink,
		BatchSize: a.cfg.Archive.BatchSize,
	}), nil
}

func (a *app) reporter() *nightly.Reporter {
	return &nightly.Reporter{Events: a.events, Policies: a.policies, Dir: a.cfg.Nightly.ReportDir}
}

func (a *app) job(ctx context.Context, alerts nightly.Alerter) (*nightly.Job, error) {
	sched, err := a.scheduler(ctx)
	if err != nil {
		return nil, err
	}
	host, _ := os.Hostname()
	return nightly.NewJob(nightly.JobOptions{
		Verifier:    audit.NewVerifier(a.events),
		Mover:       sched,
		Reporter:    a.reporter(),
		Alerts:      alerts,
		Lease:       nightly.NewLease(a.db),
		Holder:      fmt.Sprintf("%s/%d", host, os.Getpid()),
		LeaseTTL:    a.cfg.Nightly.LeaseTTL,
		StepTimeout: a.cfg.Nightly.StepTimeout,
	}), nil
}

// recorder wires capture: risk scoring, redaction and policy tags. High-risk
// events are escalated through alerts.
func (a *app) recorder(alerts *alert.Dispatcher) (*audit.Recorder, error) {
	loc, err := config.Location(a.cfg.Risk.Timezone)
	if err != nil {
		return nil, err
	}
	scorer, err := risk.New(risk.Config{
		SensitiveEndpoints: a.cfg.Risk.SensitiveEndpoints,
		BusinessStart:      a.cfg.Risk.BusinessHours.Start,
		BusinessEnd:        a.cfg.Risk.BusinessHours.End,
		BulkThreshold:      a.cfg.Risk.BulkThreshold,
		Location:           loc,
	})
	if err != nil {
		return nil, err
	}
	sanitizer, err := audit.NewSanitizer(a.cfg.Capture.SecretKeys, a.cfg.Capture.PayloadLimitBytes)
	if err != nil {
		return nil, err
	}
	return audit.NewRecorder(audit.RecorderOptions{
		Store:      a.events,
		Assessor:   scorer,
		Sanitizer:  sanitizer,
		Tagger:     a.policies,
		StaticTags: a.cfg.Capture.ComplianceTags,
		QueueSize:  a.cfg.Capture.QueueSize,
		Workers:    a.cfg.Capture.Workers,
		OnAppend: func(e audit.AuditEvent) {
			if e.AlertTriggered {
				alerts.Dispatch(alert.HighRiskEvent(e))
			}
		},
	}), nil
}

// withApp opens the app for the duration of fn.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}
