package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/clinaudit/clinaudit/internal/alert"
	"github.com/clinaudit/clinaudit/internal/archive"
	"github.com/clinaudit/clinaudit/internal/audit"
)

// ============================================================================
// clinaudit record
// ============================================================================

var recordFlags struct {
	eventType   string
	verb        string
	endpoint    string
	entityType  string
	entityID    string
	actorID     string
	actorName   string
	privileged  bool
	facility    string
	sourceIP    string
	userAgent   string
	sessionID   string
	status      int
	pageSize    int
	payload     string
	processedMs int
}

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Capture one audited operation",
	Long: `Capture one operation through the same path the platform uses: the
event type is derived from verb and endpoint unless --type is given, the
risk score is computed, secrets in the payload are redacted, and the event
is appended to the chain. High-risk events raise an alert. With
capture.synchronous set, append failures are reported; otherwise they are
only logged.

Example:
  clinaudit record --verb DELETE --endpoint /api/patients/p-17 \
    --entity-type patient --entity-id p-17 --actor u-42 --status 204`,
	RunE: func(cmd *cobra.Command, args []string) error {
		f := recordFlags
		d := audit.Descriptor{
			Verb:            f.verb,
			Endpoint:        f.endpoint,
			EntityType:      f.entityType,
			EntityID:        f.entityID,
			ActorID:         f.actorID,
			ActorName:       f.actorName,
			ActorPrivileged: f.privileged,
			FacilityCode:    f.facility,
			Network:         audit.NetworkInfo{SourceIP: f.sourceIP, UserAgent: f.userAgent, SessionID: f.sessionID},
			PageSize:        f.pageSize,
		}
		if f.eventType != "" {
			t, err := audit.ParseEventType(f.eventType)
			if err != nil {
				return err
			}
			d.EventType = t
		}
		if f.payload != "" {
			var payload any
			if err := json.Unmarshal([]byte(f.payload), &payload); err != nil {
				return fmt.Errorf("--payload must be JSON: %w", err)
			}
			d.Payload = payload
		}
		o := audit.Outcome{Status: f.status, ProcessingTime: time.Duration(f.processedMs) * time.Millisecond}

		return withApp(cmd, func(ctx context.Context, a *app) error {
			alerts := a.dispatcher()
			defer alerts.Wait()

			rec, err := a.recorder(alerts)
			if err != nil {
				return err
			}
			defer rec.Close(context.Background())

			if !a.cfg.Capture.Synchronous {
				// Failures are logged by the worker, not returned.
				rec.Record(d, o)
				if err := rec.Close(ctx); err != nil {
					return err
				}
				fmt.Println("[clinaudit] Operation captured")
				return nil
			}

			e, err := rec.RecordSync(ctx, d, o)
			if err != nil {
				return err
			}
			fmt.Printf("[clinaudit] Recorded #%d %s risk=%d factors=%s tags=%s\n",
				e.ChainIndex, e.EventType, e.RiskScore,
				strings.Join(e.RiskFactors, ","), strings.Join(e.ComplianceTags, ","))
			if e.AlertTriggered {
				fmt.Println("[clinaudit] ALERT: high-risk event")
			}
			return nil
		})
	},
}

func init() {
	fl := recordCmd.Flags()
	fl.StringVar(&recordFlags.eventType, "type", "", "Event type (derived from verb and endpoint when empty)")
	fl.StringVar(&recordFlags.verb, "verb", "GET", "Operation verb")
	fl.StringVar(&recordFlags.endpoint, "endpoint", "", "Operation endpoint")
	fl.StringVar(&recordFlags.entityType, "entity-type", "", "Affected entity type")
	fl.StringVar(&recordFlags.entityID, "entity-id", "", "Affected entity id")
	fl.StringVar(&recordFlags.actorID, "actor", "", "Actor id (empty records ANONYMOUS)")
	fl.StringVar(&recordFlags.actorName, "actor-name", "", "Actor display name")
	fl.BoolVar(&recordFlags.privileged, "privileged", false, "Actor holds a privileged role")
	fl.StringVar(&recordFlags.facility, "facility", "", "Facility code")
	fl.StringVar(&recordFlags.sourceIP, "source-ip", "", "Client address")
	fl.StringVar(&recordFlags.userAgent, "user-agent", "", "Client user agent")
	fl.StringVar(&recordFlags.sessionID, "session", "", "Session id")
	fl.IntVar(&recordFlags.status, "status", 200, "Outcome status code")
	fl.IntVar(&recordFlags.pageSize, "page-size", 0, "Requested page or result size")
	fl.StringVar(&recordFlags.payload, "payload", "", "Request payload as JSON")
	fl.IntVar(&recordFlags.processedMs, "processing-ms", 0, "Processing time in milliseconds")
	recordCmd.MarkFlagRequired("endpoint")
}

// ============================================================================
// clinaudit verify
// ============================================================================

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify hash chain integrity",
	Long: `Walk the audit chain in index order, recompute every hash and check
every link. The outcome is recorded in the integrity history. A broken
chain raises a critical alert and exits non-zero.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			rec, err := audit.NewVerifier(a.events).Verify(ctx, "cli")
			if err != nil {
				return err
			}
			if rec.ChainValid {
				fmt.Printf("[clinaudit] Hash chain VALID (%d links verified in %dms)\n", rec.TotalEventsScanned, rec.DurationMs)
				return nil
			}

			alerts := a.dispatcher()
			alerts.Dispatch(alert.ChainCorruption(rec))
			alerts.Wait()

			fmt.Printf("[clinaudit] Hash chain BROKEN after index %d\n", rec.LastValidIndex)
			for _, id := range rec.CorruptedEventIDs {
				fmt.Printf("  corrupted: %s\n", id)
			}
			return fmt.Errorf("audit chain integrity violation detected")
		})
	},
}

// ============================================================================
// clinaudit archive / purge
// ============================================================================

var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Archive events past their policy's archive window",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			sched, err := a.scheduler(ctx)
			if err != nil {
				return err
			}
			res, err := sched.ArchiveEligible(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("[clinaudit] Archived %d events\n", res.Count)
			return policyErrors(res)
		})
	},
}

var purgeDryRun bool

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Purge events past their policy's retention period",
	Long: `Remove events whose retention period has elapsed. Events of policies
with an archive window are only purged once archived. Each purged event
leaves a tombstone so the chain stays verifiable.

--dry-run reports per-policy archive and purge eligibility without moving
any data.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			sched, err := a.scheduler(ctx)
			if err != nil {
				return err
			}
			if purgeDryRun {
				preview, err := sched.Preview(ctx)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "POLICY\tARCHIVE\tPURGE\tERROR")
				for _, p := range preview {
					fmt.Fprintf(tw, "%s\t%d\t%d\t%s\n", p.Policy, p.ArchiveEligible, p.PurgeEligible, p.Error)
				}
				return tw.Flush()
			}

			res, err := sched.PurgeExpired(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("[clinaudit] Purged %d events\n", res.Count)
			return policyErrors(res)
		})
	},
}

func init() {
	purgeCmd.Flags().BoolVar(&purgeDryRun, "dry-run", false, "Report eligibility without purging")
}

func policyErrors(res archive.Result) error {
	if len(res.Errors) == 0 {
		return nil
	}
	for _, e := range res.Errors {
		fmt.Fprintf(os.Stderr, "[clinaudit] %v\n", e)
	}
	return fmt.Errorf("%d policy error(s)", len(res.Errors))
}

// ============================================================================
// clinaudit nightly
// ============================================================================

var nightlyCmd = &cobra.Command{
	Use:   "nightly",
	Short: "Nightly maintenance job",
}

var nightlyRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the nightly job once, now",
	Long: `Run verify, archive, purge and report once. The job takes the same
lease as the scheduled run, so it does nothing while another process is
running it.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			alerts := a.dispatcher()
			defer alerts.Wait()

			job, err := a.job(ctx, alerts)
			if err != nil {
				return err
			}
			sum, err := job.Run(ctx)
			if err != nil {
				return err
			}
			for _, s := range sum.Steps {
				status := "ok"
				if s.Error != "" {
					status = "FAILED: " + s.Error
				}
				fmt.Printf("[clinaudit] %-8s %-10s %s\n", s.Name, s.Duration.Round(time.Millisecond), status)
			}
			if sum.Report != nil {
				fmt.Printf("[clinaudit] Compliance status %s, report %s\n", sum.Report.Status, sum.ReportPath)
			}
			if sum.Failed() {
				return fmt.Errorf("nightly job finished with failed steps")
			}
			return nil
		})
	},
}

func init() {
	nightlyCmd.AddCommand(nightlyRunCmd)
}

// ============================================================================
// clinaudit report / integrity
// ============================================================================

var reportWrite bool

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Print the compliance report",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			r := a.reporter()
			rep, err := r.Build(ctx, nil)
			if err != nil {
				return err
			}
			if reportWrite {
				path, err := r.Write(rep)
				if err != nil {
					return err
				}
				fmt.Fprintf(os.Stderr, "[clinaudit] Report written to %s\n", path)
			}
			return printJSON(rep)
		})
	},
}

func init() {
	reportCmd.Flags().BoolVar(&reportWrite, "write", false, "Also write the report to the report directory")
}

var integrityCmd = &cobra.Command{
	Use:   "integrity",
	Short: "Integrity check history",
}

var integrityLimit int

var integrityHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "Show past verification outcomes, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			hist, err := a.events.IntegrityHistory(ctx, integrityLimit)
			if err != nil {
				return err
			}
			if len(hist) == 0 {
				fmt.Println("No integrity checks recorded.")
				return nil
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tVALID\tSCANNED\tLAST VALID\tCORRUPTED\tBY")
			for _, r := range hist {
				fmt.Fprintf(tw, "%s\t%t\t%d\t%d\t%d\t%s\n",
					r.Timestamp.Local().Format(time.DateTime), r.ChainValid, r.TotalEventsScanned,
					r.LastValidIndex, len(r.CorruptedEventIDs), r.PerformedBy)
			}
			return tw.Flush()
		})
	},
}

func init() {
	integrityHistoryCmd.Flags().IntVar(&integrityLimit, "limit", 20, "Number of checks to show")
	integrityCmd.AddCommand(integrityHistoryCmd)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
