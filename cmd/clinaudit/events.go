package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/clinaudit/clinaudit/internal/audit"
	"github.com/clinaudit/clinaudit/internal/config"
)

// ============================================================================
// clinaudit events: read the audit trail
// ============================================================================

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Query and export audit events",
}

var eventsFlags struct {
	actor      string
	entityType string
	entityID   string
	eventType  string
	minRisk    int
	alerts     bool
	since      string
	until      string
	limit      int
	format     string
}

func addEventFilterFlags(cmd *cobra.Command, defaultLimit int) {
	fl := cmd.Flags()
	fl.StringVar(&eventsFlags.actor, "actor", "", "Filter by actor id")
	fl.StringVar(&eventsFlags.entityType, "entity-type", "", "Filter by entity type")
	fl.StringVar(&eventsFlags.entityID, "entity-id", "", "Filter by entity id")
	fl.StringVar(&eventsFlags.eventType, "type", "", "Filter by event type")
	fl.IntVar(&eventsFlags.minRisk, "min-risk", 0, "Minimum risk score")
	fl.BoolVar(&eventsFlags.alerts, "alerts", false, "Only events that triggered an alert")
	fl.StringVar(&eventsFlags.since, "since", "", "Events since a duration ago (24h) or an RFC 3339 time")
	fl.StringVar(&eventsFlags.until, "until", "", "Events before a duration ago or an RFC 3339 time")
	fl.IntVar(&eventsFlags.limit, "limit", defaultLimit, "Maximum number of events (0 = all)")
}

func eventQueryParams() (audit.QueryParams, error) {
	p := audit.QueryParams{
		ActorID:    eventsFlags.actor,
		EntityType: eventsFlags.entityType,
		EntityID:   eventsFlags.entityID,
		MinRisk:    eventsFlags.minRisk,
		AlertsOnly: eventsFlags.alerts,
		Limit:      eventsFlags.limit,
	}
	var err error
	if eventsFlags.eventType != "" {
		if p.EventType, err = audit.ParseEventType(eventsFlags.eventType); err != nil {
			return p, err
		}
	}
	if p.Since, err = parseTimeFlag("since", eventsFlags.since); err != nil {
		return p, err
	}
	if p.Until, err = parseTimeFlag("until", eventsFlags.until); err != nil {
		return p, err
	}
	return p, nil
}

// parseTimeFlag accepts a duration back from now or an RFC 3339 time.
func parseTimeFlag(name, s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		return time.Now().Add(-d), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("--%s %q: want a duration (24h) or RFC 3339 time", name, s)
	}
	return t, nil
}

var eventsQueryCmd = &cobra.Command{
	Use:   "query",
	Short: "Query audit events, newest first",
	Long: `Query the audit trail with filters.

Examples:
  clinaudit events query --actor u-42 --since 24h
  clinaudit events query --type DELETE --min-risk 7`,
	RunE: func(cmd *cobra.Command, args []string) error {
		params, err := eventQueryParams()
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, a *app) error {
			events, err := a.events.Query(ctx, params)
			if err != nil {
				return err
			}
			if len(events) == 0 {
				fmt.Println("No matching audit events found.")
				return nil
			}
			for _, e := range events {
				printEvent(e)
			}
			fmt.Printf("\n%d events found.\n", len(events))
			return nil
		})
	},
}

var eventsExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export audit events",
	Long: `Export audit events to stdout. Supported formats: jsonl, json, csv.

Example:
  clinaudit events export --format csv --since 720h > audit.csv`,
	RunE: func(cmd *cobra.Command, args []string) error {
		params, err := eventQueryParams()
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, a *app) error {
			return a.events.Export(ctx, os.Stdout, params, eventsFlags.format)
		})
	},
}

func init() {
	addEventFilterFlags(eventsQueryCmd, 50)
	addEventFilterFlags(eventsExportCmd, 0)
	eventsExportCmd.Flags().StringVar(&eventsFlags.format, "format", "jsonl", "Export format: jsonl, json, csv")
	eventsCmd.AddCommand(eventsQueryCmd)
	eventsCmd.AddCommand(eventsExportCmd)
}

func printEvent(e audit.AuditEvent) {
	marker := " "
	if e.AlertTriggered {
		marker = "!"
	}
	actor := e.ActorID
	if actor == "" {
		actor = e.ActorName
	}
	fmt.Printf("%s #%-6d [%s] %-13s actor=%-10s risk=%-2d %s %s\n",
		marker, e.ChainIndex, e.Timestamp.Local().Format(time.DateTime), e.EventType,
		actor, e.RiskScore, e.OperationVerb, e.Endpoint)
}

// ============================================================================
// clinaudit config
// ============================================================================

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View and create the configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := filepath.Join(configDir, config.ConfigFile)
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				fmt.Printf("No config file found at %s (defaults apply).\n", path)
				fmt.Println("Run 'clinaudit config init' to create one.")
				return nil
			}
			return fmt.Errorf("reading config: %w", err)
		}
		if _, err := config.Load(path); err != nil {
			fmt.Fprintf(os.Stderr, "[clinaudit] Warning: %v\n", err)
		}
		fmt.Print(string(data))
		return nil
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config.yaml",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := os.MkdirAll(configDir, 0o700); err != nil {
			return fmt.Errorf("failed to create config directory %s: %w", configDir, err)
		}
		path := filepath.Join(configDir, config.ConfigFile)
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists", path)
		}
		if err := config.WriteDefault(path); err != nil {
			return err
		}
		fmt.Printf("[clinaudit] Default config written to %s\n", path)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configInitCmd)
}
