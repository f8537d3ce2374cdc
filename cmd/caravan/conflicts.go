package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/fieldworks/caravan/internal/config"
	"github.com/fieldworks/caravan/internal/conflict"
	"github.com/fieldworks/caravan/internal/debug"
	"github.com/fieldworks/caravan/internal/eventbus"
	"github.com/fieldworks/caravan/internal/remote"
	"github.com/fieldworks/caravan/internal/rpc"
	"github.com/fieldworks/caravan/internal/storage"
	"github.com/fieldworks/caravan/internal/types"
	"github.com/fieldworks/caravan/internal/ui"
	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"
)

var conflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "Review and resolve sync conflicts",
	Long: `A conflict records a local change and a server change to the same
entity that cannot both win. The queued item stays blocked until a
coordinator resolves the conflict; resolving applies the chosen version
to the server and unblocks the entity.`,
}

var conflictsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List conflicts",
	Run: func(cmd *cobra.Command, args []string) {
		listArgs := conflictArgsFromFlags(cmd)

		var since time.Time
		if phrase, _ := cmd.Flags().GetString("since"); phrase != "" {
			t, err := parseTimePhrase(phrase)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			since = t
		}

		var conflicts []*types.Conflict
		var err error
		fetched := false
		if client := connectDaemon(); client != nil {
			defer func() { _ = client.Close() }()
			conflicts, err = client.ConflictList(listArgs)
			if err == nil {
				fetched = true
			} else {
				debug.Logf("conflicts list: daemon query failed, reading store: %v\n", err)
			}
		}
		if !fetched {
			filter, ferr := listArgs.Filter()
			if ferr != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", ferr)
				os.Exit(1)
			}
			store, serr := openStore(rootCtx)
			if serr != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", serr)
				os.Exit(1)
			}
			defer func() { _ = store.Close() }()

			conflicts, err = store.ListConflicts(rootCtx, filter)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
		}

		if !since.IsZero() {
			kept := conflicts[:0]
			for _, c := range conflicts {
				if !c.DetectedAt.Before(since) {
					kept = append(kept, c)
				}
			}
			conflicts = kept
		}

		if jsonOutput {
			outputJSON(conflicts)
			return
		}
		renderConflicts(conflicts)
	},
}

var conflictsShowCmd = &cobra.Command{
	Use:   "show ID",
	Short: "Show one conflict with both versions",
	Long: `Shows a conflict with the local and server versions side by side.
Long payloads are truncated; --full shows everything. --report renders
a markdown review document instead (through the pager when the output
is long).`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		full, _ := cmd.Flags().GetBool("full")
		report, _ := cmd.Flags().GetBool("report")
		noPager, _ := cmd.Flags().GetBool("no-pager")

		c := fetchConflict(args[0])

		if jsonOutput {
			outputJSON(c)
			return
		}
		if report {
			rendered := ui.RenderMarkdown(conflictReport(c))
			if err := ui.ToPager(rendered, ui.PagerOptions{NoPager: noPager}); err != nil {
				fmt.Print(rendered)
			}
			return
		}
		renderConflictDetail(c, full)
	},
}

var conflictsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show conflict counts",
	Run: func(cmd *cobra.Command, args []string) {
		var stats *types.ConflictStats
		var err error
		if client := connectDaemon(); client != nil {
			defer func() { _ = client.Close() }()
			stats, err = client.ConflictStats()
			if err != nil {
				debug.Logf("conflicts stats: daemon query failed, reading store: %v\n", err)
				stats = nil
			}
		}
		if stats == nil {
			store, serr := openStore(rootCtx)
			if serr != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", serr)
				os.Exit(1)
			}
			defer func() { _ = store.Close() }()

			stats, err = store.ConflictStats(rootCtx)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
		}

		if jsonOutput {
			outputJSON(stats)
			return
		}
		renderConflictStats(stats)
	},
}

var conflictsResolveCmd = &cobra.Command{
	Use:   "resolve ID",
	Short: "Resolve a conflict",
	Long: `Resolves a conflict and pushes the winning version to the server.

Strategies:
  LOCAL_WINS   keep the field worker's version
  SERVER_WINS  accept the server's version, drop the local change
  MERGE        union non-conflicting fields; server wins contested ones
  MANUAL       push the record given with --merged / --merged-file

Without --strategy an interactive picker opens (TTY only). Resolution
requires a justification; both land in the conflict's audit trail.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		id := args[0]
		strategyArg, _ := cmd.Flags().GetString("strategy")
		justification, _ := cmd.Flags().GetString("justification")

		mergedData, err := readMergedData(cmd)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		if strategyArg == "" {
			if !ui.IsTerminal() || ui.IsAgentMode() {
				fmt.Fprintf(os.Stderr, "Error: --strategy is required outside a terminal\n")
				os.Exit(1)
			}
			strategyArg, justification, err = resolveForm(fetchConflict(id), justification)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
		}

		strategy := types.ResolutionStrategy(strings.ToUpper(strategyArg))
		if strategy == types.ResolutionManual && len(mergedData) == 0 {
			fmt.Fprintf(os.Stderr, "Error: MANUAL resolution needs the merged record (--merged or --merged-file)\n")
			os.Exit(1)
		}

		var resolved *types.Conflict
		if client := connectDaemon(); client != nil {
			defer func() { _ = client.Close() }()
			resolved, err = client.ConflictResolve(rpc.ConflictResolveArgs{
				ID:            id,
				Strategy:      string(strategy),
				MergedData:    mergedData,
				Justification: justification,
			})
		} else {
			resolved, err = resolveDirect(rootCtx, id, strategy, mergedData, justification)
		}
		if err != nil {
			if jsonOutput {
				outputJSONError(err, "")
			}
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		if jsonOutput {
			outputJSON(resolved)
			return
		}
		fmt.Printf("%s Resolved %s with %s\n", ui.RenderPassIcon(), resolved.ID, resolved.ResolutionStrategy)
		if resolved.QueueItemID != "" {
			fmt.Printf("  unblocked %s\n", resolved.QueueItemID)
		}
	},
}

var conflictsEscalateCmd = &cobra.Command{
	Use:   "escalate ID",
	Short: "Escalate a conflict to the regional coordinator",
	Long: `Marks a conflict as beyond local authority. Escalated conflicts keep
their items blocked until someone with authority resolves them.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		reason, _ := cmd.Flags().GetString("reason")

		store, err := openStore(rootCtx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer func() { _ = store.Close() }()

		resolver := newDirectResolver(store)
		c, err := resolver.Escalate(rootCtx, args[0], resolveActor(), reason)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		if jsonOutput {
			outputJSON(c)
			return
		}
		fmt.Printf("%s Escalated %s\n", ui.RenderWarnIcon(), c.ID)
	},
}

var conflictsArchiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Archive old resolved conflicts",
	Long: `Tombstones resolved conflicts older than the cutoff so triage views
stay small. Archived conflicts remain queryable with --archived.

  caravan conflicts archive --days 30
  caravan conflicts archive --older-than "3 months ago"`,
	Run: func(cmd *cobra.Command, args []string) {
		days, _ := cmd.Flags().GetInt("days")
		if phrase, _ := cmd.Flags().GetString("older-than"); phrase != "" {
			t, err := parseTimePhrase(phrase)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			days = int(time.Since(t).Hours() / 24)
			if days < 0 {
				fmt.Fprintf(os.Stderr, "Error: --older-than %q is in the future\n", phrase)
				os.Exit(1)
			}
		}

		store, err := openStore(rootCtx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer func() { _ = store.Close() }()

		n, err := newDirectResolver(store).ArchiveResolvedOlderThan(rootCtx, days)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		if jsonOutput {
			outputJSON(map[string]int{"archived": n, "days": days})
			return
		}
		fmt.Printf("%s Archived %d resolved conflicts older than %d days\n", ui.RenderPassIcon(), n, days)
	},
}

// newDirectResolver builds a resolver over a direct store handle, for
// commands running without the daemon. Resolution pushes to the server, so
// it needs the remote client; a missing server-url surfaces as a push
// error, not here.
func newDirectResolver(store storage.Store) *conflict.Resolver {
	tuning := config.CurrentTuning()
	client := remote.New(config.ServerURL(), tuning.RequestTimeout)
	return conflict.NewResolver(store, client, eventbus.New())
}

func resolveDirect(ctx context.Context, id string, strategy types.ResolutionStrategy, mergedData types.Payload, justification string) (*types.Conflict, error) {
	store, err := openStore(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = store.Close() }()

	return newDirectResolver(store).Resolve(ctx, id, strategy, mergedData, resolveActor(), justification)
}

// fetchConflict loads one conflict, daemon-first.
func fetchConflict(id string) *types.Conflict {
	if client := connectDaemon(); client != nil {
		defer func() { _ = client.Close() }()
		c, err := client.ConflictShow(id)
		if err == nil {
			return c
		}
		if !strings.Contains(err.Error(), "not found") {
			debug.Logf("conflict show: daemon query failed, reading store: %v\n", err)
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}

	store, err := openStore(rootCtx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	c, err := store.GetConflict(rootCtx, id)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return c
}

// resolveForm is the interactive strategy picker. It shows enough of the
// conflict to decide without scrolling back.
func resolveForm(c *types.Conflict, justification string) (string, string, error) {
	var strategy string

	note := fmt.Sprintf("%s conflict on %s/%s (severity %s)",
		c.Type, c.EntityKind, c.EntityID, c.Severity)
	if len(c.ConflictFields) > 0 {
		note += "\ncontested fields: " + strings.Join(c.ConflictFields, ", ")
	}

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Conflict "+c.ID).
				Description(note),
			huh.NewSelect[string]().
				Title("Resolution strategy").
				Options(
					huh.NewOption("Keep local version (field worker wins)", string(types.ResolutionLocalWins)),
					huh.NewOption("Accept server version (drop local change)", string(types.ResolutionServerWins)),
					huh.NewOption("Merge (union fields, server wins contested)", string(types.ResolutionMerge)),
				).
				Value(&strategy),
			huh.NewText().
				Title("Justification").
				Description("Recorded in the audit trail").
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return fmt.Errorf("justification is required")
					}
					return nil
				}).
				Value(&justification),
		),
	)

	if err := form.Run(); err != nil {
		return "", "", err
	}
	return strategy, justification, nil
}

// readMergedData loads the MANUAL-resolution record from --merged or
// --merged-file.
func readMergedData(cmd *cobra.Command) (types.Payload, error) {
	inline, _ := cmd.Flags().GetString("merged")
	file, _ := cmd.Flags().GetString("merged-file")
	if inline == "" && file == "" {
		return nil, nil
	}
	if inline != "" && file != "" {
		return nil, fmt.Errorf("--merged and --merged-file are mutually exclusive")
	}

	data := []byte(inline)
	if file != "" {
		var err error
		data, err = os.ReadFile(file) // #nosec G304 - user-supplied merge file
		if err != nil {
			return nil, fmt.Errorf("read merged record: %w", err)
		}
	}

	var p types.Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse merged record: %w", err)
	}
	return p, nil
}

func conflictArgsFromFlags(cmd *cobra.Command) rpc.ConflictListArgs {
	args := rpc.ConflictListArgs{}
	status, _ := cmd.Flags().GetString("status")
	args.Status = strings.ToUpper(status)
	kind, _ := cmd.Flags().GetString("kind")
	args.Kind = strings.ToUpper(kind)
	severity, _ := cmd.Flags().GetString("severity")
	args.Severity = strings.ToUpper(severity)
	args.EntityID, _ = cmd.Flags().GetString("entity")
	args.IncludeArchived, _ = cmd.Flags().GetBool("archived")
	args.Limit, _ = cmd.Flags().GetInt("limit")
	return args
}

// parseTimePhrase accepts natural-language times ("yesterday", "3 days
// ago") and RFC3339 timestamps.
func parseTimePhrase(phrase string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, phrase); err == nil {
		return t, nil
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)

	result, err := w.Parse(phrase, time.Now())
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", phrase, err)
	}
	if result == nil {
		return time.Time{}, fmt.Errorf("cannot understand time %q", phrase)
	}
	return result.Time, nil
}

func init() {
	conflictsListCmd.Flags().String("status", "", "Filter by status (PENDING, RESOLVED, ESCALATED)")
	conflictsListCmd.Flags().String("kind", "", "Filter by entity kind")
	conflictsListCmd.Flags().String("severity", "", "Filter by severity (LOW, MEDIUM, HIGH, CRITICAL)")
	conflictsListCmd.Flags().String("entity", "", "Filter by entity ID")
	conflictsListCmd.Flags().Bool("archived", false, "Include archived conflicts")
	conflictsListCmd.Flags().Int("limit", 0, "Maximum conflicts to show")
	conflictsListCmd.Flags().String("since", "", "Only conflicts detected since (natural language or RFC3339)")

	conflictsShowCmd.Flags().Bool("full", false, "Show complete payloads and audit trail")
	conflictsShowCmd.Flags().Bool("report", false, "Render a markdown review document")
	conflictsShowCmd.Flags().Bool("no-pager", false, "Never pipe report output to a pager")

	conflictsResolveCmd.Flags().String("strategy", "", "LOCAL_WINS, SERVER_WINS, MERGE, or MANUAL")
	conflictsResolveCmd.Flags().String("merged", "", "Merged record as inline JSON (MANUAL strategy)")
	conflictsResolveCmd.Flags().String("merged-file", "", "Merged record from a file (MANUAL strategy)")
	conflictsResolveCmd.Flags().String("justification", "", "Why this resolution is right")

	conflictsEscalateCmd.Flags().String("reason", "", "Why local authority is not enough")

	conflictsArchiveCmd.Flags().Int("days", config.DefaultArchiveDays, "Archive resolved conflicts older than this many days")
	conflictsArchiveCmd.Flags().String("older-than", "", "Cutoff as a time phrase (overrides --days)")

	conflictsCmd.AddCommand(conflictsListCmd, conflictsShowCmd, conflictsStatsCmd, conflictsResolveCmd, conflictsEscalateCmd, conflictsArchiveCmd)
	rootCmd.AddCommand(conflictsCmd)
}
