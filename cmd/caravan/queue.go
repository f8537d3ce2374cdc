package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fieldworks/caravan/internal/config"
	"github.com/fieldworks/caravan/internal/debug"
	"github.com/fieldworks/caravan/internal/rpc"
	"github.com/fieldworks/caravan/internal/rules"
	"github.com/fieldworks/caravan/internal/storage"
	"github.com/fieldworks/caravan/internal/types"
	"github.com/fieldworks/caravan/internal/ui"
	"github.com/spf13/cobra"
)

// watchPollMs is the per-poll timeout in --watch mode. Short enough that
// Ctrl+C feels immediate; the daemon holds the poll open, so re-polls are
// one round trip each.
const watchPollMs = 2500

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and manage the sync queue",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued mutations",
	Long: `Lists queue items in sync order. With --watch, holds the terminal and
redraws whenever the queue changes (requires the daemon).`,
	Run: func(cmd *cobra.Command, args []string) {
		listArgs := queueArgsFromFlags(cmd)
		full, _ := cmd.Flags().GetBool("full")

		if watch, _ := cmd.Flags().GetBool("watch"); watch {
			watchQueue(listArgs, full)
			return
		}

		if client := connectDaemon(); client != nil {
			defer func() { _ = client.Close() }()
			items, err := client.QueueList(listArgs)
			if err == nil {
				printItems(items, full)
				return
			}
			debug.Logf("queue list: daemon query failed, reading store: %v\n", err)
		}

		now := time.Now().UTC()
		filter, err := listArgs.Filter(now)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		store, err := openStore(rootCtx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer func() { _ = store.Close() }()

		items, err := store.ListItems(rootCtx, filter)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		printItems(items, full)
	},
}

var queueSummaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Show queue counts by status and priority",
	Run: func(cmd *cobra.Command, args []string) {
		if client := connectDaemon(); client != nil {
			defer func() { _ = client.Close() }()
			summary, err := client.QueueSummary()
			if err == nil {
				printSummary(summary)
				return
			}
			debug.Logf("queue summary: daemon query failed, reading store: %v\n", err)
		}

		store, err := openStore(rootCtx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer func() { _ = store.Close() }()

		summary, err := store.Summary(rootCtx, time.Now().UTC())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		printSummary(summary)
	},
}

var queueRetryCmd = &cobra.Command{
	Use:   "retry ID",
	Short: "Clear an item's failure state and retry it",
	Long: `Reschedules a failed item immediately. Items that exhausted their
attempts get a fresh retry budget. Blocked items cannot be retried;
resolve their conflict first.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		id := args[0]

		if client := connectDaemon(); client != nil {
			defer func() { _ = client.Close() }()
			item, err := client.QueueRetry(id)
			if err != nil {
				failQueueOp(err)
			}
			printRetried(item)
			return
		}

		store, err := openStore(rootCtx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer func() { _ = store.Close() }()

		tuning := config.CurrentTuning()
		item, err := storage.Mutate(rootCtx, store, id, func(item *types.QueueItem) error {
			if item.BlockedBy != "" {
				return fmt.Errorf("item is blocked by conflict %s; resolve it first", item.BlockedBy)
			}
			if item.TerminalFailed() {
				item.MaxRetries = item.RetryCount + tuning.MaxRetries
			}
			item.LastError = ""
			item.NextAttemptAt = nil
			return nil
		})
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				err = fmt.Errorf("queue item %s not found", id)
			}
			failQueueOp(err)
		}
		printRetried(item)
	},
}

var queueRemoveCmd = &cobra.Command{
	Use:   "remove ID",
	Short: "Drop a mutation from the queue",
	Long: `Removes a queue item without syncing it. The local change it carried
is abandoned; linked optimistic updates roll back on their next failure.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		id := args[0]

		var item *types.QueueItem
		if client := connectDaemon(); client != nil {
			defer func() { _ = client.Close() }()
			removed, err := client.QueueRemove(id)
			if err != nil {
				failQueueOp(err)
			}
			item = removed
		} else {
			store, err := openStore(rootCtx)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			defer func() { _ = store.Close() }()

			item, err = store.GetItem(rootCtx, id)
			if err == nil {
				err = store.RemoveItem(rootCtx, id)
			}
			if err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					err = fmt.Errorf("queue item %s not found", id)
				}
				failQueueOp(err)
			}
		}

		if jsonOutput {
			outputJSON(item)
			return
		}
		fmt.Printf("%s Removed %s (%s %s %s)\n", ui.RenderPassIcon(), item.ID, item.EntityKind, item.Action, item.EntityID)
	},
}

var queueOverrideCmd = &cobra.Command{
	Use:   "override ID",
	Short: "Pin or clear a manual priority score",
	Long: `Pins a coordinator-supplied score on a queue item. Pinned scores
survive rule changes and rescoring until cleared. Overrides require a
justification; both land in the item's record.

  caravan queue override itm-x7k2p9 --score 95 --justification "medevac convoy"
  caravan queue override itm-x7k2p9 --clear`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		id := args[0]
		score, _ := cmd.Flags().GetInt("score")
		justification, _ := cmd.Flags().GetString("justification")
		clear, _ := cmd.Flags().GetBool("clear")

		if !clear && !cmd.Flags().Changed("score") {
			fmt.Fprintf(os.Stderr, "Error: either --score or --clear is required\n")
			os.Exit(1)
		}

		var item *types.QueueItem
		var err error
		if client := connectDaemon(); client != nil {
			defer func() { _ = client.Close() }()
			item, err = client.OverridePriority(rpc.OverridePriorityArgs{
				ID:            id,
				Score:         score,
				Justification: justification,
				Clear:         clear,
			})
		} else {
			var store storage.Store
			store, err = openStore(rootCtx)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			defer func() { _ = store.Close() }()

			registry := rules.New(store)
			if clear {
				item, err = registry.ClearOverride(rootCtx, id)
			} else {
				item, err = registry.OverridePriority(rootCtx, id, score, resolveActor(), justification)
			}
		}
		if err != nil {
			failQueueOp(err)
		}

		if jsonOutput {
			outputJSON(item)
			return
		}
		if clear {
			fmt.Printf("%s Cleared override on %s: score %d %s\n",
				ui.RenderPassIcon(), item.ID, item.PriorityScore, ui.RenderPriorityLabel(item.PriorityLabel))
			return
		}
		fmt.Printf("%s Pinned %s at %d %s\n",
			ui.RenderPassIcon(), item.ID, item.PriorityScore, ui.RenderPriorityLabel(item.PriorityLabel))
	},
}

// queueArgsFromFlags builds wire args from the list flags. Enum values are
// uppercased so 'incident' works; validation happens in Filter or on the
// daemon side.
func queueArgsFromFlags(cmd *cobra.Command) rpc.QueueListArgs {
	args := rpc.QueueListArgs{}
	kind, _ := cmd.Flags().GetString("kind")
	args.Kind = strings.ToUpper(kind)
	label, _ := cmd.Flags().GetString("label")
	args.Label = strings.ToUpper(label)
	status, _ := cmd.Flags().GetString("status")
	args.Status = strings.ToUpper(status)
	args.EntityID, _ = cmd.Flags().GetString("entity")
	if cmd.Flags().Changed("blocked") {
		blocked, _ := cmd.Flags().GetBool("blocked")
		args.Blocked = &blocked
	}
	args.Limit, _ = cmd.Flags().GetInt("limit")
	return args
}

// watchQueue long-polls the daemon and redraws on every change. The first
// poll returns the current state immediately.
func watchQueue(listArgs rpc.QueueListArgs, full bool) {
	client := requireDaemon()
	defer func() { _ = client.Close() }()

	watchArgs := rpc.QueueWatchArgs{
		QueueListArgs: listArgs,
		Since:         0,
		TimeoutMs:     watchPollMs,
	}
	for {
		res, err := client.QueueWatch(watchArgs)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: watch: %v\n", err)
			os.Exit(1)
		}
		watchArgs.Since = res.LastMutationMs

		if res.Changed {
			if jsonOutput {
				outputJSON(res)
			} else {
				fmt.Printf("%s %s\n", ui.RenderSeparator(), time.Now().Format("15:04:05"))
				if res.Summary != nil {
					fmt.Printf("%d items  %d pending  %d failed  %d blocked\n",
						res.Summary.TotalItems, res.Summary.Pending, res.Summary.Failed, res.Summary.Blocked)
				}
				renderItems(res.Items, time.Now(), full)
			}
		}

		select {
		case <-rootCtx.Done():
			return
		default:
		}
	}
}

func printItems(items []*types.QueueItem, full bool) {
	if jsonOutput {
		outputJSON(items)
		return
	}
	renderItems(items, time.Now(), full)
}

func printSummary(summary *types.QueueSummary) {
	if jsonOutput {
		outputJSON(summary)
		return
	}
	renderQueueSummary(summary)
}

func printRetried(item *types.QueueItem) {
	if jsonOutput {
		outputJSON(item)
		return
	}
	fmt.Printf("%s Retrying %s (%s %s %s)\n", ui.RenderPassIcon(), item.ID, item.EntityKind, item.Action, item.EntityID)
}

// failQueueOp reports a queue operation error and exits.
func failQueueOp(err error) {
	if jsonOutput {
		outputJSONError(err, "")
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

func init() {
	queueListCmd.Flags().String("kind", "", "Filter by entity kind (ASSESSMENT, RESPONSE, INCIDENT, ENTITY, MEDIA)")
	queueListCmd.Flags().String("label", "", "Filter by priority label (CRITICAL, HIGH, NORMAL, LOW)")
	queueListCmd.Flags().String("status", "", "Filter by status (PENDING, SYNCING, FAILED)")
	queueListCmd.Flags().String("entity", "", "Filter by entity ID")
	queueListCmd.Flags().Bool("blocked", false, "Only conflict-blocked items (--blocked=false for unblocked)")
	queueListCmd.Flags().Int("limit", 0, "Maximum items to show")
	queueListCmd.Flags().Bool("watch", false, "Hold the terminal and redraw on changes (requires the daemon)")
	queueListCmd.Flags().Bool("full", false, "Show payloads, reasons, and errors")

	queueOverrideCmd.Flags().Int("score", 0, "Score to pin (0-100)")
	queueOverrideCmd.Flags().String("justification", "", "Why the override is needed (required with --score)")
	queueOverrideCmd.Flags().Bool("clear", false, "Remove the override and restore rule-derived scoring")

	queueCmd.AddCommand(queueListCmd, queueSummaryCmd, queueRetryCmd, queueRemoveCmd, queueOverrideCmd)
	rootCmd.AddCommand(queueCmd)
}
