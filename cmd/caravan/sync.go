package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fieldworks/caravan/internal/config"
	"github.com/fieldworks/caravan/internal/engine"
	"github.com/fieldworks/caravan/internal/eventbus"
	"github.com/fieldworks/caravan/internal/remote"
	"github.com/fieldworks/caravan/internal/ui"
	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Push queued mutations now and exit",
	Long: `Claims and pushes queued mutations until nothing is claimable, then
exits. Entity leases make this safe alongside a running daemon; for
continuous background sync use 'caravan serve'.

Items that hit a conflict stay queued but blocked; review them with
'caravan conflicts list'.`,
	Run: func(cmd *cobra.Command, args []string) {
		timeout, _ := cmd.Flags().GetDuration("timeout")

		ctx := rootCtx
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		serverURL := config.ServerURL()
		if serverURL == "" {
			fmt.Fprintf(os.Stderr, "Error: no server-url configured\n")
			os.Exit(1)
		}

		store, err := openStore(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer func() { _ = store.Close() }()

		tuning := config.CurrentTuning()
		client := remote.New(serverURL, tuning.RequestTimeout)
		eng := engine.New(store, client, eventbus.New(), tuning, resolveActor())

		synced, err := eng.Drain(ctx)
		if err != nil {
			if jsonOutput {
				outputJSONError(fmt.Errorf("synced %d items, then: %w", synced, err), "")
			}
			fmt.Fprintf(os.Stderr, "Error: synced %d items, then: %v\n", synced, err)
			os.Exit(1)
		}

		summary, err := store.Summary(ctx, time.Now().UTC())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading queue after sync: %v\n", err)
			os.Exit(1)
		}

		if jsonOutput {
			outputJSON(map[string]interface{}{
				"synced":  synced,
				"pending": summary.Pending,
				"failed":  summary.Failed,
				"blocked": summary.Blocked,
			})
			return
		}

		fmt.Printf("%s Synced %d items\n", ui.RenderPassIcon(), synced)
		if summary.Blocked > 0 {
			fmt.Println(ui.RenderWarn(fmt.Sprintf("%d items blocked by conflicts: caravan conflicts list", summary.Blocked)))
		}
		if summary.Failed > 0 {
			fmt.Println(ui.RenderFail(fmt.Sprintf("%d items failed; they retry with backoff (caravan queue list --status FAILED)", summary.Failed)))
		}
	},
}

func init() {
	syncCmd.Flags().Duration("timeout", 0, "Give up after this long (default: run until drained)")
	rootCmd.AddCommand(syncCmd)
}
