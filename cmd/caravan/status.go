package main

import (
	"fmt"
	"os"
	"time"

	"github.com/fieldworks/caravan/internal/debug"
	"github.com/fieldworks/caravan/internal/rpc"
	"github.com/fieldworks/caravan/internal/ui"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon and queue status",
	Long: `Reports the daemon, the sync queue, and pending conflicts. Prefers the
daemon's own self-report; without a daemon it reads the store directly
(optimistic update state lives in the daemon and is omitted then).`,
	Run: func(cmd *cobra.Command, args []string) {
		if client := connectDaemon(); client != nil {
			defer func() { _ = client.Close() }()
			st, err := client.Status()
			if err == nil {
				showDaemonStatus(st)
				return
			}
			debug.Logf("status: daemon query failed, reading store: %v\n", err)
		}
		showDirectStatus()
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func showDaemonStatus(st *rpc.StatusResult) {
	if jsonOutput {
		outputJSON(map[string]interface{}{
			"daemon":  st,
			"updates": st.Updates,
		})
		return
	}

	uptime := time.Duration(st.UptimeSeconds * float64(time.Second)).Round(time.Second)
	fmt.Printf("%s Daemon running: pid %d, version %s, up %s\n",
		ui.RenderPassIcon(), st.PID, st.Version, uptime)
	if st.Actor != "" {
		fmt.Printf("  actor:  %s\n", st.Actor)
	}
	fmt.Printf("  socket: %s\n", st.SocketPath)
	fmt.Println()

	if st.Queue != nil {
		renderQueueSummary(st.Queue)
	}
	if len(st.Updates) > 0 {
		fmt.Printf("Updates: ")
		parts := ""
		for _, status := range []string{"PENDING", "CONFIRMED", "FAILED", "ROLLED_BACK"} {
			if n, ok := st.Updates[status]; ok && n > 0 {
				if parts != "" {
					parts += "   "
				}
				parts += fmt.Sprintf("%d %s", n, status)
			}
		}
		fmt.Println(parts)
	}
}

func showDirectStatus() {
	ctx := rootCtx
	store, err := openStore(ctx)
	if err != nil {
		if jsonOutput {
			outputJSONError(err, "")
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	now := time.Now().UTC()
	summary, err := store.Summary(ctx, now)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading queue: %v\n", err)
		os.Exit(1)
	}
	stats, err := store.ConflictStats(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading conflicts: %v\n", err)
		os.Exit(1)
	}

	if jsonOutput {
		outputJSON(map[string]interface{}{
			"daemon":    nil,
			"queue":     summary,
			"conflicts": stats,
		})
		return
	}

	fmt.Printf("%s Daemon not running (direct store read)\n", ui.RenderMuted("·"))
	fmt.Println()
	renderQueueSummary(summary)
	if stats.Total > 0 {
		fmt.Println()
		renderConflictStats(stats)
	}
	if stats.Pending > 0 {
		fmt.Println()
		fmt.Println(ui.RenderWarn(fmt.Sprintf("%d conflicts need review: caravan conflicts list", stats.Pending)))
	}
}
