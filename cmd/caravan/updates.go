package main

import (
	"fmt"
	"strings"

	"github.com/fieldworks/caravan/internal/ui"
	"github.com/spf13/cobra"
)

var updatesCmd = &cobra.Command{
	Use:   "updates",
	Short: "Manage optimistic updates",
	Long: `Optimistic updates are local edits already shown in the field UI while
their sync is still in flight. They confirm when the server accepts the
change, fail when retries run out, and can be rolled back to the
original record.

Update state lives in the daemon, so these commands need 'caravan serve'
running.`,
}

var updatesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List optimistic updates",
	Run: func(cmd *cobra.Command, args []string) {
		status, _ := cmd.Flags().GetString("status")

		client := requireDaemon()
		defer func() { _ = client.Close() }()

		updates, err := client.UpdateList(strings.ToUpper(status))
		if err != nil {
			failQueueOp(err)
		}

		if jsonOutput {
			outputJSON(updates)
			return
		}
		renderUpdates(updates)
	},
}

var updatesRetryCmd = &cobra.Command{
	Use:   "retry ID",
	Short: "Retry a failed update",
	Long: `Re-queues a failed update's mutation with a fresh attempt budget. The
UI keeps showing the optimistic value while the retry runs.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		client := requireDaemon()
		defer func() { _ = client.Close() }()

		update, err := client.UpdateRetry(args[0])
		if err != nil {
			failQueueOp(err)
		}

		if jsonOutput {
			outputJSON(update)
			return
		}
		fmt.Printf("%s Retrying %s (%s %s %s)\n", ui.RenderPassIcon(),
			update.ID, update.EntityKind, update.Operation, update.EntityID)
	},
}

var updatesRollbackCmd = &cobra.Command{
	Use:   "rollback ID",
	Short: "Roll an update back to the original record",
	Long: `Reverts the entity to the value it had before the optimistic edit and
drops the queued mutation. The UI shows the original again.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		reason, _ := cmd.Flags().GetString("reason")

		client := requireDaemon()
		defer func() { _ = client.Close() }()

		update, err := client.UpdateRollback(args[0], reason)
		if err != nil {
			failQueueOp(err)
		}

		if jsonOutput {
			outputJSON(update)
			return
		}
		fmt.Printf("%s Rolled back %s (%s/%s restored)\n", ui.RenderPassIcon(),
			update.ID, update.EntityKind, update.EntityID)
	},
}

var updatesRollbackAllCmd = &cobra.Command{
	Use:   "rollback-all",
	Short: "Roll back every failed update",
	Run: func(cmd *cobra.Command, args []string) {
		client := requireDaemon()
		defer func() { _ = client.Close() }()

		n, err := client.RollbackAllFailed()
		if err != nil {
			failQueueOp(err)
		}

		if jsonOutput {
			outputJSON(map[string]int{"rolled_back": n})
			return
		}
		if n == 0 {
			fmt.Println("No failed updates to roll back")
			return
		}
		fmt.Printf("%s Rolled back %d failed updates\n", ui.RenderPassIcon(), n)
	},
}

func init() {
	updatesListCmd.Flags().String("status", "", "Filter by status (PENDING, CONFIRMED, FAILED, ROLLED_BACK)")
	updatesRollbackCmd.Flags().String("reason", "", "Recorded with the rollback")

	updatesCmd.AddCommand(updatesListCmd, updatesRetryCmd, updatesRollbackCmd, updatesRollbackAllCmd)
	rootCmd.AddCommand(updatesCmd)
}
