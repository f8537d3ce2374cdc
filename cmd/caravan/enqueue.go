package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fieldworks/caravan/internal/config"
	"github.com/fieldworks/caravan/internal/idgen"
	"github.com/fieldworks/caravan/internal/rules"
	"github.com/fieldworks/caravan/internal/storage"
	"github.com/fieldworks/caravan/internal/types"
	"github.com/fieldworks/caravan/internal/ui"
	"github.com/spf13/cobra"
)

// enqueueIDAttempts bounds the nonce loop on content-hash ID collisions.
const enqueueIDAttempts = 5

var enqueueCmd = &cobra.Command{
	Use:   "enqueue KIND ACTION ENTITY_ID",
	Short: "Queue a mutation for sync",
	Long: `Queues one mutation. This is the scripting entry point; field apps
write through the same store. The payload is the JSON record as the
server should receive it.

  caravan enqueue ASSESSMENT CREATE shelter-42 --payload '{"status":"draft"}'
  cat record.json | caravan enqueue INCIDENT UPDATE inc-7 --file -

The item is scored against active priority rules at enqueue time. A
running daemon picks it up immediately; otherwise run 'caravan sync'.`,
	Args: cobra.ExactArgs(3),
	Run: func(cmd *cobra.Command, args []string) {
		kind := types.EntityKind(strings.ToUpper(args[0]))
		if !kind.IsValid() {
			fmt.Fprintf(os.Stderr, "Error: invalid entity kind %q\n", args[0])
			os.Exit(1)
		}
		action := types.Action(strings.ToUpper(args[1]))
		if !action.IsValid() {
			fmt.Fprintf(os.Stderr, "Error: invalid action %q (CREATE, UPDATE, DELETE)\n", args[1])
			os.Exit(1)
		}
		entityID := args[2]

		payload, err := readPayload(cmd)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		ctx := rootCtx
		store, err := openStore(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer func() { _ = store.Close() }()

		tuning := config.CurrentTuning()
		now := time.Now().UTC()
		item := &types.QueueItem{
			EntityKind: kind,
			Action:     action,
			EntityID:   entityID,
			Payload:    payload,
			CreatedAt:  now,
			MaxRetries: tuning.MaxRetries,
		}

		item.ID = idgen.QueueItemID(string(kind), string(action), entityID, now, 0)
		if err := item.Validate(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if err := rules.New(store).Rescore(ctx, item); err != nil {
			fmt.Fprintf(os.Stderr, "Error scoring item: %v\n", err)
			os.Exit(1)
		}

		for nonce := 0; ; nonce++ {
			item.ID = idgen.QueueItemID(string(kind), string(action), entityID, now, nonce)
			err := store.Enqueue(ctx, item)
			if err == nil {
				break
			}
			if errors.Is(err, storage.ErrDuplicateID) && nonce < enqueueIDAttempts {
				continue
			}
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		if jsonOutput {
			outputJSON(item)
			return
		}
		fmt.Printf("%s Queued %s\n", ui.RenderPassIcon(), item.ID)
		fmt.Printf("  %s %s %s\n", kind, action, entityID)
		fmt.Printf("  priority: %d %s", item.PriorityScore, ui.RenderPriorityLabel(item.PriorityLabel))
		if item.PriorityReason != "" {
			fmt.Printf("  (%s)", ui.RenderMuted(item.PriorityReason))
		}
		fmt.Println()
		if item.EstimatedSyncTime != nil {
			fmt.Printf("  estimated sync: %s\n", item.EstimatedSyncTime.Local().Format(time.RFC3339))
		}
	},
}

func init() {
	enqueueCmd.Flags().String("payload", "", "Inline JSON payload")
	enqueueCmd.Flags().String("file", "", "Read JSON payload from a file ('-' for stdin)")
	rootCmd.AddCommand(enqueueCmd)
}

// readPayload loads the mutation payload from --payload or --file. Both
// unset is allowed: deletes carry no payload.
func readPayload(cmd *cobra.Command) (types.Payload, error) {
	inline, _ := cmd.Flags().GetString("payload")
	file, _ := cmd.Flags().GetString("file")
	if inline != "" && file != "" {
		return nil, fmt.Errorf("--payload and --file are mutually exclusive")
	}

	var (
		data []byte
		err  error
	)
	switch {
	case inline != "":
		data = []byte(inline)
	case file == "-":
		data, err = io.ReadAll(os.Stdin)
	case file != "":
		data, err = os.ReadFile(file) // #nosec G304 - user-supplied payload path
	default:
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}

	var p types.Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse payload: %w", err)
	}
	return p, nil
}
