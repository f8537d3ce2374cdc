package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fieldworks/caravan/internal/config"
	"github.com/fieldworks/caravan/internal/debug"
	"github.com/fieldworks/caravan/internal/rpc"
	"github.com/fieldworks/caravan/internal/storage"
	"github.com/fieldworks/caravan/internal/storage/factory"
	"github.com/fieldworks/caravan/internal/ui"
	"github.com/spf13/cobra"
)

// Workspace file names inside the .caravan directory. The lock file name
// lives in the lockfile package; the daemon owns it.
const (
	socketFileName = "caravan.sock"
	dbFileName     = "caravan.db"
)

var (
	configPath  string
	dbPath      string
	actor       string
	jsonOutput  bool
	verboseFlag bool
	quietFlag   bool

	// Signal-aware context for graceful cancellation
	rootCtx    context.Context
	rootCancel context.CancelFunc
)

// resolveActor returns the identity recorded on audit trails and sent with
// every daemon request.
// Priority: --actor flag > CARAVAN_ACTOR env > config actor key > $USER > "unknown"
func resolveActor() string {
	if actor != "" {
		return actor
	}

	if envActor := os.Getenv("CARAVAN_ACTOR"); envActor != "" {
		return envActor
	}

	if cfgActor := config.Actor(); cfgActor != "" {
		return cfgActor
	}

	if user := os.Getenv("USER"); user != "" {
		return user
	}

	return "unknown"
}

// daemonSocketPath returns the unix socket path for the nearest workspace,
// or empty when no .caravan directory exists.
func daemonSocketPath() string {
	dir, err := config.FindProjectDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, socketFileName)
}

// resolveDBPath returns the database connection string.
// Priority: --db flag > configured db key > .caravan/caravan.db
func resolveDBPath() (string, error) {
	if dbPath != "" {
		return dbPath, nil
	}
	if conn := config.DatabasePath(); conn != "" {
		return conn, nil
	}
	dir, err := config.FindProjectDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, dbFileName), nil
}

// openStore opens the workspace database directly, bypassing the daemon.
// Callers own the returned store and must Close it.
func openStore(ctx context.Context) (storage.Store, error) {
	conn, err := resolveDBPath()
	if err != nil {
		return nil, err
	}
	return factory.Open(ctx, conn)
}

// connectDaemon returns a connected client when the daemon is running, nil
// otherwise. Commands that can also work directly against the store use
// this to prefer the daemon (single writer, engine gets kicked) and fall
// back silently when it is absent. The no-daemon config key forces the
// fallback path.
func connectDaemon() *rpc.Client {
	dir, err := config.FindProjectDir()
	if err != nil {
		return nil
	}
	if config.LoadLocalConfigWithEnv(dir).NoDaemon {
		return nil
	}
	client, err := rpc.TryConnect(filepath.Join(dir, socketFileName))
	if err != nil || client == nil {
		return nil
	}
	client.SetActor(resolveActor())
	return client
}

// requireDaemon connects to the daemon or exits with a start hint. Used by
// commands whose state lives in the daemon process (optimistic updates,
// queue watch) and cannot fall back to the store.
func requireDaemon() *rpc.Client {
	var client *rpc.Client
	dir, err := config.FindProjectDir()
	if err == nil {
		client, err = rpc.Connect(filepath.Join(dir, socketFileName))
		if err == nil {
			client.SetActor(resolveActor())
			return client
		}
	}

	if jsonOutput {
		outputJSONError(err, "daemon_unavailable")
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	fmt.Fprintf(os.Stderr, "Hint: start the daemon with 'caravan serve'\n")
	os.Exit(1)
	return nil
}

func init() {
	// Initialize viper configuration. Outside a workspace this fails and
	// defaults apply; 'caravan init' is the command that creates one.
	if err := config.Initialize(); err != nil {
		debug.Logf("config not initialized: %v", err)
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: auto-discover .caravan/config.yaml or .toml)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Database path (default: configured db key, else .caravan/caravan.db)")
	rootCmd.PersistentFlags().StringVar(&actor, "actor", "", "Actor for audit trails (default: $CARAVAN_ACTOR, config actor, $USER)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "Enable verbose/debug output")
	rootCmd.PersistentFlags().BoolVarP(&quietFlag, "quiet", "q", false, "Suppress non-essential output (errors only)")

	// Add --version flag to root command (same behavior as version subcommand)
	rootCmd.Flags().BoolP("version", "V", false, "Print version information")
}

var rootCmd = &cobra.Command{
	Use:   "caravan",
	Short: "caravan - offline sync queue for field operations",
	Long: `Durable offline sync for field clients. Local mutations queue with
priority scores, sync to the operations server when connectivity allows,
and conflicting edits surface for coordinator review instead of being
silently overwritten.`,
	Run: func(cmd *cobra.Command, args []string) {
		// Handle --version flag on root command
		if v, _ := cmd.Flags().GetBool("version"); v {
			fmt.Printf("caravan version %s (%s)\n", Version, Build)
			return
		}
		// No subcommand - show help
		_ = cmd.Help()
	},
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// Re-read config when --config points somewhere explicit; the
		// init-time discovery already covered the default case.
		if configPath != "" {
			if err := config.InitializeFile(configPath); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
		}

		debug.SetVerbose(verboseFlag)
		debug.SetQuiet(quietFlag)

		// JSON mode implies machine consumption: no color, no pager.
		if jsonOutput {
			ui.SetAgentMode(true)
		}

		rpc.ClientVersion = Version

		rootCtx, rootCancel = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if rootCancel != nil {
			rootCancel()
		}
	},
}

func main() {
	// CARAVAN_NAME overrides the binary name in help text, for wrapper
	// scripts that route multiple workspaces.
	if name := os.Getenv("CARAVAN_NAME"); name != "" {
		rootCmd.Use = name
	}

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
