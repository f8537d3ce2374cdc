package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fieldworks/caravan/internal/config"
	"github.com/fieldworks/caravan/internal/storage/factory"
	"github.com/fieldworks/caravan/internal/ui"
	"github.com/spf13/cobra"
)

// yamlConfigTemplate is written by 'caravan init'. Tuning keys are listed
// commented-out at their defaults so operators can discover them without
// reading docs.
const yamlConfigTemplate = `# caravan workspace configuration
server-url: %s
actor: %s

# db: .caravan/caravan.db
# request-timeout: 30s
# max-retries: 10
# no-daemon: false
#
# sync:
#   concurrency: 4
#   backoff-base: 500ms
#   backoff-max: 60s
# optimistic:
#   max-retries: 3
#   confirmed-ttl: 30s
# conflict:
#   archive-days: 30
#   concurrent-edit-window: 5m
`

const tomlConfigTemplate = `# caravan workspace configuration
server-url = %q
actor = %q

# db = ".caravan/caravan.db"
# request-timeout = "30s"
# max-retries = 10
# no-daemon = false
#
# [sync]
# concurrency = 4
# backoff-base = "500ms"
# backoff-max = "60s"
#
# [optimistic]
# max-retries = 3
# confirmed-ttl = "30s"
#
# [conflict]
# archive-days = 30
# concurrent-edit-window = "5m"
`

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a caravan workspace in the current directory",
	Long: `Creates the .caravan directory with a config file and an empty sync
database. Run once per field workspace, then point server-url at the
operations server.`,
	Run: func(cmd *cobra.Command, args []string) {
		serverURL, _ := cmd.Flags().GetString("server-url")
		format, _ := cmd.Flags().GetString("format")
		force, _ := cmd.Flags().GetBool("force")

		if format != "yaml" && format != "toml" {
			fmt.Fprintf(os.Stderr, "Error: invalid --format %q (yaml or toml)\n", format)
			os.Exit(1)
		}
		initActor := resolveActor()

		cwd, err := os.Getwd()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		caravanDir := filepath.Join(cwd, ".caravan")
		cfgPath := filepath.Join(caravanDir, "config."+format)
		if _, err := os.Stat(cfgPath); err == nil && !force {
			fmt.Fprintf(os.Stderr, "Error: %s already exists (use --force to overwrite)\n", cfgPath)
			os.Exit(1)
		}

		if err := os.MkdirAll(caravanDir, 0o700); err != nil {
			fmt.Fprintf(os.Stderr, "Error creating %s: %v\n", caravanDir, err)
			os.Exit(1)
		}

		var content string
		if format == "toml" {
			content = fmt.Sprintf(tomlConfigTemplate, serverURL, initActor)
		} else {
			content = fmt.Sprintf(yamlConfigTemplate, serverURL, initActor)
		}
		if err := os.WriteFile(cfgPath, []byte(content), 0o600); err != nil {
			fmt.Fprintf(os.Stderr, "Error writing %s: %v\n", cfgPath, err)
			os.Exit(1)
		}

		// Open once so the schema exists before the first enqueue.
		dbFile := filepath.Join(caravanDir, dbFileName)
		store, err := factory.Open(context.Background(), dbFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating database: %v\n", err)
			os.Exit(1)
		}
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "Error closing database: %v\n", err)
			os.Exit(1)
		}

		// Pick up the file we just wrote so later helpers see it.
		if err := config.Initialize(); err != nil {
			fmt.Fprintf(os.Stderr, "Error reading new config: %v\n", err)
			os.Exit(1)
		}

		if jsonOutput {
			outputJSON(map[string]string{
				"config":   cfgPath,
				"database": dbFile,
				"actor":    initActor,
			})
			return
		}

		fmt.Printf("%s Initialized caravan workspace\n", ui.RenderPassIcon())
		fmt.Printf("  config:   %s\n", cfgPath)
		fmt.Printf("  database: %s\n", dbFile)
		if serverURL == "" {
			fmt.Printf("\nSet server-url in %s before running 'caravan serve'.\n", cfgPath)
		}
	},
}

func init() {
	initCmd.Flags().String("server-url", "", "Operations server base URL")
	initCmd.Flags().String("format", "yaml", "Config file format (yaml or toml)")
	initCmd.Flags().Bool("force", false, "Overwrite an existing config file")
	rootCmd.AddCommand(initCmd)
}
