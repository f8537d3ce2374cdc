package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fieldworks/caravan/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage workspace configuration",
	Long: `Manage configuration in .caravan/config.yaml.

Keys are validated against the known set; run 'caravan config list' to
see them all with their effective values (file, environment, or default).

Tuning keys take Go durations (500ms, 30s, 5m) or plain integers:
  request-timeout, lease-timeout, sync.backoff-base, sync.backoff-max,
  optimistic.confirmed-ttl, conflict.concurrent-edit-window

Examples:
  caravan config set server-url "https://sync.example.org"
  caravan config set sync.concurrency 2
  caravan config get server-url
  caravan config list`,
}

var configSetCmd = &cobra.Command{
	Use:   "set KEY VALUE",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	Run: func(_ *cobra.Command, args []string) {
		key, value := args[0], args[1]

		if !config.IsKnownKey(key) {
			fmt.Fprintf(os.Stderr, "Error: unknown config key %q\n", key)
			fmt.Fprintf(os.Stderr, "Known keys: %v\n", config.KnownKeyList())
			os.Exit(1)
		}

		if err := config.SetYamlConfig(key, value); err != nil {
			fmt.Fprintf(os.Stderr, "Error setting config: %v\n", err)
			os.Exit(1)
		}

		if jsonOutput {
			outputJSON(map[string]string{
				"key":   key,
				"value": value,
			})
		} else {
			fmt.Printf("Set %s = %s\n", key, value)
		}
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get KEY",
	Short: "Get a configuration value",
	Args:  cobra.ExactArgs(1),
	Run: func(_ *cobra.Command, args []string) {
		key := args[0]

		if !config.IsKnownKey(key) {
			fmt.Fprintf(os.Stderr, "Error: unknown config key %q\n", key)
			fmt.Fprintf(os.Stderr, "Known keys: %v\n", config.KnownKeyList())
			os.Exit(1)
		}

		value := config.GetYamlConfig(key)

		if jsonOutput {
			outputJSON(map[string]string{
				"key":   key,
				"value": value,
			})
			return
		}
		if value == "" {
			fmt.Printf("%s (not set)\n", key)
		} else {
			fmt.Printf("%s\n", value)
		}
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all configuration values",
	Run: func(_ *cobra.Command, _ []string) {
		values := make(map[string]string, len(config.KnownKeys))
		for _, key := range config.KnownKeyList() {
			values[key] = config.GetYamlConfig(key)
		}

		if jsonOutput {
			outputJSON(values)
			return
		}
		for _, key := range config.KnownKeyList() {
			value := values[key]
			if value == "" {
				value = "(not set)"
			}
			fmt.Printf("%-32s %s\n", key, value)
		}
	},
}

func init() {
	configCmd.AddCommand(configSetCmd, configGetCmd, configListCmd)
	rootCmd.AddCommand(configCmd)
}
