package main

import (
	"fmt"
	"os"
	"runtime/debug"

	"github.com/spf13/cobra"
)

var (
	// Version is the current version of caravan (overridden by ldflags at build time)
	Version = "0.9.0"
	// Build can be set via ldflags at compile time
	Build = "dev"
	// Commit is the git revision the binary was built from (optional ldflag)
	Commit = ""
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		checkDaemon, _ := cmd.Flags().GetBool("daemon")

		if checkDaemon {
			showDaemonVersion()
			return
		}

		commit := resolveCommitHash()

		if jsonOutput {
			result := map[string]string{
				"version": Version,
				"build":   Build,
			}
			if commit != "" {
				result["commit"] = commit
			}
			outputJSON(result)
		} else {
			if commit != "" {
				fmt.Printf("caravan version %s (%s: %s)\n", Version, Build, shortCommit(commit))
			} else {
				fmt.Printf("caravan version %s (%s)\n", Version, Build)
			}
		}
	},
}

// showDaemonVersion pings the daemon and reports both versions. A version
// mismatch is not fatal by itself, but it is the first thing to check when
// client and daemon disagree about behavior.
func showDaemonVersion() {
	client := requireDaemon()
	defer func() { _ = client.Close() }()

	pong, err := client.Ping()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error pinging daemon: %v\n", err)
		os.Exit(1)
	}

	matched := pong.Version == Version
	if jsonOutput {
		outputJSON(map[string]interface{}{
			"daemon_version": pong.Version,
			"client_version": Version,
			"match":          matched,
		})
		return
	}

	fmt.Printf("Daemon version: %s\n", pong.Version)
	fmt.Printf("Client version: %s\n", Version)
	if !matched {
		fmt.Println("Versions differ; restart the daemon after upgrading.")
	}
}

func init() {
	versionCmd.Flags().Bool("daemon", false, "Report the running daemon's version alongside the client's")
	rootCmd.AddCommand(versionCmd)
}

func resolveCommitHash() string {
	if Commit != "" {
		return Commit
	}

	if info, ok := debug.ReadBuildInfo(); ok {
		for _, setting := range info.Settings {
			if setting.Key == "vcs.revision" && setting.Value != "" {
				return setting.Value
			}
		}
	}

	return ""
}

func shortCommit(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}
