package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fieldworks/caravan/internal/config"
	"github.com/fieldworks/caravan/internal/conflict"
	"github.com/fieldworks/caravan/internal/debug"
	"github.com/fieldworks/caravan/internal/engine"
	"github.com/fieldworks/caravan/internal/eventbus"
	"github.com/fieldworks/caravan/internal/lockfile"
	"github.com/fieldworks/caravan/internal/optimistic"
	"github.com/fieldworks/caravan/internal/remote"
	"github.com/fieldworks/caravan/internal/rpc"
	"github.com/fieldworks/caravan/internal/rules"
	"github.com/fieldworks/caravan/internal/storage"
	"github.com/fieldworks/caravan/internal/storage/factory"
	"github.com/fieldworks/caravan/internal/telemetry"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync daemon",
	Long: `Runs the sync engine and the RPC server in the foreground until
SIGINT/SIGTERM or a shutdown request over the socket.

The daemon:
- Claims queued mutations and pushes them to the operations server
- Detects conflicts and blocks the affected items for review
- Settles optimistic updates as sync outcomes arrive
- Serves RPC requests from caravan CLI clients on the unix socket
- Wakes on database changes made by other processes (enqueue, scripts)

One daemon per workspace; a lock file enforces the singleton.`,
	Run: func(cmd *cobra.Command, args []string) {
		if stop, _ := cmd.Flags().GetBool("stop"); stop {
			stopDaemon()
			return
		}
		if status, _ := cmd.Flags().GetBool("status"); status {
			showServeStatus()
			return
		}
		runDaemon(cmd)
	},
}

func init() {
	serveCmd.Flags().Bool("stop", false, "Stop the running daemon")
	serveCmd.Flags().Bool("status", false, "Report whether the daemon is running")
	serveCmd.Flags().Duration("poll", 0, "Engine idle poll interval (default: engine built-in)")
	rootCmd.AddCommand(serveCmd)
}

func runDaemon(cmd *cobra.Command) {
	dir, err := config.FindProjectDir()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	conn, err := resolveDBPath()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	serverURL := config.ServerURL()
	if serverURL == "" {
		fmt.Fprintf(os.Stderr, "Error: no server-url configured\n")
		fmt.Fprintf(os.Stderr, "Hint: set server-url in %s\n", filepath.Join(dir, "config.yaml"))
		os.Exit(1)
	}

	// Singleton per workspace. The lock dies with the process, so a
	// crashed daemon never wedges the next start.
	lock, err := lockfile.Acquire(dir, lockfile.LockInfo{
		PID:      os.Getpid(),
		Database: conn,
		Version:  Version,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if info, readErr := lockfile.ReadLockInfo(dir); readErr == nil {
			fmt.Fprintf(os.Stderr, "Running daemon: pid %d, version %s\n", info.PID, info.Version)
		}
		os.Exit(1)
	}
	defer func() { _ = lock.Release() }()

	ctx, cancel := context.WithCancel(rootCtx)
	defer cancel()

	if telemetry.Enabled() {
		if err := telemetry.Init(ctx, "caravan", Version); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: telemetry init failed: %v\n", err)
		} else {
			defer func() {
				shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
				defer done()
				telemetry.Shutdown(shutdownCtx)
			}()
		}
	}

	store, err := factory.Open(ctx, conn)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening database: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	tuning := config.CurrentTuning()
	daemonActor := resolveActor()
	client := remote.New(serverURL, tuning.RequestTimeout)
	bus := eventbus.New()

	registry := rules.New(store)
	eng := engine.New(store, client, bus, tuning, daemonActor)
	if poll, _ := cmd.Flags().GetDuration("poll"); poll > 0 {
		eng.PollInterval = poll
	}
	resolver := conflict.NewResolver(store, client, bus)
	coordinator := optimistic.New(store, registry, bus, tuning, daemonActor)

	socketPath := filepath.Join(dir, socketFileName)
	rpc.ServerVersion = Version
	server := rpc.NewServer(socketPath, store, resolver, registry, coordinator, bus, tuning, daemonActor)
	server.Kick = eng.Kick

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := eng.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		if err := coordinator.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		// Start returns nil when Stop closes the listener (shutdown RPC
		// or the gctx watcher below). Cancel brings down the rest.
		defer cancel()
		return server.Start(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		return server.Stop()
	})

	// Other processes write the database directly (enqueue, rules edits,
	// offline scripts). Watch the workspace so their work syncs without
	// waiting out the poll interval. Self-induced wakes are harmless:
	// kicks coalesce and an idle claim is cheap. Server-backed databases
	// have no file to watch; polling covers them.
	if !storage.IsMySQLDSN(conn) {
		if watcher, werr := fsnotify.NewWatcher(); werr == nil {
			defer func() { _ = watcher.Close() }()
			if err := watcher.Add(filepath.Dir(conn)); err != nil {
				debug.Logf("daemon: watch %s: %v\n", filepath.Dir(conn), err)
			} else {
				go watchDatabase(gctx, watcher, filepath.Base(conn), eng.Kick)
			}
		} else {
			debug.Logf("daemon: fsnotify unavailable: %v\n", werr)
		}
	}

	// Ready, or dead before ready (listen failure): either way g.Wait has
	// the verdict.
	select {
	case <-server.WaitReady():
		if !quietFlag {
			fmt.Printf("caravan daemon %s listening on %s\n", Version, socketPath)
			fmt.Printf("syncing to %s as %s\n", serverURL, daemonActor)
		}
	case <-gctx.Done():
	}

	if err := g.Wait(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if !quietFlag {
		fmt.Println("caravan daemon stopped")
	}
}

// watchDatabase forwards write events on the database file (and its WAL
// sidecars) to the engine.
func watchDatabase(ctx context.Context, watcher *fsnotify.Watcher, dbBase string, kick func()) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) {
				continue
			}
			if strings.HasPrefix(filepath.Base(ev.Name), dbBase) {
				kick()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			debug.Logf("daemon: watch error: %v\n", err)
		}
	}
}

// stopDaemon asks the running daemon to shut down over the socket.
func stopDaemon() {
	client := requireDaemon()
	defer func() { _ = client.Close() }()

	if err := client.Shutdown(); err != nil {
		fmt.Fprintf(os.Stderr, "Error stopping daemon: %v\n", err)
		os.Exit(1)
	}
	if jsonOutput {
		outputJSON(map[string]bool{"stopped": true})
		return
	}
	fmt.Println("Daemon shutting down")
}

// showServeStatus is the quick liveness check; 'caravan status' has the
// full report.
func showServeStatus() {
	dir, err := config.FindProjectDir()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	held, err := lockfile.Held(dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error checking lock: %v\n", err)
		os.Exit(1)
	}

	if jsonOutput {
		result := map[string]interface{}{"running": held}
		if info, err := lockfile.ReadLockInfo(dir); err == nil && held {
			result["pid"] = info.PID
			result["version"] = info.Version
			result["started_at"] = info.StartedAt
		}
		outputJSON(result)
		return
	}

	if !held {
		fmt.Println("Daemon is not running")
		return
	}
	fmt.Println("Daemon is running")
	if info, err := lockfile.ReadLockInfo(dir); err == nil {
		fmt.Printf("  pid:     %d\n", info.PID)
		fmt.Printf("  version: %s\n", info.Version)
		fmt.Printf("  since:   %s\n", info.StartedAt.Local().Format(time.RFC3339))
	}
}
