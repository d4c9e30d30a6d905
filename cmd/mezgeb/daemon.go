package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/mezgeb/mezgeb/internal/daemon"
	"github.com/mezgeb/mezgeb/internal/dashboard"
	"github.com/mezgeb/mezgeb/internal/schema"
	"github.com/mezgeb/mezgeb/internal/ui"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Keep the cache in sync in the foreground",
	Long: `Run the sync daemon in the foreground.

The daemon will:
  1. Sync pending records on start and every sync.interval
  2. Probe the server and sync as soon as it becomes reachable again
  3. Sync when 'mezgeb sync' finds it busy (via the sync.request file)
  4. Record expense files (*.json) dropped into the inbox directory
  5. Publish progress on a WebSocket dashboard, unless --no-dashboard

Stop it with Ctrl+C.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		noDashboard, _ := cmd.Flags().GetBool("no-dashboard")
		port, _ := cmd.Flags().GetInt("port")
		if !cmd.Flags().Changed("port") {
			port = cfg.Dashboard.Port
		}

		ctx := cmd.Context()

		var (
			server  *dashboard.Server
			handler *dashboard.Handler
		)

		// The router is built before the dashboard handler exists, so pending
		// notifications go through this indirection.
		onPending := func(rec schema.Record) {
			if handler != nil {
				handler.OnRecordPending(rec)
			}
		}

		a, err := openApp(ctx, appOptions{console: os.Stderr, onPending: onPending})
		if err != nil {
			return err
		}
		defer a.Close()
		if err := a.requireStore(); err != nil {
			return err
		}

		rec := newReconciler(a)

		config := daemon.DefaultConfig()
		config.StateDir = cfg.Daemon.StateDir
		config.Interval = cfg.Sync.Interval
		config.ProbeInterval = cfg.Sync.ProbeInterval
		config.Debounce = cfg.Sync.Debounce
		config.Logger = a.logs.Logger("daemon")

		if !noDashboard {
			server = dashboard.NewServer(&dashboard.Config{Port: port, Logger: a.logs.Logger("dashboard")})
			handler = dashboard.NewHandler(server, a.store, a.logs.Logger("dashboard"))
			rec.Subscribe(handler.OnSyncComplete)
			config.OnConnectivity = handler.OnConnectivity

			if err := server.Start(); err != nil {
				return fmt.Errorf("failed to start dashboard: %w", err)
			}
			defer server.Stop()
			handler.RefreshStats(ctx)
		}

		d, err := daemon.New(daemon.Deps{
			Reconciler: rec,
			Pinger:     a.router.Client(),
			Creator:    a.router,
			Scopes:     a.scopes,
		}, config)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s Sync daemon started for %s\n", ui.RenderPass("✓"), cfg.Server.URL)
		fmt.Fprintf(out, "   Inbox: %s\n", filepath.Join(cfg.Daemon.StateDir, daemon.InboxDir))
		if server != nil {
			fmt.Fprintf(out, "   Dashboard: http://%s (WebSocket: ws://%s/ws)\n", server.GetAddr(), server.GetAddr())
		}
		fmt.Fprintln(out, "\nPress Ctrl+C to stop...")

		if err := d.Start(ctx); err != nil {
			return fmt.Errorf("daemon error: %w", err)
		}

		fmt.Fprintln(out, "\nSync daemon stopped")
		return nil
	},
}

var inboxCmd = &cobra.Command{
	Use:     "inbox <file.json>...",
	GroupID: "advanced",
	Short:   "Drop expense files into the daemon's inbox",
	Long: `Copy expense JSON files into the daemon inbox, where a running daemon
records them in the active scope (or the group given in the file).

Each file holds one expense:
  {"amount": "120", "reason": "Injera", "categoryId": "<id>", "date": "2026-03-18T12:00:00Z"}`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := filepath.Join(cfg.Daemon.StateDir, daemon.InboxDir)
		for _, path := range args {
			e, err := schema.ReadExpenseFile(path)
			if err != nil {
				return err
			}
			dst, err := schema.WriteExpenseFile(dir, filepath.Base(path), e)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s Queued %s\n", ui.RenderPass("✓"), dst)
		}
		return nil
	},
}

func init() {
	daemonCmd.Flags().IntP("port", "p", 0, "Dashboard port (default from dashboard.port)")
	daemonCmd.Flags().Bool("no-dashboard", false, "Do not start the WebSocket dashboard")

	rootCmd.AddCommand(daemonCmd, inboxCmd)
}
