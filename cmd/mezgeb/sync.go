package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/mezgeb/mezgeb/internal/cache"
	"github.com/mezgeb/mezgeb/internal/daemon"
	"github.com/mezgeb/mezgeb/internal/reconcile"
	"github.com/mezgeb/mezgeb/internal/schema"
	"github.com/mezgeb/mezgeb/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Push pending records to the server",
	Long: `Replay every record created offline against the server.

Categories are sent before expenses. Records the server rejects stay
pending and are retried on the next sync. If another process (usually
'mezgeb daemon') is already syncing, the request is handed to it.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			if err := a.requireStore(); err != nil {
				return err
			}
			rec := newReconciler(a)
			summary := rec.Run(ctx)

			if summary.Skipped {
				if err := daemon.RequestSync(cfg.Daemon.StateDir); err != nil {
					return err
				}
				return render(cmd.OutOrStdout(), summary, func(w io.Writer) {
					fmt.Fprintf(w, "%s A sync is already running; asked the daemon for another pass\n", ui.RenderAccent("↻"))
				})
			}
			return render(cmd.OutOrStdout(), summary, func(w io.Writer) {
				printSummary(w, summary)
			})
		})
	},
}

type statusView struct {
	Server   string                                 `json:"server"`
	Online   bool                                   `json:"online"`
	User     *schema.User                           `json:"user,omitempty"`
	Scope    schema.Scope                           `json:"scope"`
	Cache    string                                 `json:"cache"`
	Records  map[schema.Resource]cache.StatusCounts `json:"records"`
	LastSync *reconcile.Summary                     `json:"lastSync,omitempty"`
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show connectivity, session and pending records",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			if err := a.requireStore(); err != nil {
				return err
			}
			view := statusView{
				Server: cfg.Server.URL,
				Scope:  a.activeScope(),
				Cache:  a.store.Path(),
			}

			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			view.Online = a.router.Client().Ping(pingCtx) == nil
			cancel()

			if u, err := a.router.CurrentUser(ctx); err == nil {
				view.User = u
			}
			counts, err := a.store.Counts(ctx)
			if err != nil {
				return err
			}
			view.Records = counts

			var last reconcile.Summary
			switch err := a.store.GetJSONSetting(ctx, cache.SettingLastSync, &last); {
			case err == nil:
				view.LastSync = &last
			case !errors.Is(err, cache.ErrNotFound):
				return err
			}

			return render(cmd.OutOrStdout(), view, func(w io.Writer) {
				printStatus(w, view)
			})
		})
	},
}

// newReconciler builds a reconciler over the app's store that records each
// pass in the cache for 'mezgeb status'.
func newReconciler(a *app) *reconcile.Reconciler {
	rec := reconcile.New(reconcile.Config{
		Store:    a.store,
		Remote:   a.router,
		Logger:   a.logs.Logger("reconcile"),
		LeaseTTL: cfg.Sync.LeaseTTL,
	})
	rec.Subscribe(func(s reconcile.Summary) {
		if err := a.store.SetJSONSetting(context.Background(), cache.SettingLastSync, s); err != nil {
			a.logs.Logger("reconcile").Printf("Warning: failed to record sync summary: %v", err)
		}
	})
	return rec
}

func printSummary(w io.Writer, s reconcile.Summary) {
	switch {
	case s.Unauthorized:
		fmt.Fprintf(w, "%s Session expired; log in again to finish syncing\n", ui.RenderFail("✗"))
	case s.Attempted == 0:
		fmt.Fprintf(w, "%s Nothing to sync\n", ui.RenderPass("✓"))
		return
	case s.Failed > 0 || s.Remaining > 0:
		fmt.Fprintf(w, "%s Sync finished with records left pending\n", ui.RenderWarn("⚠"))
	default:
		fmt.Fprintf(w, "%s Sync complete in %v\n", ui.RenderPass("✓"), s.Duration.Round(time.Millisecond))
	}
	fmt.Fprintf(w, "   Synced: %d\n", s.Synced)
	if s.Failed > 0 {
		fmt.Fprintf(w, "   Failed: %d\n", s.Failed)
	}
	if s.Deferred > 0 {
		fmt.Fprintf(w, "   Waiting on a category: %d\n", s.Deferred)
	}
	fmt.Fprintf(w, "   Still pending: %d\n", s.Remaining)
}

func printStatus(w io.Writer, v statusView) {
	online := ui.RenderPass("online")
	if !v.Online {
		online = ui.RenderWarn("offline")
	}
	fmt.Fprintf(w, "\n%s Mezgeb status\n\n", ui.RenderAccent("●"))
	fmt.Fprintf(w, "Server: %s (%s)\n", v.Server, online)
	if v.User != nil {
		fmt.Fprintf(w, "User: %s\n", displayName(v.User))
	} else {
		fmt.Fprintf(w, "User: %s\n", ui.RenderMuted("not logged in"))
	}
	fmt.Fprintf(w, "Scope: %s\n", v.Scope)
	fmt.Fprintf(w, "Cache: %s\n\n", v.Cache)

	rows := make([][]string, 0, len(v.Records))
	for _, r := range []schema.Resource{schema.ResourceExpenses, schema.ResourceCategories, schema.ResourceGroups} {
		c := v.Records[r]
		pending := fmt.Sprint(c.Pending)
		if c.Pending > 0 {
			pending = ui.RenderWarn(pending)
		}
		rows = append(rows, []string{string(r), fmt.Sprint(c.Synced), pending})
	}
	ui.Table(w, []string{"RECORDS", "SYNCED", "PENDING"}, rows)

	if v.LastSync != nil {
		fmt.Fprintf(w, "\nLast sync: %s (%d synced, %d failed)\n",
			v.LastSync.StartedAt.Local().Format("2006-01-02 15:04:05"), v.LastSync.Synced, v.LastSync.Failed)
	}
	fmt.Fprintln(w)
}

func init() {
	rootCmd.AddCommand(syncCmd, statusCmd)
}
