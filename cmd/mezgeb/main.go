// Command mezgeb is the offline-first expense tracker client.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mezgeb/mezgeb/internal/cache"
	"github.com/mezgeb/mezgeb/internal/config"
	"github.com/mezgeb/mezgeb/internal/gateway"
	"github.com/mezgeb/mezgeb/internal/logging"
	"github.com/mezgeb/mezgeb/internal/router"
	"github.com/mezgeb/mezgeb/internal/schema"
	"github.com/mezgeb/mezgeb/internal/scope"
	"github.com/mezgeb/mezgeb/internal/ui"
)

var (
	cfg         config.Config
	formatFlag  string
	serverFlag  string
	verboseFlag bool
)

var rootCmd = &cobra.Command{
	Use:   "mezgeb",
	Short: "Offline-first expense tracker",
	Long: `mezgeb records personal and group expenses against the Mezgeb API.

Reads fall back to the local cache when the server is unreachable, and
creates made offline are queued as pending records. Run 'mezgeb sync' or
keep 'mezgeb daemon' running to push them once the server is back.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return err
		}
		if serverFlag != "" {
			c.Server.URL = serverFlag
		}
		if formatFlag != "" {
			c.UI.Format = formatFlag
		}
		if err := c.Validate(); err != nil {
			return err
		}
		cfg = c
		ui.Configure(cmd.OutOrStdout())
		return nil
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "auth", Title: "Account:"},
		&cobra.Group{ID: "data", Title: "Expenses and categories:"},
		&cobra.Group{ID: "sync", Title: "Sync:"},
		&cobra.Group{ID: "advanced", Title: "Advanced:"},
	)

	rootCmd.PersistentFlags().StringVarP(&formatFlag, "format", "o", "", "Output format: text, json or yaml (default from ui.format)")
	rootCmd.PersistentFlags().StringVar(&serverFlag, "server", "", "API base URL (overrides server.url)")
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "Log component activity to stderr")
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	cancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", ui.RenderFail("Error:"), err)
		os.Exit(1)
	}
}

// app is the wiring shared by commands that touch data.
type app struct {
	logs   *logging.Logs
	store  *cache.Store
	scopes *scope.Context
	router *router.Router
}

type appOptions struct {
	// console receives component logs; nil uses stderr when --verbose.
	console io.Writer

	onPending func(schema.Record)
}

// openApp opens the cache and builds the router. A cache that cannot be
// opened leaves the router network-only.
func openApp(ctx context.Context, opts appOptions) (*app, error) {
	console := opts.console
	if console == nil && verboseFlag {
		console = os.Stderr
	}
	a := &app{logs: logging.New(cfg.Log, console)}

	store, err := cache.Open(cfg.Cache.Path)
	if err == nil {
		err = store.InitSchema(ctx)
		if err != nil {
			store.Close()
		}
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s cache unavailable, working online only: %v\n", ui.RenderWarn("⚠"), err)
	} else {
		a.store = store
		a.scopes, err = scope.Load(ctx, store)
		if err != nil {
			a.Close()
			return nil, err
		}
	}

	rcfg := router.Config{
		Client:    gateway.New(cfg.Server.URL, gateway.WithTimeout(cfg.Server.Timeout)),
		OnPending: opts.onPending,
		Logger:    a.logs.Logger("router"),
	}
	if a.store != nil {
		rcfg.Store = a.store
		rcfg.Memberships = a.scopes
	}
	a.router, err = router.New(ctx, rcfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// activeScope is the persisted scope, or personal without a cache.
func (a *app) activeScope() schema.Scope {
	if a.scopes == nil {
		return schema.Personal
	}
	return a.scopes.Active()
}

// requireStore fails commands that only make sense with a cache.
func (a *app) requireStore() error {
	if a.store == nil {
		return errors.New("this command needs the local cache")
	}
	return nil
}

func (a *app) Close() {
	if a.store != nil {
		a.store.Close()
	}
	a.logs.Close()
}

// withApp opens the app for the duration of fn.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	a, err := openApp(ctx, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}
