package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/oarkflow/rls"
)

var (
	serveAddr  string
	serveDB    string
	serveRedis string
)

var serveCmd = &cobra.Command{
	Use:   "serve [file]",
	Short: "Run the admin HTTP API",
	Long: `Serve policy administration, evaluation and audit endpoints over HTTP.
A configuration file, when given, is applied at startup.`,
	Example: `  rls serve policies.yaml --addr :9090
  rls serve --config policies.yaml --db file:rls.db --redis localhost:6379
  RLS_STORE_DRIVER=sqlite RLS_STORE_DSN=file:rls.db rls serve`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if serveDB != "" {
			settings.Store.Driver = "sqlite"
			settings.Store.DSN = serveDB
		}
		settings.Redis.Addr = resolveString(serveRedis, settings.Redis.Addr)

		var cfg *rls.Config
		if len(args) > 0 || settings.Config != "" {
			loaded, _, err := loadPolicyConfig(args)
			if err != nil {
				return err
			}
			if err := loaded.Validate(expressionValidator(loaded)); err != nil {
				return fmt.Errorf("invalid configuration:\n%w", err)
			}
			cfg = loaded
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		rt, err := buildRuntime(ctx, settings, cfg, false)
		if err != nil {
			return err
		}

		srv := &http.Server{
			Addr:              resolveString(serveAddr, settings.Addr),
			Handler:           rls.NewAdminHTTPServer(rt.engine),
			ReadHeaderTimeout: 10 * time.Second,
		}
		errCh := make(chan error, 1)
		go func() {
			if !quiet {
				fmt.Printf("rls admin API listening on %s (store=%s)\n", srv.Addr, settings.Store.Driver)
			}
			errCh <- srv.ListenAndServe()
		}()

		select {
		case <-ctx.Done():
		case err := <-errCh:
			if !errors.Is(err, http.ErrServerClosed) {
				_ = rt.Close(context.Background())
				return err
			}
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return rt.Close(shutdownCtx)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides settings)")
	serveCmd.Flags().StringVar(&serveDB, "db", "", "sqlite DSN; selects the sqlite store")
	serveCmd.Flags().StringVar(&serveRedis, "redis", "", "redis address for the shared decision cache")
}
