package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	oauth "github.com/giantswarm/mcp-authserver"
	"github.com/giantswarm/mcp-authserver/instrumentation"
	"github.com/giantswarm/mcp-authserver/janitor"
	"github.com/giantswarm/mcp-authserver/mcpresource"
	"github.com/giantswarm/mcp-authserver/server"
)

const telemetryShutdownTimeout = 5 * time.Second

func newServeCmd(opts *rootOptions, version string) *cobra.Command {
	var (
		listenAddress string
		telemetry     bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the authorization server",
		Long: `Runs the OAuth endpoints, the maintenance and health endpoints, and the
protected resources. The first configured resource path serves MCP over
streamable HTTP; the others report the caller's identity.

When maintenance.cleanup_interval is set, expired and revoked tokens are
removed in-process on that interval. OpenTelemetry instrumentation is off
unless telemetry.enabled or --telemetry is set. The server stops on SIGINT or
SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := opts.load(cmd)
			if err != nil {
				return err
			}
			if listenAddress != "" {
				cfg.ListenAddress = listenAddress
			}
			if cmd.Flags().Changed("telemetry") {
				cfg.Telemetry.Enabled = telemetry
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			inst, err := instrumentation.New(instrumentationConfig(cfg, version))
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), telemetryShutdownTimeout)
				defer cancel()
				_ = inst.Shutdown(shutdownCtx)
			}()

			store, err := openStore(ctx, cfg.Storage, true, logger)
			if err != nil {
				return err
			}
			defer store.Close()
			if store.memory != nil {
				mem := store.memory
				err := inst.RegisterStorageSizeCallbacks(
					func() int64 { codes, _ := mem.Counts(); return int64(codes) },
					func() int64 { _, tokens := mem.Counts(); return int64(tokens) },
				)
				if err != nil {
					return err
				}
			}

			provider, err := newProvider(cfg.Identity)
			if err != nil {
				return err
			}

			srv, err := server.New(provider, store, []byte(cfg.Tokens.SigningKey), serverConfig(cfg), logger)
			if err != nil {
				return err
			}
			srv.SetInstrumentation(inst)

			jan, err := janitor.New(store, logger)
			if err != nil {
				return err
			}
			jan.Auditor = srv.Auditor
			jan.SetInstrumentation(inst)

			h, err := oauth.NewHandler(srv, jan, httpConfig(cfg), logger)
			if err != nil {
				return err
			}
			defer h.Close()

			router := h.Router()
			resources := srv.Config.ResourcePaths
			h.Protect(router, resources[0], mcpresource.Handler(mcpresource.NewServer(version, logger)))
			for _, path := range resources[1:] {
				h.Protect(router, path, mcpresource.IdentityHandler())
			}

			logger.Info("Starting "+appName,
				"version", version,
				"environment", srv.Config.Environment,
				"base_url", srv.Config.BaseURL,
				"storage", cfg.Storage.Driver,
				"resources", resources)

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return oauth.ListenAndServe(gctx, oauth.NewHTTPServer(cfg.ListenAddress, router), logger)
			})
			if interval := cfg.Maintenance.CleanupInterval; interval > 0 {
				g.Go(func() error {
					return jan.Run(gctx, interval)
				})
			}
			return g.Wait()
		},
	}

	cmd.Flags().StringVar(&listenAddress, "listen-address", "", "Override the configured listen address")
	cmd.Flags().BoolVar(&telemetry, "telemetry", false, "Enable OpenTelemetry tracing and metrics (overrides telemetry.enabled)")
	return cmd
}
