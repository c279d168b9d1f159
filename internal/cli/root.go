// Package cli implements the mcp-authserver command line.
package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/giantswarm/mcp-authserver/internal/config"
)

const appName = "mcp-authserver"

// rootOptions are the persistent flags shared by every subcommand.
type rootOptions struct {
	configPath string
	logLevel   string
}

// NewRootCommand builds the command tree. version is printed by --version
// and the version subcommand.
func NewRootCommand(version string) *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   appName,
		Short: "OAuth 2.1 authorization server for MCP clients",
		Long: `mcp-authserver issues and verifies OAuth 2.1 tokens for MCP clients.

It serves dynamic client registration, the authorization code flow with PKCE,
refresh token rotation and revocation, and protects the configured resource
paths with the tokens it issues.`,
		// Errors are printed by cobra; usage only helps for flag mistakes.
		SilenceUsage: true,
		Version:      version,
	}
	cmd.SetVersionTemplate(`{{printf "` + appName + ` version %s\n" .Version}}`)

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "config.yaml", "Path to the configuration file")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Override the configured log level (debug, info, warn, error)")

	cmd.AddCommand(
		newServeCmd(opts, version),
		newCleanupCmd(opts),
		newMigrateCmd(opts),
		newVersionCmd(),
	)
	return cmd
}

// Execute runs the command line and exits non-zero on error.
func Execute(version string) {
	if err := NewRootCommand(version).Execute(); err != nil {
		os.Exit(1)
	}
}

// load reads the configuration and builds the logger for a command.
func (o *rootOptions) load(cmd *cobra.Command) (config.Config, *slog.Logger, error) {
	bootstrap := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: slog.LevelWarn}))

	cfg, err := config.Load(o.configPath, bootstrap)
	if err != nil {
		return config.Config{}, nil, err
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}

	logger, err := newLogger(cmd.ErrOrStderr(), cfg.Log)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, logger, nil
}

// newLogger builds the slog logger described by cfg.
func newLogger(w io.Writer, cfg config.LogConfig) (*slog.Logger, error) {
	level, err := config.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}

	switch cfg.Format {
	case "", "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("log.format must be json or text, got %q", cfg.Format)
	}
}
