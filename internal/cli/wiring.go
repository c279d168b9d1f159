package cli

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"

	oauth "github.com/giantswarm/mcp-authserver"
	"github.com/giantswarm/mcp-authserver/instrumentation"
	"github.com/giantswarm/mcp-authserver/internal/config"
	"github.com/giantswarm/mcp-authserver/providers/supabase"
	"github.com/giantswarm/mcp-authserver/server"
	"github.com/giantswarm/mcp-authserver/storage"
	"github.com/giantswarm/mcp-authserver/storage/memory"
	"github.com/giantswarm/mcp-authserver/storage/sqlstore"
	"github.com/giantswarm/mcp-authserver/storage/valkey"
)

// openedStore is a store plus what the commands need to know about it.
type openedStore struct {
	storage.Store

	// memory is set for the memory driver, for size reporting.
	memory *memory.Store
	// sql is set for the SQL drivers, for migrations.
	sql *sqlstore.Store

	close func()
}

func (o *openedStore) Close() {
	if o.close != nil {
		o.close()
	}
}

// openStore connects the configured store. SQL stores are migrated when
// migrate is true.
func openStore(ctx context.Context, cfg config.StorageConfig, migrate bool, logger *slog.Logger) (*openedStore, error) {
	switch cfg.Driver {
	case "", "memory":
		s := memory.New()
		s.SetLogger(logger)
		return &openedStore{Store: s, memory: s}, nil

	case "valkey":
		vcfg := valkey.Config{
			Address:   cfg.Valkey.Address,
			Password:  cfg.Valkey.Password,
			DB:        cfg.Valkey.DB,
			KeyPrefix: cfg.Valkey.KeyPrefix,
			Logger:    logger,
		}
		if cfg.Valkey.TLS {
			vcfg.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		s, err := valkey.New(vcfg)
		if err != nil {
			return nil, err
		}
		return &openedStore{Store: s, close: s.Close}, nil

	default:
		dialect, err := sqlstore.ParseDialect(cfg.Driver)
		if err != nil {
			return nil, fmt.Errorf("storage.driver: %w", err)
		}
		s, err := sqlstore.Open(ctx, sqlstore.Config{Dialect: dialect, DSN: cfg.DSN, Logger: logger})
		if err != nil {
			return nil, err
		}
		if migrate {
			if err := s.Migrate(ctx); err != nil {
				_ = s.Close()
				return nil, err
			}
		}
		return &openedStore{Store: s, sql: s, close: func() {
			if err := s.Close(); err != nil {
				logger.Warn("Failed to close SQL store", "error", err)
			}
		}}, nil
	}
}

// newProvider builds the Supabase identity provider.
func newProvider(cfg config.IdentityConfig) (*supabase.Provider, error) {
	return supabase.NewProvider(&supabase.Config{
		URL:           cfg.SupabaseURL,
		AnonKey:       cfg.AnonKey,
		JWTSecret:     cfg.JWTSecret,
		SessionCookie: cfg.SessionCookie,
		LoginURL:      cfg.LoginURL,
	})
}

func instrumentationConfig(cfg config.Config, version string) instrumentation.Config {
	return instrumentation.Config{
		ServiceName:    appName,
		ServiceVersion: version,
		Enabled:        cfg.Telemetry.Enabled,
	}
}

func serverConfig(cfg config.Config) *server.Config {
	return &server.Config{
		BaseURL:              cfg.BaseURL,
		Environment:          cfg.Environment,
		ResourcePaths:        cfg.Resources,
		NativeCallbackURI:    cfg.NativeCallbackURI,
		StaticClientIDs:      cfg.StaticClientIDs,
		AutoApprove:          cfg.AutoApprove,
		AllowFirstPartyJWT:   cfg.AllowFirstPartyJWT,
		AuthorizationCodeTTL: cfg.Tokens.CodeTTL,
		AccessTokenTTL:       cfg.Tokens.AccessTTL,
		RefreshTokenTTL:      cfg.Tokens.RefreshTTL,
		ClockSkew:            cfg.Tokens.ClockSkew,
		TrustProxy:           cfg.TrustProxy,
		TrustedProxyCount:    cfg.TrustedProxyCount,
	}
}

func httpConfig(cfg config.Config) *oauth.Config {
	return &oauth.Config{
		CORS: oauth.CORSConfig{
			AllowedOrigins:   cfg.CORS.AllowedOrigins,
			AllowCredentials: cfg.CORS.AllowCredentials,
		},
		RateLimit: oauth.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			Burst:             cfg.RateLimit.Burst,
		},
		MaintenanceSecret: cfg.Maintenance.Secret,
	}
}
