// Package config loads the server configuration: defaults, then config.yaml,
// then MCP_AUTH_* environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "MCP_AUTH_"

// lookupEnv is a seam for tests.
var lookupEnv = os.LookupEnv

// Load reads the file at path over the defaults and applies environment
// overrides. A missing file is not an error; an empty path skips the file.
func Load(path string, logger *slog.Logger) (Config, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			logger.Info("No config file found, using defaults", "path", path)
		case err != nil:
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("error loading config from %s: %w", path, err)
			}
			logger.Debug("Loaded configuration", "path", path)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// envString binds string settings to their environment variables.
func envString(cfg *Config) map[string]*string {
	return map[string]*string{
		"BASE_URL":            &cfg.BaseURL,
		"ENVIRONMENT":         &cfg.Environment,
		"LISTEN_ADDRESS":      &cfg.ListenAddress,
		"NATIVE_CALLBACK_URI": &cfg.NativeCallbackURI,
		"SIGNING_KEY":         &cfg.Tokens.SigningKey,
		"STORAGE_DRIVER":      &cfg.Storage.Driver,
		"STORAGE_DSN":         &cfg.Storage.DSN,
		"VALKEY_ADDRESS":      &cfg.Storage.Valkey.Address,
		"VALKEY_PASSWORD":     &cfg.Storage.Valkey.Password,
		"SUPABASE_URL":        &cfg.Identity.SupabaseURL,
		"SUPABASE_ANON_KEY":   &cfg.Identity.AnonKey,
		"SUPABASE_JWT_SECRET": &cfg.Identity.JWTSecret,
		"MAINTENANCE_SECRET":  &cfg.Maintenance.Secret,
		"LOG_LEVEL":           &cfg.Log.Level,
		"LOG_FORMAT":          &cfg.Log.Format,
	}
}

func applyEnv(cfg *Config) error {
	for name, field := range envString(cfg) {
		if v, ok := lookupEnv(EnvPrefix + name); ok {
			*field = v
		}
	}

	if v, ok := lookupEnv(EnvPrefix + "RESOURCES"); ok {
		cfg.Resources = splitList(v)
	}
	if v, ok := lookupEnv(EnvPrefix + "CORS_ALLOWED_ORIGINS"); ok {
		cfg.CORS.AllowedOrigins = splitList(v)
	}

	bools := map[string]*bool{
		"AUTO_APPROVE":          &cfg.AutoApprove,
		"ALLOW_FIRST_PARTY_JWT": &cfg.AllowFirstPartyJWT,
		"TRUST_PROXY":           &cfg.TrustProxy,
		"TELEMETRY_ENABLED":     &cfg.Telemetry.Enabled,
	}
	for name, field := range bools {
		v, ok := lookupEnv(EnvPrefix + name)
		if !ok {
			continue
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
		}
		*field = b
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
