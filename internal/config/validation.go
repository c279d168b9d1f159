package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"strings"
)

var (
	environments   = []string{"production", "staging", "development"}
	storageDrivers = []string{"memory", "valkey", "postgres", "mysql", "sqlite"}
	logFormats     = []string{"json", "text"}
)

// Validate reports every problem in cfg at once.
func (c *Config) Validate() error {
	var errs []error

	if c.BaseURL == "" {
		errs = append(errs, fmt.Errorf("base_url is required"))
	} else if u, err := url.Parse(c.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("base_url must be an absolute URL"))
	}
	if !slices.Contains(environments, c.Environment) {
		errs = append(errs, fmt.Errorf("environment must be one of %s", strings.Join(environments, ", ")))
	}
	if len(c.Tokens.SigningKey) < MinSigningKeyLength {
		errs = append(errs, fmt.Errorf("tokens.signing_key must be at least %d bytes", MinSigningKeyLength))
	}
	for _, r := range c.Resources {
		if !strings.HasPrefix(r, "/") {
			errs = append(errs, fmt.Errorf("resource path %q must start with /", r))
		}
	}

	if !slices.Contains(storageDrivers, c.Storage.Driver) {
		errs = append(errs, fmt.Errorf("storage.driver must be one of %s", strings.Join(storageDrivers, ", ")))
	}
	switch c.Storage.Driver {
	case "postgres", "mysql", "sqlite":
		if c.Storage.DSN == "" {
			errs = append(errs, fmt.Errorf("storage.dsn is required for the %s driver", c.Storage.Driver))
		}
	case "valkey":
		if c.Storage.Valkey.Address == "" {
			errs = append(errs, fmt.Errorf("storage.valkey.address is required"))
		}
	}

	if c.Identity.SupabaseURL == "" && c.Identity.JWTSecret == "" {
		errs = append(errs, fmt.Errorf("identity.supabase_url or identity.jwt_secret is required"))
	}
	if c.Maintenance.CleanupInterval < 0 {
		errs = append(errs, fmt.Errorf("maintenance.cleanup_interval must not be negative"))
	}
	if c.RateLimit.RequestsPerSecond < 0 {
		errs = append(errs, fmt.Errorf("rate_limit.requests_per_second must not be negative"))
	}

	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if !slices.Contains(logFormats, c.Log.Format) {
		errs = append(errs, fmt.Errorf("log.format must be json or text"))
	}

	return errors.Join(errs...)
}

// ParseLevel maps a log level name onto slog.Level.
func ParseLevel(name string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(name)); err != nil {
		return 0, fmt.Errorf("log.level %q is invalid", name)
	}
	return level, nil
}
