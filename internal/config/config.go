// Package config loads and validates daemon configuration: defaults,
// then an optional config file, then LEDGERD_-prefixed environment
// variables. Unknown keys are rejected rather than silently ignored.
package config

import (
	"fmt"
)

// Storage selects the record-store backend.
type Storage struct {
	// Backend is one of the registered record-store drivers:
	// memory, pebble, bbolt, postgres, sqlite.
	Backend string `mapstructure:"backend"`
	// Path is the data directory (kv backends) or DSN (sql backends).
	Path string `mapstructure:"path"`
	// Compression enables lz4 compression of stored documents on
	// backends that support it.
	Compression bool `mapstructure:"compression"`
}

// Config is the full daemon configuration.
type Config struct {
	// TenantIsolation is one of shared, schema, database.
	TenantIsolation string `mapstructure:"tenant_isolation"`

	// EncryptionProvider is one of none, authenticated-aead, legacy.
	EncryptionProvider string `mapstructure:"encryption_provider"`
	// KeyMaterial seeds the per-field PII keys. Required unless the
	// provider is none.
	KeyMaterial string `mapstructure:"key_material"`

	// DayCountConvention is 365 or 360.
	DayCountConvention int `mapstructure:"day_count_convention"`
	// DefaultGraceDays applies to products that do not set their own.
	DefaultGraceDays int `mapstructure:"default_grace_days"`
	// StatementCycleDayPolicy is one of fixed, anniversary.
	StatementCycleDayPolicy string `mapstructure:"statement_cycle_day_policy"`

	// ClockSource is system or manual. Manual is for test rigs and
	// deterministic replay only.
	ClockSource string `mapstructure:"clock_source"`

	Storage Storage `mapstructure:"storage"`
}

func (c *Config) Validate() error {
	switch c.TenantIsolation {
	case "shared", "schema", "database":
	default:
		return fmt.Errorf("tenant_isolation: unknown value %q (want shared, schema or database)", c.TenantIsolation)
	}
	switch c.EncryptionProvider {
	case "none", "authenticated-aead", "legacy":
	default:
		return fmt.Errorf("encryption_provider: unknown value %q (want none, authenticated-aead or legacy)", c.EncryptionProvider)
	}
	if c.EncryptionProvider != "none" && c.KeyMaterial == "" {
		return fmt.Errorf("key_material is required when encryption_provider is %q", c.EncryptionProvider)
	}
	if c.DayCountConvention != 365 && c.DayCountConvention != 360 {
		return fmt.Errorf("day_count_convention: %d (want 365 or 360)", c.DayCountConvention)
	}
	if c.DefaultGraceDays < 0 {
		return fmt.Errorf("default_grace_days must not be negative")
	}
	switch c.StatementCycleDayPolicy {
	case "fixed", "anniversary":
	default:
		return fmt.Errorf("statement_cycle_day_policy: unknown value %q (want fixed or anniversary)", c.StatementCycleDayPolicy)
	}
	switch c.ClockSource {
	case "system", "manual":
	default:
		return fmt.Errorf("clock_source: unknown value %q (want system or manual)", c.ClockSource)
	}
	switch c.Storage.Backend {
	case "memory", "pebble", "bbolt", "postgres", "sqlite":
	default:
		return fmt.Errorf("storage.backend: unknown value %q", c.Storage.Backend)
	}
	if c.Storage.Backend != "memory" && c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required for backend %q", c.Storage.Backend)
	}
	return nil
}
