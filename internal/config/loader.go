package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Load builds the configuration in priority order:
// 1. Default values
// 2. Configuration file (optional when path is empty)
// 3. Environment variables (LEDGERD_ prefix)
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return nil, fmt.Errorf("config file does not exist: %s", path)
		}
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := checkUnknownKeys(v); err != nil {
			return nil, err
		}
	}

	v.SetEnvPrefix("LEDGERD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("tenant_isolation", "shared")
	v.SetDefault("encryption_provider", "none")
	v.SetDefault("key_material", "")
	v.SetDefault("day_count_convention", 365)
	v.SetDefault("default_grace_days", 21)
	v.SetDefault("statement_cycle_day_policy", "fixed")
	v.SetDefault("clock_source", "system")
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.path", "")
	v.SetDefault("storage.compression", false)
}

// recognized is the closed set of config keys. A key in the file outside
// this set is a misconfiguration, not an extension point.
var recognized = map[string]bool{
	"tenant_isolation":           true,
	"encryption_provider":        true,
	"key_material":               true,
	"day_count_convention":       true,
	"default_grace_days":         true,
	"statement_cycle_day_policy": true,
	"clock_source":               true,
	"storage.backend":            true,
	"storage.path":               true,
	"storage.compression":        true,
}

func checkUnknownKeys(v *viper.Viper) error {
	var unknown []string
	for _, key := range v.AllKeys() {
		if !recognized[key] {
			unknown = append(unknown, key)
		}
	}
	if len(unknown) > 0 {
		return fmt.Errorf("unknown config keys: %s", strings.Join(unknown, ", "))
	}
	return nil
}
