// Package config loads client configuration from defaults, YAML files and
// SNOO_-prefixed environment variables.
package config

import (
	"fmt"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	envprovider "github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix marks the environment variables read by Load.
const EnvPrefix = "SNOO_"

// Load loads configuration from multiple sources with priority:
// 1. Environment variables (highest priority)
// 2. YAML configuration files, later files overriding earlier ones
// 3. Default values (lowest priority)
//
// Every listed file must exist.
func Load(paths ...string) (*Config, error) {
	k := koanf.New(".")

	if err := loadDefaults(k); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	for _, path := range paths {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", path, err)
		}
	}

	if err := loadEnv(k); err != nil {
		return nil, err
	}

	return finish(k)
}

// Parse loads configuration from YAML bytes over the defaults. The
// environment is not consulted.
func Parse(data []byte) (*Config, error) {
	k := koanf.New(".")

	if err := loadDefaults(k); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}
	if err := k.Load(rawbytes.Provider(data), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return finish(k)
}

func finish(k *koanf.Koanf) (*Config, error) {
	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Store the Koanf instance for flexible access
	cfg.k = k

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func loadEnv(k *koanf.Koanf) error {
	provider := envprovider.Provider(".", envprovider.Opt{
		Prefix: EnvPrefix,
		TransformFunc: func(key, value string) (string, any) {
			// SNOO_API_TIMEOUT -> api.timeout
			key = strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(key, EnvPrefix)), "_", ".")
			if key == "reauth.invalidstatuses" {
				return key, strings.Split(value, ",")
			}
			return key, value
		},
	})
	if err := k.Load(provider, nil); err != nil {
		return fmt.Errorf("failed to load environment variables: %w", err)
	}
	return nil
}

func loadDefaults(k *koanf.Koanf) error {
	defaults := map[string]any{
		"app.name":    "go-snoo",
		"app.version": "0.1.0",
		"app.env":     EnvDevelopment,

		"api.publicurl":  "https://www.reddit.com",
		"api.oauthurl":   "https://oauth.reddit.com",
		"api.tokenurl":   "https://www.reddit.com/api/v1/access_token",
		"api.timeout":    "30s",
		"api.maxresends": 8,

		"reauth.maxretries":      2,
		"reauth.invalidstatuses": []int{401, 403},

		"rate.tolerance": "5s",
		"rate.margin":    "3s",
		"rate.lowwater":  10,
		"rate.sentinel":  999,

		"log.level":  "info",
		"log.pretty": false,

		"observability.enabled":      false,
		"observability.service.name": "go-snoo",
	}

	return k.Load(confmap.Provider(defaults, "."), nil)
}
