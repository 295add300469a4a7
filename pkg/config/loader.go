package config

import (
	"fmt"
	"log/slog"
	"os"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Load reads the orchestrator's YAML configuration from path, expands
// `${VAR}`-style environment references, merges it over Defaults(), and
// validates the result. A missing path is not an error: Defaults() is
// returned as-is (the common case for local development via .env).
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path == "" {
		if err := Validate(cfg); err != nil {
			return Config{}, err
		}
		return cfg, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Warn("config file not found, using built-in defaults", "path", path)
			if verr := Validate(cfg); verr != nil {
				return Config{}, verr
			}
			return cfg, nil
		}
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	expanded := ExpandEnv(raw)

	var fileCfg Config
	if err := yaml.Unmarshal(expanded, &fileCfg); err != nil {
		return Config{}, fmt.Errorf("%w: %s: %w", ErrInvalidYAML, path, err)
	}

	if err := mergo.Merge(&cfg, fileCfg, mergo.WithOverride); err != nil {
		return Config{}, fmt.Errorf("config: merge %s: %w", path, err)
	}

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}

	slog.Info("configuration loaded", "path", path)
	return cfg, nil
}
