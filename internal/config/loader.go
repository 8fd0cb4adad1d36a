package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Load builds a Config by layering, low to high precedence:
//  1. defaults
//  2. a YAML (or JSON) file: path, else $TRANSITCOORDS_CONFIG, else the
//     default location if it exists
//  3. env vars TRANSITCOORDS_<SECTION>_<KEY>, e.g. TRANSITCOORDS_EXPORT_WORKERS
//
// Command-line flags are applied on top by the caller.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	explicit := path != ""
	if !explicit {
		path = os.Getenv(envConfigPath)
		explicit = path != ""
	}
	if !explicit {
		path = defaultConfigPath
	}
	expanded, err := expandUser(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLoadConfig, err)
	}

	_, statErr := os.Stat(expanded)
	switch {
	case statErr == nil:
		if err := k.Load(file.Provider(expanded), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrLoadConfig, expanded, err)
		}
	case explicit || !errors.Is(statErr, os.ErrNotExist):
		return nil, fmt.Errorf("%w: %w", ErrLoadConfig, statErr)
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("%w: env: %w", ErrLoadConfig, err)
	}

	cfg := *Default()
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLoadConfig, err)
	}
	return &cfg, nil
}

// envKey maps TRANSITCOORDS_LOGGING_FILE_OUTPUT to logging.file_output. Only
// the first underscore separates section from key.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, envPrefix))
	return strings.Replace(s, "_", ".", 1)
}
