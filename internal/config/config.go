package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

const (
	defaultConfigPath = "~/.config/transitcoords/config.yaml"
	envPrefix         = "TRANSITCOORDS_"
	envConfigPath     = "TRANSITCOORDS_CONFIG"
)

// Sentinel error kinds for this package.
var (
	ErrInvalidConfig = errors.New("invalid config")
	ErrLoadConfig    = errors.New("load config failed")
)

// Config holds user-editable settings.
type Config struct {
	Export    Export    `koanf:"export" json:"export"`
	Ephemeris Ephemeris `koanf:"ephemeris" json:"ephemeris"`
	Pipeline  Pipeline  `koanf:"pipeline" json:"pipeline"`
	Watch     Watch     `koanf:"watch" json:"watch"`
	Server    Server    `koanf:"server" json:"server"`
	Storage   Storage   `koanf:"storage" json:"storage"`
	Logging   Logging   `koanf:"logging" json:"logging"`
}

// Export describes the default coordinate export.
type Export struct {
	Pattern   string `koanf:"pattern" json:"pattern"`
	Output    string `koanf:"output" json:"output"`
	Body      string `koanf:"body" json:"body"`
	Separator string `koanf:"separator" json:"separator"`
	Policy    string `koanf:"policy" json:"policy"` // abort, collect
	Workers   int    `koanf:"workers" json:"workers"`
}

// Ephemeris selects the dataset used for body positions.
type Ephemeris struct {
	Name string `koanf:"name" json:"name"` // de432s, de440, ... or builtin
	Path string `koanf:"path" json:"path"`
	Dir  string `koanf:"dir" json:"dir"`
}

// Pipeline sizes the background run queue.
type Pipeline struct {
	Workers   int `koanf:"workers" json:"workers"`
	QueueSize int `koanf:"queue_size" json:"queue_size"`
}

// Watch controls directory watching.
type Watch struct {
	Debounce time.Duration `koanf:"debounce" json:"debounce"`
}

// Server configures the network listeners. Remote overrides may only name
// paths under BaseDir.
type Server struct {
	Addr     string `koanf:"addr" json:"addr"`
	GRPCAddr string `koanf:"grpc_addr" json:"grpc_addr"`
	BaseDir  string `koanf:"base_dir" json:"base_dir"`
}

// Storage configures run history persistence. An empty path disables it.
type Storage struct {
	DatabasePath string `koanf:"database_path" json:"database_path"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `koanf:"level" json:"level"`             // debug, info, warn, error
	Format     string `koanf:"format" json:"format"`           // traditional, text, json
	FileOutput bool   `koanf:"file_output" json:"file_output"` // Enable file logging
	LogDir     string `koanf:"log_dir" json:"log_dir"`         // Directory for log files
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Export: Export{
			Pattern: "aia.lev1.193A_*.image_lev1.fits",
			Output:  "venus_coords.txt",
			Body:    "venus",
			Policy:  "abort",
			Workers: runtime.NumCPU(),
		},
		Ephemeris: Ephemeris{
			Name: "de432s",
			Dir:  ".",
		},
		Pipeline: Pipeline{
			Workers:   2,
			QueueSize: 64,
		},
		Watch: Watch{
			Debounce: 2 * time.Second,
		},
		Server: Server{
			Addr:     "127.0.0.1:8080",
			GRPCAddr: "127.0.0.1:9090",
			BaseDir:  ".",
		},
		Storage: Storage{
			DatabasePath: filepath.Join(os.TempDir(), "transitcoords.db"),
		},
		Logging: Logging{
			Level:      "info",
			Format:     "traditional",
			FileOutput: false,
			LogDir:     "./logs",
		},
	}
}

// Validate reports every problem with the configuration at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
	}

	if strings.TrimSpace(c.Export.Pattern) == "" {
		add("export.pattern must not be empty")
	} else if _, err := filepath.Match(c.Export.Pattern, ""); err != nil {
		add("export.pattern %q: %v", c.Export.Pattern, err)
	}
	if strings.TrimSpace(c.Export.Output) == "" {
		add("export.output must not be empty")
	}
	if strings.TrimSpace(c.Export.Body) == "" {
		add("export.body must not be empty")
	}
	switch c.Export.Policy {
	case "abort", "collect":
	default:
		add("export.policy %q must be abort or collect", c.Export.Policy)
	}
	if c.Export.Workers < 1 {
		add("export.workers must be at least 1")
	}
	if strings.TrimSpace(c.Ephemeris.Name) == "" {
		add("ephemeris.name must not be empty")
	}
	if strings.TrimSpace(c.Server.BaseDir) == "" {
		add("server.base_dir must not be empty")
	}
	if c.Pipeline.Workers < 1 {
		add("pipeline.workers must be at least 1")
	}
	if c.Pipeline.QueueSize < 1 {
		add("pipeline.queue_size must be at least 1")
	}
	if c.Watch.Debounce < 0 {
		add("watch.debounce must not be negative")
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		add("logging.level %q is not a known level", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "traditional", "text", "json":
	default:
		add("logging.format %q must be traditional, text or json", c.Logging.Format)
	}
	return errors.Join(errs...)
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
