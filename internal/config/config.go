// Package config loads the configuration of the optimization service from
// the environment, with an optional YAML file for the optimizer settings.
package config

import (
	"os"
	"time"

	"github.com/caarlos0/env/v10"
	"gopkg.in/yaml.v3"

	"github.com/copyleftdev/descent/internal/optimization"
)

type Config struct {
	Environment string `env:"ENV" envDefault:"development"`
	HTTP        struct {
		Port            int           `env:"HTTP_PORT" envDefault:"8080"`
		ReadTimeout     time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"30s"`
		WriteTimeout    time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
		IdleTimeout     time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`
		ShutdownTimeout time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	}
	Logging struct {
		Level  string `env:"LOG_LEVEL"`
		Format string `env:"LOG_FORMAT" envDefault:"json"`
		Output string `env:"LOG_OUTPUT" envDefault:"stderr"`
	}
	Optimization struct {
		// WorkerCount bounds the number of runs executing at once.
		WorkerCount int `env:"OPT_WORKER_COUNT" envDefault:"10"`
		// JobTimeout cancels runs that take longer.
		JobTimeout time.Duration `env:"OPT_JOB_TIMEOUT" envDefault:"5m"`
		// SettingsFile is a YAML file overlaying the settings below.
		SettingsFile string `env:"OPT_SETTINGS_FILE"`

		MaxIterations      int     `env:"OPT_MAX_ITERATIONS" envDefault:"2000"`
		GradientTol        float64 `env:"OPT_GRAD_ERR_TOL" envDefault:"1e-8"`
		ObjectiveChangeTol float64 `env:"OPT_REL_OBJECTIVE_CHANGE_TOL" envDefault:"1e-8"`
		SolutionChangeTol  float64 `env:"OPT_REL_SOL_CHANGE_TOL" envDefault:"1e-14"`
		PrintLevel         int     `env:"OPT_ITER_PRINT_LEVEL" envDefault:"0"`
		// DiffWorkers is the number of goroutines per finite-difference stencil.
		DiffWorkers int `env:"OPT_DIFF_WORKERS" envDefault:"0"`
	}
}

// Load reads the configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	// Set default logging level based on environment
	if cfg.Logging.Level == "" {
		if cfg.Environment == "development" {
			cfg.Logging.Level = "debug"
		} else {
			cfg.Logging.Level = "info"
		}
	}
	if cfg.Optimization.WorkerCount < 1 {
		cfg.Optimization.WorkerCount = 1
	}

	return cfg, nil
}

// Settings returns the optimizer settings described by the environment,
// overlaid with SettingsFile when one is configured.
func (c *Config) Settings() (*optimization.Settings, error) {
	o := c.Optimization
	s := optimization.DefaultSettings()
	s.MaxIterations = o.MaxIterations
	s.GradientTol = o.GradientTol
	s.ObjectiveChangeTol = o.ObjectiveChangeTol
	s.SolutionChangeTol = o.SolutionChangeTol
	s.PrintLevel = o.PrintLevel
	s.Workers = o.DiffWorkers

	if o.SettingsFile == "" {
		return s, nil
	}
	return LoadSettings(o.SettingsFile, s)
}

// LoadSettings overlays the YAML file at path onto a copy of base. Keys
// missing from the file keep the value of base.
func LoadSettings(path string, base *optimization.Settings) (*optimization.Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, optimization.WrapErrorf(err, "reading settings file %s", path).
			WithComponent("config").WithOperation("LoadSettings")
	}
	return ParseSettings(data, base)
}

// ParseSettings overlays YAML data onto a copy of base.
func ParseSettings(data []byte, base *optimization.Settings) (*optimization.Settings, error) {
	s := optimization.DefaultSettings()
	if base != nil {
		cp := *base
		s = &cp
	}
	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, optimization.WrapErrorf(optimization.ErrInvalidSettings, "parsing settings: %v", err).
			WithComponent("config").WithOperation("ParseSettings")
	}
	return s, nil
}
