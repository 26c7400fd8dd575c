package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

var (
	// ErrInvalidYAML indicates YAML parsing failed.
	ErrInvalidYAML = errors.New("invalid YAML syntax")

	// ErrInvalidValue indicates a configuration field has an invalid value.
	ErrInvalidValue = errors.New("invalid configuration value")
)

// fileConfig is the skypetl.yaml file structure.
type fileConfig struct {
	Pipeline *PipelineConfig `yaml:"pipeline"`
}

// Load resolves the pipeline configuration: built-in defaults overlaid with
// the optional YAML file at path. A missing file is not an error. Values in
// the file override defaults via merge, so an explicit false cannot disable
// a default-on toggle; use the command-line flags for that.
func Load(path string) (*PipelineConfig, error) {
	cfg := DefaultPipelineConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Debug("No configuration file found, using defaults", "path", path)
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read configuration file %s: %w", path, err)
	}

	var file fileConfig
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}

	if file.Pipeline != nil {
		// Merge user-provided values into defaults (non-zero values override)
		if err := mergo.Merge(cfg, file.Pipeline, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge pipeline config: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	slog.Info("Configuration loaded", "path", path)
	return cfg, nil
}
