package engine

import (
	"fmt"
	"os"

	"github.com/goccy/go-yaml"
)

// LoadConfig reads the memory.* namespace from a YAML file at path and
// applies defaults to any field left unset. A missing file is not an
// error: it returns a default Config, since every field is zero-value
// safe once setDefaults runs.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.setDefaults()
			return cfg, nil
		}
		return nil, fmt.Errorf("engine: read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("engine: parse config %s: %w", path, err)
	}
	cfg.setDefaults()
	return cfg, nil
}

// SaveConfig writes cfg to path as YAML, creating or overwriting the file.
func SaveConfig(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("engine: marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("engine: write config %s: %w", path, err)
	}
	return nil
}
