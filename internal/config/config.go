// internal/config/config.go
package config

import (
	"encoding/json"
	"fmt"
	"os"
)

type Config struct {
	Workspace struct {
		Path      string `json:"path"`
		CacheSize int    `json:"cache_size"`
	} `json:"workspace"`

	LogLevel string `json:"log_level"` // debug, info, warn, error
}

func Default() *Config {
	cfg := &Config{}
	cfg.Workspace.Path = ".canopy"
	cfg.Workspace.CacheSize = 256
	cfg.LogLevel = "info"
	return cfg
}

func getConfigPath() string {
	env := os.Getenv("CANOPY_ENV")
	if env == "" {
		env = "development"
	}
	return fmt.Sprintf("config/config.%s.json", env)
}

func Load(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	config := Default()
	if err := json.NewDecoder(file).Decode(config); err != nil {
		return nil, err
	}

	return config, nil
}
