package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Config holds runtime parameters for the service.
// Zero values mean "unspecified" and will be replaced by defaults in main.
type Config struct {
	Addr     string `json:"addr" yaml:"addr" toml:"addr"`
	ModelID  string `json:"model_id" yaml:"model_id" toml:"model_id"`
	Revision string `json:"revision" yaml:"revision" toml:"revision"`
	Dtype    string `json:"dtype" yaml:"dtype" toml:"dtype"`
	Pooling  string `json:"pooling" yaml:"pooling" toml:"pooling"`

	BackendURL string `json:"backend_url" yaml:"backend_url" toml:"backend_url"`
	ScratchDir string `json:"scratch_dir" yaml:"scratch_dir" toml:"scratch_dir"`
	CacheDir   string `json:"cache_dir" yaml:"cache_dir" toml:"cache_dir"`
	HubURL     string `json:"hub_url" yaml:"hub_url" toml:"hub_url"`

	MaxConcurrentRequests int `json:"max_concurrent_requests" yaml:"max_concurrent_requests" toml:"max_concurrent_requests"`
	MaxBatchTokens        int `json:"max_batch_tokens" yaml:"max_batch_tokens" toml:"max_batch_tokens"`
	MaxClientBatchSize    int `json:"max_client_batch_size" yaml:"max_client_batch_size" toml:"max_client_batch_size"`
	TokenizationWorkers   int `json:"tokenization_workers" yaml:"tokenization_workers" toml:"tokenization_workers"`

	LogLevel string `json:"log_level" yaml:"log_level" toml:"log_level"`
}

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}
