package commands

import (
	"fmt"
	"os"

	"github.com/goccy/go-yaml"

	"github.com/auralens/auralens/pkg/jsontime"
)

// ProviderConfig selects and authenticates one external provider.
type ProviderConfig struct {
	Provider string `yaml:"provider"` // "openai", "gemini", or "" to disable
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
	Voice    string `yaml:"voice,omitempty"` // synthesis only
}

// ServeConfig is the YAML configuration for the serve command.
type ServeConfig struct {
	Listen  string `yaml:"listen"`
	Archive string `yaml:"archive"` // kv URL, e.g. badger:///var/lib/auralens

	Providers struct {
		Fast   ProviderConfig `yaml:"fast"`
		Deep   ProviderConfig `yaml:"deep"`
		Voice  ProviderConfig `yaml:"voice"`
		Vision ProviderConfig `yaml:"vision"`
	} `yaml:"providers"`

	Turn struct {
		FastTimeout     jsontime.Duration `yaml:"fast_timeout"`
		DeepTimeout     jsontime.Duration `yaml:"deep_timeout"`
		Staleness       jsontime.Duration `yaml:"staleness"`
		FrameWait       jsontime.Duration `yaml:"frame_wait"`
		RateLimitWindow jsontime.Duration `yaml:"rate_limit_window"`
		DedupWindow     jsontime.Duration `yaml:"dedup_window"`
	} `yaml:"turn"`

	Breaker struct {
		Threshold int               `yaml:"threshold"`
		Window    jsontime.Duration `yaml:"window"`
		Cooldown  jsontime.Duration `yaml:"cooldown"`
	} `yaml:"breaker"`

	Instructions string `yaml:"instructions,omitempty"`
}

// LoadServeConfig reads and parses a serve configuration file.
// ${VAR} references are expanded from the environment, so API keys can stay
// out of the file.
func LoadServeConfig(path string) (*ServeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	data = []byte(os.ExpandEnv(string(data)))
	var cfg ServeConfig
	if err := yaml.UnmarshalWithOptions(data, &cfg, yaml.UseJSONUnmarshaler()); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if cfg.Listen == "" {
		cfg.Listen = ":8990"
	}
	if cfg.Providers.Fast.Provider == "" || cfg.Providers.Deep.Provider == "" {
		return nil, fmt.Errorf("%s: providers.fast and providers.deep are required", path)
	}
	return &cfg, nil
}
