package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"

	"github.com/lamim/prefbatch/internal/processor"
)

// Load reads and parses the configuration file, applies defaults and
// validates the result.
func Load(configPath string) (*Config, *Secrets, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}

	secrets := LoadSecrets()
	return &cfg, secrets, nil
}

// applyDefaults sets default values for optional configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Processor.ModelMaxLength == 0 {
		cfg.Processor.ModelMaxLength = processor.DefaultModelMaxLength
	}
	if cfg.Processor.PaddingSide == "" {
		cfg.Processor.PaddingSide = "right"
	}
	if cfg.Processor.ImageSize == 0 {
		cfg.Processor.ImageSize = processor.DefaultImageSize
	}

	if cfg.Collator.BatchSize == 0 {
		cfg.Collator.BatchSize = 8
	}

	if cfg.Hub.RateLimitPerMinute == 0 {
		cfg.Hub.RateLimitPerMinute = 60
	}
	if cfg.Hub.MaxRetries == 0 {
		cfg.Hub.MaxRetries = 3
	}
}

// Secrets holds credentials loaded from the environment, never from the
// config file.
type Secrets struct {
	HubToken string
}

// LoadSecrets reads secrets from environment variables. PREFBATCH_HF_TOKEN
// wins over the conventional HF_TOKEN.
func LoadSecrets() *Secrets {
	token := os.Getenv("PREFBATCH_HF_TOKEN")
	if token == "" {
		token = os.Getenv("HF_TOKEN")
	}
	return &Secrets{HubToken: token}
}
