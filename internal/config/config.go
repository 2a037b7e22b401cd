package config

import (
	"fmt"

	"github.com/lamim/prefbatch/pkg/models"
)

// Config represents the complete pipeline configuration.
type Config struct {
	Dataset   DatasetConfig   `toml:"dataset"`
	Processor ProcessorConfig `toml:"processor"`
	Collator  CollatorConfig  `toml:"collator"`
	Hub       HubConfig       `toml:"hub"`
}

// DatasetConfig identifies the records to load and how to interpret them.
type DatasetConfig struct {
	Path      string   `toml:"path"`       // File, directory or hub repo id
	Template  string   `toml:"template"`   // Registered template name
	Name      string   `toml:"name"`       // Optional subset name
	Split     string   `toml:"split"`      // Optional split (e.g. "train")
	DataFiles []string `toml:"data_files"` // Optional explicit file list
	Size      int      `toml:"size"`       // Truncate to leading N records (0 = all)
	// OptionalArgs passes positional loader extras; the first one supplies
	// the subset name when name is not set.
	OptionalArgs []string `toml:"optional_args"`
	// StrictSchemaChecks makes malformed records fatal instead of skipped.
	StrictSchemaChecks bool `toml:"strict_schema_checks"`
	// Safety switches the pipeline to the safety-labeled variant.
	Safety bool `toml:"safety"`
}

// ProcessorConfig configures the reference text processor.
type ProcessorConfig struct {
	ModelMaxLength int    `toml:"model_max_length"` // Default: 2048
	PaddingSide    string `toml:"padding_side"`     // "left" or "right" (default: "right")
	ImageSize      int    `toml:"image_size"`       // Square side for pixel values (default: 32)
}

// CollatorConfig configures batch assembly.
type CollatorConfig struct {
	BatchSize int `toml:"batch_size"` // Samples per collated batch (default: 8)
	// ImageWrapping selects the image-wrapping strategy; empty defers to the
	// MULTI_IMAGES_INFERENCE_MODELS environment switch.
	ImageWrapping string `toml:"image_wrapping"`
}

// HubConfig configures hub downloads for repo-id dataset locations.
type HubConfig struct {
	Endpoint           string `toml:"endpoint"`
	CacheDir           string `toml:"cache_dir"`
	RateLimitPerMinute int    `toml:"rate_limit_per_minute"`
	MaxRetries         int    `toml:"max_retries"`
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Dataset.Path == "" {
		return fmt.Errorf("dataset.path is required")
	}
	if c.Dataset.Template == "" {
		return fmt.Errorf("dataset.template is required")
	}
	if c.Dataset.Size < 0 {
		return fmt.Errorf("dataset.size must not be negative, got %d", c.Dataset.Size)
	}

	switch c.Processor.PaddingSide {
	case "left", "right":
	default:
		return fmt.Errorf("processor.padding_side must be \"left\" or \"right\", got %q", c.Processor.PaddingSide)
	}

	if c.Collator.BatchSize < 1 {
		return fmt.Errorf("collator.batch_size must be at least 1, got %d", c.Collator.BatchSize)
	}
	if !models.ImageWrapMode(c.Collator.ImageWrapping).Valid() {
		return fmt.Errorf("collator.image_wrapping %q is not a known strategy", c.Collator.ImageWrapping)
	}

	return nil
}
