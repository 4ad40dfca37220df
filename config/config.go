package config

import (
	"fmt"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/jrife/polls/storage/memory/plugins"
)

// Config is the configuration of the polls command
type Config struct {
	Env     string        `yaml:"env" env:"POLLS_ENV" env-default:"prod"`
	Storage StorageConfig `yaml:"storage"`
}

// StorageConfig selects and configures the storage medium
type StorageConfig struct {
	Driver string `yaml:"driver" env:"POLLS_STORAGE_DRIVER" env-default:"mmap"`
	Path   string `yaml:"path" env:"POLLS_STORAGE_PATH" env-default:"polls.db"`
	// BucketSize is the region bucket size in pages. It only
	// matters when the storage medium is created.
	BucketSize uint16 `yaml:"bucket_size" env:"POLLS_BUCKET_SIZE" env-default:"128"`
	// MaxPages limits the size of the storage medium. Zero means no limit.
	MaxPages uint64 `yaml:"max_pages" env:"POLLS_MAX_PAGES" env-default:"0"`
}

// Load reads the config file at path, then applies environment
// overrides. An empty path reads the environment only.
func Load(path string) (*Config, error) {
	var config Config

	if path == "" {
		if err := cleanenv.ReadEnv(&config); err != nil {
			return nil, fmt.Errorf("cannot read config from environment: %w", err)
		}
	} else if err := cleanenv.ReadConfig(path, &config); err != nil {
		return nil, fmt.Errorf("cannot read config %s: %w", path, err)
	}

	if plugins.Lookup(config.Storage.Driver) == nil {
		return nil, fmt.Errorf("unknown storage driver %q", config.Storage.Driver)
	}

	return &config, nil
}

// PluginOptions returns the options for the storage driver
func (storage StorageConfig) PluginOptions() plugins.Options {
	return plugins.Options{
		"path":      storage.Path,
		"max_pages": storage.MaxPages,
	}
}
