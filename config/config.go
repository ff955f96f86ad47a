package config

import (
	"os"

	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/siege/arena"
)

// Memory is the [memory] section of the renderer config file.
type Memory struct {
	// ChunkSize is the arena chunk size in bytes. Zero selects the built-in
	// default.
	ChunkSize int `toml:"chunk_size"`
	// UseMutex engages locking around arena operations, for renderers that
	// write buffers from more than one goroutine.
	UseMutex bool `toml:"use_mutex"`
	// LogUsage dumps per-chunk occupancy to the log on renderer shutdown.
	LogUsage bool `toml:"log_usage"`
}

// Config is the renderer configuration, loaded from a TOML file.
type Config struct {
	Memory Memory `toml:"memory"`
}

// Default returns the configuration used when no config file is present.
func Default() Config {
	return Config{
		Memory: Memory{
			ChunkSize: arena.DefaultChunkSize,
		},
	}
}

// Load reads and validates a TOML config file. Keys absent from the file keep
// their Default values. A missing file is an error- callers that treat the
// file as optional should check os.IsNotExist and fall back to Default.
func Load(path string) (Config, error) {
	config := Default()

	contents, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	err = toml.Unmarshal(contents, &config)
	if err != nil {
		return Config{}, errors.Wrapf(err, "failed to parse config file %s", path)
	}

	err = config.Validate()
	if err != nil {
		return Config{}, errors.Wrapf(err, "invalid config file %s", path)
	}
	return config, nil
}

// Validate checks the configuration for values the renderer cannot run with.
func (c *Config) Validate() error {
	if c.Memory.ChunkSize < 0 {
		return errors.Newf("memory.chunk_size must not be negative: %d", c.Memory.ChunkSize)
	}
	return nil
}

// ArenaConfig converts the [memory] section into the arena's config structure.
func (c *Config) ArenaConfig() arena.Config {
	return arena.Config{
		ChunkSize: c.Memory.ChunkSize,
		UseMutex:  c.Memory.UseMutex,
	}
}
