package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Flush mode bits. The logdev accepts any combination.
const (
	FlushModeInline   uint32 = 1 << 0
	FlushModeTimer    uint32 = 1 << 1
	FlushModeExplicit uint32 = 1 << 2
)

// LogstoreConfig controls journal flush behavior.
type LogstoreConfig struct {
	// FlushThresholdSize is the pending-bytes threshold that triggers a group flush.
	FlushThresholdSize int64 `json:"flush_threshold_size"`

	// OptimalInlineDataSize is the size below which a record payload is
	// packed inline into the log group instead of the out-of-band area.
	OptimalInlineDataSize uint32 `json:"optimal_inline_data_size"`

	// FlushMode is a bitmask of FlushModeInline|FlushModeTimer|FlushModeExplicit.
	FlushMode uint32 `json:"flush_mode"`

	// MaxTimeBetweenFlushUs bounds how long pending records may sit
	// unflushed when the timer mode is enabled.
	MaxTimeBetweenFlushUs int64 `json:"max_time_between_flush_us"`
}

// GenericConfig holds engine-wide knobs.
type GenericConfig struct {
	// CacheFlushThreads is the number of write-back cache flusher goroutines.
	CacheFlushThreads int `json:"cache_flush_threads"`
}

// ConsensusConfig holds knobs consumed by the replication layer above us.
type ConsensusConfig struct {
	ReplReqTimeoutSec int `json:"repl_req_timeout_sec"`
}

// Config is the full engine configuration.
type Config struct {
	Logstore  LogstoreConfig  `json:"logstore"`
	Generic   GenericConfig   `json:"generic"`
	Consensus ConsensusConfig `json:"consensus"`
}

// Default returns the configuration used when no file is supplied.
func Default() Config {
	return Config{
		Logstore: LogstoreConfig{
			FlushThresholdSize:    64 * 1024,
			OptimalInlineDataSize: 512,
			FlushMode:             FlushModeInline | FlushModeTimer,
			MaxTimeBetweenFlushUs: 300_000,
		},
		Generic: GenericConfig{
			CacheFlushThreads: 2,
		},
		Consensus: ConsensusConfig{
			ReplReqTimeoutSec: 30,
		},
	}
}

// Load reads a JSON config file over the defaults. A missing file is not an
// error; the defaults are returned as-is.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func (c Config) Validate() error {
	if c.Logstore.FlushThresholdSize <= 0 {
		return fmt.Errorf("logstore.flush_threshold_size must be positive, got %d", c.Logstore.FlushThresholdSize)
	}
	if c.Logstore.FlushMode == 0 {
		return fmt.Errorf("logstore.flush_mode must enable at least one mode")
	}
	if c.Generic.CacheFlushThreads <= 0 {
		return fmt.Errorf("generic.cache_flush_threads must be positive, got %d", c.Generic.CacheFlushThreads)
	}
	return nil
}

// ResolvePath returns an absolute path relative to the home directory if strictly necessary.
func ResolvePath(homeDir, path string) string {
	if path == "" {
		return homeDir
	}
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(homeDir, path)
}

// WriteSample writes a formatted sample configuration to the given path.
func WriteSample(path string) error {
	data, err := json.MarshalIndent(Default(), "", "  ")
	if err != nil {
		return fmt.Errorf("generating config json: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}
