// Package config is the ambient configuration layer: a plain struct
// with yaml tags and hardcoded defaults, loaded from an optional file
// on disk. It has no opinion on how an embedder discovers the file
// path; that is left to cmd/emberd or whatever wraps this module.
package config

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/emberkv/ember/logger"
	"github.com/emberkv/ember/pagecache"
)

// Config is the on-disk shape of an ember deployment: where the log
// lives, how the page cache is tuned, and where logging goes.
type Config struct {
	// DataDir holds the log file and snapshot files.
	DataDir string `yaml:"data_dir" json:"data_dir"`
	// LogFileName is DataDir's log file, relative to DataDir.
	LogFileName string `yaml:"log_file_name" json:"log_file_name"`

	IOBufSize                  uint32 `yaml:"io_buf_size" json:"io_buf_size"`
	NumIOBufs                  int    `yaml:"num_io_bufs" json:"num_io_bufs"`
	CacheCapacity              uint64 `yaml:"cache_capacity" json:"cache_capacity"`
	CacheBits                  uint   `yaml:"cache_bits" json:"cache_bits"`
	PageConsolidationThreshold int    `yaml:"page_consolidation_threshold" json:"page_consolidation_threshold"`
	CacheFixupThreshold        int    `yaml:"cache_fixup_threshold" json:"cache_fixup_threshold"`
	SnapshotAfterOps           uint64 `yaml:"snapshot_after_ops" json:"snapshot_after_ops"`
	UseCompression             bool   `yaml:"use_compression" json:"use_compression"`
	SnapshotPrefix             string `yaml:"snapshot_prefix" json:"snapshot_prefix"`

	LogLevel    string `yaml:"log_level" json:"log_level"`
	InfoLogDir  string `yaml:"info_log_dir" json:"info_log_dir"`
	ErrorLogDir string `yaml:"error_log_dir" json:"error_log_dir"`
}

// Default returns the built-in defaults, the same values pagecache and
// logger would fall back to on their own.
func Default() *Config {
	pc := pagecache.DefaultConfig()
	return &Config{
		DataDir:     ".",
		LogFileName: "ember.log",

		IOBufSize:                  pc.IOBufSize,
		NumIOBufs:                  pc.NumIOBufs,
		CacheCapacity:              pc.CacheCapacity,
		CacheBits:                  pc.CacheBits,
		PageConsolidationThreshold: pc.PageConsolidationThreshold,
		CacheFixupThreshold:        pc.CacheFixupThreshold,
		SnapshotAfterOps:           pc.SnapshotAfterOps,
		UseCompression:             pc.UseCompression,
		SnapshotPrefix:             pc.SnapshotPrefix,

		LogLevel: "info",
	}
}

// Load reads path as yaml and overlays it onto Default(). A missing
// file is not an error: it just means the caller runs on defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// PageCacheConfig projects the fields pagecache.Config actually needs
// out of the broader deployment Config.
func (c *Config) PageCacheConfig() pagecache.Config {
	return pagecache.Config{
		IOBufSize:                  c.IOBufSize,
		NumIOBufs:                  c.NumIOBufs,
		CacheCapacity:              c.CacheCapacity,
		CacheBits:                  c.CacheBits,
		PageConsolidationThreshold: c.PageConsolidationThreshold,
		CacheFixupThreshold:        c.CacheFixupThreshold,
		SnapshotAfterOps:           c.SnapshotAfterOps,
		UseCompression:             c.UseCompression,
		SnapshotPrefix:             c.SnapshotPrefix,
		Path:                       c.DataDir,
	}
}

// LoggerConfig projects the logging fields into logger.Config.
func (c *Config) LoggerConfig() logger.Config {
	var infoPath, errPath string
	if c.InfoLogDir != "" {
		infoPath = c.InfoLogDir + "/ember-info.log"
	}
	if c.ErrorLogDir != "" {
		errPath = c.ErrorLogDir + "/ember-error.log"
	}
	return logger.Config{
		Level:        c.LogLevel,
		InfoLogPath:  infoPath,
		ErrorLogPath: errPath,
	}
}
