package config

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/eargollo/sift/internal/scan"
)

// Config holds all configuration loaded from config.yaml.
type Config struct {
	ScanPaths       []string `yaml:"scan_paths"        json:"scan_paths"`
	ExcludePatterns []string `yaml:"exclude_patterns"  json:"exclude_patterns"`
	FollowSymlinks  bool     `yaml:"follow_symlinks"   json:"follow_symlinks"`
	SkipHidden      bool     `yaml:"skip_hidden"       json:"skip_hidden"`
	MaxDepth        int      `yaml:"max_depth"         json:"max_depth"`
	MaxFiles        int      `yaml:"max_files"         json:"max_files"`
	MinSize         int64    `yaml:"min_size"          json:"min_size"`
	Extensions      []string `yaml:"extensions"        json:"extensions"`

	Workers         int            `yaml:"workers"          json:"workers"`
	QueueSize       int            `yaml:"queue_size"       json:"queue_size"`
	Digest          string         `yaml:"digest"           json:"digest"`
	SampleThreshold int64          `yaml:"sample_threshold" json:"sample_threshold"`
	SampleChunk     int64          `yaml:"sample_chunk"     json:"sample_chunk"`
	ErrorSamples    int            `yaml:"error_samples"    json:"error_samples"`
	Patterns        []scan.Pattern `yaml:"patterns"         json:"patterns"`
	ClassifyTypes   bool           `yaml:"classify_types"   json:"classify_types"`

	Schedule             string        `yaml:"schedule"               json:"schedule"`
	HistoryRetentionDays int           `yaml:"history_retention_days" json:"history_retention_days"`
	DBPath               string        `yaml:"db_path"                json:"-"`
	HTTPAddr             string        `yaml:"http_addr"              json:"-"`
	LogLevel             string        `yaml:"log_level"              json:"-"`
	ProgressInterval     time.Duration `yaml:"progress_interval"      json:"progress_interval"`
}

// applyDefaults fills zero/empty fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Workers == 0 {
		c.Workers = runtime.NumCPU()
	}
	if c.QueueSize == 0 {
		c.QueueSize = 4 * c.Workers
	}
	if c.Digest == "" {
		c.Digest = string(scan.SHA256)
	}
	if c.ErrorSamples == 0 {
		c.ErrorSamples = scan.DefaultErrorSamples
	}
	if c.Schedule == "" {
		c.Schedule = "0 2 * * 0"
	}
	if c.HistoryRetentionDays == 0 {
		c.HistoryRetentionDays = 90
	}
	if c.DBPath == "" {
		c.DBPath = "/data/sift.db"
	}
	if c.HTTPAddr == "" {
		c.HTTPAddr = ":8080"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.ProgressInterval == 0 {
		c.ProgressInterval = scan.DefaultProgressInterval
	}
}

// Load reads and parses the YAML config file at path.
// If the file does not exist, Load returns a default Config so the server
// can start without a mounted config file (useful for bare Docker runs).
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("open config %q: %w", path, err)
	}
	defer f.Close()

	var cfg Config
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config %q: %w", path, err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// Default returns a Config with every default applied.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

// HistoryRetention is the age after which stored reports are pruned.
// Zero or negative retention days disable pruning.
func (c *Config) HistoryRetention() time.Duration {
	if c.HistoryRetentionDays <= 0 {
		return 0
	}
	return time.Duration(c.HistoryRetentionDays) * 24 * time.Hour
}

// ScanOptions converts the configuration into scanner options. The
// progress sink is left to the caller.
func (c *Config) ScanOptions() scan.Options {
	opts := scan.DefaultOptions()
	opts.Roots = append([]string(nil), c.ScanPaths...)
	opts.Walk = scan.WalkOptions{
		FollowSymlinks:  c.FollowSymlinks,
		SkipHidden:      c.SkipHidden,
		MaxDepth:        c.MaxDepth,
		ExcludePatterns: c.ExcludePatterns,
		Extensions:      c.Extensions,
		MinSize:         c.MinSize,
		MaxFiles:        c.MaxFiles,
	}
	if c.Workers > 0 {
		opts.Workers = c.Workers
	}
	if c.QueueSize > 0 {
		opts.QueueSize = c.QueueSize
	}
	opts.Digest = scan.DigestOptions{
		Algorithm:       scan.Algorithm(c.Digest),
		SampleThreshold: c.SampleThreshold,
		SampleChunk:     c.SampleChunk,
	}
	opts.ErrorSamples = c.ErrorSamples
	opts.Patterns = c.Patterns
	opts.ClassifyTypes = c.ClassifyTypes
	if c.ProgressInterval > 0 {
		opts.ProgressInterval = c.ProgressInterval
	}
	return opts
}
