package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/knpwrs/hlsarchiver/internal/apperr"
)

// Config holds all engine configuration. It is built once by Load and then
// shared read-only by every component.
type Config struct {
	Download   DownloadConfig   `yaml:"download"`
	Quality    QualityConfig    `yaml:"quality"`
	Storage    StorageConfig    `yaml:"storage"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Processing ProcessingConfig `yaml:"processing"`
	Extractor  ExtractorConfig  `yaml:"extractor"`
	Logging    LoggingConfig    `yaml:"logging"`
	Server     ServerConfig     `yaml:"server"`
}

// DownloadConfig controls fragment fetching.
type DownloadConfig struct {
	ConcurrentFragments int    `yaml:"concurrentFragments"`
	FragmentTimeoutSec  int    `yaml:"fragmentTimeoutSec"`
	PlaylistTimeoutSec  int    `yaml:"playlistTimeoutSec"`
	MaxFragmentRetries  int    `yaml:"maxFragmentRetries"`
	ConcurrentDownloads int    `yaml:"concurrentDownloads"`
	ProgressIntervalMs  int    `yaml:"progressIntervalMs"`
	RetryBackoffMs      int    `yaml:"retryBackoffMs"`
	KeepSegments        bool   `yaml:"keepSegments"`
	UserAgent           string `yaml:"userAgent"`
}

// QualityConfig controls variant filtering and selection.
type QualityConfig struct {
	ExcludeVP9           bool           `yaml:"excludeVp9"`
	VP9Patterns          []string       `yaml:"vp9Patterns"`
	MinResolution        string         `yaml:"minResolution"`
	MaxResolution        string         `yaml:"maxResolution"`
	ExcludeResolutions   []string       `yaml:"excludeResolutions"`
	PreferredQualities   []string       `yaml:"preferredQualities"`
	PreferredCodecs      []string       `yaml:"preferredCodecs"`
	MinBandwidth         int64          `yaml:"minBandwidth"`
	MaxBandwidth         int64          `yaml:"maxBandwidth"`
	DownloadAllQualities bool           `yaml:"downloadAllQualities"`
	Selection            string         `yaml:"selection"`
	CustomResolutions    map[string]int `yaml:"customResolutions"`
}

// StorageConfig controls the on-disk layout.
type StorageConfig struct {
	BasePath          string `yaml:"basePath"`
	OrganizeByAuthor  bool   `yaml:"organizeByAuthor"`
	OrganizeByDate    bool   `yaml:"organizeByDate"`
	FilenameTemplate  string `yaml:"filenameTemplate"`
	MaxFilenameLength int    `yaml:"maxFilenameLength"`
	DatabasePath      string `yaml:"databasePath"`
	ProgressFile      string `yaml:"progressFile"`
}

// MonitoringConfig holds the health thresholds.
type MonitoringConfig struct {
	MinDiskSpaceGB   float64 `yaml:"minDiskSpaceGb"`
	MaxMemoryPercent float64 `yaml:"maxMemoryPercent"`
	MaxCPUPercent    float64 `yaml:"maxCpuPercent"`
	CheckInterval    string  `yaml:"checkInterval"`
}

// ProcessingConfig controls the orchestrator.
type ProcessingConfig struct {
	MaxConcurrent       int    `yaml:"maxConcurrent"`
	ConcurrentQualities int    `yaml:"concurrentQualities"`
	ShutdownTimeoutSec  int    `yaml:"shutdownTimeoutSec"`
	PersistInterval     string `yaml:"persistInterval"`
}

// ExtractorConfig selects where asset descriptors come from.
type ExtractorConfig struct {
	Source        string `yaml:"source"`
	DescriptorDir string `yaml:"descriptorDir"`
	URLTemplate   string `yaml:"urlTemplate"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Verbose bool   `yaml:"verbose"`
	File    string `yaml:"file"`
}

// ServerConfig controls the status API.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// Selection modes accepted by quality.selection.
const (
	SelectionAll       = "all"
	SelectionBest      = "best"
	SelectionPreferred = "preferred"
)

// DefaultFilenameTemplate is used when storage.filenameTemplate is empty.
const DefaultFilenameTemplate = "{author}_{title}_{resolution}_{postId}"

var resolutionLabelPattern = regexp.MustCompile(`^\d+p?$`)

// Default returns a Config with every option set to its default.
func Default() *Config {
	return &Config{
		Download: DownloadConfig{
			ConcurrentFragments: 10,
			FragmentTimeoutSec:  15,
			PlaylistTimeoutSec:  300,
			MaxFragmentRetries:  3,
			ConcurrentDownloads: 5,
			ProgressIntervalMs:  1000,
			RetryBackoffMs:      1000,
			UserAgent:           "hlsarchiver/1.0",
		},
		Quality: QualityConfig{
			VP9Patterns:          []string{"vp9_", "vp09."},
			MinResolution:        "240p",
			MaxResolution:        "1080p",
			PreferredQualities:   []string{"1080p", "720p", "480p"},
			MinBandwidth:         100000,
			MaxBandwidth:         10000000,
			DownloadAllQualities: true,
		},
		Storage: StorageConfig{
			BasePath:          "./downloads",
			OrganizeByAuthor:  true,
			FilenameTemplate:  DefaultFilenameTemplate,
			MaxFilenameLength: 200,
		},
		Monitoring: MonitoringConfig{
			MinDiskSpaceGB:   5.0,
			MaxMemoryPercent: 90,
			MaxCPUPercent:    95,
			CheckInterval:    "1m",
		},
		Processing: ProcessingConfig{
			MaxConcurrent:       3,
			ConcurrentQualities: 1,
			ShutdownTimeoutSec:  300,
			PersistInterval:     "5m",
		},
		Extractor: ExtractorConfig{
			Source:        "dir",
			DescriptorDir: "./descriptors",
		},
		Server: ServerConfig{
			Addr: ":8080",
		},
	}
}

// Load reads the YAML file at path over the defaults, applies environment
// overrides and validates the result. A missing file is not an error; the
// defaults are used instead.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, apperr.Configuration("parse "+path, err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, apperr.Configuration("read "+path, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	cfg.fillDerived()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML content over the defaults. It is Load without the
// filesystem and environment steps.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, apperr.Configuration("parse", err)
	}
	cfg.fillDerived()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) fillDerived() {
	if c.Storage.FilenameTemplate == "" {
		c.Storage.FilenameTemplate = DefaultFilenameTemplate
	}
	if c.Storage.DatabasePath == "" {
		c.Storage.DatabasePath = filepath.Join(c.Storage.BasePath, ".metadata", "records.db")
	}
	if c.Storage.ProgressFile == "" {
		c.Storage.ProgressFile = filepath.Join(c.Storage.BasePath, "progress.json")
	}
	if c.Quality.Selection == "" {
		if c.Quality.DownloadAllQualities {
			c.Quality.Selection = SelectionAll
		} else {
			c.Quality.Selection = SelectionPreferred
		}
	}
}

// applyEnv overrides selected options from HLSARCHIVER_* variables.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return apperr.Configuration(key, fmt.Errorf("not an integer: %q", v))
		}
		*dst = n
		return nil
	}
	flag := func(key string, dst *bool) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return apperr.Configuration(key, fmt.Errorf("not a boolean: %q", v))
		}
		*dst = b
		return nil
	}

	str("HLSARCHIVER_BASE_PATH", &c.Storage.BasePath)
	str("HLSARCHIVER_DATABASE_PATH", &c.Storage.DatabasePath)
	str("HLSARCHIVER_DESCRIPTOR_DIR", &c.Extractor.DescriptorDir)
	str("HLSARCHIVER_EXTRACTOR_URL", &c.Extractor.URLTemplate)
	str("HLSARCHIVER_SERVER_ADDR", &c.Server.Addr)
	str("HLSARCHIVER_USER_AGENT", &c.Download.UserAgent)
	str("HLSARCHIVER_LOG_FILE", &c.Logging.File)

	if err := num("HLSARCHIVER_CONCURRENT_FRAGMENTS", &c.Download.ConcurrentFragments); err != nil {
		return err
	}
	if err := num("HLSARCHIVER_MAX_CONCURRENT", &c.Processing.MaxConcurrent); err != nil {
		return err
	}
	if err := flag("HLSARCHIVER_EXCLUDE_VP9", &c.Quality.ExcludeVP9); err != nil {
		return err
	}
	return flag("HLSARCHIVER_VERBOSE", &c.Logging.Verbose)
}

// Validate checks every option and returns a Configuration error describing
// all problems found.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	d := c.Download
	if d.ConcurrentFragments < 1 {
		add("download.concurrentFragments must be at least 1")
	}
	if d.FragmentTimeoutSec < 1 {
		add("download.fragmentTimeoutSec must be at least 1")
	}
	if d.PlaylistTimeoutSec < 1 {
		add("download.playlistTimeoutSec must be at least 1")
	}
	if d.MaxFragmentRetries < 1 {
		add("download.maxFragmentRetries must be at least 1")
	}
	if d.ConcurrentDownloads < 1 {
		add("download.concurrentDownloads must be at least 1")
	}
	if d.ProgressIntervalMs < 1 {
		add("download.progressIntervalMs must be positive")
	}
	if d.RetryBackoffMs < 0 {
		add("download.retryBackoffMs must not be negative")
	}

	q := c.Quality
	for _, label := range append([]string{q.MinResolution, q.MaxResolution}, q.PreferredQualities...) {
		if !resolutionLabelPattern.MatchString(label) {
			add("quality: invalid resolution label %q", label)
		}
	}
	for _, label := range q.ExcludeResolutions {
		if !resolutionLabelPattern.MatchString(label) {
			add("quality.excludeResolutions: invalid resolution label %q", label)
		}
	}
	if q.MinBandwidth < 0 || (q.MaxBandwidth > 0 && q.MaxBandwidth < q.MinBandwidth) {
		add("quality: bandwidth range [%d, %d] is invalid", q.MinBandwidth, q.MaxBandwidth)
	}
	switch q.Selection {
	case SelectionAll, SelectionBest, SelectionPreferred:
	default:
		add("quality.selection must be one of all, best, preferred (got %q)", q.Selection)
	}
	for label, height := range q.CustomResolutions {
		if !resolutionLabelPattern.MatchString(label) || height <= 0 {
			add("quality.customResolutions: invalid entry %q=%d", label, height)
		}
	}

	s := c.Storage
	if strings.TrimSpace(s.BasePath) == "" {
		add("storage.basePath is required")
	}
	if s.MaxFilenameLength < 20 {
		add("storage.maxFilenameLength must be at least 20")
	}

	m := c.Monitoring
	if m.MinDiskSpaceGB < 0 {
		add("monitoring.minDiskSpaceGb must not be negative")
	}
	if m.MaxMemoryPercent <= 0 || m.MaxMemoryPercent > 100 {
		add("monitoring.maxMemoryPercent must be in (0, 100]")
	}
	if m.MaxCPUPercent <= 0 || m.MaxCPUPercent > 100 {
		add("monitoring.maxCpuPercent must be in (0, 100]")
	}

	p := c.Processing
	if p.MaxConcurrent < 1 {
		add("processing.maxConcurrent must be at least 1")
	}
	if p.ConcurrentQualities < 1 {
		add("processing.concurrentQualities must be at least 1")
	}
	if p.ShutdownTimeoutSec < 0 {
		add("processing.shutdownTimeoutSec must not be negative")
	}

	switch c.Extractor.Source {
	case "dir", "http":
	default:
		add("extractor.source must be dir or http (got %q)", c.Extractor.Source)
	}
	if c.Extractor.Source == "http" && !strings.Contains(c.Extractor.URLTemplate, "{id}") {
		add("extractor.urlTemplate must contain {id}")
	}

	if len(problems) > 0 {
		return apperr.Configuration("validate", errors.New(strings.Join(problems, "; ")))
	}
	return nil
}

// FragmentTimeout is the per-request timeout for a single fragment.
func (d DownloadConfig) FragmentTimeout() time.Duration {
	return time.Duration(d.FragmentTimeoutSec) * time.Second
}

// PlaylistTimeout bounds a whole playlist download.
func (d DownloadConfig) PlaylistTimeout() time.Duration {
	return time.Duration(d.PlaylistTimeoutSec) * time.Second
}

// ProgressInterval is the period between progress snapshots.
func (d DownloadConfig) ProgressInterval() time.Duration {
	return time.Duration(d.ProgressIntervalMs) * time.Millisecond
}

// RetryBackoff is the base of the exponential retry delay.
func (d DownloadConfig) RetryBackoff() time.Duration {
	return time.Duration(d.RetryBackoffMs) * time.Millisecond
}

// ShutdownTimeout bounds how long Shutdown waits for in-flight work.
func (p ProcessingConfig) ShutdownTimeout() time.Duration {
	return time.Duration(p.ShutdownTimeoutSec) * time.Second
}
