package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const (
	defaultConfigPath = "~/.config/asterism/config.json"
	defaultParallel   = 2
)

// Config holds user-editable settings for the identification pipeline.
type Config struct {
	Processing Processing     `json:"processing"`
	Logging    Logging        `json:"logging"`
	Paths      Paths          `json:"paths"`
	Solver     SolverConfig   `json:"solver"`
	Detector   DetectorConfig `json:"detector"`
	Matcher    MatcherConfig  `json:"matcher"`
	Server     ServerConfig   `json:"server"`
	Watch      WatchConfig    `json:"watch"`
}

// Processing captures execution preferences.
type Processing struct {
	ParallelJobs int    `json:"parallel_jobs"`
	TempDir      string `json:"temp_dir"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level"`       // debug, info, warn, error
	Format     string `json:"format"`      // text, json
	FileOutput bool   `json:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir"`     // Directory for log files
}

// Paths configures default input/output locations.
type Paths struct {
	DefaultOutput string `json:"default_output"` // Empty means next to the input image
	DatabasePath  string `json:"database_path"`
}

// SolverConfig controls the remote plate-solving client.
type SolverConfig struct {
	BaseURL         string `json:"base_url"`
	APIKey          string `json:"api_key"`
	HTTPTimeoutSec  int    `json:"http_timeout_sec"`
	PollIntervalSec int    `json:"poll_interval_sec"`
	PollTimeoutSec  int    `json:"poll_timeout_sec"`
	MaxPollAttempts int    `json:"max_poll_attempts"`
}

// DetectorConfig controls the threshold star detector.
type DetectorConfig struct {
	Threshold     int `json:"threshold"`       // Grayscale cutoff, 0-255
	MinRegionSize int `json:"min_region_size"` // Pixels per star blob
	MaxRegionSize int `json:"max_region_size"`
	MaxStars      int `json:"max_stars"`
}

// MatcherConfig controls the fallback pattern matcher.
type MatcherConfig struct {
	Strategy        string  `json:"strategy"` // "brute-force"
	Tolerance       float64 `json:"tolerance"`
	MaxCombinations int     `json:"max_combinations"` // Subset budget per template
}

// ServerConfig controls the HTTP surface.
type ServerConfig struct {
	Port      int    `json:"port"`
	UploadDir string `json:"upload_dir"`
}

// WatchConfig controls the directory watcher.
type WatchConfig struct {
	Dirs       []string `json:"dirs"`
	DebounceMS int      `json:"debounce_ms"`
}

// Load reads configuration from disk, falling back to sensible defaults.
func Load() (*Config, error) {
	cfg := defaultConfig()

	configPath := os.Getenv("ASTERISM_CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath
	}

	expanded, err := expandUser(configPath)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	if err := dec.Decode(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save writes the configuration to the default location (or ASTERISM_CONFIG).
func Save(cfg *Config) (string, error) {
	configPath := os.Getenv("ASTERISM_CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath
	}

	expanded, err := expandUser(configPath)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(filepath.Dir(expanded), 0755); err != nil {
		return "", fmt.Errorf("failed to create config directory: %v", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return "", err
	}

	if err := os.WriteFile(expanded, data, 0644); err != nil {
		return "", err
	}

	return expanded, nil
}

// Validate reports configuration problems as human-readable strings. An
// empty slice means the configuration is usable.
func (c *Config) Validate() []string {
	var problems []string
	if c.Processing.ParallelJobs < 1 {
		problems = append(problems, "processing.parallel_jobs must be at least 1")
	}
	if c.Solver.BaseURL == "" {
		problems = append(problems, "solver.base_url must not be empty")
	}
	if c.Solver.PollIntervalSec < 1 {
		problems = append(problems, "solver.poll_interval_sec must be at least 1")
	}
	if c.Solver.PollTimeoutSec < 1 {
		problems = append(problems, "solver.poll_timeout_sec must be at least 1")
	}
	if c.Solver.MaxPollAttempts < 1 {
		problems = append(problems, "solver.max_poll_attempts must be at least 1")
	}
	if c.Detector.Threshold < 1 || c.Detector.Threshold > 255 {
		problems = append(problems, "detector.threshold must be between 1 and 255")
	}
	if c.Detector.MinRegionSize > c.Detector.MaxRegionSize {
		problems = append(problems, "detector.min_region_size must not exceed detector.max_region_size")
	}
	if c.Matcher.Tolerance <= 0 || c.Matcher.Tolerance >= 1 {
		problems = append(problems, "matcher.tolerance must be between 0 and 1 exclusive")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		problems = append(problems, "server.port must be a valid TCP port")
	}
	return problems
}

func defaultConfig() *Config {
	return &Config{
		Processing: Processing{
			ParallelJobs: defaultParallel,
			TempDir:      os.TempDir(),
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: false,
			LogDir:     "./logs",
		},
		Paths: Paths{
			DefaultOutput: "",
			DatabasePath:  filepath.Join(os.TempDir(), "asterism.db"),
		},
		Solver: SolverConfig{
			BaseURL:         "http://nova.astrometry.net",
			HTTPTimeoutSec:  30,
			PollIntervalSec: 5,
			PollTimeoutSec:  600,
			MaxPollAttempts: 120,
		},
		Detector: DetectorConfig{
			Threshold:     200,
			MinRegionSize: 1,
			MaxRegionSize: 1000,
			MaxStars:      500,
		},
		Matcher: MatcherConfig{
			Strategy:        "brute-force",
			Tolerance:       0.05,
			MaxCombinations: 2000000,
		},
		Server: ServerConfig{
			Port:      8765,
			UploadDir: filepath.Join(os.TempDir(), "asterism-uploads"),
		},
		Watch: WatchConfig{
			Dirs:       nil,
			DebounceMS: 2000,
		},
	}
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
