package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

const (
	DefaultModel       = "gpt-4o-mini"
	DefaultMaxTokens   = 4096
	DefaultTemperature = 0.7
	DefaultMaxAttempts = 3

	DefaultActiveTokenLimit = 8000
	DefaultTokenMargin      = 500
	DefaultMinRetainedTurns = 1
	DefaultMinTokensToPrune = 200

	DefaultSearchTopK          = 3
	DefaultSearchDepth         = 0
	DefaultMaxRequestsPerPass  = 2
	DefaultSessionIdleTimeout  = "30m"
	DefaultTier1CharCap        = 120
	DefaultTier2SentenceCap    = 3
	DefaultGeneratorTimeoutSec = 30
)

type Config struct {
	Provider  ProviderConfig  `json:"provider"`
	Generator GeneratorConfig `json:"generator"`
	Window    WindowConfig    `json:"window"`
	Archive   ArchiveConfig   `json:"archive"`
	Marker    MarkerConfig    `json:"marker"`
	DataDir   string          `json:"dataDir,omitempty"`
}

type ProviderConfig struct {
	APIKey  string `json:"apiKey"`
	BaseURL string `json:"baseUrl,omitempty"`
}

type GeneratorConfig struct {
	Model       string  `json:"model"`
	MaxTokens   int     `json:"maxTokens"`
	Temperature float64 `json:"temperature"`
	MaxAttempts int     `json:"maxAttempts"`
	TimeoutSec  int     `json:"timeoutSec,omitempty"`
	// Summarizer optionally points tier/chunk summarization at a cheaper
	// model; empty means reuse the main provider and model.
	Summarizer   *ProviderConfig `json:"summarizer,omitempty"`
	SummaryModel string          `json:"summaryModel,omitempty"`
}

type WindowConfig struct {
	ActiveTokenLimit int    `json:"activeTokenLimit"`
	TokenMargin      int    `json:"tokenMargin"`
	MinRetainedTurns int    `json:"minRetainedTurns"`
	MinTokensToPrune int    `json:"minTokensToPrune"`
	IdleTimeout      string `json:"idleTimeout,omitempty"`
	Tier1CharCap     int    `json:"tier1CharCap,omitempty"`
	Tier2SentenceCap int    `json:"tier2SentenceCap,omitempty"`
}

type ArchiveConfig struct {
	DBPath      string `json:"dbPath,omitempty"`
	SearchTopK  int    `json:"searchTopK"`
	SearchDepth int    `json:"searchDepth"`
}

type MarkerConfig struct {
	MaxRequestsPerPass int `json:"maxRequestsPerPass"`
}

func DefaultConfig() *Config {
	return &Config{
		Provider: ProviderConfig{},
		Generator: GeneratorConfig{
			Model:       DefaultModel,
			MaxTokens:   DefaultMaxTokens,
			Temperature: DefaultTemperature,
			MaxAttempts: DefaultMaxAttempts,
			TimeoutSec:  DefaultGeneratorTimeoutSec,
		},
		Window: WindowConfig{
			ActiveTokenLimit: DefaultActiveTokenLimit,
			TokenMargin:      DefaultTokenMargin,
			MinRetainedTurns: DefaultMinRetainedTurns,
			MinTokensToPrune: DefaultMinTokensToPrune,
			IdleTimeout:      DefaultSessionIdleTimeout,
			Tier1CharCap:     DefaultTier1CharCap,
			Tier2SentenceCap: DefaultTier2SentenceCap,
		},
		Archive: ArchiveConfig{
			SearchTopK:  DefaultSearchTopK,
			SearchDepth: DefaultSearchDepth,
		},
		Marker: MarkerConfig{
			MaxRequestsPerPass: DefaultMaxRequestsPerPass,
		},
	}
}

func ConfigDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".engram")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(ConfigPath())
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(cfg)
	applyFloors(cfg)

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if key := os.Getenv("ENGRAM_API_KEY"); key != "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
	}
	if url := os.Getenv("ENGRAM_BASE_URL"); url != "" {
		cfg.Provider.BaseURL = url
	}
	if model := os.Getenv("ENGRAM_MODEL"); model != "" {
		cfg.Generator.Model = model
	}
	if model := os.Getenv("ENGRAM_SUMMARY_MODEL"); model != "" {
		cfg.Generator.SummaryModel = model
	}
	if limit := os.Getenv("ENGRAM_ACTIVE_TOKEN_LIMIT"); limit != "" {
		if parsed, err := strconv.Atoi(limit); err == nil {
			cfg.Window.ActiveTokenLimit = parsed
		}
	}
	if margin := os.Getenv("ENGRAM_TOKEN_MARGIN"); margin != "" {
		if parsed, err := strconv.Atoi(margin); err == nil {
			cfg.Window.TokenMargin = parsed
		}
	}
	if retained := os.Getenv("ENGRAM_MIN_RETAINED_TURNS"); retained != "" {
		if parsed, err := strconv.Atoi(retained); err == nil {
			cfg.Window.MinRetainedTurns = parsed
		}
	}
	if dbPath := os.Getenv("ENGRAM_ARCHIVE_DB_PATH"); dbPath != "" {
		cfg.Archive.DBPath = dbPath
	}
	if dataDir := os.Getenv("ENGRAM_DATA_DIR"); dataDir != "" {
		cfg.DataDir = dataDir
	}
	if attempts := os.Getenv("ENGRAM_MAX_ATTEMPTS"); attempts != "" {
		if parsed, err := strconv.Atoi(attempts); err == nil {
			cfg.Generator.MaxAttempts = parsed
		}
	}
}

func applyFloors(cfg *Config) {
	if cfg.Generator.Model == "" {
		cfg.Generator.Model = DefaultModel
	}
	if cfg.Generator.MaxTokens <= 0 {
		cfg.Generator.MaxTokens = DefaultMaxTokens
	}
	if cfg.Generator.MaxAttempts <= 0 {
		cfg.Generator.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Generator.TimeoutSec <= 0 {
		cfg.Generator.TimeoutSec = DefaultGeneratorTimeoutSec
	}
	if cfg.Window.ActiveTokenLimit <= 0 {
		cfg.Window.ActiveTokenLimit = DefaultActiveTokenLimit
	}
	if cfg.Window.TokenMargin < 0 {
		cfg.Window.TokenMargin = DefaultTokenMargin
	}
	if cfg.Window.MinRetainedTurns <= 0 {
		cfg.Window.MinRetainedTurns = DefaultMinRetainedTurns
	}
	if cfg.Window.MinTokensToPrune <= 0 {
		cfg.Window.MinTokensToPrune = DefaultMinTokensToPrune
	}
	if cfg.Window.IdleTimeout == "" {
		cfg.Window.IdleTimeout = DefaultSessionIdleTimeout
	}
	if cfg.Window.Tier1CharCap <= 0 {
		cfg.Window.Tier1CharCap = DefaultTier1CharCap
	}
	if cfg.Window.Tier2SentenceCap <= 0 {
		cfg.Window.Tier2SentenceCap = DefaultTier2SentenceCap
	}
	if cfg.Archive.SearchTopK <= 0 {
		cfg.Archive.SearchTopK = DefaultSearchTopK
	}
	if cfg.Archive.SearchDepth < 0 {
		cfg.Archive.SearchDepth = DefaultSearchDepth
	}
	if cfg.Marker.MaxRequestsPerPass <= 0 {
		cfg.Marker.MaxRequestsPerPass = DefaultMaxRequestsPerPass
	}
	if cfg.DataDir == "" {
		cfg.DataDir = filepath.Join(ConfigDir(), "data")
	}
}

func SaveConfig(cfg *Config) error {
	dir := ConfigDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(ConfigPath(), data, 0644)
}
