package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/xxxsen/common/logger"
)

const (
	ModeSync  = "sync"
	ModeBatch = "batch"
)

type Config struct {
	Port        int                `json:"port"`
	JWTSecret   string             `json:"jwt_secret"`
	JWTTTLHours int                `json:"jwt_ttl_hours"`
	LogConfig   logger.LogConfig   `json:"log_config"`
	ObjectStore ObjectStoreConfig  `json:"object_store"`
	AI          AIConfig           `json:"ai"`
	AIFallbacks []AIProviderConfig `json:"ai_fallbacks"`
	Indexer     IndexerConfig      `json:"indexer"`
}

type ObjectStoreConfig struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

type AIConfig struct {
	Provider string      `json:"provider" env:"AI_PROVIDER"`
	Model    string      `json:"model" env:"AI_MODEL"`
	APIKey   string      `json:"api_key" env:"AI_API_KEY"`
	Timeout  int         `json:"timeout" env:"AI_TIMEOUT"`
	Prompt   string      `json:"prompt"`
	Data     interface{} `json:"data"`
}

type AIProviderConfig struct {
	Provider string      `json:"provider"`
	Model    string      `json:"model"`
	Data     interface{} `json:"data"`
}

type CacheConfig struct {
	Size       int `json:"size" env:"INDEXER_EXISTS_CACHE_SIZE"`
	TTLSeconds int `json:"ttl_seconds" env:"INDEXER_EXISTS_CACHE_TTL_SECONDS"`
}

type IndexerConfig struct {
	Mode                      string      `json:"mode" env:"INDEXER_MODE"`
	Schedule                  string      `json:"schedule" env:"INDEXER_SCHEDULE"`
	UserIDs                   []string    `json:"user_ids" env:"INDEXER_USER_IDS"`
	TargetTokens              int         `json:"target_tokens" env:"INDEXER_TARGET_BATCH_TOKENS"`
	HardMinTokens             int         `json:"hard_min_tokens" env:"INDEXER_HARD_MIN_BATCH_TOKENS"`
	MaxWaitSeconds            int         `json:"max_wait_seconds" env:"INDEXER_MAX_WAIT_SECONDS"`
	MaxItemsPerRun            int         `json:"max_items_per_run" env:"INDEXER_MAX_ITEMS_PER_RUN"`
	MaxUserChars              int         `json:"max_user_chars" env:"INDEXER_MAX_USER_CHARS"`
	MaxAssistantChars         int         `json:"max_assistant_chars" env:"INDEXER_MAX_ASSISTANT_CHARS"`
	MaxOutputTokensPerItem    int         `json:"max_output_tokens_per_item" env:"INDEXER_MAX_OUTPUT_TOKENS_PER_ITEM"`
	AllowedCategories         []string    `json:"allowed_categories" env:"INDEXER_ALLOWED_CATEGORIES"`
	UncategorizedConfidenceLT *float64    `json:"uncategorized_confidence_lt" env:"INDEXER_UNCATEGORIZED_CONFIDENCE_LT"`
	BatchCompletionWindow     string      `json:"batch_completion_window" env:"INDEXER_BATCH_COMPLETION_WINDOW"`
	RunRateLimitSeconds       int         `json:"run_rate_limit_seconds" env:"INDEXER_RUN_RATE_LIMIT_SECONDS"`
	ExistsCache               CacheConfig `json:"exists_cache"`
}

const defaultLowConfidence = 0.6

var defaultCategories = []string{"PE", "UI", "ML", "LO", "PS", "TM", "SYS", "GEN", "ID"}

// Default returns a config with every optional field populated.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func Load(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	var cfg Config
	if err := json.NewDecoder(file).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := env.Parse(&cfg.AI); err != nil {
		return nil, fmt.Errorf("parse ai env: %w", err)
	}
	if err := env.Parse(&cfg.Indexer); err != nil {
		return nil, fmt.Errorf("parse indexer env: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.JWTTTLHours == 0 {
		cfg.JWTTTLHours = 24 * 30
	}
	if cfg.LogConfig.Level == "" {
		cfg.LogConfig.Level = "info"
	}
	if cfg.ObjectStore.Type == "" {
		cfg.ObjectStore.Type = "local"
	}
	if cfg.AI.Timeout == 0 {
		cfg.AI.Timeout = 120
	}
	if cfg.AI.APIKey != "" {
		cfg.AI.Data = withAPIKey(cfg.AI.Data, cfg.AI.APIKey)
	}
	idx := &cfg.Indexer
	idx.Mode = strings.ToLower(strings.TrimSpace(idx.Mode))
	if idx.Mode == "" {
		idx.Mode = ModeSync
	}
	if idx.Schedule == "" {
		idx.Schedule = "@every 1m"
	}
	if len(idx.UserIDs) == 0 {
		idx.UserIDs = []string{"default"}
	}
	if idx.TargetTokens <= 0 {
		idx.TargetTokens = 1000
	}
	if idx.HardMinTokens <= 0 {
		idx.HardMinTokens = 600
	}
	if idx.MaxWaitSeconds <= 0 {
		idx.MaxWaitSeconds = 300
	}
	if idx.MaxItemsPerRun <= 0 {
		idx.MaxItemsPerRun = 25
	}
	if idx.MaxUserChars <= 0 {
		idx.MaxUserChars = 2000
	}
	if idx.MaxAssistantChars <= 0 {
		idx.MaxAssistantChars = 4000
	}
	if idx.MaxOutputTokensPerItem <= 0 {
		idx.MaxOutputTokensPerItem = 180
	}
	if len(idx.AllowedCategories) == 0 {
		idx.AllowedCategories = append([]string(nil), defaultCategories...)
	}
	if idx.UncategorizedConfidenceLT == nil {
		v := defaultLowConfidence
		idx.UncategorizedConfidenceLT = &v
	}
	if idx.BatchCompletionWindow == "" {
		idx.BatchCompletionWindow = "24h"
	}
	if idx.RunRateLimitSeconds == 0 {
		idx.RunRateLimitSeconds = 5
	}
}

func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("jwt_secret is required")
	}
	switch c.Indexer.Mode {
	case ModeSync, ModeBatch:
	default:
		return fmt.Errorf("indexer.mode must be sync or batch")
	}
	if c.Indexer.HardMinTokens > c.Indexer.TargetTokens {
		return fmt.Errorf("indexer.hard_min_tokens must not exceed indexer.target_tokens")
	}
	if c.AI.Provider == "" {
		return fmt.Errorf("ai.provider is required")
	}
	if c.AI.Model == "" {
		return fmt.Errorf("ai.model is required")
	}
	return nil
}

// LowConfidence is the routing threshold; zero turns low-confidence routing off.
func (c IndexerConfig) LowConfidence() float64 {
	if c.UncategorizedConfidenceLT == nil {
		return defaultLowConfidence
	}
	return *c.UncategorizedConfidenceLT
}

// AutoDiscoverUsers reports whether the user list asks for queue discovery.
func (c IndexerConfig) AutoDiscoverUsers() bool {
	if len(c.UserIDs) != 1 {
		return false
	}
	v := strings.ToLower(strings.TrimSpace(c.UserIDs[0]))
	return v == "auto" || v == "*"
}

func withAPIKey(data interface{}, key string) interface{} {
	m, ok := data.(map[string]interface{})
	if !ok || m == nil {
		m = map[string]interface{}{}
	}
	m["api_key"] = key
	return m
}
