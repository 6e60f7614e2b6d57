package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Marketpulse MarketpulseConfig `yaml:"marketpulse"`
	Server      ServerConfig      `yaml:"server"`
	Upstream    UpstreamConfig    `yaml:"upstream"`
	Storage     StorageConfig     `yaml:"storage"`
	Cache       CacheConfig       `yaml:"cache"`
	Importer    ImporterConfig    `yaml:"importer"`
	Analysis    AnalysisConfig    `yaml:"analysis"`
	Queues      QueuesConfig      `yaml:"queues"`
	Startup     StartupConfig     `yaml:"startup"`
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
	Logging     LoggingConfig     `yaml:"logging"`
}

type MarketpulseConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type ServerConfig struct {
	Address string `yaml:"address"`
}

type UpstreamConfig struct {
	BaseURL   string          `yaml:"base_url"`
	Timeout   time.Duration   `yaml:"timeout"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

type RateLimitConfig struct {
	RequestsPerSecond int `yaml:"requests_per_second"`
	BurstSize         int `yaml:"burst_size"`
}

type StorageConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type CacheConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

type ImporterConfig struct {
	Interval    string        `yaml:"interval"`
	ChunkSize   int           `yaml:"chunk_size"`
	ChunkDelay  time.Duration `yaml:"chunk_delay"`
	CandleLimit int           `yaml:"candle_limit"`
}

type AnalysisConfig struct {
	QuoteAsset  string `yaml:"quote_asset"`
	WarmWindows []int  `yaml:"warm_windows"`
	TopSize     int    `yaml:"top_size"`
}

type QueuesConfig struct {
	Sync     QueuePolicyConfig `yaml:"sync"`
	Import   QueuePolicyConfig `yaml:"import"`
	Analysis QueuePolicyConfig `yaml:"analysis"`
}

type QueuePolicyConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
}

type StartupConfig struct {
	ImportDelay time.Duration `yaml:"import_delay"`
	WarmDelay   time.Duration `yaml:"warm_delay"`
}

type SchedulerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	SyncEvery   time.Duration `yaml:"sync_every"`
	ImportEvery time.Duration `yaml:"import_every"`
	WarmEvery   time.Duration `yaml:"warm_every"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

// LoadConfig reads the yaml configuration, applies environment overrides
// for connection targets and validates the result.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := defaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Connection secrets come from the environment when present so the
	// yaml file can be committed without credentials.
	if v := os.Getenv("DATABASE_URL"); v != "" {
		config.Storage.DSN = strings.TrimSpace(v)
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		opt, err := redis.ParseURL(strings.TrimSpace(v))
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		config.Cache.Addr = opt.Addr
		config.Cache.Password = opt.Password
		config.Cache.DB = opt.DB
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		config.Cache.Addr = strings.TrimSpace(v)
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		config.Cache.Password = strings.TrimSpace(v)
	}
	if v := os.Getenv("UPSTREAM_BASE_URL"); v != "" {
		config.Upstream.BaseURL = strings.TrimSpace(v)
	}

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

func defaultConfig() *Config {
	return &Config{
		Upstream: UpstreamConfig{
			BaseURL: "https://api.binance.com",
			Timeout: 30 * time.Second,
			RateLimit: RateLimitConfig{
				RequestsPerSecond: 15,
				BurstSize:         30,
			},
		},
		Cache: CacheConfig{
			Addr: "localhost:6379",
			TTL:  300 * time.Second,
		},
		Importer: ImporterConfig{
			Interval:    "5m",
			ChunkSize:   10,
			ChunkDelay:  time.Second,
			CandleLimit: 100,
		},
		Analysis: AnalysisConfig{
			QuoteAsset:  "USDT",
			WarmWindows: []int{15, 60, 240, 720, 1440},
			TopSize:     50,
		},
		Queues: QueuesConfig{
			Sync:     QueuePolicyConfig{MaxAttempts: 3, BaseDelay: time.Second},
			Import:   QueuePolicyConfig{MaxAttempts: 2, BaseDelay: 2 * time.Second},
			Analysis: QueuePolicyConfig{MaxAttempts: 2},
		},
		Startup: StartupConfig{
			ImportDelay: 10 * time.Second,
			WarmDelay:   60 * time.Second,
		},
		Scheduler: SchedulerConfig{
			SyncEvery:   12 * time.Hour,
			ImportEvery: 5 * time.Minute,
			WarmEvery:   5 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Marketpulse.Name == "" {
		return fmt.Errorf("marketpulse.name is required")
	}

	if cfg.Marketpulse.Version == "" {
		return fmt.Errorf("marketpulse.version is required")
	}

	if cfg.Upstream.BaseURL == "" {
		return fmt.Errorf("upstream.base_url is required")
	}

	if cfg.Storage.DSN == "" {
		return fmt.Errorf("storage.dsn is required (or set DATABASE_URL)")
	}

	if cfg.Importer.ChunkSize <= 0 {
		return fmt.Errorf("importer.chunk_size must be greater than 0")
	}
	if cfg.Importer.CandleLimit <= 0 || cfg.Importer.CandleLimit > 1000 {
		return fmt.Errorf("importer.candle_limit must be between 1 and 1000")
	}
	if cfg.Importer.ChunkDelay < 0 {
		return fmt.Errorf("importer.chunk_delay must not be negative")
	}

	if cfg.Cache.TTL <= 0 {
		return fmt.Errorf("cache.ttl must be greater than 0")
	}
	if len(cfg.Analysis.WarmWindows) == 0 {
		return fmt.Errorf("analysis.warm_windows must not be empty")
	}
	for _, w := range cfg.Analysis.WarmWindows {
		if w <= 0 {
			return fmt.Errorf("analysis.warm_windows entries must be positive, got %d", w)
		}
	}
	if cfg.Analysis.TopSize <= 0 {
		return fmt.Errorf("analysis.top_size must be greater than 0")
	}

	for name, q := range map[string]QueuePolicyConfig{
		"queues.sync":     cfg.Queues.Sync,
		"queues.import":   cfg.Queues.Import,
		"queues.analysis": cfg.Queues.Analysis,
	} {
		if q.MaxAttempts <= 0 {
			return fmt.Errorf("%s.max_attempts must be greater than 0", name)
		}
		if q.BaseDelay < 0 {
			return fmt.Errorf("%s.base_delay must not be negative", name)
		}
	}

	return nil
}
