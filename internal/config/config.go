package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/maltedev/price-search/internal/browser"
	"github.com/maltedev/price-search/internal/search"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Scraper   ScraperConfig
	Search    SearchConfig
	RateLimit RateLimitConfig
	Files     FilesConfig
	Logging   LoggingConfig
}

type ServerConfig struct {
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration
	AllowedOrigins  []string
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string
	SSLMode  string
	MaxConns int32
}

// RedisConfig is optional. With an empty Addr the outbox relay and the
// shared rate limiter are disabled.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

func (c RedisConfig) Enabled() bool {
	return c.Addr != ""
}

type ScraperConfig struct {
	Mode         string
	APIKey       string
	Headless     bool
	PageTimeout  time.Duration
	StoreTimeout time.Duration
	Workers      int
	MaxRetries   int
	RetryDelay   time.Duration
}

type SearchConfig struct {
	Mode           string
	AwaitTimeout   time.Duration
	Freshness      time.Duration
	PageSize       int
	LockStaleAfter time.Duration
	RetentionAge   time.Duration
}

type RateLimitConfig struct {
	PerMinute int
}

// FilesConfig points at replacement tables. Empty paths use the embedded
// defaults.
type FilesConfig struct {
	Stores string
	Brands string
}

type LoggingConfig struct {
	Level string
}

func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:            getEnvInt("PORT", 8080),
			ReadTimeout:     getEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvDuration("SERVER_WRITE_TIMEOUT", 130*time.Second),
			RequestTimeout:  getEnvDuration("SERVER_REQUEST_TIMEOUT", 120*time.Second),
			ShutdownTimeout: getEnvDuration("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second),
			AllowedOrigins:  getEnvSlice("CORS_ALLOWED_ORIGINS", []string{"http://localhost:*", "https://localhost:*"}),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", ""),
			Name:     getEnv("DB_NAME", "price_search"),
			SSLMode:  getEnv("DB_SSL_MODE", "disable"),
			MaxConns: int32(getEnvInt("DB_MAX_CONNS", 10)),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Scraper: ScraperConfig{
			Mode:         getEnv("SCRAPER_MODE", string(browser.ModePlaywright)),
			APIKey:       getEnv("SCRAPINGBEE_API_KEY", ""),
			Headless:     getEnvBool("SCRAPER_HEADLESS", true),
			PageTimeout:  getEnvDuration("SCRAPER_PAGE_TIMEOUT", 45*time.Second),
			StoreTimeout: getEnvDuration("SCRAPER_STORE_TIMEOUT", 60*time.Second),
			Workers:      getEnvInt("SCRAPER_WORKERS", 1),
			MaxRetries:   getEnvInt("SCRAPER_MAX_RETRIES", 3),
			RetryDelay:   getEnvDuration("SCRAPER_RETRY_DELAY", 2*time.Second),
		},
		Search: SearchConfig{
			Mode:           getEnv("SEARCH_MODE", string(search.ModeAwait)),
			AwaitTimeout:   getEnvDuration("SEARCH_AWAIT_TIMEOUT", 90*time.Second),
			Freshness:      getEnvDuration("CACHE_FRESHNESS", 30*time.Minute),
			PageSize:       getEnvInt("SEARCH_PAGE_SIZE", 20),
			LockStaleAfter: getEnvDuration("LOCK_STALE_AFTER", 5*time.Minute),
			RetentionAge:   getEnvDuration("RETENTION_AGE", 7*24*time.Hour),
		},
		RateLimit: RateLimitConfig{
			PerMinute: getEnvInt("RATE_LIMIT_PER_MINUTE", 60),
		},
		Files: FilesConfig{
			Stores: getEnv("STORES_FILE", ""),
			Brands: getEnv("BRANDS_FILE", ""),
		},
		Logging: LoggingConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.Name == "" {
		return fmt.Errorf("database name is required")
	}

	mode, err := browser.ParseMode(c.Scraper.Mode)
	if err != nil {
		return fmt.Errorf("invalid SCRAPER_MODE: %w", err)
	}

	if mode == browser.ModeScrapingBee && c.Scraper.APIKey == "" {
		return fmt.Errorf("SCRAPINGBEE_API_KEY is required when SCRAPER_MODE is %s", mode)
	}

	if c.Scraper.Workers < 1 {
		return fmt.Errorf("SCRAPER_WORKERS must be at least 1")
	}

	if c.Scraper.MaxRetries < 1 {
		return fmt.Errorf("SCRAPER_MAX_RETRIES must be at least 1")
	}

	if _, err := search.ParseMode(c.Search.Mode); err != nil {
		return fmt.Errorf("invalid SEARCH_MODE: %w", err)
	}

	if c.Search.PageSize < 1 || c.Search.PageSize > search.MaxPageSize {
		return fmt.Errorf("SEARCH_PAGE_SIZE must be between 1 and %d", search.MaxPageSize)
	}

	for name, d := range map[string]time.Duration{
		"SCRAPER_PAGE_TIMEOUT":  c.Scraper.PageTimeout,
		"SCRAPER_STORE_TIMEOUT": c.Scraper.StoreTimeout,
		"SEARCH_AWAIT_TIMEOUT":  c.Search.AwaitTimeout,
		"CACHE_FRESHNESS":       c.Search.Freshness,
		"LOCK_STALE_AFTER":      c.Search.LockStaleAfter,
		"RETENTION_AGE":         c.Search.RetentionAge,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}

	if c.Search.AwaitTimeout >= c.Server.RequestTimeout {
		return fmt.Errorf("SEARCH_AWAIT_TIMEOUT must be shorter than SERVER_REQUEST_TIMEOUT")
	}

	if c.RateLimit.PerMinute < 1 {
		return fmt.Errorf("RATE_LIMIT_PER_MINUTE must be at least 1")
	}

	if _, err := c.Logging.SlogLevel(); err != nil {
		return err
	}

	return nil
}

// SlogLevel parses LOG_LEVEL (debug, info, warn, error).
func (c LoggingConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(c.Level))); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid LOG_LEVEL %q", c.Level)
	}
	return level, nil
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		var out []string
		for _, v := range strings.Split(value, ",") {
			if v = strings.TrimSpace(v); v != "" {
				out = append(out, v)
			}
		}
		return out
	}
	return defaultValue
}
