// Package config builds the single Config value threaded through the
// gateway. Nothing else reads the environment after Load returns.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Port            string
	AllowedOrigins  string
	BodyLimitBytes  int
	RateLimitMax    int
	RateLimitWindow time.Duration
	LogLevel        string

	Database Database
	Redis    Redis

	JWTSecret     string
	WebhookSecret string

	DefaultPrice  decimal.Decimal
	LookupTimeout time.Duration
	LedgerTimeout time.Duration
	CacheTTL      time.Duration

	// OriginURL enables gate mode: non-API traffic is admitted and then
	// proxied to this origin.
	OriginURL string

	Matchers []Matcher
}

type Database struct {
	URL      string
	Host     string
	Port     int
	User     string
	Password string
	Name     string
	SSLMode  string
}

// DSN prefers DATABASE_URL and otherwise assembles a key/value DSN.
func (d Database) DSN() string {
	if d.URL != "" {
		return d.URL
	}
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=%s TimeZone=UTC",
		d.Host, d.User, d.Password, d.Name, d.Port, d.SSLMode)
}

// Redis is optional; an empty Address disables the registry cache.
type Redis struct {
	Address  string
	Password string
	DB       int
}

// Matcher is one entry of the ordered crawler classification list. Pattern is
// matched as a case-insensitive substring of the user agent.
type Matcher struct {
	Name    string `yaml:"name"`
	Pattern string `yaml:"pattern"`
}

type matcherFile struct {
	Matchers []Matcher `yaml:"matchers"`
}

// DefaultMatchers is used when no CRAWLER_MATCHERS_FILE is configured.
var DefaultMatchers = []Matcher{
	{Name: "GPTBot", Pattern: "gptbot"},
	{Name: "ChatGPT", Pattern: "chatgpt"},
	{Name: "Claude", Pattern: "claude"},
	{Name: "Anthropic", Pattern: "anthropic"},
	{Name: "BingBot", Pattern: "bingbot"},
	{Name: "GoogleBot", Pattern: "googlebot"},
	{Name: "Yahoo Slurp", Pattern: "slurp"},
	{Name: "DuckDuckBot", Pattern: "duckduckbot"},
	{Name: "BaiduSpider", Pattern: "baiduspider"},
	{Name: "YandexBot", Pattern: "yandexbot"},
	{Name: "Facebook", Pattern: "facebookexternalhit"},
	{Name: "TwitterBot", Pattern: "twitterbot"},
	{Name: "LinkedInBot", Pattern: "linkedinbot"},
	{Name: "TelegramBot", Pattern: "telegrambot"},
	{Name: "Scrapy", Pattern: "scrapy"},
	{Name: "curl", Pattern: "curl/"},
	{Name: "Wget", Pattern: "wget/"},
	{Name: "python-requests", Pattern: "python-requests"},
	{Name: "Headless Chrome", Pattern: "headlesschrome"},
	{Name: "generic crawler", Pattern: "crawler"},
	{Name: "generic spider", Pattern: "spider"},
	{Name: "generic bot", Pattern: "bot"},
}

var ErrInvalidConfig = errors.New("invalid configuration")

// Load reads an optional .env file, then the process environment, then the
// optional YAML matcher file.
func Load() (Config, error) {
	// .env is optional in containers
	_ = godotenv.Load()

	cfg := Config{
		Port:            envString("PORT", "8080"),
		AllowedOrigins:  envString("ALLOWED_ORIGINS", "*"),
		RateLimitMax:    envInt("RATE_LIMIT_MAX", 600),
		RateLimitWindow: time.Duration(envInt("RATE_LIMIT_WINDOW_SECONDS", 60)) * time.Second,
		LogLevel:        envString("LOG_LEVEL", "info"),
		Database: Database{
			URL:      os.Getenv("DATABASE_URL"),
			Host:     envString("DB_HOST", "localhost"),
			Port:     envInt("DB_PORT", 5432),
			User:     os.Getenv("DB_USER"),
			Password: os.Getenv("DB_PASSWORD"),
			Name:     os.Getenv("DB_NAME"),
			SSLMode:  envString("DB_SSLMODE", "disable"),
		},
		Redis: Redis{
			Address:  os.Getenv("REDIS_ADDRESS"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       envInt("REDIS_DB", 0),
		},
		WebhookSecret: os.Getenv("WEBHOOK_SECRET"),
		LookupTimeout: time.Duration(envInt("LOOKUP_TIMEOUT_MS", 2000)) * time.Millisecond,
		LedgerTimeout: time.Duration(envInt("LEDGER_TIMEOUT_MS", 3000)) * time.Millisecond,
		CacheTTL:      time.Duration(envInt("CACHE_TTL_SECONDS", 300)) * time.Second,
		OriginURL:     strings.TrimRight(os.Getenv("ORIGIN_URL"), "/"),
		Matchers:      DefaultMatchers,
	}

	// Fiber default BodyLimit is 4MB; BODY_LIMIT_BYTES wins over BODY_LIMIT_MB.
	cfg.BodyLimitBytes = envInt("BODY_LIMIT_BYTES", 0)
	if cfg.BodyLimitBytes <= 0 {
		cfg.BodyLimitBytes = envInt("BODY_LIMIT_MB", 4) * 1024 * 1024
	}

	// Prefer JWT_SECRET_KEY, fallback to JWT_SECRET
	cfg.JWTSecret = os.Getenv("JWT_SECRET_KEY")
	if strings.TrimSpace(cfg.JWTSecret) == "" {
		cfg.JWTSecret = os.Getenv("JWT_SECRET")
	}

	price, err := decimal.NewFromString(envString("DEFAULT_PRICE", "0.01"))
	if err != nil || price.IsNegative() {
		return Config{}, fmt.Errorf("%w: DEFAULT_PRICE must be a non-negative decimal", ErrInvalidConfig)
	}
	cfg.DefaultPrice = price

	if path := os.Getenv("CRAWLER_MATCHERS_FILE"); path != "" {
		matchers, err := LoadMatchers(path)
		if err != nil {
			return Config{}, err
		}
		cfg.Matchers = matchers
	}

	return cfg, nil
}

// LoadMatchers reads the ordered matcher list from a YAML file.
func LoadMatchers(path string) ([]Matcher, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read matchers file: %w", err)
	}
	var f matcherFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse matchers file: %w", err)
	}
	out := make([]Matcher, 0, len(f.Matchers))
	for _, m := range f.Matchers {
		m.Pattern = strings.ToLower(strings.TrimSpace(m.Pattern))
		if m.Pattern == "" {
			return nil, fmt.Errorf("%w: matcher %q has an empty pattern", ErrInvalidConfig, m.Name)
		}
		if m.Name == "" {
			m.Name = m.Pattern
		}
		out = append(out, m)
	}
	return out, nil
}

// envInt reads an int env var with a default fallback.
func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envString(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}
