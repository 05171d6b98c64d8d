package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"go-ingest/pkg/models"
)

type Config struct {
	// StorageRoot is where payloads, the catalog and the sqlite state live.
	StorageRoot string `envconfig:"STORAGE_ROOT" default:"downloaded_data"`

	// StateBackend is "sqlite" or "postgres".
	StateBackend string `envconfig:"STATE_BACKEND" default:"sqlite"`
	// StatePath defaults to <StorageRoot>/progress.db.
	StatePath string `envconfig:"STATE_PATH"`
	// DatabaseURL is required when StateBackend is postgres.
	DatabaseURL string `envconfig:"DB_URL"`
	// CatalogDatabaseURL enables the Postgres catalog sink.
	CatalogDatabaseURL string `envconfig:"CATALOG_DB_URL"`

	Categories []string `envconfig:"CATEGORIES" default:"failure,technical,troubleshooting,product,images"`

	MaxAttempts   int           `envconfig:"MAX_ATTEMPTS" default:"3"`
	RetryDelay    time.Duration `envconfig:"RETRY_DELAY" default:"5s"`
	MaxRetryDelay time.Duration `envconfig:"MAX_RETRY_DELAY" default:"1m"`
	Backoff       string        `envconfig:"BACKOFF" default:"constant"`

	Workers int `envconfig:"WORKERS" default:"1"`

	// RateLimit is the minimum interval between requests to one host.
	RateLimit     time.Duration `envconfig:"RATE_LIMIT" default:"2s"`
	FetchTimeout  time.Duration `envconfig:"FETCH_TIMEOUT" default:"60s"`
	VideoTimeout  time.Duration `envconfig:"VIDEO_TIMEOUT" default:"300s"`
	RespectRobots bool          `envconfig:"RESPECT_ROBOTS" default:"false"`
	UserAgent     string        `envconfig:"USER_AGENT" default:"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/115.0.0.0 Safari/537.36"`
	ProxyURL      string        `envconfig:"PROXY_URL"`

	// Embedded so its keys keep their OXYLABS_* names without a prefix.
	Oxylabs

	ExaAPIKey string `envconfig:"EXA_API_KEY"`

	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"text"`
}

// Oxylabs holds the residential proxy credentials used for video downloads.
type Oxylabs struct {
	Username string `envconfig:"OXYLABS_USERNAME"`
	Password string `envconfig:"OXYLABS_PASSWORD"`
	Endpoint string `envconfig:"OXYLABS_ENDPOINT" default:"pr.oxylabs.io"`
	Port     int    `envconfig:"OXYLABS_PORT" default:"7777"`
}

// Enabled reports whether credentials were supplied.
func (o Oxylabs) Enabled() bool {
	return o.Username != "" && o.Password != ""
}

// Load processes environment variables and populates the Config struct.
func Load() (*Config, error) {
	// A missing .env is normal when variables are injected by the environment.
	if err := godotenv.Load(); err != nil {
		if _, statErr := os.Stat(".env"); statErr == nil {
			log.Printf("Warning: .env file found but could not be loaded: %v", err)
		}
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if cfg.StatePath == "" {
		cfg.StatePath = filepath.Join(cfg.StorageRoot, "progress.db")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.MaxAttempts < 1 {
		return fmt.Errorf("MAX_ATTEMPTS must be at least 1, got %d", c.MaxAttempts)
	}
	if c.Workers < 1 {
		return fmt.Errorf("WORKERS must be at least 1, got %d", c.Workers)
	}
	switch c.StateBackend {
	case "sqlite":
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("STATE_BACKEND=postgres requires DB_URL")
		}
	default:
		return fmt.Errorf("unknown STATE_BACKEND %q", c.StateBackend)
	}
	switch c.Backoff {
	case "constant", "exponential":
	default:
		return fmt.Errorf("unknown BACKOFF %q", c.Backoff)
	}
	if len(c.Categories) == 0 {
		return fmt.Errorf("CATEGORIES must not be empty")
	}
	return nil
}

// CategorySet returns the configured categories in canonical form.
func (c *Config) CategorySet() []models.Category {
	set := make([]models.Category, 0, len(c.Categories))
	for _, name := range c.Categories {
		set = append(set, models.ParseCategory(name))
	}
	return set
}
