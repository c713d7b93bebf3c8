// Package config loads and validates harvester configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/content-harvester/internal/extract"
)

// DefaultUserAgent is the desktop browser identity sent by both engines.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 " +
	"(KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// Config captures all harvester configuration knobs loaded via Viper.
type Config struct {
	Input     InputConfig     `mapstructure:"input"`
	Output    OutputConfig    `mapstructure:"output"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Run       RunConfig       `mapstructure:"run"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Robots    RobotsConfig    `mapstructure:"robots"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Render    RenderConfig    `mapstructure:"render"`
	Extract   ExtractConfig   `mapstructure:"extract"`
	Storage   StorageConfig   `mapstructure:"storage"`
	DB        DBConfig        `mapstructure:"db"`
	Mongo     MongoConfig     `mapstructure:"mongo"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Server    ServerConfig    `mapstructure:"server"`

	// Source is the config file that was read, if any.
	Source string `mapstructure:"-"`
}

// SearchPaths are the directories searched for harvester.yaml (or .json,
// .toml) when no explicit config path is given.
var SearchPaths = []string{".", "$HOME/.harvester", "/etc/harvester"}

// InputConfig locates the target table.
type InputConfig struct {
	Path string `mapstructure:"path"`
}

// OutputConfig locates the dataset and optional per-row text export.
type OutputConfig struct {
	Path    string `mapstructure:"path"`
	TextDir string `mapstructure:"text_dir"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// RunConfig bounds per-run concurrency and duration.
type RunConfig struct {
	Workers  int           `mapstructure:"workers"`
	Deadline time.Duration `mapstructure:"deadline"`
}

// RateLimitConfig is the global outbound budget: Calls per Period.
type RateLimitConfig struct {
	Calls  int           `mapstructure:"calls"`
	Period time.Duration `mapstructure:"period"`
}

// RobotsConfig controls robots.txt enforcement.
type RobotsConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	FailClosed bool          `mapstructure:"fail_closed"`
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxBytes   int64         `mapstructure:"max_bytes"`
}

// HTTPConfig configures the light fetcher.
type HTTPConfig struct {
	UserAgent    string            `mapstructure:"user_agent"`
	Timeout      time.Duration     `mapstructure:"timeout"`
	MaxBodyBytes int               `mapstructure:"max_body_bytes"`
	Headers      map[string]string `mapstructure:"headers"`
	PDFMinBytes  int               `mapstructure:"pdf_min_bytes"`
}

// RenderConfig configures the headless browser pool.
type RenderConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	Headless          bool          `mapstructure:"headless"`
	PoolSize          int           `mapstructure:"pool_size"`
	SettleDelay       time.Duration `mapstructure:"settle_delay"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	DownloadDir       string        `mapstructure:"download_dir"`
	DownloadTimeout   time.Duration `mapstructure:"download_timeout"`
	FreshnessWindow   time.Duration `mapstructure:"freshness_window"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	DownloadPatterns  []string      `mapstructure:"download_patterns"`
}

// ExtractConfig tunes the content extractor.
type ExtractConfig struct {
	Selectors           []string `mapstructure:"selectors"`
	MinContentChars     int      `mapstructure:"min_content_chars"`
	MaxContentChars     int      `mapstructure:"max_content_chars"`
	ReadabilityFallback bool     `mapstructure:"readability_fallback"`
}

// StorageConfig selects where run artifacts are uploaded.
type StorageConfig struct {
	Backend     string `mapstructure:"backend"`
	BaseDir     string `mapstructure:"base_dir"`
	GCSBucket   string `mapstructure:"gcs_bucket"`
	Prefix      string `mapstructure:"prefix"`
	ArchivePDFs bool   `mapstructure:"archive_pdfs"`
}

// DBConfig controls the optional Postgres result store.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// MongoConfig controls the optional MongoDB result store.
type MongoConfig struct {
	URI        string `mapstructure:"uri"`
	Database   string `mapstructure:"database"`
	Collection string `mapstructure:"collection"`
}

// PubSubConfig holds metadata for run notifications. A topic without a
// project records notifications in memory (dry run).
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ServerConfig controls the ops HTTP server. Empty Addr disables it.
type ServerConfig struct {
	Addr           string        `mapstructure:"addr"`
	APIKey         string        `mapstructure:"api_key"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	return LoadWithOverrides(path, nil)
}

// LoadWithOverrides is Load with explicit values (usually CLI flags) that
// take precedence over the file and the environment. Keys use the dotted
// config names, e.g. "run.workers".
func LoadWithOverrides(path string, overrides map[string]any) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HARVESTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("harvester")
		for _, dir := range SearchPaths {
			v.AddConfigPath(dir)
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	for key, value := range overrides {
		v.Set(key, value)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.Source = v.ConfigFileUsed()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("input.path", "")
	v.SetDefault("output.path", "dataset.csv")
	v.SetDefault("output.text_dir", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("run.workers", 8)
	v.SetDefault("run.deadline", time.Duration(0))
	v.SetDefault("rate_limit.calls", 2)
	v.SetDefault("rate_limit.period", time.Second)
	v.SetDefault("robots.enabled", true)
	v.SetDefault("robots.fail_closed", false)
	v.SetDefault("robots.timeout", 10*time.Second)
	v.SetDefault("robots.max_bytes", int64(1<<20))
	v.SetDefault("http.user_agent", DefaultUserAgent)
	v.SetDefault("http.timeout", 30*time.Second)
	v.SetDefault("http.max_body_bytes", 50<<20)
	v.SetDefault("http.headers", map[string]string{
		"Accept":          "text/html,application/xhtml+xml,application/xml;q=0.9,application/pdf;q=0.8,*/*;q=0.7",
		"Accept-Language": "en-US,en;q=0.9",
		"Referer":         "https://www.google.com/",
	})
	v.SetDefault("http.pdf_min_bytes", 500)
	v.SetDefault("render.enabled", true)
	v.SetDefault("render.headless", true)
	v.SetDefault("render.pool_size", 1)
	v.SetDefault("render.settle_delay", 3*time.Second)
	v.SetDefault("render.navigation_timeout", 30*time.Second)
	v.SetDefault("render.download_dir", "downloads")
	v.SetDefault("render.download_timeout", 30*time.Second)
	v.SetDefault("render.freshness_window", 10*time.Second)
	v.SetDefault("render.poll_interval", 500*time.Millisecond)
	v.SetDefault("render.download_patterns", []string{"*.pdf", "*.PDF"})
	v.SetDefault("extract.selectors", extract.DefaultSelectors)
	v.SetDefault("extract.min_content_chars", 150)
	v.SetDefault("extract.max_content_chars", 5000)
	v.SetDefault("extract.readability_fallback", false)
	v.SetDefault("storage.backend", "")
	v.SetDefault("storage.base_dir", "")
	v.SetDefault("storage.gcs_bucket", "")
	v.SetDefault("storage.prefix", "runs")
	v.SetDefault("storage.archive_pdfs", false)
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.table", "extraction_results")
	v.SetDefault("db.max_conns", int32(4))
	v.SetDefault("mongo.uri", "")
	v.SetDefault("mongo.database", "harvester")
	v.SetDefault("mongo.collection", "extraction_results")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("server.addr", "")
	v.SetDefault("server.api_key", "")
	v.SetDefault("server.request_timeout", 30*time.Second)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Run.Workers <= 0 {
		return fmt.Errorf("run.workers must be > 0")
	}
	if c.Run.Deadline < 0 {
		return fmt.Errorf("run.deadline must be >= 0")
	}
	if c.RateLimit.Calls <= 0 || c.RateLimit.Period <= 0 {
		return fmt.Errorf("rate_limit.calls and rate_limit.period must be > 0")
	}
	if c.HTTP.Timeout <= 0 {
		return fmt.Errorf("http.timeout must be > 0")
	}
	if c.Render.Enabled && c.Render.PoolSize <= 0 {
		return fmt.Errorf("render.pool_size must be > 0 when render is enabled")
	}
	if c.Render.Enabled && strings.TrimSpace(c.Render.DownloadDir) == "" {
		return fmt.Errorf("render.download_dir must be set when render is enabled")
	}
	if c.Extract.MinContentChars < 0 || c.Extract.MaxContentChars <= 0 {
		return fmt.Errorf("extract content bounds must be positive")
	}
	if c.Extract.MinContentChars > c.Extract.MaxContentChars {
		return fmt.Errorf("extract.min_content_chars must be <= extract.max_content_chars")
	}
	if len(c.Extract.Selectors) == 0 {
		return fmt.Errorf("extract.selectors must not be empty")
	}
	switch c.Storage.Backend {
	case "", "memory":
	case "local":
		if strings.TrimSpace(c.Storage.BaseDir) == "" {
			return fmt.Errorf("storage.base_dir must be set for the local backend")
		}
	case "gcs":
		if strings.TrimSpace(c.Storage.GCSBucket) == "" {
			return fmt.Errorf("storage.gcs_bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("unknown storage.backend %q", c.Storage.Backend)
	}
	if c.PubSub.ProjectID != "" && c.PubSub.TopicName == "" {
		return fmt.Errorf("pubsub.topic_name is required with pubsub.project_id")
	}
	if c.Mongo.URI != "" && (c.Mongo.Database == "" || c.Mongo.Collection == "") {
		return fmt.Errorf("mongo.database and mongo.collection are required with mongo.uri")
	}
	return nil
}
