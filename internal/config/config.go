// Package config loads and validates harvester configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"

	"github.com/JakeFAU/media-harvester/internal/handler"
)

// Source types accepted in the sources list.
const (
	SourceRedditUser      = "reddit-user"
	SourceRedditSubreddit = "reddit-subreddit"
	SourceUserList        = "userlist"
	SourceCSV             = "csv"
	SourceURLs            = "urls"
)

// Config captures all harvester configuration knobs loaded via Viper.
type Config struct {
	Logging  LoggingConfig  `mapstructure:"logging"`
	Database DatabaseConfig `mapstructure:"database"`
	Output   OutputConfig   `mapstructure:"output"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Handlers HandlersConfig `mapstructure:"handlers"`
	Dedup    DedupConfig    `mapstructure:"dedup"`
	Server   ServerConfig   `mapstructure:"server"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Sources  []SourceConfig `mapstructure:"sources"`
}

// LoggingConfig selects the zap encoder, level and optional log file.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
	File        string `mapstructure:"file"`
}

// DatabaseConfig selects and configures the record store.
type DatabaseConfig struct {
	Driver   string         `mapstructure:"driver"`
	SQLite   SQLiteConfig   `mapstructure:"sqlite"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// SQLiteConfig configures the embedded store.
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// PostgresConfig configures the server store.
type PostgresConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// OutputConfig selects where downloaded artifacts are written.
type OutputConfig struct {
	Backend string       `mapstructure:"backend"`
	BaseDir string       `mapstructure:"base_dir"`
	GCS     BucketConfig `mapstructure:"gcs"`
	S3      BucketConfig `mapstructure:"s3"`
}

// BucketConfig names an object-store bucket. Region is used by S3 only.
type BucketConfig struct {
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
	Region string `mapstructure:"region"`
}

// PipelineConfig governs the loader, queues and workers.
type PipelineConfig struct {
	Workers        int           `mapstructure:"workers"`
	QueueCapacity  int           `mapstructure:"queue_capacity"`
	RetryFailed    bool          `mapstructure:"retry_failed"`
	AckHighWater   int           `mapstructure:"ack_high_water"`
	AckMinWindow   time.Duration `mapstructure:"ack_min_window"`
	AckMaxWindow   time.Duration `mapstructure:"ack_max_window"`
	PollTimeout    time.Duration `mapstructure:"poll_timeout"`
	HandlerTimeout time.Duration `mapstructure:"handler_timeout"`
	StopAfterKnown int           `mapstructure:"stop_after_known"`
}

// HandlersConfig configures the handler chain.
type HandlersConfig struct {
	UserAgent  string          `mapstructure:"user_agent"`
	Timeout    time.Duration   `mapstructure:"timeout"`
	MaxRetries uint            `mapstructure:"max_retries"`
	HostRPS    float64         `mapstructure:"host_rps"`
	Denylist   []string        `mapstructure:"denylist"`
	Gallery    GalleryConfig   `mapstructure:"gallery"`
	OpenGraph  OpenGraphConfig `mapstructure:"opengraph"`
	Rendered   RenderedConfig  `mapstructure:"rendered"`
}

// GalleryConfig toggles the album page handler.
type GalleryConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Hosts   []string `mapstructure:"hosts"`
}

// OpenGraphConfig toggles the page metadata handler.
type OpenGraphConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// RenderedConfig toggles the headless browser handler.
type RenderedConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Hosts       []string      `mapstructure:"hosts"`
	NavTimeout  time.Duration `mapstructure:"nav_timeout"`
	MaxParallel int           `mapstructure:"max_parallel"`
}

// DedupConfig configures the deduplicator.
type DedupConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	BusyInterval      time.Duration `mapstructure:"busy_interval"`
	IdleInterval      time.Duration `mapstructure:"idle_interval"`
	PlaceholderHashes []string      `mapstructure:"placeholder_hashes"`
}

// ServerConfig controls the status server.
type ServerConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// PubSubConfig holds the optional progress topic.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// SourceConfig is one entry of the sources list. Type selects which of the
// remaining fields apply.
type SourceConfig struct {
	Type       string   `mapstructure:"type"`
	Alias      string   `mapstructure:"alias"`
	User       string   `mapstructure:"user"`
	Subreddit  string   `mapstructure:"subreddit"`
	Sort       string   `mapstructure:"sort"`
	Limit      int      `mapstructure:"limit"`
	StripQuery bool     `mapstructure:"strip_query"`
	Path       string   `mapstructure:"path"`
	URLs       []string `mapstructure:"urls"`
}

// Load builds a Config from an optional file plus HARVESTER_* environment
// variables.
func Load(path string) (Config, error) {
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
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.file", "")
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.sqlite.path", "harvester.db")
	v.SetDefault("database.postgres.max_conns", 10)
	v.SetDefault("database.postgres.min_conns", 1)
	v.SetDefault("output.backend", "local")
	v.SetDefault("output.base_dir", "downloads")
	v.SetDefault("pipeline.workers", 4)
	v.SetDefault("pipeline.queue_capacity", 2500)
	v.SetDefault("pipeline.retry_failed", false)
	v.SetDefault("pipeline.ack_high_water", 100)
	v.SetDefault("pipeline.ack_min_window", "1s")
	v.SetDefault("pipeline.ack_max_window", "60s")
	v.SetDefault("pipeline.poll_timeout", "100ms")
	v.SetDefault("pipeline.handler_timeout", "10m")
	v.SetDefault("pipeline.stop_after_known", 0)
	v.SetDefault("handlers.user_agent", "media-harvester/1.0 (+https://github.com/JakeFAU/media-harvester)")
	v.SetDefault("handlers.timeout", "30s")
	v.SetDefault("handlers.max_retries", 3)
	v.SetDefault("handlers.host_rps", 2.0)
	v.SetDefault("handlers.denylist", handler.DefaultDenylist)
	v.SetDefault("handlers.gallery.enabled", true)
	v.SetDefault("handlers.opengraph.enabled", true)
	v.SetDefault("handlers.rendered.enabled", false)
	v.SetDefault("handlers.rendered.nav_timeout", "45s")
	v.SetDefault("handlers.rendered.max_parallel", 1)
	v.SetDefault("dedup.enabled", true)
	v.SetDefault("dedup.busy_interval", "1s")
	v.SetDefault("dedup.idle_interval", "10s")
	v.SetDefault("server.enabled", false)
	v.SetDefault("server.port", 8080)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	switch c.Database.Driver {
	case "memory":
	case "sqlite":
		if c.Database.SQLite.Path == "" {
			return errors.New("database.sqlite.path is required for the sqlite driver")
		}
	case "postgres":
		if c.Database.Postgres.DSN == "" {
			return errors.New("database.postgres.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("database.driver %q is not one of sqlite, postgres, memory", c.Database.Driver)
	}

	switch c.Output.Backend {
	case "local":
		if c.Output.BaseDir == "" {
			return errors.New("output.base_dir is required for the local backend")
		}
	case "gcs":
		if c.Output.GCS.Bucket == "" {
			return errors.New("output.gcs.bucket is required for the gcs backend")
		}
	case "s3":
		if c.Output.S3.Bucket == "" {
			return errors.New("output.s3.bucket is required for the s3 backend")
		}
	case "memory":
	default:
		return fmt.Errorf("output.backend %q is not one of local, gcs, s3", c.Output.Backend)
	}

	if c.Pipeline.Workers <= 0 {
		return errors.New("pipeline.workers must be > 0")
	}
	if c.Pipeline.QueueCapacity <= 0 {
		return errors.New("pipeline.queue_capacity must be > 0")
	}
	if c.Pipeline.AckHighWater <= 0 {
		return errors.New("pipeline.ack_high_water must be > 0")
	}
	if c.Pipeline.AckMinWindow > c.Pipeline.AckMaxWindow {
		return errors.New("pipeline.ack_min_window must not exceed pipeline.ack_max_window")
	}
	if c.Handlers.HostRPS < 0 {
		return errors.New("handlers.host_rps must be >= 0")
	}
	if c.Handlers.Rendered.Enabled && c.Handlers.Rendered.MaxParallel <= 0 {
		return errors.New("handlers.rendered.max_parallel must be > 0 when rendering is enabled")
	}
	if c.Server.Enabled && c.Server.Port <= 0 {
		return errors.New("server.port must be > 0")
	}
	if (c.PubSub.ProjectID == "") != (c.PubSub.Topic == "") {
		return errors.New("pubsub.project_id and pubsub.topic must be set together")
	}

	for i, src := range c.Sources {
		if err := src.Validate(); err != nil {
			return fmt.Errorf("sources[%d]: %w", i, err)
		}
	}
	return nil
}

// Validate checks the fields required by the source type.
func (s SourceConfig) Validate() error {
	if s.Limit < 0 {
		return errors.New("limit must be >= 0")
	}
	switch s.Type {
	case SourceRedditUser:
		if s.User == "" {
			return errors.New("user is required")
		}
	case SourceRedditSubreddit:
		if s.Subreddit == "" {
			return errors.New("subreddit is required")
		}
	case SourceUserList, SourceCSV:
		if s.Path == "" {
			return errors.New("path is required")
		}
	case SourceURLs:
		if len(s.URLs) == 0 {
			return errors.New("urls must not be empty")
		}
	default:
		return fmt.Errorf("unknown source type %q", s.Type)
	}
	return nil
}

// WriteStarter writes a starter TOML file holding the
// defaults and one example source.
func WriteStarter(w io.Writer) error {
	starter := map[string]any{
		"logging": map[string]any{"development": false, "level": "info"},
		"database": map[string]any{
			"driver": "sqlite",
			"sqlite": map[string]any{"path": "harvester.db"},
		},
		"output": map[string]any{
			"backend":  "local",
			"base_dir": "downloads",
		},
		"pipeline": map[string]any{
			"workers":         4,
			"queue_capacity":  2500,
			"retry_failed":    false,
			"ack_high_water":  100,
			"ack_min_window":  "1s",
			"ack_max_window":  "60s",
			"handler_timeout": "10m",
		},
		"handlers": map[string]any{
			"timeout":     "30s",
			"max_retries": 3,
			"host_rps":    2.0,
			"denylist":    handler.DefaultDenylist,
			"gallery":     map[string]any{"enabled": true},
			"opengraph":   map[string]any{"enabled": true},
			"rendered":    map[string]any{"enabled": false, "nav_timeout": "45s", "max_parallel": 1},
		},
		"dedup": map[string]any{
			"enabled":       true,
			"busy_interval": "1s",
			"idle_interval": "10s",
		},
		"server": map[string]any{"enabled": false, "port": 8080},
		"sources": []map[string]any{
			{"type": SourceRedditSubreddit, "alias": "pics", "subreddit": "pics", "sort": "new", "limit": 100, "strip_query": true},
		},
	}
	if err := toml.NewEncoder(w).Encode(starter); err != nil {
		return fmt.Errorf("encode starter config: %w", err)
	}
	return nil
}
