// Package config loads and validates scraper configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Results   ResultsConfig   `mapstructure:"results"`
	Browser   BrowserConfig   `mapstructure:"browser"`
	Proxy     ProxyConfig     `mapstructure:"proxy"`
	Session   SessionConfig   `mapstructure:"session"`
	Waiter    WaiterConfig    `mapstructure:"waiter"`
	Scraper   ScraperConfig   `mapstructure:"scraper"`
	Storage   StorageConfig   `mapstructure:"storage"`
	DB        DBConfig        `mapstructure:"db"`
	GCP       GCPConfig       `mapstructure:"gcp"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MaxBodyBytes   int64         `mapstructure:"max_body_bytes"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TelemetryConfig describes the service to the tracer provider.
type TelemetryConfig struct {
	ServiceName string  `mapstructure:"service_name"`
	Version     string  `mapstructure:"version"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// WorkerConfig sizes the consumer pool.
type WorkerConfig struct {
	Concurrency int           `mapstructure:"concurrency"`
	JobTimeout  time.Duration `mapstructure:"job_timeout"`
}

// QueueConfig selects the job queue driver.
type QueueConfig struct {
	Driver string      `mapstructure:"driver"`
	Depth  int         `mapstructure:"depth"`
	PubSub PubSubQueue `mapstructure:"pubsub"`
	Redis  RedisQueue  `mapstructure:"redis"`
}

// PubSubQueue names the job topic and worker subscription.
type PubSubQueue struct {
	Topic          string `mapstructure:"topic"`
	Subscription   string `mapstructure:"subscription"`
	MaxOutstanding int    `mapstructure:"max_outstanding"`
}

// RedisQueue locates the job lists.
type RedisQueue struct {
	URL          string        `mapstructure:"url"`
	Key          string        `mapstructure:"key"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// ResultsConfig selects where result messages go.
type ResultsConfig struct {
	Driver string `mapstructure:"driver"`
	Topic  string `mapstructure:"topic"`
}

// BrowserConfig controls the shared browser lifecycle.
type BrowserConfig struct {
	ExecPath      string        `mapstructure:"exec_path"`
	Headless      bool          `mapstructure:"headless"`
	LaunchTimeout time.Duration `mapstructure:"launch_timeout"`
	ProbeTimeout  time.Duration `mapstructure:"probe_timeout"`
	KeepAlive     time.Duration `mapstructure:"keepalive"`
	MaxIdle       time.Duration `mapstructure:"max_idle"`
	ProxyAttempts int           `mapstructure:"proxy_attempts"`
	RetryDelay    time.Duration `mapstructure:"retry_delay"`
	MaxPages      int           `mapstructure:"max_pages"`
	WindowWidth   int           `mapstructure:"window_width"`
	WindowHeight  int           `mapstructure:"window_height"`
	UserAgents    []string      `mapstructure:"user_agents"`
}

// ProxyConfig selects the proxy provider. Mode is none, api or static.
type ProxyConfig struct {
	Mode    string        `mapstructure:"mode"`
	APIURL  string        `mapstructure:"api_url"`
	Secret  string        `mapstructure:"secret"`
	Country string        `mapstructure:"country"`
	Timeout time.Duration `mapstructure:"timeout"`
	Static  []string      `mapstructure:"static"`
}

// SessionConfig tunes page sessions.
type SessionConfig struct {
	Timeout        time.Duration `mapstructure:"timeout"`
	CloseTimeout   time.Duration `mapstructure:"close_timeout"`
	PerHostRPS     float64       `mapstructure:"per_host_rps"`
	Burst          int           `mapstructure:"burst"`
	HostRPS        []HostRate    `mapstructure:"host_rps"`
	BlockResources bool          `mapstructure:"block_resources"`
}

// HostRate overrides the navigation rate for one host. It is a list entry
// rather than a map key because viper splits keys on dots.
type HostRate struct {
	Host string  `mapstructure:"host"`
	RPS  float64 `mapstructure:"rps"`
}

// WaiterConfig tunes the streamed content waiter.
type WaiterConfig struct {
	MaxWait           time.Duration `mapstructure:"max_wait"`
	Interval          time.Duration `mapstructure:"interval"`
	DiscoveryTimeout  time.Duration `mapstructure:"discovery_timeout"`
	QuietPeriod       time.Duration `mapstructure:"quiet_period"`
	StableThreshold   int           `mapstructure:"stable_threshold"`
	NoChangeThreshold int           `mapstructure:"no_change_threshold"`
}

// ScraperConfig tunes the per-kind scrape routines.
type ScraperConfig struct {
	WaitMax          time.Duration `mapstructure:"wait_max"`
	WaitInterval     time.Duration `mapstructure:"wait_interval"`
	NewsSettle       time.Duration `mapstructure:"news_settle"`
	ScreenshotPrefix string        `mapstructure:"screenshot_prefix"`
	FallbackChars    int           `mapstructure:"fallback_chars"`
}

// StorageConfig selects the screenshot store. Driver is memory, local or
// gcs; gcs falls back to the local public dir when Fallback is set.
type StorageConfig struct {
	Driver        string `mapstructure:"driver"`
	PublicDir     string `mapstructure:"public_dir"`
	URLPrefix     string `mapstructure:"url_prefix"`
	GCSBucket     string `mapstructure:"gcs_bucket"`
	PublicBaseURL string `mapstructure:"public_base_url"`
	Fallback      bool   `mapstructure:"fallback"`
}

// DBConfig controls access to the relational database. Driver is memory or
// postgres.
type DBConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// GCPConfig holds the project shared by Pub/Sub and Cloud Storage.
type GCPConfig struct {
	ProjectID string `mapstructure:"project_id"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SCRAPER")
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
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", 60*time.Second)
	v.SetDefault("server.max_body_bytes", 1<<20)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("telemetry.service_name", "realtime-scraper")
	v.SetDefault("telemetry.version", "dev")
	v.SetDefault("telemetry.sample_ratio", 1.0)
	v.SetDefault("worker.concurrency", 2)
	v.SetDefault("worker.job_timeout", 2*time.Minute)
	v.SetDefault("queue.driver", "memory")
	v.SetDefault("queue.depth", 64)
	v.SetDefault("queue.pubsub.max_outstanding", 10)
	v.SetDefault("queue.redis.key", "scraper:jobs")
	v.SetDefault("queue.redis.poll_interval", time.Second)
	v.SetDefault("results.driver", "memory")
	v.SetDefault("results.topic", "scrape-results")
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.launch_timeout", 30*time.Second)
	v.SetDefault("browser.probe_timeout", 5*time.Second)
	v.SetDefault("browser.keepalive", 60*time.Second)
	v.SetDefault("browser.max_idle", 30*time.Minute)
	v.SetDefault("browser.proxy_attempts", 3)
	v.SetDefault("browser.retry_delay", 500*time.Millisecond)
	v.SetDefault("browser.window_width", 1366)
	v.SetDefault("browser.window_height", 768)
	v.SetDefault("proxy.mode", "none")
	v.SetDefault("proxy.country", "us")
	v.SetDefault("proxy.timeout", 10*time.Second)
	v.SetDefault("session.timeout", 30*time.Second)
	v.SetDefault("session.close_timeout", 5*time.Second)
	v.SetDefault("session.per_host_rps", 0)
	v.SetDefault("session.burst", 1)
	v.SetDefault("session.block_resources", true)
	v.SetDefault("waiter.max_wait", 120*time.Second)
	v.SetDefault("waiter.interval", 200*time.Millisecond)
	v.SetDefault("waiter.discovery_timeout", 5*time.Second)
	v.SetDefault("waiter.quiet_period", 2*time.Second)
	v.SetDefault("waiter.stable_threshold", 4)
	v.SetDefault("waiter.no_change_threshold", 15)
	v.SetDefault("scraper.wait_max", 10*time.Second)
	v.SetDefault("scraper.wait_interval", 150*time.Millisecond)
	v.SetDefault("scraper.news_settle", 20*time.Millisecond)
	v.SetDefault("scraper.screenshot_prefix", "screenshots")
	v.SetDefault("scraper.fallback_chars", 2000)
	v.SetDefault("storage.driver", "local")
	v.SetDefault("storage.public_dir", "public")
	v.SetDefault("storage.url_prefix", "")
	v.SetDefault("storage.fallback", true)
	v.SetDefault("db.driver", "memory")
	v.SetDefault("db.table", "scrape_jobs")
	v.SetDefault("db.max_conns", 4)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker.concurrency must be > 0")
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be within [0, 1]")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.Queue.Driver {
	case "memory":
		if c.Queue.Depth <= 0 {
			return fmt.Errorf("queue.depth must be > 0")
		}
	case "pubsub":
		if c.GCP.ProjectID == "" || c.Queue.PubSub.Topic == "" || c.Queue.PubSub.Subscription == "" {
			return fmt.Errorf("gcp.project_id, queue.pubsub.topic and queue.pubsub.subscription are required for the pubsub queue")
		}
	case "redis":
		if c.Queue.Redis.URL == "" {
			return fmt.Errorf("queue.redis.url is required for the redis queue")
		}
	default:
		return fmt.Errorf("queue.driver %q is not one of memory, pubsub, redis", c.Queue.Driver)
	}
	switch c.Results.Driver {
	case "memory", "none":
	case "pubsub":
		if c.GCP.ProjectID == "" || c.Results.Topic == "" {
			return fmt.Errorf("gcp.project_id and results.topic are required for pubsub results")
		}
	default:
		return fmt.Errorf("results.driver %q is not one of memory, pubsub, none", c.Results.Driver)
	}
	switch c.Proxy.Mode {
	case "none":
	case "api":
		if c.Proxy.APIURL == "" || c.Proxy.Secret == "" {
			return fmt.Errorf("proxy.api_url and proxy.secret are required in api mode")
		}
	case "static":
		if len(c.Proxy.Static) == 0 {
			return fmt.Errorf("proxy.static must list at least one proxy in static mode")
		}
	default:
		return fmt.Errorf("proxy.mode %q is not one of none, api, static", c.Proxy.Mode)
	}
	if c.Browser.ProxyAttempts < 0 {
		return fmt.Errorf("browser.proxy_attempts must be >= 0")
	}
	if c.Browser.LaunchTimeout <= 0 {
		return fmt.Errorf("browser.launch_timeout must be > 0")
	}
	switch c.Storage.Driver {
	case "memory":
	case "local":
		if c.Storage.PublicDir == "" {
			return fmt.Errorf("storage.public_dir is required for local storage")
		}
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket is required for gcs storage")
		}
	default:
		return fmt.Errorf("storage.driver %q is not one of memory, local, gcs", c.Storage.Driver)
	}
	switch c.DB.Driver {
	case "memory":
	case "postgres":
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("db.driver %q is not one of memory, postgres", c.DB.Driver)
	}
	return nil
}
