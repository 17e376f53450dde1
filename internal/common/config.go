package common

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/robfig/cron/v3"
)

// Config is the root configuration for the crawler service. It is assembled
// in four layers, lowest priority first: compiled-in defaults, TOML file(s),
// environment variables (CRAWLER_ prefixed), then CLI flags.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Storage   StorageConfig   `toml:"storage"`
	Crawler   CrawlerConfig   `toml:"crawler"`
	Embedding EmbeddingConfig `toml:"embedding"`
	VectorDB  VectorDBConfig  `toml:"vectordb"`
	Schedule  ScheduleConfig  `toml:"schedule"`
	Logging   LoggingConfig   `toml:"logging"`
	Keys      KeysDirConfig   `toml:"keys"`
}

// ServerConfig controls the control-façade HTTP listener.
type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// StorageConfig controls where the file-tree corpus and the embedded
// deletion ledger live on disk.
type StorageConfig struct {
	// DataDir is the root of the site-scoped file tree: urls/, docs/,
	// json/, keys/, embeddings/, status/.
	DataDir string       `toml:"data_dir"`
	Badger  BadgerConfig `toml:"badger"`
}

// BadgerConfig controls the embedded deletion-ledger store.
type BadgerConfig struct {
	Dir            string `toml:"dir"`
	ResetOnStartup bool   `toml:"reset_on_startup"`
}

// CrawlerConfig controls sitemap expansion and the fetch scheduler.
type CrawlerConfig struct {
	UserAgent string `toml:"user_agent"`

	// WorkerCount is the fixed size of the fetch worker pool (spec default: 10).
	WorkerCount int `toml:"worker_count"`

	RequestTimeoutSeconds int   `toml:"request_timeout_seconds"`
	SitemapTimeoutSeconds int   `toml:"sitemap_timeout_seconds"`
	MaxBodyBytes          int64 `toml:"max_body_bytes"`

	// MinDomainDelayMillis is the minimum spacing between two requests to
	// the same domain, enforced by the per-domain rate gate.
	MinDomainDelayMillis int `toml:"min_domain_delay_millis"`

	// On HTTP 429, the scheduler backs off a random duration in
	// [MinBackoffSeconds, MaxBackoffSeconds] before retrying that domain.
	MinBackoffSeconds int `toml:"min_backoff_seconds"`
	MaxBackoffSeconds int `toml:"max_backoff_seconds"`
	MaxRetries        int `toml:"max_retries"`
}

// EmbeddingConfig controls the embedding stage's provider client and poll cadence.
type EmbeddingConfig struct {
	ProviderURL           string `toml:"provider_url"`
	Model                 string `toml:"model"`
	Dimension             int    `toml:"dimension"`
	APIKey                string `toml:"api_key"`
	PollIntervalSeconds   int    `toml:"poll_interval_seconds"`
	RequestTimeoutSeconds int    `toml:"request_timeout_seconds"`
}

// VectorDBConfig controls the database stage's upload and FGA grant clients.
type VectorDBConfig struct {
	APIURL                string `toml:"api_url"`
	FGAURL                string `toml:"fga_url"`
	APIKey                string `toml:"api_key"`
	BatchSize             int    `toml:"batch_size"`
	PollIntervalSeconds   int    `toml:"poll_interval_seconds"`
	RequestTimeoutSeconds int    `toml:"request_timeout_seconds"`
}

// ScheduleConfig controls periodic re-expansion of registered sites.
type ScheduleConfig struct {
	// ReExpandCron is a robfig/cron expression, either 5-field standard or
	// 6-field with a leading seconds field. Default (6-field) re-runs the
	// sitemap expander for every non-deleted, non-paused site every 6 hours.
	ReExpandCron string `toml:"re_expand_cron"`
}

// LoggingConfig controls the arbor-backed logging stack.
type LoggingConfig struct {
	Output     []string `toml:"output"` // "console", "file", or both
	Level      string   `toml:"level"`
	TimeFormat string   `toml:"time_format"`
}

// NewDefaultConfig returns the compiled-in baseline configuration.
func NewDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Storage: StorageConfig{
			DataDir: "./data",
			Badger: BadgerConfig{
				Dir:            "./data/.ledger",
				ResetOnStartup: false,
			},
		},
		Crawler: CrawlerConfig{
			UserAgent:             "crawler-bot/1.0 (+https://example.invalid/bot)",
			WorkerCount:           10,
			RequestTimeoutSeconds: 30,
			SitemapTimeoutSeconds: 30,
			MaxBodyBytes:          10 * 1024 * 1024,
			MinDomainDelayMillis:  1000,
			MinBackoffSeconds:     3,
			MaxBackoffSeconds:     7,
			MaxRetries:            3,
		},
		Embedding: EmbeddingConfig{
			ProviderURL:           "http://localhost:11434",
			Model:                 "nomic-embed-text",
			Dimension:             768,
			PollIntervalSeconds:   30,
			RequestTimeoutSeconds: 60,
		},
		VectorDB: VectorDBConfig{
			APIURL:                "http://localhost:8081",
			BatchSize:             100,
			PollIntervalSeconds:   30,
			RequestTimeoutSeconds: 60,
		},
		Schedule: ScheduleConfig{
			ReExpandCron: "0 0 */6 * * *",
		},
		Logging: LoggingConfig{
			Output:     []string{"console", "file"},
			Level:      "info",
			TimeFormat: "15:04:05.000",
		},
		Keys: KeysDirConfig{
			Dir: "./keys",
		},
	}
}

// LoadFromFiles layers zero or more TOML files over the default config, in
// the order given (later files win), then applies environment overrides and
// finally resolves {key-name} references against the keys directory.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for _, path := range paths {
		if path == "" {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(config)

	if kv, err := loadKeyValues(config.Keys.Dir); err == nil && len(kv) > 0 {
		if err := ReplaceInStruct(config, kv, GetLogger()); err != nil {
			return nil, fmt.Errorf("resolving key references: %w", err)
		}
	}

	return config, nil
}

// applyEnvOverrides maps CRAWLER_* environment variables onto the config.
// CLI flags (applied afterward via ApplyFlagOverrides) take priority over these.
func applyEnvOverrides(config *Config) {
	if v := os.Getenv("CRAWLER_SERVER_HOST"); v != "" {
		config.Server.Host = v
	}
	if v := os.Getenv("CRAWLER_SERVER_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Server.Port = n
		}
	}
	if v := os.Getenv("CRAWLER_DATA_DIR"); v != "" {
		config.Storage.DataDir = v
	}
	if v := os.Getenv("CRAWLER_BADGER_DIR"); v != "" {
		config.Storage.Badger.Dir = v
	}
	if v := os.Getenv("CRAWLER_USER_AGENT"); v != "" {
		config.Crawler.UserAgent = v
	}
	if v := os.Getenv("CRAWLER_WORKER_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Crawler.WorkerCount = n
		}
	}
	if v := os.Getenv("CRAWLER_MIN_DOMAIN_DELAY_MILLIS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Crawler.MinDomainDelayMillis = n
		}
	}
	if v := os.Getenv("CRAWLER_EMBEDDING_PROVIDER_URL"); v != "" {
		config.Embedding.ProviderURL = v
	}
	if v := os.Getenv("CRAWLER_EMBEDDING_API_KEY"); v != "" {
		config.Embedding.APIKey = v
	}
	if v := os.Getenv("CRAWLER_VECTORDB_API_URL"); v != "" {
		config.VectorDB.APIURL = v
	}
	if v := os.Getenv("CRAWLER_VECTORDB_API_KEY"); v != "" {
		config.VectorDB.APIKey = v
	}
	if v := os.Getenv("CRAWLER_LOG_LEVEL"); v != "" {
		config.Logging.Level = v
	}
	if v := os.Getenv("CRAWLER_LOG_OUTPUT"); v != "" {
		config.Logging.Output = strings.Split(v, ",")
	}
}

// ApplyFlagOverrides applies CLI flag values, which take the highest
// precedence of all four configuration layers. Empty/zero values are
// treated as "flag not set" and left untouched.
func ApplyFlagOverrides(config *Config, host string, port int) {
	if host != "" {
		config.Server.Host = host
	}
	if port != 0 {
		config.Server.Port = port
	}
}

// ValidateReExpandSchedule parses the configured cron expression and
// rejects schedules more than six fields or otherwise malformed; it accepts
// both standard 5-field and seconds-prefixed 6-field expressions since the
// default uses seconds precision.
func ValidateReExpandSchedule(expr string) error {
	if _, err := cron.ParseStandard(expr); err == nil {
		return nil
	}
	parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	if _, err := parser.Parse(expr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return nil
}

// loadKeyValues reads every *.toml file in dir and flattens their
// [section] value = "..." entries into a single key -> value map, keyed by
// section name, for use with ReplaceInStruct/ReplaceKeyReferences.
func loadKeyValues(dir string) (map[string]string, error) {
	if dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	result := make(map[string]string)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".toml") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			continue
		}
		var sections map[string]struct {
			Value       string `toml:"value"`
			Description string `toml:"description"`
		}
		if err := toml.Unmarshal(data, &sections); err != nil {
			continue
		}
		for name, section := range sections {
			result[name] = section.Value
		}
	}
	return result, nil
}
