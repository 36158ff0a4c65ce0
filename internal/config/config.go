package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	HTTPAddr string `yaml:"http_addr"`
	DataDir  string `yaml:"data_dir"`
	DBPath   string `yaml:"db_path"`
	// DBBusyTimeout bounds how long sqlite waits on a locked database.
	DBBusyTimeout time.Duration `yaml:"db_busy_timeout"`
	EventsPath    string        `yaml:"events_path"`
	WebDir        string        `yaml:"web_dir"`
	// RestartToken guards the admin restart endpoint when set.
	RestartToken string `yaml:"restart_token"`

	StoreBackend string   `yaml:"store_backend"`
	PostgresDSN  string   `yaml:"postgres_dsn"`
	S3           S3Config `yaml:"s3"`

	LLMProvider string        `yaml:"llm_provider"`
	LLMBaseURL  string        `yaml:"llm_base_url"`
	LLMModel    string        `yaml:"llm_model"`
	LLMAPIKey   string        `yaml:"llm_api_key"`
	LLMTimeout  time.Duration `yaml:"llm_timeout"`

	AgentInitialDelay  time.Duration `yaml:"agent_initial_delay"`
	AgentInterval      time.Duration `yaml:"agent_interval"`
	AgentRetryInterval time.Duration `yaml:"agent_retry_interval"`
	AgentBatchSize     int           `yaml:"agent_batch_size"`
	StreamPacing       time.Duration `yaml:"stream_pacing"`
	DedupTTL           time.Duration `yaml:"dedup_ttl"`
}

type S3Config struct {
	Bucket   string `yaml:"bucket"`
	Key      string `yaml:"key"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
}

var validBackends = map[string]struct{}{"file": {}, "sqlite": {}, "postgres": {}, "s3": {}}

var validProviders = map[string]struct{}{"openai-chat": {}, "openai-responses": {}, "anthropic": {}, "google": {}}

func Defaults() Config {
	return Config{
		HTTPAddr:           ":8080",
		DataDir:            "data",
		WebDir:             "web",
		DBBusyTimeout:      5 * time.Second,
		StoreBackend:       "file",
		S3:                 S3Config{Key: "events.json", Region: "us-east-1"},
		LLMProvider:        "openai-chat",
		LLMBaseURL:         "https://api.openai.com/v1",
		LLMModel:           "gpt-4o",
		LLMTimeout:         60 * time.Second,
		AgentInitialDelay:  5 * time.Second,
		AgentInterval:      5 * time.Minute,
		AgentRetryInterval: 30 * time.Second,
		AgentBatchSize:     3,
		StreamPacing:       500 * time.Millisecond,
		DedupTTL:           7 * 24 * time.Hour,
	}
}

// Load layers defaults, the optional WATCHTOWER_CONFIG YAML file and the
// environment (including .env, which never overrides variables already set).
func Load() (Config, error) {
	_ = godotenv.Load(".env")

	cfg := Defaults()
	if path := os.Getenv("WATCHTOWER_CONFIG"); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.DataDir, "watchtower.db")
	}
	if cfg.EventsPath == "" {
		cfg.EventsPath = filepath.Join(cfg.DataDir, "events.json")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("config file %s not found", path)
	}
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	cfg.HTTPAddr = getEnv("WATCHTOWER_HTTP_ADDR", cfg.HTTPAddr)
	cfg.DataDir = getEnv("WATCHTOWER_DATA_DIR", cfg.DataDir)
	cfg.DBPath = getEnv("WATCHTOWER_DB_PATH", cfg.DBPath)
	cfg.EventsPath = getEnv("WATCHTOWER_EVENTS_PATH", cfg.EventsPath)
	cfg.WebDir = getEnv("WATCHTOWER_WEB_DIR", cfg.WebDir)
	cfg.RestartToken = getEnv("WATCHTOWER_RESTART_TOKEN", cfg.RestartToken)

	cfg.StoreBackend = strings.ToLower(getEnv("WATCHTOWER_STORE_BACKEND", cfg.StoreBackend))
	cfg.PostgresDSN = getEnv("WATCHTOWER_POSTGRES_DSN", cfg.PostgresDSN)
	cfg.S3.Bucket = getEnv("WATCHTOWER_S3_BUCKET", cfg.S3.Bucket)
	cfg.S3.Key = getEnv("WATCHTOWER_S3_KEY", cfg.S3.Key)
	cfg.S3.Region = getEnv("WATCHTOWER_S3_REGION", cfg.S3.Region)
	cfg.S3.Endpoint = getEnv("WATCHTOWER_S3_ENDPOINT", cfg.S3.Endpoint)

	cfg.LLMProvider = strings.ToLower(getEnv("WATCHTOWER_LLM_PROVIDER", cfg.LLMProvider))
	cfg.LLMBaseURL = getEnv("WATCHTOWER_LLM_BASE_URL", cfg.LLMBaseURL)
	cfg.LLMModel = getEnv("WATCHTOWER_LLM_MODEL", cfg.LLMModel)
	cfg.LLMAPIKey = getEnv("WATCHTOWER_LLM_API_KEY", getEnv("OPENAI_API_KEY", cfg.LLMAPIKey))

	var err error
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"WATCHTOWER_DB_BUSY_TIMEOUT", &cfg.DBBusyTimeout},
		{"WATCHTOWER_LLM_TIMEOUT", &cfg.LLMTimeout},
		{"WATCHTOWER_AGENT_INITIAL_DELAY", &cfg.AgentInitialDelay},
		{"WATCHTOWER_AGENT_INTERVAL", &cfg.AgentInterval},
		{"WATCHTOWER_AGENT_RETRY_INTERVAL", &cfg.AgentRetryInterval},
		{"WATCHTOWER_STREAM_PACING", &cfg.StreamPacing},
		{"WATCHTOWER_DEDUP_TTL", &cfg.DedupTTL},
	}
	for _, d := range durations {
		if *d.dst, err = getDuration(d.key, *d.dst); err != nil {
			return err
		}
	}
	if cfg.AgentBatchSize, err = getInt("WATCHTOWER_AGENT_BATCH_SIZE", cfg.AgentBatchSize); err != nil {
		return err
	}
	return nil
}

func (c Config) Validate() error {
	if _, ok := validBackends[c.StoreBackend]; !ok {
		return fmt.Errorf("unknown store backend %q", c.StoreBackend)
	}
	if c.StoreBackend == "postgres" && c.PostgresDSN == "" {
		return fmt.Errorf("WATCHTOWER_POSTGRES_DSN is required for the postgres backend")
	}
	if c.StoreBackend == "s3" && c.S3.Bucket == "" {
		return fmt.Errorf("WATCHTOWER_S3_BUCKET is required for the s3 backend")
	}
	if _, ok := validProviders[c.LLMProvider]; !ok {
		return fmt.Errorf("unknown llm provider %q", c.LLMProvider)
	}
	if c.AgentBatchSize <= 0 {
		return fmt.Errorf("agent batch size must be positive")
	}
	for name, d := range map[string]time.Duration{
		"db busy timeout":     c.DBBusyTimeout,
		"llm timeout":         c.LLMTimeout,
		"agent initial delay": c.AgentInitialDelay,
		"stream pacing":       c.StreamPacing,
	} {
		if d < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	// A zero interval would spin the agent loop.
	for name, d := range map[string]time.Duration{
		"agent interval":       c.AgentInterval,
		"agent retry interval": c.AgentRetryInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func getInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}
