// Package config handles toque configuration loading.
//
// Configuration comes from three layers, later layers winning: built-in
// defaults, an optional YAML file (with ${VAR} expansion), and a small
// set of environment overrides for secrets and deployment knobs.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order used when
// no explicit path is given.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "toque", "config.yaml"))
	}
	return append(paths, "/etc/toque/config.yaml")
}

// FindConfig locates a config file. An explicit path must exist.
// Without one, the first existing entry of DefaultSearchPaths wins and
// an empty path (not an error) means "run on defaults and environment".
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}
	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", nil
}

// Config holds all toque configuration.
type Config struct {
	Listen   ListenConfig   `yaml:"listen"`
	DataDir  string         `yaml:"data_dir" validate:"required"`
	Database DatabaseConfig `yaml:"database"`
	Journal  JournalConfig  `yaml:"journal"`
	LLM      LLMConfig      `yaml:"llm"`
	Search   SearchConfig   `yaml:"search"`
	Geocode  GeocodeConfig  `yaml:"geocode"`
	Agent    AgentConfig    `yaml:"agent"`
	Enrich   EnrichConfig   `yaml:"enrich"`
	Sessions SessionsConfig `yaml:"sessions"`
	Events   EventsConfig   `yaml:"events"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format" validate:"omitempty,oneof=text json"`
	// LogFile enables a rotating log file in addition to stdout.
	LogFile string `yaml:"log_file"`
}

// ListenConfig defines the HTTP server settings.
type ListenConfig struct {
	Address      string        `yaml:"address"`
	Port         int           `yaml:"port" validate:"min=1,max=65535"`
	SSEKeepalive time.Duration `yaml:"sse_keepalive"`
}

// DatabaseConfig selects the chef record store. An empty URL means a
// SQLite file under DataDir; postgres:// URLs use the pgx driver.
type DatabaseConfig struct {
	URL        string        `yaml:"url"`
	Retries    int           `yaml:"retries" validate:"min=0,max=10"`
	RetryDelay time.Duration `yaml:"retry_delay"`
	Seed       bool          `yaml:"seed"`
}

// JournalConfig locates the agent journal file.
type JournalConfig struct {
	Path string `yaml:"path"`
}

// LLMConfig defines the inference backends, tried in order.
type LLMConfig struct {
	OpenRouterAPIKey string          `yaml:"openrouter_api_key"`
	BaseURL          string          `yaml:"base_url" validate:"required,url"`
	SiteURL          string          `yaml:"site_url"`
	SiteName         string          `yaml:"site_name"`
	Temperature      float32         `yaml:"temperature" validate:"min=0,max=2"`
	MaxTokens        int             `yaml:"max_tokens" validate:"min=1"`
	Timeout          time.Duration   `yaml:"timeout"`
	Backends         []BackendConfig `yaml:"backends" validate:"required,min=1,dive"`
	// EnrichModel drafts search prompts and parses answers in the
	// batch enrichment pipeline.
	EnrichModel string `yaml:"enrich_model"`
}

// BackendConfig is one entry in the ranked fallback list.
type BackendConfig struct {
	Provider string `yaml:"provider" validate:"required,oneof=openrouter langchain"`
	Model    string `yaml:"model" validate:"required"`
}

// SearchConfig defines web search providers.
type SearchConfig struct {
	Primary          string        `yaml:"primary" validate:"oneof=perplexity brave searxng"`
	PerplexityAPIKey string        `yaml:"perplexity_api_key"`
	PerplexityModel  string        `yaml:"perplexity_model"`
	BraveAPIKey      string        `yaml:"brave_api_key"`
	SearXNGURL       string        `yaml:"searxng_url" validate:"omitempty,url"`
	CacheTTL         time.Duration `yaml:"cache_ttl"`
}

// GeocodeConfig defines the address resolver.
type GeocodeConfig struct {
	Provider       string        `yaml:"provider" validate:"oneof=nominatim geoapify"`
	NominatimURL   string        `yaml:"nominatim_url" validate:"omitempty,url"`
	GeoapifyAPIKey string        `yaml:"geoapify_api_key"`
	CacheTTL       time.Duration `yaml:"cache_ttl"`
}

// AgentConfig tunes the scheduled curation loop.
type AgentConfig struct {
	PersonaName    string        `yaml:"persona_name"`
	MaxIterations  int           `yaml:"max_iterations" validate:"min=1,max=100"`
	IterationDelay time.Duration `yaml:"iteration_delay"`
	CheckInterval  time.Duration `yaml:"check_interval" validate:"min=0"`
	SummaryRecords int           `yaml:"summary_records" validate:"min=1"`
}

// EnrichConfig tunes the batch completeness pipeline.
type EnrichConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Interval       time.Duration `yaml:"interval"`
	MaxAttempts    int           `yaml:"max_attempts" validate:"min=1"`
	StaleAfter     time.Duration `yaml:"stale_after"`
	RequiredFields []string      `yaml:"required_fields" validate:"min=1"`
}

// SessionsConfig controls interactive chat sessions. When RedisURL is
// set, conversation history lives in Redis instead of process memory.
type SessionsConfig struct {
	TTL      time.Duration `yaml:"ttl"`
	RedisURL string        `yaml:"redis_url"`
}

// EventsConfig configures optional bridges that mirror the internal
// event bus to external brokers.
type EventsConfig struct {
	NATSURL string     `yaml:"nats_url"`
	MQTT    MQTTConfig `yaml:"mqtt"`
}

// MQTTConfig defines the MQTT event bridge.
type MQTTConfig struct {
	Broker     string `yaml:"broker"`
	Username   string `yaml:"username"`
	Password   string `yaml:"password"`
	DeviceName string `yaml:"device_name"`
}

// Configured reports whether an MQTT broker is set.
func (c MQTTConfig) Configured() bool {
	return c.Broker != ""
}

// envOverrides are read from TOQUE_-prefixed variables, with the bare
// names accepted as a fallback (OPENROUTER_API_KEY, DATABASE_URL, ...).
type envOverrides struct {
	OpenRouterAPIKey string        `envconfig:"OPENROUTER_API_KEY"`
	PerplexityAPIKey string        `envconfig:"PERPLEXITY_API_KEY"`
	BraveAPIKey      string        `envconfig:"BRAVE_API_KEY"`
	GeoapifyAPIKey   string        `envconfig:"GEOAPIFY_API_KEY"`
	DatabaseURL      string        `envconfig:"DATABASE_URL"`
	RedisURL         string        `envconfig:"REDIS_URL"`
	NATSURL          string        `envconfig:"NATS_URL"`
	ListenPort       int           `envconfig:"LISTEN_PORT"`
	DataDir          string        `envconfig:"DATA_DIR"`
	LogLevel         string        `envconfig:"LOG_LEVEL"`
	CheckInterval    time.Duration `envconfig:"CHECK_INTERVAL"`
	SiteURL          string        `envconfig:"SITE_URL"`
	SiteName         string        `envconfig:"SITE_NAME"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Listen:  ListenConfig{Port: 8080, SSEKeepalive: 60 * time.Second},
		DataDir: "./data",
		Database: DatabaseConfig{
			Retries:    3,
			RetryDelay: 2 * time.Second,
			Seed:       true,
		},
		LLM: LLMConfig{
			BaseURL:     "https://openrouter.ai/api/v1",
			SiteURL:     "http://localhost:8080",
			SiteName:    "Toque Agent",
			Temperature: 0.2,
			MaxTokens:   1500,
			Timeout:     90 * time.Second,
			Backends: []BackendConfig{
				{Provider: "openrouter", Model: "google/gemini-2.0-flash-exp:free"},
				{Provider: "openrouter", Model: "google/gemini-2.5-pro-exp-03-25:free"},
				{Provider: "openrouter", Model: "openai/gpt-4o-mini"},
				{Provider: "openrouter", Model: "openai/gpt-4.1-mini"},
			},
			EnrichModel: "deepseek/deepseek-chat-v3-0324:free",
		},
		Search: SearchConfig{
			Primary:         "perplexity",
			PerplexityModel: "sonar",
			CacheTTL:        6 * time.Hour,
		},
		Geocode: GeocodeConfig{
			Provider:     "nominatim",
			NominatimURL: "https://nominatim.openstreetmap.org",
			CacheTTL:     24 * time.Hour,
		},
		Agent: AgentConfig{
			PersonaName:    "StephAI Botenberg",
			MaxIterations:  12,
			IterationDelay: time.Second,
			CheckInterval:  2 * time.Hour,
			SummaryRecords: 20,
		},
		Enrich: EnrichConfig{
			Enabled:        true,
			Interval:       24 * time.Hour,
			MaxAttempts:    4,
			StaleAfter:     90 * 24 * time.Hour,
			RequiredFields: []string{"restaurant_name", "address", "season"},
		},
		Sessions: SessionsConfig{TTL: time.Hour},
		Events: EventsConfig{
			MQTT: MQTTConfig{DeviceName: "toque"},
		},
		LogLevel:  "info",
		LogFormat: "text",
	}
}

// LoadDotEnv loads .env and then .env.<env> (overriding) from dir.
// Missing files are skipped.
func LoadDotEnv(dir, env string) error {
	base := filepath.Join(dir, ".env")
	if _, err := os.Stat(base); err == nil {
		if err := godotenv.Load(base); err != nil {
			return fmt.Errorf("load %s: %w", base, err)
		}
	}
	if env == "" {
		return nil
	}
	scoped := filepath.Join(dir, ".env."+env)
	if _, err := os.Stat(scoped); err == nil {
		if err := godotenv.Overload(scoped); err != nil {
			return fmt.Errorf("load %s: %w", scoped, err)
		}
	}
	return nil
}

// Load reads configuration from a YAML file layered over Default and
// applies environment overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	var env envOverrides
	if err := envconfig.Process("toque", &env); err != nil {
		return fmt.Errorf("environment: %w", err)
	}

	setString := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	setString(&c.LLM.OpenRouterAPIKey, env.OpenRouterAPIKey)
	setString(&c.Search.PerplexityAPIKey, env.PerplexityAPIKey)
	setString(&c.Search.BraveAPIKey, env.BraveAPIKey)
	setString(&c.Geocode.GeoapifyAPIKey, env.GeoapifyAPIKey)
	setString(&c.Database.URL, env.DatabaseURL)
	setString(&c.Sessions.RedisURL, env.RedisURL)
	setString(&c.Events.NATSURL, env.NATSURL)
	setString(&c.DataDir, env.DataDir)
	setString(&c.LogLevel, env.LogLevel)
	setString(&c.LLM.SiteURL, env.SiteURL)
	setString(&c.LLM.SiteName, env.SiteName)
	if env.ListenPort != 0 {
		c.Listen.Port = env.ListenPort
	}
	if env.CheckInterval != 0 {
		c.Agent.CheckInterval = env.CheckInterval
	}
	return nil
}

// Validate checks field constraints and cross-field rules.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Geocode.Provider == "geoapify" && c.Geocode.GeoapifyAPIKey == "" {
		return fmt.Errorf("invalid config: geocode.geoapify_api_key is required for the geoapify provider")
	}
	return nil
}

// DatabaseDriver returns the database/sql driver name and DSN for the
// chef store.
func (c *Config) DatabaseDriver() (driver, dsn string) {
	url := c.Database.URL
	switch {
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		return "pgx", url
	case strings.HasPrefix(url, "sqlite://"):
		return "sqlite3", strings.TrimPrefix(url, "sqlite://")
	case url != "":
		return "sqlite3", url
	default:
		return "sqlite3", filepath.Join(c.DataDir, "toque.db")
	}
}

// JournalPath returns the journal file location.
func (c *Config) JournalPath() string {
	if c.Journal.Path != "" {
		return c.Journal.Path
	}
	return filepath.Join(c.DataDir, "journal.json")
}
