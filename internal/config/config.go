package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for the stratflow service.
type Config struct {
	Storage    Storage    `yaml:"storage"`
	Server     Server     `yaml:"server"`
	Alpaca     Alpaca     `yaml:"alpaca"`
	Logging    Logging    `yaml:"logging"`
	Workflow   Workflow   `yaml:"workflow"`
	Extraction Endpoint   `yaml:"extraction"`
	Generation Generation `yaml:"generation"`
	Execution  Endpoint   `yaml:"execution"`
}

// Storage holds paths for data persistence.
type Storage struct {
	DataDir    string `yaml:"data_dir"`
	SQLitePath string `yaml:"sqlite_path"`
}

// Server holds network listener configuration.
type Server struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	GRPCPort int    `yaml:"grpc_port"`
}

// Alpaca holds credentials used to validate ticker symbols against the
// Alpaca asset list. Validation is disabled when APIKey is empty.
type Alpaca struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	BaseURL   string `yaml:"base_url"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Workflow tunes the conversation session.
type Workflow struct {
	MaxAttempts      int           `yaml:"max_attempts"`
	BaseDelay        time.Duration `yaml:"base_delay"`
	ExtractTimeout   time.Duration `yaml:"extract_timeout"`
	GenerateTimeout  time.Duration `yaml:"generate_timeout"`
	ExecuteTimeout   time.Duration `yaml:"execute_timeout"`
	LowConfidence    float64       `yaml:"low_confidence"`
	Locale           string        `yaml:"locale"`
	Currency         string        `yaml:"currency"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	SubscriberBuffer int           `yaml:"subscriber_buffer"`
	DefaultIntent    string        `yaml:"default_intent"`
	ManualGenerate   bool          `yaml:"manual_generate"`
}

// Endpoint describes a remote collaborator reached over HTTP, or served by
// OpenAI or a local simulator depending on Provider.
type Endpoint struct {
	Provider        string `yaml:"provider"`
	URL             string `yaml:"url"`
	APIKey          string `yaml:"api_key"`
	Model           string `yaml:"model"`
	RateLimitPerMin int    `yaml:"rate_limit_per_min"`
}

// Generation extends Endpoint with the streaming switch.
type Generation struct {
	Endpoint `yaml:",inline"`
	Stream   bool `yaml:"stream"`
}

// Provider names.
const (
	ProviderHTTP      = "http"
	ProviderOpenAI    = "openai"
	ProviderSimulator = "simulator"
)

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Default returns a Config populated with built-in defaults.
func Default() *Config {
	return &Config{
		Storage: Storage{
			DataDir:    "data",
			SQLitePath: "data/stratflow.db",
		},
		Server: Server{
			Host:     "127.0.0.1",
			Port:     8080,
			GRPCPort: 9090,
		},
		Alpaca: Alpaca{BaseURL: "https://paper-api.alpaca.markets"},
		Logging: Logging{
			Level:  "info",
			Format: "json",
		},
		Workflow: Workflow{
			MaxAttempts:      3,
			BaseDelay:        500 * time.Millisecond,
			ExtractTimeout:   30 * time.Second,
			GenerateTimeout:  2 * time.Minute,
			ExecuteTimeout:   time.Minute,
			LowConfidence:    0.6,
			Locale:           "en-US",
			Currency:         "USD",
			IdleTimeout:      time.Hour,
			SubscriberBuffer: 64,
			DefaultIntent:    "backtest",
		},
		Extraction: Endpoint{Provider: ProviderOpenAI, Model: "gpt-4o-mini", RateLimitPerMin: 60},
		Generation: Generation{
			Endpoint: Endpoint{Provider: ProviderOpenAI, Model: "gpt-4o", RateLimitPerMin: 30},
			Stream:   true,
		},
		Execution: Endpoint{Provider: ProviderSimulator},
	}
}

// Load reads the YAML configuration file at the given path on top of the
// defaults and then applies environment variable overrides. An empty path
// skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	}

	applyEnvOverrides(cfg)

	return cfg, nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("STRATFLOW_DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("STRATFLOW_SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}
	if v := os.Getenv("STRATFLOW_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("STRATFLOW_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = n
		}
	}
	if v := os.Getenv("STRATFLOW_GRPC_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Server.GRPCPort = n
		}
	}

	if v := os.Getenv("STRATFLOW_EXTRACTION_URL"); v != "" {
		cfg.Extraction.URL = v
	}
	if v := os.Getenv("STRATFLOW_GENERATION_URL"); v != "" {
		cfg.Generation.URL = v
	}
	if v := os.Getenv("STRATFLOW_EXECUTION_URL"); v != "" {
		cfg.Execution.URL = v
	}

	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		if cfg.Extraction.APIKey == "" {
			cfg.Extraction.APIKey = v
		}
		if cfg.Generation.APIKey == "" {
			cfg.Generation.APIKey = v
		}
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	// Standard Alpaca env vars (canonical names used by the SDK).
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Alpaca.APISecret = v
	}
	if v := os.Getenv("APCA_API_BASE_URL"); v != "" {
		cfg.Alpaca.BaseURL = v
	}
}
