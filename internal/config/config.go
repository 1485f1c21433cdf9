package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var DefaultConfigYAML []byte

const (
	useV2Env         = "REGBRIEF_USE_V2_DB"
	storeDriverEnv   = "REGBRIEF_STORE_DRIVER"
	listenPortEnv    = "REGBRIEF_LISTEN_PORT"
	logLevelEnv      = "REGBRIEF_LOG_LEVEL"
	reportProfileEnv = "REGBRIEF_REPORT_PROFILE"
)

type Config struct {
	Store     Store     `yaml:"store"`
	Report    Report    `yaml:"report"`
	Workflow  Workflow  `yaml:"workflow"`
	Auth      Auth      `yaml:"auth"`
	Watermark Watermark `yaml:"watermark"`
	Redis     Redis     `yaml:"redis"`
	Server    Server    `yaml:"server"`
	Logging   Logging   `yaml:"logging"`
}

// Store selects the article backend. UseV2 flips every read and write
// between the two configured backends at once.
type Store struct {
	Driver       string        `yaml:"driver"`
	DataDir      string        `yaml:"data_dir"`
	UseV2        bool          `yaml:"use_v2"`
	V1           Backend       `yaml:"v1"`
	V2           Backend       `yaml:"v2"`
	ListLimit    int           `yaml:"list_limit"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

type Backend struct {
	Path   string `yaml:"path"`
	URLEnv string `yaml:"url_env"`
}

type Report struct {
	Provider        string        `yaml:"provider"`
	Model           string        `yaml:"model"`
	APIKeyEnv       string        `yaml:"api_key_env"`
	OpenAIModel     string        `yaml:"openai_model"`
	OpenAIBaseURL   string        `yaml:"openai_base_url"`
	OpenAIAPIKeyEnv string        `yaml:"openai_api_key_env"`
	Profile         string        `yaml:"profile"`
	Timeout         time.Duration `yaml:"timeout"`
	MaxTokens       int           `yaml:"max_tokens"`
	FetchSource     bool          `yaml:"fetch_source"`
	LockTTL         time.Duration `yaml:"lock_ttl"`
}

type Workflow struct {
	APIURL       string        `yaml:"api_url"`
	Owner        string        `yaml:"owner"`
	Repo         string        `yaml:"repo"`
	File         string        `yaml:"file"`
	Ref          string        `yaml:"ref"`
	TokenEnv     string        `yaml:"token_env"`
	PerPage      int           `yaml:"per_page"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

type Auth struct {
	PasscodeEnv  string        `yaml:"passcode_env"`
	CookieMaxAge time.Duration `yaml:"cookie_max_age"`
}

type Watermark struct {
	TouchDelay time.Duration `yaml:"touch_delay"`
	File       string        `yaml:"file"`
}

type Redis struct {
	URLEnv string `yaml:"url_env"`
}

type Server struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type Logging struct {
	Level string `yaml:"level"`
}

// ConfigDir returns the XDG config directory for regbrief.
func ConfigDir() string {
	return filepath.Join(homeDir(), ".config", "regbrief")
}

// DataDir returns the XDG data directory for regbrief.
func DataDir() string {
	return filepath.Join(homeDir(), ".local", "share", "regbrief")
}

// ResolveConfigPath finds the config file following priority:
// explicit path > ~/.config/regbrief/config.yaml > ./config.yaml
func ResolveConfigPath(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	xdgConfig := filepath.Join(ConfigDir(), "config.yaml")
	if _, err := os.Stat(xdgConfig); err == nil {
		return xdgConfig, nil
	}

	cwdConfig := "config.yaml"
	if _, err := os.Stat(cwdConfig); err == nil {
		return cwdConfig, nil
	}

	return "", fmt.Errorf(
		"no config file found; searched:\n  %s\n  ./config.yaml\n\nRun 'regbrief init' to create a default config",
		xdgConfig,
	)
}

// Load reads and parses a config YAML file, then applies environment overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	cfg, err := parse(data)
	if err != nil {
		return nil, err
	}
	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// parse parses YAML bytes into a Config, applying defaults.
func parse(data []byte) (*Config, error) {
	cfg := &Config{
		Store: Store{
			Driver:       "sqlite",
			V1:           Backend{Path: "regbrief.db", URLEnv: "REGBRIEF_DATABASE_URL"},
			V2:           Backend{Path: "regbrief_v2.db", URLEnv: "REGBRIEF_DATABASE_URL_V2"},
			ListLimit:    1000,
			PollInterval: 2 * time.Second,
		},
		Report: Report{
			Provider:        "gemini",
			Model:           "gemini-3-flash-preview",
			APIKeyEnv:       "GEMINI_API_KEY",
			OpenAIModel:     "gpt-4o-mini",
			OpenAIBaseURL:   "https://api.openai.com/v1",
			OpenAIAPIKeyEnv: "OPENAI_API_KEY",
			Profile:         "briefing",
			Timeout:         90 * time.Second,
			MaxTokens:       4096,
			LockTTL:         2 * time.Minute,
		},
		Workflow: Workflow{
			APIURL:       "https://api.github.com",
			File:         "news_collector.yml",
			Ref:          "main",
			TokenEnv:     "GITHUB_TOKEN",
			PerPage:      5,
			PollInterval: 5 * time.Second,
		},
		Auth: Auth{
			PasscodeEnv:  "REGBRIEF_PASSCODE",
			CookieMaxAge: 24 * time.Hour,
		},
		Watermark: Watermark{TouchDelay: 3 * time.Second},
		Redis:     Redis{URLEnv: "REDIS_URL"},
		Server:    Server{Host: "127.0.0.1", Port: 8000},
		Logging:   Logging{Level: "INFO"},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	return cfg, nil
}

func (c *Config) applyEnvOverrides() error {
	if v := os.Getenv(useV2Env); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", useV2Env, err)
		}
		c.Store.UseV2 = b
	}
	if v := os.Getenv(storeDriverEnv); v != "" {
		c.Store.Driver = strings.ToLower(v)
	}
	if v := os.Getenv(listenPortEnv); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", listenPortEnv, err)
		}
		c.Server.Port = port
	}
	if v := os.Getenv(logLevelEnv); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv(reportProfileEnv); v != "" {
		c.Report.Profile = v
	}
	return nil
}

// ActiveBackend returns the store backend selected by the v1/v2 switch.
func (c *Config) ActiveBackend() Backend {
	if c.Store.UseV2 {
		return c.Store.V2
	}
	return c.Store.V1
}

// SQLitePath resolves the active backend's database file.
func (c *Config) SQLitePath() string {
	p := c.ActiveBackend().Path
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.GetDataDir(), p)
}

// DatabaseURL reads the active backend's DSN from its environment variable.
func (c *Config) DatabaseURL() string {
	return secret(c.ActiveBackend().URLEnv)
}

// GetDataDir returns the effective data directory from config or XDG default.
func (c *Config) GetDataDir() string {
	if c.Store.DataDir != "" {
		return c.Store.DataDir
	}
	return DataDir()
}

// WatermarkFile is where the CLI keeps its last-visit marker.
func (c *Config) WatermarkFile() string {
	if c.Watermark.File != "" {
		return c.Watermark.File
	}
	return filepath.Join(ConfigDir(), "last_visit")
}

func (c *Config) InferenceAPIKey() string {
	if strings.EqualFold(strings.TrimSpace(c.Report.Provider), "openai") {
		return secret(c.Report.OpenAIAPIKeyEnv)
	}
	return secret(c.Report.APIKeyEnv)
}

func (c *Config) WorkflowToken() string { return secret(c.Workflow.TokenEnv) }
func (c *Config) Passcode() string      { return secret(c.Auth.PasscodeEnv) }
func (c *Config) RedisURL() string      { return secret(c.Redis.URLEnv) }

func secret(env string) string {
	if env == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(env))
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
