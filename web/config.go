// ABOUTME: Server configuration from RESEARCHER_* environment variables with optional YAML overlay.
// ABOUTME: Enforces security constraint: remote access requires auth token.
package web

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ConfigError represents configuration validation errors.
var (
	ErrRemoteWithoutToken = errors.New(
		"RESEARCHER_ALLOW_REMOTE is true but RESEARCHER_AUTH_TOKEN is not set; refusing to start without authentication",
	)
	ErrNonLoopbackBind = errors.New(
		"RESEARCHER_BIND is a non-loopback address but RESEARCHER_ALLOW_REMOTE is not true; set RESEARCHER_ALLOW_REMOTE=true and RESEARCHER_AUTH_TOKEN to allow remote access",
	)
)

// Config holds server configuration. Precedence, lowest to highest:
// built-in defaults, the YAML config file, RESEARCHER_* environment
// variables.
type Config struct {
	DataDir     string `yaml:"data_dir"`     // Digest history directory (RESEARCHER_DATA_DIR, default: ~/.market-researcher)
	Bind        string `yaml:"bind"`         // Socket address (RESEARCHER_BIND, default: 127.0.0.1:7910)
	AllowRemote bool   `yaml:"allow_remote"` // Allow non-loopback connections (RESEARCHER_ALLOW_REMOTE, default: false)
	AuthToken   string `yaml:"auth_token"`   // Bearer token for API auth (RESEARCHER_AUTH_TOKEN, optional)
	CORSOrigin  string `yaml:"cors_origin"`  // Allowed browser origin (RESEARCHER_CORS_ORIGIN, default: *)

	TavilyAPIKey string `yaml:"tavily_api_key"` // Search API key (RESEARCHER_TAVILY_API_KEY or TAVILY_API_KEY)
	GroqAPIKey   string `yaml:"groq_api_key"`   // LLM API key (RESEARCHER_GROQ_API_KEY or GROQ_API_KEY)

	ReportModel  string `yaml:"report_model"`  // Model for reports and summaries (RESEARCHER_REPORT_MODEL)
	MetricsModel string `yaml:"metrics_model"` // Model for metric extraction (RESEARCHER_METRICS_MODEL)

	DeepResearch  bool   `yaml:"deep_research"`  // Enable async deep-research jobs (RESEARCHER_DEEP_RESEARCH)
	ResearchModel string `yaml:"research_model"` // Model for deep-research jobs (RESEARCHER_RESEARCH_MODEL)

	MaxWorkers int `yaml:"max_workers"` // Per-stage fan-out bound (RESEARCHER_MAX_WORKERS)
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	dataDir := ""
	if homeDir, err := os.UserHomeDir(); err == nil {
		dataDir = filepath.Join(homeDir, ".market-researcher")
	} else {
		dataDir = filepath.Join("/tmp", ".market-researcher")
	}
	return Config{
		DataDir:      dataDir,
		Bind:         "127.0.0.1:7910",
		CORSOrigin:   "*",
		ReportModel:  "openai/gpt-oss-120b",
		MetricsModel: "llama-3.3-70b-versatile",
	}
}

// LoadConfig builds the configuration: defaults, then the YAML file at
// path (skipped when path is empty), then environment variables, then
// validation.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	setString(&c.DataDir, "RESEARCHER_DATA_DIR")
	setString(&c.Bind, "RESEARCHER_BIND")
	setBool(&c.AllowRemote, "RESEARCHER_ALLOW_REMOTE")
	setString(&c.AuthToken, "RESEARCHER_AUTH_TOKEN")
	setString(&c.CORSOrigin, "RESEARCHER_CORS_ORIGIN")
	setString(&c.TavilyAPIKey, "RESEARCHER_TAVILY_API_KEY", "TAVILY_API_KEY")
	setString(&c.GroqAPIKey, "RESEARCHER_GROQ_API_KEY", "GROQ_API_KEY")
	setString(&c.ReportModel, "RESEARCHER_REPORT_MODEL")
	setString(&c.MetricsModel, "RESEARCHER_METRICS_MODEL")
	setBool(&c.DeepResearch, "RESEARCHER_DEEP_RESEARCH")
	setString(&c.ResearchModel, "RESEARCHER_RESEARCH_MODEL")
	setInt(&c.MaxWorkers, "RESEARCHER_MAX_WORKERS")
}

// Validate enforces the bind security model: remote access requires a
// token, and non-loopback binds require an explicit remote opt-in.
// Both IP literals and hostnames are checked; only 127.0.0.0/8, ::1,
// and "localhost" count as safe.
func (c *Config) Validate() error {
	if c.AllowRemote && c.AuthToken == "" {
		return ErrRemoteWithoutToken
	}

	if !c.AllowRemote {
		if host, _, err := net.SplitHostPort(c.Bind); err == nil && host != "" {
			ip := net.ParseIP(host)
			switch {
			case ip != nil && ip.IsLoopback():
				// Safe: 127.x.x.x or ::1
			case ip != nil:
				return fmt.Errorf("%w: RESEARCHER_BIND=%s", ErrNonLoopbackBind, c.Bind)
			case host == "localhost":
				// Safe: conventional loopback hostname
			default:
				return fmt.Errorf("%w: RESEARCHER_BIND=%s", ErrNonLoopbackBind, c.Bind)
			}
		}
	}
	return nil
}

func setString(dst *string, keys ...string) {
	for _, key := range keys {
		if v := os.Getenv(key); v != "" {
			*dst = v
			return
		}
	}
}

func setBool(dst *bool, key string) {
	switch os.Getenv(key) {
	case "true", "1", "yes":
		*dst = true
	case "false", "0", "no":
		*dst = false
	}
}

func setInt(dst *int, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	var n int
	if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
		*dst = n
	}
}
