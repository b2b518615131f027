// ABOUTME: Tests for configuration loading: defaults, YAML overlay, and env precedence.
// ABOUTME: Verifies the bind security model rejects unsafe remote exposure.
package web

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func clearResearcherEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"RESEARCHER_DATA_DIR", "RESEARCHER_BIND", "RESEARCHER_ALLOW_REMOTE",
		"RESEARCHER_AUTH_TOKEN", "RESEARCHER_CORS_ORIGIN",
		"RESEARCHER_TAVILY_API_KEY", "TAVILY_API_KEY",
		"RESEARCHER_GROQ_API_KEY", "GROQ_API_KEY",
		"RESEARCHER_REPORT_MODEL", "RESEARCHER_METRICS_MODEL",
		"RESEARCHER_DEEP_RESEARCH", "RESEARCHER_RESEARCH_MODEL",
		"RESEARCHER_MAX_WORKERS",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	clearResearcherEnv(t)
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Bind != "127.0.0.1:7910" {
		t.Errorf("Bind = %q", cfg.Bind)
	}
	if cfg.ReportModel == "" || cfg.MetricsModel == "" {
		t.Error("missing model defaults")
	}
	if cfg.AllowRemote {
		t.Error("AllowRemote should default off")
	}
}

func TestLoadConfigYAMLOverlayAndEnvPrecedence(t *testing.T) {
	clearResearcherEnv(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := "bind: 127.0.0.1:9999\nreport_model: from-file\nmax_workers: 7\n"
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("RESEARCHER_REPORT_MODEL", "from-env")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Bind != "127.0.0.1:9999" {
		t.Errorf("Bind = %q, want file value", cfg.Bind)
	}
	if cfg.MaxWorkers != 7 {
		t.Errorf("MaxWorkers = %d, want file value", cfg.MaxWorkers)
	}
	if cfg.ReportModel != "from-env" {
		t.Errorf("ReportModel = %q, want env to win over file", cfg.ReportModel)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	clearResearcherEnv(t)
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("missing explicit config file should error")
	}
}

func TestConfigBindSecurity(t *testing.T) {
	clearResearcherEnv(t)

	t.Setenv("RESEARCHER_BIND", "0.0.0.0:8080")
	if _, err := LoadConfig(""); !errors.Is(err, ErrNonLoopbackBind) {
		t.Errorf("non-loopback bind: err = %v, want ErrNonLoopbackBind", err)
	}

	t.Setenv("RESEARCHER_ALLOW_REMOTE", "true")
	if _, err := LoadConfig(""); !errors.Is(err, ErrRemoteWithoutToken) {
		t.Errorf("remote without token: err = %v, want ErrRemoteWithoutToken", err)
	}

	t.Setenv("RESEARCHER_AUTH_TOKEN", "sekrit")
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("remote with token: %v", err)
	}
	if !cfg.AllowRemote || cfg.AuthToken != "sekrit" {
		t.Errorf("cfg = %+v", cfg)
	}

	clearResearcherEnv(t)
	t.Setenv("RESEARCHER_BIND", "localhost:7910")
	if _, err := LoadConfig(""); err != nil {
		t.Errorf("localhost bind should be allowed: %v", err)
	}
}
