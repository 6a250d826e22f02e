package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "watchman.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_DefaultsWhenFileMissing(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())
	t.Setenv("XDG_CONFIG_HOME", "")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Addr != ":8000" {
		t.Errorf("expected :8000, got %q", cfg.Server.Addr)
	}
	if cfg.Scanner.Timeout != 300*time.Second {
		t.Errorf("expected 300s scanner timeout, got %s", cfg.Scanner.Timeout)
	}
	if len(cfg.Scanner.Rules) != 3 {
		t.Errorf("expected 3 rule packs, got %v", cfg.Scanner.Rules)
	}
	if cfg.LoopPrevention.BranchPrefix != "security-fixes-" {
		t.Errorf("unexpected branch prefix %q", cfg.LoopPrevention.BranchPrefix)
	}
	if cfg.LoopPrevention.CommitPrefix != "security:" {
		t.Errorf("unexpected commit prefix %q", cfg.LoopPrevention.CommitPrefix)
	}
	if rl := cfg.Server.RateLimit; rl.WebhookRequestsPerSecond != 10 || rl.WebhookBurst != 100 {
		t.Errorf("unexpected webhook rate limit %+v", rl)
	}
	if cfg.LLM.MaxFixIssues != 3 {
		t.Errorf("expected 3 max fix issues, got %d", cfg.LLM.MaxFixIssues)
	}
	if cfg.Email.SMTPPort != 587 {
		t.Errorf("expected smtp port 587, got %d", cfg.Email.SMTPPort)
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: ":9999"
database:
  driver: postgres
  dsn: postgres://localhost/watchman
scanner:
  timeout: 45s
  rules: [p/secrets]
email:
  recipients: [sec@example.com, ops@example.com]
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Addr != ":9999" {
		t.Errorf("expected :9999, got %q", cfg.Server.Addr)
	}
	if cfg.Database.Driver != "postgres" {
		t.Errorf("expected postgres, got %q", cfg.Database.Driver)
	}
	if cfg.Scanner.Timeout != 45*time.Second {
		t.Errorf("expected 45s, got %s", cfg.Scanner.Timeout)
	}
	if len(cfg.Scanner.Rules) != 1 || cfg.Scanner.Rules[0] != "p/secrets" {
		t.Errorf("unexpected rules %v", cfg.Scanner.Rules)
	}
	if len(cfg.Email.Recipients) != 2 {
		t.Errorf("expected 2 recipients, got %v", cfg.Email.Recipients)
	}
	// untouched section keeps defaults
	if cfg.LLM.MaxTokens != 4000 {
		t.Errorf("expected default max tokens, got %d", cfg.LLM.MaxTokens)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "github:\n  token: from-file\n")
	t.Setenv("WATCHMAN_GITHUB_TOKEN", "from-env")
	t.Setenv("WATCHMAN_LLM_MODEL", "claude-test")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.GitHub.Token != "from-env" {
		t.Errorf("expected env token, got %q", cfg.GitHub.Token)
	}
	if cfg.LLM.Model != "claude-test" {
		t.Errorf("expected env model, got %q", cfg.LLM.Model)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "server: [unclosed")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid YAML")
	}
}

func validConfig() *Config {
	cfg := Default()
	cfg.GitHub.Token = "ghp_test"
	cfg.LLM.APIKey = "sk-test"
	return cfg
}

func TestValidate_Valid(t *testing.T) {
	if errs := Validate(validConfig()); len(errs) != 0 {
		t.Fatalf("expected no errors, got %v", errs)
	}
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"missing token", func(c *Config) { c.GitHub.Token = "" }, "github.token"},
		{"bad driver", func(c *Config) { c.Database.Driver = "mysql" }, "database.driver"},
		{"no rules", func(c *Config) { c.Scanner.Rules = nil }, "scanner.rules"},
		{"zero scan timeout", func(c *Config) { c.Scanner.Timeout = 0 }, "scanner.timeout"},
		{"bad provider", func(c *Config) { c.LLM.Provider = "openai" }, "llm.provider"},
		{"anthropic without key", func(c *Config) { c.LLM.APIKey = "" }, "llm.api_key"},
		{"empty branch prefix", func(c *Config) { c.LoopPrevention.BranchPrefix = "" }, "loop_prevention.branch_prefix"},
		{"empty commit prefix", func(c *Config) { c.LoopPrevention.CommitPrefix = "" }, "loop_prevention.commit_prefix"},
		{"file output without path", func(c *Config) { c.Logging.Output = "file" }, "logging.file"},
		{"metrics without addr", func(c *Config) { c.Metrics.Addr = "" }, "metrics.addr"},
		{"negative webhook rate", func(c *Config) { c.Server.RateLimit.WebhookRequestsPerSecond = -1 }, "server.rate_limit.webhook_requests_per_second"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			errs := Validate(cfg)
			found := false
			for _, e := range errs {
				if e.Field == tt.field {
					found = true
				}
			}
			if !found {
				t.Errorf("expected error on %s, got %v", tt.field, errs)
			}
		})
	}
}

func TestValidate_ClaudeCLIDoesNotNeedKey(t *testing.T) {
	cfg := validConfig()
	cfg.LLM.Provider = "claude-cli"
	cfg.LLM.APIKey = ""
	if errs := Validate(cfg); len(errs) != 0 {
		t.Fatalf("expected no errors, got %v", errs)
	}
}

func TestEmailEnabled(t *testing.T) {
	e := Default().Email
	if e.Enabled() {
		t.Error("expected email disabled without sender and recipients")
	}
	e.SenderEmail = "watchman@example.com"
	e.Recipients = []string{"sec@example.com"}
	if !e.Enabled() {
		t.Error("expected email enabled")
	}
}

func TestRedacted(t *testing.T) {
	cfg := validConfig()
	cfg.Email.Password = "hunter2"
	r := cfg.Redacted()
	for _, v := range []string{r.GitHub.Token, r.LLM.APIKey, r.Email.Password} {
		if strings.Contains(v, "test") || v == "hunter2" {
			t.Errorf("secret not redacted: %q", v)
		}
	}
	if r.Server.WebhookSecret != "" {
		t.Errorf("empty secret should stay empty, got %q", r.Server.WebhookSecret)
	}
	if cfg.GitHub.Token != "ghp_test" {
		t.Error("Redacted must not modify the receiver")
	}
}
