package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment overrides, e.g. WATCHMAN_GITHUB_TOKEN.
const EnvPrefix = "WATCHMAN"

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8000",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			BodyLimitBytes:  5 << 20,
			RateLimit: RateLimitConfig{
				RequestsPerSecond:        5,
				Burst:                    20,
				WebhookRequestsPerSecond: 10,
				WebhookBurst:             100,
			},
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "watchman.db",
		},
		GitHub: GitHubConfig{
			BaseURL:     "https://github.com",
			AuthorName:  "Watchman",
			AuthorEmail: "watchman@users.noreply.github.com",
			Labels:      []string{"security", "watchman-scan", "needs-triage"},
		},
		Scanner: ScannerConfig{
			Binary:  "semgrep",
			Rules:   []string{"p/security-audit", "p/owasp-top-ten", "p/cwe-top-25"},
			Timeout: 300 * time.Second,
		},
		LLM: LLMConfig{
			Provider:     "anthropic",
			APIURL:       "https://api.anthropic.com/v1/messages",
			Model:        "claude-3-5-haiku-20241022",
			MaxTokens:    4000,
			Timeout:      60 * time.Second,
			MaxFixIssues: 3,
		},
		Email: EmailConfig{
			SMTPHost:   "smtp.gmail.com",
			SMTPPort:   587,
			SenderName: "Watchman Security Scanner",
		},
		LoopPrevention: LoopPreventionConfig{
			BranchPrefix: "security-fixes-",
			CommitPrefix: "security:",
		},
		Workspace: WorkspaceConfig{
			BaseDir: filepath.Join(os.TempDir(), "watchman"),
		},
		Compliance: ComplianceConfig{
			Enabled:    true,
			Frameworks: []string{"SOC 2", "NIST", "OWASP"},
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			Output:     "console",
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     30,
			Compress:   true,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    ":9090",
		},
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)
	v.SetDefault("server.body_limit_bytes", d.Server.BodyLimitBytes)
	v.SetDefault("server.webhook_secret", "")
	v.SetDefault("server.token_secret", "")
	v.SetDefault("server.rate_limit.requests_per_second", d.Server.RateLimit.RequestsPerSecond)
	v.SetDefault("server.rate_limit.burst", d.Server.RateLimit.Burst)
	v.SetDefault("server.rate_limit.webhook_requests_per_second", d.Server.RateLimit.WebhookRequestsPerSecond)
	v.SetDefault("server.rate_limit.webhook_burst", d.Server.RateLimit.WebhookBurst)

	v.SetDefault("database.driver", d.Database.Driver)
	v.SetDefault("database.dsn", d.Database.DSN)

	v.SetDefault("github.token", "")
	v.SetDefault("github.base_url", d.GitHub.BaseURL)
	v.SetDefault("github.author_name", d.GitHub.AuthorName)
	v.SetDefault("github.author_email", d.GitHub.AuthorEmail)
	v.SetDefault("github.labels", d.GitHub.Labels)

	v.SetDefault("scanner.binary", d.Scanner.Binary)
	v.SetDefault("scanner.rules", d.Scanner.Rules)
	v.SetDefault("scanner.timeout", d.Scanner.Timeout)

	v.SetDefault("llm.provider", d.LLM.Provider)
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.api_url", d.LLM.APIURL)
	v.SetDefault("llm.model", d.LLM.Model)
	v.SetDefault("llm.max_tokens", d.LLM.MaxTokens)
	v.SetDefault("llm.timeout", d.LLM.Timeout)
	v.SetDefault("llm.max_fix_issues", d.LLM.MaxFixIssues)

	v.SetDefault("email.smtp_host", d.Email.SMTPHost)
	v.SetDefault("email.smtp_port", d.Email.SMTPPort)
	v.SetDefault("email.username", "")
	v.SetDefault("email.password", "")
	v.SetDefault("email.sender_email", "")
	v.SetDefault("email.sender_name", d.Email.SenderName)
	v.SetDefault("email.recipients", []string{})
	v.SetDefault("email.admin_recipients", []string{})

	v.SetDefault("loop_prevention.branch_prefix", d.LoopPrevention.BranchPrefix)
	v.SetDefault("loop_prevention.commit_prefix", d.LoopPrevention.CommitPrefix)

	v.SetDefault("workspace.base_dir", d.Workspace.BaseDir)

	v.SetDefault("compliance.enabled", d.Compliance.Enabled)
	v.SetDefault("compliance.frameworks", d.Compliance.Frameworks)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.output", d.Logging.Output)
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size", d.Logging.MaxSize)
	v.SetDefault("logging.max_backups", d.Logging.MaxBackups)
	v.SetDefault("logging.max_age", d.Logging.MaxAge)
	v.SetDefault("logging.compress", d.Logging.Compress)

	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.addr", d.Metrics.Addr)
}

// Load resolves configuration with this precedence (lowest to highest):
// defaults, config file (watchman.yaml), WATCHMAN_* environment variables.
// If path is empty the file is searched for in ., $HOME and
// $XDG_CONFIG_HOME/watchman; a missing file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("watchman")
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(home)
		}
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			v.AddConfigPath(filepath.Join(xdg, "watchman"))
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}
