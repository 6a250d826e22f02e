package config

import "time"

// Config is the resolved Watchman configuration.
type Config struct {
	Server         ServerConfig         `mapstructure:"server" yaml:"server"`
	Database       DatabaseConfig       `mapstructure:"database" yaml:"database"`
	GitHub         GitHubConfig         `mapstructure:"github" yaml:"github"`
	Scanner        ScannerConfig        `mapstructure:"scanner" yaml:"scanner"`
	LLM            LLMConfig            `mapstructure:"llm" yaml:"llm"`
	Email          EmailConfig          `mapstructure:"email" yaml:"email"`
	LoopPrevention LoopPreventionConfig `mapstructure:"loop_prevention" yaml:"loop_prevention"`
	Workspace      WorkspaceConfig      `mapstructure:"workspace" yaml:"workspace"`
	Compliance     ComplianceConfig     `mapstructure:"compliance" yaml:"compliance"`
	Logging        LoggingConfig        `mapstructure:"logging" yaml:"logging"`
	Metrics        MetricsConfig        `mapstructure:"metrics" yaml:"metrics"`
}

// ServerConfig controls the HTTP API.
type ServerConfig struct {
	Addr            string          `mapstructure:"addr" yaml:"addr"`
	ReadTimeout     time.Duration   `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration   `mapstructure:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout time.Duration   `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	BodyLimitBytes  int64           `mapstructure:"body_limit_bytes" yaml:"body_limit_bytes"`
	WebhookSecret   string          `mapstructure:"webhook_secret" yaml:"webhook_secret"`
	TokenSecret     string          `mapstructure:"token_secret" yaml:"token_secret"`
	RateLimit       RateLimitConfig `mapstructure:"rate_limit" yaml:"rate_limit"`
}

// RateLimitConfig bounds trigger endpoints per client IP.
type RateLimitConfig struct {
	RequestsPerSecond float64 `mapstructure:"requests_per_second" yaml:"requests_per_second"`
	Burst             int     `mapstructure:"burst" yaml:"burst"`
	// Webhook limits apply only to deliveries whose signature was not verified.
	WebhookRequestsPerSecond float64 `mapstructure:"webhook_requests_per_second" yaml:"webhook_requests_per_second"`
	WebhookBurst             int     `mapstructure:"webhook_burst" yaml:"webhook_burst"`
}

// DatabaseConfig selects the SQL driver and DSN.
type DatabaseConfig struct {
	Driver string `mapstructure:"driver" yaml:"driver"` // sqlite or postgres
	DSN    string `mapstructure:"dsn" yaml:"dsn"`
}

// GitHubConfig configures the gh/git based source-control client.
type GitHubConfig struct {
	Token       string   `mapstructure:"token" yaml:"token"`
	BaseURL     string   `mapstructure:"base_url" yaml:"base_url"`
	AuthorName  string   `mapstructure:"author_name" yaml:"author_name"`
	AuthorEmail string   `mapstructure:"author_email" yaml:"author_email"`
	Labels      []string `mapstructure:"labels" yaml:"labels"`
}

// ScannerConfig configures the semgrep invocation.
type ScannerConfig struct {
	Binary  string        `mapstructure:"binary" yaml:"binary"`
	Rules   []string      `mapstructure:"rules" yaml:"rules"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// LLMConfig configures the analysis model.
type LLMConfig struct {
	Provider     string        `mapstructure:"provider" yaml:"provider"` // anthropic or claude-cli
	APIKey       string        `mapstructure:"api_key" yaml:"api_key"`
	APIURL       string        `mapstructure:"api_url" yaml:"api_url"`
	Model        string        `mapstructure:"model" yaml:"model"`
	MaxTokens    int           `mapstructure:"max_tokens" yaml:"max_tokens"`
	Timeout      time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MaxFixIssues int           `mapstructure:"max_fix_issues" yaml:"max_fix_issues"`
}

// EmailConfig configures SMTP notifications. Notifications are disabled
// unless host, sender and at least one recipient are set.
type EmailConfig struct {
	SMTPHost        string   `mapstructure:"smtp_host" yaml:"smtp_host"`
	SMTPPort        int      `mapstructure:"smtp_port" yaml:"smtp_port"`
	Username        string   `mapstructure:"username" yaml:"username"`
	Password        string   `mapstructure:"password" yaml:"password"`
	SenderEmail     string   `mapstructure:"sender_email" yaml:"sender_email"`
	SenderName      string   `mapstructure:"sender_name" yaml:"sender_name"`
	Recipients      []string `mapstructure:"recipients" yaml:"recipients"`
	AdminRecipients []string `mapstructure:"admin_recipients" yaml:"admin_recipients"`
}

// Enabled reports whether enough is configured to send mail.
func (e EmailConfig) Enabled() bool {
	return e.SMTPHost != "" && e.SenderEmail != "" && len(e.Recipients) > 0
}

// LoopPreventionConfig holds the markers that identify Watchman's own pushes.
type LoopPreventionConfig struct {
	BranchPrefix string `mapstructure:"branch_prefix" yaml:"branch_prefix"`
	CommitPrefix string `mapstructure:"commit_prefix" yaml:"commit_prefix"`
}

// WorkspaceConfig controls where disposable clones live.
type WorkspaceConfig struct {
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
}

// ComplianceConfig controls the compliance event log.
type ComplianceConfig struct {
	Enabled    bool     `mapstructure:"enabled" yaml:"enabled"`
	Frameworks []string `mapstructure:"frameworks" yaml:"frameworks"`
}

// LoggingConfig mirrors logging.Config.
type LoggingConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	Format     string `mapstructure:"format" yaml:"format"`
	Output     string `mapstructure:"output" yaml:"output"`
	File       string `mapstructure:"file" yaml:"file"`
	MaxSize    int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge     int    `mapstructure:"max_age" yaml:"max_age"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

// MetricsConfig controls the prometheus listener.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Addr    string `mapstructure:"addr" yaml:"addr"`
}

// Redacted returns a copy with secrets masked, for display.
func (c Config) Redacted() Config {
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return "********"
	}
	c.Server.WebhookSecret = mask(c.Server.WebhookSecret)
	c.Server.TokenSecret = mask(c.Server.TokenSecret)
	c.GitHub.Token = mask(c.GitHub.Token)
	c.LLM.APIKey = mask(c.LLM.APIKey)
	c.Email.Password = mask(c.Email.Password)
	return c
}
