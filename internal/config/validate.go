package config

import (
	"fmt"
	"strings"
)

// ValidationError represents a single validation issue with a config.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

var (
	validDrivers    = map[string]bool{"sqlite": true, "postgres": true}
	validProviders  = map[string]bool{"anthropic": true, "claude-cli": true}
	validLogFormats = map[string]bool{"json": true, "text": true}
	validLogOutputs = map[string]bool{"console": true, "file": true, "both": true}
)

// Validate checks a Config for errors that would stop the pipeline from
// starting. It returns every problem found (empty if valid).
func Validate(cfg *Config) []ValidationError {
	var errs []ValidationError
	add := func(field, msg string) {
		errs = append(errs, ValidationError{Field: field, Message: msg})
	}

	if cfg.Server.Addr == "" {
		add("server.addr", "is required")
	}
	if cfg.Server.ShutdownTimeout < 0 {
		add("server.shutdown_timeout", "must not be negative")
	}
	if cfg.Server.RateLimit.RequestsPerSecond < 0 {
		add("server.rate_limit.requests_per_second", "must not be negative")
	}
	if cfg.Server.RateLimit.WebhookRequestsPerSecond < 0 {
		add("server.rate_limit.webhook_requests_per_second", "must not be negative")
	}

	if !validDrivers[cfg.Database.Driver] {
		add("database.driver", fmt.Sprintf("unknown driver %q (must be sqlite or postgres)", cfg.Database.Driver))
	}
	if cfg.Database.DSN == "" {
		add("database.dsn", "is required")
	}

	if cfg.GitHub.Token == "" {
		add("github.token", "is required")
	}
	if !strings.HasPrefix(cfg.GitHub.BaseURL, "https://") && !strings.HasPrefix(cfg.GitHub.BaseURL, "http://") {
		add("github.base_url", "must be an http(s) URL")
	}

	if cfg.Scanner.Binary == "" {
		add("scanner.binary", "is required")
	}
	if len(cfg.Scanner.Rules) == 0 {
		add("scanner.rules", "at least one rule pack is required")
	}
	if cfg.Scanner.Timeout <= 0 {
		add("scanner.timeout", "must be positive")
	}

	if !validProviders[cfg.LLM.Provider] {
		add("llm.provider", fmt.Sprintf("unknown provider %q (must be anthropic or claude-cli)", cfg.LLM.Provider))
	}
	if cfg.LLM.Provider == "anthropic" && cfg.LLM.APIKey == "" {
		add("llm.api_key", "is required for the anthropic provider")
	}
	if cfg.LLM.MaxFixIssues <= 0 {
		add("llm.max_fix_issues", "must be positive")
	}

	if cfg.Email.Enabled() && cfg.Email.SMTPPort <= 0 {
		add("email.smtp_port", "must be positive")
	}

	if cfg.LoopPrevention.BranchPrefix == "" {
		add("loop_prevention.branch_prefix", "is required")
	}
	if cfg.LoopPrevention.CommitPrefix == "" {
		add("loop_prevention.commit_prefix", "is required")
	}

	if !validLogFormats[cfg.Logging.Format] {
		add("logging.format", fmt.Sprintf("unknown format %q (must be json or text)", cfg.Logging.Format))
	}
	if !validLogOutputs[cfg.Logging.Output] {
		add("logging.output", fmt.Sprintf("unknown output %q (must be console, file or both)", cfg.Logging.Output))
	}
	if cfg.Logging.Output != "console" && cfg.Logging.File == "" {
		add("logging.file", "is required when output includes file")
	}

	if cfg.Metrics.Enabled && cfg.Metrics.Addr == "" {
		add("metrics.addr", "is required when metrics are enabled")
	}

	return errs
}
