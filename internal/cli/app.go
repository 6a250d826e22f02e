package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/watchman/internal/analysis"
	"github.com/lucasnoah/watchman/internal/config"
	"github.com/lucasnoah/watchman/internal/db"
	"github.com/lucasnoah/watchman/internal/github"
	"github.com/lucasnoah/watchman/internal/logging"
	"github.com/lucasnoah/watchman/internal/metrics"
	"github.com/lucasnoah/watchman/internal/notify"
	"github.com/lucasnoah/watchman/internal/orchestrator"
	"github.com/lucasnoah/watchman/internal/scanner"
	"github.com/lucasnoah/watchman/internal/webhook"
	"github.com/lucasnoah/watchman/internal/worktree"
)

// app holds the wired collaborators shared by commands.
type app struct {
	cfg     *config.Config
	log     *logging.Logger
	store   *db.DB
	metrics *metrics.Metrics
	orch    *orchestrator.Orchestrator
}

type appOpts struct {
	// validate rejects configurations the pipeline cannot run with.
	validate bool
	// server keeps logs on the configured sink and enables runtime metrics.
	server bool
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func validationError(errs []config.ValidationError) error {
	if len(errs) == 0 {
		return nil
	}
	joined := make([]error, len(errs))
	for i, e := range errs {
		joined[i] = e
	}
	return fmt.Errorf("invalid configuration: %w", errors.Join(joined...))
}

// openDB opens and migrates the store, returning it with a cleanup func.
func openDB(cfg *config.Config) (*db.DB, func(), error) {
	d, err := db.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, nil, err
	}
	if err := d.Migrate(); err != nil {
		d.Close()
		return nil, nil, err
	}
	return d, func() { d.Close() }, nil
}

func newLogger(cfg *config.Config) (*logging.Logger, error) {
	return logging.New(logging.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		File:       cfg.Logging.File,
		MaxSize:    cfg.Logging.MaxSize,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAge:     cfg.Logging.MaxAge,
		Compress:   cfg.Logging.Compress,
	}, "watchman", version)
}

func newCompleter(cfg config.LLMConfig) analysis.Completer {
	switch cfg.Provider {
	case "claude-cli":
		return &analysis.CLICompleter{Model: cfg.Model, Timeout: cfg.Timeout}
	case "anthropic":
		if cfg.APIKey == "" {
			return nil
		}
		return analysis.NewAnthropicCompleter(cfg.APIURL, cfg.APIKey, cfg.Model, cfg.MaxTokens, cfg.Timeout)
	}
	return nil
}

func guardFor(cfg *config.Config) webhook.Guard {
	return webhook.Guard{
		BranchPrefix: cfg.LoopPrevention.BranchPrefix,
		CommitPrefix: cfg.LoopPrevention.CommitPrefix,
	}
}

// newApp loads configuration and wires every collaborator. Nothing is
// executed against external tools until a pipeline runs.
func newApp(cmd *cobra.Command, opts appOpts) (*app, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	if opts.validate {
		if err := validationError(config.Validate(cfg)); err != nil {
			return nil, nil, err
		}
	}

	log, err := newLogger(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("init logging: %w", err)
	}
	if !opts.server && cfg.Logging.Output == "console" {
		log.SetOutput(cmd.ErrOrStderr())
	}

	store, closeDB, err := openDB(cfg)
	if err != nil {
		log.Close()
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	cleanup := func() {
		closeDB()
		log.Close()
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New(opts.server)
	}

	guard := guardFor(cfg)
	git := &worktree.ExecGit{}
	wt := worktree.NewManager(git, cfg.Workspace.BaseDir, cfg.GitHub.BaseURL, cfg.GitHub.Token)
	gh := github.NewClient(&github.ExecRunner{Token: cfg.GitHub.Token}, git, github.Options{
		AuthorName:  cfg.GitHub.AuthorName,
		AuthorEmail: cfg.GitHub.AuthorEmail,
		Labels:      cfg.GitHub.Labels,
		Guard:       guard,
	})

	var notifier *notify.Notifier
	if cfg.Email.Enabled() {
		notifier = notify.New(notify.Config{
			SMTPHost:        cfg.Email.SMTPHost,
			SMTPPort:        cfg.Email.SMTPPort,
			Username:        cfg.Email.Username,
			Password:        cfg.Email.Password,
			SenderEmail:     cfg.Email.SenderEmail,
			SenderName:      cfg.Email.SenderName,
			Recipients:      cfg.Email.Recipients,
			AdminRecipients: cfg.Email.AdminRecipients,
		}, nil, log.WithComponent("notify"))
	}

	orch, err := orchestrator.New(orchestrator.Deps{
		Store:      store,
		Cloner:     wt,
		Scanner:    scanner.New(&scanner.ExecRunner{}, scanner.Options{Binary: cfg.Scanner.Binary, Rules: cfg.Scanner.Rules, Timeout: cfg.Scanner.Timeout}),
		Analyzer:   analysis.NewClient(newCompleter(cfg.LLM), log.WithComponent("analysis"), cfg.LLM.MaxFixIssues),
		Remediator: gh,
		Notifier:   notifier,
		Metrics:    m,
		Log:        log.WithComponent("orchestrator"),
	}, orchestrator.Options{
		Guard:      guard,
		Compliance: cfg.Compliance.Enabled,
		Frameworks: cfg.Compliance.Frameworks,
	})
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	return &app{cfg: cfg, log: log, store: store, metrics: m, orch: orch}, cleanup, nil
}

// preflight checks that the external tools a pipeline run shells out to
// are installed.
func preflight(cfg *config.Config) error {
	tools := []string{"git", "gh", cfg.Scanner.Binary}
	if cfg.LLM.Provider == "claude-cli" {
		tools = append(tools, "claude")
	}
	var missing []error
	for _, tool := range tools {
		if _, err := exec.LookPath(tool); err != nil {
			missing = append(missing, fmt.Errorf("%s not found in PATH", tool))
		}
	}
	return errors.Join(missing...)
}

func writeJSON(w io.Writer, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
