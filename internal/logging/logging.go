// Package logging builds the logrus logger shared by every Watchman component.
package logging

import (
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Config controls level, format and destination.
type Config struct {
	Level      string
	Format     string // json or text
	Output     string // console, file or both
	File       string
	MaxSize    int // megabytes
	MaxBackups int
	MaxAge     int // days
	Compress   bool
}

// Logger wraps a logrus logger and the rotating file sink, if any.
type Logger struct {
	*logrus.Logger
	sink io.WriteCloser
}

// New creates a Logger for the given service and version.
func New(cfg Config, service, version string) (*Logger, error) {
	cfg = normalize(cfg)
	l := &Logger{Logger: logrus.New()}

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	if cfg.Format == "text" {
		l.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: time.RFC3339Nano,
			FullTimestamp:   true,
			DisableColors:   cfg.Output != "console",
		})
	} else {
		l.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "severity",
				logrus.FieldKeyMsg:   "message",
			},
		})
	}

	var writers []io.Writer
	if (cfg.Output == "file" || cfg.Output == "both") && cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
			return nil, err
		}
		lj := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    max(1, cfg.MaxSize),
			MaxBackups: max(0, cfg.MaxBackups),
			MaxAge:     max(0, cfg.MaxAge),
			Compress:   cfg.Compress,
		}
		l.sink = lj
		writers = append(writers, lj)
	}
	if cfg.Output == "console" || cfg.Output == "both" || len(writers) == 0 {
		writers = append(writers, os.Stdout)
	}
	l.SetOutput(io.MultiWriter(writers...))

	hostname, _ := os.Hostname()
	l.AddHook(&ServiceHook{Service: service, Version: version, Hostname: hostname})
	return l, nil
}

func normalize(c Config) Config {
	c.Level = strings.ToLower(strings.TrimSpace(c.Level))
	if c.Level == "" {
		c.Level = "info"
	}
	c.Format = strings.ToLower(strings.TrimSpace(c.Format))
	if c.Format == "" {
		c.Format = "json"
	}
	c.Output = strings.ToLower(strings.TrimSpace(c.Output))
	if c.Output == "" {
		c.Output = "console"
	}
	return c
}

// WithComponent returns an entry tagged with the component name.
func (l *Logger) WithComponent(component string) *logrus.Entry {
	return l.WithField("component", component)
}

// Close flushes and closes the file sink.
func (l *Logger) Close() error {
	if l.sink != nil {
		return l.sink.Close()
	}
	return nil
}

// ServiceHook stamps service identity on every entry.
type ServiceHook struct {
	Service  string
	Version  string
	Hostname string
}

func (h *ServiceHook) Levels() []logrus.Level { return logrus.AllLevels }

func (h *ServiceHook) Fire(entry *logrus.Entry) error {
	entry.Data["service"] = h.Service
	entry.Data["version"] = h.Version
	if h.Hostname != "" {
		entry.Data["hostname"] = h.Hostname
	}
	return nil
}

// Discard returns a logger that writes nowhere. Used by tests and by
// components constructed without a logger.
func Discard() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

var credentialRe = regexp.MustCompile(`(https?://)[^/@\s]+@`)

// MaskCredentials hides userinfo embedded in URLs, such as tokens in clone URLs.
func MaskCredentials(s string) string {
	return credentialRe.ReplaceAllString(s, "${1}***@")
}
