// Package api is the HTTP surface of Watchman: the webhook receiver, the
// operator trigger and read-only status routes.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lucasnoah/watchman/internal/db"
	"github.com/lucasnoah/watchman/internal/logging"
	"github.com/lucasnoah/watchman/internal/metrics"
	"github.com/lucasnoah/watchman/internal/orchestrator"
	"github.com/lucasnoah/watchman/internal/webhook"
)

// Pipeline is the orchestrator surface the API needs.
type Pipeline interface {
	HandleEvent(ctx context.Context, ev webhook.Event) *orchestrator.Result
	ProcessManual(ctx context.Context, repo, branch string) *orchestrator.Result
	Status(ctx context.Context, id int64) (*orchestrator.RunStatus, error)
	RecentScans(ctx context.Context, repo string, limit int) ([]db.ScanRun, error)
	SystemStats(ctx context.Context) (*db.Stats, error)
}

// Pinger reports store liveness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options configure a Server.
type Options struct {
	Version           string
	WebhookSecret     string
	TokenSecret       string
	BodyLimitBytes    int64
	RequestsPerSecond float64
	Burst             int
	// WebhookRequestsPerSecond and WebhookBurst limit webhook deliveries
	// whose signature was not verified. Verified deliveries are not limited.
	WebhookRequestsPerSecond float64
	WebhookBurst             int
	Guard                    webhook.Guard
	Metrics                  *metrics.Metrics
	// ServeMetrics exposes Metrics at /metrics on this handler.
	ServeMetrics bool
	Log          logrus.FieldLogger
	// BaseContext is the parent of background runs. Its values are kept
	// but its cancellation is not.
	BaseContext context.Context
}

// Server routes HTTP requests to the pipeline.
type Server struct {
	pipeline   Pipeline
	store      Pinger
	opts       Options
	log        logrus.FieldLogger
	metrics    *metrics.Metrics
	dispatcher *Dispatcher
	// webhookLimit throttles unverified deliveries per client IP.
	webhookLimit *ipRateLimiter
	started      time.Time
}

// NewServer creates a Server.
func NewServer(p Pipeline, store Pinger, opts Options) *Server {
	log := opts.Log
	if log == nil {
		log = logging.Discard()
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	if opts.WebhookRequestsPerSecond <= 0 {
		opts.WebhookRequestsPerSecond = DefaultWebhookRequestsPerSecond
	}
	if opts.WebhookBurst <= 0 {
		opts.WebhookBurst = DefaultWebhookBurst
	}
	return &Server{
		pipeline:     p,
		store:        store,
		opts:         opts,
		log:          log,
		metrics:      opts.Metrics,
		dispatcher:   NewDispatcher(opts.BaseContext, log),
		webhookLimit: newIPRateLimiter(opts.WebhookRequestsPerSecond, opts.WebhookBurst, time.Now),
		started:      time.Now(),
	}
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	limit := RateLimitPerIP(s.opts.RequestsPerSecond, s.opts.Burst)
	body := BodySizeLimit(s.opts.BodyLimitBytes)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("POST /webhook/github", chain(http.HandlerFunc(s.handleWebhook), body))
	mux.Handle("POST /scan/manual", chain(http.HandlerFunc(s.handleManualScan), limit, RequireToken(s.opts.TokenSecret), body))
	mux.HandleFunc("GET /scan/{id}", s.handleScanStatus)
	mux.HandleFunc("GET /scans", s.handleScans)
	mux.HandleFunc("GET /repos/{owner}/{repo}/scans", s.handleRepoScans)
	mux.HandleFunc("GET /stats", s.handleStats)
	if s.opts.ServeMetrics && s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "The requested resource was not found")
	})

	return chain(mux, RequestLogger(s.log), SecurityHeaders)
}

// Wait stops accepting triggers and waits for in-flight runs.
func (s *Server) Wait(ctx context.Context) error {
	return s.dispatcher.Wait(ctx)
}
