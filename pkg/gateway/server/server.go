package server

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/vango-go/vai-bridge/pkg/gateway/config"
	"github.com/vango-go/vai-bridge/pkg/gateway/handlers"
	"github.com/vango-go/vai-bridge/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-bridge/pkg/gateway/live/bridge"
	"github.com/vango-go/vai-bridge/pkg/gateway/live/sessions"
	"github.com/vango-go/vai-bridge/pkg/gateway/live/upstream"
	"github.com/vango-go/vai-bridge/pkg/gateway/metrics"
	"github.com/vango-go/vai-bridge/pkg/gateway/mw"
	"github.com/vango-go/vai-bridge/pkg/gateway/ratelimit"
	"github.com/vango-go/vai-bridge/pkg/gateway/tools"
	"github.com/vango-go/vai-bridge/pkg/gateway/tools/adapters/cases"
	"github.com/vango-go/vai-bridge/pkg/gateway/tools/adapters/instructions"
	"github.com/vango-go/vai-bridge/pkg/gateway/tools/adapters/markup"
	resendmailer "github.com/vango-go/vai-bridge/pkg/gateway/tools/adapters/resend"
	"github.com/vango-go/vai-bridge/pkg/gateway/tools/safety"
)

const drainNotice = "Сервер перезапускается, соединение скоро будет закрыто."

// Deps are the collaborators every bridge shares.
type Deps struct {
	Dialer       upstream.Dialer
	Instructions bridge.InstructionSource
	Mailer       tools.Mailer
	Cases        tools.CaseSource
	Markup       tools.MarkupGenerator
	// HTTPClient is the base client for fetch_url_content.
	HTTPClient *http.Client
}

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux

	deps      Deps
	tools     *tools.Registry
	limiter   *ratelimit.Limiter
	lifecycle *lifecycle.Lifecycle
	bridges   *sessions.Tracker
	metrics   *metrics.Metrics
}

// New wires the production collaborators from cfg.
func New(cfg config.Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return NewWithDeps(cfg, logger, defaultDeps(cfg, logger))
}

func defaultDeps(cfg config.Config, logger *slog.Logger) Deps {
	httpClient := &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout: 10 * time.Second,
			}).DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			ResponseHeaderTimeout: cfg.UpstreamResponseHeaderTimeout,
		},
	}

	deps := Deps{
		Dialer: &upstream.GeminiDialer{
			APIKey:     cfg.GeminiAPIKey,
			BaseURL:    cfg.GeminiBaseURL,
			APIVersion: cfg.APIVersion,
			HTTPClient: httpClient,
			Logger:     logger,
		},
		Instructions: instructions.NewClient(cfg.PromptURL, httpClient),
		Cases:        cases.NewClient(cfg.CasesURL, cfg.CaseDetailURL, httpClient),
		Markup:       markup.NewClient(cfg.MarkupURL, httpClient),
		HTTPClient:   httpClient,
	}
	mailer, err := resendmailer.NewMailer(cfg.ResendAPIKey, cfg.ResendBaseURL, httpClient)
	if err != nil {
		logger.Warn("lead mailer disabled", "error", err)
	} else {
		deps.Mailer = mailer
	}
	return deps
}

func NewWithDeps(cfg config.Config, logger *slog.Logger, deps Deps) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	m := metrics.New("vai_bridge")

	s := &Server{
		cfg:    cfg,
		logger: logger,
		mux:    http.NewServeMux(),
		deps:   deps,
		limiter: ratelimit.New(ratelimit.Config{
			RPS:                   cfg.ConnectRPS,
			Burst:                 cfg.ConnectBurst,
			MaxConcurrentSessions: cfg.MaxSessionsPerClient,
		}),
		lifecycle: &lifecycle.Lifecycle{},
		bridges:   sessions.NewTracker(),
		metrics:   m,
	}
	s.tools = tools.NewRegistry(
		tools.RegistryConfig{Timeout: cfg.ToolTimeout, Metrics: m, Logger: logger},
		tools.NewSendEmailExecutor(deps.Mailer, cfg.LeadFrom, cfg.LeadTo),
		tools.NewListCasesExecutor(deps.Cases),
		tools.NewCaseDetailsExecutor(deps.Cases),
		tools.NewFetchURLExecutor(tools.FetchConfig{
			Guard:    safety.Guard{AllowPrivate: cfg.FetchAllowPrivate},
			MaxBytes: cfg.FetchMaxBytes,
			MaxChars: cfg.FetchMaxChars,
		}, deps.HTTPClient),
		tools.NewGenerateVisualExecutor(deps.Markup),
	)

	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.Handle("/healthz", handlers.HealthHandler{})
	s.mux.Handle("/readyz", handlers.ReadyHandler{Config: s.cfg, Lifecycle: s.lifecycle})
	s.mux.Handle("/metrics", s.metrics.Handler())

	s.mux.Handle("/v1/live", handlers.BridgeHandler{
		Config:       s.cfg,
		Logger:       s.logger,
		Limiter:      s.limiter,
		Lifecycle:    s.lifecycle,
		Bridges:      s.bridges,
		Metrics:      s.metrics,
		Dialer:       s.deps.Dialer,
		Tools:        s.tools,
		Instructions: s.deps.Instructions,
		Mailer:       s.deps.Mailer,
	})
	s.mux.Handle("/", handlers.NotFoundHandler{})
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.CORS(s.cfg, h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

// SetDraining makes new upgrades fail with 503.
func (s *Server) SetDraining() {
	if s.lifecycle.SetDraining(true) {
		s.logger.Info("draining", "live_bridges", s.bridges.Count())
	}
}

// WarnLiveSessionsDraining tells every connected client the server is going away.
func (s *Server) WarnLiveSessionsDraining() int {
	return s.bridges.NotifyAll(drainNotice)
}

// WaitLiveSessions blocks until every bridge has ended or ctx is done.
func (s *Server) WaitLiveSessions(ctx context.Context) bool {
	return s.bridges.Wait(ctx)
}

func (s *Server) CancelLiveSessions() int {
	n := s.bridges.CloseAll()
	if n > 0 {
		s.logger.Warn("closed live bridges after grace period", "count", n)
	}
	return n
}
