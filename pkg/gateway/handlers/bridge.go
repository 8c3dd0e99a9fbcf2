package handlers

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-bridge/pkg/gateway/apierror"
	"github.com/vango-go/vai-bridge/pkg/gateway/config"
	"github.com/vango-go/vai-bridge/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-bridge/pkg/gateway/live/bridge"
	"github.com/vango-go/vai-bridge/pkg/gateway/live/sessions"
	"github.com/vango-go/vai-bridge/pkg/gateway/live/upstream"
	"github.com/vango-go/vai-bridge/pkg/gateway/metrics"
	"github.com/vango-go/vai-bridge/pkg/gateway/mw"
	"github.com/vango-go/vai-bridge/pkg/gateway/principal"
	"github.com/vango-go/vai-bridge/pkg/gateway/ratelimit"
	"github.com/vango-go/vai-bridge/pkg/gateway/tools"
)

const wsReadBufferSize = 16 << 10

// BridgeHandler upgrades /v1/live requests and runs one bridge per socket.
type BridgeHandler struct {
	Config       config.Config
	Logger       *slog.Logger
	Limiter      *ratelimit.Limiter
	Lifecycle    *lifecycle.Lifecycle
	Bridges      *sessions.Tracker
	Metrics      *metrics.Metrics
	Dialer       upstream.Dialer
	Tools        *tools.Registry
	Instructions bridge.InstructionSource
	Mailer       tools.Mailer
}

func (h BridgeHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if !websocket.IsWebSocketUpgrade(r) {
		h.reject(w, reqID, "not_websocket", &apierror.Error{Type: apierror.TypeInvalidRequest, Message: "Expected WebSocket"})
		return
	}
	query := r.URL.Query()
	params := bridge.Params{
		SessionID:    strings.TrimSpace(query.Get("sessionId")),
		Handle:       strings.TrimSpace(query.Get("handle")),
		SkipGreeting: query.Get("skipGreeting") == "true",
	}
	if params.SessionID == "" {
		logger.Warn("bridge rejected: missing sessionId", "request_id", reqID)
		h.reject(w, reqID, "missing_session_id", &apierror.Error{Type: apierror.TypeInvalidRequest, Message: "Missing sessionId", Param: "sessionId"})
		return
	}
	if missing := h.Config.MissingKeys(); len(missing) > 0 {
		logger.Error("bridge rejected: missing api keys", "keys", missing, "request_id", reqID)
		h.reject(w, reqID, "missing_keys", &apierror.Error{Type: apierror.TypeAPI, Message: "Missing API keys"})
		return
	}
	if h.Lifecycle.IsDraining() {
		h.reject(w, reqID, "draining", &apierror.Error{Type: apierror.TypeUnavailable, Message: "bridge is draining", Code: "draining"})
		return
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin != "" && !mw.OriginAllowed(h.Config.CORSAllowedOrigins, origin) {
		h.reject(w, reqID, "origin", &apierror.Error{Type: apierror.TypeForbidden, Message: "origin is not allowed", Param: "Origin"})
		return
	}

	client := principal.Resolve(r, h.Config)
	decision := h.Limiter.AcquireSession(client.Key, time.Now())
	if !decision.Allowed {
		h.reject(w, reqID, "rate_limited", &apierror.Error{
			Type:       apierror.TypeRateLimit,
			Message:    "too many live bridges",
			RetryAfter: decision.RetryAfter,
		})
		return
	}
	defer decision.Permit.Release()

	upgrader := websocket.Upgrader{
		ReadBufferSize: wsReadBufferSize,
		CheckOrigin:    func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		h.Metrics.RecordSessionRejected("upgrade_failed")
		return
	}
	defer conn.Close()

	connectionID := "c_" + uuid.NewString()
	b, err := bridge.New(bridge.Dependencies{
		Conn:         conn,
		Logger:       logger,
		Dialer:       h.Dialer,
		Tools:        h.Tools,
		Instructions: h.Instructions,
		Mailer:       h.Mailer,
		Metrics:      h.Metrics,
		Params:       params,
		ConnectionID: connectionID,
		RequestID:    reqID,
		Config:       bridgeConfig(h.Config),
	})
	if err != nil {
		logger.Error("bridge init failed", "connection_id", connectionID, "request_id", reqID, "error", err)
		_ = conn.WriteJSON(map[string]string{"type": "error", "message": "failed to initialize bridge"})
		return
	}

	unregister := h.Bridges.Register(connectionID, sessions.Handle{
		Close:  b.Close,
		Notify: b.Notify,
	})
	defer unregister()

	if err := b.Run(); err != nil {
		logger.Warn("bridge ended with error", "connection_id", connectionID, "request_id", reqID, "error", err)
	}
}

func (h BridgeHandler) reject(w http.ResponseWriter, reqID, reason string, apiErr *apierror.Error) {
	h.Metrics.RecordSessionRejected(reason)
	apiErr.RequestID = reqID
	apierror.Write(w, apiErr)
}

func bridgeConfig(cfg config.Config) bridge.Config {
	return bridge.Config{
		Model:              cfg.Model,
		Voice:              cfg.Voice,
		ThinkingBudget:     cfg.ThinkingBudget,
		GoogleSearch:       true,
		ConnectTimeout:     cfg.ConnectTimeout,
		PingInterval:       cfg.WSPingInterval,
		WriteTimeout:       cfg.WSWriteTimeout,
		ReadTimeout:        cfg.WSReadTimeout,
		MaxSessionDuration: cfg.WSMaxSessionDuration,
		MaxMessageBytes:    cfg.WSMaxMessageBytes,
		MaxPendingMessages: cfg.MaxPendingMessages,
		SafetyPhrases:      cfg.SafetyPhrases,
		SafetyNetTimeout:   cfg.ToolTimeout,
		LeadFrom:           cfg.LeadFrom,
		LeadTo:             cfg.LeadTo,
	}
}
