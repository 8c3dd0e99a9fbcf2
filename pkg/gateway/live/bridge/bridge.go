// Package bridge runs one client connection: it relays frames between the
// client WebSocket and an engine session, dispatches tool calls and runs the
// lead safety net.
package bridge

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-bridge/pkg/gateway/live/protocol"
	"github.com/vango-go/vai-bridge/pkg/gateway/live/upstream"
	"github.com/vango-go/vai-bridge/pkg/gateway/metrics"
	"github.com/vango-go/vai-bridge/pkg/gateway/tools"
)

const (
	connectFailedMessage  = "Не удалось подключиться к AI"
	upstreamClosedMessage = "Gemini session closed unexpectedly"
	maxDurationMessage    = "session duration limit reached"

	defaultOutboundQueueSize = 256
	defaultConnectTimeout    = 15 * time.Second
	defaultSafetyNetTimeout  = 30 * time.Second
	sessionIDLogLength       = 20
)

var (
	errBridgeClosed = errors.New("bridge closed")
	errOutboundFull = errors.New("outbound queue full")
)

type state int

const (
	stateConnecting state = iota
	stateReady
	stateClosed
)

func (s state) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateReady:
		return "ready"
	default:
		return "closed"
	}
}

// InstructionSource fetches the base system instruction.
type InstructionSource interface {
	Fetch(ctx context.Context) (string, error)
}

type Config struct {
	Model          string
	Voice          string
	ThinkingBudget int
	GoogleSearch   bool

	ConnectTimeout     time.Duration
	PingInterval       time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	MaxSessionDuration time.Duration
	MaxMessageBytes    int64
	MaxPendingMessages int
	OutboundQueueSize  int

	SafetyPhrases    []string
	SafetyNetTimeout time.Duration
	LeadFrom         string
	LeadTo           []string
}

// Params are the client's upgrade query parameters.
type Params struct {
	SessionID    string
	Handle       string
	SkipGreeting bool
}

type Dependencies struct {
	Conn         *websocket.Conn
	Logger       *slog.Logger
	Dialer       upstream.Dialer
	Tools        *tools.Registry
	Instructions InstructionSource
	Mailer       tools.Mailer
	Metrics      *metrics.Metrics
	Params       Params
	ConnectionID string
	RequestID    string
	Config       Config
}

type Bridge struct {
	conn         *websocket.Conn
	logger       *slog.Logger
	dialer       upstream.Dialer
	tools        *tools.Registry
	instructions InstructionSource
	mailer       tools.Mailer
	metrics      *metrics.Metrics
	params       Params
	cfg          Config
	safety       SafetyNet

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	outbound   chan []byte
	// Set by the reader once the client stops sending.
	clientGone atomic.Bool

	// Owned by the event loop.
	state          state
	session        upstream.Session
	events         <-chan upstream.Event
	pending        *pendingQueue
	deviceContext  string
	historyEntries int
	lastHandle     string
	notified       bool
	turnText       strings.Builder
	conversation   conversationLog
}

type inboundFrame struct {
	messageType int
	data        []byte
	err         error
}

type dialResult struct {
	session upstream.Session
	err     error
}

func New(deps Dependencies) (*Bridge, error) {
	if deps.Conn == nil {
		return nil, fmt.Errorf("connection is required")
	}
	if deps.Dialer == nil {
		return nil, fmt.Errorf("upstream dialer is required")
	}
	if strings.TrimSpace(deps.Params.SessionID) == "" {
		return nil, fmt.Errorf("session id is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Config.OutboundQueueSize <= 0 {
		deps.Config.OutboundQueueSize = defaultOutboundQueueSize
	}
	if deps.Config.ConnectTimeout <= 0 {
		deps.Config.ConnectTimeout = defaultConnectTimeout
	}
	if deps.Config.SafetyNetTimeout <= 0 {
		deps.Config.SafetyNetTimeout = defaultSafetyNetTimeout
	}

	sessionID := deps.Params.SessionID
	if len(sessionID) > sessionIDLogLength {
		sessionID = sessionID[:sessionIDLogLength]
	}
	logger := deps.Logger.With(
		"connection_id", deps.ConnectionID,
		"session_id", sessionID,
		"request_id", deps.RequestID,
	)

	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		conn:         deps.Conn,
		logger:       logger,
		dialer:       deps.Dialer,
		tools:        deps.Tools,
		instructions: deps.Instructions,
		mailer:       deps.Mailer,
		metrics:      deps.Metrics,
		params:       deps.Params,
		cfg:          deps.Config,
		safety:       NewSafetyNet(deps.Config.SafetyPhrases),
		ctx:          ctx,
		cancel:       cancel,
		outbound:     make(chan []byte, deps.Config.OutboundQueueSize),
		pending:      newPendingQueue(deps.Config.MaxPendingMessages),
	}, nil
}

// Close ends the bridge. Run returns shortly after.
func (b *Bridge) Close() {
	b.cancel()
}

// Notify queues an informational text frame for the client. It does not
// wait for room in the outbound queue.
func (b *Bridge) Notify(message string) error {
	payload, err := json.Marshal(protocol.ServerText{Type: protocol.TypeText, Data: message})
	if err != nil {
		return err
	}
	select {
	case <-b.ctx.Done():
		return errBridgeClosed
	default:
	}
	select {
	case b.outbound <- payload:
		return nil
	default:
		return errOutboundFull
	}
}

// Run serves the connection until the client leaves, the bridge is closed,
// or the socket fails. An engine failure alone does not end it.
func (b *Bridge) Run() error {
	defer b.cancel()

	start := time.Now()
	outcome := "client_closed"
	b.metrics.RecordSessionStart()
	defer func() {
		b.metrics.RecordSessionEnd(outcome, time.Since(start))
	}()

	if b.cfg.MaxMessageBytes > 0 {
		b.conn.SetReadLimit(b.cfg.MaxMessageBytes)
	}
	if b.cfg.ReadTimeout > 0 {
		_ = b.conn.SetReadDeadline(time.Now().Add(b.cfg.ReadTimeout))
		b.conn.SetPongHandler(func(string) error {
			return b.conn.SetReadDeadline(time.Now().Add(b.cfg.ReadTimeout))
		})
	}

	readCh := make(chan inboundFrame, 64)
	go b.readLoop(readCh)

	writerErrCh := make(chan error, 1)
	go func() {
		w := outboundWriter{
			ws:           b.conn,
			ctx:          b.ctx,
			queue:        b.outbound,
			pingInterval: b.cfg.PingInterval,
			writeTimeout: b.cfg.WriteTimeout,
		}
		err := w.Run()
		if err != nil {
			b.cancel()
		}
		writerErrCh <- err
	}()

	var maxDuration <-chan time.Time
	if b.cfg.MaxSessionDuration > 0 {
		timer := time.NewTimer(b.cfg.MaxSessionDuration)
		defer timer.Stop()
		maxDuration = timer.C
	}

	instructionCh := make(chan string, 1)
	dialCh := make(chan dialResult, 1)
	toolDoneCh := make(chan []tools.Result, 4)

	defer func() {
		b.cancel()
		b.wg.Wait()
		select {
		case res := <-dialCh:
			if res.session != nil {
				_ = res.session.Close()
			}
		default:
		}
		if b.session != nil {
			_ = b.session.Close()
		}
		wait := 100 * time.Millisecond
		if b.cfg.WriteTimeout > 0 && b.cfg.WriteTimeout < wait {
			wait = b.cfg.WriteTimeout
		}
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-writerErrCh:
		case <-timer.C:
		}
		b.logger.Info("bridge closed", "outcome", outcome, "state", b.state, "duration_ms", time.Since(start).Milliseconds())
	}()

	if b.params.Handle != "" {
		b.logger.Info("bridge opened, resuming engine session")
	} else {
		b.logger.Info("bridge opened, starting new engine session")
	}
	b.state = stateConnecting
	b.fetchInstruction(instructionCh)

	for {
		select {
		case <-b.ctx.Done():
			if outcome == "client_closed" {
				outcome = "server_closed"
			}
			return nil
		case err := <-writerErrCh:
			outcome = "write_error"
			writerErrCh = nil
			if err != nil {
				b.logger.Warn("client write failed", "error", err)
			}
			return err
		case <-maxDuration:
			outcome = "max_duration"
			_ = b.send(protocol.ServerError{Type: protocol.TypeError, Message: maxDurationMessage})
			return nil
		case frame, ok := <-readCh:
			if !ok || frame.err != nil {
				if ok && !isNormalClose(frame.err) {
					b.logger.Debug("client read ended", "error", frame.err)
				}
				return nil
			}
			b.handleClientFrame(frame)
		case base := <-instructionCh:
			b.dial(base, dialCh)
		case res := <-dialCh:
			if o := b.handleDialResult(res); o != "" {
				outcome = o
			}
		case ev, ok := <-b.events:
			if !ok {
				b.events = nil
				continue
			}
			if b.handleEvent(ev, toolDoneCh) {
				outcome = "upstream_closed"
			}
		case results := <-toolDoneCh:
			b.sendToolResponse(results)
		}
	}
}

func (b *Bridge) readLoop(out chan<- inboundFrame) {
	defer close(out)
	for {
		messageType, data, err := b.conn.ReadMessage()
		if err != nil {
			b.clientGone.Store(true)
			select {
			case out <- inboundFrame{err: err}:
			case <-b.ctx.Done():
			}
			return
		}
		select {
		case out <- inboundFrame{messageType: messageType, data: data}:
		case <-b.ctx.Done():
			return
		}
	}
}

func isNormalClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived)
}

// send marshals v and queues it for the writer. It blocks while the queue is
// full and fails once the bridge is closed.
func (b *Bridge) send(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	select {
	case <-b.ctx.Done():
		return errBridgeClosed
	default:
	}
	select {
	case b.outbound <- payload:
		return nil
	case <-b.ctx.Done():
		return errBridgeClosed
	}
}

func (b *Bridge) fetchInstruction(out chan<- string) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		base := DefaultInstruction
		if b.instructions != nil {
			ctx, cancel := context.WithTimeout(b.ctx, b.cfg.ConnectTimeout)
			text, err := b.instructions.Fetch(ctx)
			cancel()
			switch {
			case err != nil:
				b.logger.Warn("instruction fetch failed, using default", "error", err)
			case text == "":
				b.logger.Warn("instruction is empty, using default")
			default:
				base = text
				b.logger.Info("instruction loaded", "length", len(text))
			}
		}
		out <- base
	}()
}

func (b *Bridge) dial(base string, out chan<- dialResult) {
	if dc := b.pending.deviceContext(); dc != "" {
		b.deviceContext = dc
	}
	cfg := upstream.SessionConfig{
		Model:            b.cfg.Model,
		Instruction:      BuildInstruction(base, b.deviceContext),
		Voice:            b.cfg.Voice,
		ThinkingBudget:   b.cfg.ThinkingBudget,
		Tools:            b.tools.Declarations(),
		GoogleSearch:     b.cfg.GoogleSearch,
		ResumptionHandle: b.params.Handle,
	}
	b.logger.Debug("dialing engine", "model", cfg.Model, "device_context", b.deviceContext != "")

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ctx, cancel := context.WithTimeout(b.ctx, b.cfg.ConnectTimeout)
		defer cancel()
		session, err := b.dialer.Dial(ctx, cfg)
		out <- dialResult{session: session, err: err}
	}()
}

// handleDialResult moves the bridge to READY or CLOSED. It returns a session
// outcome when the dial failed.
func (b *Bridge) handleDialResult(res dialResult) string {
	if res.err != nil {
		b.logger.Error("engine connect failed", "error", res.err)
		b.metrics.RecordUpstreamError("connect")
		b.state = stateClosed
		if dropped := b.pending.drain(); len(dropped) > 0 {
			b.logger.Info("discarding buffered messages", "count", len(dropped))
		}
		_ = b.send(protocol.ServerError{Type: protocol.TypeError, Message: connectFailedMessage})
		return "connect_failed"
	}

	b.session = res.session
	b.events = res.session.Events()
	b.state = stateReady
	resumed := res.session.Resumed()
	b.logger.Info("engine session ready", "resumed", resumed)
	_ = b.send(protocol.ServerSetupComplete{Type: protocol.TypeSetupComplete, Resumed: resumed})

	if b.pending.len() > 0 {
		msgs := b.pending.drain()
		b.logger.Info("replaying buffered messages", "count", len(msgs), "dropped", b.pending.dropped)
		for _, msg := range msgs {
			b.route(msg)
		}
	}

	switch {
	case b.params.Handle == "" && b.historyEntries == 0 && !b.params.SkipGreeting:
		b.logger.Debug("requesting greeting")
		b.sendUpstream(upstream.ContentTurns{
			Turns:        []upstream.Turn{{Role: "user", Text: GreetingText}},
			TurnComplete: true,
		})
	case b.params.Handle != "":
		b.logger.Debug("greeting skipped, session resumed")
	default:
		b.logger.Debug("greeting skipped", "history_entries", b.historyEntries, "skip_greeting", b.params.SkipGreeting)
	}
	return ""
}

func (b *Bridge) handleClientFrame(frame inboundFrame) {
	if frame.messageType != websocket.TextMessage {
		b.logger.Debug("dropping non-text client frame", "message_type", frame.messageType)
		return
	}
	msg, err := protocol.DecodeClientMessage(frame.data)
	if err != nil {
		b.logger.Warn("dropping malformed client frame", "error", err)
		return
	}

	switch b.state {
	case stateConnecting:
		accepted, firstDrop := b.pending.push(msg)
		if !accepted {
			if firstDrop {
				b.logger.Warn("pending queue full, dropping client messages until the engine is ready", "limit", b.pending.limit)
			}
			return
		}
		b.logger.Debug("buffering client message", "kind", messageKind(msg), "queued", b.pending.len())
	case stateReady:
		b.route(msg)
	default:
		b.logger.Debug("engine session closed, dropping client message", "kind", messageKind(msg))
	}
}

func (b *Bridge) route(msg any) {
	if h, ok := msg.(protocol.History); ok {
		b.routeHistory(h)
		return
	}
	cmd, err := passthroughCommand(msg)
	if err != nil {
		b.logger.Warn("dropping client message", "kind", messageKind(msg), "error", err)
		return
	}
	if a, ok := msg.(protocol.LegacyAudio); ok {
		b.metrics.RecordAudio("in", base64.StdEncoding.DecodedLen(len(a.Data)))
	}
	b.sendUpstream(cmd)
}

func (b *Bridge) routeHistory(h protocol.History) {
	deviceContext, cleaned := splitDeviceContext(h.Entries)
	if deviceContext != "" {
		if deviceContext != b.deviceContext {
			b.logger.Info("device context received after connect, not applied to instruction")
		}
		b.deviceContext = deviceContext
	}
	b.historyEntries = len(cleaned)

	turns := historyTurns(cleaned)
	if len(turns) == 0 {
		return
	}
	b.logger.Info("injecting history", "turns", len(turns))
	if !b.sendUpstream(upstream.ContentTurns{Turns: turns, TurnComplete: true}) {
		return
	}
	_ = b.send(protocol.ServerHistoryAck{Type: protocol.TypeHistoryAck, Count: len(turns)})
}

func (b *Bridge) sendUpstream(cmd upstream.Command) bool {
	if b.session == nil || b.state != stateReady {
		return false
	}
	if err := b.session.Send(cmd); err != nil {
		b.logger.Warn("engine send failed", "error", err)
		b.metrics.RecordUpstreamError("send")
		_ = b.send(protocol.ServerError{Type: protocol.TypeError, Message: err.Error()})
		return false
	}
	return true
}

// handleEvent applies one engine event. It reports whether the engine
// session ended.
func (b *Bridge) handleEvent(ev upstream.Event, toolDone chan<- []tools.Result) bool {
	switch e := ev.(type) {
	case upstream.ResumptionUpdate:
		b.lastHandle = e.Handle
		_ = b.send(protocol.ServerSessionHandle{Type: protocol.TypeSessionHandle, Handle: e.Handle})
	case upstream.ToolCallBatch:
		b.startToolBatch(e.Calls, toolDone)
	case upstream.AudioChunk:
		b.metrics.RecordAudio("out", len(e.Data))
		_ = b.send(protocol.ServerAudio{
			Type:     protocol.TypeAudio,
			Data:     base64.StdEncoding.EncodeToString(e.Data),
			MIMEType: e.MIMEType,
		})
	case upstream.Interrupted:
		_ = b.send(protocol.ServerInterrupted{Type: protocol.TypeInterrupted})
	case upstream.OutputTranscript:
		b.turnText.WriteString(e.Text)
		_ = b.send(protocol.ServerAITranscript{Type: protocol.TypeAITranscript, Data: e.Text})
	case upstream.InputTranscript:
		b.conversation.user(e.Text)
		_ = b.send(protocol.ServerUserTranscript{Type: protocol.TypeUserTranscript, Data: e.Text})
	case upstream.TurnComplete:
		b.completeTurn()
	case upstream.ErrorEvent:
		b.metrics.RecordUpstreamError("receive")
		b.logger.Warn("engine error", "error", e.Err)
		_ = b.send(protocol.ServerError{Type: protocol.TypeError, Message: errorMessage(e.Err)})
	case upstream.Closed:
		b.logger.Info("engine session closed", "error", e.Err, "has_handle", b.lastHandle != "")
		b.state = stateClosed
		b.events = nil
		if b.session != nil {
			_ = b.session.Close()
			b.session = nil
		}
		if !b.clientOpen() {
			b.logger.Debug("client already gone, session_closed not sent")
			return true
		}
		_ = b.send(protocol.ServerSessionClosed{
			Type:    protocol.TypeSessionClosed,
			Handle:  b.lastHandle,
			Message: upstreamClosedMessage,
		})
		return true
	}
	return false
}

func (b *Bridge) clientOpen() bool {
	return b.ctx.Err() == nil && !b.clientGone.Load()
}

func errorMessage(err error) string {
	if err == nil {
		return "engine error"
	}
	return err.Error()
}

func (b *Bridge) completeTurn() {
	transcript := b.turnText.String()
	b.conversation.assistant(transcript)

	if !b.notified && b.safety.Mentions(transcript) {
		b.notified = true
		b.runSafetyNet(b.conversation.String())
	}

	b.turnText.Reset()
	_ = b.send(protocol.ServerTurnComplete{Type: protocol.TypeTurnComplete})
}

// runSafetyNet mails the conversation in the background. The mail outlives
// the connection up to SafetyNetTimeout.
func (b *Bridge) runSafetyNet(conversation string) {
	b.logger.Warn("assistant mentioned sending without send_email, sending fallback notification")
	if b.mailer == nil {
		b.logger.Error("safety net has no mailer")
		b.metrics.RecordSafetyNet(false)
		return
	}
	msg := safetyNetMessage(b.cfg.LeadFrom, b.cfg.LeadTo, conversation)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(b.ctx), b.cfg.SafetyNetTimeout)
		defer cancel()
		err := b.mailer.Send(ctx, msg)
		b.metrics.RecordSafetyNet(err == nil)
		if err != nil {
			b.logger.Error("safety net notification failed", "error", err)
			return
		}
		b.logger.Info("safety net notification sent")
	}()
}

func (b *Bridge) startToolBatch(calls []upstream.FunctionCall, done chan<- []tools.Result) {
	batch := make([]tools.Call, 0, len(calls))
	for _, c := range calls {
		args := c.Args
		if args == nil {
			args = map[string]any{}
		}
		_ = b.send(protocol.ServerToolCall{Type: protocol.TypeToolCall, FunctionName: c.Name, FunctionArgs: args})
		if c.Name == tools.ToolSendEmail {
			b.notified = true
		}
		batch = append(batch, tools.Call{ID: c.ID, Name: c.Name, Args: args})
	}
	b.logger.Info("tool calls received", "count", len(batch))

	sink := clientSink{b: b}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		results := b.tools.DispatchBatch(b.ctx, batch, sink, func(res tools.Result) {
			_ = b.send(protocol.ServerToolCall{
				Type:           protocol.TypeToolCall,
				FunctionName:   res.Call.Name,
				FunctionArgs:   res.Call.Args,
				FunctionResult: res.Payload,
			})
		})
		select {
		case done <- results:
		case <-b.ctx.Done():
		}
	}()
}

func (b *Bridge) sendToolResponse(results []tools.Result) {
	if len(results) == 0 {
		return
	}
	if b.session == nil || b.state != stateReady {
		b.logger.Info("engine session gone, dropping tool results", "count", len(results))
		return
	}
	responses := make([]upstream.FunctionResponse, 0, len(results))
	for _, res := range results {
		responses = append(responses, upstream.FunctionResponse{
			ID:       res.Call.ID,
			Name:     res.Call.Name,
			Response: map[string]any{"result": res.Payload},
		})
	}
	b.logger.Info("sending tool responses", "count", len(responses))
	b.sendUpstream(upstream.ToolResponse{Responses: responses})
}

// clientSink forwards tool notices to the client socket.
type clientSink struct {
	b *Bridge
}

func (s clientSink) Notice(text string) {
	_ = s.b.send(protocol.ServerText{Type: protocol.TypeText, Data: text})
}

func (s clientSink) Visual(html string) {
	_ = s.b.send(protocol.ServerVisual{Type: protocol.TypeVisual, HTML: html})
}
