package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"google.golang.org/genai"
)

const (
	eventBufferSize      = 64
	maxConsecutiveErrors = 3
)

// liveConn is the part of *genai.Session the adapter uses.
type liveConn interface {
	SendRealtimeInput(genai.LiveRealtimeInput) error
	SendClientContent(genai.LiveClientContentInput) error
	SendToolResponse(genai.LiveToolResponseInput) error
	Receive() (*genai.LiveServerMessage, error)
	Close() error
}

type connectFunc func(ctx context.Context, model string, cfg *genai.LiveConnectConfig) (liveConn, error)

// GeminiDialer opens Gemini Live sessions. The genai client is created on
// first use and shared by every session.
type GeminiDialer struct {
	APIKey     string
	BaseURL    string
	APIVersion string
	HTTPClient *http.Client
	Logger     *slog.Logger

	mu      sync.Mutex
	client  *genai.Client
	connect connectFunc
}

func (d *GeminiDialer) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

func (d *GeminiDialer) connector(ctx context.Context) (connectFunc, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.connect != nil {
		return d.connect, nil
	}
	if strings.TrimSpace(d.APIKey) == "" {
		return nil, errors.New("gemini api key is required")
	}
	if d.client == nil {
		client, err := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:     d.APIKey,
			Backend:    genai.BackendGeminiAPI,
			HTTPClient: d.HTTPClient,
			HTTPOptions: genai.HTTPOptions{
				BaseURL:    d.BaseURL,
				APIVersion: d.APIVersion,
			},
		})
		if err != nil {
			return nil, fmt.Errorf("create gemini client: %w", err)
		}
		d.client = client
	}
	live := d.client.Live
	d.connect = func(ctx context.Context, model string, cfg *genai.LiveConnectConfig) (liveConn, error) {
		return live.Connect(ctx, model, cfg)
	}
	return d.connect, nil
}

// Dial connects and waits for the engine's setupComplete.
func (d *GeminiDialer) Dial(ctx context.Context, cfg SessionConfig) (Session, error) {
	connect, err := d.connector(ctx)
	if err != nil {
		return nil, err
	}
	conn, err := connectWithContext(ctx, connect, cfg.Model, buildConnectConfig(cfg))
	if err != nil {
		return nil, err
	}
	early, err := awaitSetup(ctx, conn)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	s := &geminiSession{
		conn:    conn,
		resumed: cfg.ResumptionHandle != "",
		logger:  d.logger(),
		events:  make(chan Event, eventBufferSize),
		done:    make(chan struct{}),
	}
	go s.receiveLoop(early)
	return s, nil
}

// connectWithContext bounds Live.Connect, whose handshake ignores ctx.
func connectWithContext(ctx context.Context, connect connectFunc, model string, cfg *genai.LiveConnectConfig) (liveConn, error) {
	type result struct {
		conn liveConn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := connect(ctx, model, cfg)
		ch <- result{conn: conn, err: err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("connect gemini live: %w", r.err)
		}
		return r.conn, nil
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.conn != nil {
				_ = r.conn.Close()
			}
		}()
		return nil, fmt.Errorf("connect gemini live: %w", ctx.Err())
	}
}

// awaitSetup reads until setupComplete. Messages that arrive first are
// returned so the receive loop can replay them.
func awaitSetup(ctx context.Context, conn liveConn) ([]*genai.LiveServerMessage, error) {
	type result struct {
		early []*genai.LiveServerMessage
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		var early []*genai.LiveServerMessage
		for {
			msg, err := conn.Receive()
			if err != nil {
				ch <- result{err: fmt.Errorf("await setup: %w", err)}
				return
			}
			if msg.SetupComplete != nil {
				ch <- result{early: early}
				return
			}
			early = append(early, msg)
		}
	}()
	select {
	case r := <-ch:
		return r.early, r.err
	case <-ctx.Done():
		// Closing unblocks the pending Receive.
		_ = conn.Close()
		return nil, fmt.Errorf("await setup: %w", ctx.Err())
	}
}

type geminiSession struct {
	conn    liveConn
	resumed bool
	logger  *slog.Logger

	sendMu sync.Mutex
	events chan Event

	closed    atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
}

func (s *geminiSession) Events() <-chan Event { return s.events }

func (s *geminiSession) Resumed() bool { return s.resumed }

func (s *geminiSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.done)
		err = s.conn.Close()
	})
	return err
}

func (s *geminiSession) Send(cmd Command) error {
	if s.closed.Load() {
		return errors.New("session closed")
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	switch c := cmd.(type) {
	case RealtimeInput:
		var in realtimeInputJSON
		if err := json.Unmarshal(c.Raw, &in); err != nil {
			return fmt.Errorf("decode realtime input: %w", err)
		}
		if len(in.MediaChunks) > 0 && in.Media == nil && in.Audio == nil && in.Video == nil {
			for _, chunk := range in.MediaChunks {
				if err := s.conn.SendRealtimeInput(genai.LiveRealtimeInput{Media: chunk}); err != nil {
					return err
				}
			}
			return nil
		}
		return s.conn.SendRealtimeInput(in.LiveRealtimeInput)
	case ClientContent:
		var in genai.LiveClientContentInput
		if err := json.Unmarshal(c.Raw, &in); err != nil {
			return fmt.Errorf("decode client content: %w", err)
		}
		return s.conn.SendClientContent(in)
	case ContentTurns:
		return s.conn.SendClientContent(genai.LiveClientContentInput{
			Turns:        contentsFromTurns(c.Turns),
			TurnComplete: genai.Ptr(c.TurnComplete),
		})
	case ToolResponse:
		responses := make([]*genai.FunctionResponse, 0, len(c.Responses))
		for _, r := range c.Responses {
			responses = append(responses, &genai.FunctionResponse{
				ID:       r.ID,
				Name:     r.Name,
				Response: r.Response,
			})
		}
		return s.conn.SendToolResponse(genai.LiveToolResponseInput{FunctionResponses: responses})
	default:
		return fmt.Errorf("unsupported command %T", cmd)
	}
}

// realtimeInputJSON also accepts the older mediaChunks array.
type realtimeInputJSON struct {
	genai.LiveRealtimeInput
	MediaChunks []*genai.Blob `json:"mediaChunks,omitempty"`
}

func contentsFromTurns(turns []Turn) []*genai.Content {
	out := make([]*genai.Content, 0, len(turns))
	for _, t := range turns {
		out = append(out, &genai.Content{
			Role:  t.Role,
			Parts: []*genai.Part{{Text: t.Text}},
		})
	}
	return out
}

func (s *geminiSession) emit(ev Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

func (s *geminiSession) receiveLoop(early []*genai.LiveServerMessage) {
	defer close(s.events)

	for _, msg := range early {
		if !s.dispatch(msg) {
			return
		}
	}

	consecutive := 0
	for {
		msg, err := s.conn.Receive()
		if err != nil {
			if s.closed.Load() {
				return
			}
			if isConnectionClosed(err) {
				s.emit(Closed{Err: err})
				return
			}
			consecutive++
			s.logger.Warn("gemini receive error", "error", err, "consecutive", consecutive)
			if !s.emit(ErrorEvent{Err: err}) {
				return
			}
			if consecutive >= maxConsecutiveErrors {
				s.emit(Closed{Err: err})
				return
			}
			continue
		}
		consecutive = 0
		if !s.dispatch(msg) {
			return
		}
	}
}

// dispatch translates one server message into events, in the order
// resumption, tool call, audio, interruption, output transcript, input
// transcript, turn complete.
func (s *geminiSession) dispatch(msg *genai.LiveServerMessage) bool {
	for _, ev := range translate(msg) {
		if !s.emit(ev) {
			return false
		}
	}
	if msg.GoAway != nil {
		s.logger.Info("gemini go away", "time_left", msg.GoAway.TimeLeft)
	}
	return true
}

func translate(msg *genai.LiveServerMessage) []Event {
	if msg == nil {
		return nil
	}
	var out []Event
	if u := msg.SessionResumptionUpdate; u != nil && u.NewHandle != "" {
		out = append(out, ResumptionUpdate{Handle: u.NewHandle, Resumable: u.Resumable})
	}
	if tc := msg.ToolCall; tc != nil && len(tc.FunctionCalls) > 0 {
		calls := make([]FunctionCall, 0, len(tc.FunctionCalls))
		for _, fc := range tc.FunctionCalls {
			if fc == nil {
				continue
			}
			args := fc.Args
			if args == nil {
				args = map[string]any{}
			}
			calls = append(calls, FunctionCall{ID: fc.ID, Name: fc.Name, Args: args})
		}
		out = append(out, ToolCallBatch{Calls: calls})
	}
	sc := msg.ServerContent
	if sc == nil {
		return out
	}
	if sc.ModelTurn != nil {
		for _, part := range sc.ModelTurn.Parts {
			if part == nil || part.InlineData == nil {
				continue
			}
			if strings.Contains(part.InlineData.MIMEType, "audio") {
				out = append(out, AudioChunk{Data: part.InlineData.Data, MIMEType: part.InlineData.MIMEType})
			}
		}
	}
	if sc.Interrupted {
		out = append(out, Interrupted{})
	}
	if t := sc.OutputTranscription; t != nil && t.Text != "" {
		out = append(out, OutputTranscript{Text: t.Text})
	}
	if t := sc.InputTranscription; t != nil && t.Text != "" {
		out = append(out, InputTranscript{Text: t.Text})
	}
	if sc.TurnComplete {
		out = append(out, TurnComplete{})
	}
	return out
}

func isConnectionClosed(err error) bool {
	var ce *websocket.CloseError
	return errors.As(err, &ce) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}
