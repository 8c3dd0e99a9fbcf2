// Package upstream is the bridge's view of the conversational engine: one
// Session per client connection, driven by typed commands and observed as a
// stream of typed events.
package upstream

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Session is a live engine session. Send is safe for concurrent use, though
// the bridge only calls it from its event loop. Events is closed after a
// Closed event or after Close.
type Session interface {
	Send(cmd Command) error
	Events() <-chan Event
	Resumed() bool
	Close() error
}

// Dialer opens engine sessions. Dial returns once the engine has accepted the
// setup, or with the error that prevented it. There is no retry.
type Dialer interface {
	Dial(ctx context.Context, cfg SessionConfig) (Session, error)
}

type SessionConfig struct {
	Model          string
	Instruction    string
	Voice          string
	ThinkingBudget int
	Tools          []ToolDeclaration
	GoogleSearch   bool
	// ResumptionHandle continues a prior engine session when non-empty.
	ResumptionHandle string
}

// ToolDeclaration describes a function the engine may call. Every parameter
// is a string.
type ToolDeclaration struct {
	Name        string
	Description string
	Parameters  []ToolParameter
}

type ToolParameter struct {
	Name        string
	Description string
	Required    bool
}

type Turn struct {
	Role string
	Text string
}

type FunctionCall struct {
	ID   string
	Name string
	Args map[string]any
}

type FunctionResponse struct {
	ID       string
	Name     string
	Response map[string]any
}

// Command is something the bridge sends to the engine.
type Command interface{ isCommand() }

// RealtimeInput forwards a client realtimeInput object verbatim.
type RealtimeInput struct{ Raw json.RawMessage }

// ClientContent forwards a client clientContent object verbatim.
type ClientContent struct{ Raw json.RawMessage }

// ContentTurns sends text turns built by the bridge.
type ContentTurns struct {
	Turns        []Turn
	TurnComplete bool
}

// ToolResponse answers one tool-call batch.
type ToolResponse struct {
	Responses []FunctionResponse
}

func (RealtimeInput) isCommand() {}
func (ClientContent) isCommand() {}
func (ContentTurns) isCommand()  {}
func (ToolResponse) isCommand()  {}

// Event is something the engine reported.
type Event interface{ isEvent() }

type ResumptionUpdate struct {
	Handle    string
	Resumable bool
}

type ToolCallBatch struct {
	Calls []FunctionCall
}

type AudioChunk struct {
	Data     []byte
	MIMEType string
}

type OutputTranscript struct{ Text string }

type InputTranscript struct{ Text string }

type Interrupted struct{}

type TurnComplete struct{}

// ErrorEvent is a recoverable engine error. The session stays open.
type ErrorEvent struct{ Err error }

// Closed reports that the engine ended the session without the bridge asking.
type Closed struct{ Err error }

func (ResumptionUpdate) isEvent() {}
func (ToolCallBatch) isEvent()    {}
func (AudioChunk) isEvent()       {}
func (OutputTranscript) isEvent() {}
func (InputTranscript) isEvent()  {}
func (Interrupted) isEvent()      {}
func (TurnComplete) isEvent()     {}
func (ErrorEvent) isEvent()       {}
func (Closed) isEvent()           {}

// LegacyAudioInput builds the realtimeInput object for a base64 PCM chunk.
func LegacyAudioInput(b64, mimeType string) (RealtimeInput, error) {
	if _, err := base64.StdEncoding.DecodeString(b64); err != nil {
		return RealtimeInput{}, fmt.Errorf("decode legacy audio: %w", err)
	}
	raw, err := json.Marshal(map[string]any{
		"audio": map[string]string{"data": b64, "mimeType": mimeType},
	})
	if err != nil {
		return RealtimeInput{}, err
	}
	return RealtimeInput{Raw: raw}, nil
}
