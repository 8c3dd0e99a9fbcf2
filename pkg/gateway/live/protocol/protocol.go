package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// LegacyAudioMIMEType is the format of legacy {type:"audio"} frames.
const LegacyAudioMIMEType = "audio/pcm;rate=16000"

// DeviceContextMarker tags the history entry that carries device context.
const DeviceContextMarker = "[КОНТЕКСТ УСТРОЙСТВА]"

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

func unsupported(message, param string) *DecodeError {
	return &DecodeError{Code: "unsupported", Message: message, Param: param}
}

type HistoryEntry struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// History is a batch of prior text turns. It arrives either as
// {history:[...]} or as {type:"history", data:[...]}.
type History struct {
	Entries []HistoryEntry
}

// RealtimeInput carries the engine's realtime input object verbatim.
type RealtimeInput struct {
	Raw json.RawMessage
}

// ClientContent carries the engine's client content object verbatim.
type ClientContent struct {
	Raw json.RawMessage
}

// LegacyAudio is base64 PCM at 16 kHz.
type LegacyAudio struct {
	Data string
}

type LegacyText struct {
	Data string
}

type clientEnvelope struct {
	Type          string          `json:"type"`
	Data          json.RawMessage `json:"data"`
	History       json.RawMessage `json:"history"`
	RealtimeInput json.RawMessage `json:"realtimeInput"`
	ClientContent json.RawMessage `json:"clientContent"`
}

// DecodeClientMessage classifies one inbound frame. The shapes are checked in
// priority order: history, realtimeInput, clientContent, legacy audio, legacy
// text. It returns History, RealtimeInput, ClientContent, LegacyAudio or
// LegacyText, or a *DecodeError.
func DecodeClientMessage(data []byte) (any, error) {
	var env clientEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	typ := strings.TrimSpace(env.Type)

	if present(env.History) {
		entries, err := decodeHistory(env.History)
		if err != nil {
			return nil, badRequest("history must be an array of {role, content}", "history")
		}
		return History{Entries: entries}, nil
	}
	if typ == "history" && isArray(env.Data) {
		entries, err := decodeHistory(env.Data)
		if err != nil {
			return nil, badRequest("history data must be an array of {role, content}", "data")
		}
		return History{Entries: entries}, nil
	}
	if present(env.RealtimeInput) {
		return RealtimeInput{Raw: env.RealtimeInput}, nil
	}
	if present(env.ClientContent) {
		return ClientContent{Raw: env.ClientContent}, nil
	}

	switch typ {
	case "audio":
		var b64 string
		if err := json.Unmarshal(env.Data, &b64); err != nil || strings.TrimSpace(b64) == "" {
			return nil, badRequest("audio.data must be a base64 string", "data")
		}
		return LegacyAudio{Data: b64}, nil
	case "text":
		var text string
		if err := json.Unmarshal(env.Data, &text); err != nil {
			return nil, badRequest("text.data must be a string", "data")
		}
		return LegacyText{Data: text}, nil
	case "":
		return nil, badRequest("unrecognized message shape", "")
	default:
		return nil, unsupported("unsupported message type", "type")
	}
}

func decodeHistory(raw json.RawMessage) ([]HistoryEntry, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, err
	}
	out := make([]HistoryEntry, 0, len(items))
	for _, item := range items {
		var entry struct {
			Role    string `json:"role"`
			Content any    `json:"content"`
		}
		if err := json.Unmarshal(item, &entry); err != nil {
			// Entries that are not objects carry nothing to inject.
			continue
		}
		text, _ := entry.Content.(string)
		out = append(out, HistoryEntry{Role: entry.Role, Content: text})
	}
	return out, nil
}

func present(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return false
	}
	switch string(trimmed) {
	case "null", "false", `""`, "0":
		return false
	}
	return true
}

func isArray(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '['
}

// Server frame type names.
const (
	TypeSetupComplete  = "setup_complete"
	TypeHistoryAck     = "history_ack"
	TypeToolCall       = "tool_call"
	TypeAudio          = "audio"
	TypeAITranscript   = "ai_transcript"
	TypeUserTranscript = "user_transcript"
	TypeInterrupted    = "interrupted"
	TypeTurnComplete   = "turn_complete"
	TypeSessionHandle  = "session_handle"
	TypeSessionClosed  = "session_closed"
	TypeError          = "error"
	TypeText           = "text"
	TypeVisual         = "visual"
)

type ServerSetupComplete struct {
	Type    string `json:"type"`
	Resumed bool   `json:"resumed"`
}

type ServerHistoryAck struct {
	Type  string `json:"type"`
	Count int    `json:"count"`
}

// ServerToolCall announces a tool call and, in a second frame, its result.
type ServerToolCall struct {
	Type           string         `json:"type"`
	FunctionName   string         `json:"functionName"`
	FunctionArgs   map[string]any `json:"functionArgs"`
	FunctionResult map[string]any `json:"functionResult,omitempty"`
}

type ServerAudio struct {
	Type     string `json:"type"`
	Data     string `json:"data"`
	MIMEType string `json:"mimeType"`
}

type ServerAITranscript struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

type ServerUserTranscript struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

type ServerInterrupted struct {
	Type string `json:"type"`
}

type ServerTurnComplete struct {
	Type string `json:"type"`
}

type ServerSessionHandle struct {
	Type   string `json:"type"`
	Handle string `json:"handle"`
}

type ServerSessionClosed struct {
	Type    string `json:"type"`
	Handle  string `json:"handle"`
	Message string `json:"message"`
}

type ServerError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ServerText is an informational notice for the user.
type ServerText struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

type ServerVisual struct {
	Type string `json:"type"`
	HTML string `json:"html"`
}
