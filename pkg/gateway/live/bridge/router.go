package bridge

import (
	"fmt"
	"strings"

	"github.com/vango-go/vai-bridge/pkg/gateway/live/protocol"
	"github.com/vango-go/vai-bridge/pkg/gateway/live/upstream"
)

// splitDeviceContext pulls the device context out of history entries. The
// last marked entry wins. Marked and blank entries are removed.
func splitDeviceContext(entries []protocol.HistoryEntry) (deviceContext string, cleaned []protocol.HistoryEntry) {
	for _, e := range entries {
		if strings.Contains(e.Content, protocol.DeviceContextMarker) {
			deviceContext = strings.TrimSpace(strings.Replace(e.Content, protocol.DeviceContextMarker, "", 1))
			continue
		}
		if strings.TrimSpace(e.Content) != "" {
			cleaned = append(cleaned, e)
		}
	}
	return deviceContext, cleaned
}

// historyTurns maps cleaned history to engine turns and appends the
// continuation turn. It returns nil for empty history.
func historyTurns(cleaned []protocol.HistoryEntry) []upstream.Turn {
	if len(cleaned) == 0 {
		return nil
	}
	turns := make([]upstream.Turn, 0, len(cleaned)+1)
	for _, e := range cleaned {
		role := "user"
		if e.Role == "assistant" {
			role = "model"
		}
		turns = append(turns, upstream.Turn{Role: role, Text: e.Content})
	}
	return append(turns, upstream.Turn{Role: "user", Text: ContinuationText})
}

// passthroughCommand converts every non-history client message into the
// engine command that forwards it.
func passthroughCommand(msg any) (upstream.Command, error) {
	switch m := msg.(type) {
	case protocol.RealtimeInput:
		return upstream.RealtimeInput{Raw: m.Raw}, nil
	case protocol.ClientContent:
		return upstream.ClientContent{Raw: m.Raw}, nil
	case protocol.LegacyAudio:
		return upstream.LegacyAudioInput(m.Data, protocol.LegacyAudioMIMEType)
	case protocol.LegacyText:
		return upstream.ContentTurns{
			Turns:        []upstream.Turn{{Role: "user", Text: m.Data}},
			TurnComplete: true,
		}, nil
	default:
		return nil, fmt.Errorf("unroutable message %T", msg)
	}
}

func messageKind(msg any) string {
	switch msg.(type) {
	case protocol.History:
		return "history"
	case protocol.RealtimeInput:
		return "realtime_input"
	case protocol.ClientContent:
		return "client_content"
	case protocol.LegacyAudio:
		return "audio"
	case protocol.LegacyText:
		return "text"
	default:
		return "unknown"
	}
}
