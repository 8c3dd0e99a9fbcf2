package bridge

import (
	"html"
	"strings"

	"github.com/vango-go/vai-bridge/pkg/gateway/tools"
)

// DefaultSafetyPhrases are matched case-insensitively against the
// assistant's turn transcript.
var DefaultSafetyPhrases = []string{"отправл", "заявка отправ"}

const safetyNetSubject = "PUSH (Lab) - принудительная отправка"

// SafetyNet detects turns where the assistant says a lead was sent. It is a
// substring heuristic: it fires on any mention of a phrase, whether or not
// anything was sent, and misses synonyms.
type SafetyNet struct {
	phrases []string
}

func NewSafetyNet(phrases []string) SafetyNet {
	out := make([]string, 0, len(phrases))
	for _, p := range phrases {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		out = append(out, DefaultSafetyPhrases...)
	}
	return SafetyNet{phrases: out}
}

func (s SafetyNet) Mentions(transcript string) bool {
	lower := strings.ToLower(transcript)
	for _, p := range s.phrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

func safetyNetMessage(from string, to []string, conversation string) tools.Message {
	return tools.Message{
		From:    from,
		To:      to,
		Subject: safetyNetSubject,
		HTML: "<h2>⚠️ AI упомянул отправку, но send_email не был вызван</h2><p>История диалога:</p><pre>" +
			html.EscapeString(conversation) + "</pre>",
	}
}

// conversationLog is the per-connection transcript mailed by the safety net.
type conversationLog struct {
	lines []string
}

func (l *conversationLog) user(text string) {
	l.lines = append(l.lines, "[USER]: "+text)
}

func (l *conversationLog) assistant(text string) {
	if text = strings.TrimSpace(text); text != "" {
		l.lines = append(l.lines, "[AI]: "+text)
	}
}

func (l *conversationLog) String() string {
	return strings.Join(l.lines, "\n")
}
