package bridge

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/vango-go/vai-bridge/pkg/gateway/live/protocol"
	"github.com/vango-go/vai-bridge/pkg/gateway/live/upstream"
)

func TestSplitDeviceContext_LastMarkerWins(t *testing.T) {
	entries := []protocol.HistoryEntry{
		{Role: "user", Content: protocol.DeviceContextMarker + " iPhone, ru-RU"},
		{Role: "user", Content: "Привет"},
		{Role: "assistant", Content: "   "},
		{Role: "assistant", Content: "Здравствуйте"},
		{Role: "user", Content: protocol.DeviceContextMarker + "\nAndroid, Москва"},
	}
	dc, cleaned := splitDeviceContext(entries)
	if dc != "Android, Москва" {
		t.Fatalf("deviceContext=%q, want %q", dc, "Android, Москва")
	}
	if len(cleaned) != 2 {
		t.Fatalf("cleaned=%d, want 2: %+v", len(cleaned), cleaned)
	}
	if cleaned[0].Content != "Привет" || cleaned[1].Content != "Здравствуйте" {
		t.Fatalf("cleaned=%+v", cleaned)
	}
}

func TestHistoryTurns_MapsRolesAndAppendsContinuation(t *testing.T) {
	turns := historyTurns([]protocol.HistoryEntry{
		{Role: "user", Content: "a"},
		{Role: "assistant", Content: "b"},
		{Role: "system", Content: "c"},
	})
	want := []upstream.Turn{
		{Role: "user", Text: "a"},
		{Role: "model", Text: "b"},
		{Role: "user", Text: "c"},
		{Role: "user", Text: ContinuationText},
	}
	if len(turns) != len(want) {
		t.Fatalf("turns=%d, want %d", len(turns), len(want))
	}
	for i := range want {
		if turns[i] != want[i] {
			t.Fatalf("turns[%d]=%+v, want %+v", i, turns[i], want[i])
		}
	}
	if got := historyTurns(nil); got != nil {
		t.Fatalf("historyTurns(nil)=%+v, want nil", got)
	}
}

func TestPassthroughCommand(t *testing.T) {
	raw := json.RawMessage(`{"audio":{"data":"AAAA"}}`)
	cmd, err := passthroughCommand(protocol.RealtimeInput{Raw: raw})
	if err != nil {
		t.Fatalf("realtime: %v", err)
	}
	if ri, ok := cmd.(upstream.RealtimeInput); !ok || string(ri.Raw) != string(raw) {
		t.Fatalf("realtime cmd=%#v", cmd)
	}

	cmd, err = passthroughCommand(protocol.LegacyAudio{Data: "AAEC"})
	if err != nil {
		t.Fatalf("legacy audio: %v", err)
	}
	ri, ok := cmd.(upstream.RealtimeInput)
	if !ok || !strings.Contains(string(ri.Raw), protocol.LegacyAudioMIMEType) {
		t.Fatalf("legacy audio cmd=%#v", cmd)
	}

	if _, err := passthroughCommand(protocol.LegacyAudio{Data: "%%%"}); err == nil {
		t.Fatalf("expected invalid base64 to fail")
	}

	cmd, err = passthroughCommand(protocol.LegacyText{Data: "hi"})
	if err != nil {
		t.Fatalf("legacy text: %v", err)
	}
	ct, ok := cmd.(upstream.ContentTurns)
	if !ok || !ct.TurnComplete || len(ct.Turns) != 1 || ct.Turns[0].Text != "hi" || ct.Turns[0].Role != "user" {
		t.Fatalf("legacy text cmd=%#v", cmd)
	}

	if _, err := passthroughCommand(protocol.History{}); err == nil {
		t.Fatalf("expected history to be unroutable")
	}
}

func TestPendingQueue_BoundedAndPeeksDeviceContext(t *testing.T) {
	q := newPendingQueue(2)
	if ok, _ := q.push(protocol.LegacyText{Data: "one"}); !ok {
		t.Fatalf("first push refused")
	}
	if ok, _ := q.push(protocol.History{Entries: []protocol.HistoryEntry{{Role: "user", Content: protocol.DeviceContextMarker + " desktop"}}}); !ok {
		t.Fatalf("second push refused")
	}
	if ok, first := q.push(protocol.LegacyText{Data: "three"}); ok || !first {
		t.Fatalf("push beyond limit: accepted=%v firstDrop=%v, want false true", ok, first)
	}
	if ok, first := q.push(protocol.LegacyText{Data: "four"}); ok || first {
		t.Fatalf("second overflow push: accepted=%v firstDrop=%v, want false false", ok, first)
	}
	if q.dropped != 2 {
		t.Fatalf("dropped=%d, want 2", q.dropped)
	}
	if dc := q.deviceContext(); dc != "desktop" {
		t.Fatalf("deviceContext=%q, want desktop", dc)
	}
	if q.len() != 2 {
		t.Fatalf("peek consumed messages: len=%d", q.len())
	}

	items := q.drain()
	if len(items) != 2 || q.len() != 0 {
		t.Fatalf("drain=%d left=%d", len(items), q.len())
	}
	if txt, ok := items[0].(protocol.LegacyText); !ok || txt.Data != "one" {
		t.Fatalf("items[0]=%#v", items[0])
	}

	q.push(protocol.LegacyText{Data: "a"})
	q.push(protocol.LegacyText{Data: "b"})
	if _, first := q.push(protocol.LegacyText{Data: "c"}); !first {
		t.Fatalf("overflow after drain not reported as a new burst")
	}
}

func TestSafetyNet_Mentions(t *testing.T) {
	net := NewSafetyNet(nil)
	cases := []struct {
		text string
		want bool
	}{
		{"Ваша заявка ОТПРАВЛЕНА менеджеру.", true},
		{"Я запишу вашу заявку", false},
		{"Сейчас отправлю", true},
		{"", false},
	}
	for _, tc := range cases {
		if got := net.Mentions(tc.text); got != tc.want {
			t.Fatalf("Mentions(%q)=%v, want %v", tc.text, got, tc.want)
		}
	}

	custom := NewSafetyNet([]string{"  SENT ", ""})
	if !custom.Mentions("It was sent.") || custom.Mentions("отправлено") {
		t.Fatalf("custom phrases not applied")
	}
}

func TestSafetyNetMessage_EscapesConversation(t *testing.T) {
	var log conversationLog
	log.user("<b>hi</b>")
	log.assistant("  ")
	log.assistant(" Заявка отправлена ")

	if got, want := log.String(), "[USER]: <b>hi</b>\n[AI]: Заявка отправлена"; got != want {
		t.Fatalf("log=%q, want %q", got, want)
	}

	msg := safetyNetMessage("bot@example.com", []string{"sales@example.com"}, log.String())
	if msg.Subject != safetyNetSubject {
		t.Fatalf("subject=%q", msg.Subject)
	}
	if strings.Contains(msg.HTML, "<b>hi</b>") || !strings.Contains(msg.HTML, "&lt;b&gt;hi&lt;/b&gt;") {
		t.Fatalf("conversation not escaped: %q", msg.HTML)
	}
	if msg.From != "bot@example.com" || len(msg.To) != 1 {
		t.Fatalf("msg=%+v", msg)
	}
}

func TestBuildInstruction(t *testing.T) {
	got := BuildInstruction("  base prompt ", "iPhone")
	if !strings.HasPrefix(got, "base prompt"+deviceContextHeading+"iPhone") {
		t.Fatalf("instruction=%q", got)
	}
	if !strings.HasSuffix(got, visualModeAppendix) {
		t.Fatalf("instruction does not end with visual mode section")
	}

	got = BuildInstruction("", "")
	if got != DefaultInstruction+visualModeAppendix {
		t.Fatalf("default instruction=%q", got)
	}
}
