package tools

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/vango-go/vai-bridge/pkg/gateway/tools/safety"
)

type fakeMailer struct {
	err  error
	sent []Message
}

func (m *fakeMailer) Send(_ context.Context, msg Message) error {
	m.sent = append(m.sent, msg)
	return m.err
}

func TestSendEmail_FallbackArgumentsAndBody(t *testing.T) {
	mailer := &fakeMailer{}
	sink := &recordingSink{}
	ex := NewSendEmailExecutor(mailer, "from@x", []string{"to@x"})

	payload := ex.Execute(context.Background(), map[string]any{
		"topic": "Лид",
		"text":  "Имя: Анна\nТел: 123",
	}, sink)

	if payload["success"] != true {
		t.Fatalf("payload=%v", payload)
	}
	if len(mailer.sent) != 1 {
		t.Fatalf("sent=%d, want 1", len(mailer.sent))
	}
	msg := mailer.sent[0]
	if msg.Subject != "Лид" || msg.From != "from@x" || msg.To[0] != "to@x" {
		t.Fatalf("msg=%+v", msg)
	}
	if msg.HTML != "<p>Голосовой чат (Lab): Имя: Анна<br>Тел: 123</p>" {
		t.Fatalf("html=%q", msg.HTML)
	}
	if got := sink.Notices(); len(got) != 1 || got[0] != "✅ Заявка отправлена" {
		t.Fatalf("notices=%v", got)
	}
}

func TestSendEmail_Defaults(t *testing.T) {
	mailer := &fakeMailer{}
	NewSendEmailExecutor(mailer, "f", nil).Execute(context.Background(), map[string]any{"subject": "  "}, &recordingSink{})
	msg := mailer.sent[0]
	if msg.Subject != defaultLeadSubject {
		t.Fatalf("subject=%q", msg.Subject)
	}
	if !strings.Contains(msg.HTML, defaultLeadMessage) {
		t.Fatalf("html=%q", msg.HTML)
	}
}

func TestSendEmail_Failure(t *testing.T) {
	mailer := &fakeMailer{err: errors.New("quota exceeded")}
	sink := &recordingSink{}
	payload := NewSendEmailExecutor(mailer, "f", nil).Execute(context.Background(), map[string]any{"subject": "s", "message": "m"}, sink)
	if payload["success"] != false || payload["error"] != "quota exceeded" {
		t.Fatalf("payload=%v", payload)
	}
	if got := sink.Notices(); len(got) != 1 || got[0] != "❌ Ошибка: quota exceeded" {
		t.Fatalf("notices=%v", got)
	}
}

type fakeCases struct {
	list    any
	details map[string]any
	err     error
	calls   int
}

func (f *fakeCases) ListCases(context.Context) (any, error) {
	f.calls++
	return f.list, f.err
}

func (f *fakeCases) CaseDetails(_ context.Context, slug string) (any, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	d, ok := f.details[slug]
	if !ok {
		return nil, errors.New("not found")
	}
	return d, nil
}

func TestListCases(t *testing.T) {
	src := &fakeCases{list: []any{map[string]any{"slug": "a"}}}
	sink := &recordingSink{}
	payload := NewListCasesExecutor(src).Execute(context.Background(), nil, sink)
	if payload["success"] != true {
		t.Fatalf("payload=%v", payload)
	}
	if items, ok := payload["data"].([]any); !ok || len(items) != 1 {
		t.Fatalf("data=%v", payload["data"])
	}
	if got := sink.Notices(); len(got) != 1 || got[0] != "📋 Загружаю кейсы..." {
		t.Fatalf("notices=%v", got)
	}

	src.err = errors.New("down")
	payload = NewListCasesExecutor(src).Execute(context.Background(), nil, sink)
	if len(payload) != 1 || payload["success"] != false {
		t.Fatalf("failure payload=%v, want exactly {success:false}", payload)
	}
}

func TestCaseDetails(t *testing.T) {
	src := &fakeCases{details: map[string]any{"crm": map[string]any{"title": "CRM"}}}
	sink := &recordingSink{}
	ex := NewCaseDetailsExecutor(src)

	payload := ex.Execute(context.Background(), map[string]any{"slug": "crm"}, sink)
	if payload["success"] != true {
		t.Fatalf("payload=%v", payload)
	}
	if got := sink.Notices(); got[0] != "📖 Кейс: crm" {
		t.Fatalf("notices=%v", got)
	}

	if payload := ex.Execute(context.Background(), map[string]any{"slug": "nope"}, sink); payload["success"] != false {
		t.Fatalf("missing slug payload=%v", payload)
	}

	before := src.calls
	if payload := ex.Execute(context.Background(), map[string]any{}, sink); payload["success"] != false {
		t.Fatalf("empty slug payload=%v", payload)
	}
	if src.calls != before {
		t.Fatalf("empty slug reached the source")
	}
}

func TestNormalizeURL(t *testing.T) {
	cases := map[string]string{
		"example.com":          "https://example.com",
		"http://example.com":   "http://example.com",
		"HTTPS://example.com/": "HTTPS://example.com/",
		"":                     "",
	}
	for in, want := range cases {
		if got := NormalizeURL(in); got != want {
			t.Fatalf("NormalizeURL(%q)=%q, want %q", in, got, want)
		}
	}
}

func TestFetchURL_PrependsSchemeAndSanitizes(t *testing.T) {
	var gotUA string
	ts := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><head><style>p{}</style></head><body><p>Hi</p><script>bad()</script></body></html>`))
	}))
	defer ts.Close()

	host := strings.TrimPrefix(ts.URL, "https://")
	sink := &recordingSink{}
	ex := NewFetchURLExecutor(FetchConfig{Guard: safety.Guard{AllowPrivate: true}}, ts.Client())
	payload := ex.Execute(context.Background(), map[string]any{"url": host}, sink)

	if payload["success"] != true {
		t.Fatalf("payload=%v", payload)
	}
	if payload["content"] != "Hi" || payload["truncated"] != false {
		t.Fatalf("content=%q truncated=%v", payload["content"], payload["truncated"])
	}
	if payload["url"] != "https://"+host {
		t.Fatalf("url=%v", payload["url"])
	}
	if gotUA != FetchUserAgent {
		t.Fatalf("user agent=%q", gotUA)
	}
	if got := sink.Notices(); got[0] != "🔍 Просматриваю сайт https://"+host+"..." {
		t.Fatalf("notices=%v", got)
	}
}

func TestFetchURL_Truncates(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("я", 12)))
	}))
	defer ts.Close()

	ex := NewFetchURLExecutor(FetchConfig{Guard: safety.Guard{AllowPrivate: true}, MaxChars: 10}, ts.Client())
	payload := ex.Execute(context.Background(), map[string]any{"url": ts.URL}, &recordingSink{})
	if payload["truncated"] != true || payload["content"] != strings.Repeat("я", 10) {
		t.Fatalf("payload=%v", payload)
	}

	ex = NewFetchURLExecutor(FetchConfig{Guard: safety.Guard{AllowPrivate: true}, MaxChars: 12}, ts.Client())
	payload = ex.Execute(context.Background(), map[string]any{"url": ts.URL}, &recordingSink{})
	if payload["truncated"] != false {
		t.Fatalf("text at the limit reported truncated")
	}
}

func TestFetchURL_Non2xx(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts.Close()

	ex := NewFetchURLExecutor(FetchConfig{Guard: safety.Guard{AllowPrivate: true}}, ts.Client())
	payload := ex.Execute(context.Background(), map[string]any{"url": ts.URL}, &recordingSink{})
	if payload["success"] != false || payload["error"] != "HTTP 404" {
		t.Fatalf("payload=%v", payload)
	}
}

func TestFetchURL_BlocksPrivateAddresses(t *testing.T) {
	ex := NewFetchURLExecutor(FetchConfig{}, nil)
	payload := ex.Execute(context.Background(), map[string]any{"url": "http://127.0.0.1:9/"}, &recordingSink{})
	if payload["success"] != false {
		t.Fatalf("payload=%v", payload)
	}
}

func TestFetchURL_RequiresURL(t *testing.T) {
	ex := NewFetchURLExecutor(FetchConfig{}, nil)
	payload := ex.Execute(context.Background(), map[string]any{}, &recordingSink{})
	if payload["error"] != "url is required" {
		t.Fatalf("payload=%v", payload)
	}
}

type fakeGenerator struct {
	out    string
	err    error
	prompt string
}

func (g *fakeGenerator) Generate(_ context.Context, prompt string) (string, error) {
	g.prompt = prompt
	return g.out, g.err
}

func TestGenerateVisual_StripsThinkingAndEmitsVisual(t *testing.T) {
	gen := &fakeGenerator{out: "<thinking>plan</thinking>\n<div>Card</div>"}
	sink := &recordingSink{}
	payload := NewGenerateVisualExecutor(gen).Execute(context.Background(), map[string]any{
		"prompt":  "покажи кейсы",
		"context": "a,b",
	}, sink)

	if payload["success"] != true || payload["rendered"] != true || payload["length"] != len("<div>Card</div>") {
		t.Fatalf("payload=%v", payload)
	}
	if len(sink.visuals) != 1 || sink.visuals[0] != "<div>Card</div>" {
		t.Fatalf("visuals=%v", sink.visuals)
	}
	if !strings.Contains(gen.prompt, "ЗАДАЧА: покажи кейсы\n") || !strings.HasSuffix(gen.prompt, "\nДАННЫЕ: a,b") {
		t.Fatalf("prompt=%q", gen.prompt)
	}
	if got := sink.Notices(); len(got) != 1 || got[0] != "🎨 Генерирую визуализацию..." {
		t.Fatalf("notices=%v", got)
	}
}

func TestGenerateVisual_EmptyAfterStripping(t *testing.T) {
	gen := &fakeGenerator{out: "<think>only reasoning</think>"}
	sink := &recordingSink{}
	payload := NewGenerateVisualExecutor(gen).Execute(context.Background(), map[string]any{"prompt": "x"}, sink)
	if payload["success"] != false || payload["error"] != "Empty response" {
		t.Fatalf("payload=%v", payload)
	}
	if len(sink.visuals) != 0 || len(sink.Notices()) != 1 {
		t.Fatalf("visuals=%v notices=%v", sink.visuals, sink.Notices())
	}
}

func TestGenerateVisual_GeneratorError(t *testing.T) {
	gen := &fakeGenerator{err: errors.New("HTTP 502: bad gateway")}
	sink := &recordingSink{}
	payload := NewGenerateVisualExecutor(gen).Execute(context.Background(), map[string]any{"prompt": "x"}, sink)
	if payload["success"] != false || payload["error"] != "HTTP 502: bad gateway" {
		t.Fatalf("payload=%v", payload)
	}
	notices := sink.Notices()
	if len(notices) != 2 || notices[1] != "❌ Не удалось сгенерировать визуализацию" {
		t.Fatalf("notices=%v", notices)
	}
}

func TestVisualPrompt_OmitsEmptyData(t *testing.T) {
	if p := VisualPrompt("task", ""); strings.Contains(p, "ДАННЫЕ") {
		t.Fatalf("prompt=%q", p)
	}
}
