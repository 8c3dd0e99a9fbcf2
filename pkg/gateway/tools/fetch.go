package tools

import (
	"context"
	"fmt"
	"net/http"
	"regexp"

	"github.com/vango-go/vai-bridge/pkg/gateway/live/upstream"
	"github.com/vango-go/vai-bridge/pkg/gateway/tools/safety"
	"github.com/vango-go/vai-bridge/pkg/gateway/tools/textutil"
)

const (
	FetchUserAgent       = "Mozilla/5.0 (compatible; PioneerAI-Bot/1.0)"
	DefaultFetchMaxChars = 5000
	DefaultFetchMaxBytes = 5 << 20
)

var reHasScheme = regexp.MustCompile(`(?i)^https?://`)

type FetchConfig struct {
	Guard    safety.Guard
	MaxBytes int64
	MaxChars int
}

type FetchURLExecutor struct {
	cfg    FetchConfig
	client *http.Client
}

// NewFetchURLExecutor wraps httpClient with cfg.Guard.
func NewFetchURLExecutor(cfg FetchConfig, httpClient *http.Client) *FetchURLExecutor {
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultFetchMaxBytes
	}
	if cfg.MaxChars <= 0 {
		cfg.MaxChars = DefaultFetchMaxChars
	}
	return &FetchURLExecutor{cfg: cfg, client: cfg.Guard.HTTPClient(httpClient)}
}

func (e *FetchURLExecutor) Name() string { return ToolFetchURL }

func (e *FetchURLExecutor) Declaration() upstream.ToolDeclaration {
	return upstream.ToolDeclaration{
		Name:        ToolFetchURL,
		Description: "Загружает и анализирует содержимое веб-страницы. Используй когда пользователь просит посмотреть/проверить/проанализировать сайт. ВАЖНО: СНАЧАЛА скажи пользователю 'Сейчас посмотрю сайт [URL]' и ТОЛЬКО ПОТОМ вызывай функцию.",
		Parameters: []upstream.ToolParameter{
			{Name: "url", Description: "URL страницы (можно без https://, он будет добавлен автоматически). Например: example.com или https://example.com", Required: true},
		},
	}
}

// NormalizeURL prepends https:// when raw has no http(s) scheme.
func NormalizeURL(raw string) string {
	if raw == "" || reHasScheme.MatchString(raw) {
		return raw
	}
	return "https://" + raw
}

func (e *FetchURLExecutor) Execute(ctx context.Context, args map[string]any, sink Sink) map[string]any {
	target := NormalizeURL(stringArg(args, "url"))
	sink.Notice("🔍 Просматриваю сайт " + target + "...")
	if target == "" {
		return failure("url is required")
	}

	if _, err := e.cfg.Guard.ValidateURL(ctx, target); err != nil {
		return failure(err.Error())
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return failure(err.Error())
	}
	req.Header.Set("User-Agent", FetchUserAgent)

	resp, err := e.client.Do(req)
	if err != nil {
		return failure(err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return failure(fmt.Sprintf("HTTP %d", resp.StatusCode))
	}
	body, err := safety.ReadBodyLimited(resp, e.cfg.MaxBytes)
	if err != nil {
		return failure(err.Error())
	}

	text, truncated := textutil.Truncate(textutil.HTMLToText(string(body)), e.cfg.MaxChars)
	return map[string]any{
		"success":   true,
		"content":   text,
		"truncated": truncated,
		"url":       target,
	}
}
