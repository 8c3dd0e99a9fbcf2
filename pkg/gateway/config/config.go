package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v2"
)

const envPrefix = "VAI_BRIDGE_"

const (
	DefaultModel          = "gemini-2.5-flash-native-audio-preview-12-2025"
	DefaultAPIVersion     = "v1alpha"
	DefaultVoice          = "Alnilam"
	DefaultThinkingBudget = 1024

	DefaultPromptURL     = "https://bnxpiwqgdrycqrchzqlt.supabase.co/functions/v1/get_system_prompt?lab=true"
	DefaultMarkupURL     = "https://bnxpiwqgdrycqrchzqlt.supabase.co/functions/v1/gemini-chat-lab"
	DefaultCasesURL      = "https://pioneer-ai.ru/cases-summary.json"
	DefaultCaseDetailURL = "https://pioneer-ai.ru/cases/{slug}.json"
	DefaultLeadFrom      = "Pioneer AI <onboarding@resend.dev>"
)

type Config struct {
	Addr string

	// Upstream engine.
	GeminiAPIKey   string
	GeminiBaseURL  string
	APIVersion     string
	Model          string
	Voice          string
	ThinkingBudget int

	// Collaborators.
	PromptURL     string
	CasesURL      string
	CaseDetailURL string
	MarkupURL     string

	// Lead notifications.
	ResendAPIKey  string
	ResendBaseURL string
	LeadFrom      string
	LeadTo        []string
	SafetyPhrases []string

	// Bridge behavior.
	ToolTimeout        time.Duration
	ConnectTimeout     time.Duration
	MaxPendingMessages int

	// fetch_url_content.
	FetchAllowPrivate bool
	FetchMaxBytes     int64
	FetchMaxChars     int

	// Client WebSocket.
	WSMaxMessageBytes    int64
	WSPingInterval       time.Duration
	WSWriteTimeout       time.Duration
	WSReadTimeout        time.Duration
	WSMaxSessionDuration time.Duration

	// If true, client identity may be derived from proxy headers like X-Forwarded-For.
	// Only enable behind a trusted proxy/LB.
	TrustProxyHeaders bool

	// Per-client admission.
	MaxSessionsPerClient int
	ConnectRPS           float64
	ConnectBurst         int

	CORSAllowedOrigins map[string]struct{} // empty => any origin may open a bridge

	ReadHeaderTimeout             time.Duration
	ReadTimeout                   time.Duration
	ShutdownGracePeriod           time.Duration
	UpstreamResponseHeaderTimeout time.Duration
}

// LoadFromEnv reads VAI_BRIDGE_* variables. When VAI_BRIDGE_CONFIG names a
// YAML file its keys (the variable name without prefix, lowercased) fill in
// anything the environment leaves unset.
func LoadFromEnv() (Config, error) {
	src, err := newSource(os.Getenv(envPrefix + "CONFIG"))
	if err != nil {
		return Config{}, err
	}
	return load(src)
}

func load(src source) (Config, error) {
	cfg := Config{
		Addr:                          src.stringOr("ADDR", ":8080"),
		GeminiAPIKey:                  src.stringOr("GEMINI_API_KEY", strings.TrimSpace(os.Getenv("GEMINI_API_KEY"))),
		GeminiBaseURL:                 src.stringOr("GEMINI_BASE_URL", ""),
		APIVersion:                    src.stringOr("API_VERSION", DefaultAPIVersion),
		Model:                         src.stringOr("MODEL", DefaultModel),
		Voice:                         src.stringOr("VOICE", DefaultVoice),
		ThinkingBudget:                src.intOr("THINKING_BUDGET", DefaultThinkingBudget),
		PromptURL:                     src.stringOr("PROMPT_URL", DefaultPromptURL),
		CasesURL:                      src.stringOr("CASES_URL", DefaultCasesURL),
		CaseDetailURL:                 src.stringOr("CASE_DETAIL_URL", DefaultCaseDetailURL),
		MarkupURL:                     src.stringOr("MARKUP_URL", DefaultMarkupURL),
		ResendAPIKey:                  src.stringOr("RESEND_API_KEY", strings.TrimSpace(os.Getenv("RESEND_API_KEY"))),
		ResendBaseURL:                 src.stringOr("RESEND_BASE_URL", ""),
		LeadFrom:                      src.stringOr("LEAD_FROM", DefaultLeadFrom),
		LeadTo:                        splitCSV(src.stringOr("LEAD_TO", "")),
		SafetyPhrases:                 splitCSV(src.stringOr("SAFETY_PHRASES", "отправл,заявка отправ")),
		ToolTimeout:                   src.durationOr("TOOL_TIMEOUT", 30*time.Second),
		ConnectTimeout:                src.durationOr("CONNECT_TIMEOUT", 15*time.Second),
		MaxPendingMessages:            src.intOr("MAX_PENDING_MESSAGES", 2048),
		FetchAllowPrivate:             src.boolOr("FETCH_ALLOW_PRIVATE", false),
		FetchMaxBytes:                 src.int64Or("FETCH_MAX_BYTES", 5<<20),
		FetchMaxChars:                 src.intOr("FETCH_MAX_CHARS", 5000),
		WSMaxMessageBytes:             src.int64Or("WS_MAX_MESSAGE_BYTES", 1<<20),
		WSPingInterval:                src.durationOr("WS_PING_INTERVAL", 20*time.Second),
		WSWriteTimeout:                src.durationOr("WS_WRITE_TIMEOUT", 5*time.Second),
		WSReadTimeout:                 src.durationOr("WS_READ_TIMEOUT", 0),
		WSMaxSessionDuration:          src.durationOr("WS_MAX_DURATION", 2*time.Hour),
		TrustProxyHeaders:             src.boolOr("TRUST_PROXY_HEADERS", false),
		MaxSessionsPerClient:          src.intOr("MAX_SESSIONS_PER_CLIENT", 4),
		ConnectRPS:                    src.float64Or("CONNECT_RPS", 1.0),
		ConnectBurst:                  src.intOr("CONNECT_BURST", 5),
		CORSAllowedOrigins:            make(map[string]struct{}),
		ReadHeaderTimeout:             src.durationOr("READ_HEADER_TIMEOUT", 10*time.Second),
		ReadTimeout:                   src.durationOr("READ_TIMEOUT", 30*time.Second),
		ShutdownGracePeriod:           src.durationOr("SHUTDOWN_GRACE_PERIOD", 30*time.Second),
		UpstreamResponseHeaderTimeout: src.durationOr("RESPONSE_HEADER_TIMEOUT", 30*time.Second),
	}

	for _, origin := range splitCSV(src.stringOr("CORS_ORIGINS", "")) {
		cfg.CORSAllowedOrigins[origin] = struct{}{}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// MissingKeys names the unset credentials. The process still starts without
// them; every upgrade is refused until they are configured.
func (cfg Config) MissingKeys() []string {
	var missing []string
	if strings.TrimSpace(cfg.GeminiAPIKey) == "" {
		missing = append(missing, "GEMINI_API_KEY")
	}
	if strings.TrimSpace(cfg.ResendAPIKey) == "" {
		missing = append(missing, "RESEND_API_KEY")
	}
	return missing
}

// Validate reports the first setting that would keep the bridge from serving.
func (cfg Config) Validate() error {
	if len(cfg.LeadTo) == 0 {
		return fmt.Errorf("VAI_BRIDGE_LEAD_TO must be set")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return fmt.Errorf("VAI_BRIDGE_MODEL must not be empty")
	}
	if strings.TrimSpace(cfg.APIVersion) == "" {
		return fmt.Errorf("VAI_BRIDGE_API_VERSION must not be empty")
	}
	if cfg.ThinkingBudget < 0 {
		return fmt.Errorf("VAI_BRIDGE_THINKING_BUDGET must be >= 0")
	}
	if strings.TrimSpace(cfg.PromptURL) == "" {
		return fmt.Errorf("VAI_BRIDGE_PROMPT_URL must not be empty")
	}
	if strings.TrimSpace(cfg.CasesURL) == "" {
		return fmt.Errorf("VAI_BRIDGE_CASES_URL must not be empty")
	}
	if !strings.Contains(cfg.CaseDetailURL, "{slug}") {
		return fmt.Errorf("VAI_BRIDGE_CASE_DETAIL_URL must contain {slug}")
	}
	if strings.TrimSpace(cfg.MarkupURL) == "" {
		return fmt.Errorf("VAI_BRIDGE_MARKUP_URL must not be empty")
	}
	if len(cfg.SafetyPhrases) == 0 {
		return fmt.Errorf("VAI_BRIDGE_SAFETY_PHRASES must not be empty")
	}
	if cfg.ToolTimeout <= 0 {
		return fmt.Errorf("VAI_BRIDGE_TOOL_TIMEOUT must be > 0")
	}
	if cfg.ConnectTimeout <= 0 {
		return fmt.Errorf("VAI_BRIDGE_CONNECT_TIMEOUT must be > 0")
	}
	if cfg.MaxPendingMessages <= 0 {
		return fmt.Errorf("VAI_BRIDGE_MAX_PENDING_MESSAGES must be > 0")
	}
	if cfg.FetchMaxBytes <= 0 {
		return fmt.Errorf("VAI_BRIDGE_FETCH_MAX_BYTES must be > 0")
	}
	if cfg.FetchMaxChars <= 0 {
		return fmt.Errorf("VAI_BRIDGE_FETCH_MAX_CHARS must be > 0")
	}
	if cfg.WSMaxMessageBytes <= 0 {
		return fmt.Errorf("VAI_BRIDGE_WS_MAX_MESSAGE_BYTES must be > 0")
	}
	if cfg.WSPingInterval <= 0 {
		return fmt.Errorf("VAI_BRIDGE_WS_PING_INTERVAL must be > 0")
	}
	if cfg.WSWriteTimeout <= 0 {
		return fmt.Errorf("VAI_BRIDGE_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.WSReadTimeout < 0 {
		return fmt.Errorf("VAI_BRIDGE_WS_READ_TIMEOUT must be >= 0")
	}
	if cfg.WSMaxSessionDuration <= 0 {
		return fmt.Errorf("VAI_BRIDGE_WS_MAX_DURATION must be > 0")
	}
	if cfg.MaxSessionsPerClient < 0 {
		return fmt.Errorf("VAI_BRIDGE_MAX_SESSIONS_PER_CLIENT must be >= 0")
	}
	if cfg.ConnectRPS < 0 {
		return fmt.Errorf("VAI_BRIDGE_CONNECT_RPS must be >= 0")
	}
	if cfg.ConnectBurst < 0 {
		return fmt.Errorf("VAI_BRIDGE_CONNECT_BURST must be >= 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return fmt.Errorf("VAI_BRIDGE_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ReadTimeout <= 0 {
		return fmt.Errorf("VAI_BRIDGE_READ_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return fmt.Errorf("VAI_BRIDGE_SHUTDOWN_GRACE_PERIOD must be > 0")
	}
	if cfg.UpstreamResponseHeaderTimeout <= 0 {
		return fmt.Errorf("VAI_BRIDGE_RESPONSE_HEADER_TIMEOUT must be > 0")
	}
	return nil
}

// source resolves a setting from the environment first, then the optional file.
type source struct {
	file map[string]string
}

func newSource(path string) (source, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return source{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return source{}, fmt.Errorf("read config: %w", err)
	}
	file, err := parseFile(data)
	if err != nil {
		return source{}, fmt.Errorf("parse yaml config %s: %w", path, err)
	}
	return source{file: file}, nil
}

func parseFile(data []byte) (map[string]string, error) {
	raw := make(map[string]any)
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(raw))
	for key, value := range raw {
		key = strings.ToLower(strings.TrimSpace(key))
		switch v := value.(type) {
		case nil:
			continue
		case []any:
			parts := make([]string, 0, len(v))
			for _, item := range v {
				parts = append(parts, fmt.Sprint(item))
			}
			out[key] = strings.Join(parts, ",")
		default:
			out[key] = fmt.Sprint(v)
		}
	}
	return out, nil
}

func (s source) lookup(name string) string {
	if v := strings.TrimSpace(os.Getenv(envPrefix + name)); v != "" {
		return v
	}
	if s.file == nil {
		return ""
	}
	return strings.TrimSpace(s.file[strings.ToLower(name)])
}

func (s source) stringOr(name, def string) string {
	v := s.lookup(name)
	if v == "" {
		return def
	}
	return v
}

func (s source) int64Or(name string, def int64) int64 {
	raw := s.lookup(name)
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func (s source) intOr(name string, def int) int {
	raw := s.lookup(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func (s source) float64Or(name string, def float64) float64 {
	raw := s.lookup(name)
	if raw == "" {
		return def
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return n
}

func (s source) boolOr(name string, def bool) bool {
	raw := s.lookup(name)
	if raw == "" {
		return def
	}
	switch strings.ToLower(raw) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
}

func (s source) durationOr(name string, def time.Duration) time.Duration {
	raw := s.lookup(name)
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
