// Package tools is the dispatch table for engine function calls. Each
// executor performs one external side effect and returns the payload the
// engine receives under "result".
package tools

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/vango-go/vai-bridge/pkg/gateway/live/upstream"
	"github.com/vango-go/vai-bridge/pkg/gateway/metrics"
)

const (
	ToolSendEmail      = "send_email"
	ToolListCases      = "list_cases"
	ToolGetCaseDetails = "get_case_details"
	ToolFetchURL       = "fetch_url_content"
	ToolGenerateVisual = "generate_visual"
)

const tracerName = "github.com/vango-go/vai-bridge/pkg/gateway/tools"

// Sink is the client side channel. It may be called from several executors
// at once.
type Sink interface {
	Notice(text string)
	Visual(html string)
}

type nopSink struct{}

func (nopSink) Notice(string) {}
func (nopSink) Visual(string) {}

type Call struct {
	ID   string
	Name string
	Args map[string]any
}

type Result struct {
	Call    Call
	Payload map[string]any
}

// Success reports the payload's success flag.
func (r Result) Success() bool {
	ok, _ := r.Payload["success"].(bool)
	return ok
}

type Executor interface {
	Name() string
	Declaration() upstream.ToolDeclaration
	Execute(ctx context.Context, args map[string]any, sink Sink) map[string]any
}

type RegistryConfig struct {
	// Timeout bounds each Execute call. Zero disables it.
	Timeout time.Duration
	Metrics *metrics.Metrics
	Logger  *slog.Logger
	Tracer  trace.Tracer
}

type Registry struct {
	byName  map[string]Executor
	ordered []Executor
	cfg     RegistryConfig
}

func NewRegistry(cfg RegistryConfig, executors ...Executor) *Registry {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer(tracerName)
	}
	registry := &Registry{byName: make(map[string]Executor, len(executors)), cfg: cfg}
	for _, ex := range executors {
		if ex == nil {
			continue
		}
		if _, dup := registry.byName[ex.Name()]; dup {
			continue
		}
		registry.byName[ex.Name()] = ex
		registry.ordered = append(registry.ordered, ex)
	}
	return registry
}

func (r *Registry) Has(name string) bool {
	if r == nil {
		return false
	}
	_, ok := r.byName[strings.TrimSpace(name)]
	return ok
}

// Names lists executors in registration order.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.ordered))
	for _, ex := range r.ordered {
		names = append(names, ex.Name())
	}
	return names
}

func (r *Registry) Declarations() []upstream.ToolDeclaration {
	if r == nil {
		return nil
	}
	out := make([]upstream.ToolDeclaration, 0, len(r.ordered))
	for _, ex := range r.ordered {
		out = append(out, ex.Declaration())
	}
	return out
}

// Execute runs one call. ok is false when no executor has that name.
func (r *Registry) Execute(ctx context.Context, call Call, sink Sink) (payload map[string]any, ok bool) {
	if r == nil {
		return nil, false
	}
	ex, found := r.byName[strings.TrimSpace(call.Name)]
	if !found {
		return nil, false
	}
	if sink == nil {
		sink = nopSink{}
	}
	args := call.Args
	if args == nil {
		args = map[string]any{}
	}

	ctx, span := r.cfg.Tracer.Start(ctx, "tool "+ex.Name(), trace.WithAttributes(
		attribute.String("tool.name", ex.Name()),
		attribute.String("tool.call_id", call.ID),
	))
	defer span.End()

	if r.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
	}

	start := time.Now()
	payload = r.run(ctx, ex, args, sink)
	success, _ := payload["success"].(bool)
	r.cfg.Metrics.RecordToolCall(ex.Name(), success, time.Since(start))
	if !success {
		msg, _ := payload["error"].(string)
		span.SetStatus(codes.Error, msg)
	}
	r.cfg.Logger.Info("tool call finished",
		"tool", ex.Name(),
		"call_id", call.ID,
		"success", success,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return payload, true
}

func (r *Registry) run(ctx context.Context, ex Executor, args map[string]any, sink Sink) (payload map[string]any) {
	defer func() {
		if rec := recover(); rec != nil {
			r.cfg.Logger.Error("tool panic", "tool", ex.Name(), "panic", rec)
			payload = failure(fmt.Sprintf("internal error in %s", ex.Name()))
		}
	}()
	payload = ex.Execute(ctx, args, sink)
	if payload == nil {
		payload = map[string]any{"success": false}
	}
	return payload
}

// DispatchBatch runs every known call of a batch concurrently and returns
// the results in call order once all of them have finished. Unknown names
// are logged and left out. onResult, when set, is called as each call
// finishes and may be called from several goroutines.
func (r *Registry) DispatchBatch(ctx context.Context, calls []Call, sink Sink, onResult func(Result)) []Result {
	slots := make([]*Result, len(calls))
	var g errgroup.Group
	for i, call := range calls {
		if !r.Has(call.Name) {
			r.logger().Warn("unknown tool requested", "tool", call.Name, "call_id", call.ID)
			continue
		}
		g.Go(func() error {
			payload, _ := r.Execute(ctx, call, sink)
			res := Result{Call: call, Payload: payload}
			slots[i] = &res
			if onResult != nil {
				onResult(res)
			}
			return nil
		})
	}
	_ = g.Wait()

	out := make([]Result, 0, len(calls))
	for _, res := range slots {
		if res != nil {
			out = append(out, *res)
		}
	}
	return out
}

func (r *Registry) logger() *slog.Logger {
	if r == nil || r.cfg.Logger == nil {
		return slog.Default()
	}
	return r.cfg.Logger
}

func failure(msg string) map[string]any {
	out := map[string]any{"success": false}
	if msg != "" {
		out["error"] = msg
	}
	return out
}

func stringArg(args map[string]any, keys ...string) string {
	for _, key := range keys {
		if v, ok := args[key].(string); ok {
			if v = strings.TrimSpace(v); v != "" {
				return v
			}
		}
	}
	return ""
}
