package tools

import (
	"context"

	"github.com/vango-go/vai-bridge/pkg/gateway/live/upstream"
)

// CaseSource serves the case catalogue as decoded JSON.
type CaseSource interface {
	ListCases(ctx context.Context) (any, error)
	CaseDetails(ctx context.Context, slug string) (any, error)
}

type ListCasesExecutor struct {
	source CaseSource
}

func NewListCasesExecutor(source CaseSource) *ListCasesExecutor {
	return &ListCasesExecutor{source: source}
}

func (e *ListCasesExecutor) Name() string { return ToolListCases }

func (e *ListCasesExecutor) Declaration() upstream.ToolDeclaration {
	return upstream.ToolDeclaration{
		Name:        ToolListCases,
		Description: "Возвращает список кейсов Pioneer AI.",
	}
}

func (e *ListCasesExecutor) Execute(ctx context.Context, _ map[string]any, sink Sink) map[string]any {
	sink.Notice("📋 Загружаю кейсы...")
	if e.source == nil {
		return failure("")
	}
	data, err := e.source.ListCases(ctx)
	if err != nil {
		return failure("")
	}
	return map[string]any{"success": true, "data": data}
}

type CaseDetailsExecutor struct {
	source CaseSource
}

func NewCaseDetailsExecutor(source CaseSource) *CaseDetailsExecutor {
	return &CaseDetailsExecutor{source: source}
}

func (e *CaseDetailsExecutor) Name() string { return ToolGetCaseDetails }

func (e *CaseDetailsExecutor) Declaration() upstream.ToolDeclaration {
	return upstream.ToolDeclaration{
		Name:        ToolGetCaseDetails,
		Description: "Возвращает детали кейса.",
		Parameters: []upstream.ToolParameter{
			{Name: "slug", Description: "slug кейса", Required: true},
		},
	}
}

func (e *CaseDetailsExecutor) Execute(ctx context.Context, args map[string]any, sink Sink) map[string]any {
	slug := stringArg(args, "slug")
	sink.Notice("📖 Кейс: " + slug)
	if slug == "" || e.source == nil {
		return failure("")
	}
	data, err := e.source.CaseDetails(ctx, slug)
	if err != nil {
		return failure("")
	}
	return map[string]any{"success": true, "data": data}
}
