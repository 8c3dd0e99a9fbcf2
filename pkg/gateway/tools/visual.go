package tools

import (
	"context"
	"errors"
	"unicode/utf8"

	"github.com/vango-go/vai-bridge/pkg/gateway/live/upstream"
	"github.com/vango-go/vai-bridge/pkg/gateway/tools/textutil"
)

// MarkupGenerator turns a prompt into HTML/SVG markup.
type MarkupGenerator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

type GenerateVisualExecutor struct {
	generator MarkupGenerator
}

func NewGenerateVisualExecutor(generator MarkupGenerator) *GenerateVisualExecutor {
	return &GenerateVisualExecutor{generator: generator}
}

func (e *GenerateVisualExecutor) Name() string { return ToolGenerateVisual }

func (e *GenerateVisualExecutor) Declaration() upstream.ToolDeclaration {
	return upstream.ToolDeclaration{
		Name:        ToolGenerateVisual,
		Description: "Генерирует визуальный контент (HTML/SVG карточки, списки, диаграммы) для отображения пользователю. Используй когда нужно показать информацию визуально: карточки кейсов, списки, сравнительные таблицы, простые диаграммы. ВАЖНО: Сначала скажи пользователю голосом что покажешь, потом вызови функцию.",
		Parameters: []upstream.ToolParameter{
			{Name: "prompt", Description: "Подробное описание что нужно сгенерировать. Включи всю необходимую информацию и данные.", Required: true},
			{Name: "context", Description: "Дополнительный контекст или данные для визуализации (опционально)"},
		},
	}
}

// VisualPrompt wraps the task in the markup requirements sent to the
// generator.
func VisualPrompt(task, data string) string {
	out := "Сгенерируй HTML/SVG визуализацию. \n" +
		"              \n" +
		"ТРЕБОВАНИЯ:\n" +
		"- Используй CSS переменные: hsl(var(--foreground)), hsl(var(--background)), hsl(var(--primary)), hsl(var(--muted)), hsl(var(--accent))\n" +
		"- Для интерактивных элементов добавляй data-chat-action=\"текст действия\"  \n" +
		"- Отвечай ТОЛЬКО чистым HTML/SVG кодом, БЕЗ markdown обёрток (без ```html)\n" +
		"- Делай компактный, но красивый дизайн\n" +
		"\n" +
		"ЗАДАЧА: " + task + "\n"
	if data != "" {
		out += "\nДАННЫЕ: " + data
	}
	return out
}

func (e *GenerateVisualExecutor) Execute(ctx context.Context, args map[string]any, sink Sink) map[string]any {
	prompt := stringArg(args, "prompt")
	data := stringArg(args, "context")
	sink.Notice("🎨 Генерирую визуализацию...")

	var (
		markup string
		err    error
	)
	switch {
	case e.generator == nil:
		err = errors.New("markup generator is not configured")
	case prompt == "":
		err = errors.New("prompt is required")
	default:
		markup, err = e.generator.Generate(ctx, VisualPrompt(prompt, data))
	}
	if err != nil {
		sink.Notice("❌ Не удалось сгенерировать визуализацию")
		return failure(err.Error())
	}

	markup = textutil.StripThinking(markup)
	if markup == "" {
		return failure("Empty response")
	}
	sink.Visual(markup)
	return map[string]any{
		"success":  true,
		"rendered": true,
		"length":   utf8.RuneCountInString(markup),
	}
}
