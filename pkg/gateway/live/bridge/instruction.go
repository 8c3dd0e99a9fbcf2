package bridge

import "strings"

// DefaultInstruction is used when the instruction endpoint is unavailable.
const DefaultInstruction = "## Ты полезный АИ ассистент Pioneer AI Lab, но у тебя сейчас нет доступа к базе знаний"

const deviceContextHeading = "\n\n## Информация о пользователе\n"

const visualModeAppendix = `

## LAB MODE: Visual Output через generate_visual tool

У тебя есть инструмент generate_visual для создания визуального контента (HTML/SVG карточки, списки, диаграммы).

КОГДА ИСПОЛЬЗОВАТЬ:
- Пользователь просит "покажи", "визуализируй", "нарисуй", "выведи на экран"
- Нужно показать список кейсов, карточки, таблицы
- Информацию удобнее воспринимать визуально чем на слух

АЛГОРИТМ:
1. Сначала скажи голосом что сейчас покажешь (например: "Сейчас покажу наши кейсы...")
2. Вызови generate_visual с подробным prompt, включив ВСЕ данные которые нужно отобразить
3. После получения результата продолжи объяснение голосом

ВАЖНО: 
- НЕ пытайся генерировать HTML сам - используй ТОЛЬКО generate_visual tool
- В prompt для generate_visual включи всю информацию: названия, описания, данные
- Если нужны данные кейсов - сначала вызови list_cases, потом generate_visual с полученными данными
`

// GreetingText is the synthetic user turn that makes the engine greet a new
// client first.
const GreetingText = "Системное уведомление: Пользователь начал новую сессию в Lab режиме. Поздоровайся с ним первым прямо сейчас. Представься (как указано в твоем системном промпте) и кратко объясни что Lab режим позволяет тебе показывать визуальный контент (HTML, SVG) параллельно с голосом."

// ContinuationText follows injected history so the engine resumes the
// conversation instead of waiting.
const ContinuationText = "Продолжаем."

// BuildInstruction appends the device context, when known, and the visual
// mode section to base.
func BuildInstruction(base, deviceContext string) string {
	base = strings.TrimSpace(base)
	if base == "" {
		base = DefaultInstruction
	}
	var b strings.Builder
	b.WriteString(base)
	if deviceContext != "" {
		b.WriteString(deviceContextHeading)
		b.WriteString(deviceContext)
	}
	b.WriteString(visualModeAppendix)
	return b.String()
}
