package tools

import (
	"context"
	"strings"

	"github.com/vango-go/vai-bridge/pkg/gateway/live/upstream"
)

const (
	defaultLeadSubject = "Новый лид от Pioneer AI Lab"
	defaultLeadMessage = "Не указано"
)

type Message struct {
	From    string
	To      []string
	Subject string
	HTML    string
}

// Mailer delivers one notification.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

type SendEmailExecutor struct {
	mailer Mailer
	from   string
	to     []string
}

func NewSendEmailExecutor(mailer Mailer, from string, to []string) *SendEmailExecutor {
	return &SendEmailExecutor{mailer: mailer, from: from, to: to}
}

func (e *SendEmailExecutor) Name() string { return ToolSendEmail }

func (e *SendEmailExecutor) Declaration() upstream.ToolDeclaration {
	return upstream.ToolDeclaration{
		Name:        ToolSendEmail,
		Description: "Отправляет заявку/лид на почту администратора. Используй когда пользователь хочет что бы с ним связались, позвонили, или хочет пообщаться со специалистом.",
		Parameters: []upstream.ToolParameter{
			{Name: "subject", Description: "Тема письма", Required: true},
			{Name: "message", Description: "Полные данные клиента и саммари диалога", Required: true},
		},
	}
}

func (e *SendEmailExecutor) Execute(ctx context.Context, args map[string]any, sink Sink) map[string]any {
	subject := stringArg(args, "subject", "topic")
	if subject == "" {
		subject = defaultLeadSubject
	}
	message := stringArg(args, "message", "text", "content")
	if message == "" {
		message = defaultLeadMessage
	}

	if e.mailer == nil {
		sink.Notice("❌ Ошибка: mailer is not configured")
		return failure("mailer is not configured")
	}
	err := e.mailer.Send(ctx, Message{
		From:    e.from,
		To:      e.to,
		Subject: subject,
		HTML:    "<p>Голосовой чат (Lab): " + strings.ReplaceAll(message, "\n", "<br>") + "</p>",
	})
	if err != nil {
		sink.Notice("❌ Ошибка: " + err.Error())
		return failure(err.Error())
	}
	sink.Notice("✅ Заявка отправлена")
	return map[string]any{"success": true}
}
