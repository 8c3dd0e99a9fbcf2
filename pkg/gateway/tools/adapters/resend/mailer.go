// Package resend delivers lead notifications through the Resend API.
package resend

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	resendapi "github.com/resend/resend-go/v2"

	"github.com/vango-go/vai-bridge/pkg/gateway/tools"
)

type Mailer struct {
	client *resendapi.Client
}

// NewMailer builds a Mailer. baseURL overrides the API endpoint when set.
func NewMailer(apiKey, baseURL string, httpClient *http.Client) (*Mailer, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("resend api key is required")
	}
	client := resendapi.NewCustomClient(httpClient, strings.TrimSpace(apiKey))
	if baseURL = strings.TrimSpace(baseURL); baseURL != "" {
		if !strings.HasSuffix(baseURL, "/") {
			baseURL += "/"
		}
		u, err := url.Parse(baseURL)
		if err != nil {
			return nil, fmt.Errorf("parse resend base url: %w", err)
		}
		client.BaseURL = u
	}
	return &Mailer{client: client}, nil
}

func (m *Mailer) Send(ctx context.Context, msg tools.Message) error {
	if len(msg.To) == 0 {
		return fmt.Errorf("no recipients")
	}
	_, err := m.client.Emails.SendWithContext(ctx, &resendapi.SendEmailRequest{
		From:    msg.From,
		To:      msg.To,
		Subject: msg.Subject,
		Html:    msg.HTML,
	})
	if err != nil {
		return fmt.Errorf("resend api error: %w", err)
	}
	return nil
}
