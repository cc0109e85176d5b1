package pulse

import (
	"context"
	"net/http"
	"time"
)

// Compile-time interface guard.
var _ Notifier = (*WebhookNotifier)(nil)

// webhookPayload is the JSON body sent to generic webhook receivers.
type webhookPayload struct {
	AlertID     string    `json:"alert_id"`
	AlertType   RuleType  `json:"alert_type"`
	EndpointID  string    `json:"endpoint_id"`
	EndpointURL string    `json:"endpoint_url"`
	Message     string    `json:"message"`
	TriggeredAt time.Time `json:"triggered_at"`
	TenantID    string    `json:"tenant_id"`
}

// WebhookNotifier delivers notifications via HTTP POST.
type WebhookNotifier struct {
	client *http.Client
	secret string
}

// NewWebhookNotifier creates a webhook notifier. When secret is non-empty the
// body is signed with HMAC-SHA256 in the X-Signature header.
func NewWebhookNotifier(client *http.Client, secret string) *WebhookNotifier {
	if client == nil {
		client = &http.Client{}
	}
	return &WebhookNotifier{client: client, secret: secret}
}

// Notify posts the notification to the destination URL.
func (w *WebhookNotifier) Notify(ctx context.Context, destination string, n *Notification) error {
	body, err := marshalPayload("webhook", webhookPayload{
		AlertID:     n.RuleID,
		AlertType:   n.RuleType,
		EndpointID:  n.EndpointID,
		EndpointURL: n.EndpointURL,
		Message:     n.Description,
		TriggeredAt: n.TriggeredAt,
		TenantID:    n.TenantID,
	})
	if err != nil {
		return err
	}

	headers := map[string]string{"User-Agent": "pulsewatch-webhook/1.0"}
	if w.secret != "" {
		headers["X-Signature"] = sign(w.secret, body)
	}
	return postJSON(ctx, w.client, destination, body, headers)
}

// Type returns the notifier type identifier.
func (w *WebhookNotifier) Type() string {
	return ChannelWebhook
}
