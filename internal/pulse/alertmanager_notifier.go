package pulse

import (
	"context"
	"net/http"
	"time"
)

// Compile-time interface guard.
var _ Notifier = (*AlertmanagerNotifier)(nil)

// alertmanagerPayload matches the Prometheus Alertmanager webhook receiver format.
type alertmanagerPayload struct {
	Version string              `json:"version"`
	Status  string              `json:"status"`
	Alerts  []alertmanagerAlert `json:"alerts"`
}

type alertmanagerAlert struct {
	Status       string            `json:"status"`
	Labels       map[string]string `json:"labels"`
	Annotations  map[string]string `json:"annotations"`
	StartsAt     time.Time         `json:"startsAt"`
	EndsAt       time.Time         `json:"endsAt"`
	GeneratorURL string            `json:"generatorURL"`
}

// AlertmanagerNotifier delivers firing alerts in Alertmanager webhook format.
type AlertmanagerNotifier struct {
	client *http.Client
	secret string
}

// NewAlertmanagerNotifier creates an Alertmanager-format notifier.
func NewAlertmanagerNotifier(client *http.Client, secret string) *AlertmanagerNotifier {
	if client == nil {
		client = &http.Client{}
	}
	return &AlertmanagerNotifier{client: client, secret: secret}
}

// Notify posts a single firing alert to the destination URL.
func (n *AlertmanagerNotifier) Notify(ctx context.Context, destination string, msg *Notification) error {
	alert := alertmanagerAlert{
		Status: "firing",
		Labels: map[string]string{
			"alertname":   "PulsewatchAlert",
			"endpoint_id": msg.EndpointID,
			"rule_id":     msg.RuleID,
			"rule_type":   string(msg.RuleType),
			"tenant_id":   msg.TenantID,
			"source":      "pulsewatch",
		},
		Annotations: map[string]string{
			"summary":     msg.Subject(),
			"description": msg.Description,
			"endpoint":    msg.EndpointURL,
		},
		StartsAt:     msg.TriggeredAt,
		GeneratorURL: msg.EndpointURL,
	}

	body, err := marshalPayload("alertmanager", alertmanagerPayload{
		Version: "4",
		Status:  "firing",
		Alerts:  []alertmanagerAlert{alert},
	})
	if err != nil {
		return err
	}

	headers := map[string]string{"User-Agent": "pulsewatch-alertmanager/1.0"}
	if n.secret != "" {
		headers["X-Signature"] = sign(n.secret, body)
	}
	return postJSON(ctx, n.client, destination, body, headers)
}

// Type returns the notifier type identifier.
func (n *AlertmanagerNotifier) Type() string {
	return ChannelAlertmanager
}
