package pulse

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

var (
	// ErrUnknownChannel is reported for channel identifiers with no notifier.
	ErrUnknownChannel = errors.New("unknown channel")
	// ErrNoDestination is reported when neither the tenant nor the global
	// configuration provides an address for a channel.
	ErrNoDestination = errors.New("no destination configured")
)

// Notification is the channel-independent message built once per decision.
type Notification struct {
	DecisionID  string    `json:"decision_id"`
	RuleID      string    `json:"rule_id"`
	RuleType    RuleType  `json:"rule_type"`
	EndpointID  string    `json:"endpoint_id"`
	EndpointURL string    `json:"endpoint_url"`
	Endpoint    string    `json:"endpoint_name"`
	TenantID    string    `json:"tenant_id"`
	Description string    `json:"description"`
	TriggeredAt time.Time `json:"triggered_at"`
}

// Subject is the one-line summary used by chat and email channels.
func (n *Notification) Subject() string {
	name := n.Endpoint
	if name == "" {
		name = n.EndpointURL
	}
	return fmt.Sprintf("%s alert for %s", n.RuleType, name)
}

// Notifier delivers a notification to one destination over one channel.
type Notifier interface {
	// Notify sends n to destination (an address or URL, channel dependent).
	Notify(ctx context.Context, destination string, n *Notification) error
	// Type returns the channel identifier ("email", "slack", ...).
	Type() string
}

// NotifyConfig holds global delivery settings and fallback destinations.
type NotifyConfig struct {
	SlackWebhookURL string     `mapstructure:"slack_webhook_url"`
	WebhookURL      string     `mapstructure:"webhook_url"`
	WebhookSecret   string     `mapstructure:"webhook_secret"` //nolint:gosec // G101: config field name, not a credential
	AlertmanagerURL string     `mapstructure:"alertmanager_url"`
	Email           string     `mapstructure:"email"`
	MaxPerSecond    float64    `mapstructure:"max_per_second"`
	SMTP            SMTPConfig `mapstructure:"smtp"`
}

// postJSON sends body to target and treats any non-2xx status as failure.
func postJSON(ctx context.Context, client *http.Client, target string, body []byte, headers map[string]string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			err = urlErr.Err
		}
		return fmt.Errorf("POST %s: %w", redactURL(target), err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body) //nolint:errcheck // drain body for connection reuse

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("POST %s: status %d", redactURL(target), resp.StatusCode)
	}
	return nil
}

// sign returns the hex HMAC-SHA256 of body.
func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func marshalPayload(kind string, v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	return body, nil
}

// redactURL keeps scheme and host only; chat webhook paths embed tokens.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "<invalid url>"
	}
	return u.Scheme + "://" + u.Host
}
