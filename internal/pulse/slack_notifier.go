package pulse

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// Compile-time interface guard.
var _ Notifier = (*SlackNotifier)(nil)

type slackText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type slackBlock struct {
	Type   string      `json:"type"`
	Text   *slackText  `json:"text,omitempty"`
	Fields []slackText `json:"fields,omitempty"`
}

type slackMessage struct {
	Text   string       `json:"text"`
	Blocks []slackBlock `json:"blocks"`
}

// SlackNotifier posts Block Kit messages to a Slack incoming webhook.
type SlackNotifier struct {
	client *http.Client
}

// NewSlackNotifier creates a Slack notifier.
func NewSlackNotifier(client *http.Client) *SlackNotifier {
	if client == nil {
		client = &http.Client{}
	}
	return &SlackNotifier{client: client}
}

// Notify posts the notification to the incoming-webhook URL in destination.
func (s *SlackNotifier) Notify(ctx context.Context, destination string, n *Notification) error {
	body, err := marshalPayload("slack", buildSlackMessage(n))
	if err != nil {
		return err
	}
	return postJSON(ctx, s.client, destination, body, nil)
}

// Type returns the notifier type identifier.
func (s *SlackNotifier) Type() string {
	return ChannelSlack
}

func buildSlackMessage(n *Notification) slackMessage {
	return slackMessage{
		Text: n.Subject(),
		Blocks: []slackBlock{
			{
				Type: "header",
				Text: &slackText{Type: "plain_text", Text: "Pulsewatch Alert"},
			},
			{
				Type: "section",
				Fields: []slackText{
					{Type: "mrkdwn", Text: fmt.Sprintf("*Endpoint:*\n%s", n.EndpointURL)},
					{Type: "mrkdwn", Text: fmt.Sprintf("*Alert Type:*\n%s", n.RuleType)},
					{Type: "mrkdwn", Text: fmt.Sprintf("*Triggered:*\n%s", n.TriggeredAt.UTC().Format(time.RFC3339))},
				},
			},
			{
				Type: "section",
				Text: &slackText{Type: "mrkdwn", Text: fmt.Sprintf("*Details:*\n%s", n.Description)},
			},
		},
	}
}
