package ws

import (
	"time"

	"github.com/HerbHall/pulsewatch/internal/pulse"
)

// MessageType discriminates stream messages.
type MessageType string

const (
	MessageResult             MessageType = "result.recorded"
	MessageAlert              MessageType = "alert.triggered"
	MessageNotificationSent   MessageType = "notification.sent"
	MessageNotificationFailed MessageType = "notification.failed"
	MessageTick               MessageType = "tick.completed"
)

// Message is the envelope for all stream messages. EndpointID is empty for
// tick summaries, which every client receives.
type Message struct {
	Type       MessageType `json:"type"`
	EndpointID string      `json:"endpoint_id,omitempty"`
	Timestamp  time.Time   `json:"timestamp"`
	Data       any         `json:"data"`
}

// ResultData is the payload for result.recorded messages.
type ResultData struct {
	CheckedAt      time.Time `json:"checked_at"`
	Success        bool      `json:"success"`
	StatusCode     *int      `json:"status_code"`
	ResponseTimeMs *int64    `json:"response_time_ms"`
	Error          *string   `json:"error"`
}

// AlertData is the payload for alert.triggered messages.
type AlertData struct {
	DecisionID  string         `json:"decision_id"`
	RuleID      string         `json:"rule_id"`
	RuleType    pulse.RuleType `json:"rule_type"`
	Description string         `json:"description"`
	TriggeredAt time.Time      `json:"triggered_at"`
}

// NotificationData is the payload for notification.* messages.
type NotificationData struct {
	DecisionID string `json:"decision_id"`
	RuleID     string `json:"rule_id"`
	Channel    string `json:"channel"`
	Error      string `json:"error,omitempty"`
}

// translate maps a pulse bus payload onto a stream message.
func translate(topic string, ts time.Time, payload any) (Message, bool) {
	switch p := payload.(type) {
	case *pulse.CheckResult:
		return Message{
			Type:       MessageResult,
			EndpointID: p.EndpointID,
			Timestamp:  ts,
			Data: ResultData{
				CheckedAt:      p.CheckedAt,
				Success:        p.Success(),
				StatusCode:     p.StatusCode,
				ResponseTimeMs: p.ResponseTimeMs,
				Error:          p.Error,
			},
		}, true
	case *pulse.TriggerDecision:
		return Message{
			Type:       MessageAlert,
			EndpointID: p.Endpoint.ID,
			Timestamp:  ts,
			Data: AlertData{
				DecisionID:  p.ID,
				RuleID:      p.Rule.ID,
				RuleType:    p.Rule.Type,
				Description: p.Description,
				TriggeredAt: p.TriggeredAt,
			},
		}, true
	case *pulse.DeliveryRecord:
		t := MessageNotificationSent
		if topic == pulse.TopicNotificationFailed {
			t = MessageNotificationFailed
		}
		return Message{
			Type:       t,
			EndpointID: p.EndpointID,
			Timestamp:  ts,
			Data: NotificationData{
				DecisionID: p.DecisionID,
				RuleID:     p.RuleID,
				Channel:    p.Channel,
				Error:      p.Error,
			},
		}, true
	case *pulse.TickSummary:
		return Message{Type: MessageTick, Timestamp: ts, Data: *p}, true
	default:
		return Message{}, false
	}
}
