package pulse

import (
	"context"
	"time"

	"github.com/HerbHall/pulsewatch/pkg/plugin"
)

// Event topics published by the pulse module.
const (
	TopicResultRecorded     = "pulse.result.recorded"     // *CheckResult
	TopicAlertTriggered     = "pulse.alert.triggered"     // *TriggerDecision
	TopicNotificationSent   = "pulse.notification.sent"   // *DeliveryRecord
	TopicNotificationFailed = "pulse.notification.failed" // *DeliveryRecord
	TopicTickCompleted      = "pulse.tick.completed"      // *TickSummary
)

const eventSource = "pulse"

// publish emits asynchronously so slow subscribers never hold up a tick.
func publish(ctx context.Context, bus plugin.EventBus, topic string, payload any) {
	if bus == nil {
		return
	}
	bus.PublishAsync(ctx, plugin.Event{
		Topic:     topic,
		Source:    eventSource,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	})
}
