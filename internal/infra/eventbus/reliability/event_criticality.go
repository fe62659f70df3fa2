// Package reliability classifies task events by how much their loss costs.
// Critical events carry information that no later message will repeat, so a
// critical event that ends up dead-lettered leaves a permanent gap in the
// rollup and must be surfaced loudly.
package reliability

import (
	"github.com/ahrav/taskpulse/internal/domain/events"
)

// IsCriticalEvent determines if an event type represents a message whose loss
// cannot be repaired by subsequent messages.
//
// Terminal events are critical: they carry a task's success flag, cost and
// duration exactly once. A lost TaskStarted is superseded as soon as the task
// finishes, so it is not.
func IsCriticalEvent(eventType events.EventType) bool {
	switch eventType {
	case events.EventTypeTaskCompleted,
		events.EventTypeTaskFailed:
		return true

	case events.EventTypeTaskStarted:
		return false

	default:
		return false
	}
}
