package monitoring

import (
	"time"

	"github.com/ahrav/taskpulse/internal/domain/events"
)

// TaskEvent is the decoded form of a task lifecycle event. Only terminal
// events (TaskCompleted, TaskFailed) carry an outcome, cost and duration.
type TaskEvent struct {
	EventID    string
	Type       events.EventType
	TaskID     string
	Success    bool
	CostUSD    float64
	Duration   time.Duration
	OccurredAt time.Time
}

// Terminal reports whether the event records the final outcome of a task.
func (e TaskEvent) Terminal() bool { return IsTerminal(e.Type) }

// IsTerminal reports whether events of type t record a task outcome.
func IsTerminal(t events.EventType) bool {
	return t == events.EventTypeTaskCompleted || t == events.EventTypeTaskFailed
}

// Domain returns the typed domain event equivalent to e.
func (e TaskEvent) Domain() events.DomainEvent {
	switch e.Type {
	case events.EventTypeTaskStarted:
		return NewTaskStartedEvent(e.EventID, e.TaskID, e.OccurredAt)
	case events.EventTypeTaskFailed:
		return NewTaskFailedEvent(e.EventID, e.TaskID, e.CostUSD, e.Duration, e.OccurredAt)
	default:
		return NewTaskCompletedEvent(e.EventID, e.TaskID, e.Success, e.CostUSD, e.Duration, e.OccurredAt)
	}
}

// TaskStartedEvent indicates a task began executing.
type TaskStartedEvent struct {
	occurredAt time.Time
	EventID    string
	TaskID     string
}

func NewTaskStartedEvent(eventID, taskID string, occurredAt time.Time) TaskStartedEvent {
	return TaskStartedEvent{occurredAt: occurredAt, EventID: eventID, TaskID: taskID}
}

func (e TaskStartedEvent) EventType() events.EventType { return events.EventTypeTaskStarted }
func (e TaskStartedEvent) OccurredAt() time.Time       { return e.occurredAt }

// TaskEvent converts the typed event into its decoded form.
func (e TaskStartedEvent) TaskEvent() TaskEvent {
	return TaskEvent{
		EventID:    e.EventID,
		Type:       events.EventTypeTaskStarted,
		TaskID:     e.TaskID,
		OccurredAt: e.occurredAt,
	}
}

// TaskCompletedEvent records a finished task together with its outcome.
type TaskCompletedEvent struct {
	occurredAt time.Time
	EventID    string
	TaskID     string
	Success    bool
	CostUSD    float64
	Duration   time.Duration
}

func NewTaskCompletedEvent(
	eventID, taskID string,
	success bool,
	costUSD float64,
	duration time.Duration,
	occurredAt time.Time,
) TaskCompletedEvent {
	return TaskCompletedEvent{
		occurredAt: occurredAt,
		EventID:    eventID,
		TaskID:     taskID,
		Success:    success,
		CostUSD:    costUSD,
		Duration:   duration,
	}
}

func (e TaskCompletedEvent) EventType() events.EventType { return events.EventTypeTaskCompleted }
func (e TaskCompletedEvent) OccurredAt() time.Time       { return e.occurredAt }

// TaskEvent converts the typed event into its decoded form.
func (e TaskCompletedEvent) TaskEvent() TaskEvent {
	return TaskEvent{
		EventID:    e.EventID,
		Type:       events.EventTypeTaskCompleted,
		TaskID:     e.TaskID,
		Success:    e.Success,
		CostUSD:    e.CostUSD,
		Duration:   e.Duration,
		OccurredAt: e.occurredAt,
	}
}

// TaskFailedEvent records a task that ended unsuccessfully.
type TaskFailedEvent struct {
	occurredAt time.Time
	EventID    string
	TaskID     string
	CostUSD    float64
	Duration   time.Duration
}

func NewTaskFailedEvent(
	eventID, taskID string,
	costUSD float64,
	duration time.Duration,
	occurredAt time.Time,
) TaskFailedEvent {
	return TaskFailedEvent{
		occurredAt: occurredAt,
		EventID:    eventID,
		TaskID:     taskID,
		CostUSD:    costUSD,
		Duration:   duration,
	}
}

func (e TaskFailedEvent) EventType() events.EventType { return events.EventTypeTaskFailed }
func (e TaskFailedEvent) OccurredAt() time.Time       { return e.occurredAt }

// TaskEvent converts the typed event into its decoded form.
func (e TaskFailedEvent) TaskEvent() TaskEvent {
	return TaskEvent{
		EventID:    e.EventID,
		Type:       events.EventTypeTaskFailed,
		TaskID:     e.TaskID,
		CostUSD:    e.CostUSD,
		Duration:   e.Duration,
		OccurredAt: e.occurredAt,
	}
}
