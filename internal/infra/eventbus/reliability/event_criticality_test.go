package reliability

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ahrav/taskpulse/internal/domain/events"
)

func TestIsCriticalEvent(t *testing.T) {
	tests := []struct {
		name      string
		eventType events.EventType
		want      bool
	}{
		{
			name:      "TaskCompleted is critical",
			eventType: events.EventTypeTaskCompleted,
			want:      true,
		},
		{
			name:      "TaskFailed is critical",
			eventType: events.EventTypeTaskFailed,
			want:      true,
		},
		{
			name:      "TaskStarted is not critical",
			eventType: events.EventTypeTaskStarted,
			want:      false,
		},
		{
			name:      "Unknown event type is not critical",
			eventType: events.EventType("TaskHeartbeat"),
			want:      false,
		},
		{
			name:      "Empty event type is not critical",
			eventType: "",
			want:      false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsCriticalEvent(tt.eventType))
		})
	}
}
