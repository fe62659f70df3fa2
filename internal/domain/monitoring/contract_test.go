package monitoring

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/taskpulse/internal/domain/events"
)

func TestParse(t *testing.T) {
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		payload string
		want    TaskEvent
	}{
		{
			name:    "completed with numeric duration and default type",
			payload: `{"eventId":"e1","taskId":"t1","success":true,"costUsd":0.25,"duration":90,"occurredAt":"2024-05-01T12:00:00Z"}`,
			want: TaskEvent{
				EventID: "e1", Type: events.EventTypeTaskCompleted, TaskID: "t1",
				Success: true, CostUSD: 0.25, Duration: 90 * time.Second, OccurredAt: ts,
			},
		},
		{
			name:    "fractional seconds",
			payload: `{"eventId":"e1","taskId":"t1","success":false,"costUsd":0,"duration":1.5,"occurredAt":"2024-05-01T12:00:00Z"}`,
			want: TaskEvent{
				EventID: "e1", Type: events.EventTypeTaskCompleted, TaskID: "t1",
				Duration: 1500 * time.Millisecond, OccurredAt: ts,
			},
		},
		{
			name:    "go duration string",
			payload: `{"eventId":"e1","taskId":"t1","success":true,"costUsd":1,"duration":"1m30s","occurredAt":"2024-05-01T12:00:00Z"}`,
			want: TaskEvent{
				EventID: "e1", Type: events.EventTypeTaskCompleted, TaskID: "t1",
				Success: true, CostUSD: 1, Duration: 90 * time.Second, OccurredAt: ts,
			},
		},
		{
			name:    "iso duration with days",
			payload: `{"eventId":"e1","taskId":"t1","success":true,"costUsd":1,"duration":"P1DT2H","occurredAt":"2024-05-01T12:00:00Z"}`,
			want: TaskEvent{
				EventID: "e1", Type: events.EventTypeTaskCompleted, TaskID: "t1",
				Success: true, CostUSD: 1, Duration: 26 * time.Hour, OccurredAt: ts,
			},
		},
		{
			name:    "iso duration with fractional seconds",
			payload: `{"eventId":"e1","taskId":"t1","success":true,"costUsd":1,"duration":"PT1M30.5S","occurredAt":"2024-05-01T12:00:00Z"}`,
			want: TaskEvent{
				EventID: "e1", Type: events.EventTypeTaskCompleted, TaskID: "t1",
				Success: true, CostUSD: 1, Duration: 90500 * time.Millisecond, OccurredAt: ts,
			},
		},
		{
			name:    "numeric string duration and unix timestamp",
			payload: `{"eventId":"e1","taskId":"t1","success":true,"costUsd":1,"duration":"42","occurredAt":1714564800}`,
			want: TaskEvent{
				EventID: "e1", Type: events.EventTypeTaskCompleted, TaskID: "t1",
				Success: true, CostUSD: 1, Duration: 42 * time.Second, OccurredAt: ts,
			},
		},
		{
			name:    "failed implies unsuccessful",
			payload: `{"eventId":"e1","eventType":"TaskFailed","taskId":"t1","costUsd":2,"duration":3,"occurredAt":"2024-05-01T12:00:00Z"}`,
			want: TaskEvent{
				EventID: "e1", Type: events.EventTypeTaskFailed, TaskID: "t1",
				CostUSD: 2, Duration: 3 * time.Second, OccurredAt: ts,
			},
		},
		{
			name:    "started without cost or duration",
			payload: `{"eventId":"e0","eventType":"TaskStarted","taskId":"t1","occurredAt":"2024-05-01T12:00:00Z"}`,
			want: TaskEvent{
				EventID: "e0", Type: events.EventTypeTaskStarted, TaskID: "t1", OccurredAt: ts,
			},
		},
		{
			name:    "unknown fields ignored and offset normalized",
			payload: `{"eventId":"e1","taskId":"t1","success":true,"costUsd":1,"duration":1,"occurredAt":"2024-05-01T14:00:00+02:00","extra":{"a":1}}`,
			want: TaskEvent{
				EventID: "e1", Type: events.EventTypeTaskCompleted, TaskID: "t1",
				Success: true, CostUSD: 1, Duration: time.Second, OccurredAt: ts,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse([]byte(tt.payload))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name      string
		payload   string
		wantField string
	}{
		{name: "malformed json", payload: `{"eventId":`, wantField: ""},
		{name: "not an object", payload: `[1,2]`, wantField: ""},
		{name: "missing event id", payload: `{"taskId":"t1","success":true,"costUsd":1,"duration":1,"occurredAt":"2024-05-01T12:00:00Z"}`, wantField: "eventId"},
		{name: "empty task id", payload: `{"eventId":"e1","taskId":"","success":true,"costUsd":1,"duration":1,"occurredAt":"2024-05-01T12:00:00Z"}`, wantField: "taskId"},
		{name: "negative cost", payload: `{"eventId":"e1","taskId":"t1","success":true,"costUsd":-1,"duration":1,"occurredAt":"2024-05-01T12:00:00Z"}`, wantField: "costUsd"},
		{name: "cost above ceiling", payload: `{"eventId":"e1","taskId":"t1","success":true,"costUsd":1e308,"duration":1,"occurredAt":"2024-05-01T12:00:00Z"}`, wantField: "costUsd"},
		{name: "cost just above ceiling", payload: `{"eventId":"e1","taskId":"t1","success":true,"costUsd":1000000000.01,"duration":1,"occurredAt":"2024-05-01T12:00:00Z"}`, wantField: "costUsd"},
		{name: "cost wrong type", payload: `{"eventId":"e1","taskId":"t1","success":true,"costUsd":"1","duration":1,"occurredAt":"2024-05-01T12:00:00Z"}`, wantField: "costUsd"},
		{name: "missing cost on terminal", payload: `{"eventId":"e1","taskId":"t1","success":true,"duration":1,"occurredAt":"2024-05-01T12:00:00Z"}`, wantField: "costUsd"},
		{name: "missing duration on terminal", payload: `{"eventId":"e1","taskId":"t1","success":true,"costUsd":1,"occurredAt":"2024-05-01T12:00:00Z"}`, wantField: "duration"},
		{name: "negative duration", payload: `{"eventId":"e1","taskId":"t1","success":true,"costUsd":1,"duration":-5,"occurredAt":"2024-05-01T12:00:00Z"}`, wantField: "duration"},
		{name: "negative go duration", payload: `{"eventId":"e1","taskId":"t1","success":true,"costUsd":1,"duration":"-1s","occurredAt":"2024-05-01T12:00:00Z"}`, wantField: "duration"},
		{name: "calendar iso duration", payload: `{"eventId":"e1","taskId":"t1","success":true,"costUsd":1,"duration":"P1M","occurredAt":"2024-05-01T12:00:00Z"}`, wantField: "duration"},
		{name: "garbage duration", payload: `{"eventId":"e1","taskId":"t1","success":true,"costUsd":1,"duration":"soon","occurredAt":"2024-05-01T12:00:00Z"}`, wantField: "duration"},
		{name: "missing success on completed", payload: `{"eventId":"e1","taskId":"t1","costUsd":1,"duration":1,"occurredAt":"2024-05-01T12:00:00Z"}`, wantField: "success"},
		{name: "failed with success true", payload: `{"eventId":"e1","eventType":"TaskFailed","taskId":"t1","success":true,"costUsd":1,"duration":1,"occurredAt":"2024-05-01T12:00:00Z"}`, wantField: "success"},
		{name: "missing occurredAt", payload: `{"eventId":"e1","taskId":"t1","success":true,"costUsd":1,"duration":1}`, wantField: "occurredAt"},
		{name: "bad occurredAt", payload: `{"eventId":"e1","taskId":"t1","success":true,"costUsd":1,"duration":1,"occurredAt":"yesterday"}`, wantField: "occurredAt"},
		{name: "unknown event type", payload: `{"eventId":"e1","eventType":"TaskPaused","taskId":"t1","occurredAt":"2024-05-01T12:00:00Z"}`, wantField: "eventType"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.payload))
			require.Error(t, err)

			var de *DecodeError
			require.True(t, errors.As(err, &de), "expected DecodeError, got %T", err)
			assert.Equal(t, tt.wantField, de.Field)
			assert.NotEmpty(t, de.Reason)
			assert.False(t, IsRetryable(err))
		})
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	ts := time.Date(2024, 5, 1, 12, 0, 0, 123000000, time.UTC)

	for _, evt := range []TaskEvent{
		NewTaskCompletedEvent("e1", "t1", true, 0.5, 3*time.Second, ts).TaskEvent(),
		NewTaskFailedEvent("e2", "t1", 1.25, time.Minute, ts).TaskEvent(),
		NewTaskStartedEvent("e0", "t1", ts).TaskEvent(),
	} {
		t.Run(evt.Type.String(), func(t *testing.T) {
			raw, err := Marshal(evt)
			require.NoError(t, err)

			got, err := Parse(raw)
			require.NoError(t, err)
			assert.Equal(t, evt, got)
		})
	}
}

func TestTaskEventDomain(t *testing.T) {
	ts := time.Now().UTC()
	evt := TaskEvent{EventID: "e1", Type: events.EventTypeTaskFailed, TaskID: "t1", CostUSD: 1, Duration: time.Second, OccurredAt: ts}

	de := evt.Domain()
	assert.Equal(t, events.EventTypeTaskFailed, de.EventType())
	assert.Equal(t, ts, de.OccurredAt())

	failed, ok := de.(TaskFailedEvent)
	require.True(t, ok)
	assert.Equal(t, evt, failed.TaskEvent())
}
