package monitoring

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/ahrav/taskpulse/internal/domain/events"
	"github.com/ahrav/taskpulse/pkg/common/validate"
)

// wireEvent is the JSON shape producers publish. Pointers distinguish a
// missing field from its zero value.
type wireEvent struct {
	EventID    *string         `json:"eventId"`
	EventType  *string         `json:"eventType"`
	TaskID     *string         `json:"taskId"`
	Success    *bool           `json:"success"`
	CostUSD    *float64        `json:"costUsd"`
	Duration   json.RawMessage `json:"duration"`
	OccurredAt json.RawMessage `json:"occurredAt"`
}

// contractFields holds the scalar fields checked with struct tags once the
// payload has been unpacked. The cost ceiling keeps per-task amounts well
// inside the micro-dollar range the rollup accumulates in.
type contractFields struct {
	EventID string  `json:"eventId" validate:"required,max=512"`
	TaskID  string  `json:"taskId" validate:"required,max=512"`
	CostUSD float64 `json:"costUsd" validate:"gte=0,lte=1000000000"`
}

// Parse decodes raw into a TaskEvent. Any contract violation is reported as a
// *DecodeError naming the offending field.
func Parse(raw []byte) (TaskEvent, error) {
	var w wireEvent
	if err := json.Unmarshal(raw, &w); err != nil {
		return TaskEvent{}, decodeErrorFromJSON(err)
	}

	evtType := events.EventTypeTaskCompleted
	if w.EventType != nil {
		switch t := events.EventType(*w.EventType); t {
		case events.EventTypeTaskStarted, events.EventTypeTaskCompleted, events.EventTypeTaskFailed:
			evtType = t
		default:
			return TaskEvent{}, &DecodeError{Field: "eventType", Reason: fmt.Sprintf("unsupported event type %q", *w.EventType)}
		}
	}

	fields := contractFields{EventID: deref(w.EventID), TaskID: deref(w.TaskID)}
	if w.CostUSD != nil {
		fields.CostUSD = *w.CostUSD
	}
	if err := validate.Check(fields); err != nil {
		var fe validate.FieldErrors
		if errors.As(err, &fe) && len(fe) > 0 {
			return TaskEvent{}, &DecodeError{Field: fe[0].Field, Reason: fe[0].Err}
		}
		return TaskEvent{}, &DecodeError{Reason: err.Error()}
	}

	if isNull(w.OccurredAt) {
		return TaskEvent{}, &DecodeError{Field: "occurredAt", Reason: "occurredAt is a required field"}
	}
	occurredAt, err := parseTimestamp(w.OccurredAt)
	if err != nil {
		return TaskEvent{}, &DecodeError{Field: "occurredAt", Reason: err.Error()}
	}

	evt := TaskEvent{
		EventID:    fields.EventID,
		Type:       evtType,
		TaskID:     fields.TaskID,
		OccurredAt: occurredAt,
	}

	if !IsTerminal(evtType) {
		// Cost and duration are not meaningful until a task ends; a started
		// event may carry them but they are only checked for shape.
		if !isNull(w.Duration) {
			if _, err := parseDuration(w.Duration); err != nil {
				return TaskEvent{}, &DecodeError{Field: "duration", Reason: err.Error()}
			}
		}
		return evt, nil
	}

	if w.CostUSD == nil {
		return TaskEvent{}, requiredFor("costUsd", evtType)
	}
	if isNull(w.Duration) {
		return TaskEvent{}, requiredFor("duration", evtType)
	}
	dur, err := parseDuration(w.Duration)
	if err != nil {
		return TaskEvent{}, &DecodeError{Field: "duration", Reason: err.Error()}
	}

	switch evtType {
	case events.EventTypeTaskCompleted:
		if w.Success == nil {
			return TaskEvent{}, requiredFor("success", evtType)
		}
		evt.Success = *w.Success
	case events.EventTypeTaskFailed:
		if w.Success != nil && *w.Success {
			return TaskEvent{}, &DecodeError{Field: "success", Reason: "success must be false for TaskFailed events"}
		}
	}

	evt.CostUSD = *w.CostUSD
	evt.Duration = dur
	return evt, nil
}

// wireOut is the encoded form written by Marshal.
type wireOut struct {
	EventID    string   `json:"eventId"`
	EventType  string   `json:"eventType"`
	TaskID     string   `json:"taskId"`
	Success    *bool    `json:"success,omitempty"`
	CostUSD    *float64 `json:"costUsd,omitempty"`
	Duration   *float64 `json:"duration,omitempty"`
	OccurredAt string   `json:"occurredAt"`
}

// Marshal encodes evt in the wire format accepted by Parse. Durations are
// written as fractional seconds.
func Marshal(evt TaskEvent) ([]byte, error) {
	out := wireOut{
		EventID:    evt.EventID,
		EventType:  evt.Type.String(),
		TaskID:     evt.TaskID,
		OccurredAt: evt.OccurredAt.UTC().Format(time.RFC3339Nano),
	}
	if evt.Terminal() {
		success, cost, secs := evt.Success, evt.CostUSD, evt.Duration.Seconds()
		out.Success, out.CostUSD, out.Duration = &success, &cost, &secs
	}
	return json.Marshal(out)
}

func requiredFor(field string, t events.EventType) *DecodeError {
	return &DecodeError{Field: field, Reason: fmt.Sprintf("%s is required for %s events", field, t)}
}

func decodeErrorFromJSON(err error) *DecodeError {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		if typeErr.Field == "" {
			return &DecodeError{Reason: "payload must be a JSON object"}
		}
		return &DecodeError{
			Field:  typeErr.Field,
			Reason: fmt.Sprintf("%s must be a JSON %s, got %s", typeErr.Field, jsonKind(typeErr.Type), typeErr.Value),
		}
	}
	return &DecodeError{Reason: "malformed JSON: " + err.Error()}
}

func jsonKind(t reflect.Type) string {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	switch t.Kind() {
	case reflect.Bool:
		return "boolean"
	case reflect.Float32, reflect.Float64, reflect.Int, reflect.Int64:
		return "number"
	case reflect.String:
		return "string"
	default:
		return "value"
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// maxSeconds is the largest number of seconds representable as a time.Duration.
const maxSeconds = float64(math.MaxInt64) / float64(time.Second)

// parseDuration accepts a JSON number of seconds or a string holding a Go
// duration, an ISO-8601 duration, or a number of seconds.
func parseDuration(raw json.RawMessage) (time.Duration, error) {
	raw = bytes.TrimSpace(raw)

	if raw[0] != '"' {
		var secs float64
		if err := json.Unmarshal(raw, &secs); err != nil {
			return 0, errors.New("duration must be a number of seconds or a duration string")
		}
		return secondsToDuration(secs)
	}

	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, errors.New("duration must be a number of seconds or a duration string")
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("duration must not be empty")
	}

	if s[0] == 'P' || s[0] == 'p' {
		return parseISODuration(strings.ToUpper(s))
	}
	if d, err := time.ParseDuration(s); err == nil {
		if d < 0 {
			return 0, errors.New("duration must not be negative")
		}
		return d, nil
	}
	secs, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("unrecognized duration format %q", s)
	}
	return secondsToDuration(secs)
}

func secondsToDuration(secs float64) (time.Duration, error) {
	switch {
	case math.IsNaN(secs) || math.IsInf(secs, 0):
		return 0, errors.New("duration must be finite")
	case secs < 0:
		return 0, errors.New("duration must not be negative")
	case secs >= maxSeconds:
		return 0, errors.New("duration is out of range")
	}
	return time.Duration(math.Round(secs * float64(time.Second))), nil
}

// parseISODuration handles the day-time subset of ISO-8601 durations
// (PnW, PnDTnHnMnS). Years and months have no fixed length and are rejected.
func parseISODuration(s string) (time.Duration, error) {
	rest := s[1:]
	if rest == "" {
		return 0, fmt.Errorf("invalid ISO-8601 duration %q", s)
	}

	var (
		secs       float64
		inTime     bool
		components int
	)
	for rest != "" {
		if rest[0] == 'T' {
			if inTime || len(rest) == 1 {
				return 0, fmt.Errorf("invalid ISO-8601 duration %q", s)
			}
			inTime = true
			rest = rest[1:]
			continue
		}

		i := strings.IndexFunc(rest, func(r rune) bool {
			return (r < '0' || r > '9') && r != '.' && r != ','
		})
		if i <= 0 {
			return 0, fmt.Errorf("invalid ISO-8601 duration %q", s)
		}
		v, err := strconv.ParseFloat(strings.Replace(rest[:i], ",", ".", 1), 64)
		if err != nil {
			return 0, fmt.Errorf("invalid ISO-8601 duration %q", s)
		}

		unit := rest[i]
		rest = rest[i+1:]
		switch {
		case !inTime && unit == 'W':
			secs += v * 7 * 24 * 3600
		case !inTime && unit == 'D':
			secs += v * 24 * 3600
		case !inTime && (unit == 'Y' || unit == 'M'):
			return 0, fmt.Errorf("ISO-8601 duration %q uses calendar units, which are not supported", s)
		case inTime && unit == 'H':
			secs += v * 3600
		case inTime && unit == 'M':
			secs += v * 60
		case inTime && unit == 'S':
			secs += v
		default:
			return 0, fmt.Errorf("invalid ISO-8601 duration %q", s)
		}
		components++
	}
	if components == 0 {
		return 0, fmt.Errorf("invalid ISO-8601 duration %q", s)
	}
	return secondsToDuration(secs)
}

// parseTimestamp accepts an RFC 3339 string or a JSON number of Unix seconds.
func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	raw = bytes.TrimSpace(raw)

	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return time.Time{}, errors.New("occurredAt must be an RFC 3339 timestamp")
		}
		ts, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}, fmt.Errorf("occurredAt %q is not an RFC 3339 timestamp", s)
		}
		if ts.IsZero() {
			return time.Time{}, errors.New("occurredAt must not be the zero time")
		}
		return ts.UTC(), nil
	}

	var secs float64
	if err := json.Unmarshal(raw, &secs); err != nil {
		return time.Time{}, errors.New("occurredAt must be an RFC 3339 string or Unix seconds")
	}
	if math.IsNaN(secs) || math.IsInf(secs, 0) || math.Abs(secs) >= maxSeconds {
		return time.Time{}, errors.New("occurredAt is out of range")
	}
	whole, frac := math.Modf(secs)
	return time.Unix(int64(whole), int64(math.Round(frac*1e9))).UTC(), nil
}
