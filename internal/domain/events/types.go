package events

// EventType represents a domain event category, enabling type-safe event routing and handling.
type EventType string

// Task lifecycle event types.
const (
	EventTypeTaskStarted   EventType = "TaskStarted"
	EventTypeTaskCompleted EventType = "TaskCompleted"
	EventTypeTaskFailed    EventType = "TaskFailed"
)

// String returns the wire name of the event type.
func (t EventType) String() string { return string(t) }

// PublishOption is a function type that modifies PublishParams.
// It enables flexible configuration of event publishing behavior through functional options.
type PublishOption func(*PublishParams)

// PublishParams contains configuration options for publishing events.
type PublishParams struct {
	// Key is used as a partition key to control event routing and ordering.
	Key string
	// Headers contain metadata key-value pairs attached to the event.
	Headers map[string]string
}

// WithKey returns a PublishOption that sets the partition key for event routing.
// The key helps ensure related events are processed in order by the same consumer.
func WithKey(key string) PublishOption {
	return func(p *PublishParams) { p.Key = key }
}

// WithHeaders returns a PublishOption that attaches metadata headers to an event.
// Headers are merged with any headers set by earlier options.
func WithHeaders(headers map[string]string) PublishOption {
	return func(p *PublishParams) {
		if p.Headers == nil {
			p.Headers = make(map[string]string, len(headers))
		}
		for k, v := range headers {
			p.Headers[k] = v
		}
	}
}

// ApplyPublishOptions folds opts into a PublishParams value.
func ApplyPublishOptions(opts ...PublishOption) PublishParams {
	var p PublishParams
	for _, opt := range opts {
		opt(&p)
	}
	return p
}
