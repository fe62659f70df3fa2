package events

import "time"

// DomainEvent is implemented by every typed event the system understands.
// It exposes enough information to route an event and to order it in time.
type DomainEvent interface {
	// EventType identifies the category of this event for routing and handling.
	EventType() EventType
	// OccurredAt is the producer-assigned time at which the event happened.
	OccurredAt() time.Time
}

// EventMetadata carries the stream position of a received event.
type EventMetadata struct {
	Topic     string
	Partition int32
	Offset    int64
}

// AckFunc acknowledges a received message. A nil error marks the message as
// processed; a non-nil error leaves it for redelivery.
type AckFunc func(error)
