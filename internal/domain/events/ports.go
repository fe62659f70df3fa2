// Package events provides domain event handling capabilities for communicating state changes
// and important activities across system boundaries in a decoupled way.
package events

import "context"

// Publisher sends raw event payloads to a named topic. Dead-letter sinks and
// the local test broker are built on it.
type Publisher interface {
	// Publish sends payload to topic. The provided context controls cancellation
	// and deadlines. Optional PublishOptions configure routing behavior.
	Publish(ctx context.Context, topic string, payload []byte, opts ...PublishOption) error

	// Close releases resources held by the publisher.
	Close() error
}
