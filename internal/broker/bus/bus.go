// Package bus abstracts the shared message bus used by the broker protocol
// and implements synchronous request/reply correlation on top of it.
package bus

import "context"

// Subscription delivers messages published on one topic until closed.
type Subscription interface {
	// C returns the delivery channel. The channel is closed when the
	// subscription is closed.
	C() <-chan []byte
	// Close releases the subscription and its topic address.
	Close() error
}

// Bus is a connectionless publish/subscribe transport.
type Bus interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string) (Subscription, error)
}
