package domain

import "context"

// Producer publishes envelopes onto broker topics. Send errors propagate to
// the caller; the broker's own retry semantics are relied on.
type Producer interface {
	Send(ctx context.Context, topic string, env Envelope) error
}

// MessageHandler receives each decoded (topic, envelope) pair from the
// broker consumer, in per-topic arrival order.
type MessageHandler func(ctx context.Context, topic string, env Envelope) error
