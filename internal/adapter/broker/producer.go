// Package broker bridges the Kafka bus to the rest of the service: one
// long-lived producer, one consumer poll loop, and the dispatcher that
// routes each decoded envelope to the agent supervisor and the event bus.
package broker

import (
	"context"
	"log/slog"

	"github.com/segmentio/kafka-go"

	"shepherd/internal/domain"
	"shepherd/internal/wire"
)

// Producer publishes encoded envelopes. Send errors propagate to the
// caller; no application-level retry happens here.
type Producer struct {
	writer *kafka.Writer
	logger *slog.Logger
}

// NewProducer creates a producer for the given broker host.
func NewProducer(host string, logger *slog.Logger) *Producer {
	return &Producer{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(host),
			Balancer:               &kafka.LeastBytes{},
			AllowAutoTopicCreation: true,
		},
		logger: logger,
	}
}

// Send encodes the envelope and enqueues it on the topic.
func (p *Producer) Send(ctx context.Context, topic string, env domain.Envelope) error {
	data, err := wire.EncodeEnvelope(env)
	if err != nil {
		return domain.WrapOp("Producer.Send", err)
	}
	p.logger.Debug("publish", "topic", topic, "event", string(env.Event()), "bytes", len(data))
	return domain.WrapOp("Producer.Send",
		p.writer.WriteMessages(ctx, kafka.Message{Topic: topic, Value: data}))
}

// Close flushes and releases the underlying writer.
func (p *Producer) Close() error {
	return p.writer.Close()
}
