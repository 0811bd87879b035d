package broker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"shepherd/internal/wire"
)

// fetcher is the slice of kafka.Reader the poll loop needs.
type fetcher interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// Consumer runs the poll loop: it blocks on the broker, decodes each record
// and hands (topic, message) to the dispatcher in arrival order.
type Consumer struct {
	reader     fetcher
	dispatcher *Dispatcher
	logger     *slog.Logger
}

// NewConsumer subscribes a consumer-group reader to the given topics.
func NewConsumer(host, groupID string, topics []string, d *Dispatcher, logger *slog.Logger) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     []string{host},
		GroupID:     groupID,
		GroupTopics: topics,
		// Effectively blocking poll: wake only when messages arrive.
		MaxWait: 10 * time.Second,
	})
	return &Consumer{reader: reader, dispatcher: d, logger: logger}
}

// Run polls until ctx is canceled or the reader is closed. Broker errors
// are logged and retried on the next iteration; decode failures drop the
// individual record.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		msg, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			c.logger.Error("broker poll failed", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		env, err := wire.DecodeEnvelope(msg.Value, c.logger)
		if err != nil {
			c.logger.Error("dropping undecodable record", "topic", msg.Topic, "error", err)
			continue
		}
		c.dispatcher.Dispatch(ctx, msg.Topic, env)
	}
}

// Close releases the underlying reader, unblocking Run.
func (c *Consumer) Close() error {
	return c.reader.Close()
}
