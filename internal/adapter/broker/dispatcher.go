package broker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"shepherd/internal/domain"
	"shepherd/internal/usecase/eventbus"
)

// Dispatcher routes each decoded broker message: it refreshes the
// last-message cache, invokes the registered handler, and fans the
// blob-stripped envelope out on the event bus. Failures are logged and
// confined to the offending record; the poll loop continues.
type Dispatcher struct {
	mu      sync.Mutex
	last    map[string]domain.Envelope
	handler domain.MessageHandler
	bus     *eventbus.Bus
	logger  *slog.Logger
}

// NewDispatcher creates a dispatcher publishing to bus. handler may be nil.
func NewDispatcher(handler domain.MessageHandler, bus *eventbus.Bus, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		last:    make(map[string]domain.Envelope),
		handler: handler,
		bus:     bus,
		logger:  logger,
	}
}

// Dispatch processes one decoded message. It completes the handler and the
// event-bus publish before returning, preserving per-topic FIFO from the
// broker through to subscribed websockets.
func (d *Dispatcher) Dispatch(ctx context.Context, topic string, env domain.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("dispatch panicked", "topic", topic, "event", string(env.Event()), "panic", r)
		}
	}()

	// Cache the blob-stripped form so the snapshot never retains large
	// binary payloads.
	stripped := env.WithoutBlobs()
	d.mu.Lock()
	d.last[topic] = stripped
	d.mu.Unlock()

	if d.handler != nil {
		if err := d.handler(ctx, topic, env); err != nil {
			d.logger.Error("message handler failed", "topic", topic, "event", string(env.Event()), "error", err)
			return
		}
	}

	payload, err := json.Marshal(stripped.Fields)
	if err != nil {
		d.logger.Error("re-serialize failed", "topic", topic, "error", err)
		return
	}
	d.bus.Publish(topic, string(payload))
}

// LastMessages returns a snapshot of the most recent blob-stripped envelope
// per topic, for late-joining websocket clients.
func (d *Dispatcher) LastMessages() map[string]domain.Envelope {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]domain.Envelope, len(d.last))
	for topic, env := range d.last {
		out[topic] = env
	}
	return out
}
