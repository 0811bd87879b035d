package broker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shepherd/internal/domain"
	"shepherd/internal/usecase/eventbus"
	"shepherd/internal/wire"
)

func encode(t *testing.T, env domain.Envelope) []byte {
	t.Helper()
	data, err := wire.EncodeEnvelope(env)
	require.NoError(t, err)
	return data
}

func TestDispatcherUpdatesCacheAndPublishes(t *testing.T) {
	bus := eventbus.New(slog.Default())
	sub := bus.Subscribe("environment-state")

	var handled []string
	d := NewDispatcher(func(_ context.Context, topic string, env domain.Envelope) error {
		handled = append(handled, topic+"/"+string(env.Event()))
		return nil
	}, bus, slog.Default())

	env := domain.NewEnvelope(domain.EventCellDeclare)
	env.Blobs = [][]byte{{1, 2, 3}}
	d.Dispatch(context.Background(), "environment-state", env)

	// Cache holds the blob-stripped form.
	last := d.LastMessages()
	require.Contains(t, last, "environment-state")
	assert.Empty(t, last["environment-state"].Blobs)
	assert.Equal(t, domain.EventCellDeclare, last["environment-state"].Event())

	assert.Equal(t, []string{"environment-state/CELL_DECLARE"}, handled)

	select {
	case payload := <-sub.C():
		assert.JSONEq(t, `{"event":"CELL_DECLARE"}`, payload)
	case <-time.After(time.Second):
		t.Fatal("no event-bus fanout")
	}
}

func TestDispatcherCacheKeepsLatest(t *testing.T) {
	d := NewDispatcher(nil, eventbus.New(slog.Default()), slog.Default())

	first := domain.NewEnvelope(domain.EventCellDeclare)
	second := domain.NewEnvelope(domain.EventEnvironmentSynchronize)
	d.Dispatch(context.Background(), "t", first)
	d.Dispatch(context.Background(), "t", second)

	assert.Equal(t, domain.EventEnvironmentSynchronize, d.LastMessages()["t"].Event())
}

func TestDispatcherHandlerErrorSkipsFanout(t *testing.T) {
	bus := eventbus.New(slog.Default())
	sub := bus.Subscribe("t")

	d := NewDispatcher(func(context.Context, string, domain.Envelope) error {
		return errors.New("boom")
	}, bus, slog.Default())
	d.Dispatch(context.Background(), "t", domain.NewEnvelope(domain.EventTriggerAll))

	select {
	case payload := <-sub.C():
		t.Fatalf("unexpected fanout after handler error: %q", payload)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestDispatcherRecoversFromPanic(t *testing.T) {
	d := NewDispatcher(func(context.Context, string, domain.Envelope) error {
		panic("handler blew up")
	}, eventbus.New(slog.Default()), slog.Default())

	assert.NotPanics(t, func() {
		d.Dispatch(context.Background(), "t", domain.NewEnvelope(domain.EventTriggerAll))
	})

	// Subsequent records are unaffected.
	d.Dispatch(context.Background(), "u", domain.NewEnvelope(domain.EventPauseAll))
	assert.Contains(t, d.LastMessages(), "u")
}

// scriptedReader feeds a fixed message sequence, then blocks until the
// context ends.
type scriptedReader struct {
	msgs []kafka.Message
	errs []error
}

func (r *scriptedReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	if len(r.errs) > 0 {
		err := r.errs[0]
		r.errs = r.errs[1:]
		return kafka.Message{}, err
	}
	if len(r.msgs) == 0 {
		<-ctx.Done()
		return kafka.Message{}, ctx.Err()
	}
	m := r.msgs[0]
	r.msgs = r.msgs[1:]
	return m, nil
}

func (r *scriptedReader) Close() error { return nil }

func TestConsumerDecodesAndDispatchesInOrder(t *testing.T) {
	first := domain.NewEnvelope(domain.EventTriggerAll)
	second := domain.NewEnvelope(domain.EventPauseAll)

	reader := &scriptedReader{msgs: []kafka.Message{
		{Topic: "shepherd-receive", Value: encode(t, first)},
		{Topic: "shepherd-receive", Value: []byte{'J', 'S', 'O', 'N', 0, 0, 0, 2, '{', 'x'}}, // bad JSON, dropped
		{Topic: "shepherd-receive", Value: encode(t, second)},
	}}

	var events []domain.EventType
	d := NewDispatcher(func(_ context.Context, _ string, env domain.Envelope) error {
		events = append(events, env.Event())
		return nil
	}, eventbus.New(slog.Default()), slog.Default())

	c := &Consumer{reader: reader, dispatcher: d, logger: slog.Default()}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, c.Run(ctx))

	assert.Equal(t, []domain.EventType{domain.EventTriggerAll, domain.EventPauseAll}, events)
}

func TestConsumerStopsOnClosedReader(t *testing.T) {
	reader := &scriptedReader{errs: []error{io.EOF}}
	c := &Consumer{
		reader:     reader,
		dispatcher: NewDispatcher(nil, eventbus.New(slog.Default()), slog.Default()),
		logger:     slog.Default(),
	}
	require.NoError(t, c.Run(context.Background()))
}
