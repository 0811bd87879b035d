package shepherd

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shepherd/internal/domain"
	"shepherd/internal/usecase/process"
)

type sentMessage struct {
	topic string
	env   domain.Envelope
}

type fakeProducer struct {
	mu   sync.Mutex
	sent []sentMessage
}

func (p *fakeProducer) Send(_ context.Context, topic string, env domain.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, sentMessage{topic: topic, env: env})
	return nil
}

func (p *fakeProducer) messages() []sentMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]sentMessage{}, p.sent...)
}

func newTestSupervisor(t *testing.T) (*Supervisor, *fakeProducer) {
	t.Helper()
	producer := &fakeProducer{}
	sup := New(Config{
		KafkaHost:     "127.0.0.1:9092",
		Topics:        map[string]string{"agent_receive": "agent-receive", "shepherd_receive": "shepherd-receive"},
		AgentReceive:  "agent-receive",
		RemoveTimeout: 100 * time.Millisecond,
		TeeWriter:     io.Discard,
	}, producer, slog.Default())
	// Children in tests are inert sleepers regardless of the composed argv.
	sup.spawn = func(process.Spec) (*process.Child, error) {
		return process.Spawn(process.Spec{Argv: []string{"sh", "-c", "sleep 60"}})
	}
	return sup, producer
}

func addEnvelope(id, agentType string, config map[string]any) domain.Envelope {
	env := domain.NewEnvelope(domain.EventAddAgent)
	env.Set(domain.FieldAgentID, id)
	env.Set(domain.FieldAgentType, agentType)
	if config != nil {
		env.Set(domain.FieldAgentConfig, config)
	}
	return env
}

func TestAddThenStatus(t *testing.T) {
	sup, _ := newTestSupervisor(t)
	defer sup.Shutdown(context.Background())

	err := sup.Handle(context.Background(), "shepherd-receive",
		addEnvelope("a1", "noop", map[string]any{"sleep_ms": float64(60000)}))
	require.NoError(t, err)

	statuses := sup.Statuses()
	require.Len(t, statuses, 1)
	assert.Equal(t, "a1", statuses[0].AgentID)
	assert.Equal(t, "noop", statuses[0].AgentType)
	assert.Equal(t, float64(60000), statuses[0].AgentConfig["sleep_ms"])
	assert.True(t, statuses[0].Alive)

	// The forwarded config carries the shepherd's own broker settings.
	kafka, ok := statuses[0].AgentConfig["kafka_config"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "127.0.0.1:9092", kafka["host"])
	assert.Equal(t, []any{}, kafka["subscribe"])
}

func TestAddRequiresAgentID(t *testing.T) {
	sup, _ := newTestSupervisor(t)
	err := sup.Add(context.Background(), domain.NewEnvelope(domain.EventAddAgent))
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestAddThenRemove(t *testing.T) {
	sup, producer := newTestSupervisor(t)

	require.NoError(t, sup.Add(context.Background(), addEnvelope("x", "noop", nil)))
	require.NoError(t, sup.Remove(context.Background(), "x"))

	assert.Empty(t, sup.Statuses())

	msgs := producer.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "agent-receive", msgs[0].topic)
	assert.Equal(t, domain.EventShutdownAgent, msgs[0].env.Event())
	assert.Equal(t, "x", msgs[0].env.AgentID())
}

func TestRemoveUnknownAgent(t *testing.T) {
	sup, _ := newTestSupervisor(t)
	err := sup.Remove(context.Background(), "ghost")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRemoveByPrefix(t *testing.T) {
	sup, producer := newTestSupervisor(t)
	defer sup.Shutdown(context.Background())

	ctx := context.Background()
	for _, id := range []string{"cell-1", "cell-2", "env-1"} {
		require.NoError(t, sup.Add(ctx, addEnvelope(id, "noop", nil)))
	}

	env := domain.NewEnvelope(domain.EventRemoveAgent)
	env.Set(domain.FieldPrefix, "cell-")
	require.NoError(t, sup.Handle(ctx, "shepherd-receive", env))

	statuses := sup.Statuses()
	require.Len(t, statuses, 1)
	assert.Equal(t, "env-1", statuses[0].AgentID)

	var shutdownIDs []string
	for _, m := range producer.messages() {
		if m.env.Event() == domain.EventShutdownAgent {
			shutdownIDs = append(shutdownIDs, m.env.AgentID())
		}
	}
	assert.ElementsMatch(t, []string{"cell-1", "cell-2"}, shutdownIDs)
}

func TestBroadcast(t *testing.T) {
	sup, producer := newTestSupervisor(t)
	defer sup.Shutdown(context.Background())

	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, sup.Add(ctx, addEnvelope(id, "noop", nil)))
	}

	require.NoError(t, sup.Handle(ctx, "shepherd-receive", domain.NewEnvelope(domain.EventPauseAll)))

	var paused []string
	for _, m := range producer.messages() {
		if m.env.Event() == domain.EventPauseAgent {
			assert.Equal(t, "agent-receive", m.topic)
			paused = append(paused, m.env.AgentID())
		}
	}
	assert.ElementsMatch(t, []string{"a", "b", "c"}, paused)
}

func TestUnknownEventIgnored(t *testing.T) {
	sup, producer := newTestSupervisor(t)
	env := domain.Envelope{Fields: map[string]any{"event": "WIBBLE"}}
	require.NoError(t, sup.Handle(context.Background(), "shepherd-receive", env))
	assert.Empty(t, producer.messages())
	assert.Empty(t, sup.Statuses())
}

func TestBlobFilesLifecycle(t *testing.T) {
	sup, _ := newTestSupervisor(t)

	env := addEnvelope("blobby", "noop", nil)
	env.Blobs = [][]byte{{1, 2, 3}, {4}}
	require.NoError(t, sup.Add(context.Background(), env))

	statuses := sup.Statuses()
	require.Len(t, statuses, 1)
	files, ok := statuses[0].AgentConfig["files"].([]string)
	require.True(t, ok)
	require.Len(t, files, 2)

	content, err := os.ReadFile(files[0])
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, content)

	// Removal deletes the record's temp files.
	require.NoError(t, sup.Remove(context.Background(), "blobby"))
	for _, f := range files {
		_, err := os.Stat(f)
		assert.True(t, os.IsNotExist(err), "temp file %s should be gone", f)
	}
}

func TestComposeCommand(t *testing.T) {
	sup, _ := newTestSupervisor(t)

	config := map[string]any{"boot": "agent.boot", "outer_id": "o1"}
	argv, err := sup.composeCommand("a1", "inner", config)
	require.NoError(t, err)

	require.Greater(t, len(argv), 6)
	assert.Equal(t, []string{"python", "-u", "-m", "agent.boot"}, argv[:4])
	assert.Equal(t, []string{"--id", "a1", "--type", "inner", "--config"}, argv[4:9])

	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(argv[9]), &decoded))
	assert.Equal(t, "o1", decoded["outer_id"])
}

func TestComposeCommandSequenceBoot(t *testing.T) {
	sup, _ := newTestSupervisor(t)

	argv, err := sup.composeCommand("a1", "noop", map[string]any{
		"boot": []any{"./bin/agent", "--fast"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"./bin/agent", "--fast"}, argv[:2])

	_, err = sup.composeCommand("a1", "noop", map[string]any{"boot": []any{float64(1)}})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestAddOverwritesExistingID(t *testing.T) {
	sup, _ := newTestSupervisor(t)
	defer sup.Shutdown(context.Background())

	ctx := context.Background()
	require.NoError(t, sup.Add(ctx, addEnvelope("dup", "first", nil)))
	require.NoError(t, sup.Add(ctx, addEnvelope("dup", "second", nil)))

	statuses := sup.Statuses()
	require.Len(t, statuses, 1)
	assert.Equal(t, "second", statuses[0].AgentType)
}
