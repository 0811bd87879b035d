// Package shepherd supervises the flock: it translates control messages
// into child-process launches, terminations, and per-agent command
// broadcasts, and owns the registry of live agents.
package shepherd

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"shepherd/internal/domain"
	"shepherd/internal/usecase/process"
)

// DefaultRemoveTimeout bounds the wait for a voluntary agent exit before
// force-kill.
const DefaultRemoveTimeout = 30 * time.Second

// Config wires the supervisor to its environment.
type Config struct {
	KafkaHost     string
	Topics        map[string]string // config key (e.g. "agent_receive") -> wire topic name
	AgentReceive  string            // wire topic for per-agent commands
	LaunchDir     string            // working directory for spawned children
	DefaultBoot   string            // module launched when agent_config lacks "boot"
	Interpreter   []string          // invocation prefix for module boots, e.g. python -u -m
	RemoveTimeout time.Duration
	TeeWriter     io.Writer // destination for child output; default os.Stdout
}

// Agent is one registry entry: a supervised child plus the identity it was
// launched with.
type Agent struct {
	ID        string
	Type      string
	Config    map[string]any
	child     *process.Child
	tempFiles []string
}

// Status is the projection of an agent returned by the /status route.
type Status struct {
	AgentID     string         `json:"agent_id"`
	AgentType   string         `json:"agent_type"`
	AgentConfig map[string]any `json:"agent_config"`
	Alive       bool           `json:"alive"`
}

// Supervisor owns the agent registry and handles control messages from the
// shepherd-receive topic.
type Supervisor struct {
	mu       sync.Mutex
	agents   map[string]*Agent
	producer domain.Producer
	cfg      Config
	logger   *slog.Logger

	spawn func(process.Spec) (*process.Child, error) // test seam
}

// New creates a Supervisor.
func New(cfg Config, producer domain.Producer, logger *slog.Logger) *Supervisor {
	if cfg.RemoveTimeout <= 0 {
		cfg.RemoveTimeout = DefaultRemoveTimeout
	}
	if cfg.TeeWriter == nil {
		cfg.TeeWriter = os.Stdout
	}
	if len(cfg.Interpreter) == 0 {
		cfg.Interpreter = []string{"python", "-u", "-m"}
	}
	return &Supervisor{
		agents:   make(map[string]*Agent),
		producer: producer,
		cfg:      cfg,
		logger:   logger,
		spawn:    process.Spawn,
	}
}

// Handle routes one control message. Unknown events are logged and ignored.
func (s *Supervisor) Handle(ctx context.Context, topic string, env domain.Envelope) error {
	switch event := env.Event(); event {
	case domain.EventAddAgent:
		return s.Add(ctx, env)
	case domain.EventRemoveAgent:
		if prefix := env.Prefix(); prefix != "" {
			return s.RemovePrefix(ctx, prefix)
		}
		return s.Remove(ctx, env.AgentID())
	case domain.EventTriggerAll, domain.EventPauseAll, domain.EventShutdownAll:
		perAgent, _ := domain.BroadcastEvent(event)
		return s.Broadcast(ctx, perAgent)
	default:
		s.logger.Warn("ignoring unknown control event", "event", string(event), "topic", topic)
		return nil
	}
}

// Add launches a new agent and inserts it into the registry. An existing
// record under the same id is silently overwritten; callers choose fresh
// identifiers.
func (s *Supervisor) Add(ctx context.Context, env domain.Envelope) error {
	id := env.AgentID()
	if id == "" {
		return domain.NewDomainError("Supervisor.Add", domain.ErrInvalidInput, "missing agent_id")
	}
	agentType := env.AgentType()

	config := make(map[string]any, len(env.AgentConfig())+2)
	for k, v := range env.AgentConfig() {
		config[k] = v
	}

	// The child addresses the bus with the shepherd's own broker settings;
	// no separate configuration is needed.
	if _, ok := config["kafka_config"]; !ok {
		config["kafka_config"] = s.kafkaConfig()
	}

	tempFiles, err := writeBlobFiles(env.Blobs)
	if err != nil {
		return domain.WrapOp("Supervisor.Add", err)
	}
	if len(tempFiles) > 0 {
		config["files"] = tempFiles
	}

	argv, err := s.composeCommand(id, agentType, config)
	if err != nil {
		removeFiles(tempFiles)
		return err
	}

	child, err := s.spawn(process.Spec{Argv: argv, Dir: s.cfg.LaunchDir})
	if err != nil {
		removeFiles(tempFiles)
		return domain.WrapOp("Supervisor.Add", err)
	}
	child.Tee(s.cfg.TeeWriter, id)

	agent := &Agent{ID: id, Type: agentType, Config: config, child: child, tempFiles: tempFiles}
	s.mu.Lock()
	s.agents[id] = agent
	s.mu.Unlock()

	s.logger.Info("agent added", "agent_id", id, "agent_type", agentType, "pid", child.Pid())
	return nil
}

// Remove asks the agent to exit, waits up to the termination timeout, then
// force-kills and drops the record.
func (s *Supervisor) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	agent, ok := s.agents[id]
	s.mu.Unlock()
	if !ok {
		return domain.NewDomainError("Supervisor.Remove", domain.ErrNotFound, id)
	}

	// Give the agent a chance to exit cleanly before the bounded wait.
	shutdown := domain.NewEnvelope(domain.EventShutdownAgent)
	shutdown.Set(domain.FieldAgentID, id)
	if err := s.producer.Send(ctx, s.cfg.AgentReceive, shutdown); err != nil {
		s.logger.Error("shutdown publish failed", "agent_id", id, "error", err)
	}

	if err := agent.child.Terminate(s.cfg.RemoveTimeout); err != nil {
		s.logger.Error("terminate failed", "agent_id", id, "error", err)
	}

	s.mu.Lock()
	delete(s.agents, id)
	s.mu.Unlock()

	removeFiles(agent.tempFiles)
	s.logger.Info("agent removed", "agent_id", id)
	return nil
}

// RemovePrefix removes every agent whose identifier starts with prefix.
// The key set is snapshotted at the start; agents added concurrently may
// escape this batch. Errors on individual agents do not abort the batch.
func (s *Supervisor) RemovePrefix(ctx context.Context, prefix string) error {
	for _, id := range s.ids() {
		if !strings.HasPrefix(id, prefix) {
			continue
		}
		if err := s.Remove(ctx, id); err != nil {
			s.logger.Error("prefix remove: agent failed", "agent_id", id, "error", err)
		}
	}
	return nil
}

// Broadcast publishes a per-agent command for every agent in the registry.
func (s *Supervisor) Broadcast(ctx context.Context, event domain.EventType) error {
	var firstErr error
	for _, id := range s.ids() {
		env := domain.NewEnvelope(event)
		env.Set(domain.FieldAgentID, id)
		if err := s.producer.Send(ctx, s.cfg.AgentReceive, env); err != nil {
			s.logger.Error("broadcast publish failed", "agent_id", id, "event", string(event), "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Statuses projects the registry for the /status route, querying liveness
// at call time.
func (s *Supervisor) Statuses() []Status {
	s.mu.Lock()
	agents := make([]*Agent, 0, len(s.agents))
	for _, a := range s.agents {
		agents = append(agents, a)
	}
	s.mu.Unlock()

	out := make([]Status, 0, len(agents))
	for _, a := range agents {
		out = append(out, Status{
			AgentID:     a.ID,
			AgentType:   a.Type,
			AgentConfig: a.Config,
			Alive:       a.child.Alive(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// Shutdown removes every agent. Used on service exit.
func (s *Supervisor) Shutdown(ctx context.Context) {
	for _, id := range s.ids() {
		if err := s.Remove(ctx, id); err != nil {
			s.logger.Error("shutdown: agent remove failed", "agent_id", id, "error", err)
		}
	}
}

func (s *Supervisor) ids() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.agents))
	for id := range s.agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *Supervisor) kafkaConfig() map[string]any {
	topics := make(map[string]any, len(s.cfg.Topics))
	for key, name := range s.cfg.Topics {
		topics[key] = name
	}
	return map[string]any{
		"host":      s.cfg.KafkaHost,
		"topics":    topics,
		"subscribe": []any{},
	}
}

// composeCommand builds the child argv: a boot string runs as a module via
// the interpreter prefix, a boot sequence runs literally; either way the
// identity flags and the JSON-encoded config are appended.
func (s *Supervisor) composeCommand(id, agentType string, config map[string]any) ([]string, error) {
	var argv []string
	switch boot := config["boot"].(type) {
	case string:
		argv = append(append([]string{}, s.cfg.Interpreter...), boot)
	case []any:
		for _, part := range boot {
			str, ok := part.(string)
			if !ok {
				return nil, domain.NewDomainError("Supervisor.Add", domain.ErrInvalidInput,
					"boot sequence must contain only strings")
			}
			argv = append(argv, str)
		}
		if len(argv) == 0 {
			return nil, domain.NewDomainError("Supervisor.Add", domain.ErrInvalidInput, "empty boot sequence")
		}
	case nil:
		argv = append(append([]string{}, s.cfg.Interpreter...), s.cfg.DefaultBoot)
	default:
		return nil, domain.NewDomainError("Supervisor.Add", domain.ErrInvalidInput, "boot must be a string or sequence")
	}

	encoded, err := json.Marshal(config)
	if err != nil {
		return nil, domain.WrapOp("Supervisor.Add", err)
	}
	return append(argv, "--id", id, "--type", agentType, "--config", string(encoded)), nil
}

// writeBlobFiles lands each blob in a temp file the child reads as a
// positional argument. The files live as long as the agent record.
func writeBlobFiles(blobs [][]byte) ([]string, error) {
	var paths []string
	for _, blob := range blobs {
		f, err := os.CreateTemp("", "shepherd-blob-*")
		if err != nil {
			removeFiles(paths)
			return nil, err
		}
		if _, err := f.Write(blob); err != nil {
			f.Close()
			removeFiles(append(paths, f.Name()))
			return nil, err
		}
		if err := f.Close(); err != nil {
			removeFiles(append(paths, f.Name()))
			return nil, err
		}
		paths = append(paths, f.Name())
	}
	return paths, nil
}

func removeFiles(paths []string) {
	for _, p := range paths {
		os.Remove(p)
	}
}
