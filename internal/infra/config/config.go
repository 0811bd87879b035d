// Package config loads the shepherd's declarative configuration file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"shepherd/internal/domain"
)

// Config is the top-level service configuration.
type Config struct {
	Port      int          `yaml:"port"`
	Kafka     KafkaConfig  `yaml:"kafka"`
	Agent     AgentConfig  `yaml:"agent"`
	PublicDir string       `yaml:"public_dir"`
	// Interpreter is the invocation prefix for module boots.
	Interpreter   []string     `yaml:"interpreter"`
	RemoveTimeout string       `yaml:"remove_timeout"`
	Logger        LoggerConfig `yaml:"logger"`
}

// KafkaConfig describes the broker connection and topic name map.
type KafkaConfig struct {
	Host          string            `yaml:"host"`
	ConsumerGroup string            `yaml:"consumer_group"`
	Topics        map[string]string `yaml:"topics"`
	Subscribe     []string          `yaml:"subscribe"`
}

// AgentConfig is the launch map for spawned children.
type AgentConfig struct {
	Dir  string `yaml:"dir"`
	Boot string `yaml:"boot"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "text" or "json"
	Output string `yaml:"output"` // "stdout", "stderr", or a file path
}

// Canonical topic map keys. The wire names are configuration; these are the
// lookup keys the code uses.
const (
	TopicAgentReceive         = "agent_receive"
	TopicEnvironmentReceive   = "environment_receive"
	TopicCellReceive          = "cell_receive"
	TopicShepherdReceive      = "shepherd_receive"
	TopicVisualizationReceive = "visualization_receive"
)

// Load reads, defaults and validates the configuration file. Any failure
// here is fatal at startup.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, domain.NewDomainError("config.Load", domain.ErrConfigLoad, err.Error())
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, domain.NewDomainError("config.Load", domain.ErrConfigLoad, err.Error())
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = 33332
	}
	if c.Kafka.Host == "" {
		c.Kafka.Host = "127.0.0.1:9092"
	}
	if c.Kafka.ConsumerGroup == "" {
		c.Kafka.ConsumerGroup = "shepherd"
	}
	if c.Kafka.Topics == nil {
		c.Kafka.Topics = map[string]string{}
	}
	defaults := map[string]string{
		TopicAgentReceive:         "agent-receive",
		TopicEnvironmentReceive:   "environment-receive",
		TopicCellReceive:          "cell-receive",
		TopicShepherdReceive:      "shepherd-receive",
		TopicVisualizationReceive: "environment-state",
	}
	for key, name := range defaults {
		if c.Kafka.Topics[key] == "" {
			c.Kafka.Topics[key] = name
		}
	}
	if len(c.Kafka.Subscribe) == 0 {
		c.Kafka.Subscribe = []string{c.Kafka.Topics[TopicShepherdReceive]}
	}
	if c.PublicDir == "" {
		c.PublicDir = "public"
	}
	if len(c.Interpreter) == 0 {
		c.Interpreter = []string{"python", "-u", "-m"}
	}
	if c.RemoveTimeout == "" {
		c.RemoveTimeout = "30s"
	}
	if c.Agent.Dir == "" {
		c.Agent.Dir = "."
	}
	if c.Logger.Level == "" {
		c.Logger.Level = "info"
	}
	if c.Logger.Format == "" {
		c.Logger.Format = "text"
	}
}

// Validate rejects configurations the service cannot start with.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return domain.NewDomainError("config.Validate", domain.ErrConfigLoad,
			fmt.Sprintf("port %d out of range", c.Port))
	}
	if _, err := time.ParseDuration(c.RemoveTimeout); err != nil {
		return domain.NewDomainError("config.Validate", domain.ErrConfigLoad,
			fmt.Sprintf("remove_timeout: %v", err))
	}
	for key, name := range c.Kafka.Topics {
		if name == "" {
			return domain.NewDomainError("config.Validate", domain.ErrConfigLoad,
				fmt.Sprintf("topic %q has an empty wire name", key))
		}
	}
	return nil
}

// RemoveTimeoutDuration returns the parsed termination timeout.
func (c *Config) RemoveTimeoutDuration() time.Duration {
	d, err := time.ParseDuration(c.RemoveTimeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}
