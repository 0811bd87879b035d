// Command shepherdctl sends control messages to a running flock from the
// command line: add or remove agents, start, pause, or shut down an
// experiment, or divide a single cell.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"shepherd/internal/adapter/broker"
	"shepherd/internal/domain"
)

var (
	flagHost            string
	flagAgentReceive    string
	flagShepherdReceive string
	flagCellReceive     string
	flagEnvReceive      string
)

func main() {
	root := &cobra.Command{
		Use:           "shepherdctl",
		Short:         "Control simulation agents running in a distributed environment",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagHost, "kafka-host", "127.0.0.1:9092", "broker host address")
	root.PersistentFlags().StringVar(&flagAgentReceive, "agent-receive", "agent-receive", "topic agents receive messages on")
	root.PersistentFlags().StringVar(&flagShepherdReceive, "shepherd-receive", "shepherd-receive", "topic the shepherd receives messages on")
	root.PersistentFlags().StringVar(&flagCellReceive, "cell-receive", "cell-receive", "topic cell agents receive messages on")
	root.PersistentFlags().StringVar(&flagEnvReceive, "environment-receive", "environment-receive", "topic environment agents receive messages on")

	root.AddCommand(addCmd(), removeCmd(), runCmd(), pauseCmd(), shutdownCmd(), divideCmd(), experimentCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "shepherdctl: %v\n", err)
		os.Exit(1)
	}
}

func send(topic string, env domain.Envelope) error {
	producer := broker.NewProducer(flagHost, slog.Default())
	defer producer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return producer.Send(ctx, topic, env)
}

func addCmd() *cobra.Command {
	var id, agentType, configJSON string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add an agent to the flock",
		RunE: func(_ *cobra.Command, _ []string) error {
			if id == "" {
				id = uuid.NewString()
			}
			agentConfig := map[string]any{}
			if configJSON != "" {
				if err := json.Unmarshal([]byte(configJSON), &agentConfig); err != nil {
					return fmt.Errorf("--config: %w", err)
				}
			}
			env := domain.NewEnvelope(domain.EventAddAgent)
			env.Set(domain.FieldAgentID, id)
			env.Set(domain.FieldAgentType, agentType)
			env.Set(domain.FieldAgentConfig, agentConfig)
			if err := send(flagShepherdReceive, env); err != nil {
				return err
			}
			fmt.Println(id)
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "agent identifier (generated when empty)")
	cmd.Flags().StringVar(&agentType, "type", "", "agent kind")
	cmd.Flags().StringVar(&configJSON, "config", "", "JSON agent configuration")
	cmd.MarkFlagRequired("type")
	return cmd
}

func removeCmd() *cobra.Command {
	var id, prefix string
	cmd := &cobra.Command{
		Use:   "remove",
		Short: "Remove an agent by id, or every agent matching a prefix",
		RunE: func(_ *cobra.Command, _ []string) error {
			if (id == "") == (prefix == "") {
				return fmt.Errorf("exactly one of --id or --prefix is required")
			}
			env := domain.NewEnvelope(domain.EventRemoveAgent)
			if id != "" {
				env.Set(domain.FieldAgentID, id)
			} else {
				env.Set(domain.FieldPrefix, prefix)
			}
			return send(flagShepherdReceive, env)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "agent identifier")
	cmd.Flags().StringVar(&prefix, "prefix", "", "identifier prefix for bulk removal")
	return cmd
}

// controlCmd builds the run/pause/shutdown trio: with --id the per-agent
// verb goes to the agent topics, without it the *_ALL verb goes to the
// shepherd.
func controlCmd(use, short string, all, perAgent domain.EventType, perAgentTopic func() string) *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(_ *cobra.Command, _ []string) error {
			if id != "" {
				env := domain.NewEnvelope(perAgent)
				env.Set(domain.FieldAgentID, id)
				return send(perAgentTopic(), env)
			}
			return send(flagShepherdReceive, domain.NewEnvelope(all))
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "target a single agent")
	return cmd
}

func runCmd() *cobra.Command {
	return controlCmd("run", "Start or resume execution",
		domain.EventTriggerAll, domain.EventTriggerAgent,
		func() string { return flagEnvReceive })
}

func pauseCmd() *cobra.Command {
	return controlCmd("pause", "Pause execution",
		domain.EventPauseAll, domain.EventPauseAgent,
		func() string { return flagEnvReceive })
}

func shutdownCmd() *cobra.Command {
	return controlCmd("shutdown", "Shut agents down",
		domain.EventShutdownAll, domain.EventShutdownAgent,
		func() string { return flagAgentReceive })
}

func divideCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "divide",
		Short: "Ask a cell agent to divide",
		RunE: func(_ *cobra.Command, _ []string) error {
			env := domain.NewEnvelope(domain.EventDivideCell)
			env.Set(domain.FieldAgentID, id)
			return send(flagCellReceive, env)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "cell agent identifier")
	cmd.MarkFlagRequired("id")
	return cmd
}

func experimentCmd() *cobra.Command {
	var inner int
	cmd := &cobra.Command{
		Use:   "experiment",
		Short: "Boot a stub experiment: one outer agent plus N inner agents",
		RunE: func(_ *cobra.Command, _ []string) error {
			outerID := uuid.NewString()
			outer := domain.NewEnvelope(domain.EventAddAgent)
			outer.Set(domain.FieldAgentID, outerID)
			outer.Set(domain.FieldAgentType, "outer")
			outer.Set(domain.FieldAgentConfig, map[string]any{})
			if err := send(flagShepherdReceive, outer); err != nil {
				return err
			}
			fmt.Println(outerID)

			for i := 0; i < inner; i++ {
				innerID := uuid.NewString()
				env := domain.NewEnvelope(domain.EventAddAgent)
				env.Set(domain.FieldAgentID, innerID)
				env.Set(domain.FieldAgentType, "inner")
				env.Set(domain.FieldAgentConfig, map[string]any{"outer_id": outerID})
				if err := send(flagShepherdReceive, env); err != nil {
					return err
				}
				fmt.Println(innerID)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&inner, "number", 1, "how many inner agents to boot")
	return cmd
}
