// Command shepherd runs the agent supervisor service: it bridges the Kafka
// bus to spawned simulation agents and serves the Lens visualization page.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"shepherd/internal/adapter/broker"
	"shepherd/internal/adapter/gateway"
	"shepherd/internal/domain"
	"shepherd/internal/infra/config"
	"shepherd/internal/infra/logger"
	"shepherd/internal/usecase/eventbus"
	"shepherd/internal/usecase/shepherd"
)

func main() {
	configPath := flag.String("config", "shepherd.yaml", "path to the configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	producer := broker.NewProducer(cfg.Kafka.Host, log)
	defer producer.Close()

	supervisor := shepherd.New(shepherd.Config{
		KafkaHost:     cfg.Kafka.Host,
		Topics:        cfg.Kafka.Topics,
		AgentReceive:  cfg.Kafka.Topics[config.TopicAgentReceive],
		LaunchDir:     cfg.Agent.Dir,
		DefaultBoot:   cfg.Agent.Boot,
		Interpreter:   cfg.Interpreter,
		RemoveTimeout: cfg.RemoveTimeoutDuration(),
	}, producer, log)

	bus := eventbus.New(log)

	shepherdReceive := cfg.Kafka.Topics[config.TopicShepherdReceive]
	handler := func(ctx context.Context, topic string, env domain.Envelope) error {
		if topic != shepherdReceive {
			return nil
		}
		return supervisor.Handle(ctx, topic, env)
	}

	dispatcher := broker.NewDispatcher(handler, bus, log)
	consumer := broker.NewConsumer(cfg.Kafka.Host, cfg.Kafka.ConsumerGroup,
		cfg.Kafka.Subscribe, dispatcher, log)

	server := gateway.NewServer(
		fmt.Sprintf(":%d", cfg.Port),
		cfg.PublicDir,
		gateway.Topics{
			Event:    cfg.Kafka.Topics[config.TopicVisualizationReceive],
			Cell:     cfg.Kafka.Topics[config.TopicCellReceive],
			Shepherd: shepherdReceive,
		},
		bus, producer, supervisor, dispatcher, log)

	log.Info("shepherd starting",
		"port", cfg.Port,
		"kafka", cfg.Kafka.Host,
		"subscribe", cfg.Kafka.Subscribe)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return consumer.Run(gctx) })
	g.Go(func() error { return server.Start(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		consumer.Close()
		return nil
	})

	err = g.Wait()

	// Give every supervised agent its bounded chance to exit.
	supervisor.Shutdown(context.Background())
	log.Info("shepherd stopped")
	return err
}
