// Command outbox-tail prints journaled realtime updates as JSON lines. By
// default it replays the stream outbox from the beginning; with
// -source=exchange it follows the live updates exchange instead.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"chat_realtime/internal/broker"
	"chat_realtime/internal/eventlog"
	"chat_realtime/internal/outbox"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rabbitmq/rabbitmq-stream-go-client/pkg/stream"
	"github.com/sirupsen/logrus"
)

type tailConfig struct {
	StreamURI  string `env:"REALTIME_STREAM_URI"`
	StreamName string `env:"REALTIME_STREAM_NAME" envDefault:"realtime-updates"`
	AMQPURL    string `env:"REALTIME_AMQP_URL"`
	LogLevel   string `env:"REALTIME_LOG_LEVEL"   envDefault:"warn"`
}

func main() {
	source := flag.String("source", "stream", "stream (replay the outbox) or exchange (follow live updates)")
	kind := flag.String("kind", "", "only print delivery, typing or presence records")
	flag.Parse()

	if err := run(*source, *kind); err != nil {
		logrus.WithError(err).Fatal("outbox-tail stopped")
	}
}

func run(source, kind string) error {
	_ = godotenv.Load()
	var cfg tailConfig
	if err := env.Parse(&cfg); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	logger, err := eventlog.NewLogger(cfg.LogLevel, "text", os.Stderr)
	if err != nil {
		return err
	}
	events := eventlog.New(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	out := json.NewEncoder(os.Stdout)
	switch source {
	case "stream":
		return tailStream(ctx, cfg, kind, events, out)
	case "exchange":
		return tailExchange(ctx, cfg, kind, out)
	default:
		return fmt.Errorf("unknown source %q", source)
	}
}

func tailStream(ctx context.Context, cfg tailConfig, kind string, events *eventlog.Log, out *json.Encoder) error {
	if cfg.StreamURI == "" {
		return fmt.Errorf("REALTIME_STREAM_URI is required for -source=stream")
	}
	senv, err := stream.NewEnvironment(stream.NewEnvironmentOptions().SetUri(cfg.StreamURI))
	if err != nil {
		return fmt.Errorf("failed to connect to stream: %w", err)
	}
	defer senv.Close()

	replayer := outbox.NewReplayer(senv, cfg.StreamName, events)
	return replayer.Run(ctx, func(rec outbox.Record) {
		if kind != "" && rec.Kind != kind {
			return
		}
		_ = out.Encode(rec)
	})
}

func tailExchange(ctx context.Context, cfg tailConfig, kind string, out *json.Encoder) error {
	if cfg.AMQPURL == "" {
		return fmt.Errorf("REALTIME_AMQP_URL is required for -source=exchange")
	}
	mq, err := broker.NewRabbitMQClient(cfg.AMQPURL)
	if err != nil {
		return err
	}
	defer mq.Close()

	binding := "#"
	if kind != "" {
		binding = kind + ".#"
	}
	msgs, err := mq.ConsumeUpdates(binding)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-msgs:
			if !ok {
				return fmt.Errorf("updates consumer closed")
			}
			var msg broker.Message
			if err := json.Unmarshal(d.Body, &msg); err != nil {
				logrus.WithError(err).Warn("dropping malformed update")
				continue
			}
			_ = out.Encode(map[string]any{"routing_key": d.RoutingKey, "update": msg})
		}
	}
}
