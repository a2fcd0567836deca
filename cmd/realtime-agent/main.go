package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"chat_realtime/internal/broker"
	"chat_realtime/internal/config"
	"chat_realtime/internal/domain"
	"chat_realtime/internal/eventlog"
	"chat_realtime/internal/httpapi"
	"chat_realtime/internal/outbox"
	"chat_realtime/internal/presence"
	"chat_realtime/internal/realtime"
	"chat_realtime/internal/repository"
	"chat_realtime/internal/scheduler"
	"chat_realtime/internal/ws"

	"github.com/rabbitmq/rabbitmq-stream-go-client/pkg/stream"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

func main() {
	envFile := flag.String("env-file", "", "optional .env file to load before the environment")
	flag.Parse()

	if err := run(*envFile); err != nil {
		logrus.WithError(err).Fatal("realtime agent stopped")
	}
}

func run(envFile string) error {
	// 1. Configuration
	var files []string
	if envFile != "" {
		files = append(files, envFile)
	}
	cfg, err := config.Load(files...)
	if err != nil {
		return err
	}
	logger, err := eventlog.NewLogger(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	if err != nil {
		return err
	}
	events := eventlog.New(logger)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	lifecycle := presence.NewManualLifecycle()
	defer lifecycle.Close()
	go watchSignals(ctx, lifecycle, stop, logger)

	var (
		sinks     realtime.Sinks
		directory domain.ContactDirectory
	)

	// 2. Database: contact directory and state journals
	if cfg.DatabaseURL != "" {
		db, err := repository.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := repository.EnsureSchema(ctx, db); err != nil {
			return err
		}
		directory = repository.NewContactRepository(db)
		sinks.Delivery = append(sinks.Delivery, repository.NewDeliveryJournal(db))
		sinks.Presence = append(sinks.Presence, repository.NewPresenceJournal(db, cfg.UserID))
	}

	// 3. RabbitMQ updates exchange
	if cfg.AMQPURL != "" {
		mq, err := broker.NewRabbitMQClient(cfg.AMQPURL)
		if err != nil {
			return err
		}
		defer mq.Close()
		pub := broker.NewUpdatePublisher(mq)
		sinks.Delivery = append(sinks.Delivery, pub)
		sinks.Typing = append(sinks.Typing, pub)
		sinks.Presence = append(sinks.Presence, pub)
	}

	// 4. RabbitMQ stream outbox
	if cfg.StreamURI != "" {
		env, err := stream.NewEnvironment(stream.NewEnvironmentOptions().SetUri(cfg.StreamURI))
		if err != nil {
			return fmt.Errorf("failed to connect to stream: %w", err)
		}
		defer env.Close()
		if err := outbox.DeclareStream(env, cfg.StreamName, cfg.StreamMaxBytes); err != nil {
			return err
		}
		journal, err := outbox.NewJournal(env, cfg.StreamName, events)
		if err != nil {
			return err
		}
		defer journal.Close()
		sinks.Delivery = append(sinks.Delivery, journal)
		sinks.Typing = append(sinks.Typing, journal)
		sinks.Presence = append(sinks.Presence, journal)
	}

	// 5. Websocket transport and the realtime core
	client, err := ws.NewClient(cfg.WSConfig(), events)
	if err != nil {
		return err
	}
	svc, err := realtime.NewService(realtime.Deps{
		Transport: client,
		Session:   domain.StaticSession(cfg.UserID),
		Directory: directory,
		Scheduler: scheduler.New(nil),
		Events:    events,
		Delivery:  cfg.DeliveryConfig(),
		Typing:    cfg.TypingConfig(),
		Presence:  cfg.PresenceConfig(),
		Options:   cfg.RealtimeOptions(),
		Sinks:     sinks,
	})
	if err != nil {
		return err
	}

	// 6. Diagnostics HTTP
	server := httpapi.NewServer(cfg.HTTPAddr, httpapi.NewRouter(svc, events, cfg.HTTPAllowOrigins))

	// The socket outlives the service so the final offline announcement
	// can still be written.
	clientCtx, stopClient := context.WithCancel(context.Background())
	defer stopClient()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return client.Run(clientCtx)
	})
	g.Go(func() error {
		defer stopClient()
		defer svc.Close()
		if err := svc.Start(gctx, lifecycle); err != nil {
			return err
		}
		<-gctx.Done()
		return nil
	})
	g.Go(func() error {
		logger.WithField("addr", cfg.HTTPAddr).Info("diagnostics server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("diagnostics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		incoming, cancel := svc.Incoming(0)
		defer cancel()
		for msg := range incoming {
			logger.WithFields(logrus.Fields{
				"message_id":      msg.MessageID,
				"conversation_id": msg.ConversationID,
				"from_user_id":    msg.FromUserID,
			}).Info("message received")
		}
		return nil
	})

	err = g.Wait()
	logger.WithField("counters", events.Counters()).Info("realtime agent stopped")
	return err
}
