// cmd/worker/main.go

// 稽核 worker：從 RabbitMQ 消費轉帳事件（transaction.#），寫入 MongoDB audit_logs。
// 採手動 Ack；寫入失敗的訊息會重新排入佇列。

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"bankledger/internal/audit"
	"bankledger/internal/config"
	"bankledger/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.Logging)

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("worker stopped")
	}
}

func run(cfg config.Config, log zerolog.Logger) error {
	if cfg.Audit.MongoURI == "" || cfg.Events.RabbitURL == "" {
		return errors.New("MONGO_URI and RABBITMQ_URL are required")
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := mongo.Connect(options.Client().ApplyURI(cfg.Audit.MongoURI))
	if err != nil {
		return fmt.Errorf("mongodb: %w", err)
	}
	defer func() {
		if err := client.Disconnect(context.Background()); err != nil {
			log.Warn().Err(err).Msg("disconnect mongodb")
		}
	}()
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		return fmt.Errorf("mongodb ping: %w", err)
	}
	log.Info().Str("database", cfg.Audit.Database).Msg("connected to mongodb")

	conn, err := amqp.DialConfig(cfg.Events.RabbitURL, amqp.Config{
		Properties: amqp.Table{"connection_name": "bank-ledger-audit-worker"},
	})
	if err != nil {
		return fmt.Errorf("rabbitmq: %w", err)
	}
	defer conn.Close()
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("rabbitmq channel: %w", err)
	}
	defer ch.Close()

	if err := audit.Setup(ch, cfg.Events.Exchange, cfg.Audit.Queue); err != nil {
		return err
	}
	deliveries, err := ch.Consume(cfg.Audit.Queue, "audit_worker", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %q: %w", cfg.Audit.Queue, err)
	}

	closed := ch.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		if err := <-closed; err != nil {
			log.Error().Err(err).Msg("rabbitmq channel closed")
			stop()
		}
	}()

	log.Info().Str("queue", cfg.Audit.Queue).Msg("audit worker consuming")
	consumer := audit.NewConsumer(audit.NewRepository(client, cfg.Audit.Database), log)
	if err := consumer.Run(ctx, deliveries); err != nil && ctx.Err() == nil {
		return err
	}
	log.Info().Msg("audit worker stopped")
	return nil
}
