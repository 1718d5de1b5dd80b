package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"bankledger/internal/bank"
)

// DefaultQueue 為稽核佇列名稱。
const DefaultQueue = "audit_queue"

// Consumer 將事件訊息轉成稽核文件。
//   - JSON 無法解析：Nack 不重新排入（毒訊息）。
//   - 寫入失敗：Nack 並重新排入。
//   - 成功：Ack。
type Consumer struct {
	saver       Saver
	log         zerolog.Logger
	saveTimeout time.Duration
}

// NewConsumer 建立 Consumer。
func NewConsumer(saver Saver, log zerolog.Logger) *Consumer {
	return &Consumer{saver: saver, log: log, saveTimeout: 5 * time.Second}
}

// Handle 處理單一訊息並回覆 broker。
func (c *Consumer) Handle(ctx context.Context, d amqp.Delivery) error {
	log := c.log.With().Str("message_id", d.MessageId).Str("routing_key", d.RoutingKey).Logger()

	var ev bank.Event
	if err := json.Unmarshal(d.Body, &ev); err != nil {
		log.Error().Err(err).Msg("discarding malformed event")
		if nerr := d.Nack(false, false); nerr != nil {
			return fmt.Errorf("nack malformed message: %w", nerr)
		}
		return nil
	}

	id := d.MessageId
	if id == "" {
		id = fmt.Sprintf("%s:%d:%d", ev.Type, ev.Transaction.ID, ev.OccurredAt.UnixNano())
	}
	entry := Log{
		ID:                   id,
		EventType:            ev.Type,
		TransactionID:        ev.Transaction.ID,
		SourceAccountID:      ev.Transaction.SourceAccountID,
		DestinationAccountID: ev.Transaction.DestinationAccountID,
		Amount:               ev.Transaction.Amount.String(),
		Status:               string(ev.Transaction.Status),
		State:                string(ev.State),
		Reason:               ev.Reason,
		OccurredAt:           ev.OccurredAt.UTC(),
	}

	saveCtx, cancel := context.WithTimeout(ctx, c.saveTimeout)
	defer cancel()
	if err := c.saver.Save(saveCtx, entry); err != nil {
		log.Error().Err(err).Msg("failed to save audit log, requeueing")
		if nerr := d.Nack(false, true); nerr != nil {
			return fmt.Errorf("nack message: %w", nerr)
		}
		return nil
	}

	if err := d.Ack(false); err != nil {
		return fmt.Errorf("ack message: %w", err)
	}
	log.Debug().Int64("transaction_id", ev.Transaction.ID).Msg("audit log saved")
	return nil
}

// Run 逐一處理訊息，直到 ctx 結束或 deliveries 關閉。
func (c *Consumer) Run(ctx context.Context, deliveries <-chan amqp.Delivery) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel closed")
			}
			if err := c.Handle(ctx, d); err != nil {
				c.log.Error().Err(err).Msg("failed to settle message")
			}
		}
	}
}

// Topology 為 Setup 所需的 amqp.Channel 子集。
type Topology interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
}

// Setup 宣告 exchange 與 durable 佇列，以 "transaction.#" 綁定，並設定 prefetch=1。
func Setup(ch Topology, exchange, queue string) error {
	if err := ch.Qos(1, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %q: %w", exchange, err)
	}
	q, err := ch.QueueDeclare(queue, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("declare queue %q: %w", queue, err)
	}
	if err := ch.QueueBind(q.Name, "transaction.#", exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %q: %w", q.Name, err)
	}
	return nil
}
