// Package events 將轉帳結果發佈到 RabbitMQ 的 topic exchange。
//
// routing key 即事件類型（transaction.committed / transaction.failed），
// 下游（例如稽核 worker）以 "transaction.#" 綁定佇列即可收到全部事件。
// 連線異常時以斷路器快速失敗，避免每一次轉帳都卡在 broker 逾時上。
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"bankledger/internal/bank"
)

// DefaultExchange 為預設的事件 exchange 名稱。
const DefaultExchange = "ledger_events"

// ErrUnavailable 代表斷路器開啟，事件未送出。
var ErrUnavailable = errors.New("event broker unavailable")

// Channel 為 Publisher 需要的 amqp.Channel 子集，方便測試替換。
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// Publisher 實作 bank.EventPublisher。
type Publisher struct {
	ch       Channel
	exchange string
	breaker  *gobreaker.CircuitBreaker
	log      zerolog.Logger
	timeout  time.Duration
	newID    func() string
}

var _ bank.EventPublisher = (*Publisher)(nil)

// Option 調整 Publisher。
type Option func(*Publisher)

// WithExchange 設定 exchange 名稱。
func WithExchange(name string) Option { return func(p *Publisher) { p.exchange = name } }

// WithLogger 設定日誌。
func WithLogger(l zerolog.Logger) Option { return func(p *Publisher) { p.log = l } }

// WithTimeout 設定單次發佈的逾時。
func WithTimeout(d time.Duration) Option { return func(p *Publisher) { p.timeout = d } }

// BreakerSettings 為斷路器的參數；零值使用預設。
type BreakerSettings struct {
	ConsecutiveFailures uint32
	OpenTimeout         time.Duration
}

// NewPublisher 建立發佈者。
func NewPublisher(ch Channel, bs BreakerSettings, opts ...Option) *Publisher {
	if bs.ConsecutiveFailures == 0 {
		bs.ConsecutiveFailures = 5
	}
	if bs.OpenTimeout <= 0 {
		bs.OpenTimeout = 30 * time.Second
	}
	p := &Publisher{
		ch:       ch,
		exchange: DefaultExchange,
		log:      zerolog.Nop(),
		timeout:  5 * time.Second,
		newID:    func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(p)
	}
	p.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "rabbitmq-publisher",
		MaxRequests: 1,
		Timeout:     bs.OpenTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= bs.ConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			p.log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
		},
	})
	return p
}

// Publish 以 JSON 序列化事件並送出（persistent delivery）。
func (p *Publisher) Publish(ctx context.Context, ev bank.Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    p.newID(),
		Timestamp:    ev.OccurredAt,
		Type:         ev.Type,
		Body:         body,
	}

	_, err = p.breaker.Execute(func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(ctx, p.timeout)
		defer cancel()
		return nil, p.ch.PublishWithContext(ctx, p.exchange, ev.Type, false, false, msg)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	if err != nil {
		return fmt.Errorf("publish %s: %w", ev.Type, err)
	}
	p.log.Debug().Str("message_id", msg.MessageId).Str("routing_key", ev.Type).Msg("event published")
	return nil
}

// State 回傳斷路器目前狀態。
func (p *Publisher) State() gobreaker.State { return p.breaker.State() }

// Check 供 /health 使用：斷路器開啟時回傳 ErrUnavailable。
func (p *Publisher) Check() error {
	if st := p.State(); st == gobreaker.StateOpen {
		return fmt.Errorf("%w: circuit breaker %s", ErrUnavailable, st)
	}
	return nil
}

// ExchangeDeclarer 為宣告 exchange 所需的 amqp.Channel 子集。
type ExchangeDeclarer interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
}

// DeclareExchange 宣告 durable topic exchange（重複宣告為冪等）。
func DeclareExchange(ch ExchangeDeclarer, name string) error {
	if err := ch.ExchangeDeclare(name, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %q: %w", name, err)
	}
	return nil
}
