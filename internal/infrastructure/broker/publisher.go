package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	domain "footprint/internal/domain/entity/marketdata"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// Publisher sends raw trade rows to the trades fanout exchange.
type Publisher struct {
	channel  *amqp.Channel
	exchange string
	source   string
	logger   *logrus.Entry
	mu       sync.Mutex
}

// NewPublisher opens a channel on conn and declares the exchange.
func NewPublisher(conn *amqp.Connection, exchange, source string, logger *logrus.Logger) (*Publisher, error) {
	if exchange == "" {
		return nil, errors.New("exchange name cannot be empty")
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("create channel: %w", err)
	}
	if err := declareExchange(ch, exchange); err != nil {
		ch.Close()
		return nil, err
	}
	return &Publisher{
		channel:  ch,
		exchange: exchange,
		source:   source,
		logger:   logger.WithField("component", "rabbitmq_publisher"),
	}, nil
}

func (p *Publisher) Close() {
	if p == nil {
		return
	}
	if err := p.channel.Close(); err != nil {
		p.logger.Errorf("close rabbitmq channel: %v", err)
	}
}

// PublishTrades sends rows as one message. Empty batches are skipped.
func (p *Publisher) PublishTrades(ctx context.Context, rows []domain.RawTrade) error {
	if len(rows) == 0 {
		return nil
	}
	body, err := json.Marshal(BaseMessage{
		Source: p.source,
		SentAt: time.Now().UTC(),
		Trades: rows,
	})
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	return p.channel.PublishWithContext(ctx, p.exchange, "", false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
}
