package broker

import (
	"context"
	"errors"
	"fmt"

	"footprint/internal/config"
	interfaces "footprint/internal/domain/interfaces"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

var _ interfaces.TradeSource = (*Consumer)(nil)

// Consumer subscribes to the trades fanout exchange and hands every message
// to the stream handler. Each Stream call opens its own connection, so a
// caller can reconnect by calling Stream again.
type Consumer struct {
	cfg    config.RabbitMQConfig
	logger *logrus.Entry
}

// NewConsumer prepares a consumer for the given configuration.
func NewConsumer(cfg config.RabbitMQConfig, logger *logrus.Logger) (*Consumer, error) {
	if cfg.URL == "" {
		return nil, errors.New("rabbitmq url is required")
	}
	if cfg.TradesExchange == "" {
		return nil, errors.New("rabbitmq trades exchange is required")
	}
	return &Consumer{
		cfg:    cfg,
		logger: logger.WithField("component", "rabbitmq_consumer"),
	}, nil
}

func (c *Consumer) Name() string {
	return "rabbitmq:" + c.cfg.TradesExchange
}

// Stream consumes until ctx is done or the connection drops. Messages are
// acked after the handler returns; malformed messages are dropped, handler
// failures are requeued.
func (c *Consumer) Stream(ctx context.Context, handle interfaces.TradeHandler) error {
	conn, err := amqp.Dial(c.cfg.URL)
	if err != nil {
		return fmt.Errorf("connect to rabbitmq: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	deliveries, err := c.subscribe(ch)
	if err != nil {
		return err
	}
	closed := conn.NotifyClose(make(chan *amqp.Error, 1))

	c.logger.WithField("exchange", c.cfg.TradesExchange).Info("rabbitmq consumer started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case amqpErr := <-closed:
			if amqpErr != nil {
				return fmt.Errorf("rabbitmq connection closed: %w", amqpErr)
			}
			return errors.New("rabbitmq connection closed")
		case delivery, ok := <-deliveries:
			if !ok {
				return errors.New("rabbitmq delivery channel closed")
			}
			c.handleDelivery(ctx, handle, &delivery)
		}
	}
}

func (c *Consumer) subscribe(ch *amqp.Channel) (<-chan amqp.Delivery, error) {
	exchange := c.cfg.TradesExchange
	if err := declareExchange(ch, exchange); err != nil {
		return nil, err
	}
	queue, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return nil, fmt.Errorf("declare queue for %s: %w", exchange, err)
	}
	if err := ch.QueueBind(queue.Name, "", exchange, false, nil); err != nil {
		return nil, fmt.Errorf("bind queue %s to %s: %w", queue.Name, exchange, err)
	}
	prefetch := c.cfg.Prefetch
	if prefetch <= 0 {
		prefetch = 1
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("set qos for %s: %w", exchange, err)
	}
	deliveries, err := ch.Consume(queue.Name, "", false, true, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("start consume for %s: %w", exchange, err)
	}
	return deliveries, nil
}

func (c *Consumer) handleDelivery(ctx context.Context, handle interfaces.TradeHandler, delivery *amqp.Delivery) {
	payload, err := decodeMessage(delivery.Body)
	if err != nil {
		c.logger.WithError(err).Warn("dropping malformed message")
		_ = delivery.Nack(false, false)
		return
	}
	if err := handle(ctx, payload.Rows()); err != nil {
		c.logger.WithError(err).Warn("failed to process message")
		_ = delivery.Nack(false, true)
		return
	}
	if err := delivery.Ack(false); err != nil {
		c.logger.WithError(err).Warn("failed to ack delivery")
	}
}

func declareExchange(ch *amqp.Channel, exchange string) error {
	if err := ch.ExchangeDeclare(exchange, "fanout", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return nil
}
