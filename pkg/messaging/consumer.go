package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/rabbitmq/amqp091-go"
)

// ErrPermanent marks a message that must not be redelivered.
var ErrPermanent = errors.New("permanent message failure")

// Handler processes one delivery. Returning nil acks it, an error wrapping
// ErrPermanent drops it, any other error requeues it.
type Handler func(ctx context.Context, msg amqp091.Delivery) error

type Consumer struct {
	conn     *amqp091.Connection
	queue    string
	prefetch int
	logger   *slog.Logger
}

func NewRabbitConsumer(url, exchange, queue string, prefetch int, logger *slog.Logger) (*Consumer, error) {
	conn, err := dial(url, func(ch *amqp091.Channel) error {
		if err := declareExchange(ch, exchange); err != nil {
			return err
		}
		if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare queue %s: %w", queue, err)
		}
		if err := ch.QueueBind(queue, "", exchange, false, nil); err != nil {
			return fmt.Errorf("bind queue %s: %w", queue, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if prefetch <= 0 {
		prefetch = 32
	}
	return &Consumer{conn: conn, queue: queue, prefetch: prefetch, logger: logger}, nil
}

func (c *Consumer) Start(ctx context.Context, handler Handler) error {
	ch, err := c.conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}

	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		ch.Close()
		return fmt.Errorf("set qos: %w", err)
	}

	msgs, err := ch.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return fmt.Errorf("consume queue: %w", err)
	}

	go func() {
		<-ctx.Done()
		_ = ch.Cancel("", false)
		ch.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				c.logger.Info("consumer channel closed", "queue", c.queue)
				return nil
			}
			dispatch(ctx, handler, msg, c.logger)
		}
	}
}

func (c *Consumer) Close() error {
	return c.conn.Close()
}

func dispatch(ctx context.Context, handler Handler, msg amqp091.Delivery, logger *slog.Logger) {
	err := handler(ctx, msg)
	switch {
	case err == nil:
		if ackErr := msg.Ack(false); ackErr != nil {
			logger.Warn("ack message", "message_id", msg.MessageId, "err", ackErr)
		}
	case errors.Is(err, ErrPermanent):
		logger.Error("dropping message", "message_id", msg.MessageId, "err", err)
		_ = msg.Nack(false, false)
	default:
		logger.Warn("requeueing message", "message_id", msg.MessageId, "err", err)
		_ = msg.Nack(false, true)
	}
}
