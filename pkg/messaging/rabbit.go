// Package messaging carries ingest notices over RabbitMQ.
package messaging

import (
	"fmt"

	"github.com/rabbitmq/amqp091-go"
)

func declareExchange(ch *amqp091.Channel, exchange string) error {
	if err := ch.ExchangeDeclare(
		exchange,
		"fanout",
		true,
		false,
		false,
		false,
		nil,
	); err != nil {
		return fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return nil
}

func dial(url string, setup func(*amqp091.Channel) error) (*amqp091.Connection, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	if err := setup(ch); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}
