package mq

import (
	"fmt"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchanges.
const (
	// ExchangeUnits — единицы работы; routing key = имя логической очереди.
	ExchangeUnits = "conveyor.units"

	// ExchangeDLQ — единицы работы, исчерпавшие попытки доставки.
	ExchangeDLQ = "conveyor.dlq"
)

// Префиксы имён AMQP очередей.
const (
	unitQueuePrefix = "units."
	dlqQueuePrefix  = "dlq.units."
)

// UnitQueue возвращает имя AMQP очереди для логической очереди задач.
func UnitQueue(name string) string {
	return unitQueuePrefix + name
}

// DLQQueue возвращает имя dead-letter очереди для логической очереди задач.
func DLQQueue(name string) string {
	return dlqQueuePrefix + name
}

// LogicalName восстанавливает имя логической очереди из имени AMQP очереди.
func LogicalName(queue string) string {
	return strings.TrimPrefix(queue, unitQueuePrefix)
}

// DeclareUnitQueue объявляет exchanges, очередь units.{name} и её DLQ.
// Операция идемпотентна.
func DeclareUnitQueue(conn *Connection, name string) error {
	ch, err := conn.OpenChannel()
	if err != nil {
		return err
	}
	defer ch.Close()

	for _, ex := range []string{ExchangeUnits, ExchangeDLQ} {
		err := ch.ExchangeDeclare(
			ex,       // name
			"direct", // type
			true,     // durable
			false,    // auto-deleted
			false,    // internal
			false,    // no-wait
			nil,      // arguments
		)
		if err != nil {
			return fmt.Errorf("declare exchange %s: %w", ex, err)
		}
	}

	queues := []struct {
		name     string
		exchange string
		args     amqp.Table
	}{
		{
			name:     UnitQueue(name),
			exchange: ExchangeUnits,
			args: amqp.Table{
				"x-dead-letter-exchange":    ExchangeDLQ,
				"x-dead-letter-routing-key": name,
			},
		},
		{name: DLQQueue(name), exchange: ExchangeDLQ},
	}

	for _, q := range queues {
		if _, err := ch.QueueDeclare(
			q.name, // name
			true,   // durable
			false,  // delete when unused
			false,  // exclusive
			false,  // no-wait
			q.args, // arguments
		); err != nil {
			return fmt.Errorf("declare queue %s: %w", q.name, err)
		}

		if err := ch.QueueBind(q.name, name, q.exchange, false, nil); err != nil {
			return fmt.Errorf("bind queue %s to %s: %w", q.name, q.exchange, err)
		}
	}

	return nil
}

// SetupTopology объявляет очереди для всех перечисленных логических очередей.
func SetupTopology(conn *Connection, names ...string) error {
	for _, name := range names {
		if err := DeclareUnitQueue(conn, name); err != nil {
			return err
		}
	}
	return nil
}

// TopologyInfo возвращает описание топологии для логирования.
func TopologyInfo(names ...string) string {
	var b strings.Builder
	b.WriteString("conveyor.units (direct)\n")
	for _, n := range names {
		fmt.Fprintf(&b, "  └── %s [routing: %s] → dlq: %s\n", UnitQueue(n), n, DLQQueue(n))
	}
	b.WriteString("conveyor.dlq (direct)\n")
	for _, n := range names {
		fmt.Fprintf(&b, "  └── %s [routing: %s]\n", DLQQueue(n), n)
	}
	return b.String()
}
