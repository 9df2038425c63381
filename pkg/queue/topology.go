package queue

import "github.com/streadway/amqp"

const (
	DeadLetterExchange = "dlx-exchange"
	SubscriptionQueue  = "subscription-queue"

	deadLetterExchangeArg = "x-dead-letter-exchange"
)

// Topology describes the exchange and queues a service relies on. The primary
// queue dead-letters into DeadLetterExchange. When DeadLetterQueue is set it is
// bound to the exchange with the primary queue name as routing key, which is
// the key RabbitMQ keeps on dead-lettered messages.
type Topology struct {
	Queue              string
	DeadLetterExchange string
	DeadLetterQueue    string
}

func DefaultTopology() Topology {
	return Topology{
		Queue:              SubscriptionQueue,
		DeadLetterExchange: DeadLetterExchange,
		DeadLetterQueue:    SubscriptionQueue + ".dead-letter",
	}
}

// DeclareTopology declares t on the channel. Every declaration is idempotent
// so it is safe to call on each process start.
func (c *Channel) DeclareTopology(t Topology) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	err := c.ch.ExchangeDeclare(
		t.DeadLetterExchange, // name
		amqp.ExchangeDirect,  // kind
		true,                 // durable
		false,                // auto-delete
		false,                // internal
		false,                // no-wait
		nil,                  // arguments
	)
	if err != nil {
		return &TransportError{Op: "declare exchange", Queue: t.DeadLetterExchange, Err: err}
	}

	_, err = c.ch.QueueDeclare(
		t.Queue, // name
		true,    // durable
		false,   // delete when unused
		false,   // exclusive
		false,   // no-wait
		amqp.Table{deadLetterExchangeArg: t.DeadLetterExchange},
	)
	if err != nil {
		return &TransportError{Op: "declare queue", Queue: t.Queue, Err: err}
	}

	if t.DeadLetterQueue == "" {
		return nil
	}

	_, err = c.ch.QueueDeclare(t.DeadLetterQueue, true, false, false, false, nil)
	if err != nil {
		return &TransportError{Op: "declare queue", Queue: t.DeadLetterQueue, Err: err}
	}

	err = c.ch.QueueBind(
		t.DeadLetterQueue,    // queue
		t.Queue,              // routing key
		t.DeadLetterExchange, // exchange
		false,                // no-wait
		nil,                  // arguments
	)
	if err != nil {
		return &TransportError{Op: "bind queue", Queue: t.DeadLetterQueue, Err: err}
	}

	return nil
}
