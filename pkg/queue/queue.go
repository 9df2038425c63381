// Package queue is the RabbitMQ transport used by the billing services. It
// wraps connection and channel lifecycle, declares the primary queue with its
// dead-letter exchange, publishes persistent JSON messages and hands out
// manually acknowledged delivery streams.
package queue

import (
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/sonyflake"
	"github.com/streadway/amqp"
)

const (
	prefetchSize = 0 // Disabled prefetch size

	RetryCountHeader = "x-retry-count"
)

var flake = sonyflake.NewSonyflake(sonyflake.Settings{})

// Message is a raw publishing. An empty ID gets a freshly generated one.
type Message struct {
	ID      string
	Body    []byte
	Headers amqp.Table
}

type Connection struct {
	conn *amqp.Connection
}

// Connect dials the broker. It does not retry.
func Connect(url string) (*Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, &ConnectionError{Op: "dial", Err: err}
	}

	return &Connection{conn: conn}, nil
}

// Channel opens a new logical session on the connection.
func (c *Connection) Channel() (*Channel, error) {
	if c == nil || c.conn == nil {
		return nil, &ConnectionError{Op: "open channel", Err: amqp.ErrClosed}
	}

	ch, err := c.conn.Channel()
	if err != nil {
		return nil, &ConnectionError{Op: "open channel", Err: err}
	}

	return &Channel{ch: ch}, nil
}

func (c *Connection) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}

	err := c.conn.Close()
	c.conn = nil
	if errors.Is(err, amqp.ErrClosed) {
		return nil
	}
	return err
}

// Channel is safe for concurrent publishers.
type Channel struct {
	mu        sync.Mutex
	ch        *amqp.Channel
	publisher string
}

// WithPublisher sets the AppId stamped on every publishing.
func (c *Channel) WithPublisher(id string) *Channel {
	c.publisher = id
	return c
}

func (c *Channel) Qos(prefetchCount int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ch.Qos(prefetchCount, prefetchSize, false); err != nil {
		return &TransportError{Op: "set prefetch", Err: err}
	}
	return nil
}

// PublishJSON marshals v and publishes it as a persistent message to the
// named queue through the default exchange.
func (c *Channel) PublishJSON(queueName string, v interface{}) error {
	body, err := json.Marshal(v)
	if err != nil {
		return &TransportError{Op: "marshal", Queue: queueName, Err: err}
	}

	return c.Publish(queueName, Message{Body: body})
}

func (c *Channel) Publish(queueName string, msg Message) error {
	id := msg.ID
	if id == "" {
		id = nextID()
	}

	p := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    id,
		AppId:        c.publisher,
		Timestamp:    time.Now(),
		Headers:      msg.Headers,
		Body:         msg.Body,
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ch == nil {
		return &TransportError{Op: "publish", Queue: queueName, Err: amqp.ErrClosed}
	}
	err := c.ch.Publish(
		"",        // exchange
		queueName, // routing key
		false,     // mandatory
		false,     // immediate
		p)
	if err != nil {
		return &TransportError{Op: "publish", Queue: queueName, Err: err}
	}
	return nil
}

// Consume registers consumer on the queue. Deliveries are never auto-acked:
// the caller must Ack, Nack or Reject each of them.
func (c *Channel) Consume(queueName, consumer string) (<-chan amqp.Delivery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ch == nil {
		return nil, &TransportError{Op: "consume", Queue: queueName, Err: amqp.ErrClosed}
	}
	msgs, err := c.ch.Consume(
		queueName, // queue
		consumer,  // consumer
		false,     // auto-ack
		false,     // exclusive
		false,     // no-local
		false,     // no-wait
		nil,       // args
	)
	if err != nil {
		return nil, &TransportError{Op: "consume", Queue: queueName, Err: err}
	}
	return msgs, nil
}

// Cancel stops deliveries to consumer. The delivery channel returned by
// Consume is closed once the broker confirms.
func (c *Channel) Cancel(consumer string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ch == nil {
		return &TransportError{Op: "cancel", Err: amqp.ErrClosed}
	}
	if err := c.ch.Cancel(consumer, false); err != nil {
		return &TransportError{Op: "cancel", Err: err}
	}
	return nil
}

func (c *Channel) Close() error {
	if c == nil {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ch == nil {
		return nil
	}
	err := c.ch.Close()
	c.ch = nil
	if errors.Is(err, amqp.ErrClosed) {
		return nil
	}
	return err
}

// Session bundles one connection with one channel, for units of work that
// need exactly that.
type Session struct {
	*Channel
	conn *Connection
}

// Open connects to url and opens a channel whose publishings carry publisher
// as AppId.
func Open(url, publisher string) (s *Session, err error) {
	conn, err := Connect(url)
	if err != nil {
		return nil, err
	}
	// Close underlying connection if the channel cannot be opened
	defer func() {
		if err != nil {
			conn.Close()
		}
	}()

	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}

	return &Session{Channel: ch.WithPublisher(publisher), conn: conn}, nil
}

func (s *Session) Close() error {
	if s == nil {
		return nil
	}

	chErr := s.Channel.Close()
	connErr := s.conn.Close()
	return errors.Join(chErr, connErr)
}

// RetryCount reads the retry counter stamped by the consumer on republished
// messages.
func RetryCount(headers amqp.Table) int {
	switch v := headers[RetryCountHeader].(type) {
	case int:
		return v
	case int32:
		return int(v)
	case int64:
		return int(v)
	case string:
		n, _ := strconv.Atoi(v)
		return n
	default:
		return 0
	}
}

func nextID() string {
	if flake != nil {
		if id, err := flake.NextID(); err == nil {
			return strconv.FormatUint(id, 10)
		}
	}
	return uuid.NewString()
}
