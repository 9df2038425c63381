// Package consumer dispatches subscription events delivered on the broker to
// the handler registered for their kind.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kaytu-io/billing-scheduler/pkg/queue"
	"github.com/kaytu-io/billing-scheduler/services/billing/api/entities"
	"github.com/streadway/amqp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var ErrDeliveriesClosed = errors.New("delivery channel closed")

var tracer = otel.Tracer("github.com/kaytu-io/billing-scheduler/services/billing/consumer")

// Source is the broker channel owned by the consumer for its lifetime.
type Source interface {
	Consume(queueName, consumer string) (<-chan amqp.Delivery, error)
	Cancel(consumer string) error
	Publish(queueName string, msg queue.Message) error
}

type Config struct {
	Queue      string
	ConsumerID string
	Workers    int
	// MaxRetries is how many times a failing message is redelivered before it
	// is dead-lettered.
	MaxRetries int
	// DrainTimeout bounds how long shutdown waits for workers when the
	// subscription could not be cancelled.
	DrainTimeout time.Duration
}

type Consumer struct {
	logger   *zap.Logger
	source   Source
	registry *Registry
	cnf      Config
}

func New(logger *zap.Logger, source Source, registry *Registry, cnf Config) *Consumer {
	if cnf.Queue == "" {
		cnf.Queue = queue.SubscriptionQueue
	}
	if cnf.ConsumerID == "" {
		cnf.ConsumerID = "billing-worker"
	}
	if cnf.Workers < 1 {
		cnf.Workers = 1
	}
	if cnf.MaxRetries < 0 {
		cnf.MaxRetries = 0
	}
	if cnf.DrainTimeout <= 0 {
		cnf.DrainTimeout = 30 * time.Second
	}

	return &Consumer{
		logger:   logger.Named("consumer"),
		source:   source,
		registry: registry,
		cnf:      cnf,
	}
}

// Start consumes the queue until ctx is done. On shutdown the subscription is
// cancelled and in-flight messages are settled before Start returns. If the
// broker closes the delivery channel first, Start returns ErrDeliveriesClosed.
func (c *Consumer) Start(ctx context.Context) error {
	msgs, err := c.source.Consume(c.cnf.Queue, c.cnf.ConsumerID)
	if err != nil {
		return err
	}
	c.logger.Info("consuming",
		zap.String("queue", c.cnf.Queue),
		zap.String("consumer", c.cnf.ConsumerID),
		zap.Int("workers", c.cnf.Workers),
	)

	// handlers finish their work even after shutdown is requested
	handlerCtx := context.WithoutCancel(ctx)

	var wg sync.WaitGroup
	for i := 0; i < c.cnf.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for msg := range msgs {
				c.process(handlerCtx, msg)
			}
		}()
	}

	drained := make(chan struct{})
	go func() {
		wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		return ErrDeliveriesClosed
	case <-ctx.Done():
	}

	c.logger.Info("shutting down consumer")
	if err := c.source.Cancel(c.cnf.ConsumerID); err != nil {
		c.logger.Error("failed to cancel consumer, waiting for workers", zap.Error(err))
		select {
		case <-drained:
		case <-time.After(c.cnf.DrainTimeout):
			c.logger.Warn("workers still running after drain timeout", zap.Duration("timeout", c.cnf.DrainTimeout))
		}
		return fmt.Errorf("cancel consumer: %w", err)
	}
	<-drained
	c.logger.Info("consumer drained")
	return nil
}

func (c *Consumer) process(ctx context.Context, msg amqp.Delivery) {
	logger := c.logger.With(zap.String("messageID", msg.MessageId))

	envelope, payload, err := entities.DecodeEnvelope(msg.Body)
	if err != nil {
		// redelivering a malformed body can never succeed
		DecodeFailuresCount.Inc()
		MessagesCount.WithLabelValues(eventTypeLabel(envelope.EventType), "decode_failed").Inc()
		logger.Error("failed to decode event, dropping", zap.ByteString("body", msg.Body), zap.Error(err))
		c.ack(logger, msg)
		return
	}
	logger = logger.With(zap.String("eventType", string(envelope.EventType)))

	ctx, span := tracer.Start(ctx, "handle "+string(envelope.EventType),
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.message.id", msg.MessageId),
			attribute.String("billing.project_id", envelope.ProjectID),
		),
	)
	defer span.End()

	handler, ok := c.registry.Lookup(envelope.EventType)
	if !ok {
		MessagesCount.WithLabelValues(string(envelope.EventType), "unhandled").Inc()
		logger.Warn("no handler registered, dead-lettering")
		c.reject(logger, msg)
		return
	}

	err = c.handle(ctx, logger, handler, Message{
		ID:       msg.MessageId,
		Envelope: envelope,
		Payload:  payload,
	})
	if err != nil {
		err = &HandlerError{EventType: envelope.EventType, Err: err}
		span.RecordError(err)
		span.SetStatus(codes.Error, "handler failed")
		HandlerFailuresCount.WithLabelValues(string(envelope.EventType)).Inc()
		c.retry(logger, msg, envelope.EventType, err)
		return
	}

	MessagesCount.WithLabelValues(string(envelope.EventType), "handled").Inc()
	c.ack(logger, msg)
}

// handle runs h, turning a panic into an error so the message still goes
// through the retry policy.
func (c *Consumer) handle(ctx context.Context, logger *zap.Logger, h Handler, msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("handler panicked", zap.Any("panic", r), zap.Stack("stack"))
			err = fmt.Errorf("paniced with %v", r)
		}
	}()
	return h.Handle(ctx, msg)
}

// retry republishes msg with an incremented retry counter and acks the
// original. Once the counter reaches MaxRetries the message is dead-lettered.
func (c *Consumer) retry(logger *zap.Logger, msg amqp.Delivery, kind entities.EventType, cause error) {
	retries := queue.RetryCount(msg.Headers)
	logger = logger.With(zap.Int("retries", retries), zap.Error(cause))

	if retries >= c.cnf.MaxRetries {
		MessagesCount.WithLabelValues(string(kind), "dead_lettered").Inc()
		logger.Error("handler failed, retries exhausted, dead-lettering")
		c.reject(logger, msg)
		return
	}

	headers := amqp.Table{}
	for k, v := range msg.Headers {
		headers[k] = v
	}
	headers[queue.RetryCountHeader] = int32(retries + 1)

	err := c.source.Publish(c.cnf.Queue, queue.Message{
		ID:      msg.MessageId,
		Body:    msg.Body,
		Headers: headers,
	})
	if err != nil {
		MessagesCount.WithLabelValues(string(kind), "requeued").Inc()
		logger.Error("handler failed, republish failed, requeueing", zap.NamedError("publishError", err))
		if err := msg.Nack(false, true); err != nil {
			logger.Error("failed to nack message", zap.NamedError("nackError", err))
		}
		return
	}

	MessagesCount.WithLabelValues(string(kind), "retried").Inc()
	logger.Warn("handler failed, scheduled retry")
	c.ack(logger, msg)
}

func (c *Consumer) ack(logger *zap.Logger, msg amqp.Delivery) {
	if err := msg.Ack(false); err != nil {
		logger.Error("failed to ack message", zap.NamedError("ackError", err))
	}
}

func (c *Consumer) reject(logger *zap.Logger, msg amqp.Delivery) {
	if err := msg.Nack(false, false); err != nil {
		logger.Error("failed to nack message", zap.NamedError("nackError", err))
	}
}

func eventTypeLabel(kind entities.EventType) string {
	if kind.IsValid() {
		return string(kind)
	}
	return "unknown"
}
