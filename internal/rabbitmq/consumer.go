package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ReplyFunc answers a request. A nil body acknowledges the request without
// publishing anything. Only the first call has an effect.
type ReplyFunc func(ctx context.Context, body []byte) error

// MessageHandler processes the body of a validated request. It must either
// call reply once (now or later) or return an error.
type MessageHandler func(ctx context.Context, body []byte, reply ReplyFunc) error

// Consumer serves requests from one queue with manual acknowledgment.
// Structurally invalid deliveries, handler errors and panics are rejected
// without requeue.
type Consumer struct {
	ch          Channel
	consumerTag string
	exclusive   bool
	logger      *slog.Logger
	done        chan struct{}
	mu          sync.Mutex
	consuming   bool
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithExclusive sets exclusive consumer mode
func WithExclusive(exclusive bool) ConsumerOption {
	return func(c *Consumer) {
		c.exclusive = exclusive
	}
}

// WithConsumerTag sets the consumer tag
func WithConsumerTag(tag string) ConsumerOption {
	return func(c *Consumer) {
		c.consumerTag = tag
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// NewConsumer creates a new consumer
func NewConsumer(ch Channel, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		ch:     ch,
		logger: slog.Default(),
		done:   make(chan struct{}),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// Consume subscribes to queue and hands each valid delivery to handler on a
// single goroutine, in delivery order.
func (c *Consumer) Consume(ctx context.Context, queue string, handler MessageHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.consuming {
		return &ConsumerError{Op: "consume", Queue: queue, ConsumerTag: c.consumerTag, Err: ErrAlreadyConsuming}
	}

	deliveries, err := c.ch.Consume(
		queue,
		c.consumerTag,
		false, // manual ack
		c.exclusive,
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return &ConsumerError{Op: "consume", Queue: queue, ConsumerTag: c.consumerTag, Err: err}
	}
	c.consuming = true

	go c.processMessages(ctx, queue, deliveries, handler)

	c.logger.Info("subscribed to queue",
		"queue", queue,
		"consumerTag", c.consumerTag,
	)

	return nil
}

// Done is closed when message processing stops.
func (c *Consumer) Done() <-chan struct{} { return c.done }

func (c *Consumer) processMessages(ctx context.Context, queue string, deliveries <-chan amqp.Delivery, handler MessageHandler) {
	defer func() {
		close(c.done)
		c.logger.Info("consumer stopped", "queue", queue)
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case delivery, ok := <-deliveries:
			if !ok {
				c.logger.Warn("delivery channel closed", "queue", queue)
				return
			}

			if err := c.handleDelivery(ctx, delivery, handler); err != nil {
				c.logger.Error("failed to handle message",
					"error", err,
					"queue", queue,
					"correlationId", delivery.CorrelationId,
				)
			}
		}
	}
}

// handleDelivery validates, dispatches and settles one delivery.
func (c *Consumer) handleDelivery(ctx context.Context, delivery amqp.Delivery, handler MessageHandler) error {
	s := &settlement{delivery: delivery, logger: c.logger}

	if len(delivery.Body) == 0 || delivery.ReplyTo == "" {
		c.logger.Debug("rejecting malformed message",
			"error", ErrInvalidDelivery,
			"hasBody", len(delivery.Body) > 0,
			"replyTo", delivery.ReplyTo,
			"correlationId", delivery.CorrelationId)
		s.reject()
		return nil
	}

	reply := func(ctx context.Context, body []byte) error {
		if !s.claim() {
			return ErrAlreadySettled
		}
		if body == nil {
			return s.ack()
		}

		err := c.ch.PublishWithContext(ctx, "", delivery.ReplyTo, false, false, amqp.Publishing{
			ContentType:   ContentTypeJSON,
			CorrelationId: delivery.CorrelationId,
			Body:          body,
		})
		if err != nil {
			s.nack()
			return &PublishError{RoutingKey: delivery.ReplyTo, Err: err}
		}
		return s.ack()
	}

	if err := invoke(ctx, handler, delivery.Body, reply); err != nil {
		if s.claim() {
			s.nack()
		}
		return err
	}
	return nil
}

func invoke(ctx context.Context, handler MessageHandler, body []byte, reply ReplyFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, body, reply)
}

// settlement guarantees a delivery is acked or nacked exactly once.
type settlement struct {
	delivery amqp.Delivery
	logger   *slog.Logger
	mu       sync.Mutex
	settled  bool
}

func (s *settlement) claim() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.settled {
		return false
	}
	s.settled = true
	return true
}

func (s *settlement) reject() {
	if s.claim() {
		s.nack()
	}
}

func (s *settlement) ack() error {
	if err := s.delivery.Ack(false); err != nil {
		s.logger.Error("failed to ack message", "error", err)
		return err
	}
	return nil
}

func (s *settlement) nack() {
	if err := s.delivery.Nack(false, false); err != nil {
		s.logger.Error("failed to nack message", "error", err)
	}
}
