package rabbitmq

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ContentTypeJSON is set on every request and reply.
const ContentTypeJSON = "application/json"

// ReplyHandler receives the body of a correlated reply. body is nil when the
// reply carried no content.
type ReplyHandler func(ctx context.Context, body []byte)

// Publisher sends requests for one client and consumes its reply queue.
// Every request carries the same correlation id, and replies carrying any
// other id are dropped.
type Publisher struct {
	ch            Channel
	replyQueue    string
	correlationID string
	consumerTag   string
	onReply       ReplyHandler
	logger        *slog.Logger
	done          chan struct{}
	mu            sync.Mutex
	consuming     bool
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithReplyQueue sets the queue replies are addressed to
func WithReplyQueue(queue string) PublisherOption {
	return func(p *Publisher) {
		p.replyQueue = queue
	}
}

// WithCorrelationID fixes the correlation id instead of minting one
func WithCorrelationID(id string) PublisherOption {
	return func(p *Publisher) {
		p.correlationID = id
	}
}

// WithReplyHandler sets the callback for correlated replies
func WithReplyHandler(fn ReplyHandler) PublisherOption {
	return func(p *Publisher) {
		p.onReply = fn
	}
}

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// NewPublisher creates a new publisher
func NewPublisher(ch Channel, options ...PublisherOption) *Publisher {
	p := &Publisher{
		ch:     ch,
		logger: slog.Default(),
		done:   make(chan struct{}),
	}

	for _, opt := range options {
		opt(p)
	}

	if p.correlationID == "" {
		p.correlationID = uuid.NewString()
	}
	p.consumerTag = "pinrpc-reply-" + p.correlationID
	return p
}

// CorrelationID returns the id attached to every request.
func (p *Publisher) CorrelationID() string { return p.correlationID }

// ReplyQueue returns the reply queue name.
func (p *Publisher) ReplyQueue() string { return p.replyQueue }

// Publish sends body to exchange with routingKey. ReplyTo, ContentType and
// CorrelationId always take the publisher's values; other fields of msg are
// passed through.
func (p *Publisher) Publish(ctx context.Context, body []byte, exchange, routingKey string, msg amqp.Publishing) error {
	if p.ch.IsClosed() {
		return &PublishError{Exchange: exchange, RoutingKey: routingKey, Err: ErrChannelClosed}
	}

	msg.Body = body
	msg.ReplyTo = p.replyQueue
	msg.ContentType = ContentTypeJSON
	msg.CorrelationId = p.correlationID

	if err := p.ch.PublishWithContext(ctx, exchange, routingKey, false, false, msg); err != nil {
		return &PublishError{Exchange: exchange, RoutingKey: routingKey, Err: err}
	}

	p.logger.Debug("request published",
		"exchange", exchange,
		"routingKey", routingKey,
		"correlationId", p.correlationID)
	return nil
}

// AwaitReply starts consuming the reply queue without manual acks. It
// returns once the subscription is active; replies are handled on a
// separate goroutine until ctx ends or the delivery channel closes.
// Calling it again is a no-op.
func (p *Publisher) AwaitReply(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.consuming {
		return nil
	}

	deliveries, err := p.ch.Consume(
		p.replyQueue,
		p.consumerTag,
		true,  // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return &ConsumerError{Op: "consume replies", Queue: p.replyQueue, ConsumerTag: p.consumerTag, Err: err}
	}
	p.consuming = true

	go p.processReplies(ctx, deliveries)

	p.logger.Info("awaiting replies",
		"queue", p.replyQueue,
		"correlationId", p.correlationID)
	return nil
}

// Done is closed when reply processing stops. It stays open if AwaitReply
// never succeeded.
func (p *Publisher) Done() <-chan struct{} { return p.done }

func (p *Publisher) processReplies(ctx context.Context, deliveries <-chan amqp.Delivery) {
	defer close(p.done)

	for {
		select {
		case <-ctx.Done():
			return

		case delivery, ok := <-deliveries:
			if !ok {
				p.logger.Debug("reply channel closed", "queue", p.replyQueue)
				return
			}
			p.handleReply(ctx, delivery)
		}
	}
}

func (p *Publisher) handleReply(ctx context.Context, delivery amqp.Delivery) {
	if delivery.CorrelationId != p.correlationID {
		p.logger.Debug("dropping reply with foreign correlation id",
			"queue", p.replyQueue,
			"correlationId", delivery.CorrelationId)
		return
	}
	if p.onReply == nil {
		return
	}

	var body []byte
	if len(delivery.Body) > 0 {
		body = delivery.Body
	}
	p.onReply(ctx, body)
}
