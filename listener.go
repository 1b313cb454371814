package pinrpc

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/pinrpc/config"
	"github.com/glimte/pinrpc/dispatch"
	"github.com/glimte/pinrpc/internal/rabbitmq"
	"github.com/glimte/pinrpc/pin"
	"github.com/glimte/pinrpc/topic"
)

// Listener binds one queue to the shared exchange for its pins and answers
// every request it receives through the dispatcher.
type Listener struct {
	*hook
	d           Dispatcher
	pins        []pin.Pattern
	queue       string
	topics      []string
	consumerTag string
	consumer    *rabbitmq.Consumer
}

// NewListener creates a listener actor. Pins come from the configuration,
// or from the dispatcher when it implements PinResolver and none are
// configured.
func NewListener(d Dispatcher, cfg config.Config, options ...Option) (*Listener, error) {
	if d == nil {
		return nil, ErrNilDispatcher
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.Clone()
	return &Listener{
		hook:        newHook("listener", cfg, newOptions(options)),
		d:           d,
		pins:        cfg.Listen.Pins,
		consumerTag: "pinrpc-listen-" + uuid.NewString(),
	}, nil
}

// Queue returns the listen queue name once the route is declared.
func (l *Listener) Queue() string { return l.queue }

// Topics returns the bound routing keys once the route is declared.
func (l *Listener) Topics() []string { return append([]string(nil), l.topics...) }

// Listen resolves the route, connects, declares and binds the queue and
// starts consuming. Declarations complete before the first delivery is
// accepted. Any failure closes the listener.
func (l *Listener) Listen(ctx context.Context) error {
	if err := l.begin(); err != nil {
		return err
	}
	if err := l.resolveRoute(); err != nil {
		_ = l.Close()
		return err
	}
	if err := l.listen(ctx); err != nil {
		_ = l.Close()
		return err
	}
	l.ready()
	l.logger.Info("listening",
		"queue", l.queue,
		"exchange", l.cfg.Exchange.Name,
		"topics", l.topics)
	return nil
}

func (l *Listener) resolveRoute() error {
	if len(l.pins) == 0 {
		if resolver, ok := l.d.(PinResolver); ok {
			l.pins = resolver.Pins()
		}
	}
	if len(l.pins) == 0 {
		return fmt.Errorf("%w: listener", ErrNoPins)
	}

	l.topics = topic.ResolveListenTopics(l.pins)
	if len(l.topics) == 0 {
		return fmt.Errorf("%w: listener pins are all empty", ErrNoTopic)
	}

	l.queue = l.cfg.Listen.Name
	if l.queue == "" {
		q := l.cfg.Listen.Queues
		l.queue = topic.ResolveListenQueue(l.pins, topic.QueueOptions{
			Prefix:    q.Prefix,
			Separator: q.Separator,
			Canonical: q.Canonical,
		})
	}
	return nil
}

func (l *Listener) listen(ctx context.Context) error {
	handle, err := l.open(ctx, l.cfg.Listen.Channel.Prefetch)
	if err != nil {
		return err
	}

	var args amqp.Table
	if l.cfg.DeadLetter.Enabled() {
		args = amqp.Table{"x-dead-letter-exchange": l.cfg.DeadLetter.Exchange.Name}
	}

	flags := l.cfg.Listen.Queues.Options
	if _, err := handle.Topology().DeclareQueue(ctx, rabbitmq.QueueDeclaration{
		Name:       l.queue,
		Durable:    flags.Durable,
		AutoDelete: flags.AutoDelete,
		Exclusive:  flags.Exclusive,
		Arguments:  args,
	}); err != nil {
		return err
	}

	if err := handle.Topology().BindAll(ctx, l.queue, handle.Exchange(), l.topics); err != nil {
		return err
	}

	// An exclusive queue has only its owner to serve it, so consume exclusively too.
	l.consumer = rabbitmq.NewConsumer(handle.Channel(),
		rabbitmq.WithConsumerTag(l.consumerTag),
		rabbitmq.WithExclusive(flags.Exclusive),
		rabbitmq.WithConsumerLogger(l.logger),
	)
	return l.consumer.Consume(l.ctx, l.queue, l.handleMessage)
}

// handleMessage decodes one request and hands it to the dispatcher. An
// undecodable body is returned as an error, which rejects the delivery.
func (l *Listener) handleMessage(ctx context.Context, body []byte, reply rabbitmq.ReplyFunc) error {
	var req dispatch.Request
	if err := l.d.ParseJSON("listen-request", body, &req); err != nil {
		return err
	}

	return l.d.HandleRequest(ctx, &req, func(ctx context.Context, resp *dispatch.Response) error {
		if resp == nil {
			return reply(ctx, nil)
		}
		data, err := l.d.StringifyJSON("listen-reply", resp)
		if err != nil {
			return err
		}
		return reply(ctx, data)
	})
}
