package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/errgroup"
)

// CatchAllKey binds a queue to every routing key of a topic exchange.
const CatchAllKey = "#"

// TopologyManager declares exchanges, queues and bindings on one channel.
type TopologyManager struct {
	ch     Channel
	logger *slog.Logger
}

// ExchangeDeclaration is the shared exchange, or the dead-letter one.
type ExchangeDeclaration struct {
	Name       string
	Type       string
	Durable    bool
	AutoDelete bool
	Arguments  amqp.Table
}

// QueueDeclaration is a listen, reply or dead-letter queue. An empty
// Name lets the broker pick one.
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// Binding routes RoutingKey on Exchange to Queue.
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
	Arguments  amqp.Table
}

// DeadLetterDeclaration describes the optional dead-letter pair.
type DeadLetterDeclaration struct {
	Queue    QueueDeclaration
	Exchange ExchangeDeclaration
}

// DeadLetter identifies a declared dead-letter pair.
type DeadLetter struct {
	Queue      string
	Exchange   string
	RoutingKey string
}

// TopologyOption configures a TopologyManager
type TopologyOption func(*TopologyManager)

// WithTopologyLogger sets the logger
func WithTopologyLogger(logger *slog.Logger) TopologyOption {
	return func(tm *TopologyManager) {
		tm.logger = logger
	}
}

// NewTopologyManager creates a manager that declares on ch
func NewTopologyManager(ch Channel, options ...TopologyOption) *TopologyManager {
	tm := &TopologyManager{
		ch:     ch,
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(tm)
	}
	return tm
}

// DeclareExchange declares a single exchange. An existing exchange with
// different settings fails the call.
func (tm *TopologyManager) DeclareExchange(ctx context.Context, exchange ExchangeDeclaration) error {
	if err := tm.ready(ctx); err != nil {
		return topologyError("exchange", exchange.Name, "declare", err)
	}
	err := tm.ch.ExchangeDeclare(
		exchange.Name,
		exchange.Type,
		exchange.Durable,
		exchange.AutoDelete,
		false, // internal
		false, // no-wait
		exchange.Arguments,
	)
	if err != nil {
		return topologyError("exchange", exchange.Name, "declare", err)
	}
	tm.logger.Debug("exchange declared", "exchange", exchange.Name, "type", exchange.Type)
	return nil
}

// DeclareQueue declares a queue and returns it as the broker reports it.
func (tm *TopologyManager) DeclareQueue(ctx context.Context, queue QueueDeclaration) (amqp.Queue, error) {
	if err := tm.ready(ctx); err != nil {
		return amqp.Queue{}, topologyError("queue", queue.Name, "declare", err)
	}
	q, err := tm.ch.QueueDeclare(
		queue.Name,
		queue.Durable,
		queue.AutoDelete,
		queue.Exclusive,
		false, // no-wait
		queue.Arguments,
	)
	if err != nil {
		return amqp.Queue{}, topologyError("queue", queue.Name, "declare", err)
	}
	tm.logger.Debug("queue declared", "queue", q.Name)
	return q, nil
}

// BindQueue binds one routing key.
func (tm *TopologyManager) BindQueue(ctx context.Context, binding Binding) error {
	if err := tm.ready(ctx); err != nil {
		return topologyError("binding", binding.Queue, "bind", err)
	}
	err := tm.ch.QueueBind(
		binding.Queue,
		binding.RoutingKey,
		binding.Exchange,
		false, // no-wait
		binding.Arguments,
	)
	if err != nil {
		return topologyError("binding", fmt.Sprintf("%s->%s[%s]", binding.Exchange, binding.Queue, binding.RoutingKey), "bind", err)
	}
	return nil
}

// BindAll binds queue to exchange once per routing key. Empty keys are
// skipped. Bindings run concurrently and the first failure is returned.
func (tm *TopologyManager) BindAll(ctx context.Context, queue, exchange string, keys []string) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, key := range keys {
		if key == "" {
			continue
		}
		g.Go(func() error {
			return tm.BindQueue(gctx, Binding{Queue: queue, Exchange: exchange, RoutingKey: key})
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	tm.logger.Debug("queue bound", "queue", queue, "exchange", exchange, "keys", keys)
	return nil
}

// DeclareDeadLetter declares the dead-letter exchange and queue and binds them
// with the catch-all key. Without a channel, a queue name or an exchange name
// it does nothing and returns nil, nil.
func (tm *TopologyManager) DeclareDeadLetter(ctx context.Context, decl DeadLetterDeclaration) (*DeadLetter, error) {
	if tm == nil || tm.ch == nil || decl.Queue.Name == "" || decl.Exchange.Name == "" {
		return nil, nil
	}
	if decl.Exchange.Type == "" {
		decl.Exchange.Type = amqp.ExchangeTopic
	}

	if err := tm.DeclareExchange(ctx, decl.Exchange); err != nil {
		return nil, err
	}
	q, err := tm.DeclareQueue(ctx, decl.Queue)
	if err != nil {
		return nil, err
	}
	binding := Binding{Queue: q.Name, Exchange: decl.Exchange.Name, RoutingKey: CatchAllKey}
	if err := tm.BindQueue(ctx, binding); err != nil {
		return nil, err
	}

	tm.logger.Info("dead-letter declared", "queue", q.Name, "exchange", decl.Exchange.Name)
	return &DeadLetter{Queue: q.Name, Exchange: decl.Exchange.Name, RoutingKey: CatchAllKey}, nil
}

func (tm *TopologyManager) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if tm.ch == nil {
		return ErrInvalidTopology
	}
	if tm.ch.IsClosed() {
		return ErrChannelClosed
	}
	return nil
}

func topologyError(component, name, op string, err error) error {
	return &TopologyError{Op: op, Kind: component, Name: name, Err: err}
}
