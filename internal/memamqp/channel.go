package memamqp

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/pinrpc/internal/rabbitmq"
)

// Conn is a connection to a Broker. It implements rabbitmq.Connection.
type Conn struct {
	broker   *Broker
	channels []*Channel
	notify   []chan *amqp.Error
	closed   bool
}

// Channel opens a new channel on the connection.
func (c *Conn) Channel() (rabbitmq.Channel, error) {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	if c.closed {
		return nil, amqp.ErrClosed
	}
	ch := &Channel{
		broker:    c.broker,
		conn:      c,
		unacked:   make(map[uint64]*inflight),
		consumers: make(map[string]*consumer),
	}
	c.channels = append(c.channels, ch)
	return ch, nil
}

// NotifyClose registers a listener for connection closure. A broker-side
// close sends the error before the listener is closed; a client close only
// closes it.
func (c *Conn) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	if c.closed {
		close(receiver)
		return receiver
	}
	c.notify = append(c.notify, receiver)
	return receiver
}

// IsClosed reports whether the connection is closed.
func (c *Conn) IsClosed() bool {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	return c.closed
}

// Close closes the connection and all its channels.
func (c *Conn) Close() error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	if c.closed {
		return amqp.ErrClosed
	}
	c.shutdownLocked(nil)
	return nil
}

// Kill closes the connection as if the broker had forced it.
func (c *Conn) Kill(err *amqp.Error) {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	if !c.closed {
		c.shutdownLocked(err)
	}
}

func (c *Conn) shutdownLocked(err *amqp.Error) {
	c.closed = true
	for _, ch := range c.channels {
		if !ch.closed {
			ch.shutdownLocked(err)
		}
	}
	c.channels = nil
	for _, q := range c.broker.queues {
		if q.exclusive && q.owner == c {
			c.broker.deleteQueueLocked(q)
		}
	}
	delete(c.broker.conns, c)
	notifyAll(c.notify, err)
	c.notify = nil
}

// Channel is a channel on a Conn. It implements rabbitmq.Channel and is the
// amqp.Acknowledger of every delivery it hands out.
type Channel struct {
	broker    *Broker
	conn      *Conn
	prefetch  int
	nextTag   uint64
	unacked   map[uint64]*inflight
	consumers map[string]*consumer
	notify    []chan *amqp.Error
	closed    bool
}

type inflight struct {
	queue    *queue
	message  message
	consumer *consumer
}

var _ rabbitmq.Channel = (*Channel)(nil)
var _ amqp.Acknowledger = (*Channel)(nil)

// Qos sets the prefetch count for consumers started afterwards.
func (ch *Channel) Qos(prefetchCount, _ int, _ bool) error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	ch.prefetch = prefetchCount
	return nil
}

// ExchangeDeclare declares an exchange or checks an existing one.
func (ch *Channel) ExchangeDeclare(name, kind string, durable, autoDelete, _, _ bool, _ amqp.Table) error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	if err := ch.broker.declareExchangeLocked(name, kind, durable, autoDelete); err != nil {
		ch.shutdownLocked(err)
		return err
	}
	return nil
}

// QueueDeclare declares a queue or checks an existing one.
func (ch *Channel) QueueDeclare(name string, durable, autoDelete, exclusive, _ bool, args amqp.Table) (amqp.Queue, error) {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	if ch.closed {
		return amqp.Queue{}, amqp.ErrClosed
	}
	q, err := ch.broker.declareQueueLocked(ch.conn, name, durable, autoDelete, exclusive, args)
	if err != nil {
		ch.shutdownLocked(err)
		return amqp.Queue{}, err
	}
	return amqp.Queue{Name: q.name, Messages: len(q.messages), Consumers: len(q.consumers)}, nil
}

// QueueBind binds a queue to an exchange.
func (ch *Channel) QueueBind(name, key, exchangeName string, _ bool, _ amqp.Table) error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	if err := ch.broker.bindLocked(name, key, exchangeName); err != nil {
		ch.shutdownLocked(err)
		return err
	}
	return nil
}

// PublishWithContext routes a message. Publishing to a missing exchange
// closes the channel.
func (ch *Channel) PublishWithContext(ctx context.Context, exchangeName, key string, _, _ bool, msg amqp.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	if err := ch.broker.routeLocked(exchangeName, key, msg); err != nil {
		ch.shutdownLocked(err)
		return err
	}
	return nil
}

// Consume starts a consumer on a queue.
func (ch *Channel) Consume(queueName, tag string, autoAck, exclusive, _, _ bool, _ amqp.Table) (<-chan amqp.Delivery, error) {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	if ch.closed {
		return nil, amqp.ErrClosed
	}
	q, ok := ch.broker.queues[queueName]
	if !ok {
		err := notFound("queue", queueName)
		ch.shutdownLocked(err)
		return nil, err
	}
	if q.exclusive && q.owner != ch.conn {
		err := &amqp.Error{
			Code:   amqp.ResourceLocked,
			Reason: fmt.Sprintf("RESOURCE_LOCKED - cannot obtain exclusive access to locked queue '%s'", queueName),
			Server: true,
		}
		ch.shutdownLocked(err)
		return nil, err
	}
	if exclusive && len(q.consumers) > 0 {
		err := &amqp.Error{
			Code:   amqp.AccessRefused,
			Reason: fmt.Sprintf("ACCESS_REFUSED - queue '%s' in use", queueName),
			Server: true,
		}
		ch.shutdownLocked(err)
		return nil, err
	}
	if tag == "" {
		tag = "ctag-" + uuid.NewString()
	}
	if _, dup := ch.consumers[tag]; dup {
		err := &amqp.Error{
			Code:   amqp.NotAllowed,
			Reason: fmt.Sprintf("NOT_ALLOWED - attempt to reuse consumer tag '%s'", tag),
			Server: true,
		}
		ch.shutdownLocked(err)
		return nil, err
	}

	c := newConsumer(ch, q, tag, autoAck, ch.prefetch)
	ch.consumers[tag] = c
	q.consumers = append(q.consumers, c)
	q.hadConsumer = true
	go c.run()

	ch.broker.dispatchLocked(q)
	return c.out, nil
}

// NotifyClose registers a listener for channel closure.
func (ch *Channel) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	if ch.closed {
		close(receiver)
		return receiver
	}
	ch.notify = append(ch.notify, receiver)
	return receiver
}

// IsClosed reports whether the channel is closed.
func (ch *Channel) IsClosed() bool {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	return ch.closed
}

// Close closes the channel. Unacknowledged deliveries are requeued.
func (ch *Channel) Close() error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	ch.shutdownLocked(nil)
	return nil
}

// Kill closes the channel as if the broker had raised err.
func (ch *Channel) Kill(err *amqp.Error) {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	if !ch.closed {
		ch.shutdownLocked(err)
	}
}

// Ack acknowledges a delivery, or every outstanding delivery up to tag when
// multiple is set.
func (ch *Channel) Ack(tag uint64, multiple bool) error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	return ch.settleLocked(tag, multiple, func(f *inflight) {})
}

// Nack negatively acknowledges a delivery.
func (ch *Channel) Nack(tag uint64, multiple, requeue bool) error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	return ch.settleLocked(tag, multiple, ch.rejectFunc(requeue))
}

// Reject negatively acknowledges a single delivery.
func (ch *Channel) Reject(tag uint64, requeue bool) error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	return ch.settleLocked(tag, false, ch.rejectFunc(requeue))
}

func (ch *Channel) rejectFunc(requeue bool) func(*inflight) {
	return func(f *inflight) {
		if requeue {
			m := f.message
			m.redelivered = true
			f.queue.messages = append([]message{m}, f.queue.messages...)
			return
		}
		ch.broker.deadLetterLocked(f.queue, f.message)
	}
}

func (ch *Channel) settleLocked(tag uint64, multiple bool, settle func(*inflight)) error {
	if ch.closed {
		return amqp.ErrClosed
	}

	var tags []uint64
	if multiple {
		for t := range ch.unacked {
			if t <= tag {
				tags = append(tags, t)
			}
		}
		sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })
	} else if _, ok := ch.unacked[tag]; ok {
		tags = []uint64{tag}
	}
	if len(tags) == 0 {
		err := &amqp.Error{
			Code:   amqp.PreconditionFailed,
			Reason: fmt.Sprintf("PRECONDITION_FAILED - unknown delivery tag %d", tag),
			Server: true,
		}
		ch.shutdownLocked(err)
		return err
	}

	touched := make(map[*queue]bool)
	for _, t := range tags {
		f := ch.unacked[t]
		delete(ch.unacked, t)
		f.consumer.inflight--
		settle(f)
		touched[f.queue] = true
	}
	for q := range touched {
		if _, live := ch.broker.queues[q.name]; live {
			ch.broker.dispatchLocked(q)
		}
	}
	return nil
}

func (ch *Channel) deliverLocked(c *consumer, q *queue, m message) {
	ch.nextTag++
	tag := ch.nextTag

	d := amqp.Delivery{
		Acknowledger:    ch,
		Headers:         m.pub.Headers,
		ContentType:     m.pub.ContentType,
		ContentEncoding: m.pub.ContentEncoding,
		DeliveryMode:    m.pub.DeliveryMode,
		Priority:        m.pub.Priority,
		CorrelationId:   m.pub.CorrelationId,
		ReplyTo:         m.pub.ReplyTo,
		Expiration:      m.pub.Expiration,
		MessageId:       m.pub.MessageId,
		Timestamp:       m.pub.Timestamp,
		Type:            m.pub.Type,
		UserId:          m.pub.UserId,
		AppId:           m.pub.AppId,
		ConsumerTag:     c.tag,
		DeliveryTag:     tag,
		Redelivered:     m.redelivered,
		Exchange:        m.exchange,
		RoutingKey:      m.routingKey,
		Body:            append([]byte(nil), m.pub.Body...),
	}
	if !c.autoAck {
		ch.unacked[tag] = &inflight{queue: q, message: m, consumer: c}
		c.inflight++
	}
	c.push(d)
}

// shutdownLocked cancels consumers, requeues unacknowledged deliveries in
// delivery order and notifies close listeners.
func (ch *Channel) shutdownLocked(err *amqp.Error) {
	ch.closed = true

	tags := make([]uint64, 0, len(ch.unacked))
	for t := range ch.unacked {
		tags = append(tags, t)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] > tags[j] })
	touched := make(map[*queue]bool)
	for _, t := range tags {
		f := ch.unacked[t]
		m := f.message
		m.redelivered = true
		f.queue.messages = append([]message{m}, f.queue.messages...)
		touched[f.queue] = true
	}
	ch.unacked = make(map[uint64]*inflight)

	for tag, c := range ch.consumers {
		c.queue.removeConsumer(c)
		c.stop()
		touched[c.queue] = true
		delete(ch.consumers, tag)
	}

	for q := range touched {
		if _, live := ch.broker.queues[q.name]; !live {
			continue
		}
		if q.autoDelete && q.hadConsumer && len(q.consumers) == 0 {
			ch.broker.deleteQueueLocked(q)
			continue
		}
		ch.broker.dispatchLocked(q)
	}

	notifyAll(ch.notify, err)
	ch.notify = nil
}

// notifyAll delivers err (when non-nil) and closes each receiver without
// holding the broker lock.
func notifyAll(receivers []chan *amqp.Error, err *amqp.Error) {
	if len(receivers) == 0 {
		return
	}
	go func() {
		for _, r := range receivers {
			if err != nil {
				r <- err
			}
			close(r)
		}
	}()
}

type consumer struct {
	ch       *Channel
	queue    *queue
	tag      string
	autoAck  bool
	prefetch int
	inflight int

	out    chan amqp.Delivery
	mu     sync.Mutex
	buf    []amqp.Delivery
	signal chan struct{}
	done   chan struct{}
	once   sync.Once
}

func newConsumer(ch *Channel, q *queue, tag string, autoAck bool, prefetch int) *consumer {
	return &consumer{
		ch:       ch,
		queue:    q,
		tag:      tag,
		autoAck:  autoAck,
		prefetch: prefetch,
		out:      make(chan amqp.Delivery),
		signal:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

func (c *consumer) hasCapacity() bool {
	return c.autoAck || c.prefetch <= 0 || c.inflight < c.prefetch
}

func (c *consumer) push(d amqp.Delivery) {
	c.mu.Lock()
	c.buf = append(c.buf, d)
	c.mu.Unlock()
	select {
	case c.signal <- struct{}{}:
	default:
	}
}

func (c *consumer) stop() {
	c.once.Do(func() { close(c.done) })
}

// run forwards buffered deliveries to the consumer's channel until stopped.
func (c *consumer) run() {
	defer close(c.out)
	for {
		c.mu.Lock()
		if len(c.buf) == 0 {
			c.mu.Unlock()
			select {
			case <-c.signal:
				continue
			case <-c.done:
				return
			}
		}
		d := c.buf[0]
		c.buf = c.buf[1:]
		c.mu.Unlock()

		select {
		case c.out <- d:
		case <-c.done:
			return
		}
	}
}
