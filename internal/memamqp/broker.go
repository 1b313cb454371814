// Package memamqp is an in-process AMQP 0-9-1 broker that satisfies the
// rabbitmq.Connection and rabbitmq.Channel interfaces. It implements direct,
// fanout and topic exchanges, the default exchange, manual and automatic
// acknowledgment, per-consumer prefetch, dead-lettering of rejected
// messages and close notification. There is no persistence.
package memamqp

import (
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/pinrpc/internal/rabbitmq"
)

// Broker holds all exchanges and queues. The zero value is not usable; call
// New.
type Broker struct {
	mu        sync.Mutex
	exchanges map[string]*exchange
	queues    map[string]*queue
	conns     map[*Conn]struct{}
	dialErr   error
}

type exchange struct {
	name       string
	kind       string
	durable    bool
	autoDelete bool
	bindings   []binding
}

type binding struct {
	queue string
	key   string
}

type queue struct {
	name        string
	durable     bool
	autoDelete  bool
	exclusive   bool
	owner       *Conn
	args        amqp.Table
	messages    []message
	consumers   []*consumer
	next        int
	hadConsumer bool
}

type message struct {
	exchange    string
	routingKey  string
	pub         amqp.Publishing
	redelivered bool
}

// New returns an empty broker.
func New() *Broker {
	return &Broker{
		exchanges: make(map[string]*exchange),
		queues:    make(map[string]*queue),
		conns:     make(map[*Conn]struct{}),
	}
}

// Dial opens a connection to the broker.
func (b *Broker) Dial() (*Conn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.dialErr != nil {
		return nil, b.dialErr
	}
	c := &Conn{broker: b}
	b.conns[c] = struct{}{}
	return c, nil
}

// Dialer adapts Dial to rabbitmq.Dialer. URL and config are ignored.
func (b *Broker) Dialer() rabbitmq.Dialer {
	return func(string, amqp.Config) (rabbitmq.Connection, error) {
		conn, err := b.Dial()
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

// FailDial makes every later Dial return err. A nil err restores dialing.
func (b *Broker) FailDial(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dialErr = err
}

// KillConnections force-closes every open connection with err, as a broker
// shutdown would.
func (b *Broker) KillConnections(err *amqp.Error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.conns {
		if !c.closed {
			c.shutdownLocked(err)
		}
	}
}

// QueueExists reports whether a queue is declared.
func (b *Broker) QueueExists(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.queues[name]
	return ok
}

// ExchangeKind returns the type of a declared exchange.
func (b *Broker) ExchangeKind(name string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ex, ok := b.exchanges[name]
	if !ok {
		return "", false
	}
	return ex.kind, true
}

// QueueArgs returns the arguments a queue was declared with.
func (b *Broker) QueueArgs(name string) amqp.Table {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return q.args
	}
	return nil
}

// Bindings returns the sorted routing keys binding queue to exchange.
func (b *Broker) Bindings(exchangeName, queueName string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	ex, ok := b.exchanges[exchangeName]
	if !ok {
		return nil
	}
	var keys []string
	for _, bd := range ex.bindings {
		if bd.queue == queueName {
			keys = append(keys, bd.key)
		}
	}
	sort.Strings(keys)
	return keys
}

// QueueDepth returns the number of ready messages in a queue.
func (b *Broker) QueueDepth(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return len(q.messages)
	}
	return 0
}

// ConsumerCount returns the number of consumers on a queue.
func (b *Broker) ConsumerCount(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return len(q.consumers)
	}
	return 0
}

// Peek returns copies of the ready messages of a queue.
func (b *Broker) Peek(name string) []amqp.Publishing {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		return nil
	}
	out := make([]amqp.Publishing, len(q.messages))
	for i, m := range q.messages {
		out[i] = m.pub
		out[i].Body = append([]byte(nil), m.pub.Body...)
	}
	return out
}

func (b *Broker) declareExchangeLocked(name, kind string, durable, autoDelete bool) *amqp.Error {
	if name == "" || len(name) > 4 && name[:4] == "amq." {
		return &amqp.Error{Code: amqp.AccessRefused, Reason: fmt.Sprintf("ACCESS_REFUSED - exchange name '%s' is reserved", name), Server: true}
	}
	switch kind {
	case amqp.ExchangeDirect, amqp.ExchangeFanout, amqp.ExchangeTopic:
	case amqp.ExchangeHeaders:
		return &amqp.Error{Code: amqp.NotImplemented, Reason: "NOT_IMPLEMENTED - headers exchanges are not supported", Server: true}
	default:
		return &amqp.Error{Code: amqp.CommandInvalid, Reason: fmt.Sprintf("COMMAND_INVALID - unknown exchange type '%s'", kind), Server: true}
	}

	if ex, ok := b.exchanges[name]; ok {
		if ex.kind != kind || ex.durable != durable || ex.autoDelete != autoDelete {
			return &amqp.Error{
				Code:   amqp.PreconditionFailed,
				Reason: fmt.Sprintf("PRECONDITION_FAILED - inequivalent arg for exchange '%s'", name),
				Server: true,
			}
		}
		return nil
	}
	b.exchanges[name] = &exchange{name: name, kind: kind, durable: durable, autoDelete: autoDelete}
	return nil
}

func (b *Broker) declareQueueLocked(owner *Conn, name string, durable, autoDelete, exclusive bool, args amqp.Table) (*queue, *amqp.Error) {
	if name == "" {
		name = "amq.gen-" + uuid.NewString()
	}
	if q, ok := b.queues[name]; ok {
		if q.exclusive && q.owner != owner {
			return nil, &amqp.Error{
				Code:   amqp.ResourceLocked,
				Reason: fmt.Sprintf("RESOURCE_LOCKED - cannot obtain exclusive access to locked queue '%s'", name),
				Server: true,
			}
		}
		if q.durable != durable || q.autoDelete != autoDelete || q.exclusive != exclusive || !sameArgs(q.args, args) {
			return nil, &amqp.Error{
				Code:   amqp.PreconditionFailed,
				Reason: fmt.Sprintf("PRECONDITION_FAILED - inequivalent arg for queue '%s'", name),
				Server: true,
			}
		}
		return q, nil
	}

	q := &queue{
		name:       name,
		durable:    durable,
		autoDelete: autoDelete,
		exclusive:  exclusive,
		args:       args,
	}
	if exclusive {
		q.owner = owner
	}
	b.queues[name] = q
	return q, nil
}

func (b *Broker) bindLocked(queueName, key, exchangeName string) *amqp.Error {
	if exchangeName == "" {
		return &amqp.Error{Code: amqp.AccessRefused, Reason: "ACCESS_REFUSED - operation not permitted on the default exchange", Server: true}
	}
	ex, ok := b.exchanges[exchangeName]
	if !ok {
		return notFound("exchange", exchangeName)
	}
	if _, ok := b.queues[queueName]; !ok {
		return notFound("queue", queueName)
	}
	for _, bd := range ex.bindings {
		if bd.queue == queueName && bd.key == key {
			return nil
		}
	}
	ex.bindings = append(ex.bindings, binding{queue: queueName, key: key})
	return nil
}

// routeLocked enqueues msg on every matching queue, at most once per queue.
func (b *Broker) routeLocked(exchangeName, key string, pub amqp.Publishing) *amqp.Error {
	var targets []*queue
	if exchangeName == "" {
		if q, ok := b.queues[key]; ok {
			targets = append(targets, q)
		}
	} else {
		ex, ok := b.exchanges[exchangeName]
		if !ok {
			return notFound("exchange", exchangeName)
		}
		seen := make(map[string]bool)
		for _, bd := range ex.bindings {
			if seen[bd.queue] || !ex.matches(bd.key, key) {
				continue
			}
			if q, ok := b.queues[bd.queue]; ok {
				seen[bd.queue] = true
				targets = append(targets, q)
			}
		}
	}

	for _, q := range targets {
		m := message{exchange: exchangeName, routingKey: key, pub: pub}
		m.pub.Body = append([]byte(nil), pub.Body...)
		q.messages = append(q.messages, m)
		b.dispatchLocked(q)
	}
	return nil
}

func (ex *exchange) matches(bindingKey, routingKey string) bool {
	switch ex.kind {
	case amqp.ExchangeFanout:
		return true
	case amqp.ExchangeTopic:
		return TopicMatch(bindingKey, routingKey)
	}
	return bindingKey == routingKey
}

// dispatchLocked hands ready messages to consumers with spare capacity,
// round robin.
func (b *Broker) dispatchLocked(q *queue) {
	for len(q.messages) > 0 {
		c := q.pickConsumer()
		if c == nil {
			return
		}
		m := q.messages[0]
		q.messages = q.messages[1:]
		c.ch.deliverLocked(c, q, m)
	}
}

func (q *queue) pickConsumer() *consumer {
	n := len(q.consumers)
	for i := 0; i < n; i++ {
		c := q.consumers[(q.next+i)%n]
		if c.hasCapacity() {
			q.next = (q.next + i + 1) % n
			return c
		}
	}
	return nil
}

func (q *queue) removeConsumer(c *consumer) {
	for i, existing := range q.consumers {
		if existing == c {
			q.consumers = append(q.consumers[:i], q.consumers[i+1:]...)
			break
		}
	}
	if q.next >= len(q.consumers) {
		q.next = 0
	}
}

// deleteQueueLocked removes a queue and every binding that targets it.
func (b *Broker) deleteQueueLocked(q *queue) {
	delete(b.queues, q.name)
	for _, ex := range b.exchanges {
		kept := ex.bindings[:0]
		for _, bd := range ex.bindings {
			if bd.queue != q.name {
				kept = append(kept, bd)
			}
		}
		ex.bindings = kept
	}
}

// deadLetterLocked republishes a rejected message through the queue's
// dead-letter exchange, if it has one.
func (b *Broker) deadLetterLocked(q *queue, m message) {
	dlx, _ := q.args["x-dead-letter-exchange"].(string)
	if dlx == "" {
		return
	}
	if _, ok := b.exchanges[dlx]; !ok {
		return
	}
	key := m.routingKey
	if rk, ok := q.args["x-dead-letter-routing-key"].(string); ok && rk != "" {
		key = rk
	}

	pub := m.pub
	headers := amqp.Table{}
	for k, v := range m.pub.Headers {
		headers[k] = v
	}
	headers["x-first-death-queue"] = q.name
	headers["x-first-death-reason"] = "rejected"
	headers["x-first-death-exchange"] = m.exchange
	pub.Headers = headers

	_ = b.routeLocked(dlx, key, pub)
}

func sameArgs(a, b amqp.Table) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return reflect.DeepEqual(a, b)
}

func notFound(kind, name string) *amqp.Error {
	return &amqp.Error{
		Code:   amqp.NotFound,
		Reason: fmt.Sprintf("NOT_FOUND - no %s '%s'", kind, name),
		Server: true,
	}
}
