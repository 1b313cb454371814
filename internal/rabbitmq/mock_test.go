package rabbitmq

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/mock"
)

// mockChannel implements Channel for testing
type mockChannel struct {
	mock.Mock
}

func (m *mockChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	args := m.Called(prefetchCount, prefetchSize, global)
	return args.Error(0)
}

func (m *mockChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	mockArgs := m.Called(name, kind, durable, autoDelete, internal, noWait, args)
	return mockArgs.Error(0)
}

func (m *mockChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	mockArgs := m.Called(name, durable, autoDelete, exclusive, noWait, args)
	return mockArgs.Get(0).(amqp.Queue), mockArgs.Error(1)
}

func (m *mockChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	mockArgs := m.Called(name, key, exchange, noWait, args)
	return mockArgs.Error(0)
}

func (m *mockChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	args := m.Called(ctx, exchange, key, mandatory, immediate, msg)
	return args.Error(0)
}

func (m *mockChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	mockArgs := m.Called(queue, consumer, autoAck, exclusive, noLocal, noWait, args)
	if mockArgs.Get(0) == nil {
		return nil, mockArgs.Error(1)
	}
	return mockArgs.Get(0).(<-chan amqp.Delivery), mockArgs.Error(1)
}

func (m *mockChannel) NotifyClose(c chan *amqp.Error) chan *amqp.Error {
	m.Called(c)
	return c
}

func (m *mockChannel) IsClosed() bool {
	args := m.Called()
	return args.Bool(0)
}

func (m *mockChannel) Close() error {
	args := m.Called()
	return args.Error(0)
}

// mockConnection implements Connection for testing
type mockConnection struct {
	mock.Mock
	notify chan *amqp.Error
}

func (m *mockConnection) Channel() (Channel, error) {
	args := m.Called()
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(Channel), args.Error(1)
}

func (m *mockConnection) NotifyClose(c chan *amqp.Error) chan *amqp.Error {
	m.notify = c
	return c
}

func (m *mockConnection) IsClosed() bool {
	args := m.Called()
	return args.Bool(0)
}

func (m *mockConnection) Close() error {
	args := m.Called()
	return args.Error(0)
}

// mockDeliveryAcknowledger records acks and nacks
type mockDeliveryAcknowledger struct {
	mock.Mock
}

func (m *mockDeliveryAcknowledger) Ack(tag uint64, multiple bool) error {
	args := m.Called(tag, multiple)
	return args.Error(0)
}

func (m *mockDeliveryAcknowledger) Nack(tag uint64, multiple bool, requeue bool) error {
	args := m.Called(tag, multiple, requeue)
	return args.Error(0)
}

func (m *mockDeliveryAcknowledger) Reject(tag uint64, requeue bool) error {
	args := m.Called(tag, requeue)
	return args.Error(0)
}

func deliveries(ds ...amqp.Delivery) (chan amqp.Delivery, <-chan amqp.Delivery) {
	ch := make(chan amqp.Delivery, len(ds)+1)
	for _, d := range ds {
		ch <- d
	}
	return ch, ch
}
