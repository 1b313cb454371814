package rabbitmq

import (
	"context"
	"errors"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestDeclareDeadLetter(t *testing.T) {
	t.Run("no-op when unconfigured", func(t *testing.T) {
		ch := &mockChannel{}
		tm := NewTopologyManager(ch)

		for _, decl := range []DeadLetterDeclaration{
			{},
			{Queue: QueueDeclaration{Name: "dlq"}},
			{Exchange: ExchangeDeclaration{Name: "dlx"}},
		} {
			dl, err := tm.DeclareDeadLetter(context.Background(), decl)
			assert.NoError(t, err)
			assert.Nil(t, dl)
		}
		ch.AssertNotCalled(t, "ExchangeDeclare", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("no-op without a channel", func(t *testing.T) {
		decl := DeadLetterDeclaration{Queue: QueueDeclaration{Name: "dlq"}, Exchange: ExchangeDeclaration{Name: "dlx"}}

		dl, err := NewTopologyManager(nil).DeclareDeadLetter(context.Background(), decl)
		assert.NoError(t, err)
		assert.Nil(t, dl)

		var tm *TopologyManager
		dl, err = tm.DeclareDeadLetter(context.Background(), decl)
		assert.NoError(t, err)
		assert.Nil(t, dl)
	})

	t.Run("declares exchange, queue and catch-all binding", func(t *testing.T) {
		ch := &mockChannel{}
		ch.On("IsClosed").Return(false)
		ch.On("ExchangeDeclare", "seneca.dlx", "topic", true, false, false, false, amqp.Table(nil)).Return(nil).Once()
		ch.On("QueueDeclare", "seneca.dlq", true, false, false, false, amqp.Table(nil)).
			Return(amqp.Queue{Name: "seneca.dlq"}, nil).Once()
		ch.On("QueueBind", "seneca.dlq", "#", "seneca.dlx", false, amqp.Table(nil)).Return(nil).Once()

		dl, err := NewTopologyManager(ch).DeclareDeadLetter(context.Background(), DeadLetterDeclaration{
			Queue:    QueueDeclaration{Name: "seneca.dlq", Durable: true},
			Exchange: ExchangeDeclaration{Name: "seneca.dlx", Durable: true},
		})

		require.NoError(t, err)
		assert.Equal(t, &DeadLetter{Queue: "seneca.dlq", Exchange: "seneca.dlx", RoutingKey: "#"}, dl)
		ch.AssertExpectations(t)
	})

	t.Run("failure is a TopologyError", func(t *testing.T) {
		ch := &mockChannel{}
		ch.On("IsClosed").Return(false)
		ch.On("ExchangeDeclare", "dlx", "topic", false, false, false, false, amqp.Table(nil)).
			Return(errors.New("PRECONDITION_FAILED"))

		_, err := NewTopologyManager(ch).DeclareDeadLetter(context.Background(), DeadLetterDeclaration{
			Queue:    QueueDeclaration{Name: "dlq"},
			Exchange: ExchangeDeclaration{Name: "dlx"},
		})

		var topoErr *TopologyError
		require.ErrorAs(t, err, &topoErr)
		assert.Equal(t, "exchange", topoErr.Kind)
		assert.Equal(t, "dlx", topoErr.Name)
	})
}

func TestBindAll(t *testing.T) {
	t.Run("binds every non-empty key", func(t *testing.T) {
		ch := &mockChannel{}
		ch.On("IsClosed").Return(false)
		ch.On("QueueBind", "q", "cmd.save.role.entity", "seneca.topic", false, amqp.Table(nil)).Return(nil).Once()
		ch.On("QueueBind", "q", "foo.*", "seneca.topic", false, amqp.Table(nil)).Return(nil).Once()

		err := NewTopologyManager(ch).BindAll(context.Background(), "q", "seneca.topic", []string{"cmd.save.role.entity", "", "foo.*"})

		require.NoError(t, err)
		ch.AssertExpectations(t)
		ch.AssertNumberOfCalls(t, "QueueBind", 2)
	})

	t.Run("returns the binding failure", func(t *testing.T) {
		ch := &mockChannel{}
		ch.On("IsClosed").Return(false)
		ch.On("QueueBind", "q", mock.Anything, "x", false, amqp.Table(nil)).Return(errors.New("NOT_FOUND"))

		err := NewTopologyManager(ch).BindAll(context.Background(), "q", "x", []string{"a.b"})

		var topoErr *TopologyError
		require.ErrorAs(t, err, &topoErr)
		assert.Equal(t, "bind", topoErr.Op)
	})
}

func TestTopologyManagerGuards(t *testing.T) {
	t.Run("closed channel", func(t *testing.T) {
		ch := &mockChannel{}
		ch.On("IsClosed").Return(true)

		err := NewTopologyManager(ch).DeclareExchange(context.Background(), ExchangeDeclaration{Name: "x", Type: "topic"})
		assert.ErrorIs(t, err, ErrChannelClosed)
	})

	t.Run("cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := NewTopologyManager(&mockChannel{}).DeclareQueue(ctx, QueueDeclaration{Name: "q"})
		assert.ErrorIs(t, err, context.Canceled)
	})
}
