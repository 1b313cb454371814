package rabbitmq

import (
	"context"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func bootstrapConfig(conn Connection) BootstrapConfig {
	return BootstrapConfig{
		Name:     "listener",
		URL:      "amqp://localhost",
		Exchange: ExchangeDeclaration{Name: "seneca.topic", Type: "topic", Durable: true},
		Prefetch: 3,
		Dialer:   dialerFor(conn),
	}
}

func TestBootstrap(t *testing.T) {
	t.Run("opens channel, sets prefetch, declares exchange", func(t *testing.T) {
		ch := &mockChannel{}
		ch.On("Qos", 3, 0, false).Return(nil).Once()
		ch.On("IsClosed").Return(false)
		ch.On("ExchangeDeclare", "seneca.topic", "topic", true, false, false, false, amqp.Table(nil)).Return(nil).Once()
		ch.On("NotifyClose", mock.Anything).Return()
		ch.On("Close").Return(nil).Once()

		conn := &mockConnection{}
		conn.On("Channel").Return(ch, nil)
		conn.On("IsClosed").Return(false)
		conn.On("Close").Return(nil).Once()

		h, err := Bootstrap(context.Background(), bootstrapConfig(conn))
		require.NoError(t, err)
		assert.Equal(t, "seneca.topic", h.Exchange())
		assert.Equal(t, ch, h.Channel())
		assert.NotNil(t, h.Topology())

		extra, err := h.OpenChannel()
		require.NoError(t, err)
		assert.Equal(t, ch, extra)

		require.NoError(t, h.Close())
		require.NoError(t, h.Close())
		ch.AssertExpectations(t)
		conn.AssertExpectations(t)
	})

	t.Run("exchange conflict fails startup and cleans up", func(t *testing.T) {
		ch := &mockChannel{}
		ch.On("Qos", 3, 0, false).Return(nil)
		ch.On("ExchangeDeclare", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
			Return(&amqp.Error{Code: amqp.PreconditionFailed, Reason: "inequivalent arg 'type'"})
		// The broker closes the channel on a failed declare.
		ch.On("IsClosed").Return(false).Once()
		ch.On("IsClosed").Return(true)

		conn := &mockConnection{}
		conn.On("Channel").Return(ch, nil)
		conn.On("IsClosed").Return(false)
		conn.On("Close").Return(nil).Once()

		_, err := Bootstrap(context.Background(), bootstrapConfig(conn))

		var amqpErr *amqp.Error
		require.ErrorAs(t, err, &amqpErr)
		assert.Equal(t, amqp.PreconditionFailed, amqpErr.Code)
		var topoErr *TopologyError
		assert.ErrorAs(t, err, &topoErr)
		conn.AssertExpectations(t)
		ch.AssertNotCalled(t, "Close")
	})

	t.Run("channel open failure", func(t *testing.T) {
		conn := &mockConnection{}
		conn.On("Channel").Return(nil, errors.New("channel max reached"))
		conn.On("IsClosed").Return(false)
		conn.On("Close").Return(nil).Once()

		_, err := Bootstrap(context.Background(), bootstrapConfig(conn))

		var chErr *ChannelError
		require.ErrorAs(t, err, &chErr)
		assert.Equal(t, "open", chErr.Op)
		conn.AssertExpectations(t)
	})

	t.Run("dial failure", func(t *testing.T) {
		cfg := bootstrapConfig(nil)
		cfg.Dialer = func(string, amqp.Config) (Connection, error) { return nil, errors.New("ACCESS_REFUSED") }

		_, err := Bootstrap(context.Background(), cfg)

		var connErr *ConnectionError
		assert.ErrorAs(t, err, &connErr)
	})

	t.Run("runtime channel close reaches the error handler", func(t *testing.T) {
		var notify chan *amqp.Error
		ch := &mockChannel{}
		ch.On("Qos", 3, 0, false).Return(nil)
		ch.On("IsClosed").Return(false)
		ch.On("ExchangeDeclare", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
		ch.On("NotifyClose", mock.Anything).Run(func(args mock.Arguments) {
			notify = args.Get(0).(chan *amqp.Error)
		}).Return()

		conn := &mockConnection{}
		conn.On("Channel").Return(ch, nil)
		conn.On("IsClosed").Return(false)

		errs := make(chan error, 1)
		_, err := Bootstrap(context.Background(), bootstrapConfig(conn), WithChannelErrorHandler(func(err error) { errs <- err }))
		require.NoError(t, err)

		notify <- &amqp.Error{Code: amqp.ChannelError, Reason: "unexpected"}

		select {
		case err := <-errs:
			var chErr *ChannelError
			require.ErrorAs(t, err, &chErr)
			assert.Equal(t, "runtime", chErr.Op)
			assert.Equal(t, "listener", chErr.Actor)
		case <-time.After(time.Second):
			t.Fatal("error handler not called")
		}
	})

	t.Run("connection loss reaches the error handler", func(t *testing.T) {
		ch := &mockChannel{}
		ch.On("Qos", 3, 0, false).Return(nil)
		ch.On("IsClosed").Return(false)
		ch.On("ExchangeDeclare", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
		ch.On("NotifyClose", mock.Anything).Return()

		conn := &mockConnection{}
		conn.On("Channel").Return(ch, nil)
		conn.On("IsClosed").Return(false)

		errs := make(chan error, 1)
		_, err := Bootstrap(context.Background(), bootstrapConfig(conn), WithChannelErrorHandler(func(err error) { errs <- err }))
		require.NoError(t, err)

		// The channel notification never fires; only the connection reports.
		conn.notify <- &amqp.Error{Code: amqp.ConnectionForced, Reason: "shutdown"}

		select {
		case err := <-errs:
			var chErr *ChannelError
			require.ErrorAs(t, err, &chErr)
			assert.Equal(t, "runtime", chErr.Op)
			var amqpErr *amqp.Error
			require.ErrorAs(t, err, &amqpErr)
			assert.Equal(t, amqp.ConnectionForced, amqpErr.Code)
		case <-time.After(time.Second):
			t.Fatal("error handler not called")
		}
	})

	t.Run("dial timeout is applied", func(t *testing.T) {
		release := make(chan struct{})
		defer close(release)

		cfg := bootstrapConfig(nil)
		cfg.DialTimeout = 20 * time.Millisecond
		cfg.Dialer = func(string, amqp.Config) (Connection, error) {
			<-release
			return nil, errors.New("too late")
		}

		_, err := Bootstrap(context.Background(), cfg)
		assert.ErrorIs(t, err, ErrConnectionTimeout)
	})
}
