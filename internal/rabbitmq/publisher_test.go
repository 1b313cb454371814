package rabbitmq

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestPublisher(t *testing.T) {
	t.Run("mints a correlation id", func(t *testing.T) {
		p := NewPublisher(&mockChannel{})
		_, err := uuid.Parse(p.CorrelationID())
		assert.NoError(t, err)
		assert.NotEqual(t, p.CorrelationID(), NewPublisher(&mockChannel{}).CorrelationID())
	})

	t.Run("applies options", func(t *testing.T) {
		p := NewPublisher(&mockChannel{}, WithReplyQueue("seneca.abc"), WithCorrelationID("A"))
		assert.Equal(t, "seneca.abc", p.ReplyQueue())
		assert.Equal(t, "A", p.CorrelationID())
	})
}

func TestPublisherPublish(t *testing.T) {
	t.Run("stamps reply properties over caller values", func(t *testing.T) {
		ch := &mockChannel{}
		ch.On("IsClosed").Return(false)
		ch.On("PublishWithContext", mock.Anything, "seneca.topic", "role.create", false, false,
			mock.MatchedBy(func(msg amqp.Publishing) bool {
				return msg.ReplyTo == "seneca.abc" &&
					msg.CorrelationId == "A" &&
					msg.ContentType == ContentTypeJSON &&
					msg.MessageId == "m-1" &&
					string(msg.Body) == `{"max":100}`
			})).Return(nil).Once()

		p := NewPublisher(ch, WithReplyQueue("seneca.abc"), WithCorrelationID("A"))
		err := p.Publish(context.Background(), []byte(`{"max":100}`), "seneca.topic", "role.create", amqp.Publishing{
			MessageId:     "m-1",
			ContentType:   "text/plain",
			CorrelationId: "other",
		})

		require.NoError(t, err)
		ch.AssertExpectations(t)
	})

	t.Run("closed channel", func(t *testing.T) {
		ch := &mockChannel{}
		ch.On("IsClosed").Return(true)

		err := NewPublisher(ch).Publish(context.Background(), []byte(`{}`), "x", "k", amqp.Publishing{})

		assert.ErrorIs(t, err, ErrChannelClosed)
		ch.AssertNotCalled(t, "PublishWithContext", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("broker failure is a PublishError", func(t *testing.T) {
		ch := &mockChannel{}
		ch.On("IsClosed").Return(false)
		ch.On("PublishWithContext", mock.Anything, "x", "k", false, false, mock.Anything).Return(errors.New("nope"))

		err := NewPublisher(ch).Publish(context.Background(), []byte(`{}`), "x", "k", amqp.Publishing{})

		var pubErr *PublishError
		require.ErrorAs(t, err, &pubErr)
		assert.Equal(t, "x", pubErr.Exchange)
		assert.Equal(t, "k", pubErr.RoutingKey)
	})
}

func TestPublisherCorrelation(t *testing.T) {
	var (
		mu    sync.Mutex
		calls [][]byte
	)
	handler := func(ctx context.Context, body []byte) {
		mu.Lock()
		defer mu.Unlock()
		calls = append(calls, body)
	}
	p := NewPublisher(&mockChannel{}, WithCorrelationID("A"), WithReplyHandler(handler))

	t.Run("foreign id is dropped", func(t *testing.T) {
		p.handleReply(context.Background(), amqp.Delivery{CorrelationId: "B", Body: []byte(`{"id":1}`)})
		assert.Empty(t, calls)
	})

	t.Run("own id is delivered once", func(t *testing.T) {
		p.handleReply(context.Background(), amqp.Delivery{CorrelationId: "A", Body: []byte(`{"id":42}`)})
		require.Len(t, calls, 1)
		assert.JSONEq(t, `{"id":42}`, string(calls[0]))
	})

	t.Run("absent content is nil", func(t *testing.T) {
		p.handleReply(context.Background(), amqp.Delivery{CorrelationId: "A"})
		require.Len(t, calls, 2)
		assert.Nil(t, calls[1])
	})
}

func TestPublisherAwaitReply(t *testing.T) {
	t.Run("consumes with auto-ack and filters replies", func(t *testing.T) {
		ch := &mockChannel{}
		in, out := deliveries(
			amqp.Delivery{CorrelationId: "B", Body: []byte(`{"id":1}`)},
			amqp.Delivery{CorrelationId: "A", Body: []byte(`{"id":42}`)},
		)
		ch.On("Consume", "seneca.abc", "pinrpc-reply-A", true, false, false, false, amqp.Table(nil)).
			Return(out, nil).Once()

		got := make(chan []byte, 2)
		p := NewPublisher(ch,
			WithReplyQueue("seneca.abc"),
			WithCorrelationID("A"),
			WithReplyHandler(func(ctx context.Context, body []byte) { got <- body }),
		)

		require.NoError(t, p.AwaitReply(context.Background()))
		require.NoError(t, p.AwaitReply(context.Background()), "second call is a no-op")

		select {
		case body := <-got:
			assert.JSONEq(t, `{"id":42}`, string(body))
		case <-time.After(time.Second):
			t.Fatal("reply not delivered")
		}

		close(in)
		select {
		case <-p.Done():
		case <-time.After(time.Second):
			t.Fatal("reply loop did not stop")
		}
		assert.Empty(t, got)
		ch.AssertExpectations(t)
	})

	t.Run("context cancel stops the loop", func(t *testing.T) {
		ch := &mockChannel{}
		_, out := deliveries()
		ch.On("Consume", "q", mock.Anything, true, false, false, false, amqp.Table(nil)).Return(out, nil)

		ctx, cancel := context.WithCancel(context.Background())
		p := NewPublisher(ch, WithReplyQueue("q"))
		require.NoError(t, p.AwaitReply(ctx))
		cancel()

		select {
		case <-p.Done():
		case <-time.After(time.Second):
			t.Fatal("reply loop did not stop")
		}
	})

	t.Run("consume failure", func(t *testing.T) {
		ch := &mockChannel{}
		ch.On("Consume", "q", mock.Anything, true, false, false, false, amqp.Table(nil)).
			Return(nil, errors.New("NOT_FOUND"))

		err := NewPublisher(ch, WithReplyQueue("q")).AwaitReply(context.Background())

		var consumerErr *ConsumerError
		require.ErrorAs(t, err, &consumerErr)
		assert.Equal(t, "q", consumerErr.Queue)
	})
}
