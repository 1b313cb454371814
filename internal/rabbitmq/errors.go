package rabbitmq

import (
	"errors"
	"fmt"
	"net/url"
)

var (
	ErrConnectionClosed  = errors.New("rabbitmq: connection is closed")
	ErrConnectionTimeout = errors.New("rabbitmq: connection timeout")
	ErrChannelClosed     = errors.New("rabbitmq: channel is closed")

	// ErrInvalidDelivery marks a request without a body or a replyTo.
	ErrInvalidDelivery  = errors.New("rabbitmq: invalid delivery")
	ErrAlreadySettled   = errors.New("rabbitmq: delivery already settled")
	ErrAlreadyConsuming = errors.New("rabbitmq: already consuming")

	ErrInvalidTopology = errors.New("rabbitmq: invalid topology configuration")
)

// ConnectionError is a failure to reach the broker.
type ConnectionError struct {
	Op  string
	URL string // password redacted
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("rabbitmq: %s %s: %v", e.Op, e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ChannelError is a failure on an actor's channel, at setup or later when
// the broker closes it.
type ChannelError struct {
	Op    string
	Actor string // "client" or "listener"
	Err   error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("rabbitmq: %s channel %s: %v", e.Actor, e.Op, e.Err)
}

func (e *ChannelError) Unwrap() error { return e.Err }

// PublishError is a failed publish. Exchange is empty for replies sent
// straight to a queue.
type PublishError struct {
	Exchange   string
	RoutingKey string
	Err        error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("rabbitmq: publish to %q with key %q: %v", e.Exchange, e.RoutingKey, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// ConsumerError is a failure to start consuming a queue.
type ConsumerError struct {
	Op          string
	Queue       string
	ConsumerTag string
	Err         error
}

func (e *ConsumerError) Error() string {
	return fmt.Sprintf("rabbitmq: %s consumer %s on %s: %v", e.Op, e.ConsumerTag, e.Queue, e.Err)
}

func (e *ConsumerError) Unwrap() error { return e.Err }

// TopologyError is a rejected exchange, queue or binding declaration.
type TopologyError struct {
	Op   string
	Kind string // exchange, queue or binding
	Name string
	Err  error
}

func (e *TopologyError) Error() string {
	return fmt.Sprintf("rabbitmq: %s %s %q: %v", e.Op, e.Kind, e.Name, e.Err)
}

func (e *TopologyError) Unwrap() error { return e.Err }

// SanitizeURL masks the password of a connection URL.
func SanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "***"
	}
	return u.Redacted()
}
