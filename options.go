package pinrpc

import (
	"log/slog"

	"github.com/glimte/pinrpc/internal/rabbitmq"
)

// ErrorHandler receives runtime channel failures. The actor is closed by
// the time it runs.
type ErrorHandler func(err error)

type options struct {
	logger  *slog.Logger
	dialer  rabbitmq.Dialer
	onError ErrorHandler
}

// Option configures a Client or Listener
type Option func(*options)

// WithLogger sets the logger for the actor and its transport
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithDialer replaces the amqp091-go dialer, e.g. with an in-memory broker.
func WithDialer(dialer rabbitmq.Dialer) Option {
	return func(o *options) {
		o.dialer = dialer
	}
}

// WithErrorHandler sets the handler for runtime channel failures. Without
// one they are logged.
func WithErrorHandler(fn ErrorHandler) Option {
	return func(o *options) {
		o.onError = fn
	}
}

func newOptions(opts []Option) options {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
