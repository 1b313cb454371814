package rabbitmq

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Channel is the subset of *amqp.Channel the transport uses.
type Channel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	IsClosed() bool
	Close() error
}

// Connection is the subset of *amqp.Connection the transport uses.
type Connection interface {
	Channel() (Channel, error)
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	IsClosed() bool
	Close() error
}

// Dialer opens a broker connection.
type Dialer func(url string, cfg amqp.Config) (Connection, error)

// DialAMQP dials a real broker with amqp091-go.
func DialAMQP(url string, cfg amqp.Config) (Connection, error) {
	conn, err := amqp.DialConfig(url, cfg)
	if err != nil {
		return nil, err
	}
	return &amqpConnection{Connection: conn}, nil
}

type amqpConnection struct {
	*amqp.Connection
}

func (c *amqpConnection) Channel() (Channel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// Link is one dialed broker connection. It is never redialed: once the
// broker closes it, Lost is closed and Err reports why.
type Link struct {
	url    string
	conn   Connection
	logger *slog.Logger

	mu      sync.Mutex
	closed  bool
	lost    chan struct{}
	lostErr error
}

type linkOptions struct {
	dial    Dialer
	config  amqp.Config
	timeout time.Duration
	logger  *slog.Logger
}

// LinkOption configures Connect
type LinkOption func(*linkOptions)

// WithLinkLogger sets the logger
func WithLinkLogger(logger *slog.Logger) LinkOption {
	return func(o *linkOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithLinkDialer replaces the amqp091-go dialer. Nil keeps the default.
func WithLinkDialer(dial Dialer) LinkOption {
	return func(o *linkOptions) {
		if dial != nil {
			o.dial = dial
		}
	}
}

// WithLinkConfig sets heartbeat, locale and frame tuning
func WithLinkConfig(cfg amqp.Config) LinkOption {
	return func(o *linkOptions) {
		o.config = cfg
	}
}

// WithLinkTimeout bounds the dial. The default is 30 seconds.
func WithLinkTimeout(timeout time.Duration) LinkOption {
	return func(o *linkOptions) {
		if timeout > 0 {
			o.timeout = timeout
		}
	}
}

// Connect dials url once. The dial is abandoned when ctx ends or the
// timeout passes; a connection that arrives afterwards is closed.
func Connect(ctx context.Context, url string, options ...LinkOption) (*Link, error) {
	o := linkOptions{
		dial:    DialAMQP,
		timeout: 30 * time.Second,
		logger:  slog.Default(),
	}
	for _, opt := range options {
		opt(&o)
	}

	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	type dialed struct {
		conn Connection
		err  error
	}
	result := make(chan dialed, 1)
	go func() {
		conn, err := o.dial(url, o.config)
		result <- dialed{conn, err}
	}()

	var conn Connection
	select {
	case r := <-result:
		if r.err != nil {
			return nil, &ConnectionError{Op: "dial", URL: SanitizeURL(url), Err: r.err}
		}
		conn = r.conn
	case <-ctx.Done():
		go func() {
			if r := <-result; r.conn != nil {
				_ = r.conn.Close()
			}
		}()
		err := ctx.Err()
		if errors.Is(err, context.DeadlineExceeded) {
			err = ErrConnectionTimeout
		}
		return nil, &ConnectionError{Op: "dial", URL: SanitizeURL(url), Err: err}
	}

	l := &Link{
		url:    url,
		conn:   conn,
		logger: o.logger,
		lost:   make(chan struct{}),
	}
	go l.watch(conn.NotifyClose(make(chan *amqp.Error, 1)))

	l.logger.Info("connected to RabbitMQ", "url", SanitizeURL(url))
	return l, nil
}

// Conn returns the connection, or ErrConnectionClosed once it is gone.
func (l *Link) Conn() (Connection, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || l.conn.IsClosed() {
		return nil, ErrConnectionClosed
	}
	return l.conn, nil
}

// Lost is closed when the connection ends, by Close or by the broker.
func (l *Link) Lost() <-chan struct{} { return l.lost }

// Err returns the broker error that ended the connection, if any.
func (l *Link) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lostErr
}

// Close closes the connection. Later calls do nothing.
func (l *Link) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	if l.conn.IsClosed() {
		return nil
	}
	if err := l.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return err
	}
	return nil
}

func (l *Link) watch(notify <-chan *amqp.Error) {
	amqpErr, ok := <-notify
	if ok && amqpErr != nil {
		l.mu.Lock()
		l.lostErr = amqpErr
		l.mu.Unlock()
		l.logger.Error("connection closed by broker",
			"url", SanitizeURL(l.url),
			"error", amqpErr)
	}
	close(l.lost)
}
