package rabbitmq

import (
	"context"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// BootstrapConfig is everything needed to bring up one actor's transport.
type BootstrapConfig struct {
	// Name labels the owning actor in logs and errors.
	Name       string
	URL        string
	AMQPConfig amqp.Config
	Exchange   ExchangeDeclaration
	Prefetch   int
	Dialer     Dialer

	// DialTimeout bounds the dial. Zero keeps the link default.
	DialTimeout time.Duration
}

// BootstrapOption configures Bootstrap
type BootstrapOption func(*bootstrapOptions)

type bootstrapOptions struct {
	logger  *slog.Logger
	onError func(error)
}

// WithBootstrapLogger sets the logger used by the handle and its link
func WithBootstrapLogger(logger *slog.Logger) BootstrapOption {
	return func(o *bootstrapOptions) {
		o.logger = logger
	}
}

// WithChannelErrorHandler receives broker-initiated channel closures
func WithChannelErrorHandler(fn func(error)) BootstrapOption {
	return func(o *bootstrapOptions) {
		o.onError = fn
	}
}

// Handle owns one connection and the primary channel opened on it.
type Handle struct {
	name     string
	link     *Link
	conn     Connection
	ch       Channel
	exchange string
	topology *TopologyManager
	logger   *slog.Logger
	once     sync.Once
}

// Bootstrap dials the broker, opens a channel, applies the prefetch and
// declares the exchange. Any failure closes what was opened and is returned.
func Bootstrap(ctx context.Context, cfg BootstrapConfig, options ...BootstrapOption) (*Handle, error) {
	opts := bootstrapOptions{logger: slog.Default()}
	for _, opt := range options {
		opt(&opts)
	}
	logger := opts.logger.With("actor", cfg.Name)

	link, err := Connect(ctx, cfg.URL,
		WithLinkDialer(cfg.Dialer),
		WithLinkConfig(cfg.AMQPConfig),
		WithLinkLogger(logger),
		WithLinkTimeout(cfg.DialTimeout),
	)
	if err != nil {
		return nil, err
	}
	conn, err := link.Conn()
	if err != nil {
		_ = link.Close()
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = link.Close()
		return nil, &ChannelError{Op: "open", Actor: cfg.Name, Err: err}
	}

	h := &Handle{
		name:     cfg.Name,
		link:     link,
		conn:     conn,
		ch:       ch,
		exchange: cfg.Exchange.Name,
		topology: NewTopologyManager(ch, WithTopologyLogger(logger)),
		logger:   logger,
	}

	if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
		_ = h.Close()
		return nil, &ChannelError{Op: "qos", Actor: cfg.Name, Err: err}
	}

	if err := h.topology.DeclareExchange(ctx, cfg.Exchange); err != nil {
		_ = h.Close()
		return nil, err
	}

	go h.watch(ch.NotifyClose(make(chan *amqp.Error, 1)), opts.onError)

	logger.Info("transport ready",
		"exchange", cfg.Exchange.Name,
		"prefetch", cfg.Prefetch)

	return h, nil
}

// watch reports the first broker-initiated loss of the channel or of the
// connection under it. A close we asked for reports nothing.
func (h *Handle) watch(notify <-chan *amqp.Error, onError func(error)) {
	var cause error
	select {
	case amqpErr, ok := <-notify:
		if ok && amqpErr != nil {
			cause = amqpErr
		}
	case <-h.link.Lost():
		cause = h.link.Err()
	}
	if cause == nil {
		return
	}
	err := &ChannelError{Op: "runtime", Actor: h.name, Err: cause}
	if onError != nil {
		onError(err)
		return
	}
	h.logger.Error("channel closed by broker", "error", err)
}

// Channel returns the primary channel.
func (h *Handle) Channel() Channel { return h.ch }

// Exchange returns the declared exchange name.
func (h *Handle) Exchange() string { return h.exchange }

// Topology returns a manager bound to the primary channel.
func (h *Handle) Topology() *TopologyManager { return h.topology }

// OpenChannel opens an additional channel on the same connection.
func (h *Handle) OpenChannel() (Channel, error) {
	ch, err := h.conn.Channel()
	if err != nil {
		return nil, &ChannelError{Op: "open", Actor: h.name, Err: err}
	}
	return ch, nil
}

// Close closes the channel, then the connection. Failures are logged and
// never returned; later calls do nothing.
func (h *Handle) Close() error {
	h.once.Do(func() {
		if !h.ch.IsClosed() {
			if err := h.ch.Close(); err != nil {
				h.logger.Warn("failed to close channel", "error", err)
			}
		}
		if err := h.link.Close(); err != nil {
			h.logger.Warn("failed to close connection", "error", err)
		}
		h.logger.Info("transport closed")
	})
	return nil
}
