package pinrpc

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/glimte/pinrpc/config"
	"github.com/glimte/pinrpc/internal/rabbitmq"
)

// State is the lifecycle stage of an actor.
type State string

const (
	StateCreated State = "created"
	StateReady   State = "ready"
	StateClosed  State = "closed"
)

// hook is the transport plumbing shared by Client and Listener: bootstrap,
// the dead-letter sibling, runtime failure handling and close.
type hook struct {
	role   string
	cfg    config.Config
	opts   options
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	state    State
	starting bool
	failure  error
	handle   *rabbitmq.Handle

	// deadLetterStarted is set under mu once the sibling goroutine owns
	// closing deadLetterDone.
	deadLetterStarted bool
	deadLetterOnce    sync.Once
	deadLetterDone    chan struct{}
	deadLetter        *rabbitmq.DeadLetter
	deadLetterErr     error
}

func newHook(role string, cfg config.Config, opts options) *hook {
	ctx, cancel := context.WithCancel(context.Background())
	return &hook{
		role:           role,
		cfg:            cfg,
		opts:           opts,
		logger:         opts.logger.With("role", role),
		ctx:            ctx,
		cancel:         cancel,
		state:          StateCreated,
		deadLetterDone: make(chan struct{}),
	}
}

// State returns the actor's lifecycle stage.
func (h *hook) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// begin claims the one allowed start.
func (h *hook) begin() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch h.state {
	case StateClosed:
		return ErrClosed
	case StateReady:
		return ErrAlreadyStarted
	}
	if h.starting {
		return ErrAlreadyStarted
	}
	h.starting = true
	return nil
}

// open bootstraps the transport and starts the dead-letter sibling.
func (h *hook) open(ctx context.Context, prefetch int) (*rabbitmq.Handle, error) {
	url, err := h.cfg.Connection.FormatURL()
	if err != nil {
		return nil, fmt.Errorf("pinrpc: %s: %w", h.role, err)
	}

	handle, err := rabbitmq.Bootstrap(ctx, rabbitmq.BootstrapConfig{
		Name:       h.role,
		URL:        url,
		AMQPConfig: h.cfg.Connection.AMQPConfig(),
		Exchange: rabbitmq.ExchangeDeclaration{
			Name:       h.cfg.Exchange.Name,
			Type:       h.cfg.Exchange.Type,
			Durable:    h.cfg.Exchange.Options.Durable,
			AutoDelete: h.cfg.Exchange.Options.AutoDelete,
		},
		Prefetch:    prefetch,
		Dialer:      h.opts.dialer,
		DialTimeout: h.cfg.Connection.DialTimeout(),
	},
		rabbitmq.WithBootstrapLogger(h.opts.logger),
		rabbitmq.WithChannelErrorHandler(h.fail),
	)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	if h.state == StateClosed {
		h.mu.Unlock()
		_ = handle.Close()
		return nil, ErrClosed
	}
	h.handle = handle
	h.deadLetterStarted = true
	h.mu.Unlock()

	go h.declareDeadLetter(handle)
	return handle, nil
}

// declareDeadLetter runs beside primary setup on its own channel. Its
// failures are logged and never reach the actor.
func (h *hook) declareDeadLetter(handle *rabbitmq.Handle) {
	defer h.finishDeadLetter()

	if !h.cfg.DeadLetter.Enabled() {
		return
	}

	ch, err := handle.OpenChannel()
	if err != nil {
		h.deadLetterErr = err
		h.logger.Warn("dead-letter setup failed", "error", err)
		return
	}
	defer func() {
		if !ch.IsClosed() {
			_ = ch.Close()
		}
	}()

	dl := h.cfg.DeadLetter
	h.deadLetter, h.deadLetterErr = rabbitmq.NewTopologyManager(ch, rabbitmq.WithTopologyLogger(h.logger)).
		DeclareDeadLetter(h.ctx, rabbitmq.DeadLetterDeclaration{
			Queue: rabbitmq.QueueDeclaration{
				Name:       dl.Queue.Name,
				Durable:    dl.Queue.Options.Durable,
				AutoDelete: dl.Queue.Options.AutoDelete,
				Exclusive:  dl.Queue.Options.Exclusive,
			},
			Exchange: rabbitmq.ExchangeDeclaration{
				Name:       dl.Exchange.Name,
				Type:       dl.Exchange.Type,
				Durable:    dl.Exchange.Options.Durable,
				AutoDelete: dl.Exchange.Options.AutoDelete,
			},
		})
	if h.deadLetterErr != nil {
		h.logger.Warn("dead-letter setup failed", "error", h.deadLetterErr)
		return
	}
	h.logger.Info("dead-letter declared",
		"queue", h.deadLetter.Queue,
		"exchange", h.deadLetter.Exchange)
}

func (h *hook) finishDeadLetter() {
	h.deadLetterOnce.Do(func() { close(h.deadLetterDone) })
}

// DeadLetter waits for the dead-letter sibling and returns its outcome. It
// returns nil, nil when dead-lettering is not configured.
func (h *hook) DeadLetter(ctx context.Context) (*rabbitmq.DeadLetter, error) {
	select {
	case <-h.deadLetterDone:
		return h.deadLetter, h.deadLetterErr
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (h *hook) ready() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == StateCreated {
		h.state = StateReady
	}
}

// fail closes the actor after a runtime channel failure.
func (h *hook) fail(err error) {
	h.mu.Lock()
	if h.state == StateClosed {
		h.mu.Unlock()
		return
	}
	h.state = StateClosed
	h.failure = err
	handle := h.handle
	h.handle = nil
	h.mu.Unlock()

	h.cancel()
	if handle != nil {
		_ = handle.Close()
	}

	if h.opts.onError != nil {
		h.opts.onError(err)
		return
	}
	h.logger.Error("transport failed", "error", err)
}

// usable returns the error a send or setup step should fail with, if any.
func (h *hook) usable() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != StateClosed {
		return nil
	}
	if h.failure != nil {
		return fmt.Errorf("%w: %w", rabbitmq.ErrChannelClosed, h.failure)
	}
	return ErrClosed
}

// Close tears down the channel, then the connection. It is idempotent.
func (h *hook) Close() error {
	h.mu.Lock()
	handle := h.handle
	h.handle = nil
	h.state = StateClosed
	started := h.deadLetterStarted
	h.mu.Unlock()

	h.cancel()
	if !started {
		h.finishDeadLetter()
	}
	if handle == nil {
		return nil
	}
	return handle.Close()
}
