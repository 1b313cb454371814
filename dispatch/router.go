package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/glimte/pinrpc/pin"
)

// DefaultTimeout bounds a remote call when no deadline is set on its context.
const DefaultTimeout = 30 * time.Second

type route struct {
	pattern pin.Pattern
	handler Handler
}

type remote struct {
	pins []pin.Pattern
	send SendFunc
}

// Router matches calls to handlers and tracks remote calls awaiting a
// response.
type Router struct {
	mu      sync.RWMutex
	routes  []route
	remotes []remote
	pending map[string]chan *Response

	codec   Codec
	logger  *slog.Logger
	timeout time.Duration
}

// RouterOption configures a Router
type RouterOption func(*Router)

// WithRouterLogger sets the logger
func WithRouterLogger(logger *slog.Logger) RouterOption {
	return func(r *Router) {
		r.logger = logger
	}
}

// WithTimeout sets the remote call timeout. Non-positive values are ignored.
func WithTimeout(timeout time.Duration) RouterOption {
	return func(r *Router) {
		if timeout > 0 {
			r.timeout = timeout
		}
	}
}

// WithCodec replaces the JSON codec.
func WithCodec(codec Codec) RouterOption {
	return func(r *Router) {
		if codec != nil {
			r.codec = codec
		}
	}
}

// NewRouter creates an empty router.
func NewRouter(options ...RouterOption) *Router {
	r := &Router{
		pending: make(map[string]chan *Response),
		codec:   JSONCodec{},
		logger:  slog.Default(),
		timeout: DefaultTimeout,
	}
	for _, opt := range options {
		opt(r)
	}
	return r
}

// Add registers handler under pattern, given in "key:value,..." notation.
func (r *Router) Add(pattern string, handler Handler) error {
	p, err := pin.Parse(pattern)
	if err != nil {
		return err
	}
	return r.AddPattern(p, handler)
}

// AddPattern registers handler under p.
func (r *Router) AddPattern(p pin.Pattern, handler Handler) error {
	if p.IsEmpty() {
		return ErrInvalidPattern
	}
	if handler == nil {
		return fmt.Errorf("dispatch: nil handler for %s", p)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes = append(r.routes, route{pattern: p, handler: handler})

	r.logger.Debug("registered handler", "pattern", p.String())
	return nil
}

// Pins returns the patterns of the local handlers in registration order.
func (r *Router) Pins() []pin.Pattern {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pins := make([]pin.Pattern, len(r.routes))
	for i, rt := range r.routes {
		pins[i] = rt.pattern
	}
	return pins
}

// MakeClient routes future calls matching any of pins through send.
func (r *Router) MakeClient(pins []pin.Pattern, send SendFunc) error {
	if send == nil {
		return fmt.Errorf("dispatch: nil send function")
	}
	if len(pins) == 0 {
		return fmt.Errorf("%w: client needs at least one pin", ErrInvalidPattern)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.remotes = append(r.remotes, remote{pins: append([]pin.Pattern(nil), pins...), send: send})

	r.logger.Debug("installed client", "pins", len(pins))
	return nil
}

// ParseJSON decodes data with the router's codec.
func (r *Router) ParseJSON(tag string, data []byte, v any) error {
	return r.codec.ParseJSON(tag, data, v)
}

// StringifyJSON encodes v with the router's codec.
func (r *Router) StringifyJSON(tag string, v any) ([]byte, error) {
	return r.codec.StringifyJSON(tag, v)
}

// Act performs a call and returns the JSON result. Client pins take
// precedence over local handlers; among candidates the pattern with the most
// keys wins.
func (r *Router) Act(ctx context.Context, args map[string]any) (json.RawMessage, error) {
	return r.call(ctx, args, false)
}

// Tell performs a call that expects no result.
func (r *Router) Tell(ctx context.Context, args map[string]any) error {
	_, err := r.call(ctx, args, true)
	return err
}

func (r *Router) call(ctx context.Context, args map[string]any, oneWay bool) (json.RawMessage, error) {
	if p, send, ok := r.findRemote(args); ok {
		return r.callRemote(ctx, p, send, args, oneWay)
	}
	if rt, ok := r.findRoute(args); ok {
		result, err := rt.handler(ctx, args)
		if err != nil || oneWay {
			return nil, err
		}
		return r.codec.StringifyJSON("result", result)
	}
	return nil, fmt.Errorf("%w: %v", ErrNoHandler, args)
}

func (r *Router) callRemote(ctx context.Context, p pin.Pattern, send SendFunc, args map[string]any, oneWay bool) (json.RawMessage, error) {
	req := &Request{
		ID:      uuid.NewString(),
		Pattern: p.String(),
		Args:    args,
		OneWay:  oneWay,
	}
	if oneWay {
		return nil, send(ctx, req)
	}

	wait := make(chan *Response, 1)
	r.mu.Lock()
	r.pending[req.ID] = wait
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.pending, req.ID)
		r.mu.Unlock()
	}()

	if err := send(ctx, req); err != nil {
		return nil, err
	}

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()

	select {
	case resp := <-wait:
		if resp.Error != "" {
			return nil, &RemoteError{Pattern: req.Pattern, Message: resp.Error}
		}
		return resp.Result, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w after %s: %s", ErrTimeout, r.timeout, req.Pattern)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// HandleRequest runs the local handler for req and reports the outcome
// through reply. One-way requests are answered with a nil response. It
// returns an error only for a request it cannot process at all.
func (r *Router) HandleRequest(ctx context.Context, req *Request, reply ReplyFunc) error {
	if req == nil || req.ID == "" {
		return ErrInvalidRequest
	}

	rt, ok := r.findRoute(req.Args)
	if !ok {
		r.logger.Warn("no handler for request", "id", req.ID, "pattern", req.Pattern)
		if req.OneWay {
			return reply(ctx, nil)
		}
		return reply(ctx, &Response{ID: req.ID, Error: fmt.Sprintf("no handler matches %v", req.Args)})
	}

	result, err := rt.handler(ctx, req.Args)
	if req.OneWay {
		if err != nil {
			r.logger.Error("one-way handler failed", "id", req.ID, "pattern", rt.pattern.String(), "error", err)
		}
		return reply(ctx, nil)
	}
	if err != nil {
		return reply(ctx, &Response{ID: req.ID, Error: err.Error()})
	}

	data, err := r.codec.StringifyJSON("result", result)
	if err != nil {
		return reply(ctx, &Response{ID: req.ID, Error: err.Error()})
	}
	return reply(ctx, &Response{ID: req.ID, Result: data})
}

// HandleResponse completes the pending call resp answers. Responses for
// unknown or finished calls are dropped.
func (r *Router) HandleResponse(_ context.Context, resp *Response) error {
	if resp == nil {
		return nil
	}

	r.mu.RLock()
	wait, ok := r.pending[resp.ID]
	r.mu.RUnlock()
	if !ok {
		r.logger.Debug("dropping response for unknown call", "id", resp.ID)
		return nil
	}

	select {
	case wait <- resp:
	default:
		r.logger.Debug("dropping duplicate response", "id", resp.ID)
	}
	return nil
}

func (r *Router) findRemote(args map[string]any) (pin.Pattern, SendFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var (
		best pin.Pattern
		send SendFunc
	)
	for _, rm := range r.remotes {
		for _, p := range rm.pins {
			if p.Matches(args) && (send == nil || p.Len() > best.Len()) {
				best, send = p, rm.send
			}
		}
	}
	return best, send, send != nil
}

func (r *Router) findRoute(args map[string]any) (route, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var (
		best  route
		found bool
	)
	for _, rt := range r.routes {
		if rt.pattern.Matches(args) && (!found || rt.pattern.Len() > best.pattern.Len()) {
			best, found = rt, true
		}
	}
	return best, found
}
