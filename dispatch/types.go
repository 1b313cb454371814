// Package dispatch is a small pattern-matching action router. Handlers are
// registered under pin patterns; calls whose arguments match a pattern run
// the most specific handler locally, or travel through a client installed
// with MakeClient and come back as correlated responses.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrNoHandler is returned when no local route or client matches a call.
	ErrNoHandler = errors.New("dispatch: no handler matches")
	// ErrTimeout is returned when a remote call gets no response in time.
	ErrTimeout = errors.New("dispatch: call timed out")
	// ErrInvalidRequest is returned for a request without an id.
	ErrInvalidRequest = errors.New("dispatch: invalid request")
	// ErrInvalidPattern is returned when registering an empty pattern.
	ErrInvalidPattern = errors.New("dispatch: invalid pattern")
)

// Request is the envelope a client sends for one call.
type Request struct {
	ID      string         `json:"id"`
	Pattern string         `json:"pattern,omitempty"`
	Args    map[string]any `json:"args"`
	OneWay  bool           `json:"oneWay,omitempty"`
}

// Response is the envelope a listener sends back.
type Response struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// RemoteError carries a failure reported by the remote handler.
type RemoteError struct {
	Pattern string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("dispatch: remote %s: %s", e.Pattern, e.Message)
}

// Handler serves one call. A nil result is encoded as JSON null.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// SendFunc publishes a request on behalf of the router.
type SendFunc func(ctx context.Context, req *Request) error

// ReplyFunc returns a response to the caller. A nil response means the call
// expects no reply.
type ReplyFunc func(ctx context.Context, resp *Response) error
