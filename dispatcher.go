package pinrpc

import (
	"context"

	"github.com/glimte/pinrpc/dispatch"
	"github.com/glimte/pinrpc/pin"
)

// Dispatcher is the action framework the actors serve. *dispatch.Router
// implements it.
type Dispatcher interface {
	// MakeClient routes future calls matching pins through send.
	MakeClient(pins []pin.Pattern, send dispatch.SendFunc) error
	// HandleRequest runs the handler for req and answers through reply.
	HandleRequest(ctx context.Context, req *dispatch.Request, reply dispatch.ReplyFunc) error
	// HandleResponse hands a reply back to the waiting call.
	HandleResponse(ctx context.Context, resp *dispatch.Response) error

	ParseJSON(tag string, data []byte, v any) error
	StringifyJSON(tag string, v any) ([]byte, error)
}

// PinResolver is implemented by dispatchers that can list the patterns they
// serve. A Listener without configured pins asks it.
type PinResolver interface {
	Pins() []pin.Pattern
}

var (
	_ Dispatcher  = (*dispatch.Router)(nil)
	_ PinResolver = (*dispatch.Router)(nil)
)
