package pinrpc

import "errors"

var (
	// ErrClosed is returned by an actor after Close.
	ErrClosed = errors.New("pinrpc: actor closed")
	// ErrAlreadyStarted is returned when Start or Listen is called twice.
	ErrAlreadyStarted = errors.New("pinrpc: actor already started")
	// ErrNoPins is returned when an actor has no patterns to serve or call.
	ErrNoPins = errors.New("pinrpc: no pins configured")
	// ErrNoTopic is returned when a pattern resolves to an empty routing key.
	ErrNoTopic = errors.New("pinrpc: pattern resolves to no topic")
	// ErrNilDispatcher is returned by constructors given a nil dispatcher.
	ErrNilDispatcher = errors.New("pinrpc: nil dispatcher")
)
