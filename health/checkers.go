package health

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/glimte/pinrpc"
)

// Actor is the view of a Client or Listener that ActorChecker needs.
type Actor interface {
	State() pinrpc.State
	Queue() string
}

// ActorChecker reports a Client or Listener healthy only while it is ready.
// A created actor is degraded, a closed one unhealthy.
type ActorChecker struct {
	name  string
	actor Actor
}

// NewActorChecker creates a checker for actor.
func NewActorChecker(name string, actor Actor) *ActorChecker {
	return &ActorChecker{name: name, actor: actor}
}

func (c *ActorChecker) Name() string { return c.name }

func (c *ActorChecker) Check(context.Context) CheckResult {
	start := time.Now()
	state := c.actor.State()
	result := CheckResult{
		Name:      c.name,
		Timestamp: start,
		Details: map[string]any{
			"state": string(state),
			"queue": c.actor.Queue(),
		},
	}

	switch state {
	case pinrpc.StateReady:
		result.Status = StatusHealthy
		result.Message = "serving"
	case pinrpc.StateCreated:
		result.Status = StatusDegraded
		result.Message = "not started"
	default:
		result.Status = StatusUnhealthy
		result.Message = "closed"
	}
	result.Duration = time.Since(start)
	return result
}

// RuntimeChecker watches the goroutine count.
type RuntimeChecker struct {
	warn     int
	critical int
}

// NewRuntimeChecker creates a checker that degrades above warn goroutines
// and fails above critical.
func NewRuntimeChecker(warn, critical int) *RuntimeChecker {
	return &RuntimeChecker{warn: warn, critical: critical}
}

func (c *RuntimeChecker) Name() string { return "runtime" }

func (c *RuntimeChecker) Check(context.Context) CheckResult {
	start := time.Now()
	n := runtime.NumGoroutine()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   map[string]any{"goroutines": n},
	}

	switch {
	case n > c.critical:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("too many goroutines: %d", n)
	case n > c.warn:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("high goroutine count: %d", n)
	default:
		result.Status = StatusHealthy
	}
	result.Duration = time.Since(start)
	return result
}
