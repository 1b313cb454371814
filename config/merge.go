package config

import "github.com/glimte/pinrpc/pin"

// Overlay changes one aspect of a Config.
type Overlay func(*Config)

// Merge copies base and applies overlays in order. base is never modified,
// so Merge(Default(), global..., call...) can be evaluated per actor.
func Merge(base Config, overlays ...Overlay) Config {
	out := base.Clone()
	for _, o := range overlays {
		if o != nil {
			o(&out)
		}
	}
	return out
}

// WithURL sets the broker URL.
func WithURL(url string) Overlay {
	return func(c *Config) {
		c.Connection.URL = url
	}
}

// WithExchange sets the shared exchange name and type.
func WithExchange(name, kind string) Overlay {
	return func(c *Config) {
		c.Exchange.Name = name
		if kind != "" {
			c.Exchange.Type = kind
		}
	}
}

// WithListenPins replaces the listener pins.
func WithListenPins(pins ...pin.Pattern) Overlay {
	return func(c *Config) {
		c.Listen.Pins = append([]pin.Pattern(nil), pins...)
	}
}

// WithListenQueueName fixes the listener queue name.
func WithListenQueueName(name string) Overlay {
	return func(c *Config) {
		c.Listen.Name = name
	}
}

// WithListenPrefetch sets the listener channel prefetch.
func WithListenPrefetch(n int) Overlay {
	return func(c *Config) {
		c.Listen.Channel.Prefetch = n
	}
}

// WithClientPins replaces the client pins.
func WithClientPins(pins ...pin.Pattern) Overlay {
	return func(c *Config) {
		c.Client.Pins = append([]pin.Pattern(nil), pins...)
	}
}

// WithClientQueueID fixes the client reply queue id.
func WithClientQueueID(id string) Overlay {
	return func(c *Config) {
		c.Client.Queues.ID = id
	}
}

// WithDeadLetter enables dead-lettering into queue via exchange.
func WithDeadLetter(queue, exchange string) Overlay {
	return func(c *Config) {
		c.DeadLetter.Queue.Name = queue
		c.DeadLetter.Exchange.Name = exchange
	}
}
