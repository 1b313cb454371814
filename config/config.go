// Package config holds the typed transport configuration shared by the
// client and listener actors, its defaults, and a JSON+environment loader.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/caarlos0/env/v11"

	"github.com/glimte/pinrpc/pin"
)

// Config is the complete transport configuration.
type Config struct {
	Connection Connection `json:"connection"`
	Exchange   Exchange   `json:"exchange"`
	Listen     Listen     `json:"listen"`
	Client     Client     `json:"client"`
	DeadLetter DeadLetter `json:"deadLetter"`
}

// Exchange describes the shared topic exchange.
type Exchange struct {
	Name    string        `env:"PINRPC_EXCHANGE_NAME" json:"name"`
	Type    string        `env:"PINRPC_EXCHANGE_TYPE" json:"type"`
	Options ExchangeFlags `json:"options"`
}

// ExchangeFlags are the declare-time flags of an exchange.
type ExchangeFlags struct {
	Durable    bool `json:"durable"`
	AutoDelete bool `json:"autoDelete"`
}

// ListenQueue controls listener queue naming and declaration.
type ListenQueue struct {
	Prefix    string     `json:"prefix"`
	Separator string     `json:"separator"`
	Canonical bool       `json:"canonical,omitempty"`
	Options   QueueFlags `json:"options"`
}

// QueueFlags are the declare-time flags of a queue.
type QueueFlags struct {
	Durable    bool `json:"durable"`
	AutoDelete bool `json:"autoDelete"`
	Exclusive  bool `json:"exclusive"`
}

// Listen configures the listener role.
type Listen struct {
	// Name overrides the queue name derived from Pins.
	Name    string        `env:"PINRPC_LISTEN_NAME" json:"name,omitempty"`
	Pins    []pin.Pattern `env:"PINRPC_LISTEN_PINS" envSeparator:";" json:"pins,omitempty"`
	Queues  ListenQueue   `json:"queues"`
	Channel ListenChannel `json:"channel"`
}

// ListenChannel is the listener's channel section.
type ListenChannel struct {
	Prefetch int `env:"PINRPC_LISTEN_PREFETCH" json:"prefetch"`
}

// Client configures the client role.
type Client struct {
	Pins    []pin.Pattern `env:"PINRPC_CLIENT_PINS" envSeparator:";" json:"pins,omitempty"`
	Queues  ClientQueue   `json:"queues"`
	Channel ClientChannel `json:"channel"`
}

// ClientQueue controls reply queue naming and declaration.
type ClientQueue struct {
	Prefix    string     `json:"prefix"`
	Separator string     `json:"separator"`
	ID        string     `env:"PINRPC_CLIENT_QUEUE_ID" json:"id,omitempty"`
	Options   QueueFlags `json:"options"`
}

// ClientChannel is the client's channel section.
type ClientChannel struct {
	Prefetch int `env:"PINRPC_CLIENT_PREFETCH" json:"prefetch"`
}

// DeadLetter configures the optional dead-letter exchange and queue.
type DeadLetter struct {
	Queue    DeadLetterQueue    `json:"queue"`
	Exchange DeadLetterExchange `json:"exchange"`
}

// DeadLetterQueue names the dead-letter queue.
type DeadLetterQueue struct {
	Name    string     `env:"PINRPC_DLQ_NAME" json:"name,omitempty"`
	Options QueueFlags `json:"options"`
}

// DeadLetterExchange names the dead-letter exchange.
type DeadLetterExchange struct {
	Name    string        `env:"PINRPC_DLX_NAME" json:"name,omitempty"`
	Type    string        `json:"type"`
	Options ExchangeFlags `json:"options"`
}

// Enabled reports whether both the dead-letter queue and exchange are named.
func (d DeadLetter) Enabled() bool {
	return d.Queue.Name != "" && d.Exchange.Name != ""
}

// Default returns the documented defaults.
func Default() Config {
	return Config{
		Connection: Connection{URL: DefaultURL},
		Exchange: Exchange{
			Name:    "seneca.topic",
			Type:    "topic",
			Options: ExchangeFlags{Durable: true, AutoDelete: false},
		},
		Listen: Listen{
			Queues: ListenQueue{
				Prefix:    "seneca",
				Separator: ".",
				Options:   QueueFlags{Durable: true},
			},
			Channel: ListenChannel{Prefetch: 1},
		},
		Client: Client{
			Queues: ClientQueue{
				Prefix:    "seneca",
				Separator: ".",
				Options:   QueueFlags{AutoDelete: true, Exclusive: true},
			},
			Channel: ClientChannel{Prefetch: 1},
		},
		DeadLetter: DeadLetter{
			Queue:    DeadLetterQueue{Options: QueueFlags{Durable: true}},
			Exchange: DeadLetterExchange{Type: "topic", Options: ExchangeFlags{Durable: true}},
		},
	}
}

var (
	// ErrInvalid is wrapped by every validation failure
	ErrInvalid = errors.New("config: invalid configuration")
)

var exchangeTypes = map[string]struct{}{
	"direct":  {},
	"topic":   {},
	"fanout":  {},
	"headers": {},
}

// Validate checks the configuration once, before any actor is built.
func (c Config) Validate() error {
	if c.Exchange.Name == "" {
		return fmt.Errorf("%w: exchange name is required", ErrInvalid)
	}
	if _, ok := exchangeTypes[c.Exchange.Type]; !ok {
		return fmt.Errorf("%w: unknown exchange type %q", ErrInvalid, c.Exchange.Type)
	}
	if c.Listen.Channel.Prefetch < 0 || c.Client.Channel.Prefetch < 0 {
		return fmt.Errorf("%w: prefetch must not be negative", ErrInvalid)
	}
	if c.DeadLetter.Enabled() {
		if _, ok := exchangeTypes[c.DeadLetter.Exchange.Type]; !ok {
			return fmt.Errorf("%w: unknown dead-letter exchange type %q", ErrInvalid, c.DeadLetter.Exchange.Type)
		}
	}
	if _, err := c.Connection.FormatURL(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// Clone returns a deep copy of c.
func (c Config) Clone() Config {
	out := c
	out.Listen.Pins = append([]pin.Pattern(nil), c.Listen.Pins...)
	out.Client.Pins = append([]pin.Pattern(nil), c.Client.Pins...)
	return out
}

// Load reads a JSON file onto the defaults, applies PINRPC_* environment
// overrides and validates the result. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := json.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
			}
		case !os.IsNotExist(err):
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
