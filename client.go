// Copyright 2024 Pinrpc Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package pinrpc

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/pinrpc/config"
	"github.com/glimte/pinrpc/dispatch"
	"github.com/glimte/pinrpc/internal/rabbitmq"
	"github.com/glimte/pinrpc/pin"
	"github.com/glimte/pinrpc/topic"
)

// Client publishes calls for its pins to the shared exchange and routes the
// correlated replies back to the dispatcher.
type Client struct {
	*hook
	d         Dispatcher
	pins      []pin.Pattern
	queue         string
	exchange      string
	correlationID string
	publisher     *rabbitmq.Publisher
}

// NewClient creates a client actor. The configuration is validated here;
// nothing touches the broker until Start.
func NewClient(d Dispatcher, cfg config.Config, options ...Option) (*Client, error) {
	if d == nil {
		return nil, ErrNilDispatcher
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(cfg.Client.Pins) == 0 {
		return nil, fmt.Errorf("%w: client", ErrNoPins)
	}

	cfg = cfg.Clone()
	return &Client{
		hook:          newHook("client", cfg, newOptions(options)),
		d:             d,
		pins:          cfg.Client.Pins,
		exchange:      cfg.Exchange.Name,
		correlationID: uuid.NewString(),
		queue: topic.ResolveClientQueue(topic.ClientQueueOptions{
			ID:        cfg.Client.Queues.ID,
			Prefix:    cfg.Client.Queues.Prefix,
			Separator: cfg.Client.Queues.Separator,
		}),
	}, nil
}

// Queue returns the reply queue name.
func (c *Client) Queue() string { return c.queue }

// CorrelationID returns the id every request of this client carries.
func (c *Client) CorrelationID() string { return c.correlationID }

// Start connects, declares the reply queue, begins consuming replies and
// installs the client in the dispatcher. Any failure closes the client.
func (c *Client) Start(ctx context.Context) error {
	if err := c.begin(); err != nil {
		return err
	}
	if err := c.start(ctx); err != nil {
		_ = c.Close()
		return err
	}
	c.ready()
	c.logger.Info("client ready",
		"queue", c.queue,
		"exchange", c.exchange,
		"pins", len(c.pins),
		"correlationId", c.correlationID)
	return nil
}

func (c *Client) start(ctx context.Context) error {
	handle, err := c.open(ctx, c.cfg.Client.Channel.Prefetch)
	if err != nil {
		return err
	}

	flags := c.cfg.Client.Queues.Options
	if _, err := handle.Topology().DeclareQueue(ctx, rabbitmq.QueueDeclaration{
		Name:       c.queue,
		Durable:    flags.Durable,
		AutoDelete: flags.AutoDelete,
		Exclusive:  flags.Exclusive,
	}); err != nil {
		return err
	}

	c.publisher = rabbitmq.NewPublisher(handle.Channel(),
		rabbitmq.WithReplyQueue(c.queue),
		rabbitmq.WithCorrelationID(c.correlationID),
		rabbitmq.WithReplyHandler(c.consumeReply),
		rabbitmq.WithPublisherLogger(c.logger),
	)
	// Replies are consumed for the client's lifetime, not the Start call's.
	if err := c.publisher.AwaitReply(c.ctx); err != nil {
		return err
	}

	return c.d.MakeClient(c.pins, c.send)
}

// send is the dispatcher's outbound path for one call.
func (c *Client) send(ctx context.Context, req *dispatch.Request) error {
	if err := c.usable(); err != nil {
		return err
	}

	routingKey, err := topic.ResolveClientTopic(req.Pattern, req.Args)
	if err != nil {
		return err
	}
	if routingKey == "" {
		return fmt.Errorf("%w: %q", ErrNoTopic, req.Pattern)
	}

	body, err := c.d.StringifyJSON("client-request", req)
	if err != nil {
		return err
	}

	return c.publisher.Publish(ctx, body, c.exchange, routingKey, amqp.Publishing{})
}

// consumeReply receives replies that carry this client's correlation id.
// An empty body is passed on as no response.
func (c *Client) consumeReply(ctx context.Context, body []byte) {
	var resp *dispatch.Response
	if body != nil {
		resp = &dispatch.Response{}
		if err := c.d.ParseJSON("client-reply", body, resp); err != nil {
			c.logger.Error("failed to parse reply", "error", err, "queue", c.queue)
			return
		}
	}
	if err := c.d.HandleResponse(ctx, resp); err != nil {
		c.logger.Error("failed to handle reply", "error", err, "queue", c.queue)
	}
}
