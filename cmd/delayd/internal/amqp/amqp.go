// Package amqp connects a delay endpoint to RabbitMQ: a Consumer feeds
// deliveries from the input queue into the endpoint and a Publisher is the
// endpoint's downstream channel.
package amqp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/streadway/amqp"
	"golang.org/x/sync/errgroup"

	"github.com/xraph/delay"
	"github.com/xraph/delay/endpoint"
	"github.com/xraph/delay/id"
	"github.com/xraph/delay/message"
)

// Client holds an AMQP connection and a channel on it.
type Client struct {
	conn    *amqp.Connection
	channel *amqp.Channel
}

// Dial connects to url and opens a channel with the given prefetch count.
func Dial(url string, prefetch int) (*Client, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp: dial: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp: open channel: %w", err)
	}

	if prefetch > 0 {
		if err := channel.Qos(prefetch, 0, false); err != nil {
			_ = channel.Close()
			_ = conn.Close()
			return nil, fmt.Errorf("amqp: qos: %w", err)
		}
	}

	return &Client{conn: conn, channel: channel}, nil
}

// Channel returns the underlying AMQP channel.
func (c *Client) Channel() *amqp.Channel { return c.channel }

// DeclareQueue declares a durable queue.
func (c *Client) DeclareQueue(name string) (amqp.Queue, error) {
	return c.channel.QueueDeclare(name, true, false, false, false, nil)
}

// Close closes the channel and connection.
func (c *Client) Close() error {
	if c.channel != nil {
		if err := c.channel.Close(); err != nil {
			return err
		}
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// Publisher publishes released messages. It implements message.Sender.
type Publisher struct {
	channel    *amqp.Channel
	exchange   string
	routingKey string

	mu sync.Mutex
}

var _ message.Sender = (*Publisher)(nil)

// NewPublisher creates a Publisher sending to exchange with routingKey.
// An empty exchange with a queue name as routing key targets that queue.
func NewPublisher(c *Client, exchange, routingKey string) *Publisher {
	return &Publisher{channel: c.channel, exchange: exchange, routingKey: routingKey}
}

// Send publishes m as a persistent delivery.
func (p *Publisher) Send(ctx context.Context, m *message.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.channel.Publish(p.exchange, p.routingKey, false, false, toPublishing(m)); err != nil {
		return fmt.Errorf("amqp: publish: %w", err)
	}
	return nil
}

// Consumer feeds deliveries of a queue into a delay endpoint.
type Consumer struct {
	client  *Client
	queue   string
	tag     string
	handler message.Sender
	limit   int
	logger  *slog.Logger
}

// NewConsumer creates a Consumer. limit bounds concurrently handled
// deliveries; zero means 50.
func NewConsumer(c *Client, queue, tag string, handler message.Sender, limit int, logger *slog.Logger) *Consumer {
	if limit <= 0 {
		limit = 50
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{client: c, queue: queue, tag: tag, handler: handler, limit: limit, logger: logger}
}

// Run consumes until ctx is cancelled, the delivery channel closes or the
// handler reports that it stopped. It waits for in-flight deliveries.
func (c *Consumer) Run(ctx context.Context) error {
	if _, err := c.client.DeclareQueue(c.queue); err != nil {
		return fmt.Errorf("amqp: declare queue %q: %w", c.queue, err)
	}
	msgs, err := c.client.channel.Consume(c.queue, c.tag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("amqp: consume %q: %w", c.queue, err)
	}

	c.logger.Info("consumer started", slog.String("queue", c.queue), slog.String("consumer_tag", c.tag))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.limit)

loop:
	for {
		select {
		case <-gctx.Done():
			break loop
		case d, ok := <-msgs:
			if !ok {
				c.logger.Info("delivery channel closed", slog.String("queue", c.queue))
				break loop
			}
			g.Go(func() error { return c.process(gctx, d) })
		}
	}

	if err := c.client.channel.Cancel(c.tag, false); err != nil {
		c.logger.Warn("consumer cancel failed", slog.String("error", err.Error()))
	}
	err = g.Wait()
	if endpoint.IsStopped(err) {
		return nil
	}
	return err
}

// process hands one delivery to the endpoint and settles it. Only a
// stopped endpoint aborts the consumer; other failures settle the delivery.
func (c *Consumer) process(ctx context.Context, d amqp.Delivery) error {
	m := fromDelivery(d)
	err := c.handler.Send(ctx, m)

	switch {
	case err == nil:
		if ackErr := d.Ack(false); ackErr != nil {
			c.logger.Error("ack failed", slog.String("message_id", m.ID().String()), slog.String("error", ackErr.Error()))
		}
		return nil

	case endpoint.IsStopped(err):
		_ = d.Nack(false, true)
		return err

	case errors.Is(err, delay.ErrEvaluation):
		// Redelivery would fail the same way.
		c.logger.Warn("delivery rejected",
			slog.String("message_id", m.ID().String()),
			slog.String("error", err.Error()),
		)
		_ = d.Nack(false, false)
		return nil

	default:
		c.logger.Error("delivery requeued",
			slog.String("message_id", m.ID().String()),
			slog.String("error", err.Error()),
		)
		_ = d.Nack(false, true)
		return nil
	}
}

// fromDelivery converts a delivery to a message. The delivery's message id
// is kept when it is a valid message id so redeliveries stay idempotent.
func fromDelivery(d amqp.Delivery) *message.Message {
	headers := make(map[string]string, len(d.Headers))
	for k, v := range d.Headers {
		headers[k] = fmt.Sprint(v)
	}

	opts := []message.Option{message.WithHeaders(headers)}
	if mid, err := id.ParseMessageID(d.MessageId); err == nil {
		opts = append(opts, message.WithID(mid))
	}
	return message.New(d.Body, opts...)
}

func toPublishing(m *message.Message) amqp.Publishing {
	headers := amqp.Table{}
	for k, v := range m.Headers() {
		headers[k] = v
	}
	return amqp.Publishing{
		Headers:      headers,
		MessageId:    m.ID().String(),
		Timestamp:    m.Timestamp(),
		DeliveryMode: amqp.Persistent,
		Body:         m.Payload(),
	}
}
