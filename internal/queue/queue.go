// Package queue wraps RabbitMQ for the single-producer/multi-consumer
// "judger" work queue: the dispatcher publishes 4-byte native-endian
// job ids, and judger worker processes consume them with prefetch 1
// and explicit ack/nack, per the external wire format.
package queue

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"judgeservice/internal/models"
)

const eventsExchange = "judger.events"

// jobsExchange is the single direct exchange the judger queue hangs
// off of: a direct exchange with routing key judger<producer-pid>.
const jobsExchange = "judger.jobs"

// Client owns the AMQP connection/channel pair backing the judger
// queue and the ancillary lifecycle-events exchange.
type Client struct {
	url           string
	queueName     string
	prefetchCount int

	conn    *amqp.Connection
	channel *amqp.Channel
	queue   amqp.Queue
}

// Dial connects, opens a channel, sets QoS, declares the judger queue,
// the topic events exchange and the direct jobs exchange, and binds
// the judger queue to the jobs exchange under this process's key.
func Dial(url, queueName string, prefetchCount int) (*Client, error) {
	c := &Client{url: url, queueName: queueName, prefetchCount: prefetchCount}
	if err := c.connect(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) connect() error {
	conn, err := amqp.Dial(c.url)
	if err != nil {
		return fmt.Errorf("queue: dialing rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("queue: opening channel: %w", err)
	}

	if err := ch.Qos(c.prefetchCount, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("queue: setting qos: %w", err)
	}

	q, err := ch.QueueDeclare(c.queueName, true, false, false, false, nil)
	if err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("queue: declaring %s: %w", c.queueName, err)
	}

	if err := ch.ExchangeDeclare(eventsExchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("queue: declaring events exchange: %w", err)
	}

	if err := ch.ExchangeDeclare(jobsExchange, "direct", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("queue: declaring jobs exchange: %w", err)
	}

	// Bind the judger queue to this connection's own producer routing
	// key. Every process that may publish a job binds its own key this
	// way, so the single judger queue accumulates a binding per
	// producer pid without requiring a topic/wildcard exchange.
	if err := ch.QueueBind(q.Name, RoutingKey(), jobsExchange, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("queue: binding %s to %s: %w", q.Name, jobsExchange, err)
	}

	c.conn, c.channel, c.queue = conn, ch, q
	return nil
}

func (c *Client) Close() error {
	if c.channel != nil {
		c.channel.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
	return nil
}

// EncodeJobID packs a job id as a 4-byte native-endian int32, the
// exact body format carried by the judger queue.
func EncodeJobID(id uint32) []byte {
	buf := make([]byte, 4)
	binary.NativeEndian.PutUint32(buf, id)
	return buf
}

// DecodeJobID is the inverse of EncodeJobID.
func DecodeJobID(body []byte) (uint32, error) {
	if len(body) != 4 {
		return 0, fmt.Errorf("queue: job id body has %d bytes, want 4", len(body))
	}
	return binary.NativeEndian.Uint32(body), nil
}

// PublishJob enqueues a job id onto the judger queue. This is the
// dispatcher's sole responsibility; workers never re-publish.
func (c *Client) PublishJob(ctx context.Context, routingKey string, jobID uint32) error {
	err := c.channel.PublishWithContext(ctx, jobsExchange, routingKey, false, false, amqp.Publishing{
		ContentType: "application/octet-stream",
		Body:        EncodeJobID(jobID),
		Timestamp:   time.Now(),
	})
	if err != nil {
		return fmt.Errorf("queue: publishing job %d: %w", jobID, err)
	}
	return nil
}

// RoutingKey returns this process's producer routing key, judger<pid>.
func RoutingKey() string {
	return fmt.Sprintf("judger%d", os.Getpid())
}

// Consume registers an explicit-ack consumer over the judger queue.
func (c *Client) Consume(ctx context.Context, consumerTag string) (<-chan amqp.Delivery, error) {
	deliveries, err := c.channel.ConsumeWithContext(ctx, c.queueName, consumerTag, false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("queue: registering consumer: %w", err)
	}
	return deliveries, nil
}

func Ack(d amqp.Delivery) error  { return d.Ack(false) }
func Nack(d amqp.Delivery, requeue bool) error { return d.Nack(false, requeue) }

// PublishEvent fans a job lifecycle notification out over the events
// exchange; failures here are logged, never fatal to the caller.
func (c *Client) PublishEvent(ctx context.Context, event models.EventMessage) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("queue: marshaling event: %w", err)
	}
	routingKey := fmt.Sprintf("job.%s", event.EventType)
	err = c.channel.PublishWithContext(ctx, eventsExchange, routingKey, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
		Timestamp:   event.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("queue: publishing event %s: %w", event.EventType, err)
	}
	return nil
}

func (c *Client) QueueDepth() (int, error) {
	q, err := c.channel.QueueDeclarePassive(c.queueName, true, false, false, false, nil)
	if err != nil {
		return 0, fmt.Errorf("queue: inspecting %s: %w", c.queueName, err)
	}
	return q.Messages, nil
}

func (c *Client) IsHealthy() bool {
	return c.conn != nil && !c.conn.IsClosed() && c.channel != nil && !c.channel.IsClosed()
}

// StartHeartbeat mirrors the teacher's reconnect loop: every interval,
// if the connection dropped, reconnect.
func (c *Client) StartHeartbeat(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !c.IsHealthy() {
					log.Printf("queue: connection lost, reconnecting")
					if err := c.connect(); err != nil {
						log.Printf("queue: reconnect failed: %v", err)
					}
				}
			}
		}
	}()
}
