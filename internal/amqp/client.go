package amqp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rabbitmq/amqp091-go"

	"feeledger/internal/progress"
)

// Circuit breaker states
const (
	StateClosed int32 = iota
	StateOpen
	StateHalfOpen
)

const (
	maxFailures    = 5
	openTimeout    = 30 * time.Second
	maxBackoff     = 30 * time.Second
	publishTimeout = 5 * time.Second
)

// Client publishes bulk dues jobs and progress events on a direct exchange
// and consumes jobs with manual acknowledgement.
type Client struct {
	url           string
	exchangeName  string
	queueName     string
	progressQueue string

	mu      sync.Mutex
	conn    *amqp091.Connection
	channel *amqp091.Channel

	state        int32
	failureCount int64
	failMu       sync.Mutex
	lastFailure  time.Time
}

func NewClient(url, exchangeName, queueName, progressQueue string) (*Client, error) {
	c := &Client{
		url:           url,
		exchangeName:  exchangeName,
		queueName:     queueName,
		progressQueue: progressQueue,
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.connectLocked(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) connectLocked() error {
	conn, err := amqp091.Dial(c.url)
	if err != nil {
		return fmt.Errorf("dial AMQP: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}
	if err := c.setup(ch); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("setup exchange and queues: %w", err)
	}
	c.conn, c.channel = conn, ch
	return nil
}

func (c *Client) setup(ch *amqp091.Channel) error {
	if err := ch.ExchangeDeclare(
		c.exchangeName, // name
		"direct",       // type
		true,           // durable
		false,          // auto-deleted
		false,          // internal
		false,          // no-wait
		nil,            // arguments
	); err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}

	for _, q := range []string{c.queueName, c.progressQueue} {
		if q == "" {
			continue
		}
		if _, err := ch.QueueDeclare(
			q,     // name
			true,  // durable
			false, // delete when unused
			false, // exclusive
			false, // no-wait
			nil,   // arguments
		); err != nil {
			return fmt.Errorf("declare queue %s: %w", q, err)
		}
		// routing key is the queue name
		if err := ch.QueueBind(q, q, c.exchangeName, false, nil); err != nil {
			return fmt.Errorf("bind queue %s: %w", q, err)
		}
	}
	return nil
}

// ensureChannel reconnects when the connection was lost. Caller holds mu.
func (c *Client) ensureChannel() (*amqp091.Channel, error) {
	if c.conn != nil && !c.conn.IsClosed() && c.channel != nil && !c.channel.IsClosed() {
		return c.channel, nil
	}
	if c.channel != nil {
		c.channel.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
	c.conn, c.channel = nil, nil
	if err := c.connectLocked(); err != nil {
		return nil, err
	}
	return c.channel, nil
}

func (c *Client) isCircuitOpen() bool {
	if atomic.LoadInt32(&c.state) != StateOpen {
		return false
	}
	c.failMu.Lock()
	last := c.lastFailure
	c.failMu.Unlock()
	if time.Since(last) > openTimeout {
		atomic.CompareAndSwapInt32(&c.state, StateOpen, StateHalfOpen)
		return false
	}
	return true
}

func (c *Client) recordSuccess() {
	atomic.StoreInt64(&c.failureCount, 0)
	atomic.StoreInt32(&c.state, StateClosed)
}

func (c *Client) recordFailure() {
	n := atomic.AddInt64(&c.failureCount, 1)
	c.failMu.Lock()
	c.lastFailure = time.Now()
	c.failMu.Unlock()
	if n >= maxFailures || atomic.LoadInt32(&c.state) == StateHalfOpen {
		atomic.StoreInt32(&c.state, StateOpen)
	}
}

func (c *Client) publish(ctx context.Context, routingKey string, body []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.isCircuitOpen() {
		return errors.New("publish: circuit breaker is open")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	ch, err := c.ensureChannel()
	if err != nil {
		c.recordFailure()
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	err = ch.PublishWithContext(ctx,
		c.exchangeName, // exchange
		routingKey,     // routing key
		false,          // mandatory
		false,          // immediate
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
	if err != nil {
		c.recordFailure()
		return fmt.Errorf("publish message: %w", err)
	}
	c.recordSuccess()
	return nil
}

// PublishJob enqueues a bulk dues job.
func (c *Client) PublishJob(ctx context.Context, job *BulkDuesJob) error {
	body, err := job.ToJSON()
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := c.publish(ctx, c.queueName, body); err != nil {
		return err
	}
	slog.InfoContext(ctx, "Published bulk dues job",
		"component", "amqp",
		"job_id", job.JobID,
		"mode", job.Mode,
		"queue", c.queueName)
	return nil
}

// Notify publishes ev on the progress queue.
func (c *Client) Notify(ctx context.Context, ev progress.Event) error {
	if c.progressQueue == "" {
		return nil
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal progress event: %w", err)
	}
	return c.publish(ctx, c.progressQueue, body)
}

// ConsumeJobs delivers jobs to handler until ctx is done, reconnecting with
// exponential backoff when the broker connection drops. A malformed message
// or a permanent handler error is dropped; any other error requeues.
func (c *Client) ConsumeJobs(ctx context.Context, handler func(context.Context, *BulkDuesJob) error) error {
	// one job at a time per worker
	return c.consume(ctx, c.queueName, 1, func(d amqp091.Delivery) {
		c.handleDelivery(ctx, d, handler)
	})
}

// ConsumeProgress forwards events from the progress queue to n until ctx is
// done. Events are acknowledged even when n fails; progress is advisory.
func (c *Client) ConsumeProgress(ctx context.Context, n progress.Notifier) error {
	if c.progressQueue == "" {
		return errors.New("no progress queue configured")
	}
	return c.consume(ctx, c.progressQueue, 50, func(d amqp091.Delivery) {
		var ev progress.Event
		if err := json.Unmarshal(d.Body, &ev); err != nil {
			slog.ErrorContext(ctx, "Dropping malformed progress event", "component", "amqp", "error", err)
			_ = d.Nack(false, false)
			return
		}
		if err := n.Notify(ctx, ev); err != nil {
			slog.WarnContext(ctx, "Progress notifier failed",
				"component", "amqp", "batch_id", ev.BatchID, "error", err)
		}
		_ = d.Ack(false)
	})
}

func (c *Client) consume(ctx context.Context, queue string, prefetch int, deliver func(amqp091.Delivery)) error {
	attempt := 0
	for {
		err := c.consumeOnce(ctx, queue, prefetch, deliver, func() { attempt = 0 })
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !isConnectionError(err) {
			return err
		}
		wait := exponentialBackoff(attempt)
		attempt++
		slog.WarnContext(ctx, "AMQP connection lost, reconnecting",
			"component", "amqp", "queue", queue, "error", err, "backoff", wait)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (c *Client) consumeOnce(ctx context.Context, queue string, prefetch int, deliver func(amqp091.Delivery), connected func()) error {
	c.mu.Lock()
	ch, err := c.ensureChannel()
	if err == nil {
		err = ch.Qos(prefetch, 0, false)
	}
	var msgs <-chan amqp091.Delivery
	if err == nil {
		msgs, err = ch.Consume(
			queue, // queue
			"",    // consumer
			false, // auto-ack
			false, // exclusive
			false, // no-local
			false, // no-wait
			nil,   // args
		)
	}
	c.mu.Unlock()
	if err != nil {
		return fmt.Errorf("start consuming: %w", err)
	}
	connected()
	slog.InfoContext(ctx, "Consuming messages", "component", "amqp", "queue", queue)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-msgs:
			if !ok {
				return errors.New("message channel closed")
			}
			deliver(d)
		}
	}
}

func (c *Client) handleDelivery(ctx context.Context, d amqp091.Delivery, handler func(context.Context, *BulkDuesJob) error) {
	job, err := BulkDuesJobFromJSON(d.Body)
	if err == nil {
		err = job.Validate()
	}
	if err != nil {
		slog.ErrorContext(ctx, "Dropping malformed job", "component", "amqp", "error", err)
		_ = d.Nack(false, false)
		return
	}

	if err := handler(WithRedelivered(ctx, d.Redelivered), job); err != nil {
		requeue := !IsPermanent(err) && !d.Redelivered
		slog.ErrorContext(ctx, "Failed to handle job",
			"component", "amqp",
			"job_id", job.JobID,
			"requeue", requeue,
			"error", err)
		_ = d.Nack(false, requeue)
		return
	}
	_ = d.Ack(false)
}

// Ping reports whether the broker connection is open.
func (c *Client) Ping(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || c.conn.IsClosed() {
		return amqp091.ErrClosed
	}
	return nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.channel != nil {
		c.channel.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

func exponentialBackoff(attempt int) time.Duration {
	if attempt > 5 {
		return maxBackoff
	}
	d := time.Second << uint(attempt)
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, amqp091.ErrClosed) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"connection", "eof", "broken pipe", "channel closed"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
