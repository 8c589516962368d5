package mbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/audiocast/stream-api/errors"
	"github.com/audiocast/stream-api/log"
	"github.com/audiocast/stream-api/metrics"
)

const attemptHeader = "x-attempt"

// Broker maintains one AMQP connection, declares the topology on
// connect, and reconnects with exponential backoff when the connection
// drops.
type Broker struct {
	url        string
	messageTTL time.Duration
	bitrates   []int

	mu   sync.Mutex
	conn *amqp.Connection
}

type BrokerConfig struct {
	URL        string
	MessageTTL time.Duration
	Bitrates   []int
}

func NewBroker(ctx context.Context, cfg BrokerConfig) (*Broker, error) {
	b := &Broker{
		url:        cfg.URL,
		messageTTL: cfg.MessageTTL,
		bitrates:   cfg.Bitrates,
	}
	if err := b.connect(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Broker) connect(ctx context.Context) error {
	operation := func() error {
		conn, err := amqp.Dial(b.url)
		if err != nil {
			return fmt.Errorf("error dialing broker: %w", err)
		}
		ch, err := conn.Channel()
		if err != nil {
			conn.Close()
			return fmt.Errorf("error opening channel: %w", err)
		}
		defer ch.Close()
		if err := declareTopology(ch, b.messageTTL, b.bitrates); err != nil {
			conn.Close()
			return err
		}

		b.mu.Lock()
		b.conn = conn
		b.mu.Unlock()

		go b.watch(ctx, conn)
		return nil
	}

	backOff := backoff.NewExponentialBackOff()
	backOff.InitialInterval = 5 * time.Second
	backOff.MaxInterval = 5 * time.Minute
	backOff.MaxElapsedTime = 0
	return backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(backOff, 10), ctx))
}

// watch reconnects when the connection closes for any reason other than
// shutdown.
func (b *Broker) watch(ctx context.Context, conn *amqp.Connection) {
	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	select {
	case <-ctx.Done():
		return
	case err := <-closed:
		if err == nil {
			return
		}
		log.LogNoRequestID("broker connection lost, reconnecting", "err", err)
		metrics.Metrics.BrokerReconnects.Inc()
		if rerr := b.connect(ctx); rerr != nil {
			log.LogNoRequestID("broker reconnect failed", "err", rerr)
		}
	}
}

func (b *Broker) channel() (*amqp.Channel, error) {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil || conn.IsClosed() {
		return nil, fmt.Errorf("broker connection is not open")
	}
	return conn.Channel()
}

// Healthy reports whether the broker connection is currently open.
// Advisory only: the streaming read path does not depend on the broker.
func (b *Broker) Healthy() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn != nil && !b.conn.IsClosed()
}

func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		return nil
	}
	return b.conn.Close()
}

// PublishJSON publishes a persistent JSON message. An empty exchange
// routes directly to the queue named by routingKey.
func (b *Broker) PublishJSON(ctx context.Context, exchange, routingKey, messageID string, priority uint8, headers amqp.Table, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("error marshalling message %s: %w", messageID, err)
	}
	ch, err := b.channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	return ch.PublishWithContext(ctx, exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    messageID,
		Priority:     priority,
		Timestamp:    time.Now(),
		Headers:      headers,
		Body:         body,
	})
}

// ConsumeOpts configures a retrying consumer for one queue.
type ConsumeOpts struct {
	Queue       string
	Concurrency int
	MaxAttempts int
	// BackoffDelay is the base of the exponential redelivery backoff:
	// delay = BackoffDelay * 2^(attempt-1).
	BackoffDelay time.Duration
	// JobTimeout bounds a single handler invocation. Zero means no limit.
	JobTimeout time.Duration
}

// Consume runs opts.Concurrency worker goroutines against the queue,
// each on its own channel with prefetch 1 for fair dispatch. The
// handler is invoked once per delivery; a nil return acks the message.
// Retriable failures are re-published with an incremented attempt
// header after an exponential delay, up to MaxAttempts. Unretriable
// errors and exhausted attempts are acked and dropped; by then the
// handler has recorded the failure on the job row.
//
// Consume blocks until ctx is cancelled and all in-flight handlers have
// returned.
func (b *Broker) Consume(ctx context.Context, opts ConsumeOpts, handler func(context.Context, amqp.Delivery) error) error {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < opts.Concurrency; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			b.consumeLoop(ctx, opts, worker, handler)
		}(i)
	}
	wg.Wait()
	return nil
}

func (b *Broker) consumeLoop(ctx context.Context, opts ConsumeOpts, worker int, handler func(context.Context, amqp.Delivery) error) {
	for ctx.Err() == nil {
		if err := b.consumeOnce(ctx, opts, worker, handler); err != nil && ctx.Err() == nil {
			log.LogNoRequestID("consumer error, restarting", "queue", opts.Queue, "err", err)
			select {
			case <-time.After(5 * time.Second):
			case <-ctx.Done():
			}
		}
	}
}

func (b *Broker) consumeOnce(ctx context.Context, opts ConsumeOpts, worker int, handler func(context.Context, amqp.Delivery) error) error {
	ch, err := b.channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	// Prefetch 1 per channel for fair dispatch across workers
	if err := ch.Qos(1, 0, false); err != nil {
		return fmt.Errorf("error setting QoS on %s: %w", opts.Queue, err)
	}

	tag := fmt.Sprintf("%s-%d", opts.Queue, worker)
	deliveries, err := ch.Consume(opts.Queue, tag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("error consuming from %s: %w", opts.Queue, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel for %s closed", opts.Queue)
			}
			b.handleDelivery(ctx, opts, d, handler)
		}
	}
}

func (b *Broker) handleDelivery(ctx context.Context, opts ConsumeOpts, d amqp.Delivery, handler func(context.Context, amqp.Delivery) error) {
	attempt := deliveryAttempt(d)

	hctx := ctx
	if opts.JobTimeout > 0 {
		var cancel context.CancelFunc
		hctx, cancel = context.WithTimeout(ctx, opts.JobTimeout)
		defer cancel()
	}

	err := handler(hctx, d)
	if err == nil {
		if ackErr := d.Ack(false); ackErr != nil {
			log.LogNoRequestID("error acking message", "queue", opts.Queue, "err", ackErr)
		}
		metrics.Metrics.MessagesConsumed.WithLabelValues(opts.Queue, "ok").Inc()
		return
	}

	if errors.IsUnretriable(err) || attempt >= opts.MaxAttempts {
		log.LogNoRequestID("dropping message after failure",
			"queue", opts.Queue, "message_id", d.MessageId, "attempt", attempt, "err", err)
		if ackErr := d.Ack(false); ackErr != nil {
			log.LogNoRequestID("error acking failed message", "queue", opts.Queue, "err", ackErr)
		}
		metrics.Metrics.MessagesConsumed.WithLabelValues(opts.Queue, "failed").Inc()
		return
	}

	delay := RetryDelay(opts.BackoffDelay, attempt)
	log.LogNoRequestID("retrying message after backoff",
		"queue", opts.Queue, "message_id", d.MessageId, "attempt", attempt, "delay", delay, "err", err)
	select {
	case <-time.After(delay):
	case <-ctx.Done():
		// shutting down: leave the message unacked so the broker redelivers it
		if nackErr := d.Nack(false, true); nackErr != nil {
			log.LogNoRequestID("error nacking message on shutdown", "queue", opts.Queue, "err", nackErr)
		}
		return
	}

	headers := amqp.Table{}
	for k, v := range d.Headers {
		headers[k] = v
	}
	headers[attemptHeader] = int32(attempt + 1)
	if pubErr := b.PublishJSON(ctx, "", opts.Queue, d.MessageId, d.Priority, headers, json.RawMessage(d.Body)); pubErr != nil {
		log.LogNoRequestID("error re-publishing message, nacking for redelivery",
			"queue", opts.Queue, "message_id", d.MessageId, "err", pubErr)
		if nackErr := d.Nack(false, true); nackErr != nil {
			log.LogNoRequestID("error nacking message", "queue", opts.Queue, "err", nackErr)
		}
		return
	}
	metrics.Metrics.MessagesRequeued.WithLabelValues(opts.Queue).Inc()
	if ackErr := d.Ack(false); ackErr != nil {
		log.LogNoRequestID("error acking retried message", "queue", opts.Queue, "err", ackErr)
	}
}

// Attempt returns the 1-based delivery attempt recorded on a message.
func Attempt(d amqp.Delivery) int {
	return deliveryAttempt(d)
}

func deliveryAttempt(d amqp.Delivery) int {
	if d.Headers == nil {
		return 1
	}
	switch v := d.Headers[attemptHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	default:
		return 1
	}
}

// RetryDelay computes the exponential redelivery backoff for an attempt
// (1-based): base * 2^(attempt-1).
func RetryDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
	}
	return delay
}
