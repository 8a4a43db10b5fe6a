package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// RabbitMQ is a durable admission queue backed by a single broker
// queue. All workers share one consumer; concurrency is bounded by the
// QoS prefetch count, and every message is acknowledged manually.
type RabbitMQ struct {
	url       string
	queueName string
	log       zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	closed chan struct{}

	publishConn *amqp.Connection
	publishCh   *amqp.Channel
	publishMu   sync.Mutex

	consumeConn *amqp.Connection
	consumeCh   *amqp.Channel
	deliveries  <-chan amqp.Delivery

	// The AMQP channel is not safe for concurrent acks from many workers.
	ackMu sync.Mutex
}

// NewRabbitMQ connects, declares the durable queue, and starts a shared
// consumer with the given prefetch count (one slot per worker).
func NewRabbitMQ(url, queueName string, prefetch int, log zerolog.Logger) (*RabbitMQ, error) {
	if prefetch <= 0 {
		prefetch = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &RabbitMQ{
		url:       url,
		queueName: queueName,
		log:       log.With().Str("component", "rabbitmq").Logger(),
		ctx:       ctx,
		cancel:    cancel,
		closed:    make(chan struct{}),
	}

	if err := q.setupPublisher(); err != nil {
		cancel()
		return nil, fmt.Errorf("rabbitmq publisher: %w", err)
	}
	if err := q.setupConsumer(prefetch); err != nil {
		cancel()
		q.closePublisher()
		return nil, fmt.Errorf("rabbitmq consumer: %w", err)
	}

	q.log.Info().Str("queue", queueName).Int("prefetch", prefetch).Msg("connected")
	return q, nil
}

func (q *RabbitMQ) setupPublisher() error {
	conn, err := amqp.Dial(q.url)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("channel: %w", err)
	}
	if _, err := ch.QueueDeclare(q.queueName, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("declare queue: %w", err)
	}
	q.publishConn = conn
	q.publishCh = ch
	return nil
}

func (q *RabbitMQ) setupConsumer(prefetch int) error {
	conn, err := amqp.Dial(q.url)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("channel: %w", err)
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("qos: %w", err)
	}
	deliveries, err := ch.Consume(q.queueName, "scribed-workers", false, false, false, false, nil)
	if err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("consume: %w", err)
	}
	q.consumeConn = conn
	q.consumeCh = ch
	q.deliveries = deliveries
	return nil
}

func (q *RabbitMQ) Enqueue(jobID string) error {
	q.publishMu.Lock()
	defer q.publishMu.Unlock()

	body, err := json.Marshal(Message{JobID: jobID})
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	ctx, cancel := context.WithTimeout(q.ctx, 5*time.Second)
	defer cancel()

	err = q.publishCh.PublishWithContext(ctx, "", q.queueName, false, false, amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  "application/json",
		Body:         body,
		Timestamp:    time.Now(),
	})
	if err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

func (q *RabbitMQ) Dequeue() (*Message, error) {
	select {
	case <-q.closed:
		return nil, ErrQueueClosed
	case <-q.ctx.Done():
		return nil, ErrQueueClosed
	case delivery, ok := <-q.deliveries:
		if !ok {
			return nil, ErrQueueClosed
		}
		var msg Message
		if err := json.Unmarshal(delivery.Body, &msg); err != nil {
			q.reject(delivery.DeliveryTag)
			return nil, fmt.Errorf("unmarshal message: %w", err)
		}
		msg.delivery = &delivery
		return &msg, nil
	}
}

func (q *RabbitMQ) Ack(msg *Message) error {
	delivery, ok := msg.delivery.(*amqp.Delivery)
	if !ok {
		return nil
	}
	q.ackMu.Lock()
	defer q.ackMu.Unlock()
	return q.consumeCh.Ack(delivery.DeliveryTag, false)
}

func (q *RabbitMQ) Nack(msg *Message) error {
	delivery, ok := msg.delivery.(*amqp.Delivery)
	if !ok {
		return nil
	}
	return q.reject(delivery.DeliveryTag)
}

// reject drops a message without requeueing; the engine performs no
// automatic retries.
func (q *RabbitMQ) reject(tag uint64) error {
	q.ackMu.Lock()
	defer q.ackMu.Unlock()
	return q.consumeCh.Nack(tag, false, false)
}

func (q *RabbitMQ) Close() error {
	select {
	case <-q.closed:
		return nil
	default:
	}
	close(q.closed)
	q.cancel()

	if q.consumeCh != nil {
		q.consumeCh.Close()
	}
	if q.consumeConn != nil {
		q.consumeConn.Close()
	}
	q.closePublisher()
	q.log.Info().Msg("closed")
	return nil
}

func (q *RabbitMQ) closePublisher() {
	if q.publishCh != nil {
		q.publishCh.Close()
	}
	if q.publishConn != nil {
		q.publishConn.Close()
	}
}
