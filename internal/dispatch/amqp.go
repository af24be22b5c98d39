package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RetryQueue and DeadLetterQueue name the queues declared next to queue.
func RetryQueue(queue string) string      { return queue + ".retry" }
func DeadLetterQueue(queue string) string { return queue + ".dlq" }

// DeclareTopology declares the main queue, a retry queue whose expired
// messages flow back to main, and a DLQ for rejected messages. Publisher
// and relay both call it so either may start first.
func DeclareTopology(ch *amqp.Channel, queue string) error {
	if _, err := ch.QueueDeclare(DeadLetterQueue(queue), true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dlq: %w", err)
	}
	if _, err := ch.QueueDeclare(RetryQueue(queue), true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": queue,
	}); err != nil {
		return fmt.Errorf("declare retry queue: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": DeadLetterQueue(queue),
	}); err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}
	return nil
}

// AMQPDispatcher publishes envelopes to RabbitMQ for the relay.
type AMQPDispatcher struct {
	mu    sync.Mutex
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
}

func NewAMQPDispatcher(url, queue string) (*AMQPDispatcher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("rabbit dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("rabbit channel: %w", err)
	}
	if err := DeclareTopology(ch, queue); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	return &AMQPDispatcher{conn: conn, ch: ch, queue: queue}, nil
}

func (d *AMQPDispatcher) Close() error {
	if d.ch != nil {
		_ = d.ch.Close()
	}
	if d.conn != nil {
		return d.conn.Close()
	}
	return nil
}

func (d *AMQPDispatcher) Dispatch(ctx context.Context, env Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	d.mu.Lock()
	defer d.mu.Unlock()
	err = d.ch.PublishWithContext(cctx,
		"",      // default exchange
		d.queue, // routing key = queue
		false,
		false,
		Publishing(env, body),
	)
	if err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

// Publishing builds the persistent message for an envelope.
func Publishing(env Envelope, body []byte) amqp.Publishing {
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    env.CorrelationID,
		Type:         string(env.Kind),
		Body:         body,
		Timestamp:    time.Now(),
	}
}
