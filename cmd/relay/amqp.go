package main

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/alvaroprs8/vitascience/internal/dispatch"
)

const (
	retryHeader = "x-retry-count"
	maxRetries  = 5
	baseDelay   = 2 * time.Second
	maxDelay    = 2 * time.Minute
)

// retryCount reads the attempt counter the relay stamps on requeued
// messages. The broker may hand it back as any integer width.
func retryCount(h amqp.Table) int {
	switch v := h[retryHeader].(type) {
	case int:
		return v
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int16:
		return int(v)
	case int8:
		return int(v)
	default:
		return 0
	}
}

// retryDelay doubles per attempt, capped at maxDelay.
func retryDelay(attempt int) time.Duration {
	d := baseDelay
	for i := 1; i < attempt && d < maxDelay; i++ {
		d *= 2
	}
	if d > maxDelay {
		d = maxDelay
	}
	return d
}

// retryPublishing copies a delivery for the retry queue. The per-message
// expiration dead-letters it back to the main queue after the delay.
func retryPublishing(d amqp.Delivery, attempt int) amqp.Publishing {
	headers := amqp.Table{}
	for k, v := range d.Headers {
		headers[k] = v
	}
	headers[retryHeader] = int32(attempt)
	return amqp.Publishing{
		ContentType:  d.ContentType,
		DeliveryMode: amqp.Persistent,
		MessageId:    d.MessageId,
		Type:         d.Type,
		Headers:      headers,
		Expiration:   strconv.FormatInt(retryDelay(attempt).Milliseconds(), 10),
		Body:         d.Body,
		Timestamp:    time.Now(),
	}
}

type acker interface {
	Ack(multiple bool) error
	Nack(multiple, requeue bool) error
}

type republisher func(ctx context.Context, p amqp.Publishing) error

// settle acks, schedules a retry, or dead-letters one delivery based on the
// forward result.
func settle(ctx context.Context, log *zap.Logger, d amqp.Delivery, ack acker, forwardErr error, retry republisher) {
	log = log.With(zap.String("message_id", d.MessageId))
	if forwardErr == nil {
		_ = ack.Ack(false)
		return
	}

	attempt := retryCount(d.Headers) + 1
	if isPermanent(forwardErr) || attempt > maxRetries {
		log.Error("dead-lettering message", zap.Int("attempts", attempt), zap.Error(forwardErr))
		_ = ack.Nack(false, false)
		return
	}

	if err := retry(ctx, retryPublishing(d, attempt)); err != nil {
		log.Error("schedule retry failed, requeueing", zap.Error(err))
		_ = ack.Nack(false, true)
		return
	}
	log.Warn("scheduled retry", zap.Int("attempt", attempt), zap.Duration("delay", retryDelay(attempt)))
	_ = ack.Ack(false)
}

// runAMQP consumes the dispatch queue with a fixed pool of workers until
// ctx is cancelled.
func runAMQP(ctx context.Context, url, queue string, workers int, p *Processor, log *zap.Logger) error {
	conn, err := amqp.Dial(url)
	if err != nil {
		return fmt.Errorf("rabbit dial: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("rabbit channel: %w", err)
	}
	defer ch.Close()

	if err := dispatch.DeclareTopology(ch, queue); err != nil {
		return err
	}
	if err := ch.Qos(workers, 0, false); err != nil {
		return fmt.Errorf("qos: %w", err)
	}
	deliveries, err := ch.Consume(queue, "vitascience-relay", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}

	var pubMu sync.Mutex
	retry := func(ctx context.Context, pub amqp.Publishing) error {
		pubMu.Lock()
		defer pubMu.Unlock()
		return ch.PublishWithContext(ctx, "", dispatch.RetryQueue(queue), false, false, pub)
	}

	log.Info("relay consuming", zap.String("queue", queue), zap.Int("workers", workers))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			wlog := log.With(zap.Int("worker", id))
			for {
				select {
				case <-ctx.Done():
					return
				case d, ok := <-deliveries:
					if !ok {
						return
					}
					err := p.Forward(ctx, d.Body)
					settle(ctx, wlog, d, d, err, retry)
				}
			}
		}(i)
	}

	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	select {
	case <-ctx.Done():
	case err := <-closed:
		if err != nil {
			wg.Wait()
			return fmt.Errorf("rabbit connection closed: %w", err)
		}
	}
	wg.Wait()
	return nil
}
