package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	dialTimeout    = 5 * time.Second
	dialRetries    = 3
	confirmTimeout = 10 * time.Second
)

// AMQPPublisher publishes persistent messages to a durable queue on the
// default exchange and waits for the broker's publisher confirm.
type AMQPPublisher struct {
	url    string
	queue  string
	logger *zap.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

func NewAMQPPublisher(url, queue string, logger *zap.Logger) *AMQPPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AMQPPublisher{url: url, queue: queue, logger: logger.Named("amqp")}
}

func (p *AMQPPublisher) Publish(ctx context.Context, msg Message) error {
	ch, err := p.channel(ctx)
	if err != nil {
		return err
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	confirmation, err := ch.PublishWithDeferredConfirmWithContext(ctx, "", p.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
	})
	if err != nil {
		p.reset()
		return fmt.Errorf("%w: publish: %v", ErrUnavailable, err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, confirmTimeout)
	defer cancel()
	acked, err := confirmation.WaitContext(waitCtx)
	if err != nil {
		return fmt.Errorf("%w: await confirm: %v", ErrUnavailable, err)
	}
	if !acked {
		return fmt.Errorf("%w: broker rejected message", ErrUnavailable)
	}
	return nil
}

// channel returns the confirm-mode channel, dialling the broker if there is
// no live connection.
func (p *AMQPPublisher) channel(ctx context.Context) (*amqp.Channel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ch != nil && !p.ch.IsClosed() && p.conn != nil && !p.conn.IsClosed() {
		return p.ch, nil
	}
	p.closeLocked()

	var conn *amqp.Connection
	dial := func() error {
		var err error
		conn, err = amqp.DialConfig(p.url, amqp.Config{Dial: amqp.DefaultDial(dialTimeout)})
		return err
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), dialRetries), ctx)
	notify := func(err error, wait time.Duration) {
		p.logger.Warn("broker dial failed, retrying", zap.Duration("wait", wait), zap.Error(err))
	}
	if err := backoff.RetryNotify(dial, policy, notify); err != nil {
		return nil, fmt.Errorf("%w: dial: %v", ErrUnavailable, err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: open channel: %v", ErrUnavailable, err)
	}
	if _, err := ch.QueueDeclare(p.queue, true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: declare queue %s: %v", ErrUnavailable, p.queue, err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: confirm mode: %v", ErrUnavailable, err)
	}

	p.conn, p.ch = conn, ch
	p.logger.Info("connected to broker", zap.String("queue", p.queue))
	return ch, nil
}

func (p *AMQPPublisher) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeLocked()
}

func (p *AMQPPublisher) closeLocked() {
	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
	}
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
	}
}

func (p *AMQPPublisher) Close() error {
	p.reset()
	return nil
}
