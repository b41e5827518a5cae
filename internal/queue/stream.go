package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// StreamPublisher appends messages to a Redis stream for workers that consume
// with XREADGROUP instead of AMQP.
type StreamPublisher struct {
	client *redis.Client
	stream string
	maxLen int64
}

func NewStreamPublisher(client *redis.Client, queue string) *StreamPublisher {
	return &StreamPublisher{
		client: client,
		stream: "reposcout:queue:" + queue,
		maxLen: 100000,
	}
}

func (p *StreamPublisher) Stream() string {
	return p.stream
}

func (p *StreamPublisher) Publish(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	err = p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]any{
			"client_id": msg.ClientID,
			"repo_url":  msg.RepoURL,
			"body":      string(body),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("%w: xadd %s: %v", ErrUnavailable, p.stream, err)
	}
	return nil
}
