package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// claimTTL bounds how long a claim outlives an instance that died without
// releasing it. Every Join refreshes it.
const claimTTL = 24 * time.Hour

// releaseScript deletes a claim only when it still names the releasing owner.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// RedisRelay broadcasts emits over a Redis pub/sub channel. Every instance
// subscribes; the claim key under bind:<identity> decides which one delivers.
type RedisRelay struct {
	client    *redis.Client
	channel   string
	prefix    string
	logger    *zap.Logger
	ready     chan struct{}
	readyOnce sync.Once
}

type relayMessage struct {
	Identity string `json:"identity"`
	Frame    Frame  `json:"frame"`
}

func NewRedisRelay(client *redis.Client, logger *zap.Logger) *RedisRelay {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisRelay{
		client:  client,
		channel: "reposcout:emit",
		prefix:  "reposcout:bind:",
		logger:  logger,
		ready:   make(chan struct{}),
	}
}

// Ready is closed once the subscription is live.
func (r *RedisRelay) Ready() <-chan struct{} {
	return r.ready
}

func (r *RedisRelay) Publish(ctx context.Context, identity string, frame Frame) error {
	payload, err := json.Marshal(relayMessage{Identity: identity, Frame: frame})
	if err != nil {
		return fmt.Errorf("marshal relay message: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish relay message: %w", err)
	}
	return nil
}

func (r *RedisRelay) Claim(ctx context.Context, identity, owner string) error {
	if err := r.client.Set(ctx, r.prefix+identity, owner, claimTTL).Err(); err != nil {
		return fmt.Errorf("claim %s: %w", identity, err)
	}
	return nil
}

func (r *RedisRelay) Release(ctx context.Context, identity, owner string) error {
	if err := releaseScript.Run(ctx, r.client, []string{r.prefix + identity}, owner).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release %s: %w", identity, err)
	}
	return nil
}

func (r *RedisRelay) Owner(ctx context.Context, identity string) (string, error) {
	owner, err := r.client.Get(ctx, r.prefix+identity).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("owner %s: %w", identity, err)
	}
	return owner, nil
}

func (r *RedisRelay) Run(ctx context.Context, ready func(), deliver func(identity string, frame Frame)) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}
	if ready != nil {
		ready()
	}
	r.readyOnce.Do(func() { close(r.ready) })

	messages := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			var decoded relayMessage
			if err := json.Unmarshal([]byte(msg.Payload), &decoded); err != nil {
				r.logger.Warn("discarding malformed relay message", zap.Error(err))
				continue
			}
			deliver(decoded.Identity, decoded.Frame)
		}
	}
}
