package events

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/redis/go-redis/v9"
)

// RedisStreamConfig configures the Redis stream publisher.
type RedisStreamConfig struct {
	Addr     string
	Password string
	Stream   string
	MaxLen   int64
}

// RedisStreamPublisher appends events to a capped Redis stream.
type RedisStreamPublisher struct {
	client *redis.Client
	stream string
	maxLen int64
}

func NewRedisStreamPublisher(cfg RedisStreamConfig) (*RedisStreamPublisher, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("redis addr required")
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		stream = "library:loan-events"
	}
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = 10000
	}
	return &RedisStreamPublisher{
		client: redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Password}),
		stream: stream,
		maxLen: maxLen,
	}, nil
}

func (p *RedisStreamPublisher) Publish(ctx context.Context, evt Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	return p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]any{
			"type":    string(evt.Type),
			"loan_id": evt.LoanID,
			"payload": string(payload),
		},
	}).Err()
}

// Close releases the Redis connection pool.
func (p *RedisStreamPublisher) Close() error {
	return p.client.Close()
}
