package client

import (
	"context"

	"github.com/go-redis/redis/v8"
)

// Bus is the pub/sub transport between the controller and the protocol engine
type Bus interface {
	Publish(ctx context.Context, channel string, payload []byte) (int64, error)
	Subscribe(ctx context.Context, channel string) (<-chan []byte, func() error, error)
	Ping(ctx context.Context) error
	Close() error
}

// RedisBus implements Bus with Redis pub/sub
type RedisBus struct {
	client *redis.Client
}

// NewRedisBus connects to a Redis server at addr (e.g. "127.0.0.1:6379")
func NewRedisBus(addr, password string, db int) *RedisBus {
	return &RedisBus{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
	}
}

// Publish returns the number of subscribers that received the payload
func (b *RedisBus) Publish(ctx context.Context, channel string, payload []byte) (int64, error) {
	return b.client.Publish(ctx, channel, payload).Result()
}

// Subscribe confirms the subscription before returning. The payload channel
// closes when ctx is cancelled or the subscription is closed.
func (b *RedisBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, func() error, error) {
	ps := b.client.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, nil, err
	}

	out := make(chan []byte, 256)
	go func() {
		defer close(out)
		messages := ps.Channel()
		for {
			select {
			case msg, ok := <-messages:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, ps.Close, nil
}

func (b *RedisBus) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *RedisBus) Close() error {
	if b.client != nil {
		err := b.client.Close()
		b.client = nil
		return err
	}
	return nil
}
