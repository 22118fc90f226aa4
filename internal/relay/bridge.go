package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const channelPrefix = "loom:doc:"

// Bridge fans room traffic out across relay instances through Redis
// pub/sub, so clients of the same document can land on different relay
// processes. Messages from this instance are filtered out on receipt.
type Bridge struct {
	client   *redis.Client
	instance string
	deliver  func(doc string, data []byte)

	mu   sync.Mutex
	subs map[string]*redis.PubSub
}

type bridgeEnvelope struct {
	Instance string `json:"instance"`
	Payload  []byte `json:"payload"`
}

// NewBridge connects to Redis and verifies the connection.
func NewBridge(redisURL string) (*Bridge, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &Bridge{
		client:   client,
		instance: uuid.NewString(),
		subs:     make(map[string]*redis.PubSub),
	}, nil
}

func (b *Bridge) key(doc string) string {
	return channelPrefix + doc
}

func (b *Bridge) publish(ctx context.Context, doc string, data []byte) error {
	payload, err := json.Marshal(bridgeEnvelope{Instance: b.instance, Payload: data})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := b.client.Publish(ctx, b.key(doc), payload).Err(); err != nil {
		return fmt.Errorf("publish update: %w", err)
	}
	return nil
}

// subscribe starts relaying the document's channel into this instance.
func (b *Bridge) subscribe(doc string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[doc]; ok {
		return
	}
	pubsub := b.client.Subscribe(context.Background(), b.key(doc))
	b.subs[doc] = pubsub
	go func() {
		for msg := range pubsub.Channel() {
			var env bridgeEnvelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				continue
			}
			if env.Instance == b.instance {
				continue
			}
			if b.deliver != nil {
				b.deliver(doc, env.Payload)
			}
		}
	}()
}

func (b *Bridge) unsubscribe(doc string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if pubsub, ok := b.subs[doc]; ok {
		_ = pubsub.Close()
		delete(b.subs, doc)
	}
}

// Ping checks Redis reachability for the relay's readiness probe.
func (b *Bridge) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *Bridge) Close() error {
	b.mu.Lock()
	for doc, pubsub := range b.subs {
		_ = pubsub.Close()
		delete(b.subs, doc)
	}
	b.mu.Unlock()
	return b.client.Close()
}
