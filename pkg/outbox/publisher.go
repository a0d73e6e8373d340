package outbox

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisStreamsPublisher publishes events to Redis Streams, one stream per
// topic. The partition key rides along as a field so consumers can shard.
type RedisStreamsPublisher struct {
	client *redis.Client
}

func NewRedisStreamsPublisher(client *redis.Client) *RedisStreamsPublisher {
	return &RedisStreamsPublisher{client: client}
}

func (p *RedisStreamsPublisher) Publish(ctx context.Context, topic, key string, payload []byte) error {
	err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: topic,
		Values: map[string]interface{}{
			"key":     key,
			"payload": payload,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("outbox: redis publish to %s: %w", topic, err)
	}
	return nil
}

// Published is one delivery recorded by MemoryPublisher.
type Published struct {
	Topic   string
	Key     string
	Payload []byte
}

// MemoryPublisher records deliveries in memory and can inject failures.
// Used by tests and local development.
type MemoryPublisher struct {
	mu       sync.Mutex
	messages []Published
	// FailNext makes the next n Publish calls fail.
	failNext int
	// FailAll makes every Publish call fail.
	FailAll bool
}

func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{}
}

// FailNextN arranges for the next n publishes to return an error.
func (p *MemoryPublisher) FailNextN(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failNext = n
}

func (p *MemoryPublisher) Publish(ctx context.Context, topic, key string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.FailAll {
		return fmt.Errorf("outbox: publish to %s: bus unavailable", topic)
	}
	if p.failNext > 0 {
		p.failNext--
		return fmt.Errorf("outbox: publish to %s: transient failure", topic)
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)
	p.messages = append(p.messages, Published{Topic: topic, Key: key, Payload: cp})
	return nil
}

// Messages returns a copy of everything published so far.
func (p *MemoryPublisher) Messages() []Published {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Published, len(p.messages))
	copy(out, p.messages)
	return out
}

// MessagesFor returns deliveries on one topic.
func (p *MemoryPublisher) MessagesFor(topic string) []Published {
	var out []Published
	for _, m := range p.Messages() {
		if m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}
