package events

import (
	"context"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const redisBusTimeout = 5 * time.Second

type redisSubscription struct {
	pubsub *redis.PubSub
	chans  []chan []byte
}

// RedisBus implements Bus on top of Redis pub/sub so that every API instance
// connected to the same server sees every event.
type RedisBus struct {
	client *redis.Client

	mu   sync.Mutex
	subs map[string]*redisSubscription
}

// NewRedisBus returns a new RedisBus using the provided client.
func NewRedisBus(client *redis.Client) *RedisBus {
	return &RedisBus{client: client, subs: make(map[string]*redisSubscription)}
}

// Publish implements Bus.Publish.
func (b *RedisBus) Publish(ctx context.Context, topic string, data []byte) error {
	cctx, cancel := context.WithTimeout(ctx, redisBusTimeout)
	defer cancel()
	return b.client.Publish(cctx, topic, data).Err()
}

// Watch implements Bus.Watch.
func (b *RedisBus) Watch(ctx context.Context, topic string) (chan []byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch := make(chan []byte, 16)

	b.mu.Lock()
	if sub, ok := b.subs[topic]; ok {
		sub.chans = append(sub.chans, ch)
		b.mu.Unlock()
	} else {
		b.mu.Unlock()
		// mu is not held across the round-trip
		ps, err := b.subscribe(ctx, topic)
		if err != nil {
			return nil, err
		}
		b.mu.Lock()
		if sub, ok := b.subs[topic]; ok {
			// another watcher subscribed first
			sub.chans = append(sub.chans, ch)
			b.mu.Unlock()
			_ = ps.Close()
		} else {
			sub = &redisSubscription{pubsub: ps, chans: []chan []byte{ch}}
			b.subs[topic] = sub
			b.mu.Unlock()
			go b.dispatch(sub)
		}
	}

	go func() {
		<-ctx.Done()
		_ = b.Unwatch(context.Background(), topic, ch)
	}()
	return ch, nil
}

// subscribe opens a subscription and waits for it to be confirmed so that no
// event published afterwards is missed.
func (b *RedisBus) subscribe(ctx context.Context, topic string) (*redis.PubSub, error) {
	cctx, cancel := context.WithTimeout(ctx, redisBusTimeout)
	defer cancel()
	ps := b.client.Subscribe(cctx, topic)
	if _, err := ps.Receive(cctx); err != nil {
		_ = ps.Close()
		return nil, err
	}
	return ps, nil
}

func (b *RedisBus) dispatch(sub *redisSubscription) {
	for msg := range sub.pubsub.Channel() {
		b.mu.Lock()
		fanOut(sub.chans, []byte(msg.Payload))
		b.mu.Unlock()
	}
}

// Unwatch implements Bus.Unwatch.
func (b *RedisBus) Unwatch(ctx context.Context, topic string, ch chan []byte) error {
	b.mu.Lock()
	sub, ok := b.subs[topic]
	if !ok {
		b.mu.Unlock()
		return nil
	}
	sub.chans, _ = removeChan(sub.chans, ch)
	if len(sub.chans) > 0 {
		b.mu.Unlock()
		return nil
	}
	delete(b.subs, topic)
	b.mu.Unlock()
	return sub.pubsub.Close()
}

// Close drops every subscription.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for topic, sub := range b.subs {
		_ = sub.pubsub.Close()
		for _, ch := range sub.chans {
			close(ch)
		}
		sub.chans = nil
		delete(b.subs, topic)
	}
	return nil
}
