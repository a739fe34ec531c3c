package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	defaultStreamMaxLen  = 10000
	defaultConsumerGroup = "spice"
	defaultBlockTimeout  = 5 * time.Second
	defaultBatchSize     = 16
	defaultStreamRetries = 3
	defaultClaimMinIdle  = 30 * time.Second
)

// RedisBusOptions configures a RedisBus.
type RedisBusOptions struct {
	// MaxLen approximately bounds each stream's length (XADD MAXLEN ~).
	MaxLen int64

	// Group is the consumer group name shared by this bus's
	// subscribers.
	Group string

	// BlockTimeout bounds each XREADGROUP wait.
	BlockTimeout time.Duration

	// BatchSize bounds how many entries one read fetches.
	BatchSize int64

	// MaxRetries is how many delivery attempts an entry gets before it
	// is dead-lettered.
	MaxRetries int

	// OnDLQWrite is invoked synchronously for every dead-letter write.
	OnDLQWrite DLQCallback
}

func (o RedisBusOptions) withDefaults() RedisBusOptions {
	if o.MaxLen <= 0 {
		o.MaxLen = defaultStreamMaxLen
	}
	if o.Group == "" {
		o.Group = defaultConsumerGroup
	}
	if o.BlockTimeout <= 0 {
		o.BlockTimeout = defaultBlockTimeout
	}
	if o.BatchSize <= 0 {
		o.BatchSize = defaultBatchSize
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = defaultStreamRetries
	}
	return o
}

// RedisBus is a Bus backed by Redis streams. Designed for:
//   - Multi-process runtimes sharing one event plane
//   - Durable delivery: entries stay pending until acked
//   - Crash recovery: stalled pending entries are reclaimed with
//     XAUTOCLAIM and retried, then dead-lettered after MaxRetries
//
// Each channel maps to one stream (the channel name); the DLQ for a
// stream is "<name>:dlq". Every subscription is its own consumer in
// the bus's group, so entries are load-balanced across subscribers of
// the same channel.
type RedisBus struct {
	client   redis.UniversalClient
	registry *SchemaRegistry
	opts     RedisBusOptions

	mu     sync.Mutex
	closed bool
	subs   []*Subscription
	wg     sync.WaitGroup
}

// NewRedisBus wraps an existing client; the caller owns its lifecycle.
func NewRedisBus(client redis.UniversalClient, opts RedisBusOptions) *RedisBus {
	return &RedisBus{
		client:   client,
		registry: NewSchemaRegistry(),
		opts:     opts.withDefaults(),
	}
}

// Registry implements Bus.
func (b *RedisBus) Registry() *SchemaRegistry {
	return b.registry
}

// Publish implements Bus.
func (b *RedisBus) Publish(ctx context.Context, ch Channel, event any, md Metadata) error {
	codec, err := b.registry.Lookup(ch)
	if err != nil {
		return err
	}
	payload, err := codec.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to serialize event for %s: %w", ch, err)
	}
	env := newEnvelope(ch, payload, md)
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	err = b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: ch.Name,
		MaxLen: b.opts.MaxLen,
		Approx: true,
		Values: map[string]any{"envelope": string(data)},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to publish to stream %s: %w", ch.Name, err)
	}
	return nil
}

// Subscribe implements Bus. The subscription is one consumer in the
// bus's group; it resumes from the group's last ack.
func (b *RedisBus) Subscribe(ctx context.Context, ch Channel, opts SubscribeOptions) (*Subscription, error) {
	codec, err := b.registry.Lookup(ch)
	if err != nil {
		return nil, err
	}

	err = b.client.XGroupCreateMkStream(ctx, ch.Name, b.opts.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("failed to create consumer group: %w", err)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBusClosed
	}
	readCtx, cancel := context.WithCancel(context.Background())
	sub := newSubscription(opts.bufferSize(), cancel)
	b.subs = append(b.subs, sub)
	b.wg.Add(1)
	b.mu.Unlock()

	consumer := "consumer-" + uuid.NewString()
	go b.consume(readCtx, sub, ch, codec, consumer, opts.Filter)
	return sub, nil
}

func (b *RedisBus) consume(ctx context.Context, sub *Subscription, ch Channel, codec Codec, consumer string, filter Filter) {
	defer b.wg.Done()
	attempts := make(map[string]int)

	for ctx.Err() == nil {
		// Recover pending entries stalled on dead consumers.
		claimed, _, err := b.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   ch.Name,
			Group:    b.opts.Group,
			Consumer: consumer,
			MinIdle:  defaultClaimMinIdle,
			Start:    "0-0",
			Count:    b.opts.BatchSize,
		}).Result()
		if err == nil {
			for _, msg := range claimed {
				b.process(ctx, sub, ch, codec, consumer, filter, msg, attempts)
			}
		}

		streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    b.opts.Group,
			Consumer: consumer,
			Streams:  []string{ch.Name, ">"},
			Count:    b.opts.BatchSize,
			Block:    b.opts.BlockTimeout,
		}).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			// Transient read failure: back off briefly.
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				b.process(ctx, sub, ch, codec, consumer, filter, msg, attempts)
			}
		}
	}
}

// process decodes, filters and delivers one stream entry. Entries are
// acked on success and on filtering; failures stay pending until
// MaxRetries, then go to the DLQ stream.
func (b *RedisBus) process(ctx context.Context, sub *Subscription, ch Channel, codec Codec, consumer string, filter Filter, msg redis.XMessage, attempts map[string]int) {
	ack := func() {
		b.client.XAck(ctx, ch.Name, b.opts.Group, msg.ID)
		delete(attempts, msg.ID)
	}
	fail := func(env Envelope, reason string) {
		attempts[msg.ID]++
		if attempts[msg.ID] < b.opts.MaxRetries {
			return
		}
		b.writeDLQ(ctx, ch, DLQEntry{
			Reason:           reason,
			OriginalEnvelope: env,
			AttemptCount:     attempts[msg.ID],
			FirstSeenAt:      time.Now().UTC(),
		})
		ack()
	}

	raw, ok := msg.Values["envelope"].(string)
	if !ok {
		fail(Envelope{ID: msg.ID, ChannelName: ch.Name}, "missing envelope field")
		return
	}
	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		fail(Envelope{ID: msg.ID, ChannelName: ch.Name}, "envelope deserialization failed: "+err.Error())
		return
	}
	if env.EventType != ch.EventType || env.SchemaVersion != ch.SchemaVersion {
		// Another channel sharing the stream; not ours.
		ack()
		return
	}
	if filter != nil && !filter(env) {
		ack()
		return
	}
	decoded, err := codec.Unmarshal(env.Payload)
	if err != nil {
		fail(env, "payload deserialization failed: "+err.Error())
		return
	}
	if !sub.deliver(Delivery{Envelope: env, Payload: decoded}) {
		fail(env, "subscriber buffer overflow")
		return
	}
	ack()
}

func (b *RedisBus) writeDLQ(ctx context.Context, ch Channel, entry DLQEntry) {
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: ch.Name + ":dlq",
		MaxLen: b.opts.MaxLen,
		Approx: true,
		Values: map[string]any{"entry": string(data)},
	})
	if b.opts.OnDLQWrite != nil {
		b.opts.OnDLQWrite(entry.OriginalEnvelope, entry.Reason)
	}
}

// Close implements Bus. The Redis connection itself stays open; the
// caller owns it.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
	b.wg.Wait()
	return nil
}
