package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

// OffsetReset selects where a new consumer group starts reading.
type OffsetReset string

const (
	// OffsetEarliest reads the topic from the beginning.
	OffsetEarliest OffsetReset = "earliest"

	// OffsetLatest reads only events published after the group joined.
	OffsetLatest OffsetReset = "latest"
)

// KafkaBusOptions configures a KafkaBus.
type KafkaBusOptions struct {
	// Brokers is the bootstrap broker list.
	Brokers []string

	// Group is the consumer group id shared by this bus's subscribers.
	Group string

	// AutoOffsetReset selects the starting position for a new group
	// (default OffsetLatest).
	AutoOffsetReset OffsetReset

	// MaxWait bounds each poll (default 5s).
	MaxWait time.Duration

	// OnDLQWrite is invoked synchronously for every dead-letter write.
	OnDLQWrite DLQCallback
}

func (o KafkaBusOptions) withDefaults() KafkaBusOptions {
	if o.Group == "" {
		o.Group = defaultConsumerGroup
	}
	if o.AutoOffsetReset == "" {
		o.AutoOffsetReset = OffsetLatest
	}
	if o.MaxWait <= 0 {
		o.MaxWait = defaultBlockTimeout
	}
	return o
}

// KafkaBus is a Bus backed by a partitioned log. Designed for:
//   - High-volume event fan-out across services
//   - Per-partition ordering keyed by the envelope's partitionKey
//   - Replayable history retained by the broker
//
// Each channel maps to one topic (the channel name); the DLQ for a
// topic is "<name>.dlq". Offsets are committed after delivery, so an
// uncommitted crash replays at-least-once.
type KafkaBus struct {
	opts     KafkaBusOptions
	registry *SchemaRegistry
	writer   *kafka.Writer

	mu      sync.Mutex
	closed  bool
	subs    []*Subscription
	readers []*kafka.Reader
	wg      sync.WaitGroup
}

// NewKafkaBus creates a bus over the given brokers.
func NewKafkaBus(opts KafkaBusOptions) *KafkaBus {
	opts = opts.withDefaults()
	return &KafkaBus{
		opts:     opts,
		registry: NewSchemaRegistry(),
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(opts.Brokers...),
			Balancer:               &kafka.Hash{},
			AllowAutoTopicCreation: true,
		},
	}
}

// Registry implements Bus.
func (b *KafkaBus) Registry() *SchemaRegistry {
	return b.registry
}

// Publish implements Bus. The envelope's partitionKey becomes the
// message key, so events sharing a key stay ordered.
func (b *KafkaBus) Publish(ctx context.Context, ch Channel, event any, md Metadata) error {
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

	var key []byte
	if md.PartitionKey != "" {
		key = []byte(md.PartitionKey)
	}
	err = b.writer.WriteMessages(ctx, kafka.Message{
		Topic: ch.Name,
		Key:   key,
		Value: data,
	})
	if err != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", ch.Name, err)
	}
	return nil
}

// Subscribe implements Bus.
func (b *KafkaBus) Subscribe(_ context.Context, ch Channel, opts SubscribeOptions) (*Subscription, error) {
	codec, err := b.registry.Lookup(ch)
	if err != nil {
		return nil, err
	}

	startOffset := kafka.LastOffset
	if b.opts.AutoOffsetReset == OffsetEarliest {
		startOffset = kafka.FirstOffset
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     b.opts.Brokers,
		GroupID:     b.opts.Group,
		Topic:       ch.Name,
		StartOffset: startOffset,
		MaxWait:     b.opts.MaxWait,
	})

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		_ = reader.Close()
		return nil, ErrBusClosed
	}
	readCtx, cancel := context.WithCancel(context.Background())
	sub := newSubscription(opts.bufferSize(), cancel)
	b.subs = append(b.subs, sub)
	b.readers = append(b.readers, reader)
	b.wg.Add(1)
	b.mu.Unlock()

	go b.consume(readCtx, sub, ch, codec, reader, opts.Filter)
	return sub, nil
}

func (b *KafkaBus) consume(ctx context.Context, sub *Subscription, ch Channel, codec Codec, reader *kafka.Reader, filter Filter) {
	defer b.wg.Done()
	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			select {
			case <-time.After(time.Second):
				continue
			case <-ctx.Done():
				return
			}
		}

		var env Envelope
		if err := json.Unmarshal(msg.Value, &env); err != nil {
			b.writeDLQ(ctx, ch, DLQEntry{
				Reason:           "envelope deserialization failed: " + err.Error(),
				OriginalEnvelope: Envelope{ChannelName: ch.Name, Payload: msg.Value},
				AttemptCount:     1,
				FirstSeenAt:      time.Now().UTC(),
			})
			_ = reader.CommitMessages(ctx, msg)
			continue
		}
		if env.EventType != ch.EventType || env.SchemaVersion != ch.SchemaVersion {
			_ = reader.CommitMessages(ctx, msg)
			continue
		}
		if filter != nil && !filter(env) {
			_ = reader.CommitMessages(ctx, msg)
			continue
		}
		decoded, err := codec.Unmarshal(env.Payload)
		if err != nil {
			b.writeDLQ(ctx, ch, DLQEntry{
				Reason:           "payload deserialization failed: " + err.Error(),
				OriginalEnvelope: env,
				AttemptCount:     1,
				FirstSeenAt:      time.Now().UTC(),
			})
			_ = reader.CommitMessages(ctx, msg)
			continue
		}
		if !sub.deliver(Delivery{Envelope: env, Payload: decoded}) {
			// Leave uncommitted; the entry is re-fetched after rebalance.
			continue
		}
		_ = reader.CommitMessages(ctx, msg)
	}
}

func (b *KafkaBus) writeDLQ(ctx context.Context, ch Channel, entry DLQEntry) {
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	_ = b.writer.WriteMessages(ctx, kafka.Message{
		Topic: ch.Name + ".dlq",
		Value: data,
	})
	if b.opts.OnDLQWrite != nil {
		b.opts.OnDLQWrite(entry.OriginalEnvelope, entry.Reason)
	}
}

// Close implements Bus.
func (b *KafkaBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subs
	readers := b.readers
	b.subs = nil
	b.readers = nil
	b.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
	for _, reader := range readers {
		_ = reader.Close()
	}
	b.wg.Wait()
	return b.writer.Close()
}
