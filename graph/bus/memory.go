package bus

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// DefaultHistorySize bounds the per-channel replay cache.
const DefaultHistorySize = 256

// MemoryBus is an in-process Bus. Designed for:
//   - Testing and development without external infrastructure
//   - Single-process runtimes where events never leave the binary
//
// New subscribers first receive the channel's cached history (bounded
// by historySize), then live events. Publishing is serialized per bus,
// which makes per-channel ordering trivial. Envelopes whose payload
// cannot be decoded, and deliveries a subscriber cannot keep up with,
// go to the DLQ.
type MemoryBus struct {
	registry    *SchemaRegistry
	historySize int
	onDLQ       DLQCallback

	mu      sync.Mutex
	closed  bool
	history map[string][]Delivery
	subs    map[string][]*memorySub
	dlq     []DLQEntry
}

type memorySub struct {
	sub    *Subscription
	filter Filter
}

// MemoryBusOptions configures a MemoryBus.
type MemoryBusOptions struct {
	// HistorySize bounds the replay cache (default DefaultHistorySize).
	HistorySize int

	// OnDLQWrite is invoked synchronously for every dead-letter write.
	OnDLQWrite DLQCallback
}

// NewMemoryBus creates an in-process bus.
func NewMemoryBus(opts MemoryBusOptions) *MemoryBus {
	size := opts.HistorySize
	if size <= 0 {
		size = DefaultHistorySize
	}
	return &MemoryBus{
		registry:    NewSchemaRegistry(),
		historySize: size,
		onDLQ:       opts.OnDLQWrite,
		history:     make(map[string][]Delivery),
		subs:        make(map[string][]*memorySub),
	}
}

// Registry implements Bus.
func (b *MemoryBus) Registry() *SchemaRegistry {
	return b.registry
}

// Publish implements Bus.
func (b *MemoryBus) Publish(_ context.Context, ch Channel, event any, md Metadata) error {
	codec, err := b.registry.Lookup(ch)
	if err != nil {
		return err
	}
	payload, err := codec.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to serialize event for %s: %w", ch, err)
	}
	env := newEnvelope(ch, payload, md)

	// Decode once; every subscriber sees the same payload value.
	decoded, err := codec.Unmarshal(env.Payload)
	if err != nil {
		b.writeDLQ(env, "payload deserialization failed: "+err.Error(), 1)
		return nil
	}
	delivery := Delivery{Envelope: env, Payload: decoded}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBusClosed
	}

	key := ch.key()
	cached := append(b.history[key], delivery)
	if len(cached) > b.historySize {
		cached = cached[len(cached)-b.historySize:]
	}
	b.history[key] = cached

	dropped := 0
	kept := b.subs[key][:0]
	for _, ms := range b.subs[key] {
		if ms.filter != nil && !ms.filter(env) {
			kept = append(kept, ms)
			continue
		}
		if !ms.sub.deliver(delivery) {
			// Slow or closed subscriber: close it out, drop it and
			// dead-letter the event. Closing unblocks its consumer.
			ms.sub.Close()
			dropped++
			continue
		}
		kept = append(kept, ms)
	}
	b.subs[key] = kept
	b.mu.Unlock()

	for i := 0; i < dropped; i++ {
		b.writeDLQ(env, "subscriber buffer overflow", 1)
	}
	return nil
}

// Subscribe implements Bus. The returned subscription replays cached
// history before live events.
func (b *MemoryBus) Subscribe(_ context.Context, ch Channel, opts SubscribeOptions) (*Subscription, error) {
	if _, err := b.registry.Lookup(ch); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}

	key := ch.key()
	buffer := opts.bufferSize()
	if buffer < b.historySize {
		buffer = b.historySize
	}
	sub := newSubscription(buffer, nil)
	for _, d := range b.history[key] {
		if opts.Filter != nil && !opts.Filter(d.Envelope) {
			continue
		}
		sub.deliver(d)
	}
	b.subs[key] = append(b.subs[key], &memorySub{sub: sub, filter: opts.Filter})
	return sub, nil
}

// DLQEntries returns a snapshot of the dead-letter queue.
func (b *MemoryBus) DLQEntries() []DLQEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]DLQEntry, len(b.dlq))
	copy(out, b.dlq)
	return out
}

func (b *MemoryBus) writeDLQ(env Envelope, reason string, attempts int) {
	b.mu.Lock()
	b.dlq = append(b.dlq, DLQEntry{
		Reason:           reason,
		OriginalEnvelope: env,
		AttemptCount:     attempts,
		FirstSeenAt:      time.Now().UTC(),
	})
	b.mu.Unlock()
	if b.onDLQ != nil {
		b.onDLQ(env, reason)
	}
}

// Close implements Bus.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, subs := range b.subs {
		for _, ms := range subs {
			ms.sub.Close()
		}
	}
	b.subs = make(map[string][]*memorySub)
	return nil
}
