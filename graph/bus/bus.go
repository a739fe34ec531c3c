// Package bus provides the typed event plane: schema-registered pub/sub
// channels with envelope serialization, subscriber filtering and a
// dead-letter queue for undeliverable events.
//
// A channel is the triple (name, eventType, schemaVersion). Publishing
// is fail-closed: the channel must be registered with a codec first, so
// a payload that cannot round-trip is rejected at the edge instead of
// poisoning consumers.
//
// Backends: MemoryBus (bounded history replay), RedisBus (streams with
// consumer groups) and KafkaBus (partitioned log). All guarantee
// per-channel (or per-partition) ordering; none guarantee global
// ordering.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrSchemaNotRegistered is returned when publishing or subscribing to
// a channel with no registered codec.
var ErrSchemaNotRegistered = errors.New("schema not registered for channel")

// ErrBusClosed is returned when operating on a closed bus.
var ErrBusClosed = errors.New("event bus is closed")

// Channel identifies one typed event stream.
type Channel struct {
	// Name is the transport-level stream (topic, stream key).
	Name string `json:"name"`

	// EventType is the fully-qualified payload type name.
	EventType string `json:"eventType"`

	// SchemaVersion versions the payload shape, e.g. "1.0".
	SchemaVersion string `json:"schemaVersion"`
}

func (c Channel) key() string {
	return c.Name + "|" + c.EventType + "|" + c.SchemaVersion
}

func (c Channel) String() string {
	return fmt.Sprintf("%s(%s@%s)", c.Name, c.EventType, c.SchemaVersion)
}

// Metadata is the routing metadata attached to an envelope.
type Metadata struct {
	UserID       string    `json:"userId,omitempty"`
	TenantID     string    `json:"tenantId,omitempty"`
	TraceID      string    `json:"traceId,omitempty"`
	PartitionKey string    `json:"partitionKey,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Envelope is the wire representation of one published event.
type Envelope struct {
	ID            string   `json:"id"`
	ChannelName   string   `json:"channelName"`
	EventType     string   `json:"eventType"`
	SchemaVersion string   `json:"schemaVersion"`
	Payload       []byte   `json:"payload"`
	Metadata      Metadata `json:"metadata"`
}

// Channel reconstructs the envelope's channel triple.
func (e Envelope) Channel() Channel {
	return Channel{Name: e.ChannelName, EventType: e.EventType, SchemaVersion: e.SchemaVersion}
}

// Codec serializes payloads for one channel.
type Codec interface {
	Marshal(event any) ([]byte, error)
	Unmarshal(data []byte) (any, error)
}

// JSONCodec is a Codec that round-trips values of type T through JSON.
type JSONCodec[T any] struct{}

// Marshal implements Codec.
func (JSONCodec[T]) Marshal(event any) ([]byte, error) {
	typed, ok := event.(T)
	if !ok {
		var want T
		return nil, fmt.Errorf("codec: expected %T, got %T", want, event)
	}
	return json.Marshal(typed)
}

// Unmarshal implements Codec.
func (JSONCodec[T]) Unmarshal(data []byte) (any, error) {
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SchemaRegistry maps channels to codecs. Publishing on an unregistered
// channel fails; there is no default codec.
type SchemaRegistry struct {
	mu     sync.RWMutex
	codecs map[string]Codec
}

// NewSchemaRegistry creates an empty registry.
func NewSchemaRegistry() *SchemaRegistry {
	return &SchemaRegistry{codecs: make(map[string]Codec)}
}

// Register binds codec to ch, replacing any prior binding.
func (r *SchemaRegistry) Register(ch Channel, codec Codec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codecs[ch.key()] = codec
}

// Lookup returns the codec for ch or ErrSchemaNotRegistered.
func (r *SchemaRegistry) Lookup(ch Channel) (Codec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	codec, ok := r.codecs[ch.key()]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSchemaNotRegistered, ch)
	}
	return codec, nil
}

// Delivery is what a subscriber receives: the raw envelope plus the
// payload decoded by the channel's codec.
type Delivery struct {
	Envelope Envelope
	Payload  any
}

// Filter decides whether a subscriber receives an envelope. A nil
// Filter passes everything.
type Filter func(Envelope) bool

// ByUserID passes envelopes whose metadata userId matches.
func ByUserID(userID string) Filter {
	return func(e Envelope) bool { return e.Metadata.UserID == userID }
}

// ByTenantID passes envelopes whose metadata tenantId matches.
func ByTenantID(tenantID string) Filter {
	return func(e Envelope) bool { return e.Metadata.TenantID == tenantID }
}

// ByPartitionKey passes envelopes whose partition key matches.
func ByPartitionKey(key string) Filter {
	return func(e Envelope) bool { return e.Metadata.PartitionKey == key }
}

// AllOf combines filters conjunctively; nil entries are skipped.
func AllOf(filters ...Filter) Filter {
	return func(e Envelope) bool {
		for _, f := range filters {
			if f != nil && !f(e) {
				return false
			}
		}
		return true
	}
}

// SubscribeOptions tunes one subscription.
type SubscribeOptions struct {
	// Filter drops non-matching envelopes before delivery.
	Filter Filter

	// BufferSize is the delivery channel capacity (default 64).
	BufferSize int
}

func (o SubscribeOptions) bufferSize() int {
	if o.BufferSize > 0 {
		return o.BufferSize
	}
	return 64
}

// Subscription is an independent stream of deliveries. Close it when
// done; the delivery channel is closed on Close and on bus shutdown.
type Subscription struct {
	deliveries chan Delivery
	closeOnce  sync.Once
	cancel     context.CancelFunc
}

func newSubscription(buffer int, cancel context.CancelFunc) *Subscription {
	if cancel == nil {
		cancel = func() {}
	}
	return &Subscription{
		deliveries: make(chan Delivery, buffer),
		cancel:     cancel,
	}
}

// C returns the delivery channel.
func (s *Subscription) C() <-chan Delivery {
	return s.deliveries
}

// Close stops the subscription and closes its delivery channel.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		close(s.deliveries)
	})
}

// deliver pushes without blocking; reports whether the subscriber kept
// up. Recover() absorbs sends racing Close.
func (s *Subscription) deliver(d Delivery) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	select {
	case s.deliveries <- d:
		return true
	default:
		return false
	}
}

// DLQEntry records one undeliverable event.
type DLQEntry struct {
	Reason           string    `json:"reason"`
	OriginalEnvelope Envelope  `json:"originalEnvelope"`
	AttemptCount     int       `json:"attemptCount"`
	FirstSeenAt      time.Time `json:"firstSeenAt"`
}

// DLQCallback observes dead-letter writes. It is invoked synchronously
// on the goroutine performing the write.
type DLQCallback func(envelope Envelope, reason string)

// Bus is the pluggable event-plane transport.
type Bus interface {
	// Registry returns the bus's schema registry.
	Registry() *SchemaRegistry

	// Publish serializes event with the channel's codec and delivers
	// the resulting envelope. Fails when the channel is unregistered.
	Publish(ctx context.Context, ch Channel, event any, md Metadata) error

	// Subscribe opens an independent delivery stream for ch.
	Subscribe(ctx context.Context, ch Channel, opts SubscribeOptions) (*Subscription, error)

	// Close shuts the bus down and closes all subscriptions.
	Close() error
}

// newEnvelope stamps a published event into its wire form.
func newEnvelope(ch Channel, payload []byte, md Metadata) Envelope {
	if md.Timestamp.IsZero() {
		md.Timestamp = time.Now().UTC()
	}
	return Envelope{
		ID:            uuid.NewString(),
		ChannelName:   ch.Name,
		EventType:     ch.EventType,
		SchemaVersion: ch.SchemaVersion,
		Payload:       payload,
		Metadata:      md,
	}
}
