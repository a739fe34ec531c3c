package bus

import (
	"context"
	"errors"
	"testing"
	"time"
)

type orderEvent struct {
	OrderID string `json:"orderId"`
	Seq     int    `json:"seq"`
}

var orderChannel = Channel{Name: "orders", EventType: "orderEvent", SchemaVersion: "1.0"}

func newOrderBus(opts MemoryBusOptions) *MemoryBus {
	b := NewMemoryBus(opts)
	b.Registry().Register(orderChannel, JSONCodec[orderEvent]{})
	return b
}

// receive pulls one delivery with a deadline.
func receive(t *testing.T, sub *Subscription) Delivery {
	t.Helper()
	select {
	case d, ok := <-sub.C():
		if !ok {
			t.Fatal("subscription closed unexpectedly")
		}
		return d
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}
	return Delivery{}
}

// TestMemoryBus_FailClosed verifies unregistered channels are rejected.
func TestMemoryBus_FailClosed(t *testing.T) {
	b := NewMemoryBus(MemoryBusOptions{})
	defer b.Close()

	err := b.Publish(context.Background(), orderChannel, orderEvent{OrderID: "o-1"}, Metadata{})
	if !errors.Is(err, ErrSchemaNotRegistered) {
		t.Errorf("publish: expected ErrSchemaNotRegistered, got %v", err)
	}

	_, err = b.Subscribe(context.Background(), orderChannel, SubscribeOptions{})
	if !errors.Is(err, ErrSchemaNotRegistered) {
		t.Errorf("subscribe: expected ErrSchemaNotRegistered, got %v", err)
	}

	// A different schema version is a different channel.
	b.Registry().Register(orderChannel, JSONCodec[orderEvent]{})
	v2 := orderChannel
	v2.SchemaVersion = "2.0"
	if err := b.Publish(context.Background(), v2, orderEvent{}, Metadata{}); !errors.Is(err, ErrSchemaNotRegistered) {
		t.Errorf("expected version mismatch rejection, got %v", err)
	}
}

// TestMemoryBus_PubSub verifies ordered delivery of typed payloads.
func TestMemoryBus_PubSub(t *testing.T) {
	b := newOrderBus(MemoryBusOptions{})
	defer b.Close()

	sub, err := b.Subscribe(context.Background(), orderChannel, SubscribeOptions{})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer sub.Close()

	for i := 1; i <= 3; i++ {
		if err := b.Publish(context.Background(), orderChannel, orderEvent{OrderID: "o-1", Seq: i}, Metadata{}); err != nil {
			t.Fatalf("publish failed: %v", err)
		}
	}

	for i := 1; i <= 3; i++ {
		d := receive(t, sub)
		event, ok := d.Payload.(orderEvent)
		if !ok {
			t.Fatalf("expected orderEvent payload, got %T", d.Payload)
		}
		if event.Seq != i {
			t.Errorf("out of order: expected seq %d, got %d", i, event.Seq)
		}
		if d.Envelope.EventType != "orderEvent" {
			t.Errorf("unexpected envelope type: %s", d.Envelope.EventType)
		}
	}
}

// TestMemoryBus_HistoryReplay verifies late subscribers catch up.
func TestMemoryBus_HistoryReplay(t *testing.T) {
	b := newOrderBus(MemoryBusOptions{HistorySize: 2})
	defer b.Close()

	for i := 1; i <= 3; i++ {
		if err := b.Publish(context.Background(), orderChannel, orderEvent{Seq: i}, Metadata{}); err != nil {
			t.Fatalf("publish failed: %v", err)
		}
	}

	sub, err := b.Subscribe(context.Background(), orderChannel, SubscribeOptions{})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer sub.Close()

	// Bounded history: only the last two events replay.
	first := receive(t, sub).Payload.(orderEvent)
	second := receive(t, sub).Payload.(orderEvent)
	if first.Seq != 2 || second.Seq != 3 {
		t.Errorf("expected replay of seq 2 and 3, got %d and %d", first.Seq, second.Seq)
	}
}

// TestMemoryBus_Filters verifies subscriber-side filtering.
func TestMemoryBus_Filters(t *testing.T) {
	b := newOrderBus(MemoryBusOptions{})
	defer b.Close()

	sub, err := b.Subscribe(context.Background(), orderChannel, SubscribeOptions{
		Filter: ByUserID("alice"),
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer sub.Close()

	b.Publish(context.Background(), orderChannel, orderEvent{Seq: 1}, Metadata{UserID: "bob"})
	b.Publish(context.Background(), orderChannel, orderEvent{Seq: 2}, Metadata{UserID: "alice"})

	d := receive(t, sub)
	if d.Payload.(orderEvent).Seq != 2 {
		t.Errorf("filter leaked: %+v", d.Payload)
	}

	t.Run("combined filters", func(t *testing.T) {
		f := AllOf(ByUserID("alice"), ByTenantID("acme"), nil)
		match := Envelope{Metadata: Metadata{UserID: "alice", TenantID: "acme"}}
		miss := Envelope{Metadata: Metadata{UserID: "alice", TenantID: "globex"}}
		if !f(match) || f(miss) {
			t.Error("AllOf did not combine conjunctively")
		}
	})
}

// TestMemoryBus_DLQ verifies dead-lettering of undeliverable events.
func TestMemoryBus_DLQ(t *testing.T) {
	t.Run("slow subscriber overflows to the DLQ", func(t *testing.T) {
		var dlqReasons []string
		b := newOrderBus(MemoryBusOptions{
			HistorySize: 1,
			OnDLQWrite: func(_ Envelope, reason string) {
				dlqReasons = append(dlqReasons, reason)
			},
		})
		defer b.Close()

		sub, err := b.Subscribe(context.Background(), orderChannel, SubscribeOptions{BufferSize: 1})
		if err != nil {
			t.Fatalf("subscribe failed: %v", err)
		}
		defer sub.Close()

		// Never drained: the second publish overflows the buffer.
		b.Publish(context.Background(), orderChannel, orderEvent{Seq: 1}, Metadata{})
		b.Publish(context.Background(), orderChannel, orderEvent{Seq: 2}, Metadata{})

		entries := b.DLQEntries()
		if len(entries) != 1 {
			t.Fatalf("expected 1 DLQ entry, got %d", len(entries))
		}
		if entries[0].Reason != "subscriber buffer overflow" {
			t.Errorf("unexpected reason: %s", entries[0].Reason)
		}
		if len(dlqReasons) != 1 {
			t.Errorf("callback not invoked: %v", dlqReasons)
		}

		// The dropped subscriber still drains what it buffered, then its
		// channel closes so a ranging consumer unblocks.
		if d := receive(t, sub); d.Payload.(orderEvent).Seq != 1 {
			t.Errorf("buffered delivery lost: %+v", d.Payload)
		}
		select {
		case _, ok := <-sub.C():
			if ok {
				t.Error("expected the dropped subscription's channel to close")
			}
		case <-time.After(time.Second):
			t.Error("dropped subscription never closed")
		}
	})

	t.Run("undecodable payload goes to the DLQ", func(t *testing.T) {
		b := NewMemoryBus(MemoryBusOptions{})
		defer b.Close()
		b.Registry().Register(orderChannel, brokenCodec{})

		if err := b.Publish(context.Background(), orderChannel, orderEvent{}, Metadata{}); err != nil {
			t.Fatalf("publish should dead-letter, not fail: %v", err)
		}
		entries := b.DLQEntries()
		if len(entries) != 1 {
			t.Fatalf("expected 1 DLQ entry, got %d", len(entries))
		}
	})
}

// brokenCodec marshals fine but never unmarshals.
type brokenCodec struct{}

func (brokenCodec) Marshal(any) ([]byte, error) { return []byte("{}"), nil }

func (brokenCodec) Unmarshal([]byte) (any, error) { return nil, errors.New("corrupt") }

// TestMemoryBus_Close verifies shutdown semantics.
func TestMemoryBus_Close(t *testing.T) {
	b := newOrderBus(MemoryBusOptions{})

	sub, err := b.Subscribe(context.Background(), orderChannel, SubscribeOptions{})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	if err := b.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if _, ok := <-sub.C(); ok {
		t.Error("subscription channel should be closed")
	}

	if err := b.Publish(context.Background(), orderChannel, orderEvent{}, Metadata{}); !errors.Is(err, ErrBusClosed) {
		t.Errorf("expected ErrBusClosed, got %v", err)
	}
	if _, err := b.Subscribe(context.Background(), orderChannel, SubscribeOptions{}); !errors.Is(err, ErrBusClosed) {
		t.Errorf("expected ErrBusClosed, got %v", err)
	}
	if err := b.Close(); err != nil {
		t.Errorf("double close should be a no-op: %v", err)
	}
}
