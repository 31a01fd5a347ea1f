package command

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"msgfleet/internal/eventbus"
)

func TestMemoryBrokerDelivers(t *testing.T) {
	t.Parallel()
	b := NewMemory(eventbus.New())
	defer b.Close()

	got := make(chan Envelope, 1)
	unsub, err := b.Subscribe("acc_1", func(env Envelope) { got <- env })
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer unsub()

	payload, _ := json.Marshal(map[string]any{"enabled": false})
	if err := b.Publish(context.Background(), "acc_1", Envelope{Command: UpdateConfig, Payload: payload}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case env := <-got:
		if env.Command != UpdateConfig {
			t.Fatalf("Command = %q", env.Command)
		}
		if env.Timestamp.IsZero() {
			t.Fatal("Publish must stamp Timestamp")
		}
	case <-time.After(time.Second):
		t.Fatal("envelope not delivered")
	}
}

func TestMemoryBrokerTopicIsolation(t *testing.T) {
	t.Parallel()
	b := NewMemory(eventbus.New())
	defer b.Close()

	got := make(chan Envelope, 1)
	unsub, _ := b.Subscribe("acc_1", func(env Envelope) { got <- env })
	defer unsub()

	if err := b.Publish(context.Background(), "acc_2", Envelope{Command: UpdateConfig}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	select {
	case <-got:
		t.Fatal("envelope for acc_2 delivered to acc_1 subscriber")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPublishWithoutSubscriberIsLost(t *testing.T) {
	t.Parallel()
	b := NewMemory(eventbus.New())
	defer b.Close()

	// Best-effort contract: no subscriber, no error, message gone.
	if err := b.Publish(context.Background(), "acc_1", Envelope{Command: UpdateConfig}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
}
