package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fisaks/scalegate/internal/model"
)

func TestPublishDeliversToSubscriber(t *testing.T) {
	b := New()
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	b.Publish(model.EventMessage{Type: "weight_update", DeviceID: 1})

	select {
	case msg := <-ch:
		assert.Equal(t, int64(1), msg.DeviceID)
	case <-time.After(time.Second):
		t.Fatal("expected message on subscriber channel")
	}
}

func TestPublishNeverBlocksWhenQueueFull(t *testing.T) {
	b := New()
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	for i := 0; i < queueCapacity+50; i++ {
		b.Publish(model.EventMessage{Type: "weight_update", DeviceID: int64(i)})
	}

	assert.Len(t, ch, queueCapacity)

	// The oldest messages should have been dropped: the channel holds the
	// most recent queueCapacity entries.
	first := <-ch
	assert.Equal(t, int64(50), first.DeviceID)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	ch := b.Subscribe()
	b.Unsubscribe(ch)

	b.Publish(model.EventMessage{Type: "weight_update", DeviceID: 99})

	select {
	case <-ch:
		t.Fatal("did not expect delivery after unsubscribe")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscribeIsConcurrencySafe(t *testing.T) {
	b := New()
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			ch := b.Subscribe()
			b.Unsubscribe(ch)
		}
		close(done)
	}()

	for i := 0; i < 100; i++ {
		b.Publish(model.EventMessage{Type: "weight_update"})
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("subscribe/unsubscribe goroutine did not finish")
	}
	require.True(t, true)
}
