package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSubscribeFiltersByType(t *testing.T) {
	b := NewBus(8, zap.NewNop())
	defer b.Close()

	sub := b.Subscribe(TypeTaskCompleted)
	defer sub.Cancel()

	b.Publish(Event{Type: TypeTaskStarted, TaskID: "skip-me"})
	b.Publish(Event{Type: TypeTaskCompleted, TaskID: "t1"})

	ev := <-sub.C
	assert.Equal(t, TypeTaskCompleted, ev.Type)
	assert.Equal(t, "t1", ev.TaskID)
	assert.False(t, ev.Time.IsZero(), "zero Time is stamped at publish")

	select {
	case extra := <-sub.C:
		t.Fatalf("unexpected event %q", extra.Type)
	default:
	}
}

func TestSubscribeWithoutTypesReceivesAll(t *testing.T) {
	b := NewBus(8, zap.NewNop())
	defer b.Close()

	sub := b.Subscribe()
	defer sub.Cancel()

	b.Publish(Event{Type: TypeMemoryPressure, Pressure: 0.8})
	b.Publish(Event{Type: TypeLeakDetected, Name: "file", Count: 3})

	first := <-sub.C
	second := <-sub.C
	assert.Equal(t, TypeMemoryPressure, first.Type)
	assert.Equal(t, TypeLeakDetected, second.Type)
}

func TestPublishDropsForSlowSubscriber(t *testing.T) {
	b := NewBus(2, zap.NewNop())
	defer b.Close()

	slow := b.Subscribe(TypeTaskCompleted)
	defer slow.Cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			b.Publish(Event{Type: TypeTaskCompleted, Count: int64(i)})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber buffer")
	}
	assert.Equal(t, int64(3), b.Dropped())

	// The buffered events survive in order.
	assert.Equal(t, int64(0), (<-slow.C).Count)
	assert.Equal(t, int64(1), (<-slow.C).Count)
}

func TestCancelDetachesSubscriber(t *testing.T) {
	b := NewBus(4, zap.NewNop())
	defer b.Close()

	sub := b.Subscribe()
	sub.Cancel()
	sub.Cancel() // second cancel is harmless

	_, open := <-sub.C
	assert.False(t, open)

	b.Publish(Event{Type: TypeTaskCompleted})
	assert.Zero(t, b.Dropped(), "events bound for a cancelled subscriber are not counted as drops")
}

func TestCloseClosesSubscriptionsAndMutesPublish(t *testing.T) {
	b := NewBus(4, zap.NewNop())
	sub := b.Subscribe()

	b.Close()
	b.Close() // idempotent

	_, open := <-sub.C
	require.False(t, open)

	b.Publish(Event{Type: TypeTaskCompleted})
	assert.Zero(t, b.Dropped())

	late := b.Subscribe(TypeTaskFailed)
	_, open = <-late.C
	assert.False(t, open, "subscribing after close yields a closed feed")
	late.Cancel()
}
