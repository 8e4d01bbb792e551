package streaming

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishSubscribe(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, Filter{})
	require.NoError(t, err)
	defer cancel()

	event := Event{
		Type:     TypeAttributeChanged,
		EntityID: "app",
		Name:     "color",
		Value:    "blue",
	}
	require.NoError(t, hub.Publish(ctx, event))

	select {
	case got := <-ch:
		assert.Equal(t, event, got)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestFilterByEntityAndName(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, Filter{
		Types:    []string{TypeAttributeChanged},
		EntityID: "app",
		Names:    []string{"color", "size"},
	})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, Event{Type: TypeAttributeChanged, EntityID: "app", Name: "color"}))
	require.NoError(t, hub.Publish(ctx, Event{Type: TypeAttributeChanged, EntityID: "other", Name: "color"}))
	require.NoError(t, hub.Publish(ctx, Event{Type: TypeAttributeChanged, EntityID: "app", Name: "weight"}))
	require.NoError(t, hub.Publish(ctx, Event{Type: TypeRunEvent, EntityID: "app", Name: "size"}))
	require.NoError(t, hub.Publish(ctx, Event{Type: TypeAttributeChanged, EntityID: "app", Name: "size"}))

	var received []string
	for i := 0; i < 2; i++ {
		select {
		case got := <-ch:
			received = append(received, got.Name)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
	assert.Equal(t, []string{"color", "size"}, received)

	select {
	case evt := <-ch:
		t.Fatalf("unexpected event: %+v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestFilterByRunID(t *testing.T) {
	f := Filter{RunID: "r1"}
	assert.True(t, f.Matches(Event{RunID: "r1", Type: TypeRunEvent}))
	assert.False(t, f.Matches(Event{RunID: "r2", Type: TypeRunEvent}))
	assert.True(t, Filter{}.Matches(Event{}))
}

func TestCancelClosesChannel(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, Filter{})
	require.NoError(t, err)

	cancel()
	cancel()

	require.NoError(t, hub.Publish(ctx, Event{Type: TypeRunEvent, Name: "x"}))

	_, open := <-ch
	assert.False(t, open)

	hub.mu.RLock()
	assert.Empty(t, hub.subs)
	hub.mu.RUnlock()
}

func TestBackpressure(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, Filter{})
	require.NoError(t, err)
	defer cancel()

	for i := 0; i < defaultChannelBuffer+10; i++ {
		require.NoError(t, hub.Publish(ctx, Event{Type: TypeRunEvent, Name: "tick"}))
	}

	drained := 0
	for {
		select {
		case <-ch:
			drained++
		default:
			assert.Equal(t, defaultChannelBuffer, drained)
			return
		}
	}
}

func TestConcurrentAccess(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()
	const goroutines = 20

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = hub.Publish(ctx, Event{Type: TypeRunEvent, Name: "tick"})
			}
		}()
		go func() {
			defer wg.Done()
			ch, cancel, err := hub.Subscribe(ctx, Filter{})
			if err != nil {
				return
			}
			for range 5 {
				select {
				case <-ch:
				case <-time.After(10 * time.Millisecond):
				}
			}
			cancel()
		}()
	}
	wg.Wait()
}

func TestCancelledContext(t *testing.T) {
	hub := NewMemoryHub()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, hub.Publish(ctx, Event{}), context.Canceled)
	_, _, err := hub.Subscribe(ctx, Filter{})
	assert.ErrorIs(t, err, context.Canceled)
}
