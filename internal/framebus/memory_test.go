package framebus

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"livecast/internal/streamid"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// collector gathers frames delivered to a handler.
type collector struct {
	mu     sync.Mutex
	frames [][]byte
	notify chan struct{}
}

func newCollector() *collector {
	return &collector{notify: make(chan struct{}, 1024)}
}

func (c *collector) handle(p []byte) {
	c.mu.Lock()
	c.frames = append(c.frames, p)
	c.mu.Unlock()
	c.notify <- struct{}{}
}

func (c *collector) wait(t *testing.T, n int) [][]byte {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		c.mu.Lock()
		got := len(c.frames)
		c.mu.Unlock()
		if got >= n {
			break
		}
		select {
		case <-c.notify:
		case <-deadline:
			require.FailNow(t, fmt.Sprintf("timed out waiting for %d frames, got %d", n, got))
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.frames))
	copy(out, c.frames)
	return out
}

func TestMemoryBus_orderedDelivery(t *testing.T) {
	bus := NewMemoryBus(quietLogger(), 8)
	defer bus.Close()
	ctx := context.Background()
	id := streamid.MustParse("s1")

	c := newCollector()
	sub, err := bus.Subscribe(ctx, id, c.handle)
	require.NoError(t, err)
	defer sub.Close()

	const n = 500
	var want bytes.Buffer
	for i := 0; i < n; i++ {
		frame := []byte(fmt.Sprintf("frame-%04d;", i))
		want.Write(frame)
		require.NoError(t, bus.Publish(ctx, id, frame))
	}

	got := bytes.Join(c.wait(t, n), nil)
	assert.Equal(t, want.String(), string(got))
}

func TestMemoryBus_concurrentTopicsStayOrdered(t *testing.T) {
	bus := NewMemoryBus(quietLogger(), 0)
	defer bus.Close()
	ctx := context.Background()

	var ids []streamid.ID
	for _, raw := range []string{"a", "b", "c", "d"} {
		ids = append(ids, streamid.MustParse(raw))
	}
	collectors := make(map[streamid.ID]*collector)
	for _, id := range ids {
		c := newCollector()
		collectors[id] = c
		sub, err := bus.Subscribe(ctx, id, c.handle)
		require.NoError(t, err)
		defer sub.Close()
	}

	const n = 200
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id streamid.ID) {
			defer wg.Done()
			for i := 0; i < n; i++ {
				_ = bus.Publish(ctx, id, []byte(fmt.Sprintf("%s%03d", id, i)))
			}
		}(id)
	}
	wg.Wait()

	for _, id := range ids {
		frames := collectors[id].wait(t, n)
		for i, f := range frames {
			assert.Equal(t, fmt.Sprintf("%s%03d", id, i), string(f))
		}
	}
}

func TestMemoryBus_publishWithoutSubscriberDrops(t *testing.T) {
	bus := NewMemoryBus(quietLogger(), 0)
	defer bus.Close()
	ctx := context.Background()
	id := streamid.MustParse("late")

	require.NoError(t, bus.Publish(ctx, id, []byte("dropped")))

	c := newCollector()
	sub, err := bus.Subscribe(ctx, id, c.handle)
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, bus.Publish(ctx, id, []byte("kept")))
	frames := c.wait(t, 1)
	require.Len(t, frames, 1)
	assert.Equal(t, "kept", string(frames[0]))
}

func TestMemoryBus_unsubscribeStopsDelivery(t *testing.T) {
	bus := NewMemoryBus(quietLogger(), 0)
	defer bus.Close()
	ctx := context.Background()
	id := streamid.MustParse("s1")

	c := newCollector()
	sub, err := bus.Subscribe(ctx, id, c.handle)
	require.NoError(t, err)
	require.NoError(t, bus.Publish(ctx, id, []byte("one")))
	c.wait(t, 1)

	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close(), "second close is a no-op")
	assert.Equal(t, 0, bus.SubscriberCount(id))

	require.NoError(t, bus.Publish(ctx, id, []byte("two")))
	time.Sleep(20 * time.Millisecond)
	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Len(t, c.frames, 1)
}

func TestMemoryBus_closeDeliversQueuedFrames(t *testing.T) {
	bus := NewMemoryBus(quietLogger(), 256)
	defer bus.Close()
	ctx := context.Background()
	id := streamid.MustParse("s1")

	var got bytes.Buffer
	sub, err := bus.Subscribe(ctx, id, func(p []byte) {
		time.Sleep(100 * time.Microsecond)
		got.Write(p)
	})
	require.NoError(t, err)

	const n = 200
	var want bytes.Buffer
	for i := 0; i < n; i++ {
		frame := []byte(fmt.Sprintf("f%08d;", i))
		want.Write(frame)
		require.NoError(t, bus.Publish(ctx, id, frame))
	}
	require.NoError(t, sub.Close())

	// Close has returned, so the handler is done; no wait needed.
	assert.Equal(t, want.Len(), got.Len())
	assert.Equal(t, want.String(), got.String())
	assert.Equal(t, 0, bus.SubscriberCount(id))
}

func TestMemoryBus_closeDrainIsBounded(t *testing.T) {
	bus := NewMemoryBus(quietLogger(), 8)
	bus.drainTimeout = 50 * time.Millisecond
	defer bus.Close()
	ctx := context.Background()
	id := streamid.MustParse("stuck")

	release := make(chan struct{})
	defer close(release)
	var calls atomic.Int32
	sub, err := bus.Subscribe(ctx, id, func([]byte) {
		calls.Add(1)
		<-release
	})
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		require.NoError(t, bus.Publish(ctx, id, []byte("x")))
	}
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)

	start := time.Now()
	require.NoError(t, sub.Close())
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 0, bus.SubscriberCount(id))
	assert.Equal(t, int32(1), calls.Load(), "queued frames are dropped after the timeout")
}

func TestMemoryBus_contextCancelEndsSubscription(t *testing.T) {
	bus := NewMemoryBus(quietLogger(), 0)
	defer bus.Close()
	id := streamid.MustParse("s1")

	ctx, cancel := context.WithCancel(context.Background())
	_, err := bus.Subscribe(ctx, id, func([]byte) {})
	require.NoError(t, err)
	cancel()

	require.Eventually(t, func() bool { return bus.SubscriberCount(id) == 0 }, time.Second, 5*time.Millisecond)
}

func TestMemoryBus_publishBlockedByFullQueueHonoursContext(t *testing.T) {
	bus := NewMemoryBus(quietLogger(), 1)
	defer bus.Close()
	id := streamid.MustParse("slow")

	release := make(chan struct{})
	sub, err := bus.Subscribe(context.Background(), id, func([]byte) { <-release })
	require.NoError(t, err)
	defer func() {
		close(release)
		sub.Close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	var pubErr error
	for i := 0; i < 10 && pubErr == nil; i++ {
		pubErr = bus.Publish(ctx, id, []byte("x"))
	}
	assert.True(t, errors.Is(pubErr, context.DeadlineExceeded), "got %v", pubErr)
}

func TestMemoryBus_closed(t *testing.T) {
	bus := NewMemoryBus(quietLogger(), 0)
	id := streamid.MustParse("s1")
	_, err := bus.Subscribe(context.Background(), id, func([]byte) {})
	require.NoError(t, err)

	require.NoError(t, bus.Close())
	assert.ErrorIs(t, bus.Publish(context.Background(), id, []byte("x")), ErrClosed)
	_, err = bus.Subscribe(context.Background(), id, func([]byte) {})
	assert.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, 0, bus.SubscriberCount(id))
}
