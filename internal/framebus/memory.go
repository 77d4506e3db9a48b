package framebus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"livecast/internal/streamid"
)

// DefaultQueueSize is the per-subscription buffer of the in-memory bus.
const DefaultQueueSize = 256

// MemoryBus is a single-node Bus. Each topic keeps its own subscriber set
// behind its own lock, so publishers on different streams never contend.
type MemoryBus struct {
	log          *slog.Logger
	queueSize    int
	drainTimeout time.Duration
	topics       sync.Map // streamid.ID -> *memTopic
	closed       atomic.Bool
}

type memTopic struct {
	mu   sync.RWMutex
	subs map[*memSub]struct{}
	dead bool
}

type memSub struct {
	bus   *MemoryBus
	id    streamid.ID
	topic *memTopic
	// ch is closed once the sub has left its topic; run then feeds what is
	// still queued and returns.
	ch      chan []byte
	abandon chan struct{} // closed to drop queued frames
	stopped chan struct{} // closed when run returns
	leave   sync.Once
	drop    sync.Once
	handler Handler
}

// NewMemoryBus returns an empty bus. queueSize <= 0 selects DefaultQueueSize.
func NewMemoryBus(log *slog.Logger, queueSize int) *MemoryBus {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if log == nil {
		log = slog.Default()
	}
	return &MemoryBus{log: log, queueSize: queueSize, drainTimeout: DrainTimeout}
}

// Publish implements Bus.Publish. When a subscriber queue is full Publish
// waits for room until ctx is done, which surfaces a stalled consumer to
// the publisher instead of dropping frames from the middle of a stream.
func (b *MemoryBus) Publish(ctx context.Context, id streamid.ID, payload []byte) error {
	if b.closed.Load() {
		return ErrClosed
	}
	v, ok := b.topics.Load(id)
	if !ok {
		return nil
	}
	t := v.(*memTopic)

	frame := make([]byte, len(payload))
	copy(frame, payload)

	t.mu.RLock()
	defer t.mu.RUnlock()
	for s := range t.subs {
		select {
		case s.ch <- frame:
		case <-s.abandon:
		case <-ctx.Done():
			return fmt.Errorf("publish %s: %w", id.Topic(TopicPrefix), ctx.Err())
		}
	}
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *MemoryBus) Subscribe(ctx context.Context, id streamid.ID, h Handler) (Subscription, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}
	s := &memSub{
		bus:     b,
		id:      id,
		ch:      make(chan []byte, b.queueSize),
		abandon: make(chan struct{}),
		stopped: make(chan struct{}),
		handler: h,
	}
	for {
		v, _ := b.topics.LoadOrStore(id, &memTopic{subs: make(map[*memSub]struct{})})
		t := v.(*memTopic)
		t.mu.Lock()
		if t.dead {
			// Lost a race with the last subscriber leaving; the topic has
			// been removed from the map, so retry with a fresh one.
			t.mu.Unlock()
			continue
		}
		t.subs[s] = struct{}{}
		s.topic = t
		t.mu.Unlock()
		break
	}

	go s.run(ctx)
	b.log.Debug("frame bus subscribed", slog.String("topic", id.Topic(TopicPrefix)))
	return s, nil
}

// Close implements Bus.Close.
func (b *MemoryBus) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	b.topics.Range(func(_, v any) bool {
		t := v.(*memTopic)
		t.mu.RLock()
		subs := make([]*memSub, 0, len(t.subs))
		for s := range t.subs {
			subs = append(subs, s)
		}
		t.mu.RUnlock()
		for _, s := range subs {
			_ = s.Close()
		}
		return true
	})
	return nil
}

// SubscriberCount reports the number of live subscriptions on id.
func (b *MemoryBus) SubscriberCount(id streamid.ID) int {
	v, ok := b.topics.Load(id)
	if !ok {
		return 0
	}
	t := v.(*memTopic)
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.subs)
}

func (s *memSub) run(ctx context.Context) {
	defer close(s.stopped)
	for {
		select {
		case <-s.abandon:
			return
		case <-ctx.Done():
			s.dropQueued()
			s.unregister()
			return
		case frame, ok := <-s.ch:
			if !ok {
				return
			}
			select {
			case <-s.abandon:
				return
			default:
			}
			s.handler(frame)
		}
	}
}

// unregister removes the sub from its topic and closes ch. Publishers only
// send while holding the topic read lock, so nothing sends on ch after the
// write lock has been taken here.
func (s *memSub) unregister() {
	s.leave.Do(func() {
		t := s.topic
		t.mu.Lock()
		delete(t.subs, s)
		if len(t.subs) == 0 {
			t.dead = true
			s.bus.topics.CompareAndDelete(s.id, t)
		}
		t.mu.Unlock()
		close(s.ch)
		s.bus.log.Debug("frame bus unsubscribed", slog.String("topic", s.id.Topic(TopicPrefix)))
	})
}

func (s *memSub) dropQueued() {
	s.drop.Do(func() { close(s.abandon) })
}

// Close implements Subscription.Close. Frames already queued are handed to
// the handler before Close returns. Once the bus drain timeout elapses the
// rest are dropped and Close returns; a handler call in progress at that
// point may still complete. Close must not be called from the handler.
func (s *memSub) Close() error {
	expired := make(chan struct{})
	timer := time.AfterFunc(s.bus.drainTimeout, func() {
		s.dropQueued()
		close(expired)
	})
	defer timer.Stop()

	s.unregister()
	select {
	case <-s.stopped:
	case <-expired:
		s.bus.log.Warn("frame bus drain timed out, queued frames dropped",
			slog.String("topic", s.id.Topic(TopicPrefix)), slog.Int("queued", len(s.ch)))
	}
	return nil
}
