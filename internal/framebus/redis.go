package framebus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"livecast/internal/streamid"
)

const (
	defaultRedisTimeout = 5 * time.Second
	redisChannelSize    = 512
)

// RedisBus is a Bus backed by Redis PUBLISH/SUBSCRIBE.
type RedisBus struct {
	client       goredis.UniversalClient
	log          *slog.Logger
	drainTimeout time.Duration
	closed       atomic.Bool

	mu   sync.Mutex
	subs map[*redisSub]struct{}
}

type redisSub struct {
	bus     *RedisBus
	topic   string
	ps      *goredis.PubSub
	abandon chan struct{} // closed to drop messages not yet handled
	stopped chan struct{} // closed when run returns
	leave   sync.Once
	drop    sync.Once
	release sync.Once
	err     error
}

// NewRedisClient parses redisURL and verifies the server is reachable.
func NewRedisClient(ctx context.Context, redisURL string) (*goredis.Client, error) {
	if redisURL == "" {
		return nil, fmt.Errorf("redis url is required")
	}
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = defaultRedisTimeout
	}
	if opts.WriteTimeout == 0 {
		opts.WriteTimeout = defaultRedisTimeout
	}

	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// NewRedisBus wraps client. The bus does not own the client; closing the
// bus only ends its subscriptions.
func NewRedisBus(client goredis.UniversalClient, log *slog.Logger) *RedisBus {
	if log == nil {
		log = slog.Default()
	}
	return &RedisBus{client: client, log: log, drainTimeout: DrainTimeout, subs: make(map[*redisSub]struct{})}
}

// Publish implements Bus.Publish.
func (b *RedisBus) Publish(ctx context.Context, id streamid.ID, payload []byte) error {
	if b.closed.Load() {
		return ErrClosed
	}
	topic := id.Topic(TopicPrefix)
	if err := b.client.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe implements Bus.Subscribe. The SUBSCRIBE is acknowledged by the
// server before Subscribe returns.
func (b *RedisBus) Subscribe(ctx context.Context, id streamid.ID, h Handler) (Subscription, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}
	topic := id.Topic(TopicPrefix)
	ps := b.client.Subscribe(ctx, topic)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}

	s := &redisSub{
		bus:     b,
		topic:   topic,
		ps:      ps,
		abandon: make(chan struct{}),
		stopped: make(chan struct{}),
	}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	// Subscription events are needed to see the UNSUBSCRIBE confirmation,
	// which the server sends after every message published before it.
	ch := ps.ChannelWithSubscriptions(goredis.WithChannelSize(redisChannelSize))
	go s.run(ctx, ch, h)
	b.log.Debug("frame bus subscribed", slog.String("topic", topic))
	return s, nil
}

// Close implements Bus.Close.
func (b *RedisBus) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	b.mu.Lock()
	subs := make([]*redisSub, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()
	for _, s := range subs {
		_ = s.Close()
	}
	return nil
}

func (s *redisSub) run(ctx context.Context, ch <-chan interface{}, h Handler) {
	defer close(s.stopped)
	for {
		select {
		case <-s.abandon:
			return
		case <-ctx.Done():
			s.dropQueued()
			_ = s.closePubSub()
			return
		case v, ok := <-ch:
			if !ok {
				return
			}
			switch m := v.(type) {
			case *goredis.Message:
				select {
				case <-s.abandon:
					return
				default:
				}
				h([]byte(m.Payload))
			case *goredis.Subscription:
				if m.Kind == "unsubscribe" && m.Channel == s.topic {
					return
				}
			}
		}
	}
}

func (s *redisSub) dropQueued() {
	s.drop.Do(func() { close(s.abandon) })
}

func (s *redisSub) closePubSub() error {
	s.release.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
		if err := s.ps.Close(); err != nil {
			s.err = fmt.Errorf("close subscription %s: %w", s.topic, err)
		}
		s.bus.log.Debug("frame bus unsubscribed", slog.String("topic", s.topic))
	})
	return s.err
}

// Close implements Subscription.Close. It unsubscribes and keeps handing
// messages to the handler until the server confirms, bounded by the bus
// drain timeout.
func (s *redisSub) Close() error {
	expired := make(chan struct{})
	timer := time.AfterFunc(s.bus.drainTimeout, func() {
		s.dropQueued()
		close(expired)
	})
	defer timer.Stop()

	s.leave.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.bus.drainTimeout)
		defer cancel()
		if err := s.ps.Unsubscribe(ctx, s.topic); err != nil {
			// No confirmation will arrive.
			s.dropQueued()
		}
	})
	select {
	case <-s.stopped:
	case <-expired:
		s.bus.log.Warn("frame bus drain timed out, queued frames dropped", slog.String("topic", s.topic))
	}
	return s.closePubSub()
}
