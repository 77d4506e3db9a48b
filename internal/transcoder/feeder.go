package transcoder

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"livecast/internal/framebus"
	"livecast/internal/streamid"
)

// Feeder connects a frame bus topic to the Supervisor: every frame
// published for a stream is written to that stream's transcoder.
type Feeder struct {
	bus  framebus.Bus
	sup  *Supervisor
	log  *slog.Logger
	subs sync.Map // streamid.ID -> framebus.Subscription
}

// NewFeeder returns a Feeder that subscribes on bus and feeds sup.
func NewFeeder(bus framebus.Bus, sup *Supervisor, log *slog.Logger) *Feeder {
	if log == nil {
		log = slog.Default()
	}
	return &Feeder{bus: bus, sup: sup, log: log.With(slog.String("component", "feeder"))}
}

// Attach starts the transcoder for id and subscribes it to the stream's
// topic. Once Attach returns, frames published for id reach the transcoder.
// A failed Attach leaves neither a process nor a subscription behind.
func (f *Feeder) Attach(ctx context.Context, id streamid.ID) error {
	if _, err := f.sup.Start(ctx, id); err != nil {
		return fmt.Errorf("start transcoder: %w", err)
	}

	// The subscription outlives the request that attached it; Detach ends it.
	sub, err := f.bus.Subscribe(context.WithoutCancel(ctx), id, func(frame []byte) {
		f.sup.Feed(id, frame)
	})
	if err != nil {
		f.sup.Stop(id)
		return fmt.Errorf("subscribe frames: %w", err)
	}
	if prev, loaded := f.subs.Swap(id, sub); loaded {
		_ = prev.(framebus.Subscription).Close()
	}
	f.log.Info("stream attached", slog.String("stream_id", id.String()))
	return nil
}

// Detach unsubscribes id and stops its transcoder. Frames the subscription
// had already accepted are written before stdin is closed. It is
// idempotent.
func (f *Feeder) Detach(id streamid.ID) {
	if v, ok := f.subs.LoadAndDelete(id); ok {
		if err := v.(framebus.Subscription).Close(); err != nil {
			f.log.Warn("close frame subscription", slog.String("stream_id", id.String()), slog.String("error", err.Error()))
		}
	}
	f.sup.Stop(id)
	f.log.Info("stream detached", slog.String("stream_id", id.String()))
}
