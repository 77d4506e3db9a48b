// Package framebus decouples ingest sessions from transcoders with a
// topic-per-stream publish/subscribe channel carrying raw frame bytes.
//
// Delivery is at-most-once: frames published while a topic has no
// subscriber are dropped. Frames from one publisher on one topic reach each
// subscriber in publish order.
package framebus

import (
	"context"
	"errors"
	"time"

	"livecast/internal/streamid"
)

// TopicPrefix is prepended to the stream ID to form the channel name.
const TopicPrefix = "raw_frames:"

// DrainTimeout bounds how long Subscription.Close keeps handing already
// accepted frames to the handler.
const DrainTimeout = 5 * time.Second

// ErrClosed is returned when publishing on, or subscribing to, a closed bus.
var ErrClosed = errors.New("frame bus closed")

// Handler receives one published frame. Handlers for the same subscription
// are never called concurrently.
type Handler func(payload []byte)

// Subscription is an active registration of a Handler on a topic.
type Subscription interface {
	// Close stops delivery of new frames and hands frames the subscription
	// has already accepted to the handler before returning. After
	// DrainTimeout the remaining frames are dropped and Close returns. It is
	// safe to call more than once.
	Close() error
}

// Bus is the publish/subscribe contract shared by the in-memory and Redis
// implementations.
type Bus interface {
	// Publish sends one frame to the topic for id. A nil error does not
	// imply that anybody received it.
	Publish(ctx context.Context, id streamid.ID, payload []byte) error

	// Subscribe registers h on the topic for id. When Subscribe returns
	// without error every frame published afterwards is delivered to h.
	// The subscription also ends when ctx is cancelled.
	Subscribe(ctx context.Context, id streamid.ID, h Handler) (Subscription, error)

	// Close releases the bus and ends all subscriptions.
	Close() error
}
