package recording

import (
	"time"

	"livecast/internal/streamid"
)

// Record is the metadata of one recorded live stream.
type Record struct {
	ID       int64       `json:"recordId"`
	StreamID streamid.ID `json:"streamId"`
	OwnerID  string      `json:"ownerId"`

	// ArtifactPath is the durable recording relative to the storage root.
	// It is empty until the stream has finished with a recording.
	ArtifactPath string    `json:"-"`
	CreatedAt    time.Time `json:"createdAt"`
	FinishedAt   time.Time `json:"finishedAt,omitzero"`
}

// Finished reports whether the live phase of the stream is over.
func (r Record) Finished() bool { return !r.FinishedAt.IsZero() }

// Ready reports whether the recording can be played back.
func (r Record) Ready() bool { return r.Finished() && r.ArtifactPath != "" }

// Details is the API view of a Record.
type Details struct {
	Record
	Playable bool `json:"ready"`
}

// StreamURL is the body of a playback link response.
type StreamURL struct {
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expiresAt"`
}
