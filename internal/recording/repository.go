package recording

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"livecast/internal/streamid"
)

// Repository defines the concurrency-safe contract for reading and mutating
// recording metadata.
type Repository interface {
	// CreateForStream records a new live stream owned by ownerID. A stream
	// id that already has a record is refused with streamid.ErrUsed.
	CreateForStream(ctx context.Context, streamID streamid.ID, ownerID, artifactPath string) (Record, error)

	// Finish marks the newest record of streamID as finished with the given
	// artifact. Finishing an already finished record is a no-op, as is
	// finishing a stream without a record.
	Finish(ctx context.Context, streamID streamid.ID, artifactPath string, at time.Time) (Record, bool, error)

	Get(ctx context.Context, id int64) (Record, error)
	Latest(ctx context.Context, streamID streamid.ID) (Record, error)
	ListByOwner(ctx context.Context, ownerID string) ([]Record, error)
	Delete(ctx context.Context, id int64) error

	// ActiveCount returns the number of records whose stream is still live.
	// Used for metrics.
	ActiveCount() int
}

// StoreRepository is a concurrency-safe Repository backed by a Store.
type StoreRepository struct {
	mu     sync.RWMutex
	store  Store
	active map[int64]struct{}
}

// NewInMemoryRepository constructs a repository with a default in-memory store.
func NewInMemoryRepository() *StoreRepository {
	return NewRepositoryWithStore(NewInMemoryStore())
}

// NewRepositoryWithStore constructs a repository that uses the given Store.
func NewRepositoryWithStore(store Store) *StoreRepository {
	return &StoreRepository{store: store, active: make(map[int64]struct{})}
}

// CreateForStream implements Repository.CreateForStream.
func (r *StoreRepository) CreateForStream(ctx context.Context, streamID streamid.ID, ownerID, artifactPath string) (Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, err := r.store.LatestForStream(ctx, streamID)
	switch {
	case err == nil:
		return Record{}, fmt.Errorf("stream %s has record %d: %w", streamID, prev.ID, streamid.ErrUsed)
	case !errors.Is(err, ErrNotFound):
		return Record{}, err
	}

	rec, err := r.store.Create(ctx, Record{
		StreamID:     streamID,
		OwnerID:      ownerID,
		ArtifactPath: artifactPath,
		CreatedAt:    time.Now().UTC(),
	})
	if err != nil {
		return Record{}, err
	}
	r.active[rec.ID] = struct{}{}
	return rec, nil
}

// Finish implements Repository.Finish.
func (r *StoreRepository) Finish(ctx context.Context, streamID streamid.ID, artifactPath string, at time.Time) (Record, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, err := r.store.LatestForStream(ctx, streamID)
	if errors.Is(err, ErrNotFound) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	if rec.Finished() {
		return rec, false, nil
	}

	rec.FinishedAt = at.UTC()
	rec.ArtifactPath = artifactPath
	if err := r.store.Update(ctx, rec); err != nil {
		return Record{}, false, err
	}
	delete(r.active, rec.ID)
	return rec, true, nil
}

// Get implements Repository.Get.
func (r *StoreRepository) Get(ctx context.Context, id int64) (Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.store.Get(ctx, id)
}

// Latest implements Repository.Latest.
func (r *StoreRepository) Latest(ctx context.Context, streamID streamid.ID) (Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.store.LatestForStream(ctx, streamID)
}

// ListByOwner implements Repository.ListByOwner.
func (r *StoreRepository) ListByOwner(ctx context.Context, ownerID string) ([]Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.store.ListByOwner(ctx, ownerID)
}

// Delete implements Repository.Delete.
func (r *StoreRepository) Delete(ctx context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.store.Delete(ctx, id); err != nil {
		return err
	}
	delete(r.active, id)
	return nil
}

// ActiveCount implements Repository.ActiveCount.
func (r *StoreRepository) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.active)
}
