package recording

import (
	"context"
	"errors"

	"livecast/internal/streamid"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("recording not found")

// Store is the persistence abstraction for recording metadata.
// The Repository serializes access, so implementations need not be safe for
// concurrent use on their own.
type Store interface {
	// Create assigns rec an ID and saves it.
	Create(ctx context.Context, rec Record) (Record, error)
	Get(ctx context.Context, id int64) (Record, error)
	// Update replaces an existing record.
	Update(ctx context.Context, rec Record) error
	Delete(ctx context.Context, id int64) error
	// LatestForStream returns the most recently created record of a stream.
	LatestForStream(ctx context.Context, streamID streamid.ID) (Record, error)
	// ListByOwner returns the owner's records ordered by ID.
	ListByOwner(ctx context.Context, ownerID string) ([]Record, error)
}

// InMemoryStore is an in-memory implementation of Store.
type InMemoryStore struct {
	nextID  int64
	records map[int64]Record
	latest  map[streamid.ID]int64
}

// NewInMemoryStore returns a new empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		records: make(map[int64]Record),
		latest:  make(map[streamid.ID]int64),
	}
}

// Create implements Store.Create.
func (s *InMemoryStore) Create(_ context.Context, rec Record) (Record, error) {
	s.nextID++
	rec.ID = s.nextID
	s.records[rec.ID] = rec
	s.latest[rec.StreamID] = rec.ID
	return rec, nil
}

// Get implements Store.Get.
func (s *InMemoryStore) Get(_ context.Context, id int64) (Record, error) {
	rec, ok := s.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

// Update implements Store.Update.
func (s *InMemoryStore) Update(_ context.Context, rec Record) error {
	if _, ok := s.records[rec.ID]; !ok {
		return ErrNotFound
	}
	s.records[rec.ID] = rec
	return nil
}

// Delete implements Store.Delete.
func (s *InMemoryStore) Delete(_ context.Context, id int64) error {
	rec, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}
	delete(s.records, id)
	if s.latest[rec.StreamID] == id {
		delete(s.latest, rec.StreamID)
	}
	return nil
}

// LatestForStream implements Store.LatestForStream.
func (s *InMemoryStore) LatestForStream(_ context.Context, streamID streamid.ID) (Record, error) {
	id, ok := s.latest[streamID]
	if !ok {
		return Record{}, ErrNotFound
	}
	return s.records[id], nil
}

// ListByOwner implements Store.ListByOwner.
func (s *InMemoryStore) ListByOwner(_ context.Context, ownerID string) ([]Record, error) {
	var out []Record
	for _, rec := range s.records {
		if rec.OwnerID == ownerID {
			out = append(out, rec)
		}
	}
	sortByID(out)
	return out, nil
}
