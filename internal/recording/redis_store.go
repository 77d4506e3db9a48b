package recording

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"livecast/internal/streamid"
)

// DefaultKeyPrefix namespaces every key written by RedisStore.
const DefaultKeyPrefix = "livecast"

// RedisStore keeps records as Redis hashes:
//
//	<prefix>:records:seq            INCR id sequence
//	<prefix>:records:<id>           hash of one record
//	<prefix>:streams:<sid>:latest   id of the stream's newest record
//	<prefix>:owners:<owner>:records set of the owner's record ids
type RedisStore struct {
	client goredis.UniversalClient
	prefix string
}

// NewRedisStore returns a RedisStore using client. An empty prefix selects
// DefaultKeyPrefix.
func NewRedisStore(client goredis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) keySeq() string { return s.prefix + ":records:seq" }
func (s *RedisStore) keyRecord(id int64) string {
	return fmt.Sprintf("%s:records:%d", s.prefix, id)
}
func (s *RedisStore) keyLatest(streamID streamid.ID) string {
	return fmt.Sprintf("%s:streams:%s:latest", s.prefix, streamID)
}
func (s *RedisStore) keyOwner(ownerID string) string {
	return fmt.Sprintf("%s:owners:%s:records", s.prefix, ownerID)
}

func recordFields(rec Record) map[string]interface{} {
	fields := map[string]interface{}{
		"id":            rec.ID,
		"stream_id":     rec.StreamID.String(),
		"owner_id":      rec.OwnerID,
		"artifact_path": rec.ArtifactPath,
		"created_at":    rec.CreatedAt.UTC().Format(time.RFC3339Nano),
		"finished_at":   "",
	}
	if !rec.FinishedAt.IsZero() {
		fields["finished_at"] = rec.FinishedAt.UTC().Format(time.RFC3339Nano)
	}
	return fields
}

func parseRecord(m map[string]string) (Record, error) {
	id, err := strconv.ParseInt(m["id"], 10, 64)
	if err != nil {
		return Record{}, fmt.Errorf("parse record id: %w", err)
	}
	sid, err := streamid.Parse(m["stream_id"])
	if err != nil {
		return Record{}, fmt.Errorf("parse record %d stream id: %w", id, err)
	}
	rec := Record{
		ID:           id,
		StreamID:     sid,
		OwnerID:      m["owner_id"],
		ArtifactPath: m["artifact_path"],
	}
	if rec.CreatedAt, err = time.Parse(time.RFC3339Nano, m["created_at"]); err != nil {
		return Record{}, fmt.Errorf("parse record %d created_at: %w", id, err)
	}
	if v := m["finished_at"]; v != "" {
		if rec.FinishedAt, err = time.Parse(time.RFC3339Nano, v); err != nil {
			return Record{}, fmt.Errorf("parse record %d finished_at: %w", id, err)
		}
	}
	return rec, nil
}

// Create implements Store.Create.
func (s *RedisStore) Create(ctx context.Context, rec Record) (Record, error) {
	id, err := s.client.Incr(ctx, s.keySeq()).Result()
	if err != nil {
		return Record{}, fmt.Errorf("allocate record id: %w", err)
	}
	rec.ID = id

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.keyRecord(id), recordFields(rec))
	pipe.Set(ctx, s.keyLatest(rec.StreamID), id, 0)
	if rec.OwnerID != "" {
		pipe.SAdd(ctx, s.keyOwner(rec.OwnerID), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return Record{}, fmt.Errorf("save record %d: %w", id, err)
	}
	return rec, nil
}

// Get implements Store.Get.
func (s *RedisStore) Get(ctx context.Context, id int64) (Record, error) {
	m, err := s.client.HGetAll(ctx, s.keyRecord(id)).Result()
	if err != nil {
		return Record{}, fmt.Errorf("load record %d: %w", id, err)
	}
	if len(m) == 0 {
		return Record{}, ErrNotFound
	}
	return parseRecord(m)
}

// Update implements Store.Update.
func (s *RedisStore) Update(ctx context.Context, rec Record) error {
	n, err := s.client.Exists(ctx, s.keyRecord(rec.ID)).Result()
	if err != nil {
		return fmt.Errorf("check record %d: %w", rec.ID, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	if err := s.client.HSet(ctx, s.keyRecord(rec.ID), recordFields(rec)).Err(); err != nil {
		return fmt.Errorf("update record %d: %w", rec.ID, err)
	}
	return nil
}

// Delete implements Store.Delete.
func (s *RedisStore) Delete(ctx context.Context, id int64) error {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	latest, err := s.client.Get(ctx, s.keyLatest(rec.StreamID)).Int64()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return fmt.Errorf("load latest record of %s: %w", rec.StreamID, err)
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.keyRecord(id))
	if rec.OwnerID != "" {
		pipe.SRem(ctx, s.keyOwner(rec.OwnerID), id)
	}
	if latest == id {
		pipe.Del(ctx, s.keyLatest(rec.StreamID))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete record %d: %w", id, err)
	}
	return nil
}

// LatestForStream implements Store.LatestForStream.
func (s *RedisStore) LatestForStream(ctx context.Context, streamID streamid.ID) (Record, error) {
	id, err := s.client.Get(ctx, s.keyLatest(streamID)).Int64()
	if errors.Is(err, goredis.Nil) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("load latest record of %s: %w", streamID, err)
	}
	return s.Get(ctx, id)
}

// ListByOwner implements Store.ListByOwner.
func (s *RedisStore) ListByOwner(ctx context.Context, ownerID string) ([]Record, error) {
	members, err := s.client.SMembers(ctx, s.keyOwner(ownerID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list records of %s: %w", ownerID, err)
	}
	out := make([]Record, 0, len(members))
	for _, m := range members {
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			continue
		}
		rec, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	sortByID(out)
	return out, nil
}

func sortByID(recs []Record) {
	sort.Slice(recs, func(i, j int) bool { return recs[i].ID < recs[j].ID })
}
