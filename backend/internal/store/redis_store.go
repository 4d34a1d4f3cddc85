package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// 每个文档一个 hash，{} 保证集群下同一文档的 key 落在同一个 slot
const DocStateKey = "DocState:{docID:%s}"

// RedisStore keeps each record in one hash. It suits deployments that
// already run Redis for the relay bus and accept Redis durability.
type RedisStore struct {
	rdb redis.UniversalClient
}

var _ RecordStore = (*RedisStore)(nil)

func NewRedisStore(rdb redis.UniversalClient) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) Load(ctx context.Context, docID string) (Record, error) {
	m, err := s.rdb.HGetAll(ctx, fmt.Sprintf(DocStateKey, docID)).Result()
	if err != nil {
		return Record{}, fmt.Errorf("store: load %s: %w", docID, err)
	}
	if len(m) == 0 {
		return Record{}, ErrNotFound
	}
	rev, err := strconv.ParseUint(m["revision"], 10, 64)
	if err != nil {
		return Record{}, fmt.Errorf("store: load %s: bad revision: %w", docID, err)
	}
	vec, err := unmarshalVector(m["vector"])
	if err != nil {
		return Record{}, err
	}
	savedAt, err := time.Parse(time.RFC3339Nano, m["savedAt"])
	if err != nil {
		return Record{}, fmt.Errorf("store: load %s: bad savedAt: %w", docID, err)
	}
	return Record{
		DocumentID: docID,
		State:      []byte(m["state"]),
		Content:    m["content"],
		Revision:   rev,
		Vector:     vec,
		SavedAt:    savedAt,
	}, nil
}

func (s *RedisStore) Save(ctx context.Context, rec Record) error {
	if err := rec.validate(); err != nil {
		return err
	}
	vec, err := marshalVector(rec.Vector)
	if err != nil {
		return err
	}
	err = s.rdb.HSet(ctx, fmt.Sprintf(DocStateKey, rec.DocumentID),
		"state", rec.State,
		"content", rec.Content,
		"revision", strconv.FormatUint(rec.Revision, 10),
		"vector", vec,
		"savedAt", rec.SavedAt.UTC().Format(time.RFC3339Nano),
	).Err()
	if err != nil {
		return fmt.Errorf("store: save %s: %w", rec.DocumentID, err)
	}
	return nil
}
