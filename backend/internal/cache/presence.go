package cache

import (
	"context"
	"errors"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const DefaultSessionTTL = 90 * time.Second

// SessionIndex records which sessions are editing which document, across
// every relay node. Entries expire unless touched again within the TTL.
type SessionIndex struct {
	rdb  redis.UniversalClient
	node string
	ttl  time.Duration
	now  func() time.Time
}

type SessionEntry struct {
	SessionID string
	Node      string
}

func NewSessionIndex(rdb redis.UniversalClient, node string, ttl time.Duration) *SessionIndex {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &SessionIndex{rdb: rdb, node: node, ttl: ttl, now: time.Now}
}

func (s *SessionIndex) TTL() time.Duration { return s.ttl }

// Touch adds or refreshes a session; refreshing is the same call.
func (s *SessionIndex) Touch(ctx context.Context, docID, sessionID string) error {
	// ZSET score 使用 expireAt（Unix 秒），表达“逻辑 TTL”
	expireAt := s.now().Add(s.ttl).Unix()
	tx := s.rdb.TxPipeline()
	tx.ZAdd(ctx, sessionsKey(docID), redis.Z{Score: float64(expireAt), Member: sessionID})
	tx.HSet(ctx, nodesKey(docID), sessionID, s.node)
	// 整个键也设 TTL，节点全部下线后自然清理
	tx.Expire(ctx, sessionsKey(docID), 2*s.ttl)
	tx.Expire(ctx, nodesKey(docID), 2*s.ttl)
	_, err := tx.Exec(ctx)
	if err != nil {
		return err
	}
	// docs 集合和上面的键不在同一个 slot，单独写
	return s.rdb.SAdd(ctx, docsKey(), docID).Err()
}

func (s *SessionIndex) Remove(ctx context.Context, docID, sessionID string) error {
	tx := s.rdb.TxPipeline()
	tx.ZRem(ctx, sessionsKey(docID), sessionID)
	tx.HDel(ctx, nodesKey(docID), sessionID)
	_, err := tx.Exec(ctx)
	return err
}

// KEYS[1] = sessionsKey(docID)
// KEYS[2] = nodesKey(docID)
// ARGV[1] = now (unix seconds)
var sweepScript = redis.NewScript(`
local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
if #expired > 0 then
	redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	redis.call("HDEL", KEYS[2], unpack(expired))
end
return #expired
`)

func (s *SessionIndex) sweep(ctx context.Context, docID string, now int64) error {
	_, err := sweepScript.Run(ctx, s.rdb, []string{sessionsKey(docID), nodesKey(docID)}, now).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	return nil
}

// Sessions drops expired entries and lists the live ones.
func (s *SessionIndex) Sessions(ctx context.Context, docID string) ([]SessionEntry, error) {
	now := s.now().Unix()
	if err := s.sweep(ctx, docID, now); err != nil {
		return nil, err
	}
	ids, err := s.rdb.ZRangeByScore(ctx, sessionsKey(docID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now, 10), // > now
		Max: "+inf",
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	if len(ids) == 0 {
		if err := s.rdb.SRem(ctx, docsKey(), docID).Err(); err != nil {
			return nil, err
		}
		return nil, nil
	}
	nodes, err := s.rdb.HMGet(ctx, nodesKey(docID), ids...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	out := make([]SessionEntry, 0, len(ids))
	for i, id := range ids {
		e := SessionEntry{SessionID: id}
		if i < len(nodes) && nodes[i] != nil {
			e.Node, _ = nodes[i].(string)
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *SessionIndex) Count(ctx context.Context, docID string) (int, error) {
	entries, err := s.Sessions(ctx, docID)
	return len(entries), err
}

// Documents lists documents that had a live session at their last sweep.
func (s *SessionIndex) Documents(ctx context.Context) ([]string, error) {
	return s.rdb.SMembers(ctx, docsKey()).Result()
}
