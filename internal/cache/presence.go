package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"collab-editor/internal/models"

	"github.com/redis/go-redis/v9"
)

/*
Redis presence mirror.

Keys per document:
- presence:room:{docID}         ZSET  connectionID -> expireAt (unix seconds)
- presence:room:names:{docID}   HASH  connectionID -> presence JSON

The score is a logical TTL: members whose expireAt passed are treated as
gone and pruned on read, so a crashed process does not leave ghosts behind
for longer than the TTL. Track doubles as the heartbeat.

The in-process room registry stays authoritative for routing; this copy is
for other processes and dashboards.
*/

const (
	keyRoomFmt  = "presence:room:%s"
	keyNamesFmt = "presence:room:names:%s"
)

func roomKey(docID string) string  { return fmt.Sprintf(keyRoomFmt, docID) }
func namesKey(docID string) string { return fmt.Sprintf(keyNamesFmt, docID) }

// pruneScript drops expired members from both keys atomically.
var pruneScript = redis.NewScript(`
local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
if #expired > 0 then
	redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	redis.call("HDEL", KEYS[2], unpack(expired))
end
return #expired
`)

// RedisPresence mirrors room membership into Redis.
type RedisPresence struct {
	rdb *redis.Client
	ttl time.Duration
	now func() time.Time
}

func NewRedisPresence(rdb *redis.Client, ttl time.Duration) *RedisPresence {
	return &RedisPresence{rdb: rdb, ttl: ttl, now: time.Now}
}

// NewRedisClient connects and pings so a bad address fails at startup.
func NewRedisClient(ctx context.Context, addr, password string) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to reach redis at %s: %w", addr, err)
	}
	return rdb, nil
}

// Track adds or refreshes a connection's presence.
func (p *RedisPresence) Track(ctx context.Context, documentID, connectionID string, presence models.Presence) error {
	raw, err := json.Marshal(presence)
	if err != nil {
		return err
	}
	expireAt := p.now().Add(p.ttl).Unix()

	tx := p.rdb.TxPipeline()
	tx.ZAdd(ctx, roomKey(documentID), redis.Z{Score: float64(expireAt), Member: connectionID})
	tx.HSet(ctx, namesKey(documentID), connectionID, raw)
	// Whole keys expire too once nobody refreshes them.
	tx.Expire(ctx, roomKey(documentID), p.ttl)
	tx.Expire(ctx, namesKey(documentID), p.ttl)
	if _, err := tx.Exec(ctx); err != nil {
		return fmt.Errorf("failed to track presence: %w", err)
	}
	return nil
}

// Untrack removes a connection's presence.
func (p *RedisPresence) Untrack(ctx context.Context, documentID, connectionID string) error {
	tx := p.rdb.TxPipeline()
	tx.ZRem(ctx, roomKey(documentID), connectionID)
	tx.HDel(ctx, namesKey(documentID), connectionID)
	if _, err := tx.Exec(ctx); err != nil {
		return fmt.Errorf("failed to untrack presence: %w", err)
	}
	return nil
}

// Members returns the live presence entries of a document, pruning expired ones.
func (p *RedisPresence) Members(ctx context.Context, documentID string) ([]models.Presence, error) {
	now := p.now().Unix()
	keys := []string{roomKey(documentID), namesKey(documentID)}
	if err := pruneScript.Run(ctx, p.rdb, keys, now).Err(); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("failed to prune presence: %w", err)
	}

	ids, err := p.rdb.ZRangeByScore(ctx, roomKey(documentID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list presence: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	vals, err := p.rdb.HMGet(ctx, namesKey(documentID), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load presence names: %w", err)
	}
	out := make([]models.Presence, 0, len(vals))
	for _, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var pr models.Presence
		if err := json.Unmarshal([]byte(s), &pr); err == nil {
			out = append(out, pr)
		}
	}
	return out, nil
}
