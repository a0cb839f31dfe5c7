package synccache

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/odyssey-amortization/internal/shared"
)

const (
	redisEntryPrefix = "synccache:entry:"
	redisScopePrefix = "synccache:scope:"
)

// putScript writes the entry only when no newer timestamp is stored.
// KEYS[1] entry hash, KEYS[2..] scope sets. ARGV: ts (unix micros), payload, ttl ms.
var putScript = redis.NewScript(`
local cur = redis.call("HGET", KEYS[1], "ts")
if cur and tonumber(cur) > tonumber(ARGV[1]) then
	return 0
end
redis.call("HSET", KEYS[1], "ts", ARGV[1], "payload", ARGV[2])
redis.call("PEXPIRE", KEYS[1], ARGV[3])
for i = 2, #KEYS do
	redis.call("SADD", KEYS[i], KEYS[1])
	redis.call("PEXPIRE", KEYS[i], ARGV[3])
end
return 1`)

// RedisStore shares entries between instances. Scope membership is indexed in Redis sets.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore wraps a Redis client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Get(ctx context.Context, key string) (Entry, bool, error) {
	vals, err := s.client.HMGet(ctx, redisEntryPrefix+key, "ts", "payload").Result()
	if err != nil {
		return Entry{}, false, shared.Transient(err)
	}
	if len(vals) != 2 || vals[0] == nil || vals[1] == nil {
		return Entry{}, false, nil
	}
	tsRaw, _ := vals[0].(string)
	payload, _ := vals[1].(string)
	micros, err := strconv.ParseInt(tsRaw, 10, 64)
	if err != nil {
		return Entry{}, false, nil
	}
	return Entry{
		Key:       key,
		Payload:   []byte(payload),
		Timestamp: time.UnixMicro(micros),
	}, true, nil
}

func (s *RedisStore) Put(ctx context.Context, entry Entry, ttl time.Duration) error {
	if ttl <= 0 {
		return errors.New("synccache: redis ttl must be positive")
	}
	keys := make([]string, 0, 1+len(entry.Scopes))
	keys = append(keys, redisEntryPrefix+entry.Key)
	for _, scope := range entry.Scopes {
		keys = append(keys, redisScopePrefix+scope)
	}
	err := putScript.Run(ctx, s.client, keys,
		strconv.FormatInt(entry.Timestamp.UnixMicro(), 10),
		string(entry.Payload),
		strconv.FormatInt(ttl.Milliseconds(), 10),
	).Err()
	if err != nil {
		return shared.Transient(err)
	}
	return nil
}

func (s *RedisStore) InvalidateScope(ctx context.Context, scope string) (int, error) {
	setKey := redisScopePrefix + scope
	members, err := s.client.SMembers(ctx, setKey).Result()
	if err != nil {
		return 0, shared.Transient(err)
	}
	var deleted *redis.IntCmd
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if len(members) > 0 {
			deleted = pipe.Del(ctx, members...)
		}
		pipe.Del(ctx, setKey)
		return nil
	})
	if err != nil {
		return 0, shared.Transient(err)
	}
	if deleted == nil {
		return 0, nil
	}
	return int(deleted.Val()), nil
}
