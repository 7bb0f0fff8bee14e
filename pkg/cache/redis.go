package cache

import (
	"context"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"finapi/pkg/logger"
)

// removeIfScript 条件删除一个条目及其索引，返回删除数量。
//
// ARGV[2] 为 written_at 时要求条目的 written_at 仍等于 ARGV[3]；
// 为 expiry 时要求过期分值仍不晚于 ARGV[3]。读取之后被重新写入的条目不会被删除。
var removeIfScript = redis.NewScript(`
local ok
if ARGV[2] == "written_at" then
	ok = redis.call("HGET", KEYS[1], "written_at") == ARGV[3]
else
	local score = redis.call("ZSCORE", KEYS[2], ARGV[1])
	ok = score and tonumber(score) <= tonumber(ARGV[3])
end
if not ok then
	return 0
end
redis.call("DEL", KEYS[1])
redis.call("ZREM", KEYS[2], ARGV[1])
redis.call("ZREM", KEYS[3], ARGV[1])
return 1
`)

// 过期键的兜底保留时长，在逻辑过期之后仍保留一段时间，由 ClearExpired 负责精确清理
const redisExpiryGrace = time.Hour

// RedisStore 基于 Redis 的共享缓存。
//
// 键布局(prefix 默认 finapi)：
//
//	{prefix}:entry:{len(source)}:{source}:{key}  hash，字段 data/written_at/ttl_minutes
//	{prefix}:expiry:{source}                    zset，成员为 key，分值为过期时间(毫秒)
//	{prefix}:written:{source}                   zset，成员为 key，分值为写入时间(毫秒)
//	{prefix}:sources                            set，出现过的来源
type RedisStore struct {
	client *redis.Client
	prefix string
	now    func() time.Time
	log    *logger.Entry
}

// NewRedisStore 使用已有客户端创建缓存并检查连通性
func NewRedisStore(ctx context.Context, client *redis.Client, prefix string, opts ...Option) (*RedisStore, error) {
	o := newOptions(opts)
	if prefix == "" {
		prefix = "finapi"
	}

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, ioError("connect redis", "", "", err)
	}

	return &RedisStore{
		client: client,
		prefix: prefix,
		now:    o.now,
		log:    logger.WithComponent("cache").WithField("backend", "redis"),
	}, nil
}

// entryKey 来源名带长度前缀，来源或键中含有 ":" 时也不会互相冲突
func (s *RedisStore) entryKey(source, key string) string {
	return s.prefix + ":entry:" + strconv.Itoa(len(source)) + ":" + source + ":" + key
}

func (s *RedisStore) expiryKey(source string) string {
	return s.prefix + ":expiry:" + source
}

func (s *RedisStore) writtenKey(source string) string {
	return s.prefix + ":written:" + source
}

func (s *RedisStore) sourcesKey() string {
	return s.prefix + ":sources"
}

func millis(t time.Time) float64 {
	return float64(t.UnixNano() / int64(time.Millisecond))
}

// Get 获取未过期条目，过期条目顺带删除
func (s *RedisStore) Get(ctx context.Context, source, key string) (Entry, bool, error) {
	fields, err := s.client.HGetAll(ctx, s.entryKey(source, key)).Result()
	if err != nil {
		return Entry{}, false, ioError("read cache entry", source, key, err)
	}
	if len(fields) == 0 {
		return Entry{}, false, nil
	}

	writtenAt, err := strconv.ParseInt(fields["written_at"], 10, 64)
	if err != nil {
		return Entry{}, false, ioError("parse cache entry", source, key, err)
	}
	ttl, err := strconv.Atoi(fields["ttl_minutes"])
	if err != nil {
		return Entry{}, false, ioError("parse cache entry", source, key, err)
	}

	entry := Entry{
		Source:     source,
		Key:        key,
		Payload:    []byte(fields["data"]),
		WrittenAt:  time.Unix(0, writtenAt),
		TTLMinutes: ttl,
	}
	if entry.Expired(s.now()) {
		if _, err := s.removeIf(ctx, source, key, "written_at", fields["written_at"]); err != nil {
			s.log.WithError(err).Warnf("删除过期缓存失败: %s/%s", source, key)
		}
		return Entry{}, false, nil
	}
	return entry, true, nil
}

// Set 写入或覆盖条目
func (s *RedisStore) Set(ctx context.Context, source, key string, payload []byte, ttlMinutes int) error {
	now := s.now()
	ttl := time.Duration(ttlMinutes) * time.Minute
	entryKey := s.entryKey(source, key)

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, entryKey)
		pipe.HSet(ctx, entryKey,
			"data", payload,
			"written_at", strconv.FormatInt(now.UnixNano(), 10),
			"ttl_minutes", strconv.Itoa(ttlMinutes),
		)
		pipe.PExpire(ctx, entryKey, ttl+redisExpiryGrace)
		pipe.ZAdd(ctx, s.expiryKey(source), &redis.Z{Score: millis(now.Add(ttl)), Member: key})
		pipe.ZAdd(ctx, s.writtenKey(source), &redis.Z{Score: millis(now), Member: key})
		pipe.SAdd(ctx, s.sourcesKey(), source)
		return nil
	})
	if err != nil {
		return ioError("write cache entry", source, key, err)
	}
	return nil
}

// remove 删除某个来源下的若干条目及其索引
func (s *RedisStore) remove(ctx context.Context, source string, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	members := make([]interface{}, len(keys))
	entryKeys := make([]string, len(keys))
	for i, k := range keys {
		members[i] = k
		entryKeys[i] = s.entryKey(source, k)
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, entryKeys...)
		pipe.ZRem(ctx, s.expiryKey(source), members...)
		pipe.ZRem(ctx, s.writtenKey(source), members...)
		return nil
	})
	return err
}

// removeIf 按条件删除单个条目，见 removeIfScript
func (s *RedisStore) removeIf(ctx context.Context, source, key, field, want string) (bool, error) {
	keys := []string{s.entryKey(source, key), s.expiryKey(source), s.writtenKey(source)}
	n, err := removeIfScript.Run(ctx, s.client, keys, key, field, want).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// removeExpired 删除扫描到的过期条目，扫描后被重新写入的条目保留
func (s *RedisStore) removeExpired(ctx context.Context, source string, keys []string, upper string) (int64, error) {
	var removed int64
	for _, key := range keys {
		ok, err := s.removeIf(ctx, source, key, "expiry", upper)
		if err != nil {
			return removed, err
		}
		if ok {
			removed++
		}
	}
	return removed, nil
}

func (s *RedisStore) sources(ctx context.Context) ([]string, error) {
	return s.client.SMembers(ctx, s.sourcesKey()).Result()
}

// ClearExpired 删除所有过期条目
func (s *RedisStore) ClearExpired(ctx context.Context) (int64, error) {
	sources, err := s.sources(ctx)
	if err != nil {
		return 0, ioError("list cache sources", "", "", err)
	}

	upper := strconv.FormatFloat(millis(s.now()), 'f', 0, 64)
	var total int64
	for _, source := range sources {
		keys, err := s.client.ZRangeByScore(ctx, s.expiryKey(source), &redis.ZRangeBy{Min: "-inf", Max: upper}).Result()
		if err != nil {
			return total, ioError("scan expired entries", source, "", err)
		}
		n, err := s.removeExpired(ctx, source, keys, upper)
		total += n
		if err != nil {
			return total, ioError("clear expired entries", source, "", err)
		}
	}
	if total > 0 {
		s.log.Infof("已清理 %d 条过期缓存", total)
	}
	return total, nil
}

// ClearSource 删除某个来源的全部条目
func (s *RedisStore) ClearSource(ctx context.Context, source string) (int64, error) {
	keys, err := s.client.ZRange(ctx, s.expiryKey(source), 0, -1).Result()
	if err != nil {
		return 0, ioError("list source entries", source, "", err)
	}
	if err := s.remove(ctx, source, keys); err != nil {
		return 0, ioError("clear source entries", source, "", err)
	}
	if err := s.client.SRem(ctx, s.sourcesKey(), source).Err(); err != nil {
		return 0, ioError("clear source entries", source, "", err)
	}
	s.log.Infof("已清理来源 %s 的 %d 条缓存", source, len(keys))
	return int64(len(keys)), nil
}

// Stats 统计条目总数、各来源条目数和最近一小时写入数
func (s *RedisStore) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{
		BySource: make(map[string]int64),
		Backend:  "redis",
		Location: s.client.Options().Addr,
	}

	sources, err := s.sources(ctx)
	if err != nil {
		return Stats{}, ioError("list cache sources", "", "", err)
	}

	since := "(" + strconv.FormatFloat(millis(s.now().Add(-RecentWindow)), 'f', 0, 64)
	for _, source := range sources {
		n, err := s.client.ZCard(ctx, s.expiryKey(source)).Result()
		if err != nil {
			return Stats{}, ioError("count cache entries", source, "", err)
		}
		if n == 0 {
			continue
		}
		recent, err := s.client.ZCount(ctx, s.writtenKey(source), since, "+inf").Result()
		if err != nil {
			return Stats{}, ioError("count recent entries", source, "", err)
		}
		stats.BySource[source] = n
		stats.TotalEntries += n
		stats.RecentEntries += recent
	}
	return stats, nil
}

// Close 关闭客户端
func (s *RedisStore) Close() error {
	return s.client.Close()
}

var _ Store = (*RedisStore)(nil)
