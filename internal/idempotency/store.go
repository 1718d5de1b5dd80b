// Package idempotency 讓 POST 請求可以安全重送：
// 帶有 Idempotency-Key 標頭的請求，其回應會在 Redis 中保存一段時間，
// 相同 key 的重送直接回放第一次的回應，不會重複轉帳。
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// CachedResponse 為保存在 Redis 的回應。
// Fingerprint 為原始請求的雜湊，同一個 key 配上不同請求時不回放。
type CachedResponse struct {
	StatusCode  int                 `json:"status_code"`
	Body        []byte              `json:"body"`
	Headers     map[string][]string `json:"headers,omitempty"`
	Fingerprint string              `json:"fingerprint,omitempty"`
}

// Store 保存與讀取回應，並提供「處理中」標記避免同一個 key 被並行執行。
type Store interface {
	// Get 回傳已保存的回應；不存在時回傳 (nil, nil)。
	Get(ctx context.Context, key string) (*CachedResponse, error)
	Save(ctx context.Context, key string, resp CachedResponse, ttl time.Duration) error
	// Claim 以單一原子操作查詢並標記 key：
	// 已有回應時回傳該回應；否則嘗試標記為處理中，已被標記時 claimed 為 false。
	Claim(ctx context.Context, key string, ttl time.Duration) (cached *CachedResponse, claimed bool, err error)
	// End 清除處理中標記。
	End(ctx context.Context, key string) error
}

// claimScript：KEYS[1] 為回應，KEYS[2] 為處理中標記，ARGV[1] 為標記 TTL（毫秒）。
var claimScript = redis.NewScript(`
local cached = redis.call('GET', KEYS[1])
if cached then
  return {1, cached}
end
if redis.call('SET', KEYS[2], '1', 'NX', 'PX', ARGV[1]) then
  return {0, 1}
end
return {0, 0}
`)

// RedisStore 以 Redis 實作 Store。
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore 建立以 "idempotency:" 為前綴的 Store。
// key 以 {} 包住，回應與處理中標記落在同一個 cluster slot。
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client, prefix: "idempotency:"}
}

func (r *RedisStore) responseKey(key string) string { return r.prefix + "{" + key + "}" }
func (r *RedisStore) inflightKey(key string) string { return r.responseKey(key) + ":inflight" }

func (r *RedisStore) Get(ctx context.Context, key string) (*CachedResponse, error) {
	val, err := r.client.Get(ctx, r.responseKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get idempotency key: %w", err)
	}
	return decode(val)
}

func decode(val []byte) (*CachedResponse, error) {
	var resp CachedResponse
	if err := json.Unmarshal(val, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal cached response: %w", err)
	}
	return &resp, nil
}

func (r *RedisStore) Save(ctx context.Context, key string, resp CachedResponse, ttl time.Duration) error {
	b, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("marshal response: %w", err)
	}
	return r.client.Set(ctx, r.responseKey(key), b, ttl).Err()
}

func (r *RedisStore) Claim(ctx context.Context, key string, ttl time.Duration) (*CachedResponse, bool, error) {
	res, err := claimScript.Run(ctx, r.client,
		[]string{r.responseKey(key), r.inflightKey(key)}, ttl.Milliseconds()).Slice()
	if err != nil {
		return nil, false, fmt.Errorf("claim idempotency key: %w", err)
	}
	if len(res) != 2 {
		return nil, false, fmt.Errorf("claim idempotency key: unexpected reply %v", res)
	}
	if hit, _ := res[0].(int64); hit == 1 {
		val, _ := res[1].(string)
		cached, err := decode([]byte(val))
		return cached, false, err
	}
	claimed, _ := res[1].(int64)
	return nil, claimed == 1, nil
}

func (r *RedisStore) End(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.inflightKey(key)).Err()
}
