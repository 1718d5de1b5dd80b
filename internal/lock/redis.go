// Package lock 提供跨行程（多個 API 副本）的帳戶鎖，實作 bank.Guard。
//
// 每個帳戶對應一把 redsync mutex（key: "<prefix><id>"），依帳戶 ID 遞增順序取得。
// 取得全部的鎖前若 ctx 到期，已取得的部分會立即釋放並回傳 bank.ErrBusy。
package lock

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"bankledger/internal/bank"
)

const (
	defaultPrefix     = "lock:account:"
	defaultExpiry     = 10 * time.Second
	defaultRetryDelay = 25 * time.Millisecond
	// ctx 期限才是真正的上限；tries 只需足夠大。
	maxTries       = 1000
	releaseTimeout = 2 * time.Second
)

// RedisGuard 以 Redis 實作的分散式帳戶鎖。
type RedisGuard struct {
	rs         *redsync.Redsync
	prefix     string
	expiry     time.Duration
	retryDelay time.Duration
	log        zerolog.Logger
}

var _ bank.Guard = (*RedisGuard)(nil)

// Option 調整 RedisGuard。
type Option func(*RedisGuard)

// WithPrefix 設定鎖的 key 前綴。
func WithPrefix(p string) Option { return func(g *RedisGuard) { g.prefix = p } }

// WithExpiry 設定鎖的自動過期時間；持有者崩潰時鎖最終會被釋放。
// 必須大於一次轉帳的最長執行時間。
func WithExpiry(d time.Duration) Option { return func(g *RedisGuard) { g.expiry = d } }

// WithRetryDelay 設定重試取得鎖的間隔。
func WithRetryDelay(d time.Duration) Option { return func(g *RedisGuard) { g.retryDelay = d } }

// WithLogger 設定日誌。
func WithLogger(l zerolog.Logger) Option { return func(g *RedisGuard) { g.log = l } }

// NewRedisGuard 以 go-redis client 建立分散式帳戶鎖。
func NewRedisGuard(client redis.UniversalClient, opts ...Option) *RedisGuard {
	g := &RedisGuard{
		rs:         redsync.New(goredis.NewPool(client)),
		prefix:     defaultPrefix,
		expiry:     defaultExpiry,
		retryDelay: defaultRetryDelay,
		log:        zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *RedisGuard) Acquire(ctx context.Context, ids ...int64) (func(), error) {
	ordered := bank.CanonicalOrder(ids)
	held := make([]*redsync.Mutex, 0, len(ordered))
	for _, id := range ordered {
		m := g.rs.NewMutex(g.prefix+strconv.FormatInt(id, 10),
			redsync.WithExpiry(g.expiry),
			redsync.WithTries(maxTries),
			redsync.WithRetryDelay(g.retryDelay),
		)
		if err := m.LockContext(ctx); err != nil {
			g.release(held)
			if ctx.Err() != nil || isContention(err) {
				return nil, fmt.Errorf("%w: account %d: %w", bank.ErrBusy, id, err)
			}
			return nil, fmt.Errorf("%w: lock account %d: %w", bank.ErrStorageFailure, id, err)
		}
		held = append(held, m)
	}
	g.log.Debug().Ints64("account_ids", ordered).Msg("account locks acquired")

	var once sync.Once
	return func() { once.Do(func() { g.release(held) }) }, nil
}

// release 以相反順序釋放；使用獨立的 context，呼叫端 ctx 已取消時仍能解鎖。
func (g *RedisGuard) release(held []*redsync.Mutex) {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	for i := len(held) - 1; i >= 0; i-- {
		if ok, err := held[i].UnlockContext(ctx); !ok || err != nil {
			g.log.Error().Err(err).Str("lock_key", held[i].Name()).Bool("unlock_ok", ok).Msg("failed to release account lock")
		}
	}
}

// isContention 判斷是否為「鎖已被他人持有」。
func isContention(err error) bool {
	var taken *redsync.ErrTaken
	var nodeTaken *redsync.ErrNodeTaken
	return errors.Is(err, redsync.ErrFailed) || errors.As(err, &taken) || errors.As(err, &nodeTaken)
}
