// internal/bank/guard.go
//
// ConsistencyGuard：以帳戶為單位的互斥鎖。
// 轉帳前依固定順序（帳戶 ID 遞增）鎖住雙方帳戶，避免 A→B 與 B→A 同時進行時產生死結；
// 不相交的帳戶組合彼此不會阻塞。所有等待都受 context 期限約束。

package bank

import (
	"context"
	"fmt"
	"slices"
	"sync"
)

// Guard 取得多個帳戶的鎖。回傳的 release 可重複呼叫，只有第一次生效。
// 無法在 ctx 期限內取得全部的鎖時，已取得的部分會先釋放，並回傳 ErrBusy。
type Guard interface {
	Acquire(ctx context.Context, ids ...int64) (release func(), err error)
}

// CanonicalOrder 回傳去重後遞增排序的帳戶 ID，為所有 Guard 共用的加鎖順序。
func CanonicalOrder(ids []int64) []int64 {
	out := slices.Clone(ids)
	slices.Sort(out)
	return slices.Compact(out)
}

// LocalGuard 為單一行程內的帳戶鎖表。
// 每個帳戶對應一個容量 1 的 channel（可被 ctx 中斷的 mutex），
// 無人持有或等待時即從表中移除，避免鎖表無限成長。
type LocalGuard struct {
	mu    sync.Mutex
	locks map[int64]*accountLock
}

type accountLock struct {
	sem  chan struct{}
	refs int
}

// NewLocalGuard 建立空的帳戶鎖表。
func NewLocalGuard() *LocalGuard {
	return &LocalGuard{locks: make(map[int64]*accountLock)}
}

func (g *LocalGuard) Acquire(ctx context.Context, ids ...int64) (func(), error) {
	ordered := CanonicalOrder(ids)
	held := make([]int64, 0, len(ordered))
	for _, id := range ordered {
		if err := g.lock(ctx, id); err != nil {
			g.unlockAll(held)
			return nil, fmt.Errorf("%w: account %d: %w", ErrBusy, id, err)
		}
		held = append(held, id)
	}
	var once sync.Once
	return func() { once.Do(func() { g.unlockAll(held) }) }, nil
}

func (g *LocalGuard) lock(ctx context.Context, id int64) error {
	g.mu.Lock()
	l, ok := g.locks[id]
	if !ok {
		l = &accountLock{sem: make(chan struct{}, 1)}
		g.locks[id] = l
	}
	l.refs++
	g.mu.Unlock()

	select {
	case l.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		g.drop(id, l)
		return ctx.Err()
	}
}

func (g *LocalGuard) unlockAll(ids []int64) {
	for i := len(ids) - 1; i >= 0; i-- {
		g.mu.Lock()
		l := g.locks[ids[i]]
		g.mu.Unlock()
		<-l.sem
		g.drop(ids[i], l)
	}
}

func (g *LocalGuard) drop(id int64, l *accountLock) {
	g.mu.Lock()
	defer g.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(g.locks, id)
	}
}
