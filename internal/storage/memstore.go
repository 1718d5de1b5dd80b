// internal/storage/memstore.go
//
// MemStore：記憶體版的帳戶儲存、交易紀錄與交易範圍，可搭配 JSON 快照持久化。
//
// 交易範圍 (Run) 採「先緩衝、後提交」：範圍內的餘額調整、帳戶建立 / 刪除與紀錄追加
// 只寫入範圍自己的暫存區；fn 成功後在單一臨界區內重新檢核並一次套用，
// fn 失敗則直接丟棄暫存區。因此範圍外永遠看不到半套用的狀態。
package storage

import (
	"cmp"
	"context"
	"fmt"
	"iter"
	"slices"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"bankledger/internal/bank"
)

const listPageSize = 256

// MemStore 為聚合的記憶體儲存。
// - mu：保護 accounts / entries / 序號；單一操作在臨界區內完成讀-改-寫。
// - entries：依交易 ID 遞增排序。
// - nextAccountID / nextTxID：已配發的最大序號；回滾的交易 ID 不重複使用。
type MemStore struct {
	mu            sync.RWMutex
	accounts      map[int64]bank.Account
	entries       []bank.Transaction
	nextAccountID int64
	nextTxID      int64
	now           func() time.Time
}

var (
	_ bank.TxManager    = (*MemStore)(nil)
	_ bank.Scope        = (*MemStore)(nil)
	_ bank.AccountStore = memAccounts{}
	_ bank.Ledger       = memLedger{}
)

// NewMemStore 建立空白的記憶體儲存。
func NewMemStore() *MemStore {
	return &MemStore{accounts: make(map[int64]bank.Account), now: time.Now}
}

// Accounts 回傳交易範圍外的帳戶儲存；每個操作各自原子。
func (s *MemStore) Accounts() bank.AccountStore { return memAccounts{s: s} }

// Ledger 回傳交易範圍外的交易紀錄。
func (s *MemStore) Ledger() bank.Ledger { return memLedger{s: s} }

// Run 在一個交易範圍內執行 fn。範圍物件只供 fn 所在的 goroutine 使用。
func (s *MemStore) Run(ctx context.Context, fn func(ctx context.Context, tx bank.Scope) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx := &memTx{s: s, deleted: make(map[int64]bool)}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.commit(tx)
}

// ─────────────────────────────
// 範圍外的單一操作
// ─────────────────────────────

type memAccounts struct{ s *MemStore }

func (r memAccounts) Create(_ context.Context, na bank.NewAccount) (bank.Account, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.nextAccountID++
	a := bank.Account{
		ID:                r.s.nextAccountID,
		OwnerID:           na.OwnerID,
		BankName:          na.BankName,
		BankAccountNumber: na.BankAccountNumber,
		Balance:           na.Balance,
	}
	r.s.accounts[a.ID] = a
	return a, nil
}

func (r memAccounts) Get(_ context.Context, id int64) (bank.Account, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	a, ok := r.s.accounts[id]
	if !ok {
		return bank.Account{}, fmt.Errorf("account %d: %w", id, bank.ErrNotFound)
	}
	return a, nil
}

func (r memAccounts) List(_ context.Context) ([]bank.Account, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	return sortedAccounts(r.s.accounts), nil
}

func (r memAccounts) AdjustBalance(_ context.Context, id int64, delta, minBalance decimal.Decimal) (bank.Account, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.accounts[id]
	if !ok {
		return bank.Account{}, fmt.Errorf("account %d: %w", id, bank.ErrNotFound)
	}
	next := a.Balance.Add(delta)
	if next.LessThan(minBalance) {
		return bank.Account{}, fmt.Errorf("account %d: %w", id, bank.ErrInsufficientFunds)
	}
	a.Balance = next
	r.s.accounts[id] = a
	return a, nil
}

func (r memAccounts) Delete(_ context.Context, id int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.accounts[id]; !ok {
		return fmt.Errorf("account %d: %w", id, bank.ErrNotFound)
	}
	if r.s.referencedLocked(id) {
		return fmt.Errorf("account %d: %w", id, bank.ErrAccountInUse)
	}
	delete(r.s.accounts, id)
	return nil
}

type memLedger struct{ s *MemStore }

// Append 在範圍外直接寫入一筆紀錄（單筆原子）。
func (l memLedger) Append(_ context.Context, src, dst int64, amount decimal.Decimal, status bank.Status) (bank.Transaction, error) {
	if err := checkEntry(src, dst, amount); err != nil {
		return bank.Transaction{}, err
	}
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	for _, id := range []int64{src, dst} {
		if _, ok := l.s.accounts[id]; !ok {
			return bank.Transaction{}, fmt.Errorf("account %d: %w", id, bank.ErrNotFound)
		}
	}
	l.s.nextTxID++
	rec := bank.Transaction{
		ID:                   l.s.nextTxID,
		SourceAccountID:      src,
		DestinationAccountID: dst,
		Amount:               amount,
		Status:               status,
		CreatedAt:            l.s.now().UTC(),
	}
	l.s.insertEntryLocked(rec)
	return rec, nil
}

func (l memLedger) Get(_ context.Context, id int64) (bank.Transaction, error) {
	l.s.mu.RLock()
	defer l.s.mu.RUnlock()
	i, found := slices.BinarySearchFunc(l.s.entries, id, byTxID)
	if !found {
		return bank.Transaction{}, fmt.Errorf("transaction %d: %w", id, bank.ErrNotFound)
	}
	return l.s.entries[i], nil
}

// List 以分頁方式惰性走訪，每頁只短暫持有讀鎖。
// 交易 ID 在 Append 時配發、在 commit 時才可見，因此較小的 ID 可能晚於較大的 ID 出現；
// 走訪中的迭代器不會回頭補上這種紀錄，重新呼叫 List 才看得到。
func (l memLedger) List(ctx context.Context) iter.Seq2[bank.Transaction, error] {
	return func(yield func(bank.Transaction, error) bool) {
		var after int64
		for {
			if err := ctx.Err(); err != nil {
				yield(bank.Transaction{}, err)
				return
			}
			page := l.s.page(after, listPageSize)
			for _, t := range page {
				if !yield(t, nil) {
					return
				}
				after = t.ID
			}
			if len(page) < listPageSize {
				return
			}
		}
	}
}

func (l memLedger) References(_ context.Context, accountID int64) (bool, error) {
	l.s.mu.RLock()
	defer l.s.mu.RUnlock()
	return l.s.referencedLocked(accountID), nil
}

// ─────────────────────────────
// 交易範圍
// ─────────────────────────────

type adjustment struct {
	id         int64
	delta      decimal.Decimal
	minBalance decimal.Decimal
}

type memTx struct {
	s           *MemStore
	adjustments []adjustment
	created     []bank.Account
	deleted     map[int64]bool
	appended    []bank.Transaction
}

func (t *memTx) Accounts() bank.AccountStore { return txAccounts{t} }
func (t *memTx) Ledger() bank.Ledger         { return txLedger{t} }

// view 回傳範圍內看到的帳戶：已提交狀態 + 暫存的建立 / 刪除 / 餘額調整。
func (t *memTx) view(id int64) (bank.Account, error) {
	if t.deleted[id] {
		return bank.Account{}, fmt.Errorf("account %d: %w", id, bank.ErrNotFound)
	}
	a, ok := t.createdAccount(id)
	if !ok {
		t.s.mu.RLock()
		a, ok = t.s.accounts[id]
		t.s.mu.RUnlock()
	}
	if !ok {
		return bank.Account{}, fmt.Errorf("account %d: %w", id, bank.ErrNotFound)
	}
	for _, adj := range t.adjustments {
		if adj.id == id {
			a.Balance = a.Balance.Add(adj.delta)
		}
	}
	return a, nil
}

func (t *memTx) createdAccount(id int64) (bank.Account, bool) {
	for _, a := range t.created {
		if a.ID == id {
			return a, true
		}
	}
	return bank.Account{}, false
}

func (t *memTx) referenced(id int64) bool {
	for _, e := range t.appended {
		if e.SourceAccountID == id || e.DestinationAccountID == id {
			return true
		}
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	return t.s.referencedLocked(id)
}

type txAccounts struct{ t *memTx }

func (r txAccounts) Create(_ context.Context, na bank.NewAccount) (bank.Account, error) {
	r.t.s.mu.Lock()
	r.t.s.nextAccountID++
	id := r.t.s.nextAccountID
	r.t.s.mu.Unlock()
	a := bank.Account{
		ID:                id,
		OwnerID:           na.OwnerID,
		BankName:          na.BankName,
		BankAccountNumber: na.BankAccountNumber,
		Balance:           na.Balance,
	}
	r.t.created = append(r.t.created, a)
	return a, nil
}

func (r txAccounts) Get(_ context.Context, id int64) (bank.Account, error) {
	return r.t.view(id)
}

func (r txAccounts) List(_ context.Context) ([]bank.Account, error) {
	r.t.s.mu.RLock()
	ids := make([]int64, 0, len(r.t.s.accounts)+len(r.t.created))
	for id := range r.t.s.accounts {
		ids = append(ids, id)
	}
	r.t.s.mu.RUnlock()
	for _, a := range r.t.created {
		ids = append(ids, a.ID)
	}
	slices.Sort(ids)
	out := make([]bank.Account, 0, len(ids))
	for _, id := range ids {
		if a, err := r.t.view(id); err == nil {
			out = append(out, a)
		}
	}
	return out, nil
}

func (r txAccounts) AdjustBalance(_ context.Context, id int64, delta, minBalance decimal.Decimal) (bank.Account, error) {
	a, err := r.t.view(id)
	if err != nil {
		return bank.Account{}, err
	}
	next := a.Balance.Add(delta)
	if next.LessThan(minBalance) {
		return bank.Account{}, fmt.Errorf("account %d: %w", id, bank.ErrInsufficientFunds)
	}
	r.t.adjustments = append(r.t.adjustments, adjustment{id: id, delta: delta, minBalance: minBalance})
	a.Balance = next
	return a, nil
}

func (r txAccounts) Delete(_ context.Context, id int64) error {
	if _, err := r.t.view(id); err != nil {
		return err
	}
	if r.t.referenced(id) {
		return fmt.Errorf("account %d: %w", id, bank.ErrAccountInUse)
	}
	r.t.deleted[id] = true
	return nil
}

type txLedger struct{ t *memTx }

func (l txLedger) Append(_ context.Context, src, dst int64, amount decimal.Decimal, status bank.Status) (bank.Transaction, error) {
	if err := checkEntry(src, dst, amount); err != nil {
		return bank.Transaction{}, err
	}
	for _, id := range []int64{src, dst} {
		if _, err := l.t.view(id); err != nil {
			return bank.Transaction{}, err
		}
	}
	l.t.s.mu.Lock()
	l.t.s.nextTxID++
	id := l.t.s.nextTxID
	l.t.s.mu.Unlock()
	rec := bank.Transaction{
		ID:                   id,
		SourceAccountID:      src,
		DestinationAccountID: dst,
		Amount:               amount,
		Status:               status,
		CreatedAt:            l.t.s.now().UTC(),
	}
	l.t.appended = append(l.t.appended, rec)
	return rec, nil
}

func (l txLedger) Get(ctx context.Context, id int64) (bank.Transaction, error) {
	for _, e := range l.t.appended {
		if e.ID == id {
			return e, nil
		}
	}
	return memLedger{s: l.t.s}.Get(ctx, id)
}

func (l txLedger) List(ctx context.Context) iter.Seq2[bank.Transaction, error] {
	return func(yield func(bank.Transaction, error) bool) {
		for t, err := range (memLedger{s: l.t.s}).List(ctx) {
			if !yield(t, err) || err != nil {
				return
			}
		}
		for _, t := range l.t.appended {
			if !yield(t, nil) {
				return
			}
		}
	}
}

func (l txLedger) References(_ context.Context, accountID int64) (bool, error) {
	return l.t.referenced(accountID), nil
}

// commit 在單一臨界區內重新檢核暫存區，全部通過才一次套用。
func (s *MemStore) commit(t *memTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	working := make(map[int64]bank.Account, len(t.created)+len(t.adjustments))
	for _, a := range t.created {
		working[a.ID] = a
	}
	lookup := func(id int64) (bank.Account, bool) {
		if t.deleted[id] {
			return bank.Account{}, false
		}
		if a, ok := working[id]; ok {
			return a, true
		}
		a, ok := s.accounts[id]
		return a, ok
	}

	for _, adj := range t.adjustments {
		a, ok := lookup(adj.id)
		if !ok {
			return fmt.Errorf("account %d: %w", adj.id, bank.ErrNotFound)
		}
		next := a.Balance.Add(adj.delta)
		if next.LessThan(adj.minBalance) {
			return fmt.Errorf("account %d: %w", adj.id, bank.ErrInsufficientFunds)
		}
		a.Balance = next
		working[adj.id] = a
	}
	for _, e := range t.appended {
		for _, id := range []int64{e.SourceAccountID, e.DestinationAccountID} {
			if _, ok := lookup(id); !ok {
				return fmt.Errorf("account %d: %w", id, bank.ErrNotFound)
			}
		}
	}
	for id := range t.deleted {
		if _, ok := s.accounts[id]; !ok {
			if _, pending := working[id]; !pending {
				return fmt.Errorf("account %d: %w", id, bank.ErrNotFound)
			}
		}
		if s.referencedLocked(id) {
			return fmt.Errorf("account %d: %w", id, bank.ErrAccountInUse)
		}
	}

	for id, a := range working {
		s.accounts[id] = a
	}
	for id := range t.deleted {
		delete(s.accounts, id)
	}
	for _, e := range t.appended {
		s.insertEntryLocked(e)
	}
	return nil
}

// ─────────────────────────────
// 快照
// ─────────────────────────────

// Snapshot 匯出目前已提交的狀態。
func (s *MemStore) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := Snapshot{
		Meta: Meta{
			Storage: snapshotStorage,
			Version: snapshotVersion,
			Note:    "in-memory ledger; use STORAGE_DRIVER=postgres for durable storage",
		},
		NextAccountID:     s.nextAccountID,
		NextTransactionID: s.nextTxID,
		Accounts:          make([]PersistAccount, 0, len(s.accounts)),
		Transactions:      make([]PersistTransaction, 0, len(s.entries)),
	}
	for _, a := range sortedAccounts(s.accounts) {
		snap.Accounts = append(snap.Accounts, PersistAccount{
			ID:                a.ID,
			OwnerID:           a.OwnerID,
			BankName:          a.BankName,
			BankAccountNumber: a.BankAccountNumber,
			Balance:           a.Balance,
		})
	}
	for _, e := range s.entries {
		snap.Transactions = append(snap.Transactions, PersistTransaction{
			ID:                   e.ID,
			SourceAccountID:      e.SourceAccountID,
			DestinationAccountID: e.DestinationAccountID,
			Amount:               e.Amount,
			Status:               string(e.Status),
			CreatedAt:            e.CreatedAt,
		})
	}
	return snap
}

// Restore 以快照取代目前狀態。序號取快照值與實際最大 ID 的較大者。
func (s *MemStore) Restore(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts = make(map[int64]bank.Account, len(snap.Accounts))
	s.entries = make([]bank.Transaction, 0, len(snap.Transactions))
	s.nextAccountID = snap.NextAccountID
	s.nextTxID = snap.NextTransactionID
	for _, pa := range snap.Accounts {
		s.accounts[pa.ID] = bank.Account{
			ID:                pa.ID,
			OwnerID:           pa.OwnerID,
			BankName:          pa.BankName,
			BankAccountNumber: pa.BankAccountNumber,
			Balance:           pa.Balance,
		}
		s.nextAccountID = max(s.nextAccountID, pa.ID)
	}
	for _, pt := range snap.Transactions {
		s.entries = append(s.entries, bank.Transaction{
			ID:                   pt.ID,
			SourceAccountID:      pt.SourceAccountID,
			DestinationAccountID: pt.DestinationAccountID,
			Amount:               pt.Amount,
			Status:               bank.Status(pt.Status),
			CreatedAt:            pt.CreatedAt,
		})
		s.nextTxID = max(s.nextTxID, pt.ID)
	}
	slices.SortFunc(s.entries, func(a, b bank.Transaction) int { return cmp.Compare(a.ID, b.ID) })
}

// ─────────────────────────────
// 小工具
// ─────────────────────────────

func checkEntry(src, dst int64, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: ledger amount must be > 0", bank.ErrInvalidRequest)
	}
	if src == dst {
		return fmt.Errorf("%w: ledger entry source equals destination", bank.ErrInvalidRequest)
	}
	return nil
}

func byTxID(e bank.Transaction, id int64) int { return cmp.Compare(e.ID, id) }

func (s *MemStore) insertEntryLocked(rec bank.Transaction) {
	i, _ := slices.BinarySearchFunc(s.entries, rec.ID, byTxID)
	s.entries = slices.Insert(s.entries, i, rec)
}

func (s *MemStore) referencedLocked(id int64) bool {
	return slices.ContainsFunc(s.entries, func(e bank.Transaction) bool {
		return e.SourceAccountID == id || e.DestinationAccountID == id
	})
}

func (s *MemStore) page(after int64, n int) []bank.Transaction {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, found := slices.BinarySearchFunc(s.entries, after, byTxID)
	if found {
		i++
	}
	end := min(i+n, len(s.entries))
	return slices.Clone(s.entries[i:end])
}

func sortedAccounts(m map[int64]bank.Account) []bank.Account {
	out := make([]bank.Account, 0, len(m))
	for _, a := range m {
		out = append(out, a)
	}
	slices.SortFunc(out, func(a, b bank.Account) int { return cmp.Compare(a.ID, b.ID) })
	return out
}
