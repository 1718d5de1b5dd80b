// internal/bank/bank_test.go
//
// 轉帳引擎與帳戶管理的測試，搭配記憶體儲存執行，不依賴外部服務。
// 涵蓋：餘額守恆、不可為負、失敗不留痕跡、交易紀錄順序、並行轉帳，
// 以及以故障注入的交易範圍驗證「扣款 / 入帳 / 紀錄」三者一起回滾。

package bank_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bankledger/internal/bank"
	"bankledger/internal/storage"
)

var errInjected = errors.New("injected storage fault")

// recorder 收集發佈的事件。
type recorder struct {
	mu     sync.Mutex
	events []bank.Event
}

func (r *recorder) Publish(_ context.Context, ev bank.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) byType(typ string) []bank.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []bank.Event
	for _, ev := range r.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

// faultyTx 包裝 TxManager，在範圍內注入入帳或寫紀錄失敗。
type faultyTx struct {
	inner      bank.TxManager
	failCredit bool
	failAppend bool
}

func (f faultyTx) Run(ctx context.Context, fn func(ctx context.Context, tx bank.Scope) error) error {
	return f.inner.Run(ctx, func(ctx context.Context, tx bank.Scope) error {
		return fn(ctx, faultyScope{Scope: tx, f: f})
	})
}

type faultyScope struct {
	bank.Scope
	f faultyTx
}

func (s faultyScope) Accounts() bank.AccountStore {
	return faultyAccounts{AccountStore: s.Scope.Accounts(), failCredit: s.f.failCredit}
}

func (s faultyScope) Ledger() bank.Ledger {
	return faultyLedger{Ledger: s.Scope.Ledger(), failAppend: s.f.failAppend}
}

type faultyAccounts struct {
	bank.AccountStore
	failCredit bool
}

func (a faultyAccounts) AdjustBalance(ctx context.Context, id int64, delta, minBalance decimal.Decimal) (bank.Account, error) {
	if a.failCredit && delta.IsPositive() {
		return bank.Account{}, errInjected
	}
	return a.AccountStore.AdjustBalance(ctx, id, delta, minBalance)
}

type faultyLedger struct {
	bank.Ledger
	failAppend bool
}

func (l faultyLedger) Append(ctx context.Context, src, dst int64, amount decimal.Decimal, status bank.Status) (bank.Transaction, error) {
	if l.failAppend {
		return bank.Transaction{}, errInjected
	}
	return l.Ledger.Append(ctx, src, dst, amount, status)
}

type fixture struct {
	store  *storage.MemStore
	bank   *bank.Bank
	events *recorder
	guard  *bank.LocalGuard
}

func newFixture(t *testing.T, tx func(*storage.MemStore) bank.TxManager, opts ...bank.Option) *fixture {
	t.Helper()
	store := storage.NewMemStore()
	var txm bank.TxManager = store
	if tx != nil {
		txm = tx(store)
	}
	rec := &recorder{}
	guard := bank.NewLocalGuard()
	opts = append([]bank.Option{bank.WithPublisher(rec)}, opts...)
	return &fixture{
		store:  store,
		bank:   bank.New(store.Accounts(), store.Ledger(), txm, guard, opts...),
		events: rec,
		guard:  guard,
	}
}

func (f *fixture) open(t *testing.T, balance string) bank.Account {
	t.Helper()
	a, err := f.bank.CreateAccount(context.Background(), bank.NewAccount{
		OwnerID:           1,
		BankName:          "BNI",
		BankAccountNumber: "0001",
		Balance:           decimal.RequireFromString(balance),
	})
	require.NoError(t, err)
	return a
}

func (f *fixture) balance(t *testing.T, id int64) decimal.Decimal {
	t.Helper()
	a, err := f.bank.GetAccount(context.Background(), id)
	require.NoError(t, err)
	return a.Balance
}

func (f *fixture) ledger(t *testing.T) []bank.Transaction {
	t.Helper()
	var out []bank.Transaction
	for tx, err := range f.bank.ListTransactions(context.Background()) {
		require.NoError(t, err)
		out = append(out, tx)
	}
	return out
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func transfer(src, dst int64, amount string) bank.TransferRequest {
	return bank.TransferRequest{SourceAccountID: src, DestinationAccountID: dst, Amount: dec(amount)}
}

func assertDecimal(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.Truef(t, got.Equal(dec(want)), "want %s, got %s", want, got)
}

func requireTransferError(t *testing.T, err error, sentinel error, state bank.State) {
	t.Helper()
	require.Error(t, err)
	var terr *bank.TransferError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, state, terr.State)
	assert.ErrorIs(t, err, sentinel)
}

func TestTransfer_Success(t *testing.T) {
	f := newFixture(t, nil)
	a := f.open(t, "100")
	b := f.open(t, "5")

	rec, err := f.bank.Transfer(context.Background(), transfer(a.ID, b.ID, "40.25"))
	require.NoError(t, err)

	assert.Equal(t, int64(1), rec.ID)
	assert.Equal(t, bank.StatusCommitted, rec.Status)
	assert.Equal(t, a.ID, rec.SourceAccountID)
	assert.Equal(t, b.ID, rec.DestinationAccountID)
	assertDecimal(t, "40.25", rec.Amount)
	assert.False(t, rec.CreatedAt.IsZero())

	assertDecimal(t, "59.75", f.balance(t, a.ID))
	assertDecimal(t, "45.25", f.balance(t, b.ID))

	entries := f.ledger(t)
	require.Len(t, entries, 1)
	assert.Equal(t, rec, entries[0])

	got, err := f.bank.GetTransaction(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec, got)

	committed := f.events.byType(bank.EventTransactionCommitted)
	require.Len(t, committed, 1)
	assert.Equal(t, rec.ID, committed[0].Transaction.ID)
	require.Len(t, committed[0].Changes, 2)
	assertDecimal(t, "-40.25", committed[0].Changes[0].Delta)
	assertDecimal(t, "59.75", committed[0].Changes[0].Balance)
	assertDecimal(t, "45.25", committed[0].Changes[1].Balance)
}

func TestTransfer_ExactBalanceDrainsToZero(t *testing.T) {
	f := newFixture(t, nil)
	a := f.open(t, "10.50")
	b := f.open(t, "0")

	_, err := f.bank.Transfer(context.Background(), transfer(a.ID, b.ID, "10.5"))
	require.NoError(t, err)
	assertDecimal(t, "0", f.balance(t, a.ID))
	assertDecimal(t, "10.5", f.balance(t, b.ID))
}

func TestTransfer_DecimalPrecision(t *testing.T) {
	f := newFixture(t, nil)
	a := f.open(t, "0.3")
	b := f.open(t, "0")

	ctx := context.Background()
	_, err := f.bank.Transfer(ctx, transfer(a.ID, b.ID, "0.1"))
	require.NoError(t, err)
	_, err = f.bank.Transfer(ctx, transfer(a.ID, b.ID, "0.2"))
	require.NoError(t, err)

	assertDecimal(t, "0", f.balance(t, a.ID))
	assertDecimal(t, "0.3", f.balance(t, b.ID))
}

func TestTransfer_InsufficientFundsLeavesNoTrace(t *testing.T) {
	f := newFixture(t, nil)
	a := f.open(t, "10")
	b := f.open(t, "0")

	_, err := f.bank.Transfer(context.Background(), transfer(a.ID, b.ID, "10.01"))
	requireTransferError(t, err, bank.ErrInsufficientFunds, bank.StateApplying)
	assert.False(t, bank.IsRetryable(err))

	assertDecimal(t, "10", f.balance(t, a.ID))
	assertDecimal(t, "0", f.balance(t, b.ID))
	assert.Empty(t, f.ledger(t))

	failed := f.events.byType(bank.EventTransactionFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, bank.StatusFailed, failed[0].Transaction.Status)
	assert.Equal(t, bank.StateApplying, failed[0].State)
	assert.Zero(t, failed[0].Transaction.ID)
	assert.NotEmpty(t, failed[0].Reason)
}

func TestTransfer_InvalidRequests(t *testing.T) {
	f := newFixture(t, nil)
	a := f.open(t, "10")
	b := f.open(t, "10")

	tests := []struct {
		name     string
		req      bank.TransferRequest
		sentinel error
	}{
		{"zero amount", transfer(a.ID, b.ID, "0"), bank.ErrInvalidRequest},
		{"negative amount", transfer(a.ID, b.ID, "-1"), bank.ErrInvalidRequest},
		{"huge exponent", transfer(a.ID, b.ID, "1e30000000"), bank.ErrInvalidRequest},
		{"tiny exponent", transfer(a.ID, b.ID, "1e-30000000"), bank.ErrInvalidRequest},
		{"at ceiling", transfer(a.ID, b.ID, "1e20"), bank.ErrInvalidRequest},
		{"too many decimal places", transfer(a.ID, b.ID, "0.0000000000000000001"), bank.ErrInvalidRequest},
		{"same account", transfer(a.ID, a.ID, "1"), bank.ErrInvalidRequest},
		{"same unknown account", transfer(99, 99, "1"), bank.ErrInvalidRequest},
		{"unknown source", transfer(99, b.ID, "1"), bank.ErrNotFound},
		{"unknown destination", transfer(a.ID, 99, "1"), bank.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.bank.Transfer(context.Background(), tt.req)
			requireTransferError(t, err, tt.sentinel, bank.StateValidating)
		})
	}

	assertDecimal(t, "10", f.balance(t, a.ID))
	assertDecimal(t, "10", f.balance(t, b.ID))
	assert.Empty(t, f.ledger(t))
	assert.Len(t, f.events.byType(bank.EventTransactionFailed), len(tests))
}

func TestTransfer_CreditFailureRollsBackDebit(t *testing.T) {
	f := newFixture(t, func(s *storage.MemStore) bank.TxManager {
		return faultyTx{inner: s, failCredit: true}
	})
	a := f.open(t, "50")
	b := f.open(t, "0")

	_, err := f.bank.Transfer(context.Background(), transfer(a.ID, b.ID, "20"))
	requireTransferError(t, err, bank.ErrStorageFailure, bank.StateApplying)
	assert.ErrorIs(t, err, errInjected)
	assert.True(t, bank.IsRetryable(err))

	assertDecimal(t, "50", f.balance(t, a.ID))
	assertDecimal(t, "0", f.balance(t, b.ID))
	assert.Empty(t, f.ledger(t))
}

func TestTransfer_RecordingFailureRollsBackBalances(t *testing.T) {
	f := newFixture(t, func(s *storage.MemStore) bank.TxManager {
		return faultyTx{inner: s, failAppend: true}
	})
	a := f.open(t, "50")
	b := f.open(t, "0")

	_, err := f.bank.Transfer(context.Background(), transfer(a.ID, b.ID, "20"))
	requireTransferError(t, err, bank.ErrStorageFailure, bank.StateRecording)

	assertDecimal(t, "50", f.balance(t, a.ID))
	assertDecimal(t, "0", f.balance(t, b.ID))
	assert.Empty(t, f.ledger(t))
	assert.Empty(t, f.events.byType(bank.EventTransactionCommitted))
}

func TestTransfer_BusyWhenAccountLocked(t *testing.T) {
	f := newFixture(t, nil, bank.WithLockTimeout(30*time.Millisecond))
	a := f.open(t, "50")
	b := f.open(t, "0")

	release, err := f.guard.Acquire(context.Background(), b.ID)
	require.NoError(t, err)
	defer release()

	_, err = f.bank.Transfer(context.Background(), transfer(a.ID, b.ID, "1"))
	requireTransferError(t, err, bank.ErrBusy, bank.StateLocking)
	assert.True(t, bank.IsRetryable(err))
	assertDecimal(t, "50", f.balance(t, a.ID))
	assert.Empty(t, f.ledger(t))
}

func TestTransfer_ConcurrentOppositeDirections(t *testing.T) {
	f := newFixture(t, nil)
	a := f.open(t, "1000")
	b := f.open(t, "1000")

	const n = 200
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := transfer(a.ID, b.ID, "3")
			if i%2 == 1 {
				req = transfer(b.ID, a.ID, "2")
			}
			_, err := f.bank.Transfer(context.Background(), req)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	// 100 次 A→B 3 元、100 次 B→A 2 元
	assertDecimal(t, "900", f.balance(t, a.ID))
	assertDecimal(t, "1100", f.balance(t, b.ID))
	assert.Len(t, f.ledger(t), n)
}

func TestTransfer_ConcurrentDrainNeverOverdraws(t *testing.T) {
	f := newFixture(t, nil)
	src := f.open(t, "100")
	dsts := []bank.Account{f.open(t, "0"), f.open(t, "0"), f.open(t, "0")}

	const n = 60
	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.bank.Transfer(context.Background(), transfer(src.ID, dsts[i%len(dsts)].ID, "7"))
			if err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, bank.ErrInsufficientFunds)
		}()
	}
	wg.Wait()

	assert.Equal(t, 14, ok) // floor(100 / 7)
	assertDecimal(t, "2", f.balance(t, src.ID))

	total := f.balance(t, src.ID)
	for _, d := range dsts {
		bal := f.balance(t, d.ID)
		assert.False(t, bal.IsNegative())
		total = total.Add(bal)
	}
	assertDecimal(t, "100", total)
	assert.Len(t, f.ledger(t), ok)
}

func TestLedger_OrderedAndReiterable(t *testing.T) {
	f := newFixture(t, nil)
	a := f.open(t, "100")
	b := f.open(t, "100")
	ctx := context.Background()

	for _, amt := range []string{"1", "2", "3"} {
		_, err := f.bank.Transfer(ctx, transfer(a.ID, b.ID, amt))
		require.NoError(t, err)
	}

	seq := f.bank.ListTransactions(ctx)
	var ids []int64
	for tx, err := range seq {
		require.NoError(t, err)
		ids = append(ids, tx.ID)
	}
	assert.Equal(t, []int64{1, 2, 3}, ids)

	// 同一個序列可重新走訪，並看到新寫入的紀錄
	_, err := f.bank.Transfer(ctx, transfer(b.ID, a.ID, "4"))
	require.NoError(t, err)
	count := 0
	for _, err := range seq {
		require.NoError(t, err)
		count++
	}
	assert.Equal(t, 4, count)

	// 提前中止走訪
	for tx := range seq {
		assert.Equal(t, int64(1), tx.ID)
		break
	}

	_, err = f.bank.GetTransaction(ctx, 42)
	assert.ErrorIs(t, err, bank.ErrNotFound)
}

func TestLedger_IDsIncreaseAcrossFailures(t *testing.T) {
	store := storage.NewMemStore()
	faulty := &faultyTx{inner: store}
	b := bank.New(store.Accounts(), store.Ledger(), faulty, bank.NewLocalGuard())
	ctx := context.Background()

	a1, err := b.CreateAccount(ctx, bank.NewAccount{BankName: "x", BankAccountNumber: "1", Balance: dec("10")})
	require.NoError(t, err)
	a2, err := b.CreateAccount(ctx, bank.NewAccount{BankName: "x", BankAccountNumber: "2", Balance: dec("10")})
	require.NoError(t, err)

	first, err := b.Transfer(ctx, transfer(a1.ID, a2.ID, "1"))
	require.NoError(t, err)

	faulty.failCredit = true
	_, err = b.Transfer(ctx, transfer(a1.ID, a2.ID, "1"))
	require.Error(t, err)
	faulty.failCredit = false

	second, err := b.Transfer(ctx, transfer(a1.ID, a2.ID, "1"))
	require.NoError(t, err)
	assert.Greater(t, second.ID, first.ID)
}

func TestCreateAccount(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	a := f.open(t, "12.34")
	assert.Equal(t, int64(1), a.ID)
	assertDecimal(t, "12.34", a.Balance)

	_, err := f.bank.CreateAccount(ctx, bank.NewAccount{BankName: "x", BankAccountNumber: "1", Balance: dec("-0.01")})
	assert.ErrorIs(t, err, bank.ErrInvalidRequest)
	_, err = f.bank.CreateAccount(ctx, bank.NewAccount{BankName: " ", BankAccountNumber: "1"})
	assert.ErrorIs(t, err, bank.ErrInvalidRequest)

	list, err := f.bank.ListAccounts(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	_, err = f.bank.GetAccount(ctx, 404)
	assert.ErrorIs(t, err, bank.ErrNotFound)
}

func TestDeleteAccount(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	a := f.open(t, "10")
	b := f.open(t, "10")
	idle := f.open(t, "0")

	_, err := f.bank.Transfer(ctx, transfer(a.ID, b.ID, "1"))
	require.NoError(t, err)

	assert.ErrorIs(t, f.bank.DeleteAccount(ctx, a.ID), bank.ErrAccountInUse)
	assert.ErrorIs(t, f.bank.DeleteAccount(ctx, b.ID), bank.ErrAccountInUse)
	require.NoError(t, f.bank.DeleteAccount(ctx, idle.ID))
	assert.ErrorIs(t, f.bank.DeleteAccount(ctx, idle.ID), bank.ErrNotFound)

	_, err = f.bank.GetAccount(ctx, idle.ID)
	assert.ErrorIs(t, err, bank.ErrNotFound)
	// 交易紀錄不受影響
	assert.Len(t, f.ledger(t), 1)
}

func TestPublishFailureDoesNotFailTransfer(t *testing.T) {
	store := storage.NewMemStore()
	b := bank.New(store.Accounts(), store.Ledger(), store, bank.NewLocalGuard(),
		bank.WithPublisher(failingPublisher{}))
	ctx := context.Background()
	a1, err := b.CreateAccount(ctx, bank.NewAccount{BankName: "x", BankAccountNumber: "1", Balance: dec("5")})
	require.NoError(t, err)
	a2, err := b.CreateAccount(ctx, bank.NewAccount{BankName: "x", BankAccountNumber: "2"})
	require.NoError(t, err)

	_, err = b.Transfer(ctx, transfer(a1.ID, a2.ID, "5"))
	assert.NoError(t, err)
}

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, bank.Event) error { return errors.New("broker down") }

func TestTransfer_BalancesAfterTransferAndShortfall(t *testing.T) {
	f := newFixture(t, nil)
	a := f.open(t, "100")
	b := f.open(t, "50")
	ctx := context.Background()

	rec, err := f.bank.Transfer(ctx, transfer(a.ID, b.ID, "30"))
	require.NoError(t, err)
	assertDecimal(t, "30", rec.Amount)
	assertDecimal(t, "70", f.balance(t, a.ID))
	assertDecimal(t, "80", f.balance(t, b.ID))

	poor := f.open(t, "10")
	_, err = f.bank.Transfer(ctx, transfer(poor.ID, b.ID, "50"))
	assert.ErrorIs(t, err, bank.ErrInsufficientFunds)
	assertDecimal(t, "10", f.balance(t, poor.ID))
	assert.Len(t, f.ledger(t), 1)
}

func TestTransfer_SimultaneousEqualOppositeTransfers(t *testing.T) {
	f := newFixture(t, nil)
	a := f.open(t, "25")
	b := f.open(t, "25")

	start := make(chan struct{})
	var wg sync.WaitGroup
	for _, req := range []bank.TransferRequest{transfer(a.ID, b.ID, "25"), transfer(b.ID, a.ID, "25")} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := f.bank.Transfer(context.Background(), req)
			assert.NoError(t, err)
		}()
	}
	close(start)
	wg.Wait()

	assertDecimal(t, "25", f.balance(t, a.ID))
	assertDecimal(t, "25", f.balance(t, b.ID))
	entries := f.ledger(t)
	require.Len(t, entries, 2)
	for _, e := range entries {
		assert.Equal(t, bank.StatusCommitted, e.Status)
	}
}

func TestCreateAccount_AmountBounds(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	for _, bal := range []string{"1e30000000", "100000000000000000000", "0.0000000000000000001"} {
		_, err := f.bank.CreateAccount(ctx, bank.NewAccount{OwnerID: 1, BankName: "BCA", BankAccountNumber: "1", Balance: dec(bal)})
		assert.ErrorIsf(t, err, bank.ErrInvalidRequest, "balance %s", bal)
	}

	a, err := f.bank.CreateAccount(ctx, bank.NewAccount{OwnerID: 1, BankName: "BCA", BankAccountNumber: "1", Balance: dec("99999999999999999999.000000000000000001")})
	require.NoError(t, err)
	assertDecimal(t, "99999999999999999999.000000000000000001", a.Balance)
}
