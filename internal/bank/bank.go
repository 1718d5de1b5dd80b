// internal/bank/bank.go

// Package bank 定義核心商業邏輯：帳戶開立、查詢、關閉，以及轉帳引擎與交易紀錄查詢。
// 金額以 decimal.Decimal 表示，避免浮點誤差。
// 帳戶與交易紀錄的儲存、帳戶鎖、事件發佈皆以介面注入，bank 本身不持有全域狀態。
package bank

import (
	"context"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// DefaultLockTimeout 為取得帳戶鎖的預設等待上限。
const DefaultLockTimeout = 2 * time.Second

// Bank 為聚合根 (Aggregate Root)：協調帳戶儲存、交易紀錄、帳戶鎖與交易範圍。
// - accounts / ledger：交易範圍外的讀取（驗證、查詢）。
// - tx：原子單元；範圍內的寫入一起提交或一起回滾。
// - guard：依帳戶 ID 遞增順序加鎖。
type Bank struct {
	accounts    AccountStore
	ledger      Ledger
	tx          TxManager
	guard       Guard
	events      EventPublisher
	log         zerolog.Logger
	lockTimeout time.Duration
	now         func() time.Time
}

// Option 調整 Bank 的可選依賴。
type Option func(*Bank)

// WithPublisher 設定轉帳事件的發佈者；未設定則不發佈。
func WithPublisher(p EventPublisher) Option {
	return func(b *Bank) { b.events = p }
}

// WithLogger 設定結構化日誌。
func WithLogger(l zerolog.Logger) Option {
	return func(b *Bank) { b.log = l }
}

// WithLockTimeout 設定取得帳戶鎖的等待上限；<= 0 時沿用預設值。
func WithLockTimeout(d time.Duration) Option {
	return func(b *Bank) {
		if d > 0 {
			b.lockTimeout = d
		}
	}
}

// New 以注入的協作者建立 Bank。
func New(accounts AccountStore, ledger Ledger, tx TxManager, guard Guard, opts ...Option) *Bank {
	b := &Bank{
		accounts:    accounts,
		ledger:      ledger,
		tx:          tx,
		guard:       guard,
		log:         zerolog.Nop(),
		lockTimeout: DefaultLockTimeout,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// CreateAccount 開立帳戶；初始餘額不得為負，銀行名稱與帳號不得為空。
func (b *Bank) CreateAccount(ctx context.Context, na NewAccount) (Account, error) {
	if na.Balance.IsNegative() {
		return Account{}, fmt.Errorf("%w: initial balance must be >= 0", ErrInvalidRequest)
	}
	if err := CheckAmount(na.Balance); err != nil {
		return Account{}, err
	}
	if strings.TrimSpace(na.BankName) == "" || strings.TrimSpace(na.BankAccountNumber) == "" {
		return Account{}, fmt.Errorf("%w: bank name and account number are required", ErrInvalidRequest)
	}
	a, err := b.accounts.Create(ctx, na)
	if err != nil {
		return Account{}, err
	}
	b.log.Info().Int64("account_id", a.ID).Int64("owner_id", a.OwnerID).Msg("account created")
	return a, nil
}

// GetAccount 依 ID 取得帳戶；不存在回傳 ErrNotFound。
func (b *Bank) GetAccount(ctx context.Context, id int64) (Account, error) {
	return b.accounts.Get(ctx, id)
}

// ListAccounts 回傳所有帳戶（依 ID 遞增）。
func (b *Bank) ListAccounts(ctx context.Context) ([]Account, error) {
	return b.accounts.List(ctx)
}

// DeleteAccount 關閉帳戶。
// 持有該帳戶的鎖並在交易範圍內檢查引用，確保不會與進行中的轉帳交錯；
// 仍被交易紀錄引用時回傳 ErrAccountInUse。
func (b *Bank) DeleteAccount(ctx context.Context, id int64) error {
	lockCtx, cancel := context.WithTimeout(ctx, b.lockTimeout)
	release, err := b.guard.Acquire(lockCtx, id)
	cancel()
	if err != nil {
		return err
	}
	defer release()

	err = b.tx.Run(ctx, func(ctx context.Context, tx Scope) error {
		if rl, ok := tx.(RowLocker); ok {
			if err := rl.LockAccounts(ctx, id); err != nil {
				return err
			}
		}
		used, err := tx.Ledger().References(ctx, id)
		if err != nil {
			return err
		}
		if used {
			return fmt.Errorf("account %d: %w", id, ErrAccountInUse)
		}
		return tx.Accounts().Delete(ctx, id)
	})
	if err != nil {
		return err
	}
	b.log.Info().Int64("account_id", id).Msg("account deleted")
	return nil
}

// GetTransaction 依 ID 取得交易紀錄；不存在回傳 ErrNotFound。
func (b *Bank) GetTransaction(ctx context.Context, id int64) (Transaction, error) {
	return b.ledger.Get(ctx, id)
}

// ListTransactions 惰性列出所有交易紀錄；每次呼叫都重新讀取。
func (b *Bank) ListTransactions(ctx context.Context) iter.Seq2[Transaction, error] {
	return b.ledger.List(ctx)
}
