// internal/bank/store.go
//
// 本檔定義 bank 層對外部協作者的依賴介面（依賴反轉）：
//   - AccountStore：帳戶記錄與餘額調整原語
//   - Ledger：只能追加的交易紀錄
//   - TxManager / Scope：儲存層的交易範圍（begin / commit / rollback）
//   - EventPublisher：提交後的事件通知
//
// 實作位於 internal/storage（記憶體 + JSON 快照）、internal/storage/postgres 與 internal/events。

package bank

import (
	"context"
	"iter"
	"time"

	"github.com/shopspring/decimal"
)

// AccountStore 擁有帳戶記錄；餘額只能透過 AdjustBalance 變動。
type AccountStore interface {
	Create(ctx context.Context, a NewAccount) (Account, error)
	Get(ctx context.Context, id int64) (Account, error)
	List(ctx context.Context) ([]Account, error)

	// AdjustBalance 以原子方式套用 balance += delta。
	// 若結果低於 minBalance 則回傳 ErrInsufficientFunds，且不留下任何變動。
	AdjustBalance(ctx context.Context, id int64, delta, minBalance decimal.Decimal) (Account, error)

	// Delete 移除帳戶；仍被交易紀錄引用時回傳 ErrAccountInUse。
	Delete(ctx context.Context, id int64) error
}

// Ledger 為只能追加的交易紀錄。刻意不提供 update / delete。
type Ledger interface {
	// Append 指派遞增的 id 與時間戳記，回傳已寫入的紀錄。
	Append(ctx context.Context, sourceID, destinationID int64, amount decimal.Decimal, status Status) (Transaction, error)
	Get(ctx context.Context, id int64) (Transaction, error)

	// List 依 id 遞增順序惰性讀取；每次呼叫都重新讀取目前狀態。
	List(ctx context.Context) iter.Seq2[Transaction, error]

	// References 回報是否有任何紀錄引用該帳戶。
	References(ctx context.Context, accountID int64) (bool, error)
}

// Scope 為綁定在單一交易範圍內的儲存介面。
type Scope interface {
	Accounts() AccountStore
	Ledger() Ledger
}

// RowLocker 由可以在交易範圍內鎖定資料列的 Scope 實作（例如 SELECT ... FOR UPDATE）。
// ids 必須已依 CanonicalOrder 排序。
type RowLocker interface {
	LockAccounts(ctx context.Context, ids ...int64) error
}

// TxManager 在單一儲存交易內執行 fn：fn 回傳錯誤即回滾，否則提交。
type TxManager interface {
	Run(ctx context.Context, fn func(ctx context.Context, tx Scope) error) error
}

// 事件類型（亦作為訊息佇列的 routing key）。
const (
	EventTransactionCommitted = "transaction.committed"
	EventTransactionFailed    = "transaction.failed"
)

// Event 為轉帳結束後對外發佈的通知。
// 失敗的轉帳只會以 Status=FAILED 的事件出現，永遠不寫入 Ledger。
type Event struct {
	Type        string          `json:"type"`
	Transaction Transaction     `json:"transaction"`
	Changes     []BalanceChange `json:"changes,omitempty"`
	State       State           `json:"state,omitempty"`
	Reason      string          `json:"reason,omitempty"`
	OccurredAt  time.Time       `json:"occurredAt"`
}

// EventPublisher 發佈事件；失敗只會被記錄，不影響已提交的轉帳。
type EventPublisher interface {
	Publish(ctx context.Context, ev Event) error
}
