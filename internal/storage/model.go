// internal/storage/model.go
//
// 定義「資料持久化層 (storage layer)」的快照結構模型。
// 記憶體儲存 (MemStore) 以此格式匯出 / 還原完整狀態，並保存必要的中繼資訊 (Meta)，
// 以便版本控制；正式部署則改用 internal/storage/postgres。
package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// Meta 為所有持久化快照的中繼資料 (metadata)。
type Meta struct {
	Storage   string    `json:"storage"`        // 儲存類型，例如 "json_snapshot"
	Version   int       `json:"version"`        // 結構版本號，用於未來升級時比對
	Timestamp time.Time `json:"timestamp"`      // 快照建立時間
	Note      string    `json:"note,omitempty"` // 備註欄
}

// PersistAccount 為帳戶在儲存層的序列化格式。
type PersistAccount struct {
	ID                int64           `json:"id"`
	OwnerID           int64           `json:"owner_id"`
	BankName          string          `json:"bank_name"`
	BankAccountNumber string          `json:"bank_account_number"`
	Balance           decimal.Decimal `json:"balance"` // 以字串序列化，不經過浮點數
}

// PersistTransaction 為交易紀錄在儲存層的序列化格式。
type PersistTransaction struct {
	ID                   int64           `json:"id"`
	SourceAccountID      int64           `json:"source_account_id"`
	DestinationAccountID int64           `json:"destination_account_id"`
	Amount               decimal.Decimal `json:"amount"`
	Status               string          `json:"status"`
	CreatedAt            time.Time       `json:"created_at"`
}

// Snapshot 為記憶體儲存狀態的完整快照。
// NextAccountID / NextTransactionID 保留序號，還原後新 ID 不會與已燒掉的 ID 重複。
type Snapshot struct {
	Meta              Meta                 `json:"_meta"`
	NextAccountID     int64                `json:"next_account_id"`
	NextTransactionID int64                `json:"next_transaction_id"`
	Accounts          []PersistAccount     `json:"accounts"`
	Transactions      []PersistTransaction `json:"transactions"`
}
