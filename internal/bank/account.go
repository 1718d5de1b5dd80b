// internal/bank/account.go
//
// 本檔定義 Account 與 Transaction 結構，不含任何 HTTP 或儲存細節。

package bank

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// 金額上限：小數最多 MaxAmountScale 位，整數部分最多 MaxAmountIntegerDigits 位。
const (
	MaxAmountScale         = 18
	MaxAmountIntegerDigits = 20
)

var amountCeiling = decimal.New(1, MaxAmountIntegerDigits)

// CheckAmount 檢查金額的位數是否在可處理範圍內，不檢查正負。
// 指數必須在 Cmp 之前檢查：Cmp 會把兩邊 rescale 到同一個指數。
func CheckAmount(d decimal.Decimal) error {
	if d.Exponent() < -MaxAmountScale {
		return fmt.Errorf("%w: amount has more than %d decimal places", ErrInvalidRequest, MaxAmountScale)
	}
	if d.Exponent() >= MaxAmountIntegerDigits || d.Abs().Cmp(amountCeiling) >= 0 {
		return fmt.Errorf("%w: amount must be below 1e%d", ErrInvalidRequest, MaxAmountIntegerDigits)
	}
	return nil
}

// Account represents a bank account.
type Account struct {
	ID                int64           `json:"id"`
	OwnerID           int64           `json:"userId"`
	BankName          string          `json:"bankName"`
	BankAccountNumber string          `json:"bankAccountNumber"`
	Balance           decimal.Decimal `json:"balance"`
}

// NewAccount 為建立帳戶所需的資料（由帳戶開立流程提供）。
type NewAccount struct {
	OwnerID           int64
	BankName          string
	BankAccountNumber string
	Balance           decimal.Decimal
}

// Status 為交易紀錄的結果狀態。
type Status string

const (
	StatusCommitted Status = "COMMITTED"
	StatusFailed    Status = "FAILED"
)

// Transaction represents a ledger entry.
type Transaction struct {
	ID                   int64           `json:"id"`
	SourceAccountID      int64           `json:"sourceAccountId"`
	DestinationAccountID int64           `json:"destinationAccountId"`
	Amount               decimal.Decimal `json:"amount"`
	Status               Status          `json:"status"`
	CreatedAt            time.Time       `json:"createdAt"`
}

// BalanceChange 記錄一次餘額調整（增減量與調整後餘額），供對帳使用。
type BalanceChange struct {
	AccountID int64           `json:"accountId"`
	Delta     decimal.Decimal `json:"delta"`
	Balance   decimal.Decimal `json:"balance"`
}

// TransferRequest 為驗證層交給 Engine 的已型別化請求。
type TransferRequest struct {
	SourceAccountID      int64
	DestinationAccountID int64
	Amount               decimal.Decimal
}
