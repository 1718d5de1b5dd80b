// internal/bank/errors.go
//
// 本檔集中定義「領域錯誤（domain errors）」。
// 這些錯誤屬於商業邏輯層級，會由上層 HTTP handler 轉換成適當的 HTTP 狀態碼。
// 儲存層（memory / postgres）會將自身錯誤對應到此處的哨兵錯誤，呼叫端一律以 errors.Is 判斷。

package bank

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidRequest 代表金額非法（<=0）或來源與目標帳戶相同。
	// 對應 HTTP 狀態碼 400 Bad Request，不自動重試。
	ErrInvalidRequest = errors.New("invalid request")

	// ErrNotFound 代表帳戶或交易不存在。
	// 對應 HTTP 狀態碼 404 Not Found。
	ErrNotFound = errors.New("not found")

	// ErrInsufficientFunds 代表餘額不足，調整後會低於下限。
	// 對應 HTTP 狀態碼 422 Unprocessable Entity，不自動重試。
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrBusy 代表無法在期限內取得帳戶鎖；呼叫端可退避後重試。
	// 對應 HTTP 狀態碼 503 Service Unavailable。
	ErrBusy = errors.New("accounts busy, retry later")

	// ErrStorageFailure 代表底層儲存錯誤；整個原子單元已回滾，可重試。
	ErrStorageFailure = errors.New("storage failure")

	// ErrAccountInUse 代表帳戶仍被交易紀錄引用，不可刪除。
	// 對應 HTTP 狀態碼 409 Conflict。
	ErrAccountInUse = errors.New("account referenced by ledger entries")
)

// State 為轉帳狀態機的階段。
type State string

const (
	StateValidating State = "validating"
	StateLocking    State = "locking"
	StateApplying   State = "applying"
	StateRecording  State = "recording"
	StateCommitted  State = "committed"
)

// TransferError 記錄轉帳在哪個階段中止，以及原因。
// Err 一定包裝上方其中一個哨兵錯誤。
type TransferError struct {
	State State
	Err   error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("transfer aborted while %s: %v", e.State, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// IsRetryable 回報錯誤是否可由呼叫端退避後重試（Busy、StorageFailure）。
func IsRetryable(err error) bool {
	return errors.Is(err, ErrBusy) || errors.Is(err, ErrStorageFailure)
}

// classify 確保中止原因落在錯誤分類中；未知錯誤視為儲存失敗。
func classify(err error) error {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrInsufficientFunds),
		errors.Is(err, ErrBusy),
		errors.Is(err, ErrStorageFailure):
		return err
	default:
		return fmt.Errorf("%w: %w", ErrStorageFailure, err)
	}
}
