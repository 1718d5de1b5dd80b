// internal/bank/engine.go
//
// 轉帳引擎。狀態機：
//
//	Validating → Locking → Applying → Recording → Committed
//
// 任一階段失敗即走向 Failed：交易範圍回滾，餘額與交易紀錄維持嘗試前的狀態。
// 扣款、入帳與紀錄寫入在同一個 TxManager.Run 內完成，三者不會單獨生效。

package bank

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Transfer 將 amount 從來源帳戶轉入目標帳戶，回傳已提交的交易紀錄。
// 失敗時回傳 *TransferError，其 Err 包裝 ErrInvalidRequest / ErrNotFound /
// ErrInsufficientFunds / ErrBusy / ErrStorageFailure 之一。
func (b *Bank) Transfer(ctx context.Context, req TransferRequest) (Transaction, error) {
	log := b.log.With().
		Int64("source_id", req.SourceAccountID).
		Int64("destination_id", req.DestinationAccountID).
		Stringer("amount", req.Amount).
		Logger()

	// 1) Validating
	if err := validateTransfer(req); err != nil {
		return Transaction{}, b.abort(ctx, log, req, StateValidating, err)
	}
	for _, id := range []int64{req.SourceAccountID, req.DestinationAccountID} {
		if _, err := b.accounts.Get(ctx, id); err != nil {
			return Transaction{}, b.abort(ctx, log, req, StateValidating, fmt.Errorf("account %d: %w", id, err))
		}
	}

	// 2) Locking
	lockCtx, cancel := context.WithTimeout(ctx, b.lockTimeout)
	release, err := b.guard.Acquire(lockCtx, req.SourceAccountID, req.DestinationAccountID)
	cancel()
	if err != nil {
		return Transaction{}, b.abort(ctx, log, req, StateLocking, err)
	}
	defer release()

	// 3) Applying + 4) Recording，同一個交易範圍
	state := StateApplying
	var (
		record  Transaction
		changes []BalanceChange
	)
	err = b.tx.Run(ctx, func(ctx context.Context, tx Scope) error {
		if rl, ok := tx.(RowLocker); ok {
			state = StateLocking
			lockCtx, cancel := context.WithTimeout(ctx, b.lockTimeout)
			defer cancel()
			if err := rl.LockAccounts(lockCtx, CanonicalOrder([]int64{req.SourceAccountID, req.DestinationAccountID})...); err != nil {
				return err
			}
		}

		state = StateApplying
		debited, err := tx.Accounts().AdjustBalance(ctx, req.SourceAccountID, req.Amount.Neg(), decimal.Zero)
		if err != nil {
			return fmt.Errorf("debit account %d: %w", req.SourceAccountID, err)
		}
		credited, err := tx.Accounts().AdjustBalance(ctx, req.DestinationAccountID, req.Amount, decimal.Zero)
		if err != nil {
			return fmt.Errorf("credit account %d: %w", req.DestinationAccountID, err)
		}

		state = StateRecording
		record, err = tx.Ledger().Append(ctx, req.SourceAccountID, req.DestinationAccountID, req.Amount, StatusCommitted)
		if err != nil {
			return fmt.Errorf("append ledger entry: %w", err)
		}
		changes = []BalanceChange{
			{AccountID: debited.ID, Delta: req.Amount.Neg(), Balance: debited.Balance},
			{AccountID: credited.ID, Delta: req.Amount, Balance: credited.Balance},
		}
		return nil
	})
	if err != nil {
		return Transaction{}, b.abort(ctx, log, req, state, err)
	}

	// 5) Committed
	log.Debug().Int64("transaction_id", record.ID).Msg("transfer committed")
	b.publish(ctx, log, Event{
		Type:        EventTransactionCommitted,
		Transaction: record,
		Changes:     changes,
		State:       StateCommitted,
		OccurredAt:  b.now(),
	})
	return record, nil
}

func validateTransfer(req TransferRequest) error {
	if !req.Amount.IsPositive() {
		return fmt.Errorf("%w: amount must be > 0", ErrInvalidRequest)
	}
	if err := CheckAmount(req.Amount); err != nil {
		return err
	}
	if req.SourceAccountID == req.DestinationAccountID {
		return fmt.Errorf("%w: source and destination are the same account", ErrInvalidRequest)
	}
	return nil
}

// abort 統一處理中止路徑：分類錯誤、記錄日誌、發佈 FAILED 事件。
func (b *Bank) abort(ctx context.Context, log zerolog.Logger, req TransferRequest, state State, cause error) error {
	terr := &TransferError{State: state, Err: classify(cause)}

	ev := log.Warn()
	if errors.Is(terr, ErrStorageFailure) {
		ev = log.Error()
	}
	ev.Err(cause).Str("state", string(state)).Msg("transfer aborted")

	b.publish(ctx, log, Event{
		Type: EventTransactionFailed,
		Transaction: Transaction{
			SourceAccountID:      req.SourceAccountID,
			DestinationAccountID: req.DestinationAccountID,
			Amount:               req.Amount,
			Status:               StatusFailed,
			CreatedAt:            b.now(),
		},
		State:      state,
		Reason:     terr.Err.Error(),
		OccurredAt: b.now(),
	})
	return terr
}

func (b *Bank) publish(ctx context.Context, log zerolog.Logger, ev Event) {
	if b.events == nil {
		return
	}
	if err := b.events.Publish(context.WithoutCancel(ctx), ev); err != nil {
		log.Error().Err(err).Str("event", ev.Type).Msg("failed to publish ledger event")
	}
}
