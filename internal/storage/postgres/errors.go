package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"bankledger/internal/bank"
)

// SQLSTATE codes mapped onto the bank error taxonomy.
const (
	codeForeignKeyViolation = "23503"
	codeCheckViolation      = "23514"
	codeSerialization       = "40001"
	codeDeadlock            = "40P01"
	codeLockNotAvailable    = "55P03"
	codeQueryCanceled       = "57014"
)

// mapError translates driver errors into bank sentinels, keeping the cause in the chain.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %w", bank.ErrNotFound, err)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %w", bank.ErrBusy, err)
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return fmt.Errorf("%w: %w", bank.ErrStorageFailure, err)
	}
	switch pgErr.Code {
	case codeLockNotAvailable, codeDeadlock, codeSerialization, codeQueryCanceled:
		return fmt.Errorf("%w: %w", bank.ErrBusy, err)
	case codeCheckViolation:
		if pgErr.ConstraintName == "accounts_balance_non_negative" {
			return fmt.Errorf("%w: %w", bank.ErrInsufficientFunds, err)
		}
		return fmt.Errorf("%w: %w", bank.ErrInvalidRequest, err)
	case codeForeignKeyViolation:
		// Delete 會自行把此代碼對應為 ErrAccountInUse
		return fmt.Errorf("%w: %w", bank.ErrNotFound, err)
	default:
		return fmt.Errorf("%w: %w", bank.ErrStorageFailure, err)
	}
}

func isCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}
