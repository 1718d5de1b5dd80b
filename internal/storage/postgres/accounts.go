package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"bankledger/internal/bank"
)

// NUMERIC 以文字往返，避免經過浮點數。
const accountColumns = `id, owner_id, bank_name, bank_account_number, balance::text`

// AccountRepository 實作 bank.AccountStore。
type AccountRepository struct {
	q querier
}

func (r *AccountRepository) Create(ctx context.Context, na bank.NewAccount) (bank.Account, error) {
	row := r.q.QueryRow(ctx,
		`INSERT INTO accounts (owner_id, bank_name, bank_account_number, balance)
		 VALUES ($1, $2, $3, $4::numeric)
		 RETURNING `+accountColumns,
		na.OwnerID, na.BankName, na.BankAccountNumber, na.Balance.String())
	a, err := scanAccount(row)
	if err != nil {
		return bank.Account{}, fmt.Errorf("create account: %w", mapError(err))
	}
	return a, nil
}

func (r *AccountRepository) Get(ctx context.Context, id int64) (bank.Account, error) {
	row := r.q.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id)
	a, err := scanAccount(row)
	if err != nil {
		return bank.Account{}, fmt.Errorf("account %d: %w", id, mapError(err))
	}
	return a, nil
}

func (r *AccountRepository) List(ctx context.Context) ([]bank.Account, error) {
	rows, err := r.q.Query(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", mapError(err))
	}
	defer rows.Close()

	var out []bank.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("list accounts: %w", mapError(err))
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list accounts: %w", mapError(err))
	}
	return out, nil
}

// AdjustBalance 以單一條件式 UPDATE 完成讀-改-寫：
// WHERE 子句不成立時不會有任何資料列被改動。
func (r *AccountRepository) AdjustBalance(ctx context.Context, id int64, delta, minBalance decimal.Decimal) (bank.Account, error) {
	row := r.q.QueryRow(ctx,
		`UPDATE accounts
		    SET balance = balance + $2::numeric
		  WHERE id = $1 AND balance + $2::numeric >= $3::numeric
		 RETURNING `+accountColumns,
		id, delta.String(), minBalance.String())
	a, err := scanAccount(row)
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return bank.Account{}, fmt.Errorf("adjust account %d: %w", id, mapError(err))
	}

	// 0 筆：帳戶不存在，或餘額不足
	var exists bool
	if err := r.q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM accounts WHERE id = $1)`, id).Scan(&exists); err != nil {
		return bank.Account{}, fmt.Errorf("adjust account %d: %w", id, mapError(err))
	}
	if !exists {
		return bank.Account{}, fmt.Errorf("account %d: %w", id, bank.ErrNotFound)
	}
	return bank.Account{}, fmt.Errorf("account %d: %w", id, bank.ErrInsufficientFunds)
}

func (r *AccountRepository) Delete(ctx context.Context, id int64) error {
	tag, err := r.q.Exec(ctx, `DELETE FROM accounts WHERE id = $1`, id)
	if err != nil {
		if isCode(err, codeForeignKeyViolation) {
			return fmt.Errorf("account %d: %w: %w", id, bank.ErrAccountInUse, err)
		}
		return fmt.Errorf("delete account %d: %w", id, mapError(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("account %d: %w", id, bank.ErrNotFound)
	}
	return nil
}

func scanAccount(row pgx.Row) (bank.Account, error) {
	var (
		a       bank.Account
		balance string
	)
	if err := row.Scan(&a.ID, &a.OwnerID, &a.BankName, &a.BankAccountNumber, &balance); err != nil {
		return bank.Account{}, err
	}
	d, err := decimal.NewFromString(balance)
	if err != nil {
		return bank.Account{}, fmt.Errorf("parse balance %q: %w", balance, err)
	}
	a.Balance = d
	return a, nil
}
