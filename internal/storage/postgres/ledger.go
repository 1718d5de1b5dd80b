package postgres

import (
	"context"
	"fmt"
	"iter"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"bankledger/internal/bank"
)

const (
	transactionColumns = `id, source_account_id, destination_account_id, amount::text, status, created_at`
	listPageSize       = 500
)

// LedgerRepository 實作 bank.Ledger。資料表另有觸發器拒絕 UPDATE / DELETE。
type LedgerRepository struct {
	q querier
}

func (r *LedgerRepository) Append(ctx context.Context, src, dst int64, amount decimal.Decimal, status bank.Status) (bank.Transaction, error) {
	row := r.q.QueryRow(ctx,
		`INSERT INTO transactions (source_account_id, destination_account_id, amount, status)
		 VALUES ($1, $2, $3::numeric, $4)
		 RETURNING `+transactionColumns,
		src, dst, amount.String(), string(status))
	t, err := scanTransaction(row)
	if err != nil {
		return bank.Transaction{}, fmt.Errorf("append ledger entry: %w", mapError(err))
	}
	return t, nil
}

func (r *LedgerRepository) Get(ctx context.Context, id int64) (bank.Transaction, error) {
	row := r.q.QueryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id)
	t, err := scanTransaction(row)
	if err != nil {
		return bank.Transaction{}, fmt.Errorf("transaction %d: %w", id, mapError(err))
	}
	return t, nil
}

// List 以 keyset 分頁 (id > 上一頁最後一筆) 惰性讀取，不會一次載入整張表。
func (r *LedgerRepository) List(ctx context.Context) iter.Seq2[bank.Transaction, error] {
	return func(yield func(bank.Transaction, error) bool) {
		var after int64
		for {
			page, err := r.page(ctx, after)
			if err != nil {
				yield(bank.Transaction{}, err)
				return
			}
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

func (r *LedgerRepository) page(ctx context.Context, after int64) ([]bank.Transaction, error) {
	rows, err := r.q.Query(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE id > $1 ORDER BY id LIMIT $2`,
		after, listPageSize)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", mapError(err))
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (bank.Transaction, error) {
		return scanTransaction(row)
	})
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", mapError(err))
	}
	return out, nil
}

func (r *LedgerRepository) References(ctx context.Context, accountID int64) (bool, error) {
	var used bool
	err := r.q.QueryRow(ctx,
		`SELECT EXISTS (
		     SELECT 1 FROM transactions
		      WHERE source_account_id = $1 OR destination_account_id = $1)`,
		accountID).Scan(&used)
	if err != nil {
		return false, fmt.Errorf("check references of account %d: %w", accountID, mapError(err))
	}
	return used, nil
}

func scanTransaction(row pgx.Row) (bank.Transaction, error) {
	var (
		t      bank.Transaction
		amount string
		status string
	)
	if err := row.Scan(&t.ID, &t.SourceAccountID, &t.DestinationAccountID, &amount, &status, &t.CreatedAt); err != nil {
		return bank.Transaction{}, err
	}
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return bank.Transaction{}, fmt.Errorf("parse amount %q: %w", amount, err)
	}
	t.Amount = d
	t.Status = bank.Status(status)
	t.CreatedAt = t.CreatedAt.UTC()
	return t, nil
}
