// Package postgres 以 PostgreSQL (pgx/v5) 實作帳戶儲存、交易紀錄與交易範圍。
//
// 轉帳的扣款、入帳與紀錄寫入在同一個資料庫交易內完成；
// 交易範圍內可用 SELECT ... FOR UPDATE 依帳戶 ID 遞增順序鎖定資料列。
package postgres

import (
	"context"
	_ "embed"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"bankledger/internal/bank"
)

//go:embed schema.sql
var schema string

// querier 為 *pgxpool.Pool 與 pgx.Tx 的共同子集。
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store 實作 bank.TxManager，並提供交易範圍外的 AccountStore / Ledger。
type Store struct {
	pool *pgxpool.Pool
}

var (
	_ bank.TxManager = (*Store)(nil)
	_ bank.Scope     = (*Store)(nil)
	_ bank.RowLocker = (*scope)(nil)
)

// NewStore 以既有的連線池建立 Store。
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Migrate 套用內嵌的 schema（可重複執行）。
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *Store) Accounts() bank.AccountStore { return &AccountRepository{q: s.pool} }
func (s *Store) Ledger() bank.Ledger         { return &LedgerRepository{q: s.pool} }

// Run 執行一個 ACID 交易：fn 回傳錯誤即 Rollback，否則 Commit。
func (s *Store) Run(ctx context.Context, fn func(ctx context.Context, tx bank.Scope) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", mapError(err))
	}
	// Commit 之後的 Rollback 會回傳 pgx.ErrTxClosed，可忽略
	defer func() {
		_ = tx.Rollback(context.WithoutCancel(ctx))
	}()

	if err := fn(ctx, &scope{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", mapError(err))
	}
	return nil
}

// scope 將兩個 repository 綁定在同一個 pgx.Tx 上。
type scope struct {
	tx pgx.Tx
}

func (s *scope) Accounts() bank.AccountStore { return &AccountRepository{q: s.tx} }
func (s *scope) Ledger() bank.Ledger         { return &LedgerRepository{q: s.tx} }

// LockAccounts 以 SELECT ... FOR UPDATE 鎖定資料列直到交易結束。
// ctx 若帶有期限，會換算成本交易的 lock_timeout，逾時回傳 bank.ErrBusy。
func (s *scope) LockAccounts(ctx context.Context, ids ...int64) error {
	if deadline, ok := ctx.Deadline(); ok {
		ms := max(time.Until(deadline).Milliseconds(), 1)
		if _, err := s.tx.Exec(ctx, `SELECT set_config('lock_timeout', $1, true)`, strconv.FormatInt(ms, 10)+"ms"); err != nil {
			return fmt.Errorf("set lock_timeout: %w", mapError(err))
		}
	}

	rows, err := s.tx.Query(ctx, `SELECT id FROM accounts WHERE id = ANY($1) ORDER BY id FOR UPDATE`, ids)
	if err != nil {
		return fmt.Errorf("lock accounts: %w", mapError(err))
	}
	locked, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return fmt.Errorf("lock accounts: %w", mapError(err))
	}
	if len(locked) != len(ids) {
		return fmt.Errorf("lock accounts %v: %w", ids, bank.ErrNotFound)
	}
	return nil
}
