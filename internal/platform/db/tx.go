package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// txOptions pins the isolation level for every unit of work. Read
// committed is load-bearing for the budget ledger: a reserver that
// blocked on the budget row lock must, once the lock is granted, see
// the reservations the previous holder committed, and only
// statement-level snapshots give it that. At repeatable read the
// waiter would keep the snapshot taken before the wait and sum the
// reservations as of then, letting two concurrent reservations fit
// inside the same headroom.
var txOptions = pgx.TxOptions{IsoLevel: pgx.ReadCommitted}

// WithTx runs fn inside one transaction, rolling back on error.
func WithTx(ctx context.Context, pool *pgxpool.Pool, fn func(pgx.Tx) error) error {
	tx, err := pool.BeginTx(ctx, txOptions)
	if err != nil {
		return fmt.Errorf("platform/db: begin tx: %w", err)
	}

	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("platform/db: commit tx: %w", err)
	}

	return nil
}
