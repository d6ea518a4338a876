package database

import (
	"context"

	"go.uber.org/zap"

	"github.com/ekaya-inc/assay-engine/pkg/apperrors"
)

// TxRunner runs fn atomically. Repository calls made with the context passed
// to fn join the transaction; nested calls reuse the outer transaction.
type TxRunner interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// PgTxRunner implements TxRunner on a pgx pool.
type PgTxRunner struct {
	db     *DB
	logger *zap.Logger
}

// NewTxRunner creates a TxRunner for db.
func NewTxRunner(db *DB, logger *zap.Logger) *PgTxRunner {
	return &PgTxRunner{db: db, logger: logger.Named("tx")}
}

var _ TxRunner = (*PgTxRunner)(nil)

func (r *PgTxRunner) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	scope, ok := GetScope(ctx)
	if ok && scope.Tx != nil {
		return fn(ctx)
	}
	if !ok {
		acquired, err := r.db.Acquire(ctx)
		if err != nil {
			return apperrors.Persistence("acquire connection", err)
		}
		defer acquired.Close()
		scope = acquired
	}

	tx, err := scope.Conn.Begin(ctx)
	if err != nil {
		return apperrors.Persistence("begin transaction", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback on defer is best-effort

	txCtx := SetScope(ctx, &Scope{Conn: scope.Conn, Tx: tx})
	if err := fn(txCtx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		r.logger.Error("Failed to commit transaction", zap.Error(err))
		return apperrors.Persistence("commit transaction", err)
	}
	return nil
}
