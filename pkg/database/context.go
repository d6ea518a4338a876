package database

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type contextKey string

const (
	// ScopeKey is the context key for storing the scoped database connection.
	ScopeKey contextKey = "dbScope"
)

// Querier is the subset of pgx shared by pools, connections and transactions.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

var (
	_ Querier = (*pgxpool.Pool)(nil)
	_ Querier = (*pgxpool.Conn)(nil)
	_ Querier = (pgx.Tx)(nil)
)

// Scope is an acquired connection, optionally inside a transaction.
type Scope struct {
	Conn *pgxpool.Conn
	Tx   pgx.Tx
}

// Querier returns the transaction when one is open, else the connection.
func (s *Scope) Querier() Querier {
	if s.Tx != nil {
		return s.Tx
	}
	return s.Conn
}

// Close releases the connection to the pool. It MUST be called for scopes
// returned by DB.Acquire.
func (s *Scope) Close() {
	if s.Conn == nil {
		return
	}
	s.Conn.Release()
}

// GetScope retrieves the scoped database connection from context.
// Returns nil and false if not present.
func GetScope(ctx context.Context) (*Scope, bool) {
	scope, ok := ctx.Value(ScopeKey).(*Scope)
	return scope, ok
}

// SetScope stores the scoped database connection in context.
func SetScope(ctx context.Context, scope *Scope) context.Context {
	return context.WithValue(ctx, ScopeKey, scope)
}

// Acquire takes a connection from the pool.
// The returned Scope MUST be closed with defer scope.Close().
func (db *DB) Acquire(ctx context.Context) (*Scope, error) {
	conn, err := db.Pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return &Scope{Conn: conn}, nil
}

// QuerierFrom returns the transaction or connection carried by ctx, falling
// back to the pool.
func (db *DB) QuerierFrom(ctx context.Context) Querier {
	if scope, ok := GetScope(ctx); ok {
		return scope.Querier()
	}
	return db.Pool
}
