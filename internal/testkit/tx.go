// Package testkit provides in-memory stand-ins for the Postgres repositories and
// transactions so service and handler tests run without a database.
package testkit

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// NoopTx satisfies pgx.Tx; only Commit/Rollback are meaningful.
type NoopTx struct{}

func (NoopTx) Begin(context.Context) (pgx.Tx, error) { return NoopTx{}, nil }
func (NoopTx) Commit(context.Context) error          { return nil }
func (NoopTx) Rollback(context.Context) error        { return nil }
func (NoopTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.NewCommandTag(""), nil
}
func (NoopTx) Query(context.Context, string, ...any) (pgx.Rows, error) { return nil, nil }
func (NoopTx) QueryRow(context.Context, string, ...any) pgx.Row        { return nil }
func (NoopTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, nil
}
func (NoopTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults { return nil }
func (NoopTx) LargeObjects() pgx.LargeObjects                         { return pgx.LargeObjects{} }
func (NoopTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	return nil, nil
}
func (NoopTx) Conn() *pgx.Conn { return nil }

// DB hands out transactions one at a time, the way a row lock serializes writers
// touching the same record. A transaction holds the lock until Commit or Rollback.
type DB struct {
	mu        sync.Mutex
	begins    atomic.Int64
	commits   atomic.Int64
	rollbacks atomic.Int64
}

func (db *DB) Begin(ctx context.Context) (pgx.Tx, error) {
	db.mu.Lock()
	db.begins.Add(1)
	return &lockedTx{db: db}, nil
}

// Commits is the number of committed transactions.
func (db *DB) Commits() int64 { return db.commits.Load() }

// Rollbacks counts transactions that ended without a commit.
func (db *DB) Rollbacks() int64 { return db.rollbacks.Load() }

type lockedTx struct {
	NoopTx
	db   *DB
	once sync.Once
}

func (t *lockedTx) Commit(context.Context) error {
	t.once.Do(func() {
		t.db.commits.Add(1)
		t.db.mu.Unlock()
	})
	return nil
}

func (t *lockedTx) Rollback(context.Context) error {
	t.once.Do(func() {
		t.db.rollbacks.Add(1)
		t.db.mu.Unlock()
	})
	return nil
}
