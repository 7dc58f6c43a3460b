package utils

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"testing"
)

// Minimal driver fake: just enough to observe what WithTx does with the
// transaction handle.
type txRecorder struct {
	committed  bool
	rolledBack bool
}

type fakeTx struct{ rec *txRecorder }

func (t fakeTx) Commit() error   { t.rec.committed = true; return nil }
func (t fakeTx) Rollback() error { t.rec.rolledBack = true; return nil }

type fakeConn struct{ rec *txRecorder }

func (c fakeConn) Prepare(string) (driver.Stmt, error) { return nil, errors.New("unsupported") }
func (c fakeConn) Close() error                        { return nil }
func (c fakeConn) Begin() (driver.Tx, error)           { return fakeTx{c.rec}, nil }

type fakeConnector struct{ rec *txRecorder }

func (c fakeConnector) Connect(context.Context) (driver.Conn, error) { return fakeConn{c.rec}, nil }
func (c fakeConnector) Driver() driver.Driver                        { return fakeDriver{} }

type fakeDriver struct{}

func (fakeDriver) Open(string) (driver.Conn, error) { return nil, errors.New("use the connector") }

func txDB(t *testing.T) (*sql.DB, *txRecorder) {
	t.Helper()
	rec := &txRecorder{}
	db := sql.OpenDB(fakeConnector{rec})
	t.Cleanup(func() { db.Close() })
	return db, rec
}

func TestWithTx_CommitsOnSuccess(t *testing.T) {
	db, rec := txDB(t)
	err := WithTx(context.Background(), db, nil, func(ctx context.Context, tx *sql.Tx) error {
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !rec.committed || rec.rolledBack {
		t.Fatalf("expected commit, got %+v", rec)
	}
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	db, rec := txDB(t)
	boom := errors.New("boom")
	err := WithTx(context.Background(), db, nil, func(ctx context.Context, tx *sql.Tx) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected the fn error back, got %v", err)
	}
	if rec.committed || !rec.rolledBack {
		t.Fatalf("expected rollback, got %+v", rec)
	}
}

func TestWithTx_RollsBackOnPanic(t *testing.T) {
	db, rec := txDB(t)
	defer func() {
		if recover() == nil {
			t.Fatalf("panic must propagate")
		}
		if rec.committed || !rec.rolledBack {
			t.Fatalf("expected rollback, got %+v", rec)
		}
	}()
	_ = WithTx(context.Background(), db, nil, func(ctx context.Context, tx *sql.Tx) error {
		panic("boom")
	})
}
