// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sqlitepool_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/roomserver/lib/sqlitepool"
)

func pragmaInt(t *testing.T, conn *sqlite.Conn, pragma string) int {
	t.Helper()
	var value int
	err := sqlitex.Execute(conn, "PRAGMA "+pragma, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			value = stmt.ColumnInt(0)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("PRAGMA %s: %v", pragma, err)
	}
	return value
}

func TestPragmas(t *testing.T) {
	for _, test := range []struct {
		name        string
		durable     bool
		synchronous int
	}{
		{name: "normal", synchronous: 1},
		{name: "durable", durable: true, synchronous: 2},
	} {
		t.Run(test.name, func(t *testing.T) {
			pool, err := sqlitepool.Open(sqlitepool.Config{
				Path:    filepath.Join(t.TempDir(), "pragma.db"),
				Durable: test.durable,
			})
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			defer pool.Close()

			conn, err := pool.Take(context.Background())
			if err != nil {
				t.Fatalf("Take: %v", err)
			}
			defer pool.Put(conn)

			var journalMode string
			err = sqlitex.Execute(conn, "PRAGMA journal_mode", &sqlitex.ExecOptions{
				ResultFunc: func(stmt *sqlite.Stmt) error {
					journalMode = stmt.ColumnText(0)
					return nil
				},
			})
			if err != nil {
				t.Fatalf("PRAGMA journal_mode: %v", err)
			}
			if journalMode != "wal" {
				t.Errorf("journal_mode = %q, want wal", journalMode)
			}
			if got := pragmaInt(t, conn, "synchronous"); got != test.synchronous {
				t.Errorf("synchronous = %d, want %d", got, test.synchronous)
			}
		})
	}
}

func TestWriteCommitsAndRollsBack(t *testing.T) {
	pool := openTestPool(t, func(conn *sqlite.Conn) error {
		return sqlitex.ExecuteScript(conn, `CREATE TABLE IF NOT EXISTS rows (value INTEGER NOT NULL);`, nil)
	})
	ctx := context.Background()

	err := pool.Write(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "INSERT INTO rows (value) VALUES (?)", &sqlitex.ExecOptions{Args: []any{1}})
	})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}

	failure := errors.New("abort")
	err = pool.Write(ctx, func(conn *sqlite.Conn) error {
		if err := sqlitex.Execute(conn, "INSERT INTO rows (value) VALUES (?)", &sqlitex.ExecOptions{Args: []any{2}}); err != nil {
			return err
		}
		return failure
	})
	if !errors.Is(err, failure) {
		t.Fatalf("Write error = %v, want %v", err, failure)
	}

	var sum int64
	err = pool.Read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "SELECT value FROM rows", &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				sum += stmt.ColumnInt64(0)
				return nil
			},
		})
	})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if sum != 1 {
		t.Errorf("sum = %d, want 1 (rolled back write must not persist)", sum)
	}
}

func TestConcurrentWriters(t *testing.T) {
	pool := openTestPool(t, func(conn *sqlite.Conn) error {
		return sqlitex.ExecuteScript(conn, `CREATE TABLE IF NOT EXISTS counter (id INTEGER PRIMARY KEY, value INTEGER NOT NULL);`, nil)
	})
	ctx := context.Background()
	if err := pool.Write(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "INSERT INTO counter (id, value) VALUES (1, 0)", nil)
	}); err != nil {
		t.Fatal(err)
	}

	const writers = 8
	var waitGroup sync.WaitGroup
	errs := make(chan error, writers)
	for range writers {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			errs <- pool.Write(ctx, func(conn *sqlite.Conn) error {
				var value int64
				err := sqlitex.Execute(conn, "SELECT value FROM counter WHERE id = 1", &sqlitex.ExecOptions{
					ResultFunc: func(stmt *sqlite.Stmt) error {
						value = stmt.ColumnInt64(0)
						return nil
					},
				})
				if err != nil {
					return err
				}
				return sqlitex.Execute(conn, "UPDATE counter SET value = ? WHERE id = 1", &sqlitex.ExecOptions{Args: []any{value + 1}})
			})
		}()
	}
	waitGroup.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Error(err)
		}
	}

	var final int64
	if err := pool.Read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "SELECT value FROM counter WHERE id = 1", &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				final = stmt.ColumnInt64(0)
				return nil
			},
		})
	}); err != nil {
		t.Fatal(err)
	}
	if final != writers {
		t.Errorf("counter = %d, want %d (lost update)", final, writers)
	}
}

func TestOnConnectError(t *testing.T) {
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     filepath.Join(t.TempDir(), "fail.db"),
		PoolSize: 1,
		OnConnect: func(*sqlite.Conn) error {
			return fmt.Errorf("schema unavailable")
		},
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer pool.Close()

	if _, err := pool.Take(context.Background()); err == nil {
		t.Fatal("Take succeeded despite OnConnect failure")
	}
}

func TestEmptyPathRejected(t *testing.T) {
	if _, err := sqlitepool.Open(sqlitepool.Config{}); err == nil {
		t.Fatal("expected error for empty Path")
	}
}

func TestContextCancellation(t *testing.T) {
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     filepath.Join(t.TempDir(), "cancel.db"),
		PoolSize: 1,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer pool.Close()

	conn, err := pool.Take(context.Background())
	if err != nil {
		t.Fatalf("Take: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := pool.Take(ctx); err == nil {
		t.Fatal("expected error from cancelled context")
	}
	pool.Put(conn)
}

func openTestPool(t *testing.T, onConnect func(*sqlite.Conn) error) *sqlitepool.Pool {
	t.Helper()
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:      filepath.Join(t.TempDir(), "test.db"),
		PoolSize:  4,
		OnConnect: onConnect,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		if err := pool.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return pool
}
