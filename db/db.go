package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/deemkeen/fedgraph/domain"
	"github.com/deemkeen/fedgraph/store"
	"github.com/sirupsen/logrus"
	"modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"
)

var log = logrus.WithField("component", "db")

const maxBusyRetries = 5

// DB is the sqlite implementation of store.Store.
type DB struct {
	db *sql.DB
}

var _ store.Store = (*DB)(nil)

// Open opens (creating if needed) the database at path and runs migrations.
// ":memory:" gives a private in-memory database, used by tests.
func Open(path string) (*DB, error) {
	memory := path == ":memory:"
	dsn := path
	if !memory {
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_txlock=immediate"
	}
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if memory {
		// every connection would see its own empty database
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetMaxIdleConns(1)
		sqlDB.SetConnMaxLifetime(0)
	} else {
		sqlDB.SetMaxOpenConns(8)
		sqlDB.SetMaxIdleConns(4)
		sqlDB.SetConnMaxLifetime(time.Hour)

		var journalMode string
		if err := sqlDB.QueryRow("PRAGMA journal_mode=WAL").Scan(&journalMode); err != nil {
			log.Warnf("Failed to enable WAL mode: %v", err)
		} else {
			log.Debugf("Database journal mode: %s", journalMode)
		}
		sqlDB.Exec("PRAGMA synchronous = NORMAL")
	}

	d := &DB{db: sqlDB}
	if err := d.RunMigrations(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return d, nil
}

func (db *DB) Close() error {
	return db.db.Close()
}

func (db *DB) InTx(ctx context.Context, fn func(tx store.Tx) error) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		return fn(&txn{tx: tx})
	})
}

// wrapTransaction runs f inside a transaction. A SQLITE_BUSY failure rolls
// back and restarts the whole unit; any other error rolls back and returns.
func (db *DB) wrapTransaction(ctx context.Context, f func(tx *sql.Tx) error) error {
	for attempt := 0; ; attempt++ {
		err := db.runOnce(ctx, f)
		if err == nil {
			return nil
		}
		if isBusy(err) && attempt < maxBusyRetries {
			log.Debugf("database busy, retrying transaction (attempt %d)", attempt+1)
			select {
			case <-time.After(time.Duration(attempt+1) * 20 * time.Millisecond):
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return err
	}
}

func (db *DB) runOnce(ctx context.Context, f func(tx *sql.Tx) error) error {
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := f(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			log.Warnf("rollback failed: %v", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func sqliteCode(err error) (int, bool) {
	var serr *sqlite.Error
	if errors.As(err, &serr) {
		return serr.Code(), true
	}
	return 0, false
}

func isBusy(err error) bool {
	code, ok := sqliteCode(err)
	return ok && (code&0xff == sqlitelib.SQLITE_BUSY || code&0xff == sqlitelib.SQLITE_LOCKED)
}

func isConstraint(err error) bool {
	code, ok := sqliteCode(err)
	if ok {
		return code&0xff == sqlitelib.SQLITE_CONSTRAINT
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func notFound(what string, key any) error {
	return domain.NewError(domain.ReasonNotFound, "%s %v not found", what, key)
}

// txn adapts a *sql.Tx to store.Tx.
type txn struct {
	tx *sql.Tx
}

func (t *txn) exec(query string, args ...any) (int64, error) {
	res, err := t.tx.Exec(query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (t *txn) execOne(query string, args ...any) (bool, error) {
	n, err := t.exec(query, args...)
	return n > 0, err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
