/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

INTERFACES IMPLEMENTED:
  generic.Directory, generic.Catalog, generic.AuditLog  (directory.go, audit.go)
  ledger.Store / ledger.Tx                              (balances.go)
  workflow.Store / workflow.Tx                          (requests.go)
  delegation.Store                                      (delegations.go)
  escalation.Store                                      (escalations.go)

APPEND-ONLY ENFORCEMENT:
  ledger_entries and audit_log are only ever inserted into. Balance rows
  are mutable; the journal is the history.

CONCURRENCY:
  Every write transaction starts with BEGIN IMMEDIATE (_txlock=immediate),
  so the write lock is taken before the first read of a balance row and
  two writers can never interleave between read and update. The pool is
  limited to one connection: callers queue for it, and a writer from
  another process that holds the lock past the busy timeout surfaces as
  generic.ErrLedgerRaceLost.

  Inside a transaction every read goes through the transaction. A read on
  the Store itself while holding a Tx would wait for the only connection
  forever.

MIGRATIONS:
  Versioned SQL files in migrations/, embedded and applied with
  golang-migrate on New(). The migrate command runs the same code.

USAGE:
  store, err := sqlite.New("./data/leave.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()
*/
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/leave-engine/delegation"
	"github.com/warp/leave-engine/escalation"
	"github.com/warp/leave-engine/generic"
	"github.com/warp/leave-engine/ledger"
	"github.com/warp/leave-engine/workflow"
)

//go:embed migrations/*.sql
var migrations embed.FS

const dsnParams = "_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate"

// Store implements all storage interfaces using SQLite.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

var (
	_ generic.Directory = (*Store)(nil)
	_ generic.Catalog   = (*Store)(nil)
	_ generic.AuditLog  = (*Store)(nil)
	_ ledger.Store      = (*Store)(nil)
	_ workflow.Store    = (*Store)(nil)
	_ delegation.Store  = (*Store)(nil)
	_ escalation.Store  = (*Store)(nil)
	_ workflow.Tx       = (*txStore)(nil)
)

// New opens the database at dbPath and applies pending migrations.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := Open(dbPath)
	if err != nil {
		return nil, err
	}
	if err := Migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Open opens the database without migrating it.
func Open(dbPath string) (*sql.DB, error) {
	sep := "?"
	if strings.Contains(dbPath, "?") {
		sep = "&"
	}
	db, err := sql.Open("sqlite3", dbPath+sep+dsnParams)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: writers queue in the pool, and :memory: databases
	// stay a single database.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return db, nil
}

// Migrate applies every embedded migration not yet recorded in db.
func Migrate(db *sql.DB) error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("failed to read migrations: %w", err)
	}
	drv, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to init migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", drv)
	if err != nil {
		return fmt.Errorf("failed to init migrations: %w", err)
	}
	// m.Close would close db, which the Store keeps using.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database answers.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// txStore is the view handed to transaction callbacks. It implements
// ledger.Tx and workflow.Tx.
type txStore struct {
	q   querier
	now func() time.Time
}

func (s *Store) inTx(ctx context.Context, fn func(ts *txStore) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapError(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{q: sqlTx, now: s.now}); err != nil {
		return mapError(err)
	}
	if err := sqlTx.Commit(); err != nil {
		return mapError(fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

// view runs reads outside a transaction through the same code paths.
func (s *Store) view() *txStore {
	return &txStore{q: s.db, now: s.now}
}

// =============================================================================
// HELPERS
// =============================================================================

// mapError translates driver errors into the shared taxonomy.
func mapError(err error) error {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return err
	}
	switch {
	case se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked:
		return fmt.Errorf("%w: %v", generic.ErrLedgerRaceLost, err)
	case se.ExtendedCode == sqlite3.ErrConstraintUnique && strings.Contains(se.Error(), "idempotency_key"):
		return fmt.Errorf("%w: %v", generic.ErrDuplicateIdempotencyKey, err)
	}
	return err
}

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func timePtr(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

func formatDate(t time.Time) string {
	return generic.Day(t).Format(generic.DateLayout)
}

func parseDate(s string) time.Time {
	t, err := generic.ParseDate(s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// prefixed qualifies a column list with a table alias.
func prefixed(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, c := range parts {
		parts[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(parts, ", ")
}

// placeholders returns "?, ?, ?" for n arguments.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
