package db

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"regexp"

	"github.com/randalmurphal/hive/internal/config"
	"github.com/randalmurphal/hive/internal/db/driver"
)

// TxRunner provides a transactional execution interface.
// This allows operations to run within a transaction context,
// ensuring atomicity of multi-table operations.
type TxRunner interface {
	// RunInTx executes the given function within a transaction.
	// If fn returns an error, the transaction is rolled back.
	// If fn returns nil, the transaction is committed.
	RunInTx(ctx context.Context, fn func(tx *TxOps) error) error
}

// TxOps provides database operations within a transaction.
// It wraps a driver.Tx to provide the same interface as HiveDB but
// executes all operations within the transaction. The context is stored
// and used for all operations, enabling cancellation and timeout
// propagation through the entire transaction.
type TxOps struct {
	tx      driver.Tx
	dialect driver.Dialect
	ctx     context.Context
}

// Exec executes a query within the transaction.
func (t *TxOps) Exec(query string, args ...any) (sql.Result, error) {
	return t.tx.Exec(t.ctx, query, args...)
}

// Query executes a query that returns rows within the transaction.
func (t *TxOps) Query(query string, args ...any) (*sql.Rows, error) {
	return t.tx.Query(t.ctx, query, args...)
}

// QueryRow executes a query that returns at most one row within the transaction.
func (t *TxOps) QueryRow(query string, args ...any) *sql.Row {
	return t.tx.QueryRow(t.ctx, query, args...)
}

// Context returns the context associated with this transaction.
func (t *TxOps) Context() context.Context {
	return t.ctx
}

// Dialect returns the database dialect.
func (t *TxOps) Dialect() driver.Dialect {
	return t.dialect
}

// HiveDB provides operations on a project database (.hive/hive.db).
type HiveDB struct {
	*DB

	planCache *planStatusCache
}

// OpenHive opens the project database at {projectRoot}/.hive/hive.db
// using SQLite and applies pending migrations.
func OpenHive(projectRoot string) (*HiveDB, error) {
	path := filepath.Join(projectRoot, config.HiveDir, "hive.db")
	return OpenHiveAt(path)
}

// OpenHiveAt opens the SQLite project database at an explicit path.
func OpenHiveAt(path string) (*HiveDB, error) {
	db, err := Open(path)
	if err != nil {
		return nil, err
	}

	if err := db.Migrate("hive"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate hive db: %w", err)
	}

	return newHiveDB(db), nil
}

// OpenHiveWithDialect opens the project database with a specific dialect.
func OpenHiveWithDialect(dsn string, dialect driver.Dialect) (*HiveDB, error) {
	db, err := OpenWithDialect(dsn, dialect)
	if err != nil {
		return nil, err
	}

	if err := db.Migrate("hive"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate hive db: %w", err)
	}

	return newHiveDB(db), nil
}

// OpenHiveInMemory opens an in-memory project database for testing.
func OpenHiveInMemory() (*HiveDB, error) {
	db, err := OpenInMemory()
	if err != nil {
		return nil, err
	}

	if err := db.Migrate("hive"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate hive db: %w", err)
	}

	return newHiveDB(db), nil
}

func newHiveDB(db *DB) *HiveDB {
	return &HiveDB{DB: db, planCache: newPlanStatusCache()}
}

// Configure applies pool limits from the store configuration.
func (h *HiveDB) Configure(cfg config.StoreConfig) {
	raw := h.DB.DB()
	if raw == nil {
		return
	}
	raw.SetMaxOpenConns(cfg.MaxConns)
	raw.SetMaxIdleConns(2)
}

// RunInTx executes the given function within a database transaction.
// If fn returns an error, the transaction is rolled back.
// If fn returns nil, the transaction is committed.
func (h *HiveDB) RunInTx(ctx context.Context, fn func(tx *TxOps) error) error {
	tx, err := h.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	txOps := &TxOps{
		tx:      tx,
		dialect: h.Dialect(),
		ctx:     ctx,
	}

	if err := fn(txOps); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %w (original error: %v)", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	return nil
}

// Ensure HiveDB implements TxRunner
var _ TxRunner = (*HiveDB)(nil)

var identRe = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// EnsureColumn adds a column to a table if it does not exist yet.
// Both identifiers are validated before interpolation; schema evolution
// is additive only.
func (h *HiveDB) EnsureColumn(table, column, declType string) error {
	if !identRe.MatchString(table) || !identRe.MatchString(column) {
		return fmt.Errorf("invalid identifier %q.%q", table, column)
	}
	if !identRe.MatchString(declType) {
		return fmt.Errorf("invalid column type %q", declType)
	}

	if h.Dialect() == driver.DialectPostgres {
		_, err := h.Exec(fmt.Sprintf(
			"ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s %s", table, column, declType))
		if err != nil {
			return fmt.Errorf("add column %s.%s: %w", table, column, err)
		}
		return nil
	}

	rows, err := h.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return fmt.Errorf("inspect table %s: %w", table, err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			cid        int
			name, typ  string
			notNull    int
			dfltValue  sql.NullString
			primaryKey int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dfltValue, &primaryKey); err != nil {
			return fmt.Errorf("scan table info: %w", err)
		}
		if name == column {
			return nil // already present
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate table info: %w", err)
	}

	if _, err := h.Exec(fmt.Sprintf(
		"ALTER TABLE %s ADD COLUMN %s %s", table, column, declType)); err != nil {
		return fmt.Errorf("add column %s.%s: %w", table, column, err)
	}
	return nil
}
