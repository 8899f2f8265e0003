package tablestore

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 1 - tables registry + entities
const currentSchemaVersion = 1

// SQLiteStore is a Store backed by a single SQLite database file.
type SQLiteStore struct {
	db     *sql.DB
	tables sync.Map // name -> *sqliteTable
	closed atomic.Bool
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite creates or opens a SQLite database at the given path.
// Applies required pragmas and the schema automatically.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode (balance durability/performance)
//   - 5-second busy timeout for lock contention across processes
//   - Foreign key enforcement (entities must belong to a registered table)
//
// This function is idempotent - safe to call multiple times.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the database connection. Safe to call more than once.
func (s *SQLiteStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) ensureOpen() error {
	if s.closed.Load() {
		return ErrClosed
	}
	return nil
}

// Table registers name on first use and returns a handle to it.
func (s *SQLiteStore) Table(ctx context.Context, name string) (Table, error) {
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	if t, ok := s.tables.Load(name); ok {
		return t.(*sqliteTable), nil
	}
	if err := ValidateTableName(name); err != nil {
		return nil, err
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tables (name) VALUES (?)
		ON CONFLICT(name) DO NOTHING
	`, name)
	if err != nil {
		return nil, fmt.Errorf("create table %q: %w", name, err)
	}

	t, _ := s.tables.LoadOrStore(name, &sqliteTable{store: s, db: s.db, name: name})
	return t.(*sqliteTable), nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// applySchema creates tables if they don't exist and stamps the schema
// version. A database written by a newer release is refused rather than
// silently downgraded.
func applySchema(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version > currentSchemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported version %d", version, currentSchemaVersion)
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	return nil
}

type sqliteTable struct {
	store *SQLiteStore
	db    *sql.DB
	name  string
}

func (t *sqliteTable) Name() string { return t.name }

func (t *sqliteTable) Get(ctx context.Context, partitionKey, rowKey string) (Entity, error) {
	if err := validateKeys(partitionKey, rowKey); err != nil {
		return Entity{}, err
	}
	if err := t.store.ensureOpen(); err != nil {
		return Entity{}, err
	}

	var etag, propsJSON string
	err := t.db.QueryRowContext(ctx, `
		SELECT etag, properties FROM entities
		WHERE table_name = ? AND partition_key = ? AND row_key = ?
	`, t.name, partitionKey, rowKey).Scan(&etag, &propsJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return Entity{}, fmt.Errorf("get %s/%s: %w", partitionKey, rowKey, ErrNotFound)
	}
	if err != nil {
		return Entity{}, fmt.Errorf("get %s/%s: %w", partitionKey, rowKey, err)
	}

	props, err := unmarshalProperties([]byte(propsJSON))
	if err != nil {
		return Entity{}, fmt.Errorf("get %s/%s: %w", partitionKey, rowKey, err)
	}

	return Entity{PartitionKey: partitionKey, RowKey: rowKey, ETag: etag, Properties: props}, nil
}

// Insert uses ON CONFLICT DO NOTHING and reports a conflict when no row was
// affected, so the existence check and the write are one statement.
func (t *sqliteTable) Insert(ctx context.Context, e Entity) (Entity, error) {
	if err := validateEntity(e); err != nil {
		return Entity{}, err
	}
	if err := t.store.ensureOpen(); err != nil {
		return Entity{}, err
	}
	propsJSON, err := marshalProperties(e.Properties)
	if err != nil {
		return Entity{}, fmt.Errorf("insert %s/%s: %w", e.PartitionKey, e.RowKey, err)
	}

	etag := newETag()
	result, err := t.db.ExecContext(ctx, `
		INSERT INTO entities (table_name, partition_key, row_key, etag, properties)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(table_name, partition_key, row_key) DO NOTHING
	`, t.name, e.PartitionKey, e.RowKey, etag, string(propsJSON))
	if err != nil {
		return Entity{}, fmt.Errorf("insert %s/%s: %w", e.PartitionKey, e.RowKey, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return Entity{}, fmt.Errorf("insert %s/%s: rows affected: %w", e.PartitionKey, e.RowKey, err)
	}
	if rowsAffected == 0 {
		return Entity{}, fmt.Errorf("insert %s/%s: %w", e.PartitionKey, e.RowKey, ErrConflict)
	}

	e.ETag = etag
	return e, nil
}

func (t *sqliteTable) Replace(ctx context.Context, e Entity) (Entity, error) {
	if err := validateEntity(e); err != nil {
		return Entity{}, err
	}
	if e.ETag == "" {
		return Entity{}, fmt.Errorf("replace %s/%s: %w", e.PartitionKey, e.RowKey, ErrMissingETag)
	}
	if err := t.store.ensureOpen(); err != nil {
		return Entity{}, err
	}
	propsJSON, err := marshalProperties(e.Properties)
	if err != nil {
		return Entity{}, fmt.Errorf("replace %s/%s: %w", e.PartitionKey, e.RowKey, err)
	}

	etag := newETag()
	query := `
		UPDATE entities SET etag = ?, properties = ?
		WHERE table_name = ? AND partition_key = ? AND row_key = ?`
	params := []any{etag, string(propsJSON), t.name, e.PartitionKey, e.RowKey}
	if e.ETag != ETagAny {
		query += " AND etag = ?"
		params = append(params, e.ETag)
	}

	result, err := t.db.ExecContext(ctx, query, params...)
	if err != nil {
		return Entity{}, fmt.Errorf("replace %s/%s: %w", e.PartitionKey, e.RowKey, err)
	}
	if err := t.checkAffected(ctx, result, e.PartitionKey, e.RowKey); err != nil {
		return Entity{}, fmt.Errorf("replace %s/%s: %w", e.PartitionKey, e.RowKey, err)
	}

	e.ETag = etag
	return e, nil
}

func (t *sqliteTable) Delete(ctx context.Context, partitionKey, rowKey, etag string) error {
	if err := validateKeys(partitionKey, rowKey); err != nil {
		return err
	}
	if etag == "" {
		return fmt.Errorf("delete %s/%s: %w", partitionKey, rowKey, ErrMissingETag)
	}
	if err := t.store.ensureOpen(); err != nil {
		return err
	}

	query := `
		DELETE FROM entities
		WHERE table_name = ? AND partition_key = ? AND row_key = ?`
	params := []any{t.name, partitionKey, rowKey}
	if etag != ETagAny {
		query += " AND etag = ?"
		params = append(params, etag)
	}

	result, err := t.db.ExecContext(ctx, query, params...)
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", partitionKey, rowKey, err)
	}
	if err := t.checkAffected(ctx, result, partitionKey, rowKey); err != nil {
		return fmt.Errorf("delete %s/%s: %w", partitionKey, rowKey, err)
	}
	return nil
}

// checkAffected turns a zero-row conditional write into ErrNotFound or
// ErrPreconditionFailed depending on whether the row exists.
func (t *sqliteTable) checkAffected(ctx context.Context, result sql.Result, partitionKey, rowKey string) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rowsAffected > 0 {
		return nil
	}

	var exists int
	err = t.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM entities
		WHERE table_name = ? AND partition_key = ? AND row_key = ?
	`, t.name, partitionKey, rowKey).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check existence: %w", err)
	}
	if exists == 0 {
		return ErrNotFound
	}
	return ErrPreconditionFailed
}

func (t *sqliteTable) Query(ctx context.Context, q Query) (Page, error) {
	if err := validateQuery(q); err != nil {
		return Page{}, err
	}
	if err := t.store.ensureOpen(); err != nil {
		return Page{}, err
	}

	stmt, params, err := compileQuery(t.name, q)
	if err != nil {
		return Page{}, fmt.Errorf("query %s: %w", t.name, err)
	}

	rows, err := t.db.QueryContext(ctx, stmt, params...)
	if err != nil {
		return Page{}, fmt.Errorf("query %s: %w", t.name, err)
	}
	defer rows.Close()

	limit := pageSize(q)
	page := Page{Entities: []Entity{}}
	for rows.Next() {
		var e Entity
		var propsJSON string
		if err := rows.Scan(&e.PartitionKey, &e.RowKey, &e.ETag, &propsJSON); err != nil {
			return Page{}, fmt.Errorf("scan %s: %w", t.name, err)
		}
		if len(page.Entities) == limit {
			page.Continuation = &Continuation{PartitionKey: e.PartitionKey, RowKey: e.RowKey}
			break
		}
		props, err := unmarshalProperties([]byte(propsJSON))
		if err != nil {
			return Page{}, fmt.Errorf("scan %s: %w", t.name, err)
		}
		e.Properties = project(props, q.Select)
		page.Entities = append(page.Entities, e)
	}

	if err := rows.Err(); err != nil {
		return Page{}, fmt.Errorf("iterate %s: %w", t.name, err)
	}

	return page, nil
}
