// Package store provides the embedded SQLite database behind the local cache
// and the pending mutation queue.
//
// The database runs in WAL mode so the drain process can read the queue
// while a board session appends to it.
//
// Layout:
//   - kv: small named values (user, token)
//   - boards: one row per board, JSON encoded with its cards, ordered by position
//   - mutations: append-only log of unconfirmed card intents, ordered by seq
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// ErrNotFound is returned when a key or row does not exist.
var ErrNotFound = errors.New("not found")

// DB wraps the SQLite connection used for local persistence.
type DB struct {
	conn *sql.DB
	path string
	lock *fileLock
}

// Open creates or opens the database at path.
//
// The parent directory is created if needed and an exclusive lock file is
// taken next to the database, so only one process owns a data directory.
// The caller MUST call Close() when done.
//
// Example:
//
//	db, err := store.Open(filepath.Join(dataDir, "cardsync.db"))
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	lock, err := acquireLock(path + ".lock")
	if err != nil {
		return nil, fmt.Errorf("failed to lock database: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		lock.release()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		lock.release()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(4)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{conn: conn, path: path, lock: lock}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.conn.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	return db, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Close checkpoints the WAL, closes the connection and releases the lock.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	err := db.conn.Close()
	db.conn = nil
	db.lock.release()
	if err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// InitSchema creates the tables if they don't exist. Safe to call repeatedly.
func (db *DB) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS boards (
		id TEXT PRIMARY KEY,
		position INTEGER NOT NULL,
		data TEXT NOT NULL  -- JSON board with embedded cards
	);

	CREATE TABLE IF NOT EXISTS mutations (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		board TEXT NOT NULL,
		type TEXT NOT NULL,  -- create, update, delete
		card TEXT NOT NULL,  -- JSON card patch
		enqueued_at INTEGER NOT NULL  -- epoch ms
	);

	CREATE INDEX IF NOT EXISTS idx_boards_position ON boards(position);
	CREATE INDEX IF NOT EXISTS idx_mutations_board ON mutations(board, seq);
	CREATE INDEX IF NOT EXISTS idx_mutations_enqueued ON mutations(enqueued_at);
	`

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// GetKV returns the raw value stored under key, or ErrNotFound.
func (db *DB) GetKV(ctx context.Context, key string) ([]byte, error) {
	var value string
	err := db.conn.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read key %s: %w", key, err)
	}
	return []byte(value), nil
}

// PutKV stores value under key, replacing any previous value.
func (db *DB) PutKV(ctx context.Context, key string, value []byte) error {
	query := `
	INSERT INTO kv (key, value) VALUES (?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`
	if _, err := db.conn.ExecContext(ctx, query, key, string(value)); err != nil {
		return fmt.Errorf("failed to write key %s: %w", key, err)
	}
	return nil
}

// DeleteKV removes key. Returns nil if the key doesn't exist.
func (db *DB) DeleteKV(ctx context.Context, key string) error {
	if _, err := db.conn.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete key %s: %w", key, err)
	}
	return nil
}

// BoardRow is one persisted board.
type BoardRow struct {
	ID       string
	Position int
	Data     []byte
}

// LoadBoards returns every board row ordered by position.
func (db *DB) LoadBoards(ctx context.Context) ([]BoardRow, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT id, position, data FROM boards ORDER BY position ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query boards: %w", err)
	}
	defer rows.Close()

	var out []BoardRow
	for rows.Next() {
		var r BoardRow
		var data string
		if err := rows.Scan(&r.ID, &r.Position, &data); err != nil {
			return nil, fmt.Errorf("failed to scan board: %w", err)
		}
		r.Data = []byte(data)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating boards: %w", err)
	}
	return out, nil
}

// PutBoard inserts or replaces one board row.
func (db *DB) PutBoard(ctx context.Context, row BoardRow) error {
	query := `
	INSERT INTO boards (id, position, data) VALUES (?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		position = excluded.position,
		data = excluded.data
	`
	if _, err := db.conn.ExecContext(ctx, query, row.ID, row.Position, string(row.Data)); err != nil {
		return fmt.Errorf("failed to write board %s: %w", row.ID, err)
	}
	return nil
}

// DeleteBoard removes a board row. Returns nil if it doesn't exist.
func (db *DB) DeleteBoard(ctx context.Context, id string) error {
	if _, err := db.conn.ExecContext(ctx, `DELETE FROM boards WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete board %s: %w", id, err)
	}
	return nil
}

// ReplaceBoards atomically replaces the whole boards table.
func (db *DB) ReplaceBoards(ctx context.Context, rows []BoardRow) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM boards`); err != nil {
		return fmt.Errorf("failed to clear boards: %w", err)
	}
	for _, r := range rows {
		if _, err := tx.ExecContext(ctx, `INSERT INTO boards (id, position, data) VALUES (?, ?, ?)`,
			r.ID, r.Position, string(r.Data)); err != nil {
			return fmt.Errorf("failed to insert board %s: %w", r.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// MutationRow is one persisted queue entry.
type MutationRow struct {
	Seq        int64
	Board      string
	Type       string
	Card       []byte
	EnqueuedAt time.Time
}

// AppendMutation adds a row to the end of the mutation log and returns its seq.
func (db *DB) AppendMutation(ctx context.Context, row MutationRow) (int64, error) {
	res, err := db.conn.ExecContext(ctx,
		`INSERT INTO mutations (board, type, card, enqueued_at) VALUES (?, ?, ?, ?)`,
		row.Board, row.Type, string(row.Card), row.EnqueuedAt.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to append mutation: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read mutation seq: %w", err)
	}
	return seq, nil
}

// MutationFilter selects rows from the mutation log.
type MutationFilter struct {
	// Board restricts to one board (empty = all boards)
	Board string
	// Since restricts to rows enqueued at or after this time (zero = all)
	Since time.Time
	// Limit restricts the number of results (0 = no limit)
	Limit int
}

// ListMutations returns rows matching the filter in seq order.
func (db *DB) ListMutations(ctx context.Context, filter MutationFilter) ([]MutationRow, error) {
	var conditions []string
	var args []interface{}

	if filter.Board != "" {
		conditions = append(conditions, "board = ?")
		args = append(args, filter.Board)
	}
	if !filter.Since.IsZero() {
		conditions = append(conditions, "enqueued_at >= ?")
		args = append(args, filter.Since.UnixMilli())
	}

	query := `SELECT seq, board, type, card, enqueued_at FROM mutations`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY seq ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query mutations: %w", err)
	}
	defer rows.Close()

	var out []MutationRow
	for rows.Next() {
		var r MutationRow
		var card string
		var enqueued int64
		if err := rows.Scan(&r.Seq, &r.Board, &r.Type, &card, &enqueued); err != nil {
			return nil, fmt.Errorf("failed to scan mutation: %w", err)
		}
		r.Card = []byte(card)
		r.EnqueuedAt = time.UnixMilli(enqueued)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating mutations: %w", err)
	}
	return out, nil
}

// MutationBoards returns the distinct boards that have pending rows, ordered
// by their oldest row.
func (db *DB) MutationBoards(ctx context.Context) ([]string, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT board FROM mutations GROUP BY board ORDER BY MIN(seq) ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query mutation boards: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var b string
		if err := rows.Scan(&b); err != nil {
			return nil, fmt.Errorf("failed to scan board: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating mutation boards: %w", err)
	}
	return out, nil
}

// DeleteMutations removes rows by seq. Missing rows are ignored.
func (db *DB) DeleteMutations(ctx context.Context, seqs []int64) error {
	if len(seqs) == 0 {
		return nil
	}

	placeholders := make([]string, len(seqs))
	args := make([]interface{}, len(seqs))
	for i, s := range seqs {
		placeholders[i] = "?"
		args[i] = s
	}

	query := `DELETE FROM mutations WHERE seq IN (` + strings.Join(placeholders, ", ") + `)`
	if _, err := db.conn.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to delete mutations: %w", err)
	}
	return nil
}

// MutationCount returns the number of pending rows.
func (db *DB) MutationCount(ctx context.Context) (int, error) {
	var count int
	if err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM mutations`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count mutations: %w", err)
	}
	return count, nil
}
