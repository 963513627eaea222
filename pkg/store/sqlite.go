package store

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore persists rooms in a sqlite database: one snapshot row per room
// plus an append-only update log compacted on every snapshot.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (and if needed initialises) the database at path. The
// value ":memory:" is accepted for tests.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if path == ":memory:" {
		// every pooled connection would otherwise see its own empty database
		db.SetMaxOpenConns(1)
	}
	s := &SQLiteStore{db: db}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init() error {
	if _, err := s.db.Exec(
		`CREATE TABLE IF NOT EXISTS rooms (
    	id text not null primary key,
        snapshot text not null
		)`,
	); err != nil {
		return fmt.Errorf("create rooms table: %w", err)
	}
	if _, err := s.db.Exec(
		`CREATE TABLE IF NOT EXISTS room_updates (
    	id integer primary key autoincrement,
    	room_id text not null,
    	delta text not null
		)`,
	); err != nil {
		return fmt.Errorf("create room_updates table: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LoadRoom(ctx context.Context, roomID string) ([]byte, [][]byte, error) {
	var snapshot []byte
	var rawSnapshot string
	err := s.db.QueryRowContext(ctx, `SELECT snapshot FROM rooms WHERE id = ?`, roomID).Scan(&rawSnapshot)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, nil, fmt.Errorf("query snapshot: %w", err)
	default:
		if snapshot, err = base64.StdEncoding.DecodeString(rawSnapshot); err != nil {
			return nil, nil, fmt.Errorf("decode snapshot: %w", err)
		}
	}

	rows, err := s.db.QueryContext(ctx, `SELECT delta FROM room_updates WHERE room_id = ? ORDER BY id`, roomID)
	if err != nil {
		return nil, nil, fmt.Errorf("query updates: %w", err)
	}
	defer rows.Close()
	var updates [][]byte
	for rows.Next() {
		var rawDelta string
		if err := rows.Scan(&rawDelta); err != nil {
			return nil, nil, fmt.Errorf("scan update: %w", err)
		}
		delta, err := base64.StdEncoding.DecodeString(rawDelta)
		if err != nil {
			return nil, nil, fmt.Errorf("decode update: %w", err)
		}
		updates = append(updates, delta)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate updates: %w", err)
	}
	if snapshot == nil && len(updates) == 0 {
		return nil, nil, ErrNotFound
	}
	return snapshot, updates, nil
}

func (s *SQLiteStore) AppendUpdate(ctx context.Context, roomID string, update []byte) error {
	if _, err := s.db.ExecContext(
		ctx, `INSERT INTO room_updates(room_id, delta) VALUES (?, ?)`,
		roomID, base64.StdEncoding.EncodeToString(update),
	); err != nil {
		return fmt.Errorf("append update: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SaveSnapshot(ctx context.Context, roomID string, snapshot []byte) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(
		ctx, `INSERT INTO rooms(id, snapshot) VALUES (?, ?)
			ON CONFLICT(id) DO UPDATE SET snapshot = excluded.snapshot`,
		roomID, base64.StdEncoding.EncodeToString(snapshot),
	); err != nil {
		return fmt.Errorf("upsert snapshot: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM room_updates WHERE room_id = ?`, roomID); err != nil {
		return fmt.Errorf("compact updates: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit snapshot: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteRoom(ctx context.Context, roomID string) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `DELETE FROM rooms WHERE id = ?`, roomID); err != nil {
		return fmt.Errorf("delete room: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM room_updates WHERE room_id = ?`, roomID); err != nil {
		return fmt.Errorf("delete updates: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Mode() string { return "sqlite" }

func (s *SQLiteStore) Close() error { return s.db.Close() }
