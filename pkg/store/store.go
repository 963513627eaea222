// Package store holds the pluggable persistence adapters. A store keeps, per
// room, the latest full-state snapshot plus the deltas appended since it; the
// room is reconstructed by loading the snapshot and replaying the deltas in
// receipt order. Ops are idempotent and commutative so receipt order need not
// match wall-clock order.
package store

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrNotFound is returned by LoadRoom when nothing was ever persisted for the
// room id.
var ErrNotFound = errors.New("room not persisted")

// Store is the durable backend behind the room registry. Implementations must
// be safe for concurrent use.
type Store interface {
	// LoadRoom returns the latest snapshot (possibly nil if only updates were
	// written) and the deltas appended since it, or ErrNotFound.
	LoadRoom(ctx context.Context, roomID string) (snapshot []byte, updates [][]byte, err error)
	// AppendUpdate durably appends one delta to the room's log.
	AppendUpdate(ctx context.Context, roomID string, update []byte) error
	// SaveSnapshot replaces the room's snapshot and compacts away the update
	// log it covers.
	SaveSnapshot(ctx context.Context, roomID string, snapshot []byte) error
	// DeleteRoom removes all persisted state for the room.
	DeleteRoom(ctx context.Context, roomID string) error
	// Mode names the backend for the health probe.
	Mode() string
	Close() error
}

// Open constructs a store from a DSN of the form sqlite://<file> or
// badger://<dir>. An empty DSN disables persistence and returns a nil Store:
// the caller then runs purely in memory for the life of the process.
func Open(dsn string) (Store, error) {
	if dsn == "" {
		return nil, nil
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse persistence dsn: %w", err)
	}
	path := u.Host + u.Path
	switch u.Scheme {
	case "sqlite":
		return OpenSQLite(path)
	case "badger":
		return OpenBadger(strings.TrimSuffix(path, "/"))
	default:
		return nil, fmt.Errorf("unknown persistence scheme %q", u.Scheme)
	}
}
