package store

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/oklog/ulid/v2"
)

// BadgerStore persists rooms in an embedded BadgerDB. Snapshots live under
// one key per room; updates get ULID keys so that iterating the prefix in key
// order replays them in receipt order.
type BadgerStore struct {
	db *badger.DB

	// the monotonic entropy source is not safe for concurrent use
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

// OpenBadger opens (and if needed creates) a badger database in dir.
func OpenBadger(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(badgerLogger{slog.Default()})
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return newBadgerStore(db), nil
}

// OpenBadgerInMemory opens a badger database with no disk persistence, used
// by tests.
func OpenBadgerInMemory() (*BadgerStore, error) {
	opts := badger.DefaultOptions("").WithInMemory(true).WithLogger(badgerLogger{slog.Default()})
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger in-memory: %w", err)
	}
	return newBadgerStore(db), nil
}

func newBadgerStore(db *badger.DB) *BadgerStore {
	return &BadgerStore{db: db, entropy: ulid.Monotonic(rand.Reader, 0)}
}

// roomKeySegment escapes the room id so that no id can produce a key that is
// a byte prefix of another room's keys (ids may contain ':' or '%').
func roomKeySegment(roomID string) string {
	return url.QueryEscape(roomID)
}

func snapshotKey(roomID string) []byte {
	return []byte("s:" + roomKeySegment(roomID))
}

func updatePrefix(roomID string) []byte {
	return []byte("u:" + roomKeySegment(roomID) + ":")
}

func (s *BadgerStore) nextUpdateKey(roomID string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, err := ulid.New(ulid.Timestamp(time.Now()), s.entropy)
	if err != nil {
		return nil, fmt.Errorf("generate update id: %w", err)
	}
	return append(updatePrefix(roomID), id.String()...), nil
}

func (s *BadgerStore) LoadRoom(_ context.Context, roomID string) ([]byte, [][]byte, error) {
	var snapshot []byte
	var updates [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(snapshotKey(roomID))
		switch {
		case err == nil:
			if snapshot, err = item.ValueCopy(nil); err != nil {
				return fmt.Errorf("read snapshot: %w", err)
			}
		case !errors.Is(err, badger.ErrKeyNotFound):
			return fmt.Errorf("get snapshot: %w", err)
		}

		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := updatePrefix(roomID)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			delta, err := it.Item().ValueCopy(nil)
			if err != nil {
				return fmt.Errorf("read update: %w", err)
			}
			updates = append(updates, delta)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	if snapshot == nil && len(updates) == 0 {
		return nil, nil, ErrNotFound
	}
	return snapshot, updates, nil
}

func (s *BadgerStore) AppendUpdate(_ context.Context, roomID string, update []byte) error {
	key, err := s.nextUpdateKey(roomID)
	if err != nil {
		return err
	}
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, update)
	}); err != nil {
		return fmt.Errorf("append update: %w", err)
	}
	return nil
}

func (s *BadgerStore) SaveSnapshot(_ context.Context, roomID string, snapshot []byte) error {
	if err := s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(snapshotKey(roomID), snapshot); err != nil {
			return err
		}
		return deletePrefix(txn, updatePrefix(roomID))
	}); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

func (s *BadgerStore) DeleteRoom(_ context.Context, roomID string) error {
	if err := s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete(snapshotKey(roomID)); err != nil {
			return err
		}
		return deletePrefix(txn, updatePrefix(roomID))
	}); err != nil {
		return fmt.Errorf("delete room: %w", err)
	}
	return nil
}

func deletePrefix(txn *badger.Txn, prefix []byte) error {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	var keys [][]byte
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	it.Close()
	for _, key := range keys {
		if err := txn.Delete(key); err != nil {
			return err
		}
	}
	return nil
}

func (s *BadgerStore) Mode() string { return "badger" }

func (s *BadgerStore) Close() error { return s.db.Close() }

// badgerLogger adapts slog to badger's logger interface.
type badgerLogger struct {
	l *slog.Logger
}

func (b badgerLogger) Errorf(format string, args ...interface{}) {
	b.l.Error(fmt.Sprintf("badger: "+format, args...))
}

func (b badgerLogger) Warningf(format string, args ...interface{}) {
	b.l.Warn(fmt.Sprintf("badger: "+format, args...))
}

func (b badgerLogger) Infof(string, ...interface{}) {}

func (b badgerLogger) Debugf(string, ...interface{}) {}
