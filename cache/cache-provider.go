package cache

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"go.trai.ch/zerr"
)

// Store maps cache keys to compiled bundles.
//
// Implementations must be thread-safe!
// A Get must never observe a half-written artifact.
type Store interface {
	// Put stores the artifact under its key, replacing any existing entry.
	// It records the insertion time, which is used for expiring unrequested keys.
	Put(ctx context.Context, artifact Artifact) error
	// Get returns the artifact for the given key, if it exists.
	// It also returns a boolean indicating whether retrieval was successful.
	// If the entry has expired, the boolean is false and the entry is purged.
	Get(ctx context.Context, key string) (Artifact, bool, error)
	// Clear removes all entries and returns how many there were.
	Clear(ctx context.Context) (int, error)
	// Sweep removes expired entries and returns how many were removed.
	// It is a utility method that is not needed for correctness, since Get expires lazily.
	Sweep(ctx context.Context) (int, error)
	// Len returns the number of stored entries, expired or not.
	Len(ctx context.Context) (int, error)
}

// Options control the lifetime of stored entries.
type Options struct {
	// KeyStorageTime is how long an entry stays retrievable
	// after insertion if it has never been requested.
	KeyStorageTime time.Duration
	// ExpireUnconfirmed enables expiry of never requested entries.
	// Keys that are minted for a single page render need this.
	ExpireUnconfirmed bool
	// ConsumeOnRead drops an entry after it has been served once.
	ConsumeOnRead bool
	// Now returns the current time. time.Now is used if nil.
	Now func() time.Time
}

func (o Options) now() time.Time {
	if o.Now == nil {
		return time.Now()
	}
	return o.Now()
}

func (o Options) expired(insertedAt time.Time, confirmed bool, now time.Time) bool {
	if !o.ExpireUnconfirmed || confirmed || o.KeyStorageTime <= 0 {
		return false
	}
	return now.Sub(insertedAt) > o.KeyStorageTime
}

type memStoreEntry struct {
	artifact   Artifact
	insertedAt time.Time
	confirmed  bool
}

// MemStore is an in-memory Store.
// A single mutex guards the map; artifacts themselves are immutable.
type MemStore struct {
	mutex *sync.Mutex
	db    map[string]*memStoreEntry
	opts  Options
}

func NewMemStore(opts Options) MemStore {
	return MemStore{
		mutex: &sync.Mutex{},
		db:    make(map[string]*memStoreEntry),
		opts:  opts,
	}
}

func (m MemStore) Put(_ context.Context, artifact Artifact) error {
	if artifact.Key == "" {
		return ErrEmptyKey
	}
	entry := &memStoreEntry{
		artifact:   artifact.clone(),
		insertedAt: m.opts.now(),
	}
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.db[artifact.Key] = entry
	return nil
}

func (m MemStore) Get(_ context.Context, key string) (Artifact, bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	entry, ok := m.db[key]
	if !ok {
		return Artifact{}, false, nil
	}
	if m.opts.expired(entry.insertedAt, entry.confirmed, m.opts.now()) {
		delete(m.db, key)
		return Artifact{}, false, nil
	}
	if m.opts.ConsumeOnRead {
		delete(m.db, key)
	} else {
		entry.confirmed = true
	}
	return entry.artifact.clone(), true, nil
}

func (m MemStore) Clear(_ context.Context) (int, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	count := len(m.db)
	clear(m.db)
	return count, nil
}

func (m MemStore) Sweep(_ context.Context) (int, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	now := m.opts.now()
	count := 0
	for key, entry := range m.db {
		if m.opts.expired(entry.insertedAt, entry.confirmed, now) {
			delete(m.db, key)
			count++
		}
	}
	return count, nil
}

func (m MemStore) Len(_ context.Context) (int, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return len(m.db), nil
}

var tableNameRegexp = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// OpenSQLite opens the sqlite database with the given file name.
// If the file name is empty, a new shared in-memory db is opened.
func OpenSQLite(filename string) (*sql.DB, error) {
	if filename == "" {
		filename = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, zerr.With(zerr.Wrap(err, ErrStoreOpen.Error()), "db", filename)
	}
	// writes are serialized by the stores anyway,
	// and a single connection keeps in-memory dbs alive and unlocked
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, zerr.With(zerr.Wrap(err, ErrStoreOpen.Error()), "db", filename)
	}
	return db, nil
}

// SQLiteStore is a Store persisted in a sqlite table.
// Entries survive restarts of the server, so keys embedded in pages that were
// rendered before a restart still resolve.
type SQLiteStore struct {
	db         *sql.DB
	table      string
	writeMutex *sync.Mutex
	opts       Options
}

// NewSQLiteStore creates the table if needed and returns a store backed by it.
// Several stores may share a db as long as their table names differ.
func NewSQLiteStore(db *sql.DB, table string, opts Options) (SQLiteStore, error) {
	if !tableNameRegexp.MatchString(table) {
		return SQLiteStore{}, zerr.With(ErrStoreOpen, "table", table)
	}
	_, err := db.Exec(fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		key TEXT PRIMARY KEY,
		content_type INTEGER,
		name TEXT,
		last_modified INTEGER,
		inserted_at INTEGER,
		confirmed INTEGER,
		body BLOB
	)`, table))
	if err != nil {
		return SQLiteStore{}, zerr.With(zerr.Wrap(err, ErrStoreOpen.Error()), "table", table)
	}
	_, err = db.Exec(fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s_inserted_idx ON %s (confirmed, inserted_at)", table, table))
	if err != nil {
		return SQLiteStore{}, zerr.With(zerr.Wrap(err, ErrStoreOpen.Error()), "table", table)
	}
	return SQLiteStore{
		db:         db,
		table:      table,
		writeMutex: &sync.Mutex{},
		opts:       opts,
	}, nil
}

func (s SQLiteStore) Put(ctx context.Context, artifact Artifact) error {
	if artifact.Key == "" {
		return ErrEmptyKey
	}
	var lastModified int64
	if !artifact.LastModified.IsZero() {
		lastModified = artifact.LastModified.UnixNano()
	}
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`INSERT OR REPLACE INTO %s
		(key, content_type, name, last_modified, inserted_at, confirmed, body) VALUES (?, ?, ?, ?, ?, 0, ?)`, s.table),
		artifact.Key, int(artifact.ContentType), artifact.Name, lastModified, s.opts.now().UnixNano(), artifact.Body)
	if err != nil {
		return zerr.With(zerr.Wrap(err, ErrStoreWrite.Error()), "key", artifact.Key)
	}
	return nil
}

func (s SQLiteStore) Get(ctx context.Context, key string) (Artifact, bool, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Artifact{}, false, zerr.With(zerr.Wrap(err, ErrStoreRead.Error()), "key", key)
	}
	defer tx.Rollback()

	var (
		artifact                 Artifact
		contentType              int
		lastModified, insertedAt int64
		confirmed                bool
	)
	err = tx.QueryRowContext(ctx, fmt.Sprintf(
		"SELECT content_type, name, last_modified, inserted_at, confirmed, body FROM %s WHERE key = ?", s.table), key).
		Scan(&contentType, &artifact.Name, &lastModified, &insertedAt, &confirmed, &artifact.Body)
	if err == sql.ErrNoRows {
		return Artifact{}, false, nil
	}
	if err != nil {
		return Artifact{}, false, zerr.With(zerr.Wrap(err, ErrStoreRead.Error()), "key", key)
	}
	artifact.Key = key
	artifact.ContentType = ContentType(contentType)
	if lastModified != 0 {
		artifact.LastModified = time.Unix(0, lastModified)
	}

	expired := s.opts.expired(time.Unix(0, insertedAt), confirmed, s.opts.now())
	switch {
	case expired || s.opts.ConsumeOnRead:
		_, err = tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE key = ?", s.table), key)
	case !confirmed:
		_, err = tx.ExecContext(ctx, fmt.Sprintf("UPDATE %s SET confirmed = 1 WHERE key = ?", s.table), key)
	}
	if err != nil {
		return Artifact{}, false, zerr.With(zerr.Wrap(err, ErrStoreRead.Error()), "key", key)
	}
	if err := tx.Commit(); err != nil {
		return Artifact{}, false, zerr.With(zerr.Wrap(err, ErrStoreRead.Error()), "key", key)
	}
	if expired {
		return Artifact{}, false, nil
	}
	return artifact, true, nil
}

func (s SQLiteStore) Clear(ctx context.Context) (int, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	result, err := s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s", s.table))
	if err != nil {
		return 0, zerr.Wrap(err, ErrStoreWrite.Error())
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, zerr.Wrap(err, ErrStoreWrite.Error())
	}
	return int(rows), nil
}

func (s SQLiteStore) Sweep(ctx context.Context) (int, error) {
	if !s.opts.ExpireUnconfirmed || s.opts.KeyStorageTime <= 0 {
		return 0, nil
	}
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	cutoff := s.opts.now().Add(-s.opts.KeyStorageTime).UnixNano()
	result, err := s.db.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE confirmed = 0 AND inserted_at < ?", s.table), cutoff)
	if err != nil {
		return 0, zerr.Wrap(err, ErrStoreWrite.Error())
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, zerr.Wrap(err, ErrStoreWrite.Error())
	}
	return int(rows), nil
}

func (s SQLiteStore) Len(ctx context.Context) (int, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	var count int
	err := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", s.table)).Scan(&count)
	if err != nil {
		return 0, zerr.Wrap(err, ErrStoreRead.Error())
	}
	return count, nil
}
