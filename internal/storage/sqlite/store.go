// Package sqlite implements the annotation store on SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "github.com/mattn/go-sqlite3" // database/sql driver
	"go.uber.org/zap"

	"github.com/slidelab/slideannot/internal/storage"
)

// Store is the concrete annotation store. One Store owns the database
// handle, the process-wide write lock that serializes save/remove, and the
// cached version-sequence row id.
type Store struct {
	db     *sql.DB
	dbPath string
	log    *zap.Logger
	closed atomic.Bool

	// history keeps archived header rows and their element versions instead
	// of deleting them.
	history bool

	// writeMu serializes the save/remove critical section: take a version,
	// insert elements, archive or remove the old header, replace the live
	// header. Readers never take it; they rely on the version protocol.
	writeMu sync.Mutex

	// versionReady records that the version sentinel row exists, so next()
	// can skip the bootstrap query.
	versionReady atomic.Bool

	// saveHooks receive asynchronous save notifications.
	saveHooks   []func(storage.SaveEvent)
	saveHooksMu sync.RWMutex
}

var memSeq atomic.Int64

// Options configures Open.
type Options struct {
	// History enables version retention; without it each save physically
	// replaces the prior version.
	History bool
	Logger  *zap.Logger
}

// Open opens (creating if necessary) the annotation database at path.
// ":memory:" opens an isolated in-memory database for tests.
func Open(ctx context.Context, path string, opts Options) (*Store, error) {
	var connStr string
	isInMemory := path == ":memory:" || strings.Contains(path, "mode=memory")
	switch {
	case path == ":memory:":
		// Shared cache so the pool's connections see the same data; WAL does
		// not work in-memory, so journal mode stays DELETE. The name is unique
		// per Open so concurrent in-memory stores stay isolated.
		connStr = fmt.Sprintf("file:memdb%d?mode=memory&cache=shared&_fk=on&_busy_timeout=30000",
			memSeq.Add(1))
	case strings.HasPrefix(path, "file:"):
		connStr = path
	default:
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
		connStr = "file:" + path + "?_fk=on&_busy_timeout=30000"
	}

	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if isInMemory {
		// In-memory databases are per-connection by default; a single
		// connection keeps every query on the same data.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		// WAL supports one writer plus concurrent readers; cap the pool so
		// write-lock contention does not pile up goroutines.
		db.SetMaxOpenConns(runtime.NumCPU() + 1)
		db.SetMaxIdleConns(2)
		db.SetConnMaxLifetime(0)
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
	}

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	absPath := path
	if !isInMemory {
		if absPath, err = filepath.Abs(path); err != nil {
			return nil, fmt.Errorf("failed to get absolute path: %w", err)
		}
	}
	return &Store{
		db:      db,
		dbPath:  absPath,
		log:     log,
		history: opts.History,
	}, nil
}

// Close checkpoints the WAL and closes the database.
func (s *Store) Close() error {
	s.closed.Store(true)
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.db.Close()
}

// Path returns the absolute path of the database file.
func (s *Store) Path() string {
	return s.dbPath
}

// History reports whether version retention is enabled.
func (s *Store) History() bool {
	return s.history
}

// OnSave registers a hook invoked asynchronously after each save.
// Hook failures are the hook's problem; they never abort a save.
func (s *Store) OnSave(fn func(storage.SaveEvent)) {
	s.saveHooksMu.Lock()
	defer s.saveHooksMu.Unlock()
	s.saveHooks = append(s.saveHooks, fn)
}

func (s *Store) emitSave(ev storage.SaveEvent) {
	s.saveHooksMu.RLock()
	hooks := slices.Clone(s.saveHooks)
	s.saveHooksMu.RUnlock()
	go func() {
		for _, fn := range hooks {
			fn(ev)
		}
	}()
}

// withImmediateTx runs fn inside a BEGIN IMMEDIATE transaction on a dedicated
// connection, retrying SQLITE_BUSY with exponential backoff. IMMEDIATE takes
// the write lock up front so concurrent writers serialize at begin time.
func (s *Store) withImmediateTx(ctx context.Context, fn func(conn *sql.Conn) error) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer func() { _ = conn.Close() }()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 10 * time.Millisecond
	bo.MaxElapsedTime = 5 * time.Second
	err = backoff.Retry(func() error {
		_, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE")
		if err != nil && strings.Contains(err.Error(), "database is locked") {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		return fmt.Errorf("failed to begin immediate transaction: %w", err)
	}

	committed := false
	defer func() {
		if !committed {
			_, _ = conn.ExecContext(context.Background(), "ROLLBACK")
		}
	}()
	if err := fn(conn); err != nil {
		return err
	}
	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	committed = true
	return nil
}
