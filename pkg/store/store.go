package store

import (
	"context"
	_ "embed"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/mailharbor/mailharbor/pkg/log"
	"github.com/mailharbor/mailharbor/pkg/types"
)

//go:embed schema.sql
var schemaSeed string

const (
	// acquireTimeout bounds how long a caller waits for a pooled handle
	// before an ephemeral handle is constructed instead.
	acquireTimeout = 5 * time.Second

	busyTimeoutMS = 5000
)

// Handle is one connection to the database. A handle is either pooled or
// ephemeral; ephemeral handles are closed on release instead of returned.
type Handle struct {
	db        *sqlx.DB
	ephemeral bool
}

// Tx is an immediate-mode transaction on a handle. Rollback is idempotent:
// calling it after Commit or a prior Rollback is a no-op.
type Tx struct {
	tx   *sqlx.Tx
	done bool
}

// Commit commits the transaction.
func (t *Tx) Commit() error {
	if t.done {
		return nil
	}
	t.done = true
	return t.tx.Commit()
}

// Rollback rolls the transaction back. Safe to defer unconditionally.
func (t *Tx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	return t.tx.Rollback()
}

// Exec runs one statement outside a transaction.
func (h *Handle) Exec(ctx context.Context, query string, args ...any) error {
	if _, err := h.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("exec failed: %w", err)
	}
	return nil
}

// Begin opens an immediate-mode transaction on the handle.
func (h *Handle) Begin(ctx context.Context) (*Tx, error) {
	tx, err := h.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &Tx{tx: tx}, nil
}

// Store owns the connection pool over a single SQLite database file with
// WAL concurrency (many readers, one writer).
type Store struct {
	path   string
	pool   chan *Handle
	size   int
	logger zerolog.Logger
}

// Open opens the database and fills the pool.
func Open(path string, poolSize int) (*Store, error) {
	if poolSize < 1 {
		poolSize = 1
	}

	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	s := &Store{
		path:   path,
		pool:   make(chan *Handle, poolSize),
		size:   poolSize,
		logger: log.WithComponent("store"),
	}

	// Create every pooled handle up front.
	for i := 0; i < poolSize; i++ {
		h, err := s.newHandle()
		if err != nil {
			s.Close()
			return nil, err
		}
		s.pool <- h
	}

	s.logger.Info().Str("path", path).Int("pool_size", poolSize).Msg("Store opened")
	return s, nil
}

// dsn builds the connection string with the required pragmas: write-ahead
// logging, normal sync, memory temp store, a 10000-page cache, 5s busy wait,
// immediate tx lock.
func (s *Store) dsn() string {
	q := url.Values{}
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	q.Add("_pragma", "temp_store(MEMORY)")
	q.Add("_pragma", "cache_size(10000)")
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busyTimeoutMS))
	q.Set("_txlock", "immediate")
	return "file:" + s.path + "?" + q.Encode()
}

func (s *Store) newHandle() (*Handle, error) {
	db, err := sqlx.Open("sqlite", s.dsn())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", types.ErrStoreUnavailable, err)
	}
	return &Handle{db: db}, nil
}

// Acquire returns a handle from the pool, waiting up to the acquire timeout.
// On exhaustion an ephemeral handle is constructed so callers never block
// indefinitely.
func (s *Store) Acquire(ctx context.Context) (*Handle, error) {
	select {
	case h := <-s.pool:
		return h, nil
	default:
	}

	timer := time.NewTimer(acquireTimeout)
	defer timer.Stop()

	select {
	case h := <-s.pool:
		return h, nil
	case <-timer.C:
		s.logger.Warn().Msg("Connection pool exhausted, creating ephemeral handle")
		h, err := s.newHandle()
		if err != nil {
			return nil, err
		}
		h.ephemeral = true
		return h, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Release returns a handle to the pool. Ephemeral handles, and handles that
// find the pool already full, are closed instead.
func (s *Store) Release(h *Handle) {
	if h == nil {
		return
	}
	if h.ephemeral {
		h.db.Close()
		return
	}
	select {
	case s.pool <- h:
	default:
		h.db.Close()
	}
}

// Discard closes a handle without returning it to the pool. Used after a
// failure between begin and commit.
func (s *Store) Discard(h *Handle) {
	if h == nil {
		return
	}
	h.db.Close()
}

// Close drains and closes all pooled handles.
func (s *Store) Close() error {
	for {
		select {
		case h := <-s.pool:
			h.db.Close()
		default:
			return nil
		}
	}
}

// InitSchema applies the seed schema. When schemaPath is empty the embedded
// seed is used.
func (s *Store) InitSchema(ctx context.Context, schemaPath string) error {
	seed := schemaSeed
	if schemaPath != "" {
		data, err := os.ReadFile(schemaPath)
		if err != nil {
			return fmt.Errorf("failed to read schema file: %w", err)
		}
		seed = string(data)
	}

	h, err := s.Acquire(ctx)
	if err != nil {
		return err
	}
	defer s.Release(h)

	if _, err := h.db.ExecContext(ctx, seed); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}

	s.logger.Info().Msg("Schema initialized")
	return nil
}

// withHandle runs fn with a pooled handle. On error the handle is returned
// to the pool anyway; fn must not leave a transaction open.
func (s *Store) withHandle(ctx context.Context, fn func(h *Handle) error) error {
	h, err := s.Acquire(ctx)
	if err != nil {
		return err
	}
	defer s.Release(h)
	return fn(h)
}

// withTx runs fn inside a transaction. On any failure between begin and
// commit the handle is discarded, not pooled.
func (s *Store) withTx(ctx context.Context, fn func(tx *Tx) error) error {
	h, err := s.Acquire(ctx)
	if err != nil {
		return err
	}

	tx, err := h.Begin(ctx)
	if err != nil {
		s.Discard(h)
		return err
	}

	if err := fn(tx); err != nil {
		tx.Rollback()
		s.Discard(h)
		return err
	}

	if err := tx.Commit(); err != nil {
		tx.Rollback()
		s.Discard(h)
		return fmt.Errorf("failed to commit: %w", err)
	}

	s.Release(h)
	return nil
}
