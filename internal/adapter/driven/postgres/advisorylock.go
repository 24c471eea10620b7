// Package postgres provides a cross-host Locker built on PostgreSQL advisory locks.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	// Register the "postgres" database/sql driver.
	_ "github.com/lib/pq"

	"github.com/ericfisherdev/regcreds/internal/domain/model"
	"github.com/ericfisherdev/regcreds/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.Locker = (*AdvisoryLocker)(nil)

const defaultPollInterval = 50 * time.Millisecond

// Open connects to PostgreSQL and verifies the connection.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// AdvisoryLocker implements driven.Locker with session-level advisory locks.
// Each held lock pins one pooled connection, since the lock belongs to the
// session that took it.
type AdvisoryLocker struct {
	db           *sql.DB
	wait         time.Duration
	pollInterval time.Duration
	now          func() time.Time
}

// NewAdvisoryLocker creates an AdvisoryLocker. Acquire gives up after wait.
func NewAdvisoryLocker(db *sql.DB, wait time.Duration) *AdvisoryLocker {
	return &AdvisoryLocker{
		db:           db,
		wait:         wait,
		pollInterval: defaultPollInterval,
		now:          time.Now,
	}
}

// LockID maps a lock key to the 64-bit advisory lock identifier.
func LockID(key string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return int64(h.Sum64())
}

// Acquire polls pg_try_advisory_lock until it succeeds or the wait elapses.
func (l *AdvisoryLocker) Acquire(ctx context.Context, key string) (driven.Lock, error) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire lock %q: get connection: %w", key, err)
	}

	id := LockID(key)
	deadline := l.now().Add(l.wait)

	for {
		var ok bool
		if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, id).Scan(&ok); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("acquire lock %q: %w", key, err)
		}
		if ok {
			return &advisoryLock{conn: conn, key: key, id: id}, nil
		}

		if !l.now().Before(deadline) {
			_ = conn.Close()
			return nil, fmt.Errorf("acquire lock %q: %w", key, model.ErrLockContention)
		}

		select {
		case <-ctx.Done():
			_ = conn.Close()
			return nil, fmt.Errorf("acquire lock %q: %w", key, ctx.Err())
		case <-time.After(l.pollInterval):
		}
	}
}

type advisoryLock struct {
	conn *sql.Conn
	key  string
	id   int64

	once sync.Once
	err  error
}

// Lost returns nil: the session keeps the lock until it ends, and a dead
// session surfaces as an error on the next statement.
func (a *advisoryLock) Lost() <-chan struct{} {
	return nil
}

// Release unlocks and returns the pinned connection to the pool.
func (a *advisoryLock) Release(ctx context.Context) error {
	a.once.Do(func() {
		var released bool
		err := a.conn.QueryRowContext(ctx, `SELECT pg_advisory_unlock($1)`, a.id).Scan(&released)
		closeErr := a.conn.Close()

		switch {
		case err != nil:
			a.err = fmt.Errorf("release lock %q: %w", a.key, err)
		case !released:
			a.err = fmt.Errorf("release lock %q: lock was not held by this session", a.key)
		case closeErr != nil:
			a.err = fmt.Errorf("release lock %q: close connection: %w", a.key, closeErr)
		}
	})
	return a.err
}
