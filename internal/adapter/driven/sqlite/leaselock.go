package sqlite

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ericfisherdev/regcreds/internal/domain/model"
	"github.com/ericfisherdev/regcreds/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.Locker = (*LeaseLocker)(nil)

const defaultLockPollInterval = 50 * time.Millisecond

// LeaseLocker implements driven.Locker with expiring rows in the locks table.
// Every process sharing the database file sees the same leases. A holder
// renews its lease while it runs; a crashed holder's lease simply expires.
type LeaseLocker struct {
	db           *DB
	ttl          time.Duration
	wait         time.Duration
	pollInterval time.Duration
	now          func() time.Time
}

// NewLeaseLocker creates a LeaseLocker. ttl bounds how long a crashed holder
// can block a key; wait bounds how long Acquire blocks before failing with
// model.ErrLockContention.
func NewLeaseLocker(db *DB, ttl, wait time.Duration) *LeaseLocker {
	return &LeaseLocker{
		db:           db,
		ttl:          ttl,
		wait:         wait,
		pollInterval: defaultLockPollInterval,
		now:          time.Now,
	}
}

// Acquire takes the lease for key, polling until the wait bound elapses.
func (l *LeaseLocker) Acquire(ctx context.Context, key string) (driven.Lock, error) {
	holder := uuid.NewString()
	deadline := l.now().Add(l.wait)

	for {
		ok, err := l.tryAcquire(ctx, key, holder)
		if err != nil {
			return nil, err
		}
		if ok {
			return l.newLease(key, holder), nil
		}

		if !l.now().Before(deadline) {
			return nil, fmt.Errorf("acquire lock %q: %w", key, model.ErrLockContention)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("acquire lock %q: %w", key, ctx.Err())
		case <-time.After(l.pollInterval):
		}
	}
}

// tryAcquire inserts the lease, or takes over an expired one. SQLite reports
// zero changed rows when the conflict update's WHERE clause does not match.
func (l *LeaseLocker) tryAcquire(ctx context.Context, key, holder string) (bool, error) {
	const query = `INSERT INTO locks (key, holder, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET holder = excluded.holder, expires_at = excluded.expires_at
		WHERE locks.expires_at <= ?`

	now := l.now()
	result, err := l.db.Writer.ExecContext(ctx, query, key, holder, now.Add(l.ttl).UnixMilli(), now.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("acquire lock %q: %w", key, err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("acquire lock %q: check rows affected: %w", key, err)
	}
	return n == 1, nil
}

func (l *LeaseLocker) newLease(key, holder string) *lease {
	ls := &lease{
		locker: l,
		key:    key,
		holder: holder,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		lost:   make(chan struct{}),
	}
	go ls.renew()
	return ls
}

// lease is a held key. It renews itself every ttl/3 until released. The
// lease counts as lost once another holder owns the row or no renewal has
// succeeded for a full ttl.
type lease struct {
	locker *LeaseLocker
	key    string
	holder string

	stop    chan struct{}
	done    chan struct{}
	lost    chan struct{}
	once    sync.Once
	release error
}

// Lost is closed when renewal finds the lease gone.
func (ls *lease) Lost() <-chan struct{} {
	return ls.lost
}

func (ls *lease) renew() {
	defer close(ls.done)

	interval := ls.locker.ttl / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	const query = `UPDATE locks SET expires_at = ? WHERE key = ? AND holder = ?`

	renewed := ls.locker.now()
	for {
		select {
		case <-ls.stop:
			return
		case <-ticker.C:
			now := ls.locker.now()
			result, err := ls.locker.db.Writer.Exec(query, now.Add(ls.locker.ttl).UnixMilli(), ls.key, ls.holder)
			if err != nil {
				slog.Warn("lock renewal failed", "key", ls.key, "error", err)
				if now.Sub(renewed) >= ls.locker.ttl {
					slog.Error("lock lease lost", "key", ls.key, "reason", "renewal failing past ttl")
					close(ls.lost)
					return
				}
				continue
			}
			if n, _ := result.RowsAffected(); n == 0 {
				slog.Error("lock lease lost", "key", ls.key, "reason", "taken by another holder")
				close(ls.lost)
				return
			}
			renewed = now
		}
	}
}

// Release stops renewal and deletes the lease if this holder still owns it.
func (ls *lease) Release(ctx context.Context) error {
	ls.once.Do(func() {
		close(ls.stop)
		<-ls.done

		const query = `DELETE FROM locks WHERE key = ? AND holder = ?`
		if _, err := ls.locker.db.Writer.ExecContext(ctx, query, ls.key, ls.holder); err != nil {
			ls.release = fmt.Errorf("release lock %q: %w", ls.key, err)
		}
	})
	return ls.release
}
