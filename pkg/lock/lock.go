// Package lock provides named mutual exclusion between the snapshot monitor
// and the retention sweep. Keys are entity directories relative to the data
// root, so a sweep never deletes files in a directory the monitor is writing.
package lock

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"sync"
	"time"

	"gorm.io/gorm"
)

// ErrLockNotAcquired is returned when a lock could not be taken in time.
var ErrLockNotAcquired = errors.New("lock not acquired")

// Locker runs fn while holding the lock named key.
type Locker interface {
	WithLock(ctx context.Context, key string, fn func() error) error
}

// Options tunes the table-based lock.
type Options struct {
	// Owner is stored with each held lock. Defaults to hostname:pid.
	Owner string
	// RetryInterval is the wait between acquisition attempts. Default 250ms.
	RetryInterval time.Duration
	// MaxRetries bounds acquisition attempts. Default 120.
	MaxRetries int
	// StaleAfter is the age after which a held lock is considered abandoned
	// by a crashed process and removed. Default 5m.
	StaleAfter time.Duration
}

func (o Options) withDefaults() Options {
	if o.Owner == "" {
		host, _ := os.Hostname()
		if host == "" {
			host = "unknown"
		}
		o.Owner = fmt.Sprintf("%s:%d", host, os.Getpid())
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = 250 * time.Millisecond
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 120
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = 5 * time.Minute
	}
	return o
}

// New returns a Locker for the database dialect. PostgreSQL uses advisory
// locks; other databases use a lock table. Without a database the lock only
// excludes callers within this process.
func New(db *gorm.DB, opts Options) (Locker, error) {
	if db == nil {
		return NewLocal(), nil
	}
	if db.Dialector.Name() == "postgres" {
		return &pgAdvisoryLock{db: db}, nil
	}
	// Create the lock table immediately so that concurrent callers never
	// hit "no such table" errors on their first WithLock call.
	if err := db.AutoMigrate(&lockRecord{}); err != nil {
		return nil, fmt.Errorf("create lock table: %w", err)
	}
	return &tableLock{db: db, opts: opts.withDefaults()}, nil
}

// localLock serializes callers per key inside one process.
type localLock struct {
	mu   sync.Mutex
	held map[string]chan struct{}
}

// NewLocal returns an in-process Locker.
func NewLocal() Locker {
	return &localLock{held: map[string]chan struct{}{}}
}

func (l *localLock) WithLock(ctx context.Context, key string, fn func() error) error {
	for {
		l.mu.Lock()
		wait, busy := l.held[key]
		if !busy {
			done := make(chan struct{})
			l.held[key] = done
			l.mu.Unlock()
			defer func() {
				l.mu.Lock()
				delete(l.held, key)
				l.mu.Unlock()
				close(done)
			}()
			return fn()
		}
		l.mu.Unlock()

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %s: %w", ErrLockNotAcquired, key, ctx.Err())
		case <-wait:
		}
	}
}

// pgAdvisoryLock uses session-level PostgreSQL advisory locks. Lock and
// unlock run on the same pooled connection.
type pgAdvisoryLock struct {
	db *gorm.DB
}

func (l *pgAdvisoryLock) WithLock(ctx context.Context, key string, fn func() error) error {
	id := advisoryKey(key)
	return l.db.WithContext(ctx).Connection(func(conn *gorm.DB) error {
		if err := conn.Exec("SELECT pg_advisory_lock(?)", id).Error; err != nil {
			return fmt.Errorf("%w: %s: %w", ErrLockNotAcquired, key, err)
		}
		defer func() {
			_ = conn.WithContext(context.Background()).Exec("SELECT pg_advisory_unlock(?)", id).Error
		}()
		return fn()
	})
}

// advisoryKey maps a lock name into the advisory lock space. Collisions
// only make unrelated keys share a lock.
func advisoryKey(key string) int64 {
	return int64(crc32.ChecksumIEEE([]byte("valg-lock:" + key)))
}

// lockRecord is one held lock in the lock table.
type lockRecord struct {
	Key      string    `gorm:"primaryKey;column:lock_key;size:255"`
	LockedAt time.Time `gorm:"column:locked_at;index"`
	LockedBy string    `gorm:"column:locked_by;size:255"`
}

func (lockRecord) TableName() string { return "entity_locks" }

// tableLock uses INSERT-or-fail on a primary key to admit one holder per
// key, with stale lock cleanup for crash recovery.
type tableLock struct {
	db   *gorm.DB
	opts Options
}

func (l *tableLock) WithLock(ctx context.Context, key string, fn func() error) error {
	row := lockRecord{Key: key, LockedBy: l.opts.Owner}

	var lastErr error
	acquired := false
	for i := 0; i < l.opts.MaxRetries; i++ {
		l.db.WithContext(ctx).
			Where("lock_key = ? AND locked_at < ?", key, time.Now().Add(-l.opts.StaleAfter)).
			Delete(&lockRecord{})

		row.LockedAt = time.Now()
		result := l.db.WithContext(ctx).Create(&row)
		if result.Error == nil {
			acquired = true
			break
		}
		lastErr = result.Error

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %s: %w", ErrLockNotAcquired, key, ctx.Err())
		case <-time.After(l.opts.RetryInterval):
		}
	}
	if !acquired {
		return fmt.Errorf("%w: %s after %d attempts: %w", ErrLockNotAcquired, key, l.opts.MaxRetries, lastErr)
	}

	defer func() {
		l.db.Where("lock_key = ? AND locked_by = ?", key, l.opts.Owner).Delete(&lockRecord{})
	}()
	return fn()
}
