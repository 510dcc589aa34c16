// Package lock provides per-key mutual exclusion scopes.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/p-n-ai/pai-play/internal/platform/cache"
)

// Locker serializes work per key. Acquire blocks until the key is free or ctx is done.
type Locker interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// ProgressKey scopes a progress read-modify-write for one user in one lesson.
func ProgressKey(userID, lessonID string) string {
	return "progress:" + userID + ":" + lessonID
}

// LessonKey scopes chain mutations within one lesson.
func LessonKey(lessonID string) string {
	return "lesson:" + lessonID
}

// LocalLocker is an in-process keyed mutex.
type LocalLocker struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

// NewLocalLocker creates an in-process locker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{slots: make(map[string]*slot)}
}

func (l *LocalLocker) Acquire(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	s, ok := l.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	l.mu.Unlock()

	select {
	case s.ch <- struct{}{}:
	case <-ctx.Done():
		l.unref(key, s)
		return nil, fmt.Errorf("acquire %s: %w", key, ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-s.ch
			l.unref(key, s)
		})
	}, nil
}

func (l *LocalLocker) unref(key string, s *slot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
}

// held reports the number of keys currently tracked. Used by tests.
func (l *LocalLocker) held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}

// RedisLocker holds a Redis lease per key so several server instances share one scope.
// Contention within the instance is queued on a LocalLocker first. A held lease
// is renewed every ttl/3 until release, so ttl only bounds how long a crashed
// holder can block others.
type RedisLocker struct {
	cache *cache.Cache
	local *LocalLocker
	ttl   time.Duration
	retry time.Duration
}

// NewRedisLocker creates a Redis-backed locker.
func NewRedisLocker(c *cache.Cache, ttl time.Duration) *RedisLocker {
	return &RedisLocker{
		cache: c,
		local: NewLocalLocker(),
		ttl:   ttl,
		retry: 25 * time.Millisecond,
	}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string) (func(), error) {
	releaseLocal, err := l.local.Acquire(ctx, key)
	if err != nil {
		return nil, err
	}

	redisKey := cache.Key("lock", key)
	ticker := time.NewTicker(l.retry)
	defer ticker.Stop()

	for {
		lease, err := l.cache.TryLease(ctx, redisKey, l.ttl)
		if err != nil {
			releaseLocal()
			return nil, err
		}
		if lease != nil {
			stop := make(chan struct{})
			done := make(chan struct{})
			go l.renew(key, lease, stop, done)

			var once sync.Once
			return func() {
				once.Do(func() {
					close(stop)
					<-done
					relCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
					defer cancel()
					if err := lease.Release(relCtx); err != nil {
						if errors.Is(err, cache.ErrLeaseLost) {
							slog.Warn("lock lease expired before release", "key", key, "ttl", l.ttl)
						} else {
							slog.Error("lock release failed", "key", key, "error", err)
						}
					}
					releaseLocal()
				})
			}, nil
		}

		select {
		case <-ctx.Done():
			releaseLocal()
			return nil, fmt.Errorf("acquire %s: %w", key, ctx.Err())
		case <-ticker.C:
		}
	}
}

// renew extends lease until stop is closed or the lease is lost.
func (l *RedisLocker) renew(key string, lease *cache.Lease, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	every := max(l.ttl/3, time.Millisecond)
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), every)
		err := lease.Extend(ctx, l.ttl)
		cancel()
		switch {
		case errors.Is(err, cache.ErrLeaseLost):
			slog.Error("lock lease lost while held", "key", key, "ttl", l.ttl)
			return
		case err != nil:
			slog.Warn("lock lease renewal failed", "key", key, "error", err)
		}
	}
}
