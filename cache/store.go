// Package cache holds the in-memory entity stores: connection profiles with
// their groups, key material and forwarding rules. Stores mirror a
// persistence authority through gateway calls and keep runtime-only fields
// (connection status, terminal size, forward activity) across refreshes.
package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrNotFound is returned for ids the store does not hold.
	ErrNotFound = errors.New("not found")
	// ErrOrphanForward is returned when a forwarding rule names a session
	// the authority does not know.
	ErrOrphanForward = errors.New("forwarding rule has no owning session")
)

// ErrorFunc receives failures a store logs instead of returning.
type ErrorFunc func(op string, err error)

// Refresher is implemented by every store.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// RunRefreshLoop refreshes every store each interval until ctx is done.
// Failures are logged and the stores keep their previous collections.
func RunRefreshLoop(ctx context.Context, interval time.Duration, log *zap.Logger, stores ...Refresher) {
	if interval <= 0 {
		return
	}
	if log == nil {
		log = zap.NewNop()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for _, store := range stores {
				if err := store.Refresh(ctx); err != nil {
					if ctx.Err() != nil {
						return
					}
					log.Warn("background refresh failed", zap.Error(err))
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

// listeners fans out change notifications.
type listeners struct {
	mu   sync.Mutex
	next int
	fns  map[int]func()
}

// Subscribe registers fn to run after every committed change and returns a
// func that removes it.
func (l *listeners) Subscribe(fn func()) func() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.fns == nil {
		l.fns = make(map[int]func())
	}
	id := l.next
	l.next++
	l.fns[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.fns, id)
			l.mu.Unlock()
		})
	}
}

func (l *listeners) notify() {
	l.mu.Lock()
	fns := make([]func(), 0, len(l.fns))
	for _, fn := range l.fns {
		fns = append(fns, fn)
	}
	l.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// reporter logs swallowed failures and forwards them to the ErrorFunc hook.
type reporter struct {
	log     *zap.Logger
	onError ErrorFunc
}

func newReporter(log *zap.Logger, name string, onError ErrorFunc) reporter {
	if log == nil {
		log = zap.NewNop()
	}
	return reporter{log: log.Named(name), onError: onError}
}

func (r reporter) report(op, id string, err error) {
	r.log.Warn(op+" failed", zap.String("id", id), zap.Error(err))
	if r.onError != nil {
		r.onError(op, err)
	}
}

// insertAt returns a copy of items with v placed at index, clamped to the
// slice bounds.
func insertAt[T any](items []T, index int, v T) []T {
	if index < 0 {
		index = 0
	}
	if index > len(items) {
		index = len(items)
	}
	out := make([]T, 0, len(items)+1)
	out = append(out, items[:index]...)
	out = append(out, v)
	out = append(out, items[index:]...)
	return out
}

// removeAt returns a copy of items without the element at index.
func removeAt[T any](items []T, index int) []T {
	out := make([]T, 0, len(items)-1)
	out = append(out, items[:index]...)
	return append(out, items[index+1:]...)
}

// replaceAt returns a copy of items with the element at index set to v.
func replaceAt[T any](items []T, index int, v T) []T {
	out := make([]T, len(items))
	copy(out, items)
	out[index] = v
	return out
}
