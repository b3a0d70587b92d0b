package locker

import (
	"context"
	"sync"
	"time"
)

// Memory is a single-process Locker backed by a keyed mutex set.
type Memory struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewMemory creates an in-process locker.
func NewMemory() *Memory {
	return &Memory{held: make(map[string]struct{})}
}

// Acquire takes the key, polling until it frees or ctx expires. The ttl is
// not enforced in-process; a leaked lock is a programming error surfaced by
// the deferred release discipline.
func (m *Memory) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	for {
		m.mu.Lock()
		if _, taken := m.held[key]; !taken {
			m.held[key] = struct{}{}
			m.mu.Unlock()

			var once sync.Once
			return func() {
				once.Do(func() {
					m.mu.Lock()
					delete(m.held, key)
					m.mu.Unlock()
				})
			}, nil
		}
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ErrBusy
		case <-time.After(retryInterval):
		}
	}
}
