// Package locker provides the per-instance exclusive lock that serializes
// every mutation of one workflow instance. The executor, the approval
// orchestrator and the escalation sweeper all acquire the same key before
// touching an instance.
package locker

import (
	"context"
	"errors"
	"time"
)

// ErrBusy is returned when a lock could not be acquired within the caller's
// wait bound. It signals contention, not failure; callers may retry.
var ErrBusy = errors.New("lock busy")

// retryInterval is how often acquisition is retried while waiting.
const retryInterval = 25 * time.Millisecond

// Locker grants exclusive ownership of a key. Acquire blocks until the key
// is free or ctx expires, returning a release function that must be called
// on every exit path. ttl bounds how long a crashed holder can keep the key
// (advisory for in-process locks, enforced by Redis).
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), err error)
}
