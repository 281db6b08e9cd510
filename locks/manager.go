// Package locks serializes conflicting workflows over named resource keys.
//
// Locks are owned by workflows. A child workflow adopted by its parent joins
// the parent's lock family: the family root owns every key on the backend,
// so a child re-acquiring a key its parent holds is a no-op instead of a
// self-deadlock. Each member keeps a ledger of the keys it uses, and a key
// goes back to the backend only when no member of the family uses it.
package locks

import (
	"context"
	"sync"
	"time"

	"github.com/davidroman0O/blockflow/coordinator"
	"github.com/davidroman0O/blockflow/errors"
	"github.com/davidroman0O/blockflow/logging"
	"github.com/davidroman0O/blockflow/metrics"
	"github.com/davidroman0O/blockflow/retry"
)

// Manager acquires and releases lock key sets on a coordination backend
type Manager struct {
	backend        coordinator.Backend
	poll           retry.Config
	defaultTimeout time.Duration
	logger         logging.Logger
	metrics        *metrics.Collector

	mu      sync.Mutex
	parents map[string]string
	ledger  map[string]map[string]struct{}
}

// Option configures a Manager
type Option func(*Manager)

// WithLogger sets the logger
func WithLogger(l logging.Logger) Option {
	return func(m *Manager) { m.logger = logging.OrNop(l) }
}

// WithMetrics sets the metrics collector
func WithMetrics(c *metrics.Collector) Option {
	return func(m *Manager) { m.metrics = c }
}

// WithPolling sets how often contended keys are retried
func WithPolling(interval, maxInterval time.Duration) Option {
	return func(m *Manager) { m.poll = retry.Polling(interval, maxInterval) }
}

// WithDefaultTimeout is used when Acquire is called with a zero timeout
func WithDefaultTimeout(d time.Duration) Option {
	return func(m *Manager) { m.defaultTimeout = d }
}

// NewManager creates a lock manager over backend
func NewManager(backend coordinator.Backend, opts ...Option) *Manager {
	m := &Manager{
		backend:        backend,
		poll:           retry.Polling(50*time.Millisecond, 2*time.Second),
		defaultTimeout: time.Minute,
		logger:         logging.NewNop(),
		parents:        make(map[string]string),
		ledger:         make(map[string]map[string]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Adopt makes child a member of parent's lock family
func (m *Manager) Adopt(child, parent string) {
	if child == "" || parent == "" || child == parent {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.parents[child] = parent
}

// Root returns the family root that owns owner's keys on the backend
func (m *Manager) Root(owner string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rootLocked(owner)
}

func (m *Manager) rootLocked(owner string) string {
	seen := map[string]bool{}
	for {
		parent, ok := m.parents[owner]
		if !ok || seen[parent] {
			return owner
		}
		seen[owner] = true
		owner = parent
	}
}

// inUseLocked returns the keys used by members of root's family other
// than except
func (m *Manager) inUseLocked(root, except string) map[string]struct{} {
	used := make(map[string]struct{})
	for member, keys := range m.ledger {
		if member == except || m.rootLocked(member) != root {
			continue
		}
		for k := range keys {
			used[k] = struct{}{}
		}
	}
	return used
}

// unusedLocked filters keys down to those no member but except uses
func (m *Manager) unusedLocked(root, except string, keys []string) []string {
	used := m.inUseLocked(root, except)
	var free []string
	for _, k := range keys {
		if _, ok := used[k]; !ok {
			free = append(free, k)
		}
	}
	return free
}

// TryAcquire makes one attempt. It returns false, without holding anything,
// when any key belongs to another family.
func (m *Manager) TryAcquire(ctx context.Context, owner string, keys []string) (bool, error) {
	keys = Normalize(keys)
	if len(keys) == 0 {
		return true, nil
	}
	root := m.Root(owner)
	contended, err := m.backend.TryLock(ctx, root, keys)
	if err != nil {
		return false, err
	}
	if len(contended) > 0 {
		return false, nil
	}
	m.record(owner, root, keys)
	return true, nil
}

// Acquire waits up to timeout for the whole key set. On timeout it holds
// none of the keys it did not hold before and returns a LockAcquisition
// error naming the requested keys.
func (m *Manager) Acquire(ctx context.Context, owner string, keys []string, timeout time.Duration) error {
	keys = Normalize(keys)
	if len(keys) == 0 {
		return nil
	}
	if timeout <= 0 {
		timeout = m.defaultTimeout
	}

	root := m.Root(owner)
	start := time.Now()
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var contended []string
	cfg := m.poll
	cfg.ShouldRetry = func(err error) bool { return retry.IsRetryable(err) }

	err := retry.WithBackoff(waitCtx, func(ctx context.Context) error {
		c, err := m.backend.TryLock(ctx, root, keys)
		if err != nil {
			if errors.IsRetryable(err) {
				return retry.NewRetryableError(err)
			}
			return err
		}
		if len(c) > 0 {
			contended = c
			return retry.NewRetryableError(errors.FailedToAcquireLock(c, owner))
		}
		return nil
	}, cfg)

	m.metrics.LockAcquired(time.Since(start), err == nil)

	if err != nil {
		if ctx.Err() != nil {
			return errors.Wrap(ctx.Err(), errors.ErrCancelled, "lock acquisition cancelled")
		}
		m.logger.Warn("Workflow %s timed out after %s waiting for locks %v (contended %v)", owner, timeout, keys, contended)
		return errors.WithContext(errors.FailedToAcquireLock(keys, owner), map[string]interface{}{
			"contended": contended,
			"timeout":   timeout.String(),
			"cause":     err.Error(),
		})
	}

	m.record(owner, root, keys)
	m.logger.Debug("Workflow %s acquired locks %v (family %s)", owner, keys, root)
	return nil
}

// record adds keys to owner's ledger, including keys another member of the
// family took first
func (m *Manager) record(owner, root string, keys []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	set, ok := m.ledger[owner]
	if !ok {
		set = make(map[string]struct{}, len(keys))
		m.ledger[owner] = set
	}
	for _, k := range keys {
		set[k] = struct{}{}
	}
}

// Held returns the keys owner uses, sorted
func (m *Manager) Held(owner string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.ledger[owner]))
	for k := range m.ledger[owner] {
		keys = append(keys, k)
	}
	return Normalize(keys)
}

// Owner returns the family root holding key on the backend, or "" when
// the key is free
func (m *Manager) Owner(ctx context.Context, key string) (string, error) {
	return m.backend.LockOwner(ctx, key)
}

// Release drops specific keys from owner's ledger. Keys another member of
// the family still uses stay locked.
func (m *Manager) Release(ctx context.Context, owner string, keys []string) error {
	m.mu.Lock()
	root := m.rootLocked(owner)
	var dropped []string
	for _, k := range Normalize(keys) {
		if _, ok := m.ledger[owner][k]; ok {
			delete(m.ledger[owner], k)
			dropped = append(dropped, k)
		}
	}
	released := m.unusedLocked(root, owner, dropped)
	m.mu.Unlock()

	if len(released) == 0 {
		return nil
	}
	return m.backend.Unlock(ctx, root, released)
}

// ReleaseAll forgets owner and frees the keys it used that no other member
// of its family uses. Releasing a family root also frees whatever else the
// backend still attributes to it, which covers keys taken by a previous
// process before a restart.
func (m *Manager) ReleaseAll(ctx context.Context, owner string) error {
	m.mu.Lock()
	root := m.rootLocked(owner)
	keys := make([]string, 0, len(m.ledger[owner]))
	for k := range m.ledger[owner] {
		keys = append(keys, k)
	}
	isRoot := root == owner
	m.mu.Unlock()

	if isRoot {
		stale, err := m.backend.LocksHeldBy(ctx, owner)
		if err != nil {
			m.logger.Warn("Could not list locks held by %s: %v", owner, err)
		} else {
			keys = append(keys, stale...)
		}
	}

	m.mu.Lock()
	keys = m.unusedLocked(root, owner, Normalize(keys))
	delete(m.ledger, owner)
	delete(m.parents, owner)
	m.mu.Unlock()

	if len(keys) == 0 {
		return nil
	}

	if err := m.backend.Unlock(ctx, root, keys); err != nil {
		m.logger.Error("Failed to release locks %v of %s: %v", keys, owner, err)
		return err
	}
	m.logger.Debug("Released locks %v of %s", keys, owner)
	return nil
}
