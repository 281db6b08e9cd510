package coordinator

import (
	"context"
	"sort"
	"sync"
)

// Memory is a process-local backend. Locks are exclusive only within the
// process, which is what tests and the single-node CLI need.
type Memory struct {
	mu    sync.Mutex
	locks map[string]string
	data  map[string][]byte
}

// NewMemory creates an empty in-memory backend
func NewMemory() *Memory {
	return &Memory{
		locks: make(map[string]string),
		data:  make(map[string][]byte),
	}
}

func (m *Memory) TryLock(ctx context.Context, owner string, keys []string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	keys = dedupe(keys)

	m.mu.Lock()
	defer m.mu.Unlock()

	var contended []string
	for _, k := range keys {
		if holder, ok := m.locks[k]; ok && holder != owner {
			contended = append(contended, k)
		}
	}
	if len(contended) > 0 {
		return contended, nil
	}
	for _, k := range keys {
		m.locks[k] = owner
	}
	return nil, nil
}

func (m *Memory) Unlock(ctx context.Context, owner string, keys []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, k := range keys {
		if m.locks[k] == owner {
			delete(m.locks, k)
		}
	}
	return nil
}

func (m *Memory) LockOwner(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.locks[key], nil
}

func (m *Memory) LocksHeldBy(ctx context.Context, owner string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var keys []string
	for k, o := range m.locks {
		if o == owner {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *Memory) Put(ctx context.Context, name string, value []byte) error {
	if err := validateName(name); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[cleanName(name)] = append([]byte(nil), value...)
	return nil
}

func (m *Memory) Get(ctx context.Context, name string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.data[cleanName(name)]
	if !ok {
		return nil, notFound(name)
	}
	return append([]byte(nil), v...), nil
}

func (m *Memory) Delete(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, cleanName(name))
	return nil
}

func (m *Memory) List(ctx context.Context, dir string) ([]string, error) {
	m.mu.Lock()
	names := make([]string, 0, len(m.data))
	for n := range m.data {
		names = append(names, n)
	}
	m.mu.Unlock()
	return childrenOf(dir, names), nil
}

func (m *Memory) Close() error { return nil }
