package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// fileState is the on-disk document of the file backend
type fileState struct {
	Locks       map[string]string `json:"locks"`
	Data        map[string][]byte `json:"data"`
	LastUpdated time.Time         `json:"lastUpdated"`
}

// File persists locks and entries to a single JSON document so that
// successive CLI invocations on one host share workflow records.
type File struct {
	filePath string
	state    fileState
	mutex    sync.Mutex
}

// NewFile opens (or creates) the state file at filePath
func NewFile(filePath string) (*File, error) {
	f := &File{
		filePath: filePath,
		state: fileState{
			Locks:       make(map[string]string),
			Data:        make(map[string][]byte),
			LastUpdated: time.Now(),
		},
	}

	// Create directory if it doesn't exist
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	if _, err := os.Stat(filePath); err == nil {
		if err := f.loadState(); err != nil {
			return nil, fmt.Errorf("failed to load existing state: %w", err)
		}
	}

	return f, nil
}

func (f *File) TryLock(ctx context.Context, owner string, keys []string) ([]string, error) {
	keys = dedupe(keys)

	f.mutex.Lock()
	defer f.mutex.Unlock()

	var contended []string
	changed := false
	for _, k := range keys {
		holder, ok := f.state.Locks[k]
		if ok && holder != owner {
			contended = append(contended, k)
		}
		if !ok {
			changed = true
		}
	}
	if len(contended) > 0 {
		return contended, nil
	}
	if !changed {
		return nil, nil
	}
	for _, k := range keys {
		f.state.Locks[k] = owner
	}
	return nil, f.saveState()
}

func (f *File) Unlock(ctx context.Context, owner string, keys []string) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	changed := false
	for _, k := range keys {
		if f.state.Locks[k] == owner {
			delete(f.state.Locks, k)
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return f.saveState()
}

func (f *File) LockOwner(ctx context.Context, key string) (string, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.state.Locks[key], nil
}

func (f *File) LocksHeldBy(ctx context.Context, owner string) ([]string, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	var keys []string
	for k, o := range f.state.Locks {
		if o == owner {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (f *File) Put(ctx context.Context, name string, value []byte) error {
	if err := validateName(name); err != nil {
		return err
	}
	f.mutex.Lock()
	defer f.mutex.Unlock()

	f.state.Data[cleanName(name)] = append([]byte(nil), value...)
	return f.saveState()
}

func (f *File) Get(ctx context.Context, name string) ([]byte, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	v, ok := f.state.Data[cleanName(name)]
	if !ok {
		return nil, notFound(name)
	}
	return append([]byte(nil), v...), nil
}

func (f *File) Delete(ctx context.Context, name string) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	key := cleanName(name)
	if _, ok := f.state.Data[key]; !ok {
		return nil
	}
	delete(f.state.Data, key)
	return f.saveState()
}

func (f *File) List(ctx context.Context, dir string) ([]string, error) {
	f.mutex.Lock()
	names := make([]string, 0, len(f.state.Data))
	for n := range f.state.Data {
		names = append(names, n)
	}
	f.mutex.Unlock()
	return childrenOf(dir, names), nil
}

func (f *File) Close() error { return nil }

// saveState writes through a temporary file (must be called with lock held)
func (f *File) saveState() error {
	f.state.LastUpdated = time.Now()
	data, err := json.MarshalIndent(f.state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	tmp := f.filePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := os.Rename(tmp, f.filePath); err != nil {
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}

// loadState loads the state from disk (must be called with lock held)
func (f *File) loadState() error {
	data, err := os.ReadFile(f.filePath)
	if err != nil {
		return fmt.Errorf("failed to read state file: %w", err)
	}

	if err := json.Unmarshal(data, &f.state); err != nil {
		return fmt.Errorf("failed to unmarshal state: %w", err)
	}
	if f.state.Locks == nil {
		f.state.Locks = make(map[string]string)
	}
	if f.state.Data == nil {
		f.state.Data = make(map[string][]byte)
	}
	return nil
}
