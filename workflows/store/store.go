package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/invopop/jsonschema"
	"github.com/morrisxyang/xreflect"
)

// KVStore is a threadsafe, type‑aware in‑memory store.
type KVStore struct {
	mu           sync.RWMutex
	data         map[string]entry
	maxEntrySize int
}

// Option configures a KVStore
type Option func(*KVStore)

// WithMaxEntrySize rejects values whose JSON encoding exceeds n bytes
func WithMaxEntrySize(n int) Option {
	return func(s *KVStore) { s.maxEntrySize = n }
}

// NewKVStore constructs an empty store.
func NewKVStore(opts ...Option) *KVStore {
	s := &KVStore{data: make(map[string]entry)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// MaxEntrySize returns the configured bound, 0 meaning unbounded
func (s *KVStore) MaxEntrySize() int {
	return s.maxEntrySize
}

func (s *KVStore) encode(value any) ([]byte, error) {
	blob, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	if s.maxEntrySize > 0 && len(blob) > s.maxEntrySize {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", ErrTooLarge, len(blob), s.maxEntrySize)
	}
	return blob, nil
}

// Put stores any Go value under key, capturing its concrete type. Existing
// metadata is kept.
func (s *KVStore) Put(key string, value any) error {
	return s.PutWithMetadata(key, value, nil)
}

// PutWithMetadata stores a value with metadata. A nil metadata keeps the
// metadata already attached to key.
func (s *KVStore) PutWithMetadata(key string, value any, metadata *Metadata) error {
	if key == "" {
		return errors.New("key cannot be empty")
	}

	blob, err := s.encode(value)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	meta := metadata
	if existing, exists := s.data[key]; exists && existing.metadata != nil && metadata == nil {
		meta = existing.metadata
		meta.UpdatedAt = time.Now()
	}
	if meta == nil {
		meta = NewMetadata()
	}
	s.data[key] = entry{typ: reflect.TypeOf(value), blob: blob, metadata: meta}
	return nil
}

// Get retrieves and unmarshals key into a value of type T.
func Get[T any](s *KVStore, key string) (T, error) {
	var zero T
	if key == "" {
		return zero, errors.New("key cannot be empty")
	}

	s.mu.RLock()
	e, ok := s.data[key]
	s.mu.RUnlock()

	if !ok {
		return zero, ErrNotFound
	}

	want := reflect.TypeOf((*T)(nil)).Elem()
	if e.typ != want {
		return zero, fmt.Errorf("%w: wanted %v, got %v",
			ErrTypeMismatch, want, e.typ)
	}

	var v T
	if err := json.Unmarshal(e.blob, &v); err != nil {
		return zero, err
	}

	return v, nil
}

// GetOrDefault retrieves a value of type T for the given key.
func GetOrDefault[T any](s *KVStore, key string, defaultValue T) (T, error) {
	value, err := Get[T](s, key)
	if errors.Is(err, ErrNotFound) {
		return defaultValue, nil
	}
	return value, err
}

// Raw returns the stored JSON encoding of key
func (s *KVStore) Raw(key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), e.blob...), nil
}

// Delete removes a key from the store.
func (s *KVStore) Delete(key string) bool {
	if key == "" {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, exists := s.data[key]
	if exists {
		delete(s.data, key)
		return true
	}
	return false
}

// Clear removes all keys from the store.
func (s *KVStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = make(map[string]entry)
}

// ListKeys returns all stored keys, sorted.
func (s *KVStore) ListKeys() []string {
	return s.KeysWithPrefix("")
}

// KeysWithPrefix returns the sorted keys starting with prefix.
func (s *KVStore) KeysWithPrefix(prefix string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.data))
	for k := range s.data {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// Count returns the number of entries in the store.
func (s *KVStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// KeysByType returns all keys whose stored value has type T.
func KeysByType[T any](s *KVStore) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	want := reflect.TypeOf((*T)(nil)).Elem()
	keys := []string{}

	for k, e := range s.data {
		if e.typ == want {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// GetTypeSchema returns a JSON Schema representation of the stored value's type.
func (s *KVStore) GetTypeSchema(key string) (*jsonschema.Schema, error) {
	if key == "" {
		return nil, errors.New("key cannot be empty")
	}

	s.mu.RLock()
	e, ok := s.data[key]
	s.mu.RUnlock()

	if !ok {
		return nil, ErrNotFound
	}

	return TypeToSchema(e.typ), nil
}

// TypeToSchema converts a reflect.Type to a JSON schema.
func TypeToSchema(t reflect.Type) *jsonschema.Schema {
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	instance := reflect.New(t).Interface()
	reflector := jsonschema.Reflector{
		ExpandedStruct: true,
	}
	return reflector.Reflect(instance)
}

// UpdateField updates a single field in a stored object using dot notation.
func (s *KVStore) UpdateField(key string, fieldPath string, fieldValue interface{}) error {
	if fieldPath == "" {
		return errors.New("fieldPath cannot be empty")
	}
	return s.UpdateFields(key, map[string]interface{}{fieldPath: fieldValue})
}

// UpdateFields updates multiple fields in a stored object in one step.
func (s *KVStore) UpdateFields(key string, fields map[string]interface{}) error {
	if key == "" {
		return errors.New("key cannot be empty")
	}

	if len(fields) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.data[key]
	if !ok {
		return ErrNotFound
	}

	instance := reflect.New(e.typ).Interface()
	if err := json.Unmarshal(e.blob, instance); err != nil {
		return err
	}

	// apply in a stable order so a failing path reports deterministically
	paths := make([]string, 0, len(fields))
	for p := range fields {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, fieldPath := range paths {
		if err := xreflect.SetEmbedField(instance, fieldPath, fields[fieldPath]); err != nil {
			return fmt.Errorf("failed to update field %s: %w", fieldPath, err)
		}
	}

	newBlob, err := s.encode(reflect.ValueOf(instance).Elem().Interface())
	if err != nil {
		return err
	}

	if e.metadata != nil {
		e.metadata.UpdatedAt = time.Now()
	}
	s.data[key] = entry{
		typ:      e.typ,
		blob:     newBlob,
		metadata: e.metadata,
	}

	return nil
}

// GetMetadata returns a copy of the metadata for a key
func (s *KVStore) GetMetadata(key string) (*Metadata, error) {
	if key == "" {
		return nil, errors.New("key cannot be empty")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return e.metadata.clone(), nil
}

// updateMetadata applies fn to the stored metadata under the write lock
func (s *KVStore) updateMetadata(key string, fn func(*Metadata)) error {
	if key == "" {
		return errors.New("key cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.data[key]
	if !ok {
		return ErrNotFound
	}
	if e.metadata == nil {
		e.metadata = NewMetadata()
	}
	fn(e.metadata)
	s.data[key] = e
	return nil
}

// AddTag adds a tag to the metadata for a key
func (s *KVStore) AddTag(key string, tag string) error {
	return s.updateMetadata(key, func(m *Metadata) { m.AddTag(tag) })
}

// RemoveTag removes a tag from the metadata for a key
func (s *KVStore) RemoveTag(key string, tag string) error {
	return s.updateMetadata(key, func(m *Metadata) { m.RemoveTag(tag) })
}

// HasTag checks if a key's metadata has a specific tag
func (s *KVStore) HasTag(key string, tag string) (bool, error) {
	meta, err := s.GetMetadata(key)
	if err != nil {
		return false, err
	}

	return meta.HasTag(tag), nil
}

// FindKeysByTag returns all keys that have a specific tag in their metadata
func (s *KVStore) FindKeysByTag(tag string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var keys []string
	for k, e := range s.data {
		if e.metadata != nil && e.metadata.HasTag(tag) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// SetProperty sets a property in a key's metadata
func (s *KVStore) SetProperty(key string, propertyKey string, propertyValue interface{}) error {
	return s.updateMetadata(key, func(m *Metadata) { m.SetProperty(propertyKey, propertyValue) })
}

// GetProperty gets a property from a key's metadata
func (s *KVStore) GetProperty(key string, propertyKey string) (interface{}, error) {
	meta, err := s.GetMetadata(key)
	if err != nil {
		return nil, err
	}

	val, exists := meta.GetProperty(propertyKey)
	if !exists {
		return nil, fmt.Errorf("property '%s' not found", propertyKey)
	}
	return val, nil
}

// FindKeysByProperty returns all keys that have a specific property with a specific value
func (s *KVStore) FindKeysByProperty(propertyKey string, propertyValue interface{}) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var keys []string
	for k, e := range s.data {
		if e.metadata == nil {
			continue
		}

		if val, exists := e.metadata.Properties[propertyKey]; exists {
			if reflect.DeepEqual(val, propertyValue) {
				keys = append(keys, k)
			}
		}
	}
	sort.Strings(keys)
	return keys
}
