package workflow

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"sort"
	"strings"
	"time"

	"github.com/davidroman0O/blockflow/coordinator"
	"github.com/davidroman0O/blockflow/errors"
	"github.com/davidroman0O/blockflow/retry"
	"github.com/davidroman0O/blockflow/workflows/store"
)

// RecordStore persists workflow records. Every Save must reject a record
// larger than the store's bound with an ErrRecordTooLarge error.
type RecordStore interface {
	Save(ctx context.Context, w *Workflow) error
	Load(ctx context.Context, id string) (*Workflow, error)
	List(ctx context.Context) ([]Summary, error)
	Delete(ctx context.Context, id string) error
}

func recordTooLarge(id string, size, max int) error {
	return errors.WithContext(
		errors.Newf(errors.ErrRecordTooLarge, "workflow record %s is %d bytes, limit is %d", id, size, max),
		map[string]interface{}{"workflow": id, "size": size, "max": max})
}

// KVRecordStore keeps records in an in-process KVStore, indexed by state
// and parent through entry metadata.
type KVRecordStore struct {
	kv *store.KVStore
}

// NewKVRecordStore creates a record store bounded to maxBytes per record
func NewKVRecordStore(maxBytes int) *KVRecordStore {
	return &KVRecordStore{kv: store.NewKVStore(store.WithMaxEntrySize(maxBytes))}
}

// KV exposes the underlying store
func (s *KVRecordStore) KV() *store.KVStore { return s.kv }

func (s *KVRecordStore) Save(ctx context.Context, w *Workflow) error {
	meta := store.NewMetadata()
	meta.Description = w.Name
	meta.SetProperty(PropState, string(w.State))
	meta.SetProperty(PropName, w.Name)
	if w.ParentID != "" {
		meta.AddTag(TagChild)
		meta.SetProperty(PropParent, w.ParentID)
	} else {
		meta.AddTag(TagRoot)
	}

	err := s.kv.PutWithMetadata(PrefixWorkflow+w.ID, *w.Clone(), meta)
	if stderrors.Is(err, store.ErrTooLarge) {
		size := 0
		if blob, mErr := json.Marshal(w); mErr == nil {
			size = len(blob)
		}
		return recordTooLarge(w.ID, size, s.kv.MaxEntrySize())
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrUnknown, "failed to save workflow record")
	}
	return nil
}

func (s *KVRecordStore) Load(ctx context.Context, id string) (*Workflow, error) {
	w, err := store.Get[Workflow](s.kv, PrefixWorkflow+id)
	if stderrors.Is(err, store.ErrNotFound) {
		return nil, errors.Newf(errors.ErrNotFound, "workflow %s not found", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrUnknown, "failed to load workflow record")
	}
	return &w, nil
}

func (s *KVRecordStore) List(ctx context.Context) ([]Summary, error) {
	var out []Summary
	for _, k := range s.kv.KeysWithPrefix(PrefixWorkflow) {
		w, err := s.Load(ctx, strings.TrimPrefix(k, PrefixWorkflow))
		if err != nil {
			return nil, err
		}
		out = append(out, w.Summarize())
	}
	return out, nil
}

// InState lists the ids of records in state
func (s *KVRecordStore) InState(state State) []string {
	keys := s.kv.FindKeysByProperty(PropState, string(state))
	for i, k := range keys {
		keys[i] = strings.TrimPrefix(k, PrefixWorkflow)
	}
	return keys
}

func (s *KVRecordStore) Delete(ctx context.Context, id string) error {
	s.kv.Delete(PrefixWorkflow + id)
	return nil
}

// CoordinatorRecordStore keeps records as JSON entries of a coordination
// backend so another process can recover them.
type CoordinatorRecordStore struct {
	backend  coordinator.Backend
	maxBytes int
	retry    retry.Config
}

// NewCoordinatorRecordStore creates a record store bounded to maxBytes per record
func NewCoordinatorRecordStore(backend coordinator.Backend, maxBytes int) *CoordinatorRecordStore {
	cfg := retry.DefaultConfig()
	cfg.MaxAttempts = 3
	cfg.InitialDelay = 50 * time.Millisecond
	return &CoordinatorRecordStore{backend: backend, maxBytes: maxBytes, retry: cfg}
}

func (s *CoordinatorRecordStore) do(ctx context.Context, op func(ctx context.Context) error) error {
	return retry.WithBackoff(ctx, func(ctx context.Context) error {
		err := op(ctx)
		if errors.IsRetryable(err) {
			return retry.NewRetryableError(err)
		}
		return err
	}, s.retry)
}

func (s *CoordinatorRecordStore) Save(ctx context.Context, w *Workflow) error {
	blob, err := json.Marshal(w)
	if err != nil {
		return errors.Wrap(err, errors.ErrUnknown, "failed to encode workflow record")
	}
	if s.maxBytes > 0 && len(blob) > s.maxBytes {
		return recordTooLarge(w.ID, len(blob), s.maxBytes)
	}
	return s.do(ctx, func(ctx context.Context) error {
		return s.backend.Put(ctx, RecordDir+"/"+w.ID, blob)
	})
}

func (s *CoordinatorRecordStore) Load(ctx context.Context, id string) (*Workflow, error) {
	var blob []byte
	err := s.do(ctx, func(ctx context.Context) error {
		b, err := s.backend.Get(ctx, RecordDir+"/"+id)
		blob = b
		return err
	})
	if err != nil {
		if errors.IsNotFound(err) {
			return nil, errors.Newf(errors.ErrNotFound, "workflow %s not found", id)
		}
		return nil, err
	}
	var w Workflow
	if err := json.Unmarshal(blob, &w); err != nil {
		return nil, errors.Wrap(err, errors.ErrUnknown, "failed to decode workflow record "+id)
	}
	return &w, nil
}

func (s *CoordinatorRecordStore) List(ctx context.Context) ([]Summary, error) {
	names, err := s.backend.List(ctx, RecordDir)
	if err != nil {
		return nil, err
	}
	out := make([]Summary, 0, len(names))
	for _, n := range names {
		w, err := s.Load(ctx, n)
		if err != nil {
			return nil, err
		}
		out = append(out, w.Summarize())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *CoordinatorRecordStore) Delete(ctx context.Context, id string) error {
	return s.do(ctx, func(ctx context.Context) error {
		return s.backend.Delete(ctx, RecordDir+"/"+id)
	})
}
