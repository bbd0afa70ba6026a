package kv

import (
	"bytes"
	"sync"

	"github.com/zhangyunhao116/skipmap"

	"scopedb/pkg/dberrors"
	"scopedb/pkg/types"
)

// MemoryStore is an ordered in-memory Store. It is used by tests —
// including the crash-recovery tests, which drop the coordinator and
// re-initialize over the same MemoryStore — and by tooling that wants
// scope semantics without a disk.
type MemoryStore struct {
	// mu serializes batches against reads and iterator snapshots so
	// that Write stays atomic; the skipmap keeps the keys ordered.
	mu sync.RWMutex
	m  *skipmap.FuncMap[[]byte, []byte]
}

var _ Store = (*MemoryStore)(nil)

func NewMemory() *MemoryStore {
	return &MemoryStore{
		m: skipmap.NewFunc[[]byte, []byte](func(a, b []byte) bool {
			return bytes.Compare(a, b) < 0
		}),
	}
}

func (s *MemoryStore) Get(key types.Key, _ ReadOptions) (types.Value, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.m.Load(key)
	if !ok {
		return nil, dberrors.ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (s *MemoryStore) Put(key types.Key, value types.Value, _ WriteOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.store(key, value)
	return nil
}

func (s *MemoryStore) Delete(key types.Key, _ WriteOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m.Delete(key)
	return nil
}

func (s *MemoryStore) Write(b *Batch, _ WriteOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, op := range b.Ops() {
		switch op.Kind {
		case OpPut:
			s.store(op.Key, op.Value)
		case OpDelete:
			s.m.Delete(op.Key)
		}
	}
	return nil
}

// store copies key and value so later caller mutation cannot reach
// the map.
func (s *MemoryStore) store(key, value []byte) {
	k := make([]byte, len(key))
	copy(k, key)
	v := make([]byte, len(value))
	copy(v, value)
	s.m.Store(k, v)
}

// Len reports the number of live keys.
func (s *MemoryStore) Len() int {
	return s.m.Len()
}

func (s *MemoryStore) NewIterator(_ ReadOptions) (Iterator, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	// Snapshot the ordered contents; skipmap.Range visits keys in
	// ascending order.
	it := &memIterator{pos: -1}
	s.m.Range(func(key, value []byte) bool {
		it.keys = append(it.keys, key)
		it.values = append(it.values, value)
		return true
	})
	return it, nil
}

func (s *MemoryStore) Close() error {
	return nil
}

type memIterator struct {
	keys   [][]byte
	values [][]byte
	pos    int
}

func (it *memIterator) SeekGE(key types.Key) bool {
	for i, k := range it.keys {
		if bytes.Compare(k, key) >= 0 {
			it.pos = i
			return true
		}
	}
	it.pos = len(it.keys)
	return false
}

func (it *memIterator) Next() bool {
	if it.pos < len(it.keys) {
		it.pos++
	}
	return it.Valid()
}

func (it *memIterator) Valid() bool {
	return it.pos >= 0 && it.pos < len(it.keys)
}

func (it *memIterator) Key() types.Key {
	return it.keys[it.pos]
}

func (it *memIterator) Value() types.Value {
	return it.values[it.pos]
}

func (it *memIterator) Error() error { return nil }
func (it *memIterator) Close() error { return nil }
