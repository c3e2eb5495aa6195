package store

import (
	"sort"
	"strings"
	"sync"
)

// MemStore is an in-memory ByteStore with prefix iteration and atomic
// batches. It backs unit tests and the CLI demo path.
type MemStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemStore() *MemStore {
	return &MemStore{data: make(map[string][]byte)}
}

func (m *MemStore) Get(key []byte) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if v, ok := m.data[string(key)]; ok {
		out := make([]byte, len(v))
		copy(out, v)
		return out, nil
	}
	return nil, nil
}

func (m *MemStore) Set(key, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := make([]byte, len(value))
	copy(v, value)
	m.data[string(key)] = v
	return nil
}

func (m *MemStore) Delete(key []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, string(key))
	return nil
}

func (m *MemStore) NewBatch() Batch {
	return &memBatch{store: m}
}

func (m *MemStore) Iterate(prefix []byte) (Iterator, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p := string(prefix)
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		if strings.HasPrefix(k, p) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	values := make([][]byte, len(keys))
	for i, k := range keys {
		values[i] = m.data[k]
	}

	return &memIterator{keys: keys, values: values, index: -1}, nil
}

func (m *MemStore) Close() error { return nil }

type memBatch struct {
	store   *MemStore
	sets    map[string][]byte
	deletes map[string]struct{}
}

func (b *memBatch) Set(key, value []byte) {
	if b.sets == nil {
		b.sets = make(map[string][]byte)
	}
	v := make([]byte, len(value))
	copy(v, value)
	b.sets[string(key)] = v
	if b.deletes != nil {
		delete(b.deletes, string(key))
	}
}

func (b *memBatch) Delete(key []byte) {
	if b.deletes == nil {
		b.deletes = make(map[string]struct{})
	}
	b.deletes[string(key)] = struct{}{}
	if b.sets != nil {
		delete(b.sets, string(key))
	}
}

func (b *memBatch) Write() error {
	b.store.mu.Lock()
	defer b.store.mu.Unlock()
	for k, v := range b.sets {
		b.store.data[k] = v
	}
	for k := range b.deletes {
		delete(b.store.data, k)
	}
	return nil
}

func (b *memBatch) Close() error {
	b.sets = nil
	b.deletes = nil
	return nil
}

type memIterator struct {
	keys   []string
	values [][]byte
	index  int
}

func (i *memIterator) Next() bool {
	i.index++
	return i.index < len(i.keys)
}

func (i *memIterator) Key() []byte   { return []byte(i.keys[i.index]) }
func (i *memIterator) Value() []byte { return i.values[i.index] }
func (i *memIterator) Error() error  { return nil }
func (i *memIterator) Close() error  { return nil }
