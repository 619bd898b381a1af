package dlcstore

import (
	"bytes"
	"sort"
	"sync"
)

// MemoryProvider is an in-memory Provider used in tests and for ephemeral
// deployments.
type MemoryProvider struct {
	mtx   sync.RWMutex
	kinds map[byte]map[string][]byte
}

// A compile time check to ensure MemoryProvider implements Provider.
var _ Provider = (*MemoryProvider)(nil)

// NewMemoryProvider returns an empty in-memory provider.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{
		kinds: make(map[byte]map[string][]byte),
	}
}

// Read returns the records of the given kind, see Provider.Read.
func (m *MemoryProvider) Read(kind byte, key []byte) ([]KeyValue, error) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()

	records := m.kinds[kind]
	if records == nil {
		return nil, nil
	}

	if key != nil {
		value, ok := records[string(key)]
		if !ok {
			return nil, nil
		}

		return []KeyValue{{
			Key:   append([]byte(nil), key...),
			Value: append([]byte(nil), value...),
		}}, nil
	}

	kvs := make([]KeyValue, 0, len(records))
	for k, v := range records {
		kvs = append(kvs, KeyValue{
			Key:   []byte(k),
			Value: append([]byte(nil), v...),
		})
	}

	// Deterministic iteration order for callers and tests.
	sort.Slice(kvs, func(i, j int) bool {
		return bytes.Compare(kvs[i].Key, kvs[j].Key) < 0
	})

	return kvs, nil
}

// Write stores a record, see Provider.Write.
func (m *MemoryProvider) Write(kind byte, key, value []byte) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	records := m.kinds[kind]
	if records == nil {
		records = make(map[string][]byte)
		m.kinds[kind] = records
	}

	records[string(key)] = append([]byte(nil), value...)

	return nil
}

// Delete removes records, see Provider.Delete.
func (m *MemoryProvider) Delete(kind byte, key []byte) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	if key == nil {
		delete(m.kinds, kind)
		return nil
	}

	if records := m.kinds[kind]; records != nil {
		delete(records, string(key))
	}

	return nil
}
