package cache

import (
	"context"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
)

// Durable is the persistent tier of a Store. Implementations store opaque
// bytes under string keys; they know nothing about TTLs or versions.
type Durable interface {
	// Get returns the stored value for key.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set stores value under key. A write rejected for lack of capacity
	// returns an error marked with ErrQuotaExceeded.
	Set(ctx context.Context, key string, value []byte) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// Keys lists every stored key.
	Keys(ctx context.Context) ([]string, error)
	// Close releases the underlying storage.
	Close() error
}

type memoryDurable struct {
	mutex sync.Mutex
	data  map[string][]byte
	size  int64
	quota int64
}

var _ Durable = (*memoryDurable)(nil)

// NewMemoryDurable returns a map-backed Durable tier. WithQuota bounds the
// total bytes of keys and values it will hold.
func NewMemoryDurable(opts ...Option) Durable {
	cfg := applyOptions(opts)
	return &memoryDurable{
		data:  make(map[string][]byte),
		quota: cfg.quota,
	}
}

func (m *memoryDurable) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	val, ok := m.data[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), val...), true, nil
}

func (m *memoryDurable) Set(_ context.Context, key string, value []byte) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	size := m.size + int64(len(key)+len(value))
	if old, ok := m.data[key]; ok {
		size -= int64(len(key) + len(old))
	}
	if m.quota > 0 && size > m.quota {
		return errors.Wrapf(ErrQuotaExceeded, "write %q (%d bytes)", key, len(value))
	}
	m.data[key] = append([]byte(nil), value...)
	m.size = size
	return nil
}

func (m *memoryDurable) Delete(_ context.Context, key string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if old, ok := m.data[key]; ok {
		m.size -= int64(len(key) + len(old))
		delete(m.data, key)
	}
	return nil
}

func (m *memoryDurable) Keys(_ context.Context) ([]string, error) {
	m.mutex.Lock()
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	m.mutex.Unlock()
	sort.Strings(keys)
	return keys, nil
}

func (m *memoryDurable) Close() error {
	return nil
}
