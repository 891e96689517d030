package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/waveline/feedsync/utils/heap"
	"github.com/waveline/feedsync/utils/pattern"
)

// New field costs: string=16 []byte=24 int64=8 x3 + map/GC overhead (64)
// = 128. If any fields are changed, update entryOverhead.
const entryOverhead = 128

type memoryEntry struct {
	key string

	value []byte

	// Expiry time in unix nanoseconds.
	expiry int64

	// Last read time in unix nanoseconds.
	lastReadAt int64

	// Number of times the entry has been read. Starts from 1.
	readCount int64
}

type MemoryConfig struct {
	// Maximum total size of cached entries in bytes. When exceeded, the
	// least frequently used and oldest entries are evicted first.
	MaxBytes int64 `yaml:"max_bytes"`

	// How often expired entries are purged.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

const (
	DefaultMaxBytes      = 64 * 1024 * 1024
	DefaultSweepInterval = 60 * time.Second
)

// MemoryStore is the process-local fallback backend. Entries expire by
// TTL (lazily on read, periodically by the sweep) and are evicted by
// least-frequently-used order when the byte budget is exceeded.
type MemoryStore struct {
	mu       sync.Mutex
	entries  map[string]*memoryEntry
	lfu      *heap.MinHeap[*memoryEntry]
	maxBytes int64
	usage    int64

	// Clock interface for time-related operations. Must use this to
	// avoid flakiness in tests.
	clock clock.Clock
}

// NewMemoryStore returns the store and a stop function that halts the
// background sweep.
func NewMemoryStore(config MemoryConfig) (*MemoryStore, func()) {
	return newMemoryStoreWithClock(config, clock.New())
}

func newMemoryStoreWithClock(config MemoryConfig, clk clock.Clock) (*MemoryStore, func()) {
	maxBytes := config.MaxBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	sweepInterval := config.SweepInterval
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}

	m := &MemoryStore{
		entries:  make(map[string]*memoryEntry),
		maxBytes: maxBytes,
		clock:    clk,
	}

	// Less frequently used entries, and older entries, evict first.
	m.lfu = heap.NewMinHeap(func(a *memoryEntry, b *memoryEntry) bool {
		if a.readCount != b.readCount {
			return a.readCount < b.readCount
		}
		if a.lastReadAt != b.lastReadAt {
			return a.lastReadAt < b.lastReadAt
		}
		return a.key < b.key
	})

	stop := m.startSweep(sweepInterval)
	return m, stop
}

func (m *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[key]
	if !ok {
		return nil, nil
	}

	now := m.clock.Now().UnixNano()
	if entry.expiry <= now {
		m.remove(entry)
		return nil, nil
	}

	entry.lastReadAt = now
	entry.readCount++
	m.lfu.Update(entry)
	return entry.value, nil
}

func (m *MemoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sizeToAdd := entrySize(key, value)
	if existing, ok := m.entries[key]; ok {
		m.remove(existing)
	}

	if exceeding := m.usage + sizeToAdd - m.maxBytes; exceeding > 0 {
		if err := m.evict(exceeding); err != nil {
			return fmt.Errorf("failed to evict cache: %w", err)
		}
	}

	now := m.clock.Now().UnixNano()
	entry := &memoryEntry{
		key:        key,
		value:      value,
		expiry:     now + ttl.Nanoseconds(),
		lastReadAt: now,
		readCount:  1,
	}
	m.entries[key] = entry
	m.lfu.Push(entry)
	m.usage += sizeToAdd
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry, ok := m.entries[key]; ok {
		m.remove(entry)
	}
	return nil
}

func (m *MemoryStore) DeletePattern(ctx context.Context, glob string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	deleted := 0
	for key, entry := range m.entries {
		match, err := pattern.Match(glob, key)
		if err != nil {
			return deleted, err
		}
		if match {
			m.remove(entry)
			deleted++
		}
	}
	return deleted, nil
}

func (m *MemoryStore) Keys(ctx context.Context, glob string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now().UnixNano()
	keys := make([]string, 0, len(m.entries))
	for key, entry := range m.entries {
		if entry.expiry <= now {
			continue
		}
		match, err := pattern.Match(glob, key)
		if err != nil {
			return nil, err
		}
		if match {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// Usage returns the current byte usage, for the admin health view.
func (m *MemoryStore) Usage() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.usage
}

func (m *MemoryStore) remove(entry *memoryEntry) {
	delete(m.entries, entry.key)
	m.lfu.Remove(entry)
	m.usage -= entrySize(entry.key, entry.value)
}

func (m *MemoryStore) evict(sizeInBytes int64) error {
	freed := int64(0)
	for freed < sizeInBytes {
		entry, ok := m.lfu.Pop()
		if !ok {
			return fmt.Errorf("failed to free enough cache space")
		}
		delete(m.entries, entry.key)
		freed += entrySize(entry.key, entry.value)
	}
	m.usage -= freed
	return nil
}

func (m *MemoryStore) sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now().UnixNano()
	var expired []*memoryEntry
	for _, entry := range m.entries {
		if entry.expiry <= now {
			expired = append(expired, entry)
		}
	}
	for _, entry := range expired {
		m.remove(entry)
	}
}

func (m *MemoryStore) startSweep(interval time.Duration) func() {
	ticker := m.clock.Ticker(interval)
	done := make(chan bool)

	go func() {
		for {
			select {
			case <-ticker.C:
				m.sweep()
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()

	return func() {
		close(done)
	}
}

func entrySize(key string, value []byte) int64 {
	return entryOverhead + int64(len(key)+len(value))
}
