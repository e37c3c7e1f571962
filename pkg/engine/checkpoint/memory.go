package checkpoint

import (
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory checkpoint store. Checkpoints live for the
// process lifetime only; use SQLiteStore for durability across restarts.
type MemoryStore struct {
	mu     sync.RWMutex
	data   map[string]map[string]storedCheckpoint // threadID -> nodeID -> checkpoint
	closed bool
}

// storedCheckpoint holds checkpoint data with metadata for List().
type storedCheckpoint struct {
	data      []byte
	sequence  int
	timestamp time.Time
}

// NewMemoryStore creates a new in-memory checkpoint store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]map[string]storedCheckpoint),
	}
}

// Save implements Store.
func (m *MemoryStore) Save(threadID, nodeID string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}

	if m.data[threadID] == nil {
		m.data[threadID] = make(map[string]storedCheckpoint)
	}

	seq := 1
	for _, cp := range m.data[threadID] {
		if cp.sequence >= seq {
			seq = cp.sequence + 1
		}
	}

	// Copy data to avoid retaining caller's slice
	stored := make([]byte, len(data))
	copy(stored, data)

	m.data[threadID][nodeID] = storedCheckpoint{
		data:      stored,
		sequence:  seq,
		timestamp: time.Now().UTC(),
	}

	return nil
}

// Load implements Store.
func (m *MemoryStore) Load(threadID, nodeID string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}

	thread, ok := m.data[threadID]
	if !ok {
		return nil, ErrNotFound
	}

	cp, ok := thread[nodeID]
	if !ok {
		return nil, ErrNotFound
	}

	result := make([]byte, len(cp.data))
	copy(result, cp.data)
	return result, nil
}

// List implements Store.
func (m *MemoryStore) List(threadID string) ([]Info, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}

	thread, ok := m.data[threadID]
	if !ok {
		return nil, nil
	}

	infos := make([]Info, 0, len(thread))
	for nodeID, cp := range thread {
		infos = append(infos, Info{
			ThreadID:  threadID,
			NodeID:    nodeID,
			Sequence:  cp.sequence,
			Timestamp: cp.timestamp,
			Size:      int64(len(cp.data)),
		})
	}

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Sequence < infos[j].Sequence
	})

	return infos, nil
}

// Delete implements Store.
func (m *MemoryStore) Delete(threadID, nodeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}

	if thread, ok := m.data[threadID]; ok {
		delete(thread, nodeID)
	}
	return nil
}

// DeleteThread implements Store.
func (m *MemoryStore) DeleteThread(threadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}

	delete(m.data, threadID)
	return nil
}

// Close implements Store.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.data = nil
	return nil
}

// Len returns the total number of checkpoints across all threads.
// Useful for testing.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, thread := range m.data {
		count += len(thread)
	}
	return count
}
