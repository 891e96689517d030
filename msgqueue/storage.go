package msgqueue

import (
	"os"
	"path/filepath"
)

// SnapshotName is the blob the queue persists itself under.
const SnapshotName = "offline_messages"

// SnapshotStore is the durable home of the queue. It is read once at
// startup and rewritten on every mutation, last writer wins.
type SnapshotStore interface {
	Load() ([]byte, error)
	Save(data []byte) error
}

// FileSnapshotStore keeps the snapshot as a single file in dir.
type FileSnapshotStore struct {
	path string
}

func NewFileSnapshotStore(dir string) *FileSnapshotStore {
	return &FileSnapshotStore{path: filepath.Join(dir, SnapshotName)}
}

func (f *FileSnapshotStore) Load() ([]byte, error) {
	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	return data, err
}

func (f *FileSnapshotStore) Save(data []byte) error {
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}

// MemorySnapshotStore backs the queue when no durable directory is
// configured, and doubles as the restart vehicle in tests.
type MemorySnapshotStore struct {
	data []byte
}

func NewMemorySnapshotStore() *MemorySnapshotStore {
	return &MemorySnapshotStore{}
}

func (m *MemorySnapshotStore) Load() ([]byte, error) {
	return m.data, nil
}

func (m *MemorySnapshotStore) Save(data []byte) error {
	m.data = append([]byte(nil), data...)
	return nil
}
