package billing

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// UpdateFunc receives the current record, or nil when the bill is unknown, and
// returns the record to write. Returning nil writes nothing.
type UpdateFunc func(current *BillRecord) (*BillRecord, error)

// Store persists bill records. Update must be atomic per bill id: two
// concurrent updates of the same bill never interleave.
type Store interface {
	Get(ctx context.Context, billID string) (*BillRecord, error)
	Update(ctx context.Context, billID string, fn UpdateFunc) error
	List(ctx context.Context) ([]BillRecord, error)
}

// MemoryStore is mostly for testing.
type MemoryStore struct {
	mu   sync.Mutex
	data map[string]BillRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]BillRecord),
	}
}

func (m *MemoryStore) Get(_ context.Context, billID string) (*BillRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.data[billID]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (m *MemoryStore) Update(_ context.Context, billID string, fn UpdateFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	next, err := fn(lookup(m.data, billID))
	if err != nil || next == nil {
		return err
	}
	m.data[billID] = *next
	return nil
}

func (m *MemoryStore) List(_ context.Context) ([]BillRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sorted(m.data), nil
}

// FileStore persists records to a JSON file. Suitable for local dev.
type FileStore struct {
	path string
	mu   sync.Mutex
	data map[string]BillRecord
}

func NewFileStore(path string) (*FileStore, error) {
	fs := &FileStore{
		path: path,
		data: make(map[string]BillRecord),
	}
	if err := fs.load(); err != nil {
		return nil, err
	}
	return fs, nil
}

func (f *FileStore) load() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	blob, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(blob) == 0 {
		return nil
	}
	return json.Unmarshal(blob, &f.data)
}

// persist replaces the file through a rename.
func (f *FileStore) persist() error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return err
	}
	blob, err := json.MarshalIndent(f.data, "", "  ")
	if err != nil {
		return err
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}

func (f *FileStore) Get(_ context.Context, billID string) (*BillRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return lookup(f.data, billID), nil
}

func (f *FileStore) Update(_ context.Context, billID string, fn UpdateFunc) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	prev, existed := f.data[billID]
	next, err := fn(lookup(f.data, billID))
	if err != nil || next == nil {
		return err
	}
	f.data[billID] = *next
	if err := f.persist(); err != nil {
		if existed {
			f.data[billID] = prev
		} else {
			delete(f.data, billID)
		}
		return err
	}
	return nil
}

func (f *FileStore) List(_ context.Context) ([]BillRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return sorted(f.data), nil
}

func lookup(data map[string]BillRecord, billID string) *BillRecord {
	rec, ok := data[billID]
	if !ok {
		return nil
	}
	return &rec
}

func sorted(data map[string]BillRecord) []BillRecord {
	out := make([]BillRecord, 0, len(data))
	for _, rec := range data {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
