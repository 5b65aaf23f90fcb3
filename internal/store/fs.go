package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// FS stores each entity as <root>/<collection>/<id>.json. Writes go to a
// temp file in the same directory and are renamed into place, so a crash
// never leaves a half-written document.
type FS struct {
	root string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewFS(root string) (*FS, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &FS{root: root, locks: map[string]*sync.Mutex{}}, nil
}

func (s *FS) path(collection, id string) string {
	return filepath.Join(s.root, collection, id+".json")
}

// entityLock returns the mutex serializing writers for one entity.
func (s *FS) entityLock(collection, id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := collection + "/" + id
	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	return l
}

func (s *FS) Load(_ context.Context, collection, id string, dst any) error {
	data, err := os.ReadFile(s.path(collection, id))
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return err
	}
	return json.Unmarshal(data, dst)
}

func (s *FS) Save(ctx context.Context, collection, id string, v any) error {
	l := s.entityLock(collection, id)
	l.Lock()
	defer l.Unlock()
	return s.writeAtomic(collection, id, v)
}

func (s *FS) Update(ctx context.Context, collection, id string, fn UpdateFunc) error {
	l := s.entityLock(collection, id)
	l.Lock()
	defer l.Unlock()

	data, err := os.ReadFile(s.path(collection, id))
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return err
	}
	next, err := fn(data)
	if err != nil {
		return err
	}
	return s.writeAtomic(collection, id, next)
}

func (s *FS) List(_ context.Context, collection string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, collection))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *FS) Close() {}

func (s *FS) writeAtomic(collection, id string, v any) error {
	dir := filepath.Join(s.root, collection)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, s.path(collection, id))
}
