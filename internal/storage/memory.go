package storage

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/zhangyunhao116/skipmap"

	"delta-append/internal/domain"
)

type memObject struct {
	data    []byte
	modTime time.Time
}

// MemoryStore is an in-process ObjectStore backed by an ordered concurrent
// skip list. LoadOrStore gives PutIfAbsent its atomicity.
type MemoryStore struct {
	location string
	objects  *skipmap.FuncMap[string, memObject]
}

// NewMemoryStore creates an empty, unshared store.
func NewMemoryStore(location string) *MemoryStore {
	return &MemoryStore{
		location: location,
		objects: skipmap.NewFunc[string, memObject](func(a, b string) bool {
			return a < b
		}),
	}
}

var memoryStores sync.Map // location -> *MemoryStore

// SharedMemoryStore returns the process-wide store registered for location,
// creating it on first use.
func SharedMemoryStore(location string) *MemoryStore {
	if v, ok := memoryStores.Load(location); ok {
		return v.(*MemoryStore)
	}
	v, _ := memoryStores.LoadOrStore(location, NewMemoryStore(location))
	return v.(*MemoryStore)
}

// Location returns the URI the store was created for.
func (s *MemoryStore) Location() string { return s.location }

// Get returns a copy of the object at key.
func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	obj, ok := s.objects.Load(key)
	if !ok {
		return nil, notExist(key)
	}
	return append([]byte(nil), obj.data...), nil
}

// Put stores a copy of data at key.
func (s *MemoryStore) Put(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.objects.Store(key, newMemObject(data))
	return nil
}

// PutIfAbsent stores data at key unless the key is already present.
func (s *MemoryStore) PutIfAbsent(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, loaded := s.objects.LoadOrStore(key, newMemObject(data)); loaded {
		return alreadyExists(key)
	}
	return nil
}

// List returns objects whose key starts with prefix, in key order.
func (s *MemoryStore) List(ctx context.Context, prefix string) ([]domain.ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []domain.ObjectInfo
	s.objects.Range(func(key string, obj memObject) bool {
		if strings.HasPrefix(key, prefix) {
			out = append(out, domain.ObjectInfo{Key: key, Size: int64(len(obj.data)), ModTime: obj.modTime})
		}
		return true
	})
	return out, nil
}

// Delete removes key. Used by tests to simulate damaged logs.
func (s *MemoryStore) Delete(key string) {
	s.objects.Delete(key)
}

func newMemObject(data []byte) memObject {
	return memObject{data: append([]byte(nil), data...), modTime: time.Now()}
}
