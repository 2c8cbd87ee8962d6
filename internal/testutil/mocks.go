// Package testutil provides shared mock implementations of domain interfaces
// and table fixtures for use in tests across the codebase. This follows the
// Go convention of a shared test utility package (like net/http/httptest).
package testutil

import (
	"context"
	"sync/atomic"

	"delta-append/internal/domain"
)

// === Object Store Mock ===

// MockObjectStore implements domain.ObjectStore for testing. Calls without a
// matching XxxFn are forwarded to Inner; with neither set they panic.
type MockObjectStore struct {
	Inner domain.ObjectStore

	GetFn         func(ctx context.Context, key string) ([]byte, error)
	PutFn         func(ctx context.Context, key string, data []byte) error
	PutIfAbsentFn func(ctx context.Context, key string, data []byte) error
	ListFn        func(ctx context.Context, prefix string) ([]domain.ObjectInfo, error)

	PutIfAbsentCalls atomic.Int64 // number of commit attempts observed
}

// Location implements the interface method for testing.
func (m *MockObjectStore) Location() string {
	if m.Inner != nil {
		return m.Inner.Location()
	}
	return "mock://"
}

// Get implements the interface method for testing.
func (m *MockObjectStore) Get(ctx context.Context, key string) ([]byte, error) {
	if m.GetFn != nil {
		return m.GetFn(ctx, key)
	}
	if m.Inner != nil {
		return m.Inner.Get(ctx, key)
	}
	panic("unexpected call to MockObjectStore.Get")
}

// Put implements the interface method for testing.
func (m *MockObjectStore) Put(ctx context.Context, key string, data []byte) error {
	if m.PutFn != nil {
		return m.PutFn(ctx, key, data)
	}
	if m.Inner != nil {
		return m.Inner.Put(ctx, key, data)
	}
	panic("unexpected call to MockObjectStore.Put")
}

// PutIfAbsent implements the interface method for testing.
func (m *MockObjectStore) PutIfAbsent(ctx context.Context, key string, data []byte) error {
	m.PutIfAbsentCalls.Add(1)
	if m.PutIfAbsentFn != nil {
		return m.PutIfAbsentFn(ctx, key, data)
	}
	if m.Inner != nil {
		return m.Inner.PutIfAbsent(ctx, key, data)
	}
	panic("unexpected call to MockObjectStore.PutIfAbsent")
}

// List implements the interface method for testing.
func (m *MockObjectStore) List(ctx context.Context, prefix string) ([]domain.ObjectInfo, error) {
	if m.ListFn != nil {
		return m.ListFn(ctx, prefix)
	}
	if m.Inner != nil {
		return m.Inner.List(ctx, prefix)
	}
	panic("unexpected call to MockObjectStore.List")
}

var _ domain.ObjectStore = (*MockObjectStore)(nil)

// === Table Reader Mock ===

// MockTableReader implements domain.TableReader for testing.
type MockTableReader struct {
	LoadFn func(ctx context.Context) (*domain.TableState, error)
}

// Load implements the interface method for testing.
func (m *MockTableReader) Load(ctx context.Context) (*domain.TableState, error) {
	if m.LoadFn != nil {
		return m.LoadFn(ctx)
	}
	panic("unexpected call to MockTableReader.Load")
}

var _ domain.TableReader = (*MockTableReader)(nil)
