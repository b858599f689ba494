package strata

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemFS implements FS over an in-memory map. It is intended for tests and
// examples. Safe for concurrent use.
type MemFS struct {
	mu      sync.RWMutex
	objects map[string]memObject
}

type memObject struct {
	data    []byte
	modTime time.Time
}

// NewMemFS creates an empty in-memory filesystem provider.
func NewMemFS() *MemFS {
	return &MemFS{
		objects: make(map[string]memObject),
	}
}

// Put stores an object under the given key, replacing any previous value.
func (m *MemFS) Put(key string, data []byte) {
	cp := make([]byte, len(data))
	copy(cp, data)
	m.mu.Lock()
	m.objects[key] = memObject{data: cp, modTime: time.Now().UTC()}
	m.mu.Unlock()
}

func (m *MemFS) get(key string) (memObject, bool) {
	m.mu.RLock()
	obj, ok := m.objects[key]
	m.mu.RUnlock()
	return obj, ok
}

// Open returns a sequential reader over the full object.
func (m *MemFS) Open(_ context.Context, key string) (io.ReadCloser, error) {
	obj, ok := m.get(key)
	if !ok {
		return nil, ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

// OpenRange returns a reader over length bytes starting at offset. Reads
// past end of object return the available bytes.
func (m *MemFS) OpenRange(_ context.Context, key string, offset, length int64) (io.ReadCloser, error) {
	if offset < 0 || length < 0 {
		return nil, ErrInvalidKey
	}
	obj, ok := m.get(key)
	if !ok {
		return nil, ErrNotFound
	}
	size := int64(len(obj.data))
	if offset > size {
		offset = size
	}
	end := offset + length
	if end > size {
		end = size
	}
	return io.NopCloser(bytes.NewReader(obj.data[offset:end])), nil
}

// ReaderAt returns a random-access reader for the object.
func (m *MemFS) ReaderAt(_ context.Context, key string) (ReaderAtCloser, error) {
	obj, ok := m.get(key)
	if !ok {
		return nil, ErrNotFound
	}
	return nopReaderAtCloser{bytes.NewReader(obj.data)}, nil
}

// Stat returns metadata for the object.
func (m *MemFS) Stat(_ context.Context, key string) (ObjectMeta, error) {
	obj, ok := m.get(key)
	if !ok {
		return ObjectMeta{}, ErrNotFound
	}
	return ObjectMeta{
		Key:          key,
		Size:         int64(len(obj.data)),
		LastModified: obj.modTime,
	}, nil
}

// List returns metadata for all objects under the given prefix, in key
// order.
func (m *MemFS) List(_ context.Context, prefix string) ([]ObjectMeta, error) {
	m.mu.RLock()
	var objects []ObjectMeta
	for key, obj := range m.objects {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		objects = append(objects, ObjectMeta{
			Key:          key,
			Size:         int64(len(obj.data)),
			LastModified: obj.modTime,
		})
	}
	m.mu.RUnlock()

	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })
	return objects, nil
}

type nopReaderAtCloser struct {
	io.ReaderAt
}

func (nopReaderAtCloser) Close() error { return nil }

var _ FS = (*MemFS)(nil)
