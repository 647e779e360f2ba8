package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryObjectStore is an in-memory ObjectStore for tests. PutErrs and
// GetErrs are consumed one per call; a nil entry means the call succeeds.
type MemoryObjectStore struct {
	mu      sync.Mutex
	objects map[string][]byte

	PutErrs []error
	GetErrs []error

	// Track calls
	PutCalls int
	GetCalls int
	Puts     []string
}

// NewMemoryObjectStore returns an empty store.
func NewMemoryObjectStore() *MemoryObjectStore {
	return &MemoryObjectStore{objects: make(map[string][]byte)}
}

func (m *MemoryObjectStore) Put(_ context.Context, bucket, key string, data []byte) (Ack, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PutCalls++
	if err := popErr(&m.PutErrs); err != nil {
		return Ack{}, err
	}
	loc := ObjectLocation(bucket, key)
	m.objects[loc] = append([]byte(nil), data...)
	m.Puts = append(m.Puts, loc)
	return Ack{Location: loc, Bytes: int64(len(data)), Written: 1}, nil
}

func (m *MemoryObjectStore) Get(_ context.Context, bucket, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.GetCalls++
	if err := popErr(&m.GetErrs); err != nil {
		return nil, err
	}
	data, ok := m.objects[ObjectLocation(bucket, key)]
	if !ok {
		return nil, fmt.Errorf("%s: %w", ObjectLocation(bucket, key), ErrNotFound)
	}
	return append([]byte(nil), data...), nil
}

func (m *MemoryObjectStore) Exists(_ context.Context, bucket, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[ObjectLocation(bucket, key)]
	return ok, nil
}

// Keys returns every stored bucket/key in sorted order.
func (m *MemoryObjectStore) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// MemoryDocumentStore is an in-memory DocumentStore for tests.
type MemoryDocumentStore struct {
	mu          sync.Mutex
	collections map[string]map[string]Document

	UpsertErrs []error
	CountErr   error

	// Track calls
	Writes []string
}

// NewMemoryDocumentStore returns an empty store.
func NewMemoryDocumentStore() *MemoryDocumentStore {
	return &MemoryDocumentStore{collections: make(map[string]map[string]Document)}
}

func (m *MemoryDocumentStore) Upsert(_ context.Context, collection string, docs []Document) (Ack, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.upsert(collection, docs)
}

func (m *MemoryDocumentStore) upsert(collection string, docs []Document) (Ack, error) {
	if err := popErr(&m.UpsertErrs); err != nil {
		return Ack{}, err
	}
	coll, ok := m.collections[collection]
	if !ok {
		coll = make(map[string]Document)
		m.collections[collection] = coll
	}
	for _, d := range docs {
		coll[docKey(d.ID)] = d
	}
	m.Writes = append(m.Writes, collection)
	return Ack{Location: collection, Written: int64(len(docs))}, nil
}

func (m *MemoryDocumentStore) ReplaceAll(_ context.Context, collection string, docs []Document) (Ack, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ack, err := m.upsert(collection, docs)
	if err != nil {
		return ack, err
	}
	keep := make(map[string]bool, len(docs))
	for _, d := range docs {
		keep[docKey(d.ID)] = true
	}
	for k := range m.collections[collection] {
		if !keep[k] {
			delete(m.collections[collection], k)
			ack.Deleted++
		}
	}
	return ack, nil
}

func (m *MemoryDocumentStore) Count(_ context.Context, collection string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CountErr != nil {
		return 0, m.CountErr
	}
	return int64(len(m.collections[collection])), nil
}

// Docs returns a collection's documents ordered by ID.
func (m *MemoryDocumentStore) Docs(collection string) []Document {
	m.mu.Lock()
	defer m.mu.Unlock()
	coll := m.collections[collection]
	keys := make([]string, 0, len(coll))
	for k := range coll {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]Document, 0, len(keys))
	for _, k := range keys {
		out = append(out, coll[k])
	}
	return out
}

// Seed stores docs directly, bypassing scripted errors.
func (m *MemoryDocumentStore) Seed(collection string, docs []Document) {
	m.mu.Lock()
	defer m.mu.Unlock()
	coll, ok := m.collections[collection]
	if !ok {
		coll = make(map[string]Document)
		m.collections[collection] = coll
	}
	for _, d := range docs {
		coll[docKey(d.ID)] = d
	}
}

func docKey(id any) string {
	return fmt.Sprint(id)
}

func popErr(errs *[]error) error {
	if len(*errs) == 0 {
		return nil
	}
	err := (*errs)[0]
	*errs = (*errs)[1:]
	return err
}
