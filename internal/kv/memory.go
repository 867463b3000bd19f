package kv

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// Memory is an in-process Store with the same CAS semantics as the Postgres
// implementation. Tests run against it; nothing stops embedding deployments
// from using it behind a persistence layer of their own.
type Memory struct {
	mu   sync.Mutex
	docs map[string]Document
}

func NewMemory() *Memory {
	return &Memory{docs: make(map[string]Document)}
}

func (m *Memory) Get(_ context.Context, key string) (Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[key]
	if !ok {
		return Document{}, ErrNotFound
	}
	return cloneDoc(doc), nil
}

func (m *Memory) Create(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[key]; ok {
		return ErrExists
	}
	m.docs[key] = Document{Key: key, Value: append([]byte(nil), value...), Version: 1}
	return nil
}

func (m *Memory) Put(_ context.Context, key string, value []byte, version int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[key]
	if !ok {
		if version == 0 {
			m.docs[key] = Document{Key: key, Value: append([]byte(nil), value...), Version: 1}
			return nil
		}
		return ErrConflict
	}
	if doc.Version != version {
		return ErrConflict
	}
	m.docs[key] = Document{Key: key, Value: append([]byte(nil), value...), Version: version + 1}
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.docs, key)
	return nil
}

func (m *Memory) List(_ context.Context, prefix string) ([]Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Document
	for k, doc := range m.docs {
		if strings.HasPrefix(k, prefix) {
			out = append(out, cloneDoc(doc))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func cloneDoc(doc Document) Document {
	doc.Value = append([]byte(nil), doc.Value...)
	return doc
}
