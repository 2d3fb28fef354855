// Package storage provides the persistent key-value stores an actor host
// writes its birth record and snapshot into. Writes are whole-value
// overwrites; reads happen only at host construction.
package storage

import (
	"context"
	"errors"
	"sync"
)

// ErrKeyNotFound is returned by Get for keys never written.
var ErrKeyNotFound = errors.New("key not found")

// Store is the minimal persistence surface the actor host consumes. Any
// backend (Redis, Postgres, in-memory) satisfies it; the host never
// imports a concrete driver.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// Per-actor field names under the actor's key prefix.
const (
	FieldActorType         = "actorType"
	FieldActorID           = "actorId"
	FieldInitialCaller     = "initialCaller"
	FieldInput             = "input"
	FieldPersistedSnapshot = "persistedSnapshot"
)

// ActorKey namespaces a per-actor field, e.g. "actor:todo:L1:persistedSnapshot".
func ActorKey(actorType, actorID, field string) string {
	return "actor:" + actorType + ":" + actorID + ":" + field
}

// MemoryStore is a process-local Store used in tests and as the fallback
// when no backend is configured.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	val, ok := m.data[key]
	if !ok {
		return nil, ErrKeyNotFound
	}
	cp := make([]byte, len(val))
	copy(cp, val)
	return cp, nil
}

func (m *MemoryStore) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(value))
	copy(cp, value)
	m.data[key] = cp
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}
