// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package memstore is an in-memory implementation of the objstore contract.
// It backs the engine's tests and the crash-simulation harness: the store
// can be cut off after a given number of PUTs, after which every mutation
// fails, emulating a crash between object uploads.
package memstore

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/asch/bspool/internal/objstore"
)

// ErrStoreDown is returned for every mutation after the PUT budget set by
// FailAfterPuts is exhausted.
var ErrStoreDown = errors.New("memstore: store is down")

// MemStore is a threadsafe in-memory object store.
type MemStore struct {
	mu      sync.Mutex
	objects map[string][]byte

	putsLeft int
	limited  bool
}

var _ objstore.ObjectStore = (*MemStore)(nil)

func New() *MemStore {
	return &MemStore{objects: make(map[string][]byte)}
}

// FailAfterPuts makes the next n PutObject calls succeed and every later
// mutation fail with ErrStoreDown. Used to simulate a crash mid-TXG.
func (m *MemStore) FailAfterPuts(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.limited = true
	m.putsLeft = n
}

// Revive lifts a FailAfterPuts cutoff, emulating the process coming back up
// against the same backend contents.
func (m *MemStore) Revive() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.limited = false
}

// Len returns the number of stored objects.
func (m *MemStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.objects)
}

func (m *MemStore) ObjectExists(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.objects[key]
	return ok, nil
}

func (m *MemStore) GetObject(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, ok := m.objects[key]
	if !ok {
		return nil, objstore.ErrNotFound
	}

	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

func (m *MemStore) PutObject(ctx context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.limited {
		if m.putsLeft == 0 {
			return ErrStoreDown
		}
		m.putsLeft--
	}

	cp := make([]byte, len(data))
	copy(cp, data)
	m.objects[key] = cp
	return nil
}

func (m *MemStore) ListObjects(ctx context.Context, prefix, startAfter string) ([]objstore.ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var infos []objstore.ObjectInfo
	for key, data := range m.objects {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if startAfter != "" && key <= startAfter {
			continue
		}
		infos = append(infos, objstore.ObjectInfo{Key: key, Size: int64(len(data))})
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	return infos, nil
}

func (m *MemStore) DeleteObjects(ctx context.Context, keys []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.limited && m.putsLeft == 0 {
		return ErrStoreDown
	}

	for _, key := range keys {
		delete(m.objects, key)
	}
	return nil
}
