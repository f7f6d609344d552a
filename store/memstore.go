/*
 * Copyright (c) 2018 Miguel Ángel Ortuño.
 * See the LICENSE file for more information.
 */

package store

import (
	"context"
	"sync"
)

// MemStore is an in-process SessionStore for a process that never
// restarts. A Connection does not fall back to it: like any other
// store, it is used only when passed to the keepalive option.
type MemStore struct {
	mu   sync.Mutex
	data map[string]*Session
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{data: make(map[string]*Session)}
}

func (m *MemStore) Save(_ context.Context, key string, sess *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *sess
	m.data[key] = &cp
	return nil
}

func (m *MemStore) Load(_ context.Context, key string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.data[key]
	if !ok {
		return nil, nil
	}
	cp := *sess
	return &cp, nil
}

var _ SessionStore = (*MemStore)(nil)
