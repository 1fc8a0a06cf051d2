// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package feed

import (
	"errors"
	"sort"
	"sync"

	"github.com/luxfi/geth/common"

	"github.com/luxfi/shareprice/access"
)

var (
	ErrNilAdapter     = errors.New("nil adapter")
	ErrZeroHandle     = errors.New("zero adapter handle")
	ErrHandleExists   = errors.New("adapter handle already registered")
	ErrHandleNotFound = errors.New("adapter handle not registered")
)

// AdapterRegistry maps opaque adapter handles to implementations.
// The router's per-asset configuration stores handles, not adapter
// objects, so an adapter can be swapped behind its handle without
// touching asset configuration.
type AdapterRegistry struct {
	mu  sync.RWMutex
	acl *access.ControlList

	adapters map[common.Address]Adapter
}

// NewAdapterRegistry creates an empty registry guarded by acl.
func NewAdapterRegistry(acl *access.ControlList) *AdapterRegistry {
	return &AdapterRegistry{
		acl:      acl,
		adapters: make(map[common.Address]Adapter),
	}
}

// Register binds a handle to an adapter implementation. Admin only.
func (r *AdapterRegistry) Register(caller common.Address, handle common.Address, adapter Adapter) error {
	if err := r.acl.Require(caller, access.RoleAdmin); err != nil {
		return err
	}
	if handle == (common.Address{}) {
		return ErrZeroHandle
	}
	if adapter == nil {
		return ErrNilAdapter
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[handle]; exists {
		return ErrHandleExists
	}
	r.adapters[handle] = adapter
	return nil
}

// Deregister unbinds a handle and returns the removed adapter so the
// caller can purge dependent configuration. Admin only.
func (r *AdapterRegistry) Deregister(caller common.Address, handle common.Address) (Adapter, error) {
	if err := r.acl.Require(caller, access.RoleAdmin); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	adapter, exists := r.adapters[handle]
	if !exists {
		return nil, ErrHandleNotFound
	}
	delete(r.adapters, handle)
	return adapter, nil
}

// Get resolves a handle to its adapter.
func (r *AdapterRegistry) Get(handle common.Address) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	adapter, ok := r.adapters[handle]
	return adapter, ok
}

// Handles returns all registered handles in stable order.
func (r *AdapterRegistry) Handles() []common.Address {
	r.mu.RLock()
	defer r.mu.RUnlock()
	handles := make([]common.Address, 0, len(r.adapters))
	for h := range r.adapters {
		handles = append(handles, h)
	}
	sort.Slice(handles, func(i, j int) bool {
		return handles[i].Hex() < handles[j].Hex()
	})
	return handles
}
