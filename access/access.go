// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package access implements capability-flag access control for the
// share price oracle components. Every mutating operation on the
// router, the adapters, and the messaging endpoint names a caller;
// the caller must hold the required capability or the call fails
// closed. There is no ambient authority: a principal holds exactly
// the flags it was granted.
package access

import (
	"errors"
	"sync"

	"github.com/luxfi/geth/common"
)

// Role is a bitmask of capability flags.
type Role uint8

const (
	// RoleAdmin may grant and revoke roles and set peers.
	RoleAdmin Role = 1 << iota
	// RoleAdapter may register and remove assets on price adapters.
	RoleAdapter
	// RoleOracle may mutate router configuration (assets, sources,
	// categories, cross-chain mappings, vaults).
	RoleOracle
	// RoleEndpoint may drive the messaging endpoint and push vault
	// reports into the router.
	RoleEndpoint
	// RoleUpdater may refresh the stored price cache.
	RoleUpdater
)

const roleMask = RoleAdmin | RoleAdapter | RoleOracle | RoleEndpoint | RoleUpdater

var (
	ErrUnauthorized = errors.New("caller lacks required role")
	ErrInvalidRole  = errors.New("invalid role")
	ErrZeroAddress  = errors.New("zero principal address")
)

// ControlList maps principals to granted capability flags.
type ControlList struct {
	mu     sync.RWMutex
	grants map[common.Address]Role
}

// NewControlList creates a control list with a single admin principal.
func NewControlList(admin common.Address) *ControlList {
	return &ControlList{
		grants: map[common.Address]Role{admin: RoleAdmin},
	}
}

// Grant adds role flags to a principal. Admin only.
func (cl *ControlList) Grant(caller, principal common.Address, role Role) error {
	if role == 0 || role&^roleMask != 0 {
		return ErrInvalidRole
	}
	if principal == (common.Address{}) {
		return ErrZeroAddress
	}
	if err := cl.Require(caller, RoleAdmin); err != nil {
		return err
	}

	cl.mu.Lock()
	defer cl.mu.Unlock()
	cl.grants[principal] |= role
	return nil
}

// Revoke removes role flags from a principal. Admin only.
func (cl *ControlList) Revoke(caller, principal common.Address, role Role) error {
	if role == 0 || role&^roleMask != 0 {
		return ErrInvalidRole
	}
	if err := cl.Require(caller, RoleAdmin); err != nil {
		return err
	}

	cl.mu.Lock()
	defer cl.mu.Unlock()
	remaining := cl.grants[principal] &^ role
	if remaining == 0 {
		delete(cl.grants, principal)
	} else {
		cl.grants[principal] = remaining
	}
	return nil
}

// Has reports whether the principal holds every flag in role.
func (cl *ControlList) Has(principal common.Address, role Role) bool {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	return cl.grants[principal]&role == role
}

// Require returns ErrUnauthorized unless the principal holds every
// flag in role.
func (cl *ControlList) Require(principal common.Address, role Role) error {
	if !cl.Has(principal, role) {
		return ErrUnauthorized
	}
	return nil
}
