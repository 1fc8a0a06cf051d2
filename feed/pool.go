// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package feed

import (
	"math/big"
	"sync"

	"github.com/luxfi/geth/common"

	"github.com/luxfi/shareprice/access"
)

// PoolSource derives a price from an AMM pool invariant. A read taken
// while a liquidity removal is in flight can be manipulated, so the
// source exposes a reentrancy probe the adapter must consult first.
type PoolSource interface {
	VirtualPrice() (*big.Int, error)
	Decimals() uint8
	WithdrawalInProgress() bool
}

type poolFeed struct {
	source PoolSource
	limits *feedLimits
}

// PoolAdapter is the AMM-derived adapter. Pool invariants carry no
// timestamp; freshness is inherent to the read, so the heartbeat
// check degenerates to the reentrancy gate plus bounds.
type PoolAdapter struct {
	mu       sync.RWMutex
	acl      *access.ControlList
	listener RemovalListener

	feeds map[common.Address]*[2]*poolFeed
}

var _ Adapter = (*PoolAdapter)(nil)

func NewPoolAdapter(acl *access.ControlList, listener RemovalListener) *PoolAdapter {
	return &PoolAdapter{
		acl:      acl,
		listener: listener,
		feeds:    make(map[common.Address]*[2]*poolFeed),
	}
}

// AddAsset registers a pool source for one asset denomination with
// explicit value limits.
func (a *PoolAdapter) AddAsset(
	caller common.Address,
	asset common.Address,
	source PoolSource,
	inUSD bool,
	minValue, maxValue *big.Int,
) error {
	if err := a.acl.Require(caller, access.RoleAdapter); err != nil {
		return err
	}
	if asset == (common.Address{}) {
		return ErrZeroAsset
	}
	if source == nil {
		return ErrNilSource
	}

	// Heartbeat of 1: a pool read is always current.
	limits, err := bufferedLimits(minValue, maxValue, 1, source.Decimals())
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	pair := a.feeds[asset]
	if pair == nil {
		pair = new([2]*poolFeed)
		a.feeds[asset] = pair
	}
	if pair[denomIndex(inUSD)] != nil {
		return ErrAssetExists
	}
	pair[denomIndex(inUSD)] = &poolFeed{source: source, limits: limits}
	return nil
}

func (a *PoolAdapter) GetPrice(asset common.Address, wantUSD bool) PriceData {
	a.mu.RLock()
	defer a.mu.RUnlock()

	pair := a.feeds[asset]
	if pair == nil {
		return errPrice()
	}
	servedUSD := wantUSD
	f := pair[denomIndex(wantUSD)]
	if f == nil {
		servedUSD = !wantUSD
		f = pair[denomIndex(servedUSD)]
	}
	if f == nil {
		return errPrice()
	}

	// Reject reads taken mid-liquidity-removal.
	if f.source.WithdrawalInProgress() {
		return errPrice()
	}
	value, err := f.source.VirtualPrice()
	if err != nil {
		return errPrice()
	}
	if !f.limits.validate(value, 0) {
		return errPrice()
	}

	return PriceData{
		Value: scaleToPriceDecimals(value, f.limits.decimals),
		InUSD: servedUSD,
	}
}

func (a *PoolAdapter) IsSupportedAsset(asset common.Address) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	pair := a.feeds[asset]
	return pair != nil && (pair[0] != nil || pair[1] != nil)
}

func (a *PoolAdapter) RemoveAsset(caller common.Address, asset common.Address) error {
	if err := a.acl.Require(caller, access.RoleAdapter); err != nil {
		return err
	}

	a.mu.Lock()
	if a.feeds[asset] == nil {
		a.mu.Unlock()
		return ErrAssetNotSupported
	}
	delete(a.feeds, asset)
	a.mu.Unlock()

	if a.listener != nil {
		a.listener.NotifyFeedRemoval(asset)
	}
	return nil
}
