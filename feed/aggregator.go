// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package feed

import (
	"math/big"
	"sync"
	"time"

	"github.com/luxfi/geth/common"

	"github.com/luxfi/shareprice/access"
)

// AggregatorSource is the minimal read surface of an external quote
// aggregator: the latest answer with its timestamp, plus the static
// limits the adapter seeds its validation bounds from.
type AggregatorSource interface {
	LatestRoundData() (answer *big.Int, updatedAt uint64, err error)
	Decimals() uint8
	MinAnswer() *big.Int
	MaxAnswer() *big.Int
}

// aggregatorFeed binds one upstream source to its registration-time
// limits for one (asset, denomination) pair.
type aggregatorFeed struct {
	source AggregatorSource
	limits *feedLimits
}

// AggregatorAdapter is the quote-pull adapter: it reads the latest
// published answer from an external aggregator and validates it
// against bounds and heartbeat.
type AggregatorAdapter struct {
	mu       sync.RWMutex
	acl      *access.ControlList
	listener RemovalListener
	now      func() uint64

	// Per asset: [0] = unit denomination, [1] = USD denomination.
	feeds map[common.Address]*[2]*aggregatorFeed
}

var _ Adapter = (*AggregatorAdapter)(nil)

// NewAggregatorAdapter creates an adapter guarded by acl. listener
// may be nil; when set it is notified on asset removal.
func NewAggregatorAdapter(acl *access.ControlList, listener RemovalListener) *AggregatorAdapter {
	return &AggregatorAdapter{
		acl:      acl,
		listener: listener,
		now:      func() uint64 { return uint64(time.Now().Unix()) },
		feeds:    make(map[common.Address]*[2]*aggregatorFeed),
	}
}

func denomIndex(inUSD bool) int {
	if inUSD {
		return 1
	}
	return 0
}

// AddAsset registers an upstream source for one asset denomination.
// Bounds are computed here, once, from the source's own limits.
func (a *AggregatorAdapter) AddAsset(
	caller common.Address,
	asset common.Address,
	source AggregatorSource,
	inUSD bool,
	heartbeat uint64,
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

	limits, err := bufferedLimits(source.MinAnswer(), source.MaxAnswer(), heartbeat, source.Decimals())
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	pair := a.feeds[asset]
	if pair == nil {
		pair = new([2]*aggregatorFeed)
		a.feeds[asset] = pair
	}
	if pair[denomIndex(inUSD)] != nil {
		return ErrAssetExists
	}
	pair[denomIndex(inUSD)] = &aggregatorFeed{source: source, limits: limits}
	return nil
}

// GetPrice reads and validates the latest answer for the asset,
// preferring the requested denomination and falling back to the other
// one (with InUSD reporting the denomination actually served).
func (a *AggregatorAdapter) GetPrice(asset common.Address, wantUSD bool) PriceData {
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

	answer, updatedAt, err := f.source.LatestRoundData()
	if err != nil {
		return errPrice()
	}
	now := a.now()
	var age uint64
	if now > updatedAt {
		age = now - updatedAt
	}
	if !f.limits.validate(answer, age) {
		return errPrice()
	}

	return PriceData{
		Value: scaleToPriceDecimals(answer, f.limits.decimals),
		InUSD: servedUSD,
	}
}

// IsSupportedAsset reports whether any denomination is configured.
func (a *AggregatorAdapter) IsSupportedAsset(asset common.Address) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	pair := a.feeds[asset]
	return pair != nil && (pair[0] != nil || pair[1] != nil)
}

// RemoveAsset wipes both denomination configurations and notifies the
// removal listener so dependent router rows are purged.
func (a *AggregatorAdapter) RemoveAsset(caller common.Address, asset common.Address) error {
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
