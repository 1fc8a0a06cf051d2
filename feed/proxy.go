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

// FeedProxy serves named feeds on request. Unlike an aggregator, the
// proxy exposes no limits of its own, so registration takes them
// explicitly.
type FeedProxy interface {
	Read(feedID common.Hash) (value *big.Int, updatedAt uint64, err error)
	Decimals(feedID common.Hash) uint8
}

type proxyFeed struct {
	feedID common.Hash
	limits *feedLimits
}

// ProxyAdapter is the request-pull adapter: it pulls a named feed
// from a proxy contract and validates the returned value.
type ProxyAdapter struct {
	mu       sync.RWMutex
	acl      *access.ControlList
	listener RemovalListener
	proxy    FeedProxy
	now      func() uint64

	feeds map[common.Address]*[2]*proxyFeed
}

var _ Adapter = (*ProxyAdapter)(nil)

// NewProxyAdapter creates an adapter reading through the given proxy.
func NewProxyAdapter(acl *access.ControlList, listener RemovalListener, proxy FeedProxy) (*ProxyAdapter, error) {
	if proxy == nil {
		return nil, ErrNilSource
	}
	return &ProxyAdapter{
		acl:      acl,
		listener: listener,
		proxy:    proxy,
		now:      func() uint64 { return uint64(time.Now().Unix()) },
		feeds:    make(map[common.Address]*[2]*proxyFeed),
	}, nil
}

// AddAsset registers a named feed for one asset denomination with the
// upstream limits the bounds are seeded from.
func (a *ProxyAdapter) AddAsset(
	caller common.Address,
	asset common.Address,
	feedID common.Hash,
	inUSD bool,
	heartbeat uint64,
	minValue, maxValue *big.Int,
) error {
	if err := a.acl.Require(caller, access.RoleAdapter); err != nil {
		return err
	}
	if asset == (common.Address{}) {
		return ErrZeroAsset
	}

	limits, err := bufferedLimits(minValue, maxValue, heartbeat, a.proxy.Decimals(feedID))
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	pair := a.feeds[asset]
	if pair == nil {
		pair = new([2]*proxyFeed)
		a.feeds[asset] = pair
	}
	if pair[denomIndex(inUSD)] != nil {
		return ErrAssetExists
	}
	pair[denomIndex(inUSD)] = &proxyFeed{feedID: feedID, limits: limits}
	return nil
}

func (a *ProxyAdapter) GetPrice(asset common.Address, wantUSD bool) PriceData {
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

	value, updatedAt, err := a.proxy.Read(f.feedID)
	if err != nil {
		return errPrice()
	}
	now := a.now()
	var age uint64
	if now > updatedAt {
		age = now - updatedAt
	}
	if !f.limits.validate(value, age) {
		return errPrice()
	}

	return PriceData{
		Value: scaleToPriceDecimals(value, f.limits.decimals),
		InUSD: servedUSD,
	}
}

func (a *ProxyAdapter) IsSupportedAsset(asset common.Address) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	pair := a.feeds[asset]
	return pair != nil && (pair[0] != nil || pair[1] != nil)
}

func (a *ProxyAdapter) RemoveAsset(caller common.Address, asset common.Address) error {
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
