// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package feed implements price adapters: pluggable components that
// each fetch and validate one asset's price from one external source.
// All variants share the Adapter contract; the router walks its
// prioritized adapter list and takes the first error-free answer.
//
// Every adapter validates reads the same way. Per (asset,
// denomination) it stores a heartbeat (maximum tolerated age) and
// [min, max] bounds derived once at registration from the upstream
// source's own limits, tightened by a protective 10% margin. A read
// that is non-positive, out of bounds, or older than the heartbeat is
// reported with HadError set; a value with known-bad provenance is
// never propagated.
package feed

import (
	"errors"
	"math/big"

	"github.com/luxfi/geth/common"
)

// PriceDecimals is the fixed-point scale of every adapter answer.
const PriceDecimals = 18

// PriceData is the result of one adapter read. InUSD reports the
// denomination actually served, which may differ from the requested
// one: when the requested denomination is not configured the adapter
// answers in the other denomination and the caller pivots. An adapter
// never pivots silently.
type PriceData struct {
	Value    *big.Int // 18-decimal fixed point
	HadError bool
	InUSD    bool
}

// Adapter is the contract shared by all price source variants.
// Asset registration is variant-specific (each upstream has a
// different handle shape) and lives on the concrete types.
type Adapter interface {
	GetPrice(asset common.Address, wantUSD bool) PriceData
	IsSupportedAsset(asset common.Address) bool
	RemoveAsset(caller common.Address, asset common.Address) error
}

// RemovalListener is notified when an adapter drops an asset so that
// dependent router configuration rows can be purged.
type RemovalListener interface {
	NotifyFeedRemoval(asset common.Address)
}

var (
	ErrAssetNotSupported = errors.New("asset not supported by adapter")
	ErrAssetExists       = errors.New("asset denomination already configured")
	ErrNilSource         = errors.New("nil price source")
	ErrInvalidHeartbeat  = errors.New("heartbeat must be positive")
	ErrInvalidBounds     = errors.New("invalid price bounds")
	ErrZeroAsset         = errors.New("zero asset address")
)

// boundsMarginBps is the protective margin applied to the upstream
// source's own limits: the floor is raised and the ceiling lowered by
// 10%, so answers pinned at the source's hard limits are rejected.
const boundsMarginBps = 1000

// feedLimits holds the per-denomination validation state, computed
// once at registration.
type feedLimits struct {
	min       *big.Int // raised lower bound, source decimals
	max       *big.Int // lowered upper bound, source decimals
	heartbeat uint64   // seconds
	decimals  uint8
}

// bufferedLimits derives validation bounds from the source's limits
// with the protective margin applied.
func bufferedLimits(min, max *big.Int, heartbeat uint64, decimals uint8) (*feedLimits, error) {
	if heartbeat == 0 {
		return nil, ErrInvalidHeartbeat
	}
	if min == nil || max == nil || min.Sign() < 0 || max.Sign() <= 0 || min.Cmp(max) >= 0 {
		return nil, ErrInvalidBounds
	}

	lo := new(big.Int).Mul(min, big.NewInt(10000+boundsMarginBps))
	lo.Div(lo, big.NewInt(10000))
	hi := new(big.Int).Mul(max, big.NewInt(10000-boundsMarginBps))
	hi.Div(hi, big.NewInt(10000))
	if lo.Cmp(hi) >= 0 {
		return nil, ErrInvalidBounds
	}

	return &feedLimits{min: lo, max: hi, heartbeat: heartbeat, decimals: decimals}, nil
}

// validate checks one raw reading against the registration-time
// limits. age is seconds since the reading was produced.
func (l *feedLimits) validate(value *big.Int, age uint64) bool {
	if value == nil || value.Sign() <= 0 {
		return false
	}
	if value.Cmp(l.min) < 0 || value.Cmp(l.max) > 0 {
		return false
	}
	return age <= l.heartbeat
}

// scaleToPriceDecimals rescales a raw source value to the 18-decimal
// answer scale, flooring on narrowing.
func scaleToPriceDecimals(value *big.Int, decimals uint8) *big.Int {
	out := new(big.Int).Set(value)
	switch {
	case decimals < PriceDecimals:
		exp := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(PriceDecimals-decimals)), nil)
		out.Mul(out, exp)
	case decimals > PriceDecimals:
		exp := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals-PriceDecimals)), nil)
		out.Div(out, exp)
	}
	return out
}

// errPrice is the canonical bad-provenance answer.
func errPrice() PriceData { return PriceData{HadError: true} }
