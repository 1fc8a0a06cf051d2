// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package vault defines the read-only vault collaborator used by the
// price router for same-chain share prices, plus a minimal in-memory
// yield vault implementation.
package vault

import (
	"errors"
	"math/big"
	"sync"

	"github.com/luxfi/geth/common"
)

// Vault is the read surface the router needs from a yield-bearing
// vault: the underlying asset, its native decimal count, and the
// current value of exactly one share in that asset.
type Vault interface {
	Asset() common.Address
	Decimals() uint8
	ConvertOneShare() (*big.Int, error)
}

// MaxDecimals bounds the underlying asset's decimal count.
const MaxDecimals uint8 = 36

var (
	ErrZeroAsset       = errors.New("vault asset is the zero address")
	ErrZeroShares      = errors.New("zero shares minted")
	ErrInsufficient    = errors.New("insufficient vault balance")
	ErrInvalidAmount   = errors.New("amount must be positive")
	ErrInvalidDecimals = errors.New("decimal count out of range")
)

// YieldVault is a single-asset vault with proportional share
// accounting. Share price = totalAssets / totalShares, floored; an
// empty vault converts 1:1.
type YieldVault struct {
	mu sync.RWMutex

	asset    common.Address
	decimals uint8

	totalAssets *big.Int
	totalShares *big.Int
}

var _ Vault = (*YieldVault)(nil)

// NewYieldVault creates an empty vault for the given underlying asset.
func NewYieldVault(asset common.Address, decimals uint8) (*YieldVault, error) {
	if asset == (common.Address{}) {
		return nil, ErrZeroAsset
	}
	if decimals > MaxDecimals {
		return nil, ErrInvalidDecimals
	}
	return &YieldVault{
		asset:       asset,
		decimals:    decimals,
		totalAssets: big.NewInt(0),
		totalShares: big.NewInt(0),
	}, nil
}

func (v *YieldVault) Asset() common.Address { return v.asset }

func (v *YieldVault) Decimals() uint8 { return v.decimals }

// ConvertOneShare returns the asset value of one whole share
// (10^decimals share units), floored.
func (v *YieldVault) ConvertOneShare() (*big.Int, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	one := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(v.decimals)), nil)
	if v.totalShares.Sign() == 0 {
		// Empty vault: 1:1
		return one, nil
	}
	out := new(big.Int).Mul(one, v.totalAssets)
	return out.Div(out, v.totalShares), nil
}

// Deposit adds assets and mints proportional shares, 1:1 on the first
// deposit. Returns the shares minted.
func (v *YieldVault) Deposit(assets *big.Int) (*big.Int, error) {
	if assets == nil || assets.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	var shares *big.Int
	if v.totalShares.Sign() == 0 {
		shares = new(big.Int).Set(assets)
	} else {
		shares = new(big.Int).Mul(assets, v.totalShares)
		shares.Div(shares, v.totalAssets)
	}
	if shares.Sign() == 0 {
		return nil, ErrZeroShares
	}

	v.totalAssets.Add(v.totalAssets, assets)
	v.totalShares.Add(v.totalShares, shares)
	return shares, nil
}

// Withdraw burns shares and returns the proportional assets.
func (v *YieldVault) Withdraw(shares *big.Int) (*big.Int, error) {
	if shares == nil || shares.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.totalShares.Cmp(shares) < 0 {
		return nil, ErrInsufficient
	}
	assets := new(big.Int).Mul(shares, v.totalAssets)
	assets.Div(assets, v.totalShares)

	v.totalAssets.Sub(v.totalAssets, assets)
	v.totalShares.Sub(v.totalShares, shares)
	return assets, nil
}

// Harvest credits yield to the vault, raising the share price.
func (v *YieldVault) Harvest(yield *big.Int) error {
	if yield == nil || yield.Sign() <= 0 {
		return ErrInvalidAmount
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.totalAssets.Add(v.totalAssets, yield)
	return nil
}

// TotalAssets returns a copy of the vault's asset balance.
func (v *YieldVault) TotalAssets() *big.Int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return new(big.Int).Set(v.totalAssets)
}

// TotalShares returns a copy of the outstanding share count.
func (v *YieldVault) TotalShares() *big.Int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return new(big.Int).Set(v.totalShares)
}
