// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package oracle implements the price router: it owns per-asset
// prioritized source lists, a category taxonomy, a cross-chain asset
// identity map, a last-known-good price cache, and the vault report
// store, and resolves prices and share prices across them.
package oracle

import (
	"encoding/binary"
	"errors"
	"math/big"

	"github.com/luxfi/geth/common"
	"github.com/zeebo/blake3"
)

// Category is the coarse equivalence class of an asset. Two assets in
// the same non-Unknown category are treated as 1:1 equivalent and
// converted by pure decimal rescale, with no market rate lookup. This
// is a deliberate approximation: the system does not provide live
// exchange rates between same-category assets.
type Category uint8

const (
	CategoryUnknown Category = iota
	CategoryStable
	CategoryEthLike
	CategoryBtcLike
)

func (c Category) String() string {
	switch c {
	case CategoryStable:
		return "STABLE"
	case CategoryEthLike:
		return "ETH_LIKE"
	case CategoryBtcLike:
		return "BTC_LIKE"
	default:
		return "UNKNOWN"
	}
}

// DefaultStalenessTolerance is the maximum age, in seconds, of a
// stored price or vault report before it is refused. A value exactly
// at the tolerance is still accepted.
const DefaultStalenessTolerance uint64 = 86_400

// MaxAssetDecimals bounds accepted decimal configuration.
const MaxAssetDecimals uint8 = 36

// Router errors.
var (
	ErrNoValidPrice     = errors.New("no valid price for asset")
	ErrStaleReport      = errors.New("vault report is stale")
	ErrReportNotFound   = errors.New("no vault report for chain and vault")
	ErrUnknownCategory  = errors.New("asset category is unknown")
	ErrUnsupportedAsset = errors.New("asset not supported")
	ErrInvalidReport    = errors.New("invalid vault report")
	ErrLocalChainReport = errors.New("report claims the local chain")
	ErrLengthMismatch   = errors.New("input length mismatch")
	ErrDenomMismatch    = errors.New("price served in wrong denomination")
	ErrUnknownVault     = errors.New("vault not registered")
	ErrZeroAddress      = errors.New("zero address")
	ErrInvalidChain     = errors.New("invalid chain id")
	ErrInvalidDecimals  = errors.New("invalid decimal count")
	ErrConfigNotFound   = errors.New("asset config not found")
	ErrInvalidTolerance = errors.New("staleness tolerance must be positive")
)

// AssetConfig binds one priority level of one asset to a price
// source read through a registered adapter handle. Higher priority
// levels are consulted first.
type AssetConfig struct {
	Source  common.Address // upstream source identity, opaque to the router
	Adapter common.Address // adapter registry handle
	InUSD   bool           // denomination the source is expected to serve
}

// StoredPrice is the last-known-good cache entry for one asset,
// refreshed by BatchUpdatePrice and used only when every live source
// fails.
type StoredPrice struct {
	Price     *big.Int // 18-decimal fixed point
	Timestamp uint64
	InUSD     bool
}

// VaultReport is one vault's share price observation. SharePrice is
// in the asset's native decimals. Reports are keyed (ChainID, Vault)
// and always overwritten, never historized.
type VaultReport struct {
	ChainID         uint32
	Vault           common.Address
	Asset           common.Address
	AssetDecimals   uint8
	SharePrice      *big.Int
	LastUpdate      uint64
	RewardsDelegate common.Address
}

// Equal reports deep equality, comparing SharePrice by value.
func (r *VaultReport) Equal(o *VaultReport) bool {
	if r.ChainID != o.ChainID ||
		r.Vault != o.Vault ||
		r.Asset != o.Asset ||
		r.AssetDecimals != o.AssetDecimals ||
		r.LastUpdate != o.LastUpdate ||
		r.RewardsDelegate != o.RewardsDelegate {
		return false
	}
	if r.SharePrice == nil || o.SharePrice == nil {
		return r.SharePrice == o.SharePrice
	}
	return r.SharePrice.Cmp(o.SharePrice) == 0
}

// reportKey derives the storage key for a (chain, vault) pair.
func reportKey(chainID uint32, vault common.Address) [32]byte {
	h := blake3.New()
	var cid [4]byte
	binary.BigEndian.PutUint32(cid[:], chainID)
	h.Write(cid[:])
	h.Write(vault.Bytes())
	var key [32]byte
	h.Digest().Read(key[:])
	return key
}

// assetInfo is the local registration of a priceable asset.
type assetInfo struct {
	decimals uint8
	category Category
}
