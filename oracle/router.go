// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package oracle

import (
	"encoding/binary"
	"errors"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/holiman/uint256"
	"github.com/luxfi/database"
	"github.com/luxfi/geth/common"
	"github.com/luxfi/log"

	"github.com/luxfi/shareprice/access"
	"github.com/luxfi/shareprice/feed"
	"github.com/luxfi/shareprice/vault"
)

var storedPricePrefix = []byte("price/")

// Router resolves asset prices through prioritized adapter lists and
// converts vault share prices between assets. All state is owned by
// the Router instance; every exported operation runs as one atomic
// step under the instance lock.
type Router struct {
	mu  sync.RWMutex
	log log.Logger
	acl *access.ControlList

	registry     *feed.AdapterRegistry
	localChainID uint32
	staleness    uint64
	now          func() uint64
	db           database.Database // optional write-through for stored prices

	assets     map[common.Address]*assetInfo
	configs    map[common.Address]map[uint8]*AssetConfig
	priorities map[common.Address][]uint8 // descending
	crossChain map[uint32]map[common.Address]common.Address
	stored     map[common.Address]*StoredPrice
	reports    map[[32]byte]*VaultReport
	vaults     map[common.Address]vault.Vault
}

var _ feed.RemovalListener = (*Router)(nil)

// NewRouter creates a router for the local chain. The registry
// resolves adapter handles stored in asset configuration.
func NewRouter(localChainID uint32, acl *access.ControlList, registry *feed.AdapterRegistry) *Router {
	return &Router{
		log:          log.NoLog{},
		acl:          acl,
		registry:     registry,
		localChainID: localChainID,
		staleness:    DefaultStalenessTolerance,
		now:          func() uint64 { return uint64(time.Now().Unix()) },
		assets:       make(map[common.Address]*assetInfo),
		configs:      make(map[common.Address]map[uint8]*AssetConfig),
		priorities:   make(map[common.Address][]uint8),
		crossChain:   make(map[uint32]map[common.Address]common.Address),
		stored:       make(map[common.Address]*StoredPrice),
		reports:      make(map[[32]byte]*VaultReport),
		vaults:       make(map[common.Address]vault.Vault),
	}
}

// SetLogger replaces the router's logger.
func (r *Router) SetLogger(l log.Logger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.log = l
}

// SetDatabase attaches a write-through store for the price cache.
// Persisted entries are restored lazily when their asset is
// registered.
func (r *Router) SetDatabase(db database.Database) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.db = db
}

// LocalChainID returns the chain this router prices for.
func (r *Router) LocalChainID() uint32 { return r.localChainID }

// SetStalenessTolerance overrides the staleness tolerance, in
// seconds. Admin only.
func (r *Router) SetStalenessTolerance(caller common.Address, seconds uint64) error {
	if err := r.acl.Require(caller, access.RoleAdmin); err != nil {
		return err
	}
	if seconds == 0 {
		return ErrInvalidTolerance
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.staleness = seconds
	return nil
}

// =========================================================================
// Configuration
// =========================================================================

// SetAsset registers a local asset's decimals and category. An asset
// must be registered before it can carry source configuration or act
// as a quote asset.
func (r *Router) SetAsset(caller, asset common.Address, decimals uint8, category Category) error {
	if err := r.acl.Require(caller, access.RoleOracle); err != nil {
		return err
	}
	if asset == (common.Address{}) {
		return ErrZeroAddress
	}
	if decimals > MaxAssetDecimals {
		return ErrInvalidDecimals
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.assets[asset] = &assetInfo{decimals: decimals, category: category}
	if r.stored[asset] == nil {
		r.loadStoredPrice(asset)
	}
	return nil
}

// SetAssetConfig binds a priority level of an asset to a source read
// through an adapter handle. Higher priority is consulted first.
func (r *Router) SetAssetConfig(
	caller, asset common.Address,
	priority uint8,
	source, adapterHandle common.Address,
	inUSD bool,
) error {
	if err := r.acl.Require(caller, access.RoleOracle); err != nil {
		return err
	}
	if asset == (common.Address{}) || adapterHandle == (common.Address{}) {
		return ErrZeroAddress
	}
	if _, ok := r.registry.Get(adapterHandle); !ok {
		return feed.ErrHandleNotFound
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.assets[asset] == nil {
		return ErrUnsupportedAsset
	}
	levels := r.configs[asset]
	if levels == nil {
		levels = make(map[uint8]*AssetConfig)
		r.configs[asset] = levels
	}
	levels[priority] = &AssetConfig{Source: source, Adapter: adapterHandle, InUSD: inUSD}
	r.rebuildPriorities(asset)
	return nil
}

// RemoveAssetConfig drops one priority level of an asset.
func (r *Router) RemoveAssetConfig(caller, asset common.Address, priority uint8) error {
	if err := r.acl.Require(caller, access.RoleOracle); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	levels := r.configs[asset]
	if levels == nil || levels[priority] == nil {
		return ErrConfigNotFound
	}
	delete(levels, priority)
	r.rebuildPriorities(asset)
	return nil
}

// RemoveAdapter purges every configuration row reading through the
// given handle. Assets left without any source also lose their cached
// price: a price without a source has no provenance.
func (r *Router) RemoveAdapter(caller, adapterHandle common.Address) error {
	if err := r.acl.Require(caller, access.RoleOracle); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for asset, levels := range r.configs {
		changed := false
		for p, cfg := range levels {
			if cfg.Adapter == adapterHandle {
				delete(levels, p)
				changed = true
			}
		}
		if changed {
			r.rebuildPriorities(asset)
			if len(levels) == 0 {
				r.dropStoredPrice(asset)
			}
		}
	}
	r.log.Info("adapter removed from router",
		log.Stringer("handle", adapterHandle),
	)
	return nil
}

// NotifyFeedRemoval purges configuration rows for an asset whose
// adapter no longer supports it. Called by adapters on RemoveAsset.
func (r *Router) NotifyFeedRemoval(asset common.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	levels := r.configs[asset]
	if levels == nil {
		return
	}
	for p, cfg := range levels {
		adapter, ok := r.registry.Get(cfg.Adapter)
		if !ok || !adapter.IsSupportedAsset(asset) {
			delete(levels, p)
		}
	}
	r.rebuildPriorities(asset)
	if len(levels) == 0 {
		r.dropStoredPrice(asset)
	}
}

// SetCrossChainAssetMapping maps a remote chain's asset identity to
// its local equivalent. A chain never maps to itself.
func (r *Router) SetCrossChainAssetMapping(
	caller common.Address,
	srcChainID uint32,
	remoteAsset, localAsset common.Address,
) error {
	if err := r.acl.Require(caller, access.RoleOracle); err != nil {
		return err
	}
	if srcChainID == r.localChainID {
		return ErrInvalidChain
	}
	if remoteAsset == (common.Address{}) || localAsset == (common.Address{}) {
		return ErrZeroAddress
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.assets[localAsset] == nil {
		return ErrUnsupportedAsset
	}
	m := r.crossChain[srcChainID]
	if m == nil {
		m = make(map[common.Address]common.Address)
		r.crossChain[srcChainID] = m
	}
	m[remoteAsset] = localAsset
	return nil
}

// RegisterVault attaches a local vault collaborator for same-chain
// share price queries and outbound reports.
func (r *Router) RegisterVault(caller, vaultAddr common.Address, v vault.Vault) error {
	if err := r.acl.Require(caller, access.RoleOracle); err != nil {
		return err
	}
	if vaultAddr == (common.Address{}) {
		return ErrZeroAddress
	}
	if v == nil {
		return ErrUnknownVault
	}
	if v.Decimals() > MaxAssetDecimals {
		return ErrInvalidDecimals
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.vaults[vaultAddr] = v
	return nil
}

// rebuildPriorities refreshes the descending priority walk order for
// an asset. Caller holds the write lock.
func (r *Router) rebuildPriorities(asset common.Address) {
	levels := r.configs[asset]
	if len(levels) == 0 {
		delete(r.priorities, asset)
		delete(r.configs, asset)
		return
	}
	order := make([]uint8, 0, len(levels))
	for p := range levels {
		order = append(order, p)
	}
	sort.Slice(order, func(i, j int) bool { return order[i] > order[j] })
	r.priorities[asset] = order
}

// =========================================================================
// Price resolution
// =========================================================================

// GetLatestPrice resolves an asset price by walking its priority
// levels from highest to lowest and taking the first error-free
// answer; sources are never blended. When every source fails it falls
// back to the stored price if fresh. inUSD reports the denomination
// actually served; the caller pivots when it differs from wantUSD.
func (r *Router) GetLatestPrice(asset common.Address, wantUSD bool) (*big.Int, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.latestPrice(asset, wantUSD)
}

// latestPrice is GetLatestPrice under a held lock.
func (r *Router) latestPrice(asset common.Address, wantUSD bool) (*big.Int, bool, error) {
	for _, p := range r.priorities[asset] {
		cfg := r.configs[asset][p]
		adapter, ok := r.registry.Get(cfg.Adapter)
		if !ok {
			r.log.Warn("configured adapter missing from registry",
				log.Stringer("asset", asset),
				log.Stringer("handle", cfg.Adapter),
			)
			continue
		}
		pd := adapter.GetPrice(asset, wantUSD)
		if pd.HadError || pd.Value == nil || pd.Value.Sign() <= 0 {
			continue
		}
		return new(big.Int).Set(pd.Value), pd.InUSD, nil
	}

	if sp := r.stored[asset]; sp != nil && r.fresh(sp.Timestamp) {
		return new(big.Int).Set(sp.Price), sp.InUSD, nil
	}
	return nil, false, ErrNoValidPrice
}

// fresh reports whether a timestamp is within the staleness
// tolerance. Exactly at the tolerance is still fresh.
func (r *Router) fresh(ts uint64) bool {
	now := r.now()
	return now <= ts || now-ts <= r.staleness
}

// BatchUpdatePrice refreshes the stored price cache for each asset. A
// length mismatch is rejected atomically before any write; individual
// resolution failures are skipped, so success is per-element.
func (r *Router) BatchUpdatePrice(caller common.Address, assets []common.Address, wantUSD []bool) error {
	if err := r.acl.Require(caller, access.RoleUpdater); err != nil {
		return err
	}
	if len(assets) != len(wantUSD) {
		return ErrLengthMismatch
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	for i, asset := range assets {
		price, inUSD, err := r.latestPrice(asset, wantUSD[i])
		if err != nil {
			r.log.Debug("price update skipped",
				log.Stringer("asset", asset),
				log.Err(err),
			)
			continue
		}
		sp := &StoredPrice{Price: price, Timestamp: now, InUSD: inUSD}
		r.stored[asset] = sp
		r.persistStoredPrice(asset, sp)
	}
	return nil
}

// =========================================================================
// Vault reports
// =========================================================================

// UpdateSharePrices ingests a batch of foreign vault reports. The
// whole batch is validated before any write: a report claiming the
// local chain, a non-positive share price, a zero asset, an
// out-of-range decimal count, or a stale timestamp rejects the call
// with no partial effect.
func (r *Router) UpdateSharePrices(caller common.Address, srcChainID uint32, reports []VaultReport) error {
	if err := r.acl.Require(caller, access.RoleEndpoint); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if srcChainID == r.localChainID {
		return ErrLocalChainReport
	}
	for i := range reports {
		rep := &reports[i]
		if rep.ChainID == r.localChainID {
			return ErrLocalChainReport
		}
		if rep.ChainID != srcChainID {
			return ErrInvalidReport
		}
		if rep.Asset == (common.Address{}) {
			return ErrInvalidReport
		}
		if rep.AssetDecimals > MaxAssetDecimals {
			return ErrInvalidReport
		}
		if rep.SharePrice == nil || rep.SharePrice.Sign() <= 0 {
			return ErrInvalidReport
		}
		if !r.fresh(rep.LastUpdate) {
			return ErrStaleReport
		}
	}
	for i := range reports {
		rep := reports[i]
		rep.SharePrice = new(big.Int).Set(rep.SharePrice)
		r.reports[reportKey(rep.ChainID, rep.Vault)] = &rep
	}
	r.log.Debug("vault reports ingested",
		log.Uint32("srcChain", srcChainID),
		log.Int("count", len(reports)),
	)
	return nil
}

// GetSharePrices builds live reports for local vaults, for outbound
// dispatch. Any unregistered vault or failed read fails the whole
// call: a partial or zeroed report set is never produced.
func (r *Router) GetSharePrices(vaults []common.Address, rewardsDelegate common.Address) ([]VaultReport, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.now()
	reports := make([]VaultReport, 0, len(vaults))
	for _, addr := range vaults {
		v := r.vaults[addr]
		if v == nil {
			return nil, ErrUnknownVault
		}
		price, err := v.ConvertOneShare()
		if err != nil {
			return nil, err
		}
		reports = append(reports, VaultReport{
			ChainID:         r.localChainID,
			Vault:           addr,
			Asset:           v.Asset(),
			AssetDecimals:   v.Decimals(),
			SharePrice:      price,
			LastUpdate:      now,
			RewardsDelegate: rewardsDelegate,
		})
	}
	return reports, nil
}

// Report returns the stored report for a (chain, vault) pair.
func (r *Router) Report(chainID uint32, vaultAddr common.Address) (*VaultReport, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rep, ok := r.reports[reportKey(chainID, vaultAddr)]
	if !ok {
		return nil, false
	}
	cp := *rep
	cp.SharePrice = new(big.Int).Set(rep.SharePrice)
	return &cp, true
}

// GetLatestSharePrice converts a vault's share price into the quote
// asset. Same-chain vaults are read live; foreign vaults come from
// the report store and are refused when stale. Same-category assets
// convert by pure decimal rescale; otherwise both legs pivot through
// USD with 18-decimal intermediates and a flooring final narrowing.
func (r *Router) GetLatestSharePrice(
	srcChainID uint32,
	vaultAddr common.Address,
	quoteAsset common.Address,
) (*big.Int, uint64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	quoteInfo := r.assets[quoteAsset]
	if quoteInfo == nil {
		return nil, 0, ErrUnsupportedAsset
	}

	var (
		reportAsset common.Address
		reportDec   uint8
		sharePrice  *big.Int
		timestamp   uint64
	)
	if srcChainID == r.localChainID {
		v := r.vaults[vaultAddr]
		if v == nil {
			return nil, 0, ErrUnknownVault
		}
		price, err := v.ConvertOneShare()
		if err != nil {
			return nil, 0, err
		}
		reportAsset = v.Asset()
		reportDec = v.Decimals()
		sharePrice = price
		timestamp = r.now()
	} else {
		rep, ok := r.reports[reportKey(srcChainID, vaultAddr)]
		if !ok {
			return nil, 0, ErrReportNotFound
		}
		if !r.fresh(rep.LastUpdate) {
			return nil, 0, ErrStaleReport
		}
		local, err := r.resolveLocalAsset(srcChainID, rep.Asset)
		if err != nil {
			return nil, 0, err
		}
		reportAsset = local
		reportDec = rep.AssetDecimals
		sharePrice = rep.SharePrice
		timestamp = rep.LastUpdate
	}

	reportInfo := r.assets[reportAsset]
	if reportInfo == nil {
		return nil, 0, ErrUnsupportedAsset
	}

	// Same category: 1:1 by definition, pure decimal rescale, no
	// price source consulted.
	if reportInfo.category != CategoryUnknown && reportInfo.category == quoteInfo.category {
		return ScaleDecimals(sharePrice, reportDec, quoteInfo.decimals), timestamp, nil
	}
	if reportInfo.category == CategoryUnknown || quoteInfo.category == CategoryUnknown {
		return nil, 0, ErrUnknownCategory
	}

	// USD pivot.
	reportUSD, repInUSD, err := r.latestPrice(reportAsset, true)
	if err != nil {
		return nil, 0, err
	}
	quoteUSD, quoteInUSD, err := r.latestPrice(quoteAsset, true)
	if err != nil {
		return nil, 0, err
	}
	if !repInUSD || !quoteInUSD {
		return nil, 0, ErrDenomMismatch
	}

	shareWad := ScaleDecimals(sharePrice, reportDec, PriceDecimals)
	valueWad := MulWad(shareWad, reportUSD)
	quoteWad := DivWad(valueWad, quoteUSD)
	return ScaleDecimals(quoteWad, PriceDecimals, quoteInfo.decimals), timestamp, nil
}

// resolveLocalAsset maps a reported asset to a local identity: direct
// match first, then the cross-chain map. Caller holds a lock.
func (r *Router) resolveLocalAsset(srcChainID uint32, asset common.Address) (common.Address, error) {
	if r.assets[asset] != nil {
		return asset, nil
	}
	if local, ok := r.crossChain[srcChainID][asset]; ok {
		return local, nil
	}
	return common.Address{}, ErrUnsupportedAsset
}

// =========================================================================
// Stored price persistence
// =========================================================================

func storedPriceKey(asset common.Address) []byte {
	return append(append([]byte{}, storedPricePrefix...), asset.Bytes()...)
}

// persistStoredPrice writes through to the attached database, if any.
// Caller holds the write lock.
func (r *Router) persistStoredPrice(asset common.Address, sp *StoredPrice) {
	if r.db == nil {
		return
	}
	price, overflow := uint256.FromBig(sp.Price)
	if overflow {
		return
	}
	buf := make([]byte, 41)
	p32 := price.Bytes32()
	copy(buf[:32], p32[:])
	binary.BigEndian.PutUint64(buf[32:40], sp.Timestamp)
	if sp.InUSD {
		buf[40] = 1
	}
	if err := r.db.Put(storedPriceKey(asset), buf); err != nil {
		r.log.Warn("stored price persist failed",
			log.Stringer("asset", asset),
			log.Err(err),
		)
	}
}

// loadStoredPrice restores a persisted cache entry. Caller holds the
// write lock.
func (r *Router) loadStoredPrice(asset common.Address) {
	if r.db == nil {
		return
	}
	buf, err := r.db.Get(storedPriceKey(asset))
	if err != nil {
		if !errors.Is(err, database.ErrNotFound) {
			r.log.Warn("stored price load failed",
				log.Stringer("asset", asset),
				log.Err(err),
			)
		}
		return
	}
	if len(buf) != 41 {
		return
	}
	price := new(uint256.Int).SetBytes(buf[:32])
	r.stored[asset] = &StoredPrice{
		Price:     price.ToBig(),
		Timestamp: binary.BigEndian.Uint64(buf[32:40]),
		InUSD:     buf[40] == 1,
	}
}

// dropStoredPrice removes a cached price and its persisted copy.
// Caller holds the write lock.
func (r *Router) dropStoredPrice(asset common.Address) {
	delete(r.stored, asset)
	if r.db != nil {
		if err := r.db.Delete(storedPriceKey(asset)); err != nil {
			r.log.Warn("stored price delete failed",
				log.Stringer("asset", asset),
				log.Err(err),
			)
		}
	}
}
