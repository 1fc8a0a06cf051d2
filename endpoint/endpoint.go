// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package endpoint implements the cross-chain messaging state machine:
// per-chain peer identities, exactly-once inbound delivery keyed by
// message id, fee quoting against a transport collaborator, and the
// autonomous request/response flow that answers a vault-identity
// request with a report batch.
package endpoint

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/luxfi/database"
	"github.com/luxfi/geth/common"
	"github.com/luxfi/log"

	"github.com/luxfi/shareprice/access"
	"github.com/luxfi/shareprice/codec"
	"github.com/luxfi/shareprice/oracle"
)

var deliveredPrefix = []byte("delivered/")

var (
	ErrUnknownPeer      = errors.New("no trusted peer for chain")
	ErrZeroPeer         = errors.New("zero peer identity")
	ErrSelfPeer         = errors.New("peer cannot target the local chain")
	ErrMessageReplayed  = errors.New("message id already delivered")
	ErrInsufficientFee  = errors.New("value does not cover transport fee")
	ErrNoVaults         = errors.New("no vaults requested")
	ErrNilTransport     = errors.New("nil transport")
	ErrNilRouter        = errors.New("nil router")
	ErrInvalidMsgType   = errors.New("invalid message type")
	ErrNilValue         = errors.New("nil value")
	ErrDeliveredSetRead = errors.New("delivered set unavailable")
)

// Transport abstracts the underlying cross-chain messaging layer. The
// endpoint trusts it for delivery and authenticity only; replay
// filtering and peer validation happen here.
type Transport interface {
	// QuoteFee prices delivery of payload to dstChainID under the
	// given transport options.
	QuoteFee(dstChainID uint32, payload, options []byte) (*big.Int, error)
	// Send dispatches payload to dstChainID, funded with value.
	Send(dstChainID uint32, payload, options []byte, value *big.Int) error
}

// Router is the slice of the price router the endpoint drives.
// Satisfied by *oracle.Router.
type Router interface {
	GetSharePrices(vaults []common.Address, rewardsDelegate common.Address) ([]oracle.VaultReport, error)
	UpdateSharePrices(caller common.Address, srcChainID uint32, reports []oracle.VaultReport) error
}

// Endpoint owns one chain's messaging state. Every exported operation
// is one atomic step under the instance lock; inbound processing
// either fully applies or leaves no trace.
type Endpoint struct {
	mu  sync.Mutex
	log log.Logger
	acl *access.ControlList

	self         common.Address // caller identity used toward the router
	localChainID uint32
	transport    Transport
	router       Router
	db           database.Database // optional write-through for the delivered set

	peers     map[uint32]common.Hash
	delivered map[common.Hash]bool
}

// New creates an endpoint bound to a transport and a router. self is
// the identity the endpoint authenticates as when pushing inbound
// report batches into the router; it must hold the endpoint role
// there.
func New(localChainID uint32, self common.Address, acl *access.ControlList, transport Transport, router Router) (*Endpoint, error) {
	if transport == nil {
		return nil, ErrNilTransport
	}
	if router == nil {
		return nil, ErrNilRouter
	}
	return &Endpoint{
		log:          log.NoLog{},
		acl:          acl,
		self:         self,
		localChainID: localChainID,
		transport:    transport,
		router:       router,
		peers:        make(map[uint32]common.Hash),
		delivered:    make(map[common.Hash]bool),
	}, nil
}

// SetLogger replaces the endpoint's logger.
func (e *Endpoint) SetLogger(l log.Logger) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.log = l
}

// SetDatabase attaches a write-through store for the delivered
// message set, so replay protection survives a restart.
func (e *Endpoint) SetDatabase(db database.Database) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.db = db
}

// LocalChainID returns the chain this endpoint speaks for.
func (e *Endpoint) LocalChainID() uint32 { return e.localChainID }

// SetPeer registers the single trusted remote identity for a chain,
// replacing any previous one. Admin only.
func (e *Endpoint) SetPeer(caller common.Address, chainID uint32, peer common.Hash) error {
	if err := e.acl.Require(caller, access.RoleAdmin); err != nil {
		return err
	}
	if chainID == e.localChainID {
		return ErrSelfPeer
	}
	if peer == (common.Hash{}) {
		return ErrZeroPeer
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.peers[chainID] = peer
	e.log.Info("peer set",
		log.Uint32("chainID", chainID),
		log.Stringer("peer", peer),
	)
	return nil
}

// Peer returns the trusted identity for a chain, if one is set.
func (e *Endpoint) Peer(chainID uint32) (common.Hash, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.peers[chainID]
	return p, ok
}

// =========================================================================
// Outbound
// =========================================================================

// EstimateFee quotes the transport fee for a message carrying the
// given vault set, without sending anything. For a report batch the
// representative payload embeds the live reports; for a request it
// embeds the vault identities.
func (e *Endpoint) EstimateFee(
	dstChainID uint32,
	msgType uint8,
	vaults []common.Address,
	rewardsDelegate common.Address,
	options []byte,
) (*big.Int, error) {
	payload, err := e.buildPayload(msgType, vaults, rewardsDelegate, options)
	if err != nil {
		return nil, err
	}
	return e.transport.QuoteFee(dstChainID, payload, options)
}

// SendSharePrices reads live share prices for the given vaults and
// dispatches them to the peer on dstChainID. value must cover the
// quoted transport fee; an under-funded call sends nothing.
func (e *Endpoint) SendSharePrices(
	caller common.Address,
	dstChainID uint32,
	vaults []common.Address,
	options []byte,
	rewardsDelegate common.Address,
	value *big.Int,
) error {
	if err := e.acl.Require(caller, access.RoleEndpoint); err != nil {
		return err
	}
	if len(vaults) == 0 {
		return ErrNoVaults
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.peers[dstChainID]; !ok {
		return ErrUnknownPeer
	}
	reports, err := e.router.GetSharePrices(vaults, rewardsDelegate)
	if err != nil {
		return err
	}
	payload, err := codec.EncodeSharePrices(reports, options)
	if err != nil {
		return err
	}
	if err := e.payAndSend(dstChainID, payload, options, value); err != nil {
		return err
	}
	e.log.Info("share prices sent",
		log.Uint32("dstChainID", dstChainID),
		log.Int("reports", len(reports)),
	)
	return nil
}

// RequestSharePrices asks the peer on dstChainID for its live share
// prices. returnOptions travels inside the payload and governs the
// reply leg; value must cover the send leg only, the reply leg is
// funded by the value delivered alongside the request on the remote
// side.
func (e *Endpoint) RequestSharePrices(
	caller common.Address,
	dstChainID uint32,
	vaults []common.Address,
	sendOptions, returnOptions []byte,
	rewardsDelegate common.Address,
	value *big.Int,
) error {
	if err := e.acl.Require(caller, access.RoleEndpoint); err != nil {
		return err
	}
	if len(vaults) == 0 {
		return ErrNoVaults
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.peers[dstChainID]; !ok {
		return ErrUnknownPeer
	}
	payload, err := codec.EncodeRequest(vaults, rewardsDelegate, returnOptions)
	if err != nil {
		return err
	}
	if err := e.payAndSend(dstChainID, payload, sendOptions, value); err != nil {
		return err
	}
	e.log.Info("share prices requested",
		log.Uint32("dstChainID", dstChainID),
		log.Int("vaults", len(vaults)),
	)
	return nil
}

// payAndSend quotes the transport and dispatches if value covers the
// fee. Caller holds the lock.
func (e *Endpoint) payAndSend(dstChainID uint32, payload, options []byte, value *big.Int) error {
	if value == nil {
		return ErrNilValue
	}
	fee, err := e.transport.QuoteFee(dstChainID, payload, options)
	if err != nil {
		return err
	}
	if value.Cmp(fee) < 0 {
		return ErrInsufficientFee
	}
	return e.transport.Send(dstChainID, payload, options, value)
}

// =========================================================================
// Inbound
// =========================================================================

// OnMessage is the sole inbound entrypoint, invoked by the transport
// integration with the message already authenticated at the transport
// layer. A report batch is pushed into the router; a request is
// answered autonomously with a reply batch funded by value. Any
// failure leaves no trace: nothing is sent, nothing is recorded, and
// a redelivery of the same message id can still apply.
func (e *Endpoint) OnMessage(
	caller common.Address,
	originChainID uint32,
	originIdentity common.Hash,
	messageID common.Hash,
	payload []byte,
	value *big.Int,
) error {
	if err := e.acl.Require(caller, access.RoleEndpoint); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	peer, ok := e.peers[originChainID]
	if !ok || peer != originIdentity {
		return ErrUnknownPeer
	}
	delivered, err := e.wasDelivered(messageID)
	if err != nil {
		return err
	}
	if delivered {
		return ErrMessageReplayed
	}

	msgType, err := codec.MessageType(payload)
	if err != nil {
		return err
	}
	switch msgType {
	case codec.MsgSharePrices:
		err = e.applyReports(originChainID, payload)
	case codec.MsgRequestSharePrices:
		err = e.answerRequest(originChainID, payload, value)
	}
	if err != nil {
		return err
	}

	e.recordDelivered(messageID)
	e.log.Info("message delivered",
		log.Uint32("originChainID", originChainID),
		log.Stringer("messageID", messageID),
	)
	return nil
}

// applyReports decodes a report batch and pushes it into the router.
func (e *Endpoint) applyReports(originChainID uint32, payload []byte) error {
	reports, _, err := codec.DecodeSharePrices(payload)
	if err != nil {
		return err
	}
	return e.router.UpdateSharePrices(e.self, originChainID, reports)
}

// answerRequest builds the reply batch for a vault-identity request
// and sends it back to the origin, funded by the delivered value and
// shaped by the options embedded in the request.
func (e *Endpoint) answerRequest(originChainID uint32, payload []byte, value *big.Int) error {
	vaults, rewardsDelegate, returnOptions, err := codec.DecodeRequest(payload)
	if err != nil {
		return err
	}
	if len(vaults) == 0 {
		return ErrNoVaults
	}
	reports, err := e.router.GetSharePrices(vaults, rewardsDelegate)
	if err != nil {
		return err
	}
	reply, err := codec.EncodeSharePrices(reports, returnOptions)
	if err != nil {
		return err
	}
	return e.payAndSend(originChainID, reply, returnOptions, value)
}

// =========================================================================
// Delivered set
// =========================================================================

func deliveredKey(messageID common.Hash) []byte {
	return append(append([]byte{}, deliveredPrefix...), messageID.Bytes()...)
}

// wasDelivered consults the in-memory set first, then the attached
// database for ids recorded before a restart. A failed read is an
// error, not a miss: replay protection fails closed rather than
// letting a flaky store readmit an old id. Caller holds the lock.
func (e *Endpoint) wasDelivered(messageID common.Hash) (bool, error) {
	if e.delivered[messageID] {
		return true, nil
	}
	if e.db == nil {
		return false, nil
	}
	ok, err := e.db.Has(deliveredKey(messageID))
	if err != nil {
		e.log.Warn("delivered set read failed",
			log.Stringer("messageID", messageID),
			log.Err(err),
		)
		return false, fmt.Errorf("%w: %w", ErrDeliveredSetRead, err)
	}
	if ok {
		e.delivered[messageID] = true
	}
	return ok, nil
}

// recordDelivered marks an id delivered, writing through to the
// attached database. Caller holds the lock.
func (e *Endpoint) recordDelivered(messageID common.Hash) {
	e.delivered[messageID] = true
	if e.db == nil {
		return
	}
	if err := e.db.Put(deliveredKey(messageID), []byte{1}); err != nil {
		e.log.Warn("delivered set persist failed",
			log.Stringer("messageID", messageID),
			log.Err(err),
		)
	}
}

// buildPayload constructs the representative payload used for fee
// quoting. For a report batch it embeds the current live reports so
// the quote reflects the real wire size.
func (e *Endpoint) buildPayload(msgType uint8, vaults []common.Address, rewardsDelegate common.Address, options []byte) ([]byte, error) {
	switch msgType {
	case codec.MsgSharePrices:
		reports, err := e.router.GetSharePrices(vaults, rewardsDelegate)
		if err != nil {
			return nil, err
		}
		return codec.EncodeSharePrices(reports, options)
	case codec.MsgRequestSharePrices:
		return codec.EncodeRequest(vaults, rewardsDelegate, options)
	default:
		return nil, ErrInvalidMsgType
	}
}
