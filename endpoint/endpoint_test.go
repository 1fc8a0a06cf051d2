// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package endpoint

import (
	"errors"
	"math/big"
	"testing"

	"github.com/luxfi/database"
	"github.com/luxfi/database/memdb"
	"github.com/luxfi/geth/common"

	"github.com/luxfi/shareprice/access"
	"github.com/luxfi/shareprice/codec"
	"github.com/luxfi/shareprice/oracle"
)

const (
	localChain   uint32 = 96369
	foreignChain uint32 = 137
)

var (
	admin    = common.BytesToAddress([]byte{0x01})
	operator = common.BytesToAddress([]byte{0x02})
	selfID   = common.BytesToAddress([]byte{0x03})
	stranger = common.BytesToAddress([]byte{0x04})

	peerID = common.BytesToHash([]byte{0xAA})
	msgID  = common.BytesToHash([]byte{0xE1})
)

// sentMsg captures one transport dispatch.
type sentMsg struct {
	dstChainID uint32
	payload    []byte
	options    []byte
	value      *big.Int
}

// mockTransport quotes a flat fee and records sends.
type mockTransport struct {
	fee      *big.Int
	quoteErr error
	sendErr  error
	sent     []sentMsg
}

func (m *mockTransport) QuoteFee(uint32, []byte, []byte) (*big.Int, error) {
	if m.quoteErr != nil {
		return nil, m.quoteErr
	}
	return new(big.Int).Set(m.fee), nil
}

func (m *mockTransport) Send(dst uint32, payload, options []byte, value *big.Int) error {
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, sentMsg{dst, payload, options, value})
	return nil
}

// mockRouter serves canned reports and records inbound pushes.
type mockRouter struct {
	reports  []oracle.VaultReport
	getErr   error
	pushErr  error
	pushed   []oracle.VaultReport
	pushedBy common.Address
	pushedCh uint32
}

func (m *mockRouter) GetSharePrices([]common.Address, common.Address) ([]oracle.VaultReport, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	return m.reports, nil
}

func (m *mockRouter) UpdateSharePrices(caller common.Address, srcChainID uint32, reports []oracle.VaultReport) error {
	if m.pushErr != nil {
		return m.pushErr
	}
	m.pushedBy = caller
	m.pushedCh = srcChainID
	m.pushed = reports
	return nil
}

func testReport() oracle.VaultReport {
	return oracle.VaultReport{
		ChainID:       localChain,
		Vault:         common.BytesToAddress([]byte{0x10}),
		Asset:         common.BytesToAddress([]byte{0x11}),
		AssetDecimals: 18,
		SharePrice:    big.NewInt(1e18),
		LastUpdate:    1_700_000_000,
	}
}

func newFixture(t *testing.T) (*Endpoint, *mockTransport, *mockRouter) {
	t.Helper()
	acl := access.NewControlList(admin)
	if err := acl.Grant(admin, operator, access.RoleEndpoint); err != nil {
		t.Fatal(err)
	}
	if err := acl.Grant(admin, selfID, access.RoleEndpoint); err != nil {
		t.Fatal(err)
	}
	tr := &mockTransport{fee: big.NewInt(100)}
	rt := &mockRouter{reports: []oracle.VaultReport{testReport()}}
	e, err := New(localChain, selfID, acl, tr, rt)
	if err != nil {
		t.Fatal(err)
	}
	if err := e.SetPeer(admin, foreignChain, peerID); err != nil {
		t.Fatal(err)
	}
	return e, tr, rt
}

func TestSetPeerValidation(t *testing.T) {
	e, _, _ := newFixture(t)

	if err := e.SetPeer(stranger, 1, peerID); !errors.Is(err, access.ErrUnauthorized) {
		t.Errorf("non-admin SetPeer: got %v", err)
	}
	if err := e.SetPeer(admin, localChain, peerID); !errors.Is(err, ErrSelfPeer) {
		t.Errorf("self-chain peer: got %v", err)
	}
	if err := e.SetPeer(admin, 1, common.Hash{}); !errors.Is(err, ErrZeroPeer) {
		t.Errorf("zero peer: got %v", err)
	}

	// Replacement is allowed; one peer per chain.
	next := common.BytesToHash([]byte{0xBB})
	if err := e.SetPeer(admin, foreignChain, next); err != nil {
		t.Fatal(err)
	}
	if got, ok := e.Peer(foreignChain); !ok || got != next {
		t.Errorf("peer not replaced: got %v", got)
	}
}

func TestSendSharePrices(t *testing.T) {
	e, tr, _ := newFixture(t)
	vaults := []common.Address{common.BytesToAddress([]byte{0x10})}

	if err := e.SendSharePrices(stranger, foreignChain, vaults, nil, common.Address{}, big.NewInt(100)); !errors.Is(err, access.ErrUnauthorized) {
		t.Errorf("unauthorized caller: got %v", err)
	}
	if err := e.SendSharePrices(operator, 555, vaults, nil, common.Address{}, big.NewInt(100)); !errors.Is(err, ErrUnknownPeer) {
		t.Errorf("unknown peer: got %v", err)
	}
	if err := e.SendSharePrices(operator, foreignChain, nil, nil, common.Address{}, big.NewInt(100)); !errors.Is(err, ErrNoVaults) {
		t.Errorf("empty vault set: got %v", err)
	}
	if err := e.SendSharePrices(operator, foreignChain, vaults, nil, common.Address{}, big.NewInt(99)); !errors.Is(err, ErrInsufficientFee) {
		t.Errorf("under-funded: got %v", err)
	}
	if len(tr.sent) != 0 {
		t.Fatalf("nothing should have been dispatched, got %d sends", len(tr.sent))
	}

	if err := e.SendSharePrices(operator, foreignChain, vaults, []byte{0x01}, common.Address{}, big.NewInt(100)); err != nil {
		t.Fatal(err)
	}
	if len(tr.sent) != 1 {
		t.Fatalf("expected 1 send, got %d", len(tr.sent))
	}
	reports, _, err := codec.DecodeSharePrices(tr.sent[0].payload)
	if err != nil {
		t.Fatal(err)
	}
	want := testReport()
	if len(reports) != 1 || !reports[0].Equal(&want) {
		t.Errorf("dispatched payload does not carry the live report")
	}
}

func TestRequestSharePrices(t *testing.T) {
	e, tr, _ := newFixture(t)
	vaults := []common.Address{common.BytesToAddress([]byte{0x10})}
	returnOpts := []byte("reply-leg")

	if err := e.RequestSharePrices(operator, foreignChain, vaults, nil, returnOpts, stranger, big.NewInt(99)); !errors.Is(err, ErrInsufficientFee) {
		t.Errorf("under-funded request: got %v", err)
	}
	if err := e.RequestSharePrices(operator, foreignChain, vaults, []byte{0x02}, returnOpts, stranger, big.NewInt(100)); err != nil {
		t.Fatal(err)
	}
	if len(tr.sent) != 1 {
		t.Fatalf("expected 1 send, got %d", len(tr.sent))
	}

	gotVaults, gotDelegate, gotOpts, err := codec.DecodeRequest(tr.sent[0].payload)
	if err != nil {
		t.Fatal(err)
	}
	if len(gotVaults) != 1 || gotVaults[0] != vaults[0] {
		t.Errorf("request vaults not embedded")
	}
	if gotDelegate != stranger {
		t.Errorf("rewards delegate not embedded")
	}
	if string(gotOpts) != string(returnOpts) {
		t.Errorf("return options not embedded: got %q", gotOpts)
	}
}

func TestEstimateFee(t *testing.T) {
	e, tr, _ := newFixture(t)
	tr.fee = big.NewInt(42)
	vaults := []common.Address{common.BytesToAddress([]byte{0x10})}

	for _, mt := range []uint8{codec.MsgSharePrices, codec.MsgRequestSharePrices} {
		fee, err := e.EstimateFee(foreignChain, mt, vaults, common.Address{}, nil)
		if err != nil {
			t.Fatal(err)
		}
		if fee.Cmp(big.NewInt(42)) != 0 {
			t.Errorf("type %d: fee = %v, want 42", mt, fee)
		}
	}
	if _, err := e.EstimateFee(foreignChain, 9, vaults, common.Address{}, nil); !errors.Is(err, ErrInvalidMsgType) {
		t.Errorf("bad msg type: got %v", err)
	}
	if len(tr.sent) != 0 {
		t.Fatalf("fee estimation must not dispatch")
	}
}

func TestOnMessageReports(t *testing.T) {
	e, _, rt := newFixture(t)
	payload, err := codec.EncodeSharePrices([]oracle.VaultReport{testReport()}, nil)
	if err != nil {
		t.Fatal(err)
	}

	if err := e.OnMessage(stranger, foreignChain, peerID, msgID, payload, big.NewInt(0)); !errors.Is(err, access.ErrUnauthorized) {
		t.Errorf("unauthorized caller: got %v", err)
	}
	if err := e.OnMessage(operator, 555, peerID, msgID, payload, big.NewInt(0)); !errors.Is(err, ErrUnknownPeer) {
		t.Errorf("no peer for chain: got %v", err)
	}
	wrongPeer := common.BytesToHash([]byte{0xFF})
	if err := e.OnMessage(operator, foreignChain, wrongPeer, msgID, payload, big.NewInt(0)); !errors.Is(err, ErrUnknownPeer) {
		t.Errorf("identity mismatch: got %v", err)
	}
	if rt.pushed != nil {
		t.Fatal("nothing should have reached the router")
	}

	if err := e.OnMessage(operator, foreignChain, peerID, msgID, payload, big.NewInt(0)); err != nil {
		t.Fatal(err)
	}
	if rt.pushedBy != selfID || rt.pushedCh != foreignChain || len(rt.pushed) != 1 {
		t.Errorf("report batch not forwarded to router as self")
	}
}

func TestOnMessageReplay(t *testing.T) {
	e, _, rt := newFixture(t)
	payload, err := codec.EncodeSharePrices([]oracle.VaultReport{testReport()}, nil)
	if err != nil {
		t.Fatal(err)
	}

	if err := e.OnMessage(operator, foreignChain, peerID, msgID, payload, big.NewInt(0)); err != nil {
		t.Fatal(err)
	}
	rt.pushed = nil
	if err := e.OnMessage(operator, foreignChain, peerID, msgID, payload, big.NewInt(0)); !errors.Is(err, ErrMessageReplayed) {
		t.Errorf("replay: got %v", err)
	}
	if rt.pushed != nil {
		t.Error("replayed message must not reach the router")
	}

	// A distinct id carrying the same payload is a fresh delivery.
	other := common.BytesToHash([]byte{0xE2})
	if err := e.OnMessage(operator, foreignChain, peerID, other, payload, big.NewInt(0)); err != nil {
		t.Fatal(err)
	}
}

func TestOnMessageFailureLeavesNoTrace(t *testing.T) {
	e, _, rt := newFixture(t)
	payload, err := codec.EncodeSharePrices([]oracle.VaultReport{testReport()}, nil)
	if err != nil {
		t.Fatal(err)
	}

	rt.pushErr = errors.New("router rejected batch")
	if err := e.OnMessage(operator, foreignChain, peerID, msgID, payload, big.NewInt(0)); err == nil {
		t.Fatal("expected push failure to surface")
	}

	// The id was not recorded, so redelivery applies cleanly.
	rt.pushErr = nil
	if err := e.OnMessage(operator, foreignChain, peerID, msgID, payload, big.NewInt(0)); err != nil {
		t.Fatalf("redelivery after failure: %v", err)
	}
	if len(rt.pushed) != 1 {
		t.Error("redelivered batch did not reach the router")
	}
}

func TestOnMessageRequestReply(t *testing.T) {
	e, tr, _ := newFixture(t)
	vaults := []common.Address{common.BytesToAddress([]byte{0x10})}
	returnOpts := []byte("reply-leg")
	payload, err := codec.EncodeRequest(vaults, stranger, returnOpts)
	if err != nil {
		t.Fatal(err)
	}

	// Reply leg is funded by the delivered value.
	if err := e.OnMessage(operator, foreignChain, peerID, msgID, payload, big.NewInt(99)); !errors.Is(err, ErrInsufficientFee) {
		t.Errorf("under-funded reply: got %v", err)
	}
	if len(tr.sent) != 0 {
		t.Fatal("under-funded request must not be answered")
	}

	// Failure did not burn the id.
	if err := e.OnMessage(operator, foreignChain, peerID, msgID, payload, big.NewInt(100)); err != nil {
		t.Fatal(err)
	}
	if len(tr.sent) != 1 {
		t.Fatalf("expected 1 reply, got %d", len(tr.sent))
	}
	if tr.sent[0].dstChainID != foreignChain {
		t.Errorf("reply sent to chain %d, want %d", tr.sent[0].dstChainID, foreignChain)
	}
	if string(tr.sent[0].options) != string(returnOpts) {
		t.Errorf("reply leg options = %q, want embedded return options", tr.sent[0].options)
	}

	reports, gotOpts, err := codec.DecodeSharePrices(tr.sent[0].payload)
	if err != nil {
		t.Fatal(err)
	}
	want := testReport()
	if len(reports) != 1 || !reports[0].Equal(&want) {
		t.Error("reply does not carry the live report")
	}
	if string(gotOpts) != string(returnOpts) {
		t.Errorf("reply payload options = %q", gotOpts)
	}
}

func TestOnMessageMalformedPayload(t *testing.T) {
	e, _, _ := newFixture(t)

	if err := e.OnMessage(operator, foreignChain, peerID, msgID, []byte{0x09}, big.NewInt(0)); !errors.Is(err, codec.ErrUnknownMessageType) {
		t.Errorf("bad discriminant: got %v", err)
	}
	good, err := codec.EncodeSharePrices([]oracle.VaultReport{testReport()}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := e.OnMessage(operator, foreignChain, peerID, msgID, good[:len(good)-1], big.NewInt(0)); !errors.Is(err, codec.ErrShortPayload) {
		t.Errorf("truncated payload: got %v", err)
	}

	// The id is still usable after the malformed attempts.
	if err := e.OnMessage(operator, foreignChain, peerID, msgID, good, big.NewInt(0)); err != nil {
		t.Fatal(err)
	}
}

// faultyDB delegates to a real store but fails reads on demand.
type faultyDB struct {
	database.Database
	hasErr error
}

func (f *faultyDB) Has(key []byte) (bool, error) {
	if f.hasErr != nil {
		return false, f.hasErr
	}
	return f.Database.Has(key)
}

// An unreadable delivered set must fail the delivery, not degrade
// replay protection to best-effort.
func TestDeliveredSetReadFailureFailsClosed(t *testing.T) {
	db := &faultyDB{Database: memdb.New(), hasErr: errors.New("store unavailable")}
	e, _, rt := newFixture(t)
	e.SetDatabase(db)
	payload, err := codec.EncodeSharePrices([]oracle.VaultReport{testReport()}, nil)
	if err != nil {
		t.Fatal(err)
	}

	if err := e.OnMessage(operator, foreignChain, peerID, msgID, payload, big.NewInt(0)); !errors.Is(err, ErrDeliveredSetRead) {
		t.Fatalf("expected ErrDeliveredSetRead, got %v", err)
	}
	if rt.pushed != nil {
		t.Fatal("failed replay check must not reach the router")
	}

	// The store recovers; the same id delivers once and only once.
	db.hasErr = nil
	if err := e.OnMessage(operator, foreignChain, peerID, msgID, payload, big.NewInt(0)); err != nil {
		t.Fatal(err)
	}
	if err := e.OnMessage(operator, foreignChain, peerID, msgID, payload, big.NewInt(0)); !errors.Is(err, ErrMessageReplayed) {
		t.Fatalf("expected ErrMessageReplayed, got %v", err)
	}
}

func TestDeliveredSetPersistence(t *testing.T) {
	db := memdb.New()

	e, _, _ := newFixture(t)
	e.SetDatabase(db)
	payload, err := codec.EncodeSharePrices([]oracle.VaultReport{testReport()}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := e.OnMessage(operator, foreignChain, peerID, msgID, payload, big.NewInt(0)); err != nil {
		t.Fatal(err)
	}

	// A fresh endpoint over the same database still rejects the id.
	e2, _, _ := newFixture(t)
	e2.SetDatabase(db)
	if err := e2.OnMessage(operator, foreignChain, peerID, msgID, payload, big.NewInt(0)); !errors.Is(err, ErrMessageReplayed) {
		t.Errorf("replay across restart: got %v", err)
	}
}
