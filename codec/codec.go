// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package codec implements the stateless wire encoding for cross-chain
// share price traffic. Two payload shapes are distinguished by a
// leading type discriminant: a vault-report batch and a vault-identity
// request. The layout is self-describing (variable-length arrays carry
// their own count prefixes) and decode(encode(x)) == x exactly,
// including for empty and maximum-size lists.
package codec

import (
	"encoding/binary"
	"errors"
	"math/big"

	"github.com/holiman/uint256"
	"github.com/luxfi/geth/common"

	"github.com/luxfi/shareprice/oracle"
)

// Message type discriminants.
const (
	MsgSharePrices        uint8 = 1
	MsgRequestSharePrices uint8 = 2
)

// Size limits enforced symmetrically on encode and decode.
const (
	MaxReports = 64
	MaxVaults  = 64
	MaxOptions = 65535
)

// Wire widths.
const (
	reportSize = 4 + common.AddressLength*2 + 1 + 32 + 8 + common.AddressLength // 105
	headerSize = 1 + 2                                                          // type + count
)

var (
	ErrShortPayload       = errors.New("payload truncated")
	ErrTrailingBytes      = errors.New("payload has trailing bytes")
	ErrUnknownMessageType = errors.New("unknown message type")
	ErrTooManyReports     = errors.New("report count exceeds maximum")
	ErrTooManyVaults      = errors.New("vault count exceeds maximum")
	ErrOptionsTooLong     = errors.New("options trailer too long")
	ErrValueOutOfRange    = errors.New("share price out of encodable range")
)

// MessageType peeks the discriminant without decoding the body.
func MessageType(b []byte) (uint8, error) {
	if len(b) == 0 {
		return 0, ErrShortPayload
	}
	switch b[0] {
	case MsgSharePrices, MsgRequestSharePrices:
		return b[0], nil
	default:
		return 0, ErrUnknownMessageType
	}
}

// EncodeSharePrices encodes a type-1 vault-report batch with an
// opaque options trailer.
func EncodeSharePrices(reports []oracle.VaultReport, options []byte) ([]byte, error) {
	if len(reports) > MaxReports {
		return nil, ErrTooManyReports
	}
	if len(options) > MaxOptions {
		return nil, ErrOptionsTooLong
	}

	out := make([]byte, 0, headerSize+len(reports)*reportSize+2+len(options))
	out = append(out, MsgSharePrices)
	out = binary.BigEndian.AppendUint16(out, uint16(len(reports)))
	for i := range reports {
		rep := &reports[i]
		price, err := encodePrice(rep.SharePrice)
		if err != nil {
			return nil, err
		}
		out = binary.BigEndian.AppendUint32(out, rep.ChainID)
		out = append(out, rep.Vault.Bytes()...)
		out = append(out, rep.Asset.Bytes()...)
		out = append(out, rep.AssetDecimals)
		out = append(out, price[:]...)
		out = binary.BigEndian.AppendUint64(out, rep.LastUpdate)
		out = append(out, rep.RewardsDelegate.Bytes()...)
	}
	return appendOptions(out, options), nil
}

// DecodeSharePrices decodes a type-1 payload produced by
// EncodeSharePrices. The payload must be exact: truncation and
// trailing bytes are both errors.
func DecodeSharePrices(b []byte) ([]oracle.VaultReport, []byte, error) {
	if len(b) < headerSize {
		return nil, nil, ErrShortPayload
	}
	if b[0] != MsgSharePrices {
		return nil, nil, ErrUnknownMessageType
	}
	count := int(binary.BigEndian.Uint16(b[1:3]))
	if count > MaxReports {
		return nil, nil, ErrTooManyReports
	}
	body := b[3:]
	if len(body) < count*reportSize {
		return nil, nil, ErrShortPayload
	}

	reports := make([]oracle.VaultReport, count)
	for i := 0; i < count; i++ {
		r := body[i*reportSize : (i+1)*reportSize]
		reports[i] = oracle.VaultReport{
			ChainID:         binary.BigEndian.Uint32(r[0:4]),
			Vault:           common.BytesToAddress(r[4:24]),
			Asset:           common.BytesToAddress(r[24:44]),
			AssetDecimals:   r[44],
			SharePrice:      new(uint256.Int).SetBytes(r[45:77]).ToBig(),
			LastUpdate:      binary.BigEndian.Uint64(r[77:85]),
			RewardsDelegate: common.BytesToAddress(r[85:105]),
		}
	}

	options, err := decodeOptions(body[count*reportSize:])
	if err != nil {
		return nil, nil, err
	}
	return reports, options, nil
}

// EncodeRequest encodes a type-2 vault-identity request. options is
// the return-leg options trailer, interpreted only by the transport.
func EncodeRequest(vaults []common.Address, rewardsDelegate common.Address, options []byte) ([]byte, error) {
	if len(vaults) > MaxVaults {
		return nil, ErrTooManyVaults
	}
	if len(options) > MaxOptions {
		return nil, ErrOptionsTooLong
	}

	out := make([]byte, 0, headerSize+len(vaults)*common.AddressLength+common.AddressLength+2+len(options))
	out = append(out, MsgRequestSharePrices)
	out = binary.BigEndian.AppendUint16(out, uint16(len(vaults)))
	for _, v := range vaults {
		out = append(out, v.Bytes()...)
	}
	out = append(out, rewardsDelegate.Bytes()...)
	return appendOptions(out, options), nil
}

// DecodeRequest decodes a type-2 payload produced by EncodeRequest.
func DecodeRequest(b []byte) ([]common.Address, common.Address, []byte, error) {
	if len(b) < headerSize {
		return nil, common.Address{}, nil, ErrShortPayload
	}
	if b[0] != MsgRequestSharePrices {
		return nil, common.Address{}, nil, ErrUnknownMessageType
	}
	count := int(binary.BigEndian.Uint16(b[1:3]))
	if count > MaxVaults {
		return nil, common.Address{}, nil, ErrTooManyVaults
	}
	body := b[3:]
	if len(body) < (count+1)*common.AddressLength {
		return nil, common.Address{}, nil, ErrShortPayload
	}

	vaults := make([]common.Address, count)
	for i := 0; i < count; i++ {
		vaults[i] = common.BytesToAddress(body[i*common.AddressLength : (i+1)*common.AddressLength])
	}
	delegate := common.BytesToAddress(body[count*common.AddressLength : (count+1)*common.AddressLength])

	options, err := decodeOptions(body[(count+1)*common.AddressLength:])
	if err != nil {
		return nil, common.Address{}, nil, err
	}
	return vaults, delegate, options, nil
}

// encodePrice packs a share price into a 32-byte big-endian word.
// Nil, negative, and 256-bit-overflowing values are unencodable.
func encodePrice(v *big.Int) ([32]byte, error) {
	if v == nil || v.Sign() < 0 {
		return [32]byte{}, ErrValueOutOfRange
	}
	u, overflow := uint256.FromBig(v)
	if overflow {
		return [32]byte{}, ErrValueOutOfRange
	}
	return u.Bytes32(), nil
}

func appendOptions(out, options []byte) []byte {
	out = binary.BigEndian.AppendUint16(out, uint16(len(options)))
	return append(out, options...)
}

// decodeOptions reads the uint16-length options trailer; it must
// consume the remainder of the payload exactly.
func decodeOptions(b []byte) ([]byte, error) {
	if len(b) < 2 {
		return nil, ErrShortPayload
	}
	n := int(binary.BigEndian.Uint16(b[:2]))
	rest := b[2:]
	if len(rest) < n {
		return nil, ErrShortPayload
	}
	if len(rest) > n {
		return nil, ErrTrailingBytes
	}
	options := make([]byte, n)
	copy(options, rest)
	return options, nil
}
