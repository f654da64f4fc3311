// Package notary writes payment receipts to BSV as OP_RETURN inscriptions
// and reads them back.
//
// An inscription output is
//
//	OP_FALSE OP_RETURN <"path402"> <content type> <TLV payload>
//
// where the payload encodes a Record. Records are advisory: a missing
// inscription never invalidates a ledger mutation.
package notary

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
)

const (
	// ProtocolTag is the first push of every inscription.
	ProtocolTag = "path402"

	// ContentType is the second push and names the payload encoding.
	ContentType = "application/x-path402-receipt"

	// PayloadVersion is written into every encoded record.
	PayloadVersion = 1
)

// TLV tags. Each field is tag(1) + uvarint length + value. Integers are
// little-endian.
const (
	tagVersion         = 0x01
	tagOriginNetwork   = 0x02
	tagOriginRef       = 0x03
	tagParty           = 0x04 // repeated, payer first
	tagAmount          = 0x05
	tagAsset           = 0x06
	tagSignatureDigest = 0x07
	tagTokenID         = 0x08
	tagUnits           = 0x09
	tagTimestamp       = 0x0A
)

// Receipt is what the ledger asks the notary to commit.
type Receipt struct {
	OriginNetwork string
	OriginRef     string
	Parties       []string
	Amount        uint64
	Asset         string
	Signature     []byte
	TokenID       string
	Units         uint64
	Timestamp     int64
}

// Record returns the publishable form of r: the signature is replaced by
// its SHA-256 digest.
func (r *Receipt) Record() *Record {
	var digest []byte
	if len(r.Signature) > 0 {
		sum := sha256.Sum256(r.Signature)
		digest = sum[:]
	}
	return &Record{
		Version:         PayloadVersion,
		OriginNetwork:   r.OriginNetwork,
		OriginRef:       r.OriginRef,
		Parties:         append([]string(nil), r.Parties...),
		Amount:          r.Amount,
		Asset:           r.Asset,
		SignatureDigest: digest,
		TokenID:         r.TokenID,
		Units:           r.Units,
		Timestamp:       r.Timestamp,
	}
}

// Record is the decoded inscription payload.
type Record struct {
	Version         uint32   `json:"version"`
	OriginNetwork   string   `json:"origin_network"`
	OriginRef       string   `json:"origin_ref"`
	Parties         []string `json:"parties"`
	Amount          uint64   `json:"amount"`
	Asset           string   `json:"asset,omitempty"`
	SignatureDigest []byte   `json:"signature_digest,omitempty"`
	TokenID         string   `json:"token_id,omitempty"`
	Units           uint64   `json:"units,omitempty"`
	Timestamp       int64    `json:"timestamp,omitempty"`
}

// Inscription is a committed record and where it lives on chain.
type Inscription struct {
	TxID   string  `json:"txid"`
	Vout   uint32  `json:"vout"`
	Record *Record `json:"record"`
}

// Encode serializes r into the TLV payload.
func (r *Record) Encode() ([]byte, error) {
	if r == nil {
		return nil, fmt.Errorf("%w: record", ErrNilParam)
	}
	if r.OriginNetwork == "" || r.OriginRef == "" {
		return nil, fmt.Errorf("%w: origin network and ref are required", ErrInvalidPayload)
	}
	version := r.Version
	if version == 0 {
		version = PayloadVersion
	}

	var buf []byte
	buf = appendUint32Field(buf, tagVersion, version)
	buf = appendStringField(buf, tagOriginNetwork, r.OriginNetwork)
	buf = appendStringField(buf, tagOriginRef, r.OriginRef)
	for _, p := range r.Parties {
		buf = appendStringField(buf, tagParty, p)
	}
	buf = appendUint64Field(buf, tagAmount, r.Amount)
	if r.Asset != "" {
		buf = appendStringField(buf, tagAsset, r.Asset)
	}
	if len(r.SignatureDigest) > 0 {
		buf = appendBytesField(buf, tagSignatureDigest, r.SignatureDigest)
	}
	if r.TokenID != "" {
		buf = appendStringField(buf, tagTokenID, r.TokenID)
	}
	if r.Units > 0 {
		buf = appendUint64Field(buf, tagUnits, r.Units)
	}
	if r.Timestamp != 0 {
		buf = appendUint64Field(buf, tagTimestamp, uint64(r.Timestamp))
	}
	return buf, nil
}

// DecodeRecord parses a TLV payload. Unknown tags are skipped.
func DecodeRecord(data []byte) (*Record, error) {
	r := &Record{}
	offset := 0
	for offset < len(data) {
		tag := data[offset]
		offset++

		length, n := binary.Uvarint(data[offset:])
		if n <= 0 {
			return nil, fmt.Errorf("%w: bad length for tag 0x%02x at offset %d", ErrInvalidPayload, tag, offset)
		}
		offset += n
		if length > uint64(len(data)-offset) {
			return nil, fmt.Errorf("%w: truncated value for tag 0x%02x", ErrInvalidPayload, tag)
		}
		value := data[offset : offset+int(length)]
		offset += int(length)

		switch tag {
		case tagVersion:
			if length != 4 {
				return nil, fmt.Errorf("%w: version is %d bytes", ErrInvalidPayload, length)
			}
			r.Version = binary.LittleEndian.Uint32(value)
		case tagOriginNetwork:
			r.OriginNetwork = string(value)
		case tagOriginRef:
			r.OriginRef = string(value)
		case tagParty:
			r.Parties = append(r.Parties, string(value))
		case tagAmount:
			if length != 8 {
				return nil, fmt.Errorf("%w: amount is %d bytes", ErrInvalidPayload, length)
			}
			r.Amount = binary.LittleEndian.Uint64(value)
		case tagAsset:
			r.Asset = string(value)
		case tagSignatureDigest:
			r.SignatureDigest = bytes.Clone(value)
		case tagTokenID:
			r.TokenID = string(value)
		case tagUnits:
			if length == 8 {
				r.Units = binary.LittleEndian.Uint64(value)
			}
		case tagTimestamp:
			if length == 8 {
				r.Timestamp = int64(binary.LittleEndian.Uint64(value))
			}
		}
	}
	if r.Version == 0 {
		return nil, fmt.Errorf("%w: missing version", ErrInvalidPayload)
	}
	return r, nil
}

func appendUvarint(buf []byte, x uint64) []byte {
	return binary.AppendUvarint(buf, x)
}

func appendUint32Field(buf []byte, tag byte, val uint32) []byte {
	buf = append(buf, tag)
	buf = appendUvarint(buf, 4)
	return binary.LittleEndian.AppendUint32(buf, val)
}

func appendUint64Field(buf []byte, tag byte, val uint64) []byte {
	buf = append(buf, tag)
	buf = appendUvarint(buf, 8)
	return binary.LittleEndian.AppendUint64(buf, val)
}

func appendStringField(buf []byte, tag byte, val string) []byte {
	return appendBytesField(buf, tag, []byte(val))
}

func appendBytesField(buf []byte, tag byte, data []byte) []byte {
	buf = append(buf, tag)
	buf = appendUvarint(buf, uint64(len(data)))
	return append(buf, data...)
}
