package tx

import (
	"encoding/binary"
	"fmt"

	"github.com/bsv-blockchain/go-sdk/script"
)

const (
	// DustLimit is the minimum P2PKH output value in satoshis.
	DustLimit = uint64(546)

	// DefaultFeeRate is the default fee rate in sat/KB.
	DefaultFeeRate = uint64(1)

	// TxIDLen is the length of a transaction ID.
	TxIDLen = 32

	// MaxDataPush bounds a single OP_RETURN push.
	MaxDataPush = 100_000
)

// BuildOPReturnScript creates an OP_FALSE OP_RETURN script from data pushes.
func BuildOPReturnScript(pushes [][]byte) (*script.Script, error) {
	if len(pushes) == 0 {
		return nil, fmt.Errorf("%w: no data pushes", ErrInvalidPayload)
	}
	s := &script.Script{}
	*s = append(*s, script.Op0, script.OpRETURN)
	for i, push := range pushes {
		if len(push) > MaxDataPush {
			return nil, fmt.Errorf("%w: push %d is %d bytes", ErrInvalidPayload, i, len(push))
		}
		if err := s.AppendPushData(push); err != nil {
			return nil, fmt.Errorf("%w: OP_RETURN push data: %w", ErrScriptBuild, err)
		}
	}
	return s, nil
}

// ParseOPReturnScript returns the data pushes of an OP_FALSE OP_RETURN
// script. Scripts that are not data carriers return ErrInvalidOPReturn.
func ParseOPReturnScript(b []byte) ([][]byte, error) {
	if len(b) < 2 || b[0] != script.Op0 || b[1] != script.OpRETURN {
		return nil, fmt.Errorf("%w: missing OP_FALSE OP_RETURN prefix", ErrInvalidOPReturn)
	}
	var pushes [][]byte
	pos := 2
	for pos < len(b) {
		op := b[pos]
		pos++

		var n int
		switch {
		case op == script.Op0:
			pushes = append(pushes, []byte{})
			continue
		case op <= 75:
			n = int(op)
		case op >= script.Op1 && op <= script.Op16:
			pushes = append(pushes, []byte{op - script.Op1 + 1})
			continue
		case op == script.OpPUSHDATA1:
			if pos+1 > len(b) {
				return nil, fmt.Errorf("%w: truncated PUSHDATA1", ErrInvalidOPReturn)
			}
			n = int(b[pos])
			pos++
		case op == script.OpPUSHDATA2:
			if pos+2 > len(b) {
				return nil, fmt.Errorf("%w: truncated PUSHDATA2", ErrInvalidOPReturn)
			}
			n = int(binary.LittleEndian.Uint16(b[pos:]))
			pos += 2
		case op == script.OpPUSHDATA4:
			if pos+4 > len(b) {
				return nil, fmt.Errorf("%w: truncated PUSHDATA4", ErrInvalidOPReturn)
			}
			n = int(binary.LittleEndian.Uint32(b[pos:]))
			pos += 4
		default:
			return nil, fmt.Errorf("%w: unexpected opcode 0x%02x", ErrInvalidOPReturn, op)
		}

		if n < 0 || pos+n > len(b) {
			return nil, fmt.Errorf("%w: push of %d bytes overruns script", ErrInvalidOPReturn, n)
		}
		pushes = append(pushes, b[pos:pos+n])
		pos += n
	}
	return pushes, nil
}

// EstimateFee returns ceil(txSizeBytes * feeRate / 1000).
func EstimateFee(txSizeBytes int, feeRate uint64) uint64 {
	if feeRate == 0 {
		feeRate = DefaultFeeRate
	}
	fee := uint64(txSizeBytes) * feeRate
	return (fee + 999) / 1000
}

// EstimateTxSize estimates the signed size of a transaction with P2PKH
// inputs, P2PKH outputs and data outputs carrying dataBytes in total.
func EstimateTxSize(numInputs, numOutputs, numDataOutputs, dataBytes int) int {
	// version + locktime + two count varints
	base := 10
	// prevout(36) + script len(1) + sig/pubkey(~107) + sequence(4)
	inputs := numInputs * 148
	// value(8) + script len(1) + script(25)
	outputs := numOutputs * 34
	// value(8) + script len(3) + OP_FALSE OP_RETURN + push headers
	data := numDataOutputs*13 + dataBytes + 5*numDataOutputs
	return base + inputs + outputs + data
}
