package tx

import (
	"fmt"

	"github.com/bsv-blockchain/go-sdk/chainhash"
	"github.com/bsv-blockchain/go-sdk/script"
	"github.com/bsv-blockchain/go-sdk/transaction"
	"github.com/bsv-blockchain/go-sdk/transaction/template/p2pkh"
)

// Builder assembles a signed settlement transaction: P2PKH inputs, any mix
// of data (OP_RETURN) and payment outputs, then change back to the funder.
type Builder struct {
	inputs     []*UTXO
	outputs    []*transaction.TransactionOutput
	dataBytes  int
	numData    int
	changeHash []byte
	feeRate    uint64
}

// Built is a signed transaction ready for broadcast.
type Built struct {
	RawTx  []byte
	TxID   string // display hex
	Hex    string
	Fee    uint64
	Change *UTXO // nil when change would be dust
}

// NewBuilder creates an empty Builder using DefaultFeeRate.
func NewBuilder() *Builder {
	return &Builder{feeRate: DefaultFeeRate}
}

// AddInput adds a UTXO to spend. Its PrivateKey signs the input.
func (b *Builder) AddInput(utxo *UTXO) *Builder {
	b.inputs = append(b.inputs, utxo)
	return b
}

// AddDataOutput appends a zero-value OP_FALSE OP_RETURN output and returns
// its output index.
func (b *Builder) AddDataOutput(pushes ...[]byte) (uint32, error) {
	s, err := BuildOPReturnScript(pushes)
	if err != nil {
		return 0, err
	}
	b.outputs = append(b.outputs, &transaction.TransactionOutput{Satoshis: 0, LockingScript: s})
	b.dataBytes += len(*s)
	b.numData++
	return uint32(len(b.outputs) - 1), nil
}

// AddPaymentToAddress appends a P2PKH output paying a base58 address.
func (b *Builder) AddPaymentToAddress(address string, satoshis uint64) (uint32, error) {
	addr, err := script.NewAddressFromString(address)
	if err != nil {
		return 0, fmt.Errorf("%w: address %q: %w", ErrInvalidParams, address, err)
	}
	lock, err := p2pkh.Lock(addr)
	if err != nil {
		return 0, fmt.Errorf("%w: P2PKH lock: %w", ErrScriptBuild, err)
	}
	return b.addPayment(lock, satoshis)
}

// AddPaymentScript appends an output with a caller-supplied locking script,
// such as one returned by a paymail payment destination.
func (b *Builder) AddPaymentScript(lockingScript []byte, satoshis uint64) (uint32, error) {
	if len(lockingScript) == 0 {
		return 0, fmt.Errorf("%w: empty locking script", ErrInvalidParams)
	}
	return b.addPayment(script.NewFromBytes(lockingScript), satoshis)
}

func (b *Builder) addPayment(lock *script.Script, satoshis uint64) (uint32, error) {
	if satoshis < DustLimit {
		return 0, fmt.Errorf("%w: %d sat is below the dust limit", ErrInvalidParams, satoshis)
	}
	b.outputs = append(b.outputs, &transaction.TransactionOutput{Satoshis: satoshis, LockingScript: lock})
	return uint32(len(b.outputs) - 1), nil
}

// SetChange sets the 20-byte public key hash that receives change.
func (b *Builder) SetChange(pubKeyHash []byte) *Builder {
	b.changeHash = pubKeyHash
	return b
}

// SetFeeRate sets the fee rate in sat/KB.
func (b *Builder) SetFeeRate(rate uint64) *Builder {
	b.feeRate = rate
	return b
}

// Fee returns the fee Build would charge with the current inputs and
// outputs, assuming a change output.
func (b *Builder) Fee() uint64 {
	payments := len(b.outputs) - b.numData
	size := EstimateTxSize(len(b.inputs), payments+1, b.numData, b.dataBytes)
	return EstimateFee(size, b.feeRate)
}

// Required returns the satoshis the inputs must cover: every payment plus
// the fee.
func (b *Builder) Required() uint64 {
	var total uint64
	for _, o := range b.outputs {
		total += o.Satoshis
	}
	return total + b.Fee()
}

// Build constructs and signs the transaction. Outputs keep the order they
// were added in; change, if above dust, comes last.
func (b *Builder) Build() (*Built, error) {
	if len(b.outputs) == 0 {
		return nil, ErrNoOutputs
	}
	if len(b.inputs) == 0 {
		return nil, fmt.Errorf("%w: no inputs", ErrNilParam)
	}
	var available uint64
	for i, in := range b.inputs {
		if in == nil {
			return nil, fmt.Errorf("%w: input[%d]", ErrNilParam, i)
		}
		if len(in.TxID) != TxIDLen {
			return nil, fmt.Errorf("%w: input[%d] txid is %d bytes", ErrInvalidParams, i, len(in.TxID))
		}
		available += in.Amount
	}

	fee := b.Fee()
	required := b.Required()
	if available < required {
		return nil, fmt.Errorf("%w: need %d sat, have %d sat", ErrInsufficientFunds, required, available)
	}

	sdkTx := transaction.NewTransaction()
	for _, in := range b.inputs {
		hash, err := chainhash.NewHash(in.TxID)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid UTXO TxID: %w", ErrScriptBuild, err)
		}
		sdkTx.AddInput(&transaction.TransactionInput{
			SourceTXID:       hash,
			SourceTxOutIndex: in.Vout,
			SequenceNumber:   transaction.DefaultSequenceNumber,
		})
	}
	sdkTx.Outputs = append(sdkTx.Outputs, b.outputs...)

	var change *UTXO
	changeAmount := available - required
	if changeAmount > DustLimit {
		if len(b.changeHash) != 20 {
			return nil, fmt.Errorf("%w: change requires a 20-byte public key hash", ErrInvalidParams)
		}
		out, err := BuildP2PKHOutput(b.changeHash, changeAmount)
		if err != nil {
			return nil, err
		}
		sdkTx.Outputs = append(sdkTx.Outputs, out)
		change = &UTXO{
			Vout:         uint32(len(sdkTx.Outputs) - 1),
			Amount:       changeAmount,
			ScriptPubKey: []byte(*out.LockingScript),
		}
	} else {
		// Sub-dust change goes to the miner.
		fee += changeAmount
	}

	if err := signInputs(sdkTx, b.inputs); err != nil {
		return nil, err
	}

	txid := sdkTx.TxID()
	if change != nil {
		change.TxID = txid.CloneBytes()
	}
	return &Built{
		RawTx:  sdkTx.Bytes(),
		TxID:   txid.String(),
		Hex:    sdkTx.Hex(),
		Fee:    fee,
		Change: change,
	}, nil
}
