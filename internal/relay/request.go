package relay

import (
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"saferelay/internal/gasstation"
	"saferelay/internal/safe"
)

// Operation types understood by the wallet contract.
const (
	OperationCall         uint8 = 0
	OperationDelegateCall uint8 = 1
)

// Request is a candidate transaction submitted for relaying. Immutable
// once accepted; its identity is the wallet transaction hash over every
// consensus-relevant field, which makes resubmissions of the same payload
// collapse into one relayed transaction.
type Request struct {
	Wallet         common.Address
	To             common.Address
	Value          *big.Int
	Data           []byte
	Operation      uint8
	GasToken       common.Address
	SafeTxGas      *big.Int
	BaseGas        *big.Int
	GasPrice       *big.Int
	RefundReceiver common.Address
	Nonce          *big.Int
	Signatures     []safe.Signature

	// Deploy marks the deployment of the wallet itself as the requested
	// operation; the relay then targets the proxy factory instead of the
	// wallet.
	Deploy bool

	// GasTier picks which published recommendation prices the funding
	// transaction. Defaults to standard.
	GasTier gasstation.Tier
}

func (r Request) Validate() error {
	if r.Wallet == (common.Address{}) {
		return errors.New("wallet address is required")
	}
	if r.Operation > OperationDelegateCall {
		return errors.New("operation must be 0 (CALL) or 1 (DELEGATECALL)")
	}
	if r.Nonce == nil || r.Nonce.Sign() < 0 {
		return errors.New("nonce must be a non-negative integer")
	}
	for _, v := range []*big.Int{r.Value, r.SafeTxGas, r.BaseGas, r.GasPrice} {
		if v != nil && v.Sign() < 0 {
			return errors.New("wei and gas fields must be non-negative")
		}
	}
	if len(r.Signatures) == 0 {
		return errors.New("at least one signature is required")
	}
	return nil
}

// Message converts the request into the hashable wallet payload.
func (r Request) Message() safe.TxMessage {
	return safe.TxMessage{
		To:             r.To,
		Value:          r.Value,
		Data:           r.Data,
		Operation:      r.Operation,
		SafeTxGas:      r.SafeTxGas,
		BaseGas:        r.BaseGas,
		GasPrice:       r.GasPrice,
		GasToken:       r.GasToken,
		RefundReceiver: r.RefundReceiver,
		Nonce:          r.Nonce,
	}
}

// Hash computes the request's identifying wallet transaction hash. The
// master-copy version participates through the type hash, so the same
// payload against different wallet revisions never collides.
func (r Request) Hash(version safe.Version) (common.Hash, error) {
	return safe.TxHash(version, r.Wallet, r.Message())
}
