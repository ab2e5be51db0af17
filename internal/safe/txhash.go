package safe

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// The wallet contracts only bind the verifying contract in their domain.
var domainTypeHash = crypto.Keccak256Hash([]byte("EIP712Domain(address verifyingContract)"))

// TxMessage is the payload hashed into a wallet transaction hash. Amounts
// are wei, OperationType 0 is CALL and 1 is DELEGATECALL.
type TxMessage struct {
	To             common.Address
	Value          *big.Int
	Data           []byte
	Operation      uint8
	SafeTxGas      *big.Int
	BaseGas        *big.Int
	GasPrice       *big.Int
	GasToken       common.Address
	RefundReceiver common.Address
	Nonce          *big.Int
}

// TxHash computes the EIP-712 hash identifying msg for the wallet at
// walletAddr. The struct type hash differs across master-copy versions
// (dataGas vs baseGas), so the version tag selects it.
func TxHash(version Version, walletAddr common.Address, msg TxMessage) (common.Hash, error) {
	ops, err := opsFor(version)
	if err != nil {
		return common.Hash{}, err
	}

	fields := []*big.Int{
		msg.Value, msg.SafeTxGas, msg.BaseGas, msg.GasPrice, msg.Nonce,
	}
	enc := make([][]byte, 5)
	for i, f := range fields {
		if f == nil {
			f = big.NewInt(0)
		}
		w, err := encodeUint256(f)
		if err != nil {
			return common.Hash{}, err
		}
		enc[i] = w
	}

	structHash := crypto.Keccak256Hash(
		ops.txTypeHash.Bytes(),
		encodeAddress(msg.To),
		enc[0], // value
		crypto.Keccak256(msg.Data),
		common.LeftPadBytes([]byte{msg.Operation}, 32),
		enc[1], // safeTxGas
		enc[2], // baseGas / dataGas
		enc[3], // gasPrice
		encodeAddress(msg.GasToken),
		encodeAddress(msg.RefundReceiver),
		enc[4], // nonce
	)

	domainSeparator := crypto.Keccak256Hash(
		domainTypeHash.Bytes(),
		encodeAddress(walletAddr),
	)

	return crypto.Keccak256Hash(
		[]byte{0x19, 0x01},
		domainSeparator.Bytes(),
		structHash.Bytes(),
	), nil
}
