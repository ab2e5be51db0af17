package safe

import "github.com/ethereum/go-ethereum/common"

// The execution entrypoint kept the same argument types across revisions
// (only a field name changed), so a single selector serves every version.
const execTransactionSig = "execTransaction(address,uint256,bytes,uint8,uint256,uint256,uint256,address,address,bytes)"

const createProxyWithNonceSig = "createProxyWithNonce(address,bytes,uint256)"

// EncodeExecution builds the calldata that makes the wallet at the relayed
// address run msg with the packed owner signatures attached.
func EncodeExecution(msg TxMessage, packedSignatures []byte) ([]byte, error) {
	data := msg.Data
	if data == nil {
		data = []byte{}
	}
	return encodeCall(execTransactionSig,
		msg.To,
		orZero(msg.Value),
		data,
		uint8ToBig(msg.Operation),
		orZero(msg.SafeTxGas),
		orZero(msg.BaseGas),
		orZero(msg.GasPrice),
		msg.GasToken,
		msg.RefundReceiver,
		packedSignatures,
	)
}

// EncodeDeployment builds the factory calldata that deploys the wallet for
// spec at its predicted address.
func (r *Registry) EncodeDeployment(spec WalletSpec) (factory common.Address, calldata []byte, err error) {
	mc, err := r.Get(spec.Version)
	if err != nil {
		return common.Address{}, nil, err
	}
	initializer, err := r.InitializerFor(spec)
	if err != nil {
		return common.Address{}, nil, err
	}
	calldata, err = encodeCall(createProxyWithNonceSig, mc.Address, initializer, spec.SaltNonce)
	if err != nil {
		return common.Address{}, nil, err
	}
	return mc.Factory, calldata, nil
}
