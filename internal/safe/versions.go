package safe

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Version tags a master-copy revision of the wallet contract. Revisions are
// not ABI-compatible with each other: the setup call and the transaction
// type hash both changed across them, so every version carries its own
// encoding capabilities and all of them stay valid concurrently.
type Version string

const (
	V0_1_0 Version = "0.1.0"
	V1_0_0 Version = "1.0.0"
	V1_1_1 Version = "1.1.1"
)

var ErrUnsupportedVersion = errors.New("unsupported master copy version")

// versionOps is the capability set dispatched on the version tag.
type versionOps struct {
	txTypeHash  common.Hash
	encodeSetup func(spec WalletSpec) ([]byte, error)
}

var versionTable = map[Version]versionOps{
	// Pre-1.0.0 wallets name the reimbursement field dataGas.
	V0_1_0: {
		txTypeHash: crypto.Keccak256Hash([]byte(
			"SafeTx(address to,uint256 value,bytes data,uint8 operation,uint256 safeTxGas,uint256 dataGas,uint256 gasPrice,address gasToken,address refundReceiver,uint256 nonce)")),
		encodeSetup: func(spec WalletSpec) ([]byte, error) {
			return encodeCall("setup(address[],uint256,address,bytes)",
				spec.Owners, big.NewInt(int64(spec.Threshold)), common.Address{}, []byte{})
		},
	},
	V1_0_0: {
		txTypeHash: crypto.Keccak256Hash([]byte(
			"SafeTx(address to,uint256 value,bytes data,uint8 operation,uint256 safeTxGas,uint256 baseGas,uint256 gasPrice,address gasToken,address refundReceiver,uint256 nonce)")),
		encodeSetup: func(spec WalletSpec) ([]byte, error) {
			return encodeCall("setup(address[],uint256,address,bytes,address,uint256,address)",
				spec.Owners, big.NewInt(int64(spec.Threshold)), common.Address{}, []byte{},
				common.Address{}, big.NewInt(0), common.Address{})
		},
	},
	// 1.1.1 adds the fallback handler parameter to setup.
	V1_1_1: {
		txTypeHash: crypto.Keccak256Hash([]byte(
			"SafeTx(address to,uint256 value,bytes data,uint8 operation,uint256 safeTxGas,uint256 baseGas,uint256 gasPrice,address gasToken,address refundReceiver,uint256 nonce)")),
		encodeSetup: func(spec WalletSpec) ([]byte, error) {
			return encodeCall("setup(address[],uint256,address,bytes,address,address,uint256,address)",
				spec.Owners, big.NewInt(int64(spec.Threshold)), common.Address{}, []byte{},
				common.Address{}, common.Address{}, big.NewInt(0), common.Address{})
		},
	},
}

func opsFor(v Version) (versionOps, error) {
	ops, ok := versionTable[v]
	if !ok {
		return versionOps{}, fmt.Errorf("%w: %q", ErrUnsupportedVersion, v)
	}
	return ops, nil
}

// MasterCopy binds a supported version to its on-chain artifacts: the
// master copy address, the proxy factory that deploys wallets for it and
// the proxy creation bytecode the factory uses. The bytecode is a fixed
// versioned artifact supplied through configuration.
type MasterCopy struct {
	Version      Version
	Address      common.Address
	Factory      common.Address
	CreationCode []byte
}

// Registry holds every master copy the relay accepts.
type Registry struct {
	copies map[Version]MasterCopy
}

func NewRegistry(copies []MasterCopy) (*Registry, error) {
	if len(copies) == 0 {
		return nil, errors.New("at least one master copy is required")
	}
	m := make(map[Version]MasterCopy, len(copies))
	for _, mc := range copies {
		if _, err := opsFor(mc.Version); err != nil {
			return nil, err
		}
		if mc.Address == (common.Address{}) || mc.Factory == (common.Address{}) {
			return nil, fmt.Errorf("master copy %s: address and factory are required", mc.Version)
		}
		if len(mc.CreationCode) == 0 {
			return nil, fmt.Errorf("master copy %s: proxy creation code is required", mc.Version)
		}
		if _, ok := m[mc.Version]; ok {
			return nil, fmt.Errorf("master copy %s declared twice", mc.Version)
		}
		m[mc.Version] = mc
	}
	return &Registry{copies: m}, nil
}

func (r *Registry) Get(v Version) (MasterCopy, error) {
	mc, ok := r.copies[v]
	if !ok {
		return MasterCopy{}, fmt.Errorf("%w: %q", ErrUnsupportedVersion, v)
	}
	return mc, nil
}

// InitializerFor returns the setup calldata a factory would run when
// deploying a wallet for spec.
func (r *Registry) InitializerFor(spec WalletSpec) ([]byte, error) {
	if _, err := r.Get(spec.Version); err != nil {
		return nil, err
	}
	ops, err := opsFor(spec.Version)
	if err != nil {
		return nil, err
	}
	return ops.encodeSetup(spec)
}
