package safe

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Predictor derives the deterministic future address of a not-yet-deployed
// wallet. No chain access is involved: the factory address and creation
// bytecode are fixed artifacts held by the registry. Identical specs always
// map to the identical address; changing any field changes it.
type Predictor struct {
	registry *Registry

	mu    sync.RWMutex
	cache map[common.Hash]common.Address
}

func NewPredictor(registry *Registry) *Predictor {
	return &Predictor{
		registry: registry,
		cache:    make(map[common.Hash]common.Address),
	}
}

// Predict computes the CREATE2 address for spec:
//
//	salt     = keccak256(keccak256(initializer) ++ uint256(saltNonce))
//	initCode = proxyCreationCode ++ abi(masterCopy)
//	address  = keccak256(0xff ++ factory ++ salt ++ keccak256(initCode))[12:]
//
// The cache is an optimization only; recomputation always yields the same
// result.
func (p *Predictor) Predict(spec WalletSpec) (common.Address, error) {
	if err := spec.Validate(); err != nil {
		return common.Address{}, err
	}

	key := spec.Key()
	p.mu.RLock()
	addr, ok := p.cache[key]
	p.mu.RUnlock()
	if ok {
		return addr, nil
	}

	mc, err := p.registry.Get(spec.Version)
	if err != nil {
		return common.Address{}, err
	}
	initializer, err := p.registry.InitializerFor(spec)
	if err != nil {
		return common.Address{}, err
	}

	saltNonce, err := encodeUint256(spec.SaltNonce)
	if err != nil {
		return common.Address{}, err
	}
	salt := crypto.Keccak256Hash(crypto.Keccak256(initializer), saltNonce)

	initCode := append(append([]byte{}, mc.CreationCode...), encodeAddress(mc.Address)...)
	addr = crypto.CreateAddress2(mc.Factory, salt, crypto.Keccak256(initCode))

	p.mu.Lock()
	p.cache[key] = addr
	p.mu.Unlock()
	return addr, nil
}
