package safe

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// WalletSpec describes a multi-owner wallet before it exists on chain.
// The predicted deployment address is a pure function of these fields, so
// a spec must never be mutated once an address has been handed out.
type WalletSpec struct {
	Owners    []common.Address
	Threshold int
	SaltNonce *big.Int
	Version   Version
}

func (s WalletSpec) Validate() error {
	if len(s.Owners) == 0 {
		return errors.New("at least one owner is required")
	}
	seen := make(map[common.Address]struct{}, len(s.Owners))
	for _, owner := range s.Owners {
		if owner == (common.Address{}) {
			return errors.New("zero address cannot be an owner")
		}
		if _, ok := seen[owner]; ok {
			return fmt.Errorf("duplicate owner %s", owner.Hex())
		}
		seen[owner] = struct{}{}
	}
	if s.Threshold < 1 || s.Threshold > len(s.Owners) {
		return fmt.Errorf("threshold must be between 1 and %d, got %d", len(s.Owners), s.Threshold)
	}
	if s.SaltNonce == nil || s.SaltNonce.Sign() < 0 {
		return errors.New("saltNonce must be a non-negative integer")
	}
	if s.Version == "" {
		return errors.New("masterCopyVersion is required")
	}
	return nil
}

// IsOwner reports whether addr is one of the registered owners.
func (s WalletSpec) IsOwner(addr common.Address) bool {
	for _, owner := range s.Owners {
		if owner == addr {
			return true
		}
	}
	return false
}

// Key returns a digest over every field, used for cache and dedup keys.
func (s WalletSpec) Key() common.Hash {
	var buf []byte
	for _, owner := range s.Owners {
		buf = append(buf, owner.Bytes()...)
	}
	buf = append(buf, common.LeftPadBytes(big.NewInt(int64(s.Threshold)).Bytes(), 32)...)
	if s.SaltNonce != nil {
		buf = append(buf, common.LeftPadBytes(s.SaltNonce.Bytes(), 32)...)
	}
	buf = append(buf, []byte(s.Version)...)
	return crypto.Keccak256Hash(buf)
}
