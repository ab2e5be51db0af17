package safe

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

const signatureLength = 65 // r(32) ++ s(32) ++ v(1)

var (
	ErrTooFewSignatures    = errors.New("not enough valid signatures")
	ErrInvalidSignature    = errors.New("invalid signature")
	ErrUnknownSigner       = errors.New("signer is not an owner")
	ErrDuplicateSigner     = errors.New("duplicate signer")
	ErrSignaturesNotSorted = errors.New("signatures not sorted by signer address")
)

// Signature pairs a claimed signer with its 65-byte r||s||v signature.
type Signature struct {
	Signer common.Address
	Bytes  []byte
}

// VerifySignatures checks that sigs authorize hash under spec. Pure: it
// never touches chain state.
//
// Rules, all of them required:
//   - every signature recovers to its claimed signer,
//   - every signer is an owner of the wallet,
//   - no signer appears twice,
//   - signers are in strictly ascending address order (the canonical form
//     that keeps the packed signature-set encoding unambiguous),
//   - at least threshold signatures are present.
func VerifySignatures(hash common.Hash, spec WalletSpec, sigs []Signature) error {
	if len(sigs) < spec.Threshold {
		return fmt.Errorf("%w: have %d, need %d", ErrTooFewSignatures, len(sigs), spec.Threshold)
	}

	var prev common.Address
	for i, sig := range sigs {
		signer, err := RecoverSigner(hash, sig.Bytes)
		if err != nil {
			return fmt.Errorf("%w: position %d: %v", ErrInvalidSignature, i, err)
		}
		if signer != sig.Signer {
			return fmt.Errorf("%w: position %d recovered %s, claimed %s",
				ErrInvalidSignature, i, signer.Hex(), sig.Signer.Hex())
		}
		if !spec.IsOwner(signer) {
			return fmt.Errorf("%w: %s", ErrUnknownSigner, signer.Hex())
		}
		if i > 0 {
			switch bytes.Compare(prev.Bytes(), signer.Bytes()) {
			case 0:
				return fmt.Errorf("%w: %s", ErrDuplicateSigner, signer.Hex())
			case 1:
				return fmt.Errorf("%w: %s after %s", ErrSignaturesNotSorted, signer.Hex(), prev.Hex())
			}
		}
		prev = signer
	}
	return nil
}

// RecoverSigner returns the address that produced the 65-byte signature
// over hash. Accepts both v in {0,1} and the legacy {27,28} form.
func RecoverSigner(hash common.Hash, signature []byte) (common.Address, error) {
	if len(signature) != signatureLength {
		return common.Address{}, fmt.Errorf("signature must be %d bytes, got %d", signatureLength, len(signature))
	}
	sig := make([]byte, signatureLength)
	copy(sig, signature)
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	pub, err := crypto.SigToPub(hash.Bytes(), sig)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// PackSignatures concatenates signatures into the wallet contract's wire
// form, 65 bytes each in the given order.
func PackSignatures(sigs []Signature) []byte {
	out := make([]byte, 0, len(sigs)*signatureLength)
	for _, sig := range sigs {
		out = append(out, sig.Bytes...)
	}
	return out
}
