package relay

import (
	"errors"
	"fmt"
)

var (
	// ErrRequestNotFound means no relayed transaction matches the hash.
	ErrRequestNotFound = errors.New("relay request not found")
	// ErrAlreadyBroadcast guards withdrawal: once a transaction may be in
	// the network it can only be superseded, never cancelled.
	ErrAlreadyBroadcast = errors.New("transaction already broadcast, withdrawal impossible")
	// ErrNonceConflict means the funding nonce was consumed by a
	// transaction this relay never sent.
	ErrNonceConflict = errors.New("funding nonce consumed by a foreign transaction")
	// ErrWithdrawn means the caller withdrew the request while it was still
	// in the pre-broadcast pipeline.
	ErrWithdrawn = errors.New("request withdrawn before broadcast")
)

// ValidationKind classifies request rejections. Validation failures are
// local and final: the request is REJECTED without chain interaction and
// never retried.
type ValidationKind string

const (
	BadRequest        ValidationKind = "bad_request"
	BadSignature      ValidationKind = "bad_signature"
	UnknownWallet     ValidationKind = "unknown_wallet"
	WalletNotDeployed ValidationKind = "wallet_not_deployed"
	NonceMismatch     ValidationKind = "nonce_mismatch"
	GasOutOfBounds    ValidationKind = "gas_out_of_bounds"
	InsufficientFunds ValidationKind = "insufficient_funds"
)

type ValidationError struct {
	Kind ValidationKind
	Err  error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed (%s): %v", e.Kind, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

func validationErr(kind ValidationKind, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// IsValidation reports whether err is a request-rejecting validation error.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
