package chain

import (
	"context"
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum"
)

// Node responses that retrying the identical transaction cannot fix.
var permanentMessages = []string{
	"nonce too low",
	"replacement transaction underpriced",
	"transaction underpriced",
	"already known",
	"invalid sender",
	"exceeds block gas limit",
	"insufficient funds",
	"intrinsic gas too low",
}

// IsPermanent reports whether err is a node rejection that a retry with the
// same payload would hit again. Network and timeout errors are transient.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ethereum.NotFound) {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, m := range permanentMessages {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// AlreadyKnown reports whether err means the node already holds the
// transaction. For the relay this counts as a successful broadcast.
func AlreadyKnown(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already known") || strings.Contains(msg, "known transaction")
}
