package relay

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"saferelay/internal/safe"
)

// Status is the lifecycle state of a relayed transaction.
type Status string

const (
	StatusReceived    Status = "RECEIVED"
	StatusValidated   Status = "VALIDATED"
	StatusGasReserved Status = "GAS_RESERVED"
	StatusBroadcast   Status = "BROADCAST"
	StatusMined       Status = "MINED"
	StatusConfirmed   Status = "CONFIRMED"
	StatusRejected    Status = "REJECTED"
	StatusFailed      Status = "FAILED"
	StatusReplaced    Status = "REPLACED"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusConfirmed, StatusRejected, StatusFailed:
		return true
	}
	return false
}

// transitions is the full state machine. MINED regressing to BROADCAST is
// the reorg path; any in-flight state may fail when the nonce is observed
// consumed by a foreign transaction. A REPLACED attempt is still signed
// and in the network, so it may yet win the same-nonce race and mine.
var transitions = map[Status][]Status{
	StatusReceived:    {StatusValidated, StatusRejected, StatusFailed},
	StatusValidated:   {StatusGasReserved, StatusRejected, StatusFailed},
	StatusGasReserved: {StatusBroadcast, StatusRejected, StatusFailed},
	StatusBroadcast:   {StatusMined, StatusReplaced, StatusFailed},
	StatusMined:       {StatusConfirmed, StatusBroadcast, StatusFailed},
	StatusReplaced:    {StatusMined},
	StatusFailed:      {},
	StatusConfirmed:   {},
	StatusRejected:    {},
}

func (s Status) canTransitionTo(to Status) bool {
	for _, t := range transitions[s] {
		if t == to {
			return true
		}
	}
	return false
}

// Record tracks one attempt at relaying a request. Replacement creates a
// fresh Record sharing RequestHash and AssignedNonce with the REPLACED
// original; Attempt numbers the lineage. Request-time transitions
// (RECEIVED through BROADCAST) belong to the engine, inclusion-driven ones
// to the tracker; the record is handed off at the BROADCAST boundary.
type Record struct {
	RequestHash    common.Hash
	Request        Request
	Attempt        int
	ChainTxHash    common.Hash
	FundingAccount common.Address
	AssignedNonce  uint64
	GasPriceUsed   *big.Int
	GasLimitUsed   uint64
	Status         Status
	BlockNumber    *uint64
	Confirmations  uint64

	// ExecutionFailed marks an on-chain revert of the relayed call. The
	// relay itself succeeded (the transaction was mined and paid for);
	// the two outcomes are surfaced independently.
	ExecutionFailed bool

	LastError  string
	ReplacedBy common.Hash

	CreatedAt   time.Time
	UpdatedAt   time.Time
	BroadcastAt time.Time
}

// Transition moves the record to a new status, enforcing the state
// machine. An illegal transition is a programming error, surfaced loudly.
func (r *Record) Transition(to Status) error {
	if !r.Status.canTransitionTo(to) {
		return fmt.Errorf("illegal status transition %s -> %s for request %s",
			r.Status, to, r.RequestHash.Hex())
	}
	r.Status = to
	return nil
}

// Prediction is a persisted deterministic address derivation. Deployed
// flips to true exactly once, on confirmed on-chain deployment, and the
// address is never recomputed afterwards.
type Prediction struct {
	SpecKey   common.Hash
	Spec      safe.WalletSpec
	Address   common.Address
	Deployed  bool
	CreatedAt time.Time
}
