package relay

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"

	"saferelay/internal/gasstation"
)

// ErrNotFound is returned by stores for missing records.
var ErrNotFound = errors.New("record not found")

// Store is the durability boundary. Relay records, predictions and gas
// snapshots must survive a restart so in-flight transactions resume
// tracking. Implementations live in internal/store.
type Store interface {
	// InsertRecord persists a new record (a new attempt in a lineage).
	InsertRecord(ctx context.Context, rec *Record) error
	// UpdateRecord persists mutable-field changes of an existing attempt.
	UpdateRecord(ctx context.Context, rec *Record) error
	// ActiveRecord returns the latest attempt for a request hash.
	ActiveRecord(ctx context.Context, requestHash common.Hash) (*Record, error)
	// RecordByChainTx returns the attempt that produced the given chain tx.
	RecordByChainTx(ctx context.Context, txHash common.Hash) (*Record, error)
	// RecordsByLineage lists every attempt for a request hash, ordered by
	// attempt.
	RecordsByLineage(ctx context.Context, requestHash common.Hash) ([]*Record, error)
	// RecordsByStatus lists attempts currently in any of the statuses.
	RecordsByStatus(ctx context.Context, statuses ...Status) ([]*Record, error)

	InsertPrediction(ctx context.Context, p *Prediction) error
	PredictionByKey(ctx context.Context, key common.Hash) (*Prediction, error)
	PredictionByAddress(ctx context.Context, addr common.Address) (*Prediction, error)
	MarkDeployed(ctx context.Context, addr common.Address) error

	SaveSnapshot(ctx context.Context, snap gasstation.Snapshot) error
	LatestSnapshot(ctx context.Context) (gasstation.Snapshot, error)
}
