package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"saferelay/internal/chain"
)

type TrackerConfig struct {
	// SweepInterval is how often the background sweep runs.
	SweepInterval time.Duration
	// ConfirmationDepth is how many blocks must sit on top of the
	// including block before a transaction is final.
	ConfirmationDepth uint64
	// ReplaceAfter is how long a broadcast transaction may stay unmined
	// before the fee-bump replacement path fires.
	ReplaceAfter time.Duration
}

func (c *TrackerConfig) applyDefaults() {
	if c.SweepInterval <= 0 {
		c.SweepInterval = 15 * time.Second
	}
	if c.ConfirmationDepth == 0 {
		c.ConfirmationDepth = 6
	}
	if c.ReplaceAfter <= 0 {
		c.ReplaceAfter = 5 * time.Minute
	}
}

// Tracker is the back half of the relay state machine. It owns every
// transition after BROADCAST: inclusion, confirmation depth, reorg
// demotion, foreign nonce consumption and the replacement watchdog.
type Tracker struct {
	cfg    TrackerConfig
	client chain.Client
	store  Store
	seq    *Sequencer
	engine *Engine
	logger *slog.Logger
	now    func() time.Time

	sweeping atomic.Bool
}

func NewTracker(cfg TrackerConfig, client chain.Client, store Store, seq *Sequencer, engine *Engine, logger *slog.Logger) *Tracker {
	cfg.applyDefaults()
	return &Tracker{
		cfg:    cfg,
		client: client,
		store:  store,
		seq:    seq,
		engine: engine,
		logger: logger,
		now:    time.Now,
	}
}

// SetClock overrides the time source. Test hook.
func (t *Tracker) SetClock(now func() time.Time) { t.now = now }

func (t *Tracker) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(t.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := t.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
					t.logger.Error("confirmation sweep failed", "error", err)
				}
			}
		}
	}()
}

// Sweep walks every in-flight record once and applies whatever transition
// the chain state dictates. Idempotent; overlapping invocations collapse
// into the running one.
func (t *Tracker) Sweep(ctx context.Context) error {
	if !t.sweeping.CompareAndSwap(false, true) {
		return nil
	}
	defer t.sweeping.Store(false)

	recs, err := t.store.RecordsByStatus(ctx, StatusBroadcast, StatusMined)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		return nil
	}

	head, err := t.client.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("block height: %w", err)
	}

	for _, rec := range recs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := t.track(ctx, rec, head); err != nil {
			t.logger.Error("tracking failed",
				"request", rec.RequestHash.Hex(),
				"tx", rec.ChainTxHash.Hex(),
				"error", err)
		}
	}
	return nil
}

func (t *Tracker) track(ctx context.Context, rec *Record, head uint64) error {
	receipt, err := t.client.TransactionReceipt(ctx, rec.ChainTxHash)
	if err != nil && !errors.Is(err, ethereum.NotFound) {
		return err
	}

	switch rec.Status {
	case StatusBroadcast:
		if receipt != nil {
			return t.markMined(ctx, rec, receipt, head)
		}
		return t.handleUnmined(ctx, rec, head)
	case StatusMined:
		if receipt == nil {
			return t.demote(ctx, rec)
		}
		return t.advanceConfirmations(ctx, rec, receipt, head)
	}
	return nil
}

func (t *Tracker) markMined(ctx context.Context, rec *Record, receipt *types.Receipt, head uint64) error {
	if err := rec.Transition(StatusMined); err != nil {
		return err
	}
	block := receipt.BlockNumber.Uint64()
	rec.BlockNumber = &block
	rec.Confirmations = confirmations(head, block)
	// A reverted execution is not a relay failure: inclusion happened and
	// the relayer was paid. The two outcomes stay separate.
	rec.ExecutionFailed = receipt.Status == types.ReceiptStatusFailed
	rec.UpdatedAt = t.now()
	if err := t.store.UpdateRecord(ctx, rec); err != nil {
		return err
	}
	t.logger.Info("relayed transaction mined",
		"request", rec.RequestHash.Hex(),
		"tx", rec.ChainTxHash.Hex(),
		"block", block,
		"execution_failed", rec.ExecutionFailed)
	return t.advanceConfirmations(ctx, rec, receipt, head)
}

func (t *Tracker) advanceConfirmations(ctx context.Context, rec *Record, receipt *types.Receipt, head uint64) error {
	block := receipt.BlockNumber.Uint64()
	rec.Confirmations = confirmations(head, block)
	if rec.Confirmations < t.cfg.ConfirmationDepth {
		rec.UpdatedAt = t.now()
		return t.store.UpdateRecord(ctx, rec)
	}

	if err := rec.Transition(StatusConfirmed); err != nil {
		return err
	}
	rec.UpdatedAt = t.now()
	if err := t.store.UpdateRecord(ctx, rec); err != nil {
		return err
	}
	t.seq.Confirm(rec.FundingAccount, rec.AssignedNonce)

	if rec.Request.Deploy && !rec.ExecutionFailed {
		if err := t.store.MarkDeployed(ctx, rec.Request.Wallet); err != nil {
			return fmt.Errorf("deployment promotion: %w", err)
		}
	}
	t.logger.Info("relayed transaction confirmed",
		"request", rec.RequestHash.Hex(),
		"tx", rec.ChainTxHash.Hex(),
		"confirmations", rec.Confirmations)
	return nil
}

// demote pushes a record whose block vanished from the canonical chain
// back to BROADCAST. Not a failure: the transaction is back in flight and
// stays eligible for the replacement watchdog.
func (t *Tracker) demote(ctx context.Context, rec *Record) error {
	if err := rec.Transition(StatusBroadcast); err != nil {
		return err
	}
	rec.BlockNumber = nil
	rec.Confirmations = 0
	rec.ExecutionFailed = false
	rec.BroadcastAt = t.now()
	rec.UpdatedAt = t.now()
	if err := t.store.UpdateRecord(ctx, rec); err != nil {
		return err
	}
	t.logger.Warn("relayed transaction displaced by reorg",
		"request", rec.RequestHash.Hex(),
		"tx", rec.ChainTxHash.Hex())
	return nil
}

func (t *Tracker) handleUnmined(ctx context.Context, rec *Record, head uint64) error {
	chainNonce, err := t.client.NonceAt(ctx, rec.FundingAccount, nil)
	if err != nil {
		return err
	}
	if chainNonce > rec.AssignedNonce {
		// The nonce was consumed while this attempt stayed unmined. The
		// consumer can still be this relay's own work: a fee-bumped sibling
		// of the same lineage, or this very transaction mining between the
		// receipt lookup and the NonceAt call. Only a transaction the relay
		// never produced is a failure.
		receipt, err := t.client.TransactionReceipt(ctx, rec.ChainTxHash)
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			return err
		}
		if receipt != nil {
			return t.markMined(ctx, rec, receipt, head)
		}
		winner, winnerReceipt, err := t.minedSibling(ctx, rec)
		if err != nil {
			return err
		}
		if winner != nil {
			return t.promoteSibling(ctx, rec, winner, winnerReceipt, head)
		}

		if err := rec.Transition(StatusFailed); err != nil {
			return err
		}
		rec.LastError = ErrNonceConflict.Error()
		rec.UpdatedAt = t.now()
		if err := t.store.UpdateRecord(ctx, rec); err != nil {
			return err
		}
		t.seq.Confirm(rec.FundingAccount, rec.AssignedNonce)
		t.logger.Error("funding nonce consumed by foreign transaction",
			"request", rec.RequestHash.Hex(),
			"tx", rec.ChainTxHash.Hex(),
			"nonce", rec.AssignedNonce)
		return nil
	}

	if t.now().Sub(rec.BroadcastAt) < t.cfg.ReplaceAfter {
		return nil
	}
	_, err = t.engine.Replace(ctx, rec)
	return err
}

// minedSibling scans the other attempts of rec's lineage for one whose
// transaction made it on chain.
func (t *Tracker) minedSibling(ctx context.Context, rec *Record) (*Record, *types.Receipt, error) {
	attempts, err := t.store.RecordsByLineage(ctx, rec.RequestHash)
	if err != nil {
		return nil, nil, err
	}
	for _, sib := range attempts {
		if sib.Attempt == rec.Attempt || sib.ChainTxHash == (common.Hash{}) {
			continue
		}
		receipt, err := t.client.TransactionReceipt(ctx, sib.ChainTxHash)
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			return nil, nil, err
		}
		if receipt != nil {
			return sib, receipt, nil
		}
	}
	return nil, nil, nil
}

// promoteSibling hands the lineage outcome to the attempt that actually
// mined and marks the still-unmined active attempt as superseded by it.
// The winner is usually a REPLACED original that beat its own fee bump.
func (t *Tracker) promoteSibling(ctx context.Context, rec, winner *Record, receipt *types.Receipt, head uint64) error {
	if err := t.markMined(ctx, winner, receipt, head); err != nil {
		return err
	}
	if err := rec.Transition(StatusReplaced); err != nil {
		return err
	}
	rec.ReplacedBy = winner.ChainTxHash
	rec.UpdatedAt = t.now()
	if err := t.store.UpdateRecord(ctx, rec); err != nil {
		return err
	}
	t.logger.Info("earlier attempt won the nonce race",
		"request", rec.RequestHash.Hex(),
		"losing_tx", rec.ChainTxHash.Hex(),
		"mined_tx", winner.ChainTxHash.Hex(),
		"nonce", rec.AssignedNonce)
	return nil
}

func confirmations(head, block uint64) uint64 {
	if head < block {
		return 0
	}
	return head - block + 1
}
