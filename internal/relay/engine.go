package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"saferelay/internal/chain"
	"saferelay/internal/gasstation"
	"saferelay/internal/safe"
	"saferelay/internal/util"
)

// Signer signs funding-account transactions. *keys.Manager satisfies it.
type Signer interface {
	SignTransaction(addr common.Address, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

var walletNonceCall = crypto.Keccak256([]byte("nonce()"))[:4]

type EngineConfig struct {
	ChainID        *big.Int
	FundingAccount common.Address

	// MaxGasPriceWei caps the price the relay will ever pay, bounding its
	// exposure regardless of tier recommendations or caller wishes.
	MaxGasPriceWei *big.Int
	// MaxTxGas bounds requested safeTxGas+baseGas.
	MaxTxGas *big.Int

	GasLimitMultiplier float64
	BroadcastAttempts  int
	BroadcastBackoff   time.Duration
	BumpPercent        int64

	// AllowStalePrices lets relaying proceed on a snapshot past the
	// staleness ceiling. Off by default.
	AllowStalePrices bool
	// RequireRefund rejects requests whose internal gas price would not
	// refund the relay (zero, or below the slow tier).
	RequireRefund bool
	// RejectRevertingCalls pre-flights the wallet call and rejects
	// requests that would revert, so callers do not pay for doomed
	// executions. When false the call is relayed anyway and the wallet
	// owner bears the cost of the revert.
	RejectRevertingCalls bool
}

func (c *EngineConfig) applyDefaults() {
	if c.GasLimitMultiplier <= 0 {
		c.GasLimitMultiplier = 1.3
	}
	if c.BroadcastAttempts <= 0 {
		c.BroadcastAttempts = 3
	}
	if c.BroadcastBackoff <= 0 {
		c.BroadcastBackoff = time.Second
	}
	if c.BumpPercent <= 0 {
		c.BumpPercent = 20
	}
}

// Engine is the relay state machine front half: it validates candidate
// transactions, reserves gas, signs with the funding key and broadcasts.
// Everything after BROADCAST belongs to the Tracker.
type Engine struct {
	cfg       EngineConfig
	client    chain.Client
	station   *gasstation.Station
	seq       *Sequencer
	store     Store
	signer    Signer
	registry  *safe.Registry
	predictor *safe.Predictor
	logger    *slog.Logger
	now       func() time.Time

	// submitMu serializes the dedup-check-then-insert step so identical
	// concurrent submissions collapse to a single record.
	submitMu sync.Mutex
}

func NewEngine(cfg EngineConfig, client chain.Client, station *gasstation.Station, seq *Sequencer,
	store Store, signer Signer, registry *safe.Registry, logger *slog.Logger) (*Engine, error) {
	if cfg.ChainID == nil || cfg.ChainID.Sign() <= 0 {
		return nil, errors.New("chain id is required")
	}
	if cfg.FundingAccount == (common.Address{}) {
		return nil, errors.New("funding account is required")
	}
	if cfg.MaxGasPriceWei == nil || cfg.MaxGasPriceWei.Sign() <= 0 {
		return nil, errors.New("max gas price ceiling is required")
	}
	cfg.applyDefaults()
	return &Engine{
		cfg:       cfg,
		client:    client,
		station:   station,
		seq:       seq,
		store:     store,
		signer:    signer,
		registry:  registry,
		predictor: safe.NewPredictor(registry),
		logger:    logger,
		now:       time.Now,
	}, nil
}

// SetClock overrides the time source. Test hook.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// Restore re-registers nonces of persisted in-flight records after a
// process restart so new reservations do not collide with them.
func (e *Engine) Restore(ctx context.Context) error {
	recs, err := e.store.RecordsByStatus(ctx, StatusBroadcast, StatusMined)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		e.seq.Restore(rec.FundingAccount, rec.AssignedNonce)
	}
	if len(recs) > 0 {
		e.logger.Info("restored in-flight relayed transactions", "count", len(recs))
	}
	return nil
}

// PredictAddress derives (and durably remembers) the deterministic future
// address for spec. Repeated calls return the stored prediction.
func (e *Engine) PredictAddress(ctx context.Context, spec safe.WalletSpec) (common.Address, error) {
	if err := spec.Validate(); err != nil {
		return common.Address{}, validationErr(BadRequest, "%v", err)
	}
	key := spec.Key()
	if p, err := e.store.PredictionByKey(ctx, key); err == nil {
		return p.Address, nil
	} else if !errors.Is(err, ErrNotFound) {
		return common.Address{}, err
	}

	addr, err := e.predictor.Predict(spec)
	if err != nil {
		if errors.Is(err, safe.ErrUnsupportedVersion) {
			return common.Address{}, validationErr(BadRequest, "%v", err)
		}
		return common.Address{}, err
	}
	p := &Prediction{SpecKey: key, Spec: spec, Address: addr, CreatedAt: e.now()}
	if err := e.store.InsertPrediction(ctx, p); err != nil {
		return common.Address{}, err
	}
	return addr, nil
}

// GasPrice returns the current recommendation snapshot, falling back to
// the last persisted one before the first refresh completes.
func (e *Engine) GasPrice(ctx context.Context) (gasstation.Snapshot, error) {
	snap, err := e.station.Current()
	if errors.Is(err, gasstation.ErrNoSnapshot) {
		return e.store.LatestSnapshot(ctx)
	}
	return snap, err
}

// Status returns the live record for a request hash. The latest attempt
// is not always the live one: when a REPLACED original wins the
// same-nonce race, its fee-bumped successor is the attempt marked
// superseded. Follow the supersession pointer to the mined attempt.
func (e *Engine) Status(ctx context.Context, requestHash common.Hash) (*Record, error) {
	rec, err := e.store.ActiveRecord(ctx, requestHash)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrRequestNotFound
	}
	if err != nil {
		return nil, err
	}
	seen := map[int]bool{rec.Attempt: true}
	for rec.Status == StatusReplaced && rec.ReplacedBy != (common.Hash{}) {
		next, err := e.store.RecordByChainTx(ctx, rec.ReplacedBy)
		if err != nil || next.RequestHash != rec.RequestHash || seen[next.Attempt] {
			break
		}
		seen[next.Attempt] = true
		rec = next
	}
	return rec, nil
}

// Withdraw cancels a request that has not reached BROADCAST. Once a
// transaction may be in the network it can only be superseded through the
// replacement path.
func (e *Engine) Withdraw(ctx context.Context, requestHash common.Hash) error {
	e.submitMu.Lock()
	defer e.submitMu.Unlock()

	rec, err := e.store.ActiveRecord(ctx, requestHash)
	if errors.Is(err, ErrNotFound) {
		return ErrRequestNotFound
	}
	if err != nil {
		return err
	}
	switch rec.Status {
	case StatusReceived, StatusValidated, StatusGasReserved:
		if rec.Status == StatusGasReserved {
			e.seq.Release(rec.FundingAccount, rec.AssignedNonce)
		}
		if err := rec.Transition(StatusRejected); err != nil {
			return err
		}
		rec.LastError = "withdrawn by caller"
		rec.UpdatedAt = e.now()
		return e.store.UpdateRecord(ctx, rec)
	default:
		return ErrAlreadyBroadcast
	}
}

// Submit runs a candidate transaction through the relay pipeline up to and
// including broadcast. Idempotent on the request hash: resubmitting an
// identical payload returns the existing record's hash without relaying
// twice.
func (e *Engine) Submit(ctx context.Context, req Request) (common.Hash, error) {
	if err := req.Validate(); err != nil {
		return common.Hash{}, validationErr(BadRequest, "%v", err)
	}

	pred, err := e.store.PredictionByAddress(ctx, req.Wallet)
	if errors.Is(err, ErrNotFound) {
		return common.Hash{}, validationErr(UnknownWallet, "wallet %s was never predicted by this relay", req.Wallet.Hex())
	}
	if err != nil {
		return common.Hash{}, err
	}

	requestHash, err := req.Hash(pred.Spec.Version)
	if err != nil {
		return common.Hash{}, validationErr(BadRequest, "%v", err)
	}

	e.submitMu.Lock()
	existing, err := e.store.ActiveRecord(ctx, requestHash)
	if err == nil {
		e.submitMu.Unlock()
		e.logger.Info("duplicate relay request", "request", requestHash.Hex(), "status", existing.Status)
		return requestHash, nil
	}
	if !errors.Is(err, ErrNotFound) {
		e.submitMu.Unlock()
		return common.Hash{}, err
	}

	rec := &Record{
		RequestHash:    requestHash,
		Request:        req,
		FundingAccount: e.cfg.FundingAccount,
		Status:         StatusReceived,
		CreatedAt:      e.now(),
		UpdatedAt:      e.now(),
	}
	if err := e.store.InsertRecord(ctx, rec); err != nil {
		e.submitMu.Unlock()
		return common.Hash{}, err
	}
	e.submitMu.Unlock()

	if err := e.process(ctx, rec, pred, requestHash); err != nil {
		return requestHash, err
	}
	return requestHash, nil
}

func (e *Engine) process(ctx context.Context, rec *Record, pred *Prediction, requestHash common.Hash) error {
	if err := e.validate(ctx, rec, pred, requestHash); err != nil {
		var ve *ValidationError
		if errors.As(err, &ve) {
			e.reject(ctx, rec, ve)
			return err
		}
		e.fail(ctx, rec, err)
		return err
	}
	if err := rec.Transition(StatusValidated); err != nil {
		return err
	}
	e.save(ctx, rec)

	gasPrice, err := e.selectGasPrice(ctx, rec.Request)
	if err != nil {
		e.fail(ctx, rec, err)
		return err
	}
	nonce, err := e.seq.Reserve(ctx, e.cfg.FundingAccount)
	if err != nil {
		err = fmt.Errorf("nonce reservation: %w", err)
		e.fail(ctx, rec, err)
		return err
	}
	rec.AssignedNonce = nonce
	rec.GasPriceUsed = gasPrice
	if err := rec.Transition(StatusGasReserved); err != nil {
		return err
	}
	e.save(ctx, rec)

	return e.broadcast(ctx, rec, pred)
}

func (e *Engine) validate(ctx context.Context, rec *Record, pred *Prediction, requestHash common.Hash) error {
	req := rec.Request

	if err := safe.VerifySignatures(requestHash, pred.Spec, req.Signatures); err != nil {
		return &ValidationError{Kind: BadSignature, Err: err}
	}

	if req.Deploy {
		if pred.Deployed {
			return validationErr(BadRequest, "wallet %s is already deployed", req.Wallet.Hex())
		}
	} else {
		deployed := pred.Deployed
		if !deployed {
			code, err := e.client.CodeAt(ctx, req.Wallet, nil)
			if err != nil {
				return fmt.Errorf("wallet code read: %w", err)
			}
			deployed = len(code) > 0
		}
		if !deployed {
			return validationErr(WalletNotDeployed, "wallet %s has no code and deployment was not requested", req.Wallet.Hex())
		}

		expected, err := e.walletNonce(ctx, req.Wallet)
		if err != nil {
			return fmt.Errorf("wallet nonce read: %w", err)
		}
		if req.Nonce.Cmp(expected) != 0 {
			return validationErr(NonceMismatch, "wallet nonce is %s, request carries %s", expected, req.Nonce)
		}
	}

	totalGas := new(big.Int).Add(orZero(req.SafeTxGas), orZero(req.BaseGas))
	if e.cfg.MaxTxGas != nil && totalGas.Cmp(e.cfg.MaxTxGas) > 0 {
		return validationErr(GasOutOfBounds, "safeTxGas+baseGas %s exceeds limit %s", totalGas, e.cfg.MaxTxGas)
	}

	if e.cfg.RequireRefund {
		if orZero(req.GasPrice).Sign() < 1 {
			return validationErr(GasOutOfBounds, "refund is required: internal gas price cannot be zero")
		}
		snap, err := e.currentSnapshot(ctx)
		if err != nil {
			return err
		}
		if req.GasPrice.Cmp(snap.SlowWei) < 0 {
			return validationErr(GasOutOfBounds, "internal gas price %s below minimum accepted %s", req.GasPrice, snap.SlowWei)
		}
		if req.GasToken == (common.Address{}) && !req.Deploy {
			cost := new(big.Int).Mul(totalGas, req.GasPrice)
			balance, err := e.client.BalanceAt(ctx, req.Wallet, nil)
			if err != nil {
				return fmt.Errorf("wallet balance read: %w", err)
			}
			if balance.Cmp(cost) < 0 {
				return validationErr(InsufficientFunds, "wallet holds %s wei, refund needs %s", balance, cost)
			}
		}
	}

	if e.cfg.RejectRevertingCalls && !req.Deploy {
		if err := e.preflight(ctx, rec, pred); err != nil {
			return err
		}
	}
	return nil
}

// preflight simulates the wallet call and turns a would-be revert into a
// rejection, so the caller is not charged for a doomed execution.
func (e *Engine) preflight(ctx context.Context, rec *Record, pred *Prediction) error {
	calldata, err := safe.EncodeExecution(rec.Request.Message(), safe.PackSignatures(rec.Request.Signatures))
	if err != nil {
		return validationErr(BadRequest, "%v", err)
	}
	wallet := rec.Request.Wallet
	msg := ethereum.CallMsg{From: e.cfg.FundingAccount, To: &wallet, Data: calldata}
	if _, err := e.client.CallContract(ctx, msg, nil); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "revert") {
			return validationErr(BadRequest, "execution would revert: %v", err)
		}
		return fmt.Errorf("preflight call: %w", err)
	}
	return nil
}

func (e *Engine) walletNonce(ctx context.Context, wallet common.Address) (*big.Int, error) {
	msg := ethereum.CallMsg{To: &wallet, Data: walletNonceCall}
	out, err := e.client.CallContract(ctx, msg, nil)
	if err != nil {
		return nil, err
	}
	if len(out) < 32 {
		return nil, fmt.Errorf("short nonce() response: %d bytes", len(out))
	}
	return new(big.Int).SetBytes(out[:32]), nil
}

func (e *Engine) currentSnapshot(ctx context.Context) (gasstation.Snapshot, error) {
	snap, err := e.station.Current()
	if errors.Is(err, gasstation.ErrNoSnapshot) {
		snap, err = e.station.Refresh(ctx)
	}
	if err != nil {
		return gasstation.Snapshot{}, fmt.Errorf("gas price unavailable: %w", err)
	}
	if snap.Stale && !e.cfg.AllowStalePrices {
		return gasstation.Snapshot{}, fmt.Errorf("gas price snapshot is stale (observed %s)", snap.ObservedAt)
	}
	return snap, nil
}

// selectGasPrice picks the funding transaction price: the requested tier's
// recommendation, raised to the caller's internal price when that is
// higher (the wallet refunds at that rate anyway), and always capped by
// the configured ceiling.
func (e *Engine) selectGasPrice(ctx context.Context, req Request) (*big.Int, error) {
	snap, err := e.currentSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	tier, err := gasstation.ParseTier(string(req.GasTier))
	if err != nil {
		return nil, validationErr(BadRequest, "%v", err)
	}
	price := new(big.Int).Set(snap.Price(tier))
	if req.GasPrice != nil && req.GasPrice.Cmp(price) > 0 {
		price.Set(req.GasPrice)
	}
	if price.Cmp(e.cfg.MaxGasPriceWei) > 0 {
		price.Set(e.cfg.MaxGasPriceWei)
	}
	return price, nil
}

func (e *Engine) broadcast(ctx context.Context, rec *Record, pred *Prediction) error {
	target, calldata, err := e.buildCalldata(rec.Request, pred)
	if err != nil {
		e.seq.Release(rec.FundingAccount, rec.AssignedNonce)
		e.fail(ctx, rec, err)
		return err
	}

	msg := ethereum.CallMsg{From: e.cfg.FundingAccount, To: &target, Data: calldata}
	gasLimit, err := e.client.EstimateGas(ctx, msg)
	if err != nil {
		e.seq.Release(rec.FundingAccount, rec.AssignedNonce)
		err = fmt.Errorf("gas estimation: %w", err)
		e.fail(ctx, rec, err)
		return err
	}
	gasLimit = uint64(float64(gasLimit) * e.cfg.GasLimitMultiplier)

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    rec.AssignedNonce,
		GasPrice: rec.GasPriceUsed,
		Gas:      gasLimit,
		To:       &target,
		Value:    big.NewInt(0),
		Data:     calldata,
	})
	signed, err := e.signer.SignTransaction(e.cfg.FundingAccount, tx, e.cfg.ChainID)
	if err != nil {
		e.seq.Release(rec.FundingAccount, rec.AssignedNonce)
		err = fmt.Errorf("funding signature: %w", err)
		e.fail(ctx, rec, err)
		return err
	}
	rec.ChainTxHash = signed.Hash()
	rec.GasLimitUsed = gasLimit

	// A withdrawal can land between the GAS_RESERVED save and this point.
	// Re-check the stored status under the same lock Withdraw takes, and
	// hold it through the send, so a withdrawn request never reaches the
	// network. Withdraw already released the nonce and recorded the
	// rejection.
	e.submitMu.Lock()
	defer e.submitMu.Unlock()
	stored, err := e.store.ActiveRecord(ctx, rec.RequestHash)
	if err != nil {
		e.seq.Release(rec.FundingAccount, rec.AssignedNonce)
		e.fail(ctx, rec, err)
		return err
	}
	if stored.Status == StatusRejected {
		return ErrWithdrawn
	}

	sendErr := util.RetryUnless(ctx, e.cfg.BroadcastAttempts, e.cfg.BroadcastBackoff, chain.IsPermanent, func() error {
		return e.client.SendTransaction(ctx, signed)
	})
	if sendErr != nil && !chain.AlreadyKnown(sendErr) {
		if chain.IsPermanent(sendErr) {
			// Definitively rejected by the node, never entered the pool:
			// the nonce is safe to reuse.
			e.seq.Release(rec.FundingAccount, rec.AssignedNonce)
		}
		// On ambiguous network failure the transaction may still be out
		// there, so the nonce stays reserved.
		err = fmt.Errorf("broadcast: %w", sendErr)
		e.fail(ctx, rec, err)
		return err
	}

	rec.BroadcastAt = e.now()
	if err := rec.Transition(StatusBroadcast); err != nil {
		return err
	}
	e.save(ctx, rec)
	e.logger.Info("relayed transaction broadcast",
		"request", rec.RequestHash.Hex(),
		"tx", rec.ChainTxHash.Hex(),
		"nonce", rec.AssignedNonce,
		"gas_price_wei", rec.GasPriceUsed.String())
	return nil
}

func (e *Engine) buildCalldata(req Request, pred *Prediction) (common.Address, []byte, error) {
	if req.Deploy {
		return e.registry.EncodeDeployment(pred.Spec)
	}
	calldata, err := safe.EncodeExecution(req.Message(), safe.PackSignatures(req.Signatures))
	if err != nil {
		return common.Address{}, nil, err
	}
	return req.Wallet, calldata, nil
}

// Replace issues a fee-bumped resubmission for a stuck broadcast: same
// nonce, strictly higher gas price. The original record becomes REPLACED
// and the successor inherits the nonce and request-hash lineage.
func (e *Engine) Replace(ctx context.Context, rec *Record) (*Record, error) {
	if rec.Status != StatusBroadcast {
		return nil, fmt.Errorf("cannot replace record in status %s", rec.Status)
	}

	bumped := new(big.Int).Mul(rec.GasPriceUsed, big.NewInt(100+e.cfg.BumpPercent))
	bumped.Div(bumped, big.NewInt(100))
	if bumped.Cmp(rec.GasPriceUsed) <= 0 {
		bumped = new(big.Int).Add(rec.GasPriceUsed, big.NewInt(1))
	}
	if bumped.Cmp(e.cfg.MaxGasPriceWei) > 0 {
		return nil, fmt.Errorf("replacement price %s would exceed ceiling %s", bumped, e.cfg.MaxGasPriceWei)
	}

	pred, err := e.store.PredictionByAddress(ctx, rec.Request.Wallet)
	if err != nil {
		return nil, err
	}
	target, calldata, err := e.buildCalldata(rec.Request, pred)
	if err != nil {
		return nil, err
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    rec.AssignedNonce,
		GasPrice: bumped,
		Gas:      rec.GasLimitUsed,
		To:       &target,
		Value:    big.NewInt(0),
		Data:     calldata,
	})
	signed, err := e.signer.SignTransaction(e.cfg.FundingAccount, tx, e.cfg.ChainID)
	if err != nil {
		return nil, fmt.Errorf("funding signature: %w", err)
	}

	sendErr := util.RetryUnless(ctx, e.cfg.BroadcastAttempts, e.cfg.BroadcastBackoff, chain.IsPermanent, func() error {
		return e.client.SendTransaction(ctx, signed)
	})
	if sendErr != nil && !chain.AlreadyKnown(sendErr) {
		return nil, fmt.Errorf("replacement broadcast: %w", sendErr)
	}

	successor := &Record{
		RequestHash:    rec.RequestHash,
		Request:        rec.Request,
		Attempt:        rec.Attempt + 1,
		ChainTxHash:    signed.Hash(),
		FundingAccount: rec.FundingAccount,
		AssignedNonce:  rec.AssignedNonce,
		GasPriceUsed:   bumped,
		GasLimitUsed:   rec.GasLimitUsed,
		Status:         StatusBroadcast,
		CreatedAt:      e.now(),
		UpdatedAt:      e.now(),
		BroadcastAt:    e.now(),
	}

	if err := rec.Transition(StatusReplaced); err != nil {
		return nil, err
	}
	rec.ReplacedBy = successor.ChainTxHash
	rec.UpdatedAt = e.now()
	if err := e.store.UpdateRecord(ctx, rec); err != nil {
		return nil, err
	}
	if err := e.store.InsertRecord(ctx, successor); err != nil {
		return nil, err
	}
	e.logger.Warn("stuck transaction replaced",
		"request", rec.RequestHash.Hex(),
		"old_tx", rec.ChainTxHash.Hex(),
		"new_tx", successor.ChainTxHash.Hex(),
		"nonce", rec.AssignedNonce,
		"gas_price_wei", bumped.String())
	return successor, nil
}

func (e *Engine) reject(ctx context.Context, rec *Record, ve *ValidationError) {
	if err := rec.Transition(StatusRejected); err != nil {
		e.logger.Error("reject transition failed", "request", rec.RequestHash.Hex(), "error", err)
		return
	}
	rec.LastError = ve.Error()
	rec.UpdatedAt = e.now()
	e.save(ctx, rec)
}

func (e *Engine) fail(ctx context.Context, rec *Record, cause error) {
	if err := rec.Transition(StatusFailed); err != nil {
		e.logger.Error("fail transition failed", "request", rec.RequestHash.Hex(), "error", err)
		return
	}
	rec.LastError = cause.Error()
	rec.UpdatedAt = e.now()
	e.save(ctx, rec)
}

func (e *Engine) save(ctx context.Context, rec *Record) {
	rec.UpdatedAt = e.now()
	if err := e.store.UpdateRecord(ctx, rec); err != nil {
		e.logger.Error("record persistence failed", "request", rec.RequestHash.Hex(), "error", err)
	}
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return v
}
