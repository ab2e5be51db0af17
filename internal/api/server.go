package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"saferelay/internal/config"
	"saferelay/internal/gasstation"
	"saferelay/internal/relay"
	"saferelay/internal/safe"
)

type Server struct {
	cfg    *config.Config
	logger *slog.Logger
	engine *relay.Engine
}

func NewServer(cfg *config.Config, logger *slog.Logger, engine *relay.Engine) *Server {
	return &Server{cfg: cfg, logger: logger, engine: engine}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/v1/safes", s.withAuth(s.handlePredict))
	mux.HandleFunc("/v1/transactions", s.withAuth(s.handleSubmit))
	mux.HandleFunc("/v1/transactions/", s.withAuth(s.handleTransaction))
	mux.HandleFunc("/v1/gas-price", s.withAuth(s.handleGasPrice))
	return mux
}

func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.cfg.API.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		ctxTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(ctxTimeout)
	}()
	return server.ListenAndServe()
}

func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.API.AuthToken != "" {
			token := r.Header.Get("X-API-Key")
			if token == "" {
				auth := r.Header.Get("Authorization")
				if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
					token = strings.TrimSpace(auth[7:])
				}
			}
			if token != s.cfg.API.AuthToken {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
		}
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type predictRequest struct {
	Owners    []string `json:"owners"`
	Threshold int      `json:"threshold"`
	SaltNonce string   `json:"salt_nonce"`
	Version   string   `json:"version"`
}

func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req predictRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	owners := make([]common.Address, 0, len(req.Owners))
	for _, o := range req.Owners {
		addr, err := parseAddress(o)
		if err != nil {
			writeError(w, http.StatusBadRequest, "owner "+o+": "+err.Error())
			return
		}
		owners = append(owners, addr)
	}
	saltNonce, err := parseBig(req.SaltNonce, "salt_nonce")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	spec := safe.WalletSpec{
		Owners:    owners,
		Threshold: req.Threshold,
		SaltNonce: saltNonce,
		Version:   safe.Version(req.Version),
	}
	addr, err := s.engine.PredictAddress(r.Context(), spec)
	if err != nil {
		if errors.Is(err, safe.ErrUnsupportedVersion) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"address":   addr.Hex(),
		"threshold": req.Threshold,
		"version":   req.Version,
	})
}

type submitRequest struct {
	Wallet         string          `json:"wallet"`
	To             string          `json:"to"`
	Value          string          `json:"value"`
	Data           string          `json:"data"`
	Operation      uint8           `json:"operation"`
	GasToken       string          `json:"gas_token"`
	SafeTxGas      string          `json:"safe_tx_gas"`
	BaseGas        string          `json:"base_gas"`
	GasPrice       string          `json:"gas_price"`
	RefundReceiver string          `json:"refund_receiver"`
	Nonce          string          `json:"nonce"`
	Signatures     []wireSignature `json:"signatures"`
	Deploy         bool            `json:"deploy"`
	GasTier        string          `json:"gas_tier"`
}

type wireSignature struct {
	Signer    string `json:"signer"`
	Signature string `json:"signature"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var body submitRequest
	if err := readJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req, err := body.toRequest()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	hash, err := s.engine.Submit(r.Context(), req)
	if err != nil {
		if relay.IsValidation(err) {
			// The record (if one was created) already carries the
			// rejection; surface it to the caller too.
			if hash != (common.Hash{}) {
				writeJSON(w, http.StatusUnprocessableEntity, map[string]string{
					"request_hash": hash.Hex(),
					"error":        err.Error(),
				})
				return
			}
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		s.httpError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"request_hash": hash.Hex()})
}

func (s *Server) handleTransaction(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimPrefix(r.URL.Path, "/v1/transactions/")
	if raw == "" || strings.Contains(raw, "/") {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	b, err := hexutil.Decode(raw)
	if err != nil || len(b) != common.HashLength {
		writeError(w, http.StatusBadRequest, "invalid request hash")
		return
	}
	hash := common.BytesToHash(b)

	switch r.Method {
	case http.MethodGet:
		rec, err := s.engine.Status(r.Context(), hash)
		if err != nil {
			s.httpError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, recordView(rec))
	case http.MethodDelete:
		if err := s.engine.Withdraw(r.Context(), hash); err != nil {
			s.httpError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"request_hash": hash.Hex(), "status": "withdrawn"})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleGasPrice(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	snap, err := s.engine.GasPrice(r.Context())
	if err != nil {
		s.httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"slow_wei":     snap.SlowWei.String(),
		"standard_wei": snap.StandardWei.String(),
		"fast_wei":     snap.FastWei.String(),
		"observed_at":  snap.ObservedAt.UTC().Format(time.RFC3339),
		"sources":      snap.Sources,
		"stale":        snap.Stale,
	})
}

func (s *Server) httpError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, relay.ErrRequestNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, relay.ErrAlreadyBroadcast), errors.Is(err, relay.ErrWithdrawn):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, gasstation.ErrNoSnapshot):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (b submitRequest) toRequest() (relay.Request, error) {
	var req relay.Request
	wallet, err := parseAddress(b.Wallet)
	if err != nil {
		return req, errors.New("wallet: " + err.Error())
	}
	tier, err := gasstation.ParseTier(b.GasTier)
	if err != nil {
		return req, err
	}
	req = relay.Request{
		Wallet:    wallet,
		Operation: b.Operation,
		Deploy:    b.Deploy,
		GasTier:   tier,
	}
	if b.To != "" {
		if req.To, err = parseAddress(b.To); err != nil {
			return req, errors.New("to: " + err.Error())
		}
	}
	if b.GasToken != "" {
		if req.GasToken, err = parseAddress(b.GasToken); err != nil {
			return req, errors.New("gas_token: " + err.Error())
		}
	}
	if b.RefundReceiver != "" {
		if req.RefundReceiver, err = parseAddress(b.RefundReceiver); err != nil {
			return req, errors.New("refund_receiver: " + err.Error())
		}
	}
	if b.Data != "" {
		if req.Data, err = hexutil.Decode(b.Data); err != nil {
			return req, errors.New("data: " + err.Error())
		}
	}
	if req.Value, err = parseBig(b.Value, "value"); err != nil {
		return req, err
	}
	if req.SafeTxGas, err = parseBig(b.SafeTxGas, "safe_tx_gas"); err != nil {
		return req, err
	}
	if req.BaseGas, err = parseBig(b.BaseGas, "base_gas"); err != nil {
		return req, err
	}
	if req.GasPrice, err = parseBig(b.GasPrice, "gas_price"); err != nil {
		return req, err
	}
	if req.Nonce, err = parseBig(b.Nonce, "nonce"); err != nil {
		return req, err
	}
	req.Signatures = make([]safe.Signature, 0, len(b.Signatures))
	for _, ws := range b.Signatures {
		signer, err := parseAddress(ws.Signer)
		if err != nil {
			return req, errors.New("signature signer: " + err.Error())
		}
		sig, err := hexutil.Decode(ws.Signature)
		if err != nil {
			return req, errors.New("signature bytes: " + err.Error())
		}
		req.Signatures = append(req.Signatures, safe.Signature{Signer: signer, Bytes: sig})
	}
	return req, nil
}

func recordView(rec *relay.Record) map[string]interface{} {
	out := map[string]interface{}{
		"request_hash":  rec.RequestHash.Hex(),
		"attempt":       rec.Attempt,
		"status":        string(rec.Status),
		"confirmations": rec.Confirmations,
	}
	if rec.ChainTxHash != (common.Hash{}) {
		out["chain_tx_hash"] = rec.ChainTxHash.Hex()
	}
	if rec.GasPriceUsed != nil {
		out["gas_price_wei"] = rec.GasPriceUsed.String()
	}
	if rec.BlockNumber != nil {
		out["block_number"] = *rec.BlockNumber
	}
	if rec.Status == relay.StatusMined || rec.Status == relay.StatusConfirmed {
		out["execution_failed"] = rec.ExecutionFailed
	}
	if rec.LastError != "" {
		out["error"] = rec.LastError
	}
	if rec.ReplacedBy != (common.Hash{}) {
		out["replaced_by"] = rec.ReplacedBy.Hex()
	}
	return out
}

func readJSON(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return errors.New("empty body")
	}
	defer r.Body.Close()
	b, err := io.ReadAll(r.Body)
	if err != nil {
		return err
	}
	if len(b) == 0 {
		return errors.New("empty body")
	}
	return json.Unmarshal(b, v)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func parseAddress(value string) (common.Address, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return common.Address{}, errors.New("address is required")
	}
	if !common.IsHexAddress(value) {
		return common.Address{}, errors.New("invalid address")
	}
	return common.HexToAddress(value), nil
}

// parseBig accepts a decimal or 0x-prefixed integer. Empty means absent;
// the relay treats absent numeric fields as zero whenever that is legal.
func parseBig(value, field string) (*big.Int, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	if strings.HasPrefix(value, "0x") {
		v, err := hexutil.DecodeBig(value)
		if err != nil {
			return nil, errors.New(field + ": invalid hex integer")
		}
		return v, nil
	}
	v, ok := new(big.Int).SetString(value, 10)
	if !ok {
		return nil, errors.New(field + ": invalid integer")
	}
	return v, nil
}
