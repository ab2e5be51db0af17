package api

import (
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"saferelay/internal/config"
	"saferelay/internal/relay"
)

func testServer(authToken string) *Server {
	cfg := &config.Config{}
	cfg.API.AuthToken = authToken
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewServer(cfg, logger, nil)
}

func TestWithAuth(t *testing.T) {
	s := testServer("secret")
	handler := s.withAuth(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	cases := []struct {
		name   string
		header func(*http.Request)
		status int
	}{
		{"no token", func(*http.Request) {}, http.StatusUnauthorized},
		{"wrong token", func(r *http.Request) { r.Header.Set("X-API-Key", "nope") }, http.StatusUnauthorized},
		{"api key header", func(r *http.Request) { r.Header.Set("X-API-Key", "secret") }, http.StatusOK},
		{"bearer token", func(r *http.Request) { r.Header.Set("Authorization", "Bearer secret") }, http.StatusOK},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/v1/gas-price", nil)
		tc.header(req)
		rr := httptest.NewRecorder()
		handler(rr, req)
		if rr.Code != tc.status {
			t.Errorf("%s: status %d, want %d", tc.name, rr.Code, tc.status)
		}
	}
}

func TestWithAuthDisabledWhenNoToken(t *testing.T) {
	s := testServer("")
	handler := s.withAuth(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	req := httptest.NewRequest(http.MethodGet, "/v1/gas-price", nil)
	rr := httptest.NewRecorder()
	handler(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status %d, want 200 with auth disabled", rr.Code)
	}
}

func TestParseBig(t *testing.T) {
	v, err := parseBig("1000", "value")
	if err != nil || v.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("parseBig decimal: %v, %v", v, err)
	}
	v, err = parseBig("0x3e8", "value")
	if err != nil || v.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("parseBig hex: %v, %v", v, err)
	}
	v, err = parseBig("", "value")
	if err != nil || v != nil {
		t.Fatalf("parseBig empty: %v, %v", v, err)
	}
	if _, err = parseBig("not-a-number", "value"); err == nil {
		t.Fatal("parseBig should reject garbage")
	}
}

func TestSubmitRequestConversion(t *testing.T) {
	body := submitRequest{
		Wallet:    "0x1111111111111111111111111111111111111111",
		To:        "0x2222222222222222222222222222222222222222",
		Value:     "1000",
		Data:      "0xdeadbeef",
		Operation: 0,
		SafeTxGas: "50000",
		GasPrice:  "0x77359400",
		Nonce:     "3",
		GasTier:   "fast",
		Signatures: []wireSignature{{
			Signer:    "0x3333333333333333333333333333333333333333",
			Signature: "0x" + common.Bytes2Hex(make([]byte, 65)),
		}},
	}

	req, err := body.toRequest()
	if err != nil {
		t.Fatalf("toRequest error: %v", err)
	}
	if req.Wallet != common.HexToAddress(body.Wallet) {
		t.Errorf("wallet %s", req.Wallet.Hex())
	}
	if req.Value.Cmp(big.NewInt(1000)) != 0 {
		t.Errorf("value %s", req.Value)
	}
	if req.GasPrice.Cmp(big.NewInt(2000000000)) != 0 {
		t.Errorf("gas price %s", req.GasPrice)
	}
	if len(req.Data) != 4 {
		t.Errorf("data %d bytes", len(req.Data))
	}
	if string(req.GasTier) != "fast" {
		t.Errorf("tier %s", req.GasTier)
	}
	if len(req.Signatures) != 1 || len(req.Signatures[0].Bytes) != 65 {
		t.Errorf("signatures not carried through")
	}
}

func TestSubmitRequestConversionRejectsBadFields(t *testing.T) {
	base := submitRequest{Wallet: "0x1111111111111111111111111111111111111111"}

	bad := base
	bad.Wallet = "zzz"
	if _, err := bad.toRequest(); err == nil {
		t.Error("bad wallet accepted")
	}

	bad = base
	bad.Data = "not-hex"
	if _, err := bad.toRequest(); err == nil {
		t.Error("bad data accepted")
	}

	bad = base
	bad.GasTier = "warp"
	if _, err := bad.toRequest(); err == nil {
		t.Error("bad tier accepted")
	}

	bad = base
	bad.Nonce = "minus one"
	if _, err := bad.toRequest(); err == nil {
		t.Error("bad nonce accepted")
	}
}

func TestRecordView(t *testing.T) {
	block := uint64(120)
	rec := &relay.Record{
		RequestHash:     common.HexToHash("0x01"),
		Attempt:         1,
		ChainTxHash:     common.HexToHash("0x02"),
		Status:          relay.StatusMined,
		GasPriceUsed:    big.NewInt(2000000000),
		BlockNumber:     &block,
		Confirmations:   3,
		ExecutionFailed: true,
	}
	view := recordView(rec)
	if view["status"] != "MINED" {
		t.Errorf("status %v", view["status"])
	}
	if view["execution_failed"] != true {
		t.Errorf("execution_failed missing for mined record")
	}
	if view["block_number"] != block {
		t.Errorf("block_number %v", view["block_number"])
	}

	pending := recordView(&relay.Record{Status: relay.StatusReceived})
	if _, ok := pending["chain_tx_hash"]; ok {
		t.Error("zero tx hash should be omitted")
	}
	if _, ok := pending["execution_failed"]; ok {
		t.Error("execution_failed should be omitted before inclusion")
	}
}
