package gasstation

import (
	"context"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
)

// fakeRPC serves canned blocks for the percentile source.
type fakeRPC struct {
	head   uint64
	blocks map[uint64]rpcBlock
	missed map[uint64]bool
}

func (f *fakeRPC) CallContext(_ context.Context, result interface{}, method string, _ ...interface{}) error {
	if method != "eth_blockNumber" {
		return errors.New("unexpected method " + method)
	}
	*(result.(*string)) = hexutil.EncodeUint64(f.head)
	return nil
}

func (f *fakeRPC) BatchCallContext(_ context.Context, batch []rpc.BatchElem) error {
	for i := range batch {
		num, err := hexutil.DecodeUint64(batch[i].Args[0].(string))
		if err != nil {
			return err
		}
		if f.missed[num] {
			batch[i].Error = errors.New("block not found")
			continue
		}
		*(batch[i].Result.(*rpcBlock)) = f.blocks[num]
	}
	return nil
}

func blockWithPrices(gweiPrices ...int64) rpcBlock {
	b := rpcBlock{}
	for _, p := range gweiPrices {
		wei := new(big.Int).Mul(big.NewInt(p), big.NewInt(1e9))
		b.Transactions = append(b.Transactions, rpcBlockTx{GasPrice: hexutil.EncodeBig(wei)})
	}
	return b
}

func TestBlockPercentiles(t *testing.T) {
	// Prices 1..10 gwei across two blocks: p30=3, p50=5, p75=8 with the
	// ceil-style rank.
	client := &fakeRPC{
		head: 101,
		blocks: map[uint64]rpcBlock{
			100: blockWithPrices(1, 2, 3, 4, 5),
			101: blockWithPrices(6, 7, 8, 9, 10),
		},
	}
	src := NewBlockPercentileSource(client, 2)

	tiers, err := src.Tiers(context.Background())
	if err != nil {
		t.Fatalf("Tiers error: %v", err)
	}
	if tiers.Slow.Cmp(gwei(3)) != 0 {
		t.Errorf("slow %s, want %s", tiers.Slow, gwei(3))
	}
	if tiers.Standard.Cmp(gwei(5)) != 0 {
		t.Errorf("standard %s, want %s", tiers.Standard, gwei(5))
	}
	if tiers.Fast.Cmp(gwei(8)) != 0 {
		t.Errorf("fast %s, want %s", tiers.Fast, gwei(8))
	}
}

func TestBlockPercentilesSkipZeroPriceAndReorgedBlocks(t *testing.T) {
	client := &fakeRPC{
		head: 101,
		blocks: map[uint64]rpcBlock{
			// Zero-price miner transactions must not drag the floor down.
			100: blockWithPrices(0, 0, 10, 10, 10),
		},
		missed: map[uint64]bool{101: true},
	}
	src := NewBlockPercentileSource(client, 2)

	tiers, err := src.Tiers(context.Background())
	if err != nil {
		t.Fatalf("Tiers error: %v", err)
	}
	if tiers.Slow.Cmp(gwei(10)) != 0 {
		t.Errorf("slow %s, want %s", tiers.Slow, gwei(10))
	}
}

func TestBlockPercentilesNoPricedTransactions(t *testing.T) {
	client := &fakeRPC{
		head:   100,
		blocks: map[uint64]rpcBlock{100: blockWithPrices(0)},
	}
	src := NewBlockPercentileSource(client, 1)
	if _, err := src.Tiers(context.Background()); err == nil {
		t.Fatal("expected error when every sampled transaction is unpriced")
	}
}

func TestHTTPSourceParsesGweiStringsAndNumbers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"safeLow": "21.5", "standard": 30, "fast": "45"}`))
	}))
	defer srv.Close()

	src := NewHTTPSource("oracle", srv.URL, srv.Client())
	tiers, err := src.Tiers(context.Background())
	if err != nil {
		t.Fatalf("Tiers error: %v", err)
	}
	if tiers.Slow.Cmp(big.NewInt(21_500_000_000)) != 0 {
		t.Errorf("slow %s, want 21.5 gwei in wei", tiers.Slow)
	}
	if tiers.Standard.Cmp(gwei(30)) != 0 {
		t.Errorf("standard %s, want %s", tiers.Standard, gwei(30))
	}
	if tiers.Fast.Cmp(gwei(45)) != 0 {
		t.Errorf("fast %s, want %s", tiers.Fast, gwei(45))
	}
}

func TestHTTPSourceRejectsNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	src := NewHTTPSource("oracle", srv.URL, srv.Client())
	if _, err := src.Tiers(context.Background()); err == nil {
		t.Fatal("expected error for non-200 response")
	}
}
