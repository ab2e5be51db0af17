package gasstation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"sort"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/shopspring/decimal"
)

// Source is one independent gas-price signal. Sources fail independently;
// the station decides what to do with the survivors.
type Source interface {
	Name() string
	Tiers(ctx context.Context) (Tiers, error)
}

// rpcCaller is the slice of *rpc.Client the block source uses.
type rpcCaller interface {
	CallContext(ctx context.Context, result interface{}, method string, args ...interface{}) error
	BatchCallContext(ctx context.Context, b []rpc.BatchElem) error
}

type rpcBlock struct {
	Number       string       `json:"number"`
	Transactions []rpcBlockTx `json:"transactions"`
}

type rpcBlockTx struct {
	GasPrice string `json:"gasPrice"`
}

// BlockPercentileSource derives tiers from the gas prices actually paid in
// the last N blocks: 30th percentile for slow, 50th for standard, 75th for
// fast. Zero-price miner transactions are skipped.
type BlockPercentileSource struct {
	client    rpcCaller
	numBlocks uint64
}

func NewBlockPercentileSource(client rpcCaller, numBlocks uint64) *BlockPercentileSource {
	if numBlocks == 0 {
		numBlocks = 20
	}
	return &BlockPercentileSource{client: client, numBlocks: numBlocks}
}

func (s *BlockPercentileSource) Name() string { return "block-percentiles" }

func (s *BlockPercentileSource) Tiers(ctx context.Context) (Tiers, error) {
	var headHex string
	if err := s.client.CallContext(ctx, &headHex, "eth_blockNumber"); err != nil {
		return Tiers{}, fmt.Errorf("block number: %w", err)
	}
	head, err := hexutil.DecodeUint64(headHex)
	if err != nil {
		return Tiers{}, fmt.Errorf("block number decode: %w", err)
	}

	first := uint64(0)
	if head > s.numBlocks {
		first = head - s.numBlocks + 1
	}
	batch := make([]rpc.BatchElem, 0, head-first+1)
	blocks := make([]rpcBlock, head-first+1)
	for i := range blocks {
		batch = append(batch, rpc.BatchElem{
			Method: "eth_getBlockByNumber",
			Args:   []interface{}{hexutil.EncodeUint64(first + uint64(i)), true},
			Result: &blocks[i],
		})
	}
	if err := s.client.BatchCallContext(ctx, batch); err != nil {
		return Tiers{}, fmt.Errorf("block batch: %w", err)
	}

	var prices []*big.Int
	for i, elem := range batch {
		if elem.Error != nil {
			// Block vanished between head query and fetch, a reorg.
			continue
		}
		for _, tx := range blocks[i].Transactions {
			p, err := hexutil.DecodeBig(tx.GasPrice)
			if err != nil {
				continue
			}
			if p.Sign() <= 0 {
				continue
			}
			prices = append(prices, p)
		}
	}
	if len(prices) == 0 {
		return Tiers{}, errors.New("no priced transactions in sampled blocks")
	}
	sort.Slice(prices, func(i, j int) bool { return prices[i].Cmp(prices[j]) < 0 })
	return Tiers{
		Slow:     percentile(prices, 30),
		Standard: percentile(prices, 50),
		Fast:     percentile(prices, 75),
	}, nil
}

// percentile expects sorted input and rounds the rank up, matching a
// ceil-style percentile.
func percentile(sorted []*big.Int, pct int) *big.Int {
	if len(sorted) == 0 {
		return nil
	}
	idx := (len(sorted)*pct + 99) / 100
	if idx > 0 {
		idx--
	}
	return new(big.Int).Set(sorted[idx])
}

// HTTPSource reads an external JSON gas oracle publishing gwei values,
// either as numbers or strings:
//
//	{"safeLow": "21.5", "standard": 30, "fast": "45"}
type HTTPSource struct {
	name   string
	url    string
	client *http.Client
}

func NewHTTPSource(name, url string, client *http.Client) *HTTPSource {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPSource{name: name, url: url, client: client}
}

func (s *HTTPSource) Name() string { return s.name }

type httpOracleResponse struct {
	SafeLow  decimal.Decimal `json:"safeLow"`
	Standard decimal.Decimal `json:"standard"`
	Fast     decimal.Decimal `json:"fast"`
}

var gweiFactor = decimal.New(1, 9)

func (s *HTTPSource) Tiers(ctx context.Context) (Tiers, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return Tiers{}, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return Tiers{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Tiers{}, fmt.Errorf("gas oracle %s: status %d", s.name, resp.StatusCode)
	}
	var body httpOracleResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Tiers{}, fmt.Errorf("gas oracle %s: %w", s.name, err)
	}
	return Tiers{
		Slow:     gweiToWei(body.SafeLow),
		Standard: gweiToWei(body.Standard),
		Fast:     gweiToWei(body.Fast),
	}, nil
}

func gweiToWei(gwei decimal.Decimal) *big.Int {
	return gwei.Mul(gweiFactor).BigInt()
}
