package relay

import (
	"context"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// nonceClient serves only the nonce lookups the sequencer needs.
type nonceClient struct {
	pending uint64
}

func (c *nonceClient) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return c.pending, nil
}

func (c *nonceClient) NonceAt(context.Context, common.Address, *big.Int) (uint64, error) {
	return c.pending, nil
}

func (c *nonceClient) BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error) {
	return big.NewInt(0), nil
}

func (c *nonceClient) CodeAt(context.Context, common.Address, *big.Int) ([]byte, error) {
	return nil, nil
}

func (c *nonceClient) CallContract(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error) {
	return nil, nil
}

func (c *nonceClient) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return 21000, nil
}

func (c *nonceClient) SendTransaction(context.Context, *types.Transaction) error {
	return nil
}

func (c *nonceClient) TransactionReceipt(context.Context, common.Hash) (*types.Receipt, error) {
	return nil, ethereum.NotFound
}

func (c *nonceClient) BlockNumber(context.Context) (uint64, error) {
	return 0, nil
}

var fundingAddr = common.HexToAddress("0xAAAA00000000000000000000000000000000AAAA")

func TestReserveConcurrentUniqueness(t *testing.T) {
	seq := NewSequencer(&nonceClient{pending: 100})

	const workers = 64
	nonces := make([]uint64, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			n, err := seq.Reserve(context.Background(), fundingAddr)
			if err != nil {
				t.Errorf("Reserve error: %v", err)
				return
			}
			nonces[i] = n
		}(i)
	}
	wg.Wait()

	seen := make(map[uint64]bool, workers)
	for _, n := range nonces {
		if seen[n] {
			t.Fatalf("nonce %d handed out twice", n)
		}
		seen[n] = true
		if n < 100 || n >= 100+workers {
			t.Fatalf("nonce %d outside expected range [100,%d)", n, 100+workers)
		}
	}
}

func TestReleaseReturnsNonceToPool(t *testing.T) {
	seq := NewSequencer(&nonceClient{pending: 5})
	ctx := context.Background()

	a, _ := seq.Reserve(ctx, fundingAddr)
	b, _ := seq.Reserve(ctx, fundingAddr)
	c, _ := seq.Reserve(ctx, fundingAddr)
	if a != 5 || b != 6 || c != 7 {
		t.Fatalf("unexpected reservations %d %d %d", a, b, c)
	}

	// Releasing the middle nonce makes it the next handout; a gap would
	// stall everything behind it.
	seq.Release(fundingAddr, b)
	got, err := seq.Reserve(ctx, fundingAddr)
	if err != nil {
		t.Fatalf("Reserve error: %v", err)
	}
	if got != b {
		t.Fatalf("reserved %d after release, want %d", got, b)
	}
}

func TestReleaseTopRewindsCursor(t *testing.T) {
	seq := NewSequencer(&nonceClient{pending: 5})
	ctx := context.Background()

	a, _ := seq.Reserve(ctx, fundingAddr)
	seq.Release(fundingAddr, a)
	got, _ := seq.Reserve(ctx, fundingAddr)
	if got != a {
		t.Fatalf("reserved %d after rewinding release, want %d", got, a)
	}
}

func TestReleaseUnknownNonceIgnored(t *testing.T) {
	seq := NewSequencer(&nonceClient{pending: 5})
	ctx := context.Background()

	seq.Release(fundingAddr, 99)
	got, _ := seq.Reserve(ctx, fundingAddr)
	if got != 5 {
		t.Fatalf("reserved %d, want 5", got)
	}
}

func TestConfirmAdvancesIrreversibly(t *testing.T) {
	seq := NewSequencer(&nonceClient{pending: 5})
	ctx := context.Background()

	a, _ := seq.Reserve(ctx, fundingAddr)
	seq.Confirm(fundingAddr, a)

	// Releasing a confirmed nonce must not bring it back.
	seq.Release(fundingAddr, a)
	got, _ := seq.Reserve(ctx, fundingAddr)
	if got != a+1 {
		t.Fatalf("reserved %d after confirm, want %d", got, a+1)
	}
}

func TestRestoreRegistersInFlightNonces(t *testing.T) {
	seq := NewSequencer(&nonceClient{pending: 0})
	ctx := context.Background()

	// Simulates restart recovery: records at nonces 7 and 9 were still
	// in flight when the process died.
	seq.Restore(fundingAddr, 7)
	seq.Restore(fundingAddr, 9)

	got, err := seq.Reserve(ctx, fundingAddr)
	if err != nil {
		t.Fatalf("Reserve error: %v", err)
	}
	if got != 10 {
		t.Fatalf("reserved %d after restore, want 10", got)
	}
}

func TestAccountsAreIndependent(t *testing.T) {
	seq := NewSequencer(&nonceClient{pending: 3})
	ctx := context.Background()
	other := common.HexToAddress("0xBBBB00000000000000000000000000000000BBBB")

	a, _ := seq.Reserve(ctx, fundingAddr)
	b, _ := seq.Reserve(ctx, other)
	if a != 3 || b != 3 {
		t.Fatalf("unexpected cross-account reservations %d %d", a, b)
	}
}
