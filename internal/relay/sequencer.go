package relay

import (
	"context"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"saferelay/internal/chain"
)

// Sequencer hands out funding-account nonces. All reserve/release/confirm
// operations on one account run in a single critical section; independent
// accounts proceed in parallel. Reservations are monotonically increasing
// from the account's best-known pending nonce, except that a nonce
// released before anything was ever sent with it goes back to the pool and
// is reused first — leaving it unused would stall every transaction behind
// the gap.
type Sequencer struct {
	client chain.Client

	mu       sync.Mutex
	accounts map[common.Address]*accountNonces
}

type accountNonces struct {
	mu          sync.Mutex
	initialized bool
	next        uint64
	free        []uint64
	reserved    map[uint64]bool
}

func NewSequencer(client chain.Client) *Sequencer {
	return &Sequencer{
		client:   client,
		accounts: make(map[common.Address]*accountNonces),
	}
}

func (s *Sequencer) account(addr common.Address) *accountNonces {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[addr]
	if !ok {
		acct = &accountNonces{reserved: make(map[uint64]bool)}
		s.accounts[addr] = acct
	}
	return acct
}

// Reserve allocates the next nonce for the funding account. The first
// reservation seeds the cursor from the node's pending nonce.
func (s *Sequencer) Reserve(ctx context.Context, addr common.Address) (uint64, error) {
	acct := s.account(addr)
	acct.mu.Lock()
	defer acct.mu.Unlock()

	if !acct.initialized {
		nonce, err := s.client.PendingNonceAt(ctx, addr)
		if err != nil {
			return 0, err
		}
		if nonce > acct.next {
			acct.next = nonce
		}
		acct.initialized = true
	}

	if len(acct.free) > 0 {
		n := acct.free[0]
		acct.free = acct.free[1:]
		acct.reserved[n] = true
		return n, nil
	}
	n := acct.next
	acct.next++
	acct.reserved[n] = true
	return n, nil
}

// Release returns a nonce to the reusable pool. Callers must only release
// a nonce no transaction was ever sent with; a nonce that reached the
// network stays reserved and can only be consumed or replaced.
func (s *Sequencer) Release(addr common.Address, nonce uint64) {
	acct := s.account(addr)
	acct.mu.Lock()
	defer acct.mu.Unlock()

	if !acct.reserved[nonce] {
		return
	}
	delete(acct.reserved, nonce)
	if nonce+1 == acct.next && len(acct.free) == 0 {
		acct.next = nonce
		return
	}
	acct.free = append(acct.free, nonce)
	sort.Slice(acct.free, func(i, j int) bool { return acct.free[i] < acct.free[j] })
}

// Confirm records that nonce was consumed on chain and advances the cursor
// irreversibly past it.
func (s *Sequencer) Confirm(addr common.Address, nonce uint64) {
	acct := s.account(addr)
	acct.mu.Lock()
	defer acct.mu.Unlock()

	delete(acct.reserved, nonce)
	if nonce >= acct.next {
		acct.next = nonce + 1
	}
	kept := acct.free[:0]
	for _, f := range acct.free {
		if f > nonce {
			kept = append(kept, f)
		}
	}
	acct.free = kept
	acct.initialized = true
}

// Restore re-registers a reservation from persisted state after a restart,
// so in-flight broadcasts keep their nonces and new reservations start
// above them.
func (s *Sequencer) Restore(addr common.Address, nonce uint64) {
	acct := s.account(addr)
	acct.mu.Lock()
	defer acct.mu.Unlock()

	acct.reserved[nonce] = true
	if nonce >= acct.next {
		acct.next = nonce + 1
	}
	acct.initialized = true
}
