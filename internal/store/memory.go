package store

import (
	"context"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"saferelay/internal/gasstation"
	"saferelay/internal/relay"
)

// Memory keeps the full relay state in process. Used by the test suite
// and by single-node deployments that accept losing in-flight state on
// restart.
type Memory struct {
	mu sync.RWMutex

	// records keyed by request hash, each slice ordered by attempt.
	records map[common.Hash][]*relay.Record
	byTx    map[common.Hash]*relay.Record

	predByKey  map[common.Hash]*relay.Prediction
	predByAddr map[common.Address]*relay.Prediction

	snapshot    gasstation.Snapshot
	hasSnapshot bool
}

func NewMemory() *Memory {
	return &Memory{
		records:    make(map[common.Hash][]*relay.Record),
		byTx:       make(map[common.Hash]*relay.Record),
		predByKey:  make(map[common.Hash]*relay.Prediction),
		predByAddr: make(map[common.Address]*relay.Prediction),
	}
}

func (m *Memory) InsertRecord(_ context.Context, rec *relay.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := cloneRecord(rec)
	m.records[rec.RequestHash] = append(m.records[rec.RequestHash], cp)
	if rec.ChainTxHash != (common.Hash{}) {
		m.byTx[rec.ChainTxHash] = cp
	}
	return nil
}

func (m *Memory) UpdateRecord(_ context.Context, rec *relay.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	attempts := m.records[rec.RequestHash]
	for i, got := range attempts {
		if got.Attempt == rec.Attempt {
			cp := cloneRecord(rec)
			attempts[i] = cp
			if rec.ChainTxHash != (common.Hash{}) {
				m.byTx[rec.ChainTxHash] = cp
			}
			return nil
		}
	}
	return relay.ErrNotFound
}

func (m *Memory) ActiveRecord(_ context.Context, requestHash common.Hash) (*relay.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	attempts := m.records[requestHash]
	if len(attempts) == 0 {
		return nil, relay.ErrNotFound
	}
	latest := attempts[0]
	for _, rec := range attempts[1:] {
		if rec.Attempt > latest.Attempt {
			latest = rec
		}
	}
	return cloneRecord(latest), nil
}

func (m *Memory) RecordByChainTx(_ context.Context, txHash common.Hash) (*relay.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.byTx[txHash]
	if !ok {
		return nil, relay.ErrNotFound
	}
	return cloneRecord(rec), nil
}

func (m *Memory) RecordsByLineage(_ context.Context, requestHash common.Hash) ([]*relay.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	attempts := m.records[requestHash]
	out := make([]*relay.Record, len(attempts))
	for i, rec := range attempts {
		out[i] = cloneRecord(rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Attempt < out[j].Attempt })
	return out, nil
}

func (m *Memory) RecordsByStatus(_ context.Context, statuses ...relay.Status) ([]*relay.Record, error) {
	want := make(map[relay.Status]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*relay.Record
	for _, attempts := range m.records {
		for _, rec := range attempts {
			if want[rec.Status] {
				out = append(out, cloneRecord(rec))
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *Memory) InsertPrediction(_ context.Context, p *relay.Prediction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.predByKey[p.SpecKey] = &cp
	m.predByAddr[p.Address] = &cp
	return nil
}

func (m *Memory) PredictionByKey(_ context.Context, key common.Hash) (*relay.Prediction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.predByKey[key]
	if !ok {
		return nil, relay.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *Memory) PredictionByAddress(_ context.Context, addr common.Address) (*relay.Prediction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.predByAddr[addr]
	if !ok {
		return nil, relay.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *Memory) MarkDeployed(_ context.Context, addr common.Address) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.predByAddr[addr]
	if !ok {
		return relay.ErrNotFound
	}
	p.Deployed = true
	return nil
}

func (m *Memory) SaveSnapshot(_ context.Context, snap gasstation.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshot = snap
	m.hasSnapshot = true
	return nil
}

func (m *Memory) LatestSnapshot(_ context.Context) (gasstation.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.hasSnapshot {
		return gasstation.Snapshot{}, relay.ErrNotFound
	}
	return m.snapshot, nil
}

func cloneRecord(rec *relay.Record) *relay.Record {
	cp := *rec
	return &cp
}
