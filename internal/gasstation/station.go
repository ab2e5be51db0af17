package gasstation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

var (
	// ErrNoSnapshot means no refresh has ever succeeded.
	ErrNoSnapshot = errors.New("no gas price snapshot available yet")
)

// QuorumError reports a refresh cycle with too few surviving sources. The
// previous snapshot stays published (marked stale); the process keeps going.
type QuorumError struct {
	Succeeded int
	Required  int
}

func (e *QuorumError) Error() string {
	return fmt.Sprintf("gas oracle quorum not met: %d of %d required sources", e.Succeeded, e.Required)
}

type Config struct {
	RefreshInterval   time.Duration
	SourceTimeout     time.Duration
	MinQuorum         int
	OutlierMultiplier int64
	StalenessCeiling  time.Duration

	// OnPublish is invoked after each successful refresh with the new
	// snapshot, outside the publication lock. Used to persist snapshots.
	OnPublish func(Snapshot)
}

// Station aggregates independent price sources into tiered
// recommendations. Refresh cycles run in the background; Current never
// blocks and always returns the last published snapshot.
type Station struct {
	sources []Source
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time

	refreshing atomic.Bool
	mu         sync.RWMutex
	snapshot   *Snapshot
}

func New(sources []Source, cfg Config, logger *slog.Logger) *Station {
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 30 * time.Second
	}
	if cfg.SourceTimeout <= 0 {
		cfg.SourceTimeout = 10 * time.Second
	}
	if cfg.MinQuorum <= 0 {
		cfg.MinQuorum = 1
	}
	if cfg.OutlierMultiplier <= 0 {
		cfg.OutlierMultiplier = 10
	}
	if cfg.StalenessCeiling <= 0 {
		cfg.StalenessCeiling = 5 * time.Minute
	}
	return &Station{sources: sources, cfg: cfg, logger: logger, now: time.Now}
}

// SetClock overrides the time source. Test hook.
func (s *Station) SetClock(now func() time.Time) { s.now = now }

func (s *Station) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.cfg.RefreshInterval)
		defer ticker.Stop()
		if _, err := s.Refresh(ctx); err != nil {
			s.logger.Warn("gas station initial refresh failed", "error", err)
		}
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.Refresh(ctx); err != nil {
					s.logger.Warn("gas station refresh failed", "error", err)
				}
			}
		}
	}()
}

// Refresh queries every source in parallel and publishes a new snapshot.
// Safe to call repeatedly and concurrently: overlapping calls collapse into
// the in-flight cycle and return the current snapshot.
func (s *Station) Refresh(ctx context.Context) (Snapshot, error) {
	if !s.refreshing.CompareAndSwap(false, true) {
		return s.Current()
	}
	defer s.refreshing.Store(false)

	type result struct {
		name  string
		tiers Tiers
		err   error
	}
	results := make([]result, len(s.sources))

	g, gctx := errgroup.WithContext(ctx)
	for i, src := range s.sources {
		i, src := i, src
		g.Go(func() error {
			srcCtx, cancel := context.WithTimeout(gctx, s.cfg.SourceTimeout)
			defer cancel()
			tiers, err := src.Tiers(srcCtx)
			results[i] = result{name: src.Name(), tiers: tiers, err: err}
			return nil // a failed source never cancels its siblings
		})
	}
	_ = g.Wait()

	var names []string
	var tiers []Tiers
	for _, r := range results {
		if r.err != nil {
			s.logger.Warn("gas source failed", "source", r.name, "error", r.err)
			continue
		}
		if !r.tiers.valid() {
			s.logger.Warn("gas source returned non-positive price", "source", r.name)
			continue
		}
		names = append(names, r.name)
		tiers = append(tiers, r.tiers)
	}

	names, tiers = s.rejectOutliers(names, tiers)

	if len(tiers) < s.cfg.MinQuorum {
		s.markStale()
		snap, _ := s.Current()
		return snap, &QuorumError{Succeeded: len(tiers), Required: s.cfg.MinQuorum}
	}

	snap := Snapshot{
		SlowWei:     medianOf(collect(tiers, func(t Tiers) *big.Int { return t.Slow })),
		StandardWei: medianOf(collect(tiers, func(t Tiers) *big.Int { return t.Standard })),
		FastWei:     medianOf(collect(tiers, func(t Tiers) *big.Int { return t.Fast })),
		ObservedAt:  s.now(),
		Sources:     names,
	}

	s.mu.Lock()
	s.snapshot = &snap
	s.mu.Unlock()

	s.logger.Info("gas prices refreshed",
		"standard_wei", snap.StandardWei.String(),
		"sources", len(names))
	if s.cfg.OnPublish != nil {
		s.cfg.OnPublish(snap.clone())
	}
	return snap.clone(), nil
}

// Current returns the last published snapshot without blocking. A snapshot
// older than the staleness ceiling is returned with Stale set so callers
// know what they are getting.
func (s *Station) Current() (Snapshot, error) {
	s.mu.RLock()
	snap := s.snapshot
	s.mu.RUnlock()
	if snap == nil {
		return Snapshot{}, ErrNoSnapshot
	}
	out := snap.clone()
	if s.now().Sub(out.ObservedAt) > s.cfg.StalenessCeiling {
		out.Stale = true
	}
	return out, nil
}

func (s *Station) markStale() {
	s.mu.Lock()
	if s.snapshot != nil {
		stale := s.snapshot.clone()
		stale.Stale = true
		s.snapshot = &stale
	}
	s.mu.Unlock()
}

// rejectOutliers drops any source whose tier value exceeds the configured
// multiple of the median of the other sources' same tier. With fewer than
// three sources there is no meaningful "median of the others" to compare
// against, so everything survives.
func (s *Station) rejectOutliers(names []string, tiers []Tiers) ([]string, []Tiers) {
	if len(tiers) < 3 {
		return names, tiers
	}
	limit := big.NewInt(s.cfg.OutlierMultiplier)
	keptNames := names[:0]
	var kept []Tiers
	for i := range tiers {
		if s.isOutlier(tiers, i, limit) {
			s.logger.Warn("gas source rejected as outlier", "source", names[i])
			continue
		}
		keptNames = append(keptNames, names[i])
		kept = append(kept, tiers[i])
	}
	return keptNames, kept
}

func (s *Station) isOutlier(tiers []Tiers, idx int, limit *big.Int) bool {
	extract := []func(Tiers) *big.Int{
		func(t Tiers) *big.Int { return t.Slow },
		func(t Tiers) *big.Int { return t.Standard },
		func(t Tiers) *big.Int { return t.Fast },
	}
	for _, get := range extract {
		var others []*big.Int
		for j := range tiers {
			if j != idx {
				others = append(others, get(tiers[j]))
			}
		}
		bound := new(big.Int).Mul(medianOf(others), limit)
		if get(tiers[idx]).Cmp(bound) > 0 {
			return true
		}
	}
	return false
}

func collect(tiers []Tiers, get func(Tiers) *big.Int) []*big.Int {
	out := make([]*big.Int, len(tiers))
	for i, t := range tiers {
		out[i] = get(t)
	}
	return out
}

// medianOf prefers the median over the mean so a single manipulated source
// cannot drag the published price.
func medianOf(values []*big.Int) *big.Int {
	sorted := make([]*big.Int, len(values))
	copy(sorted, values)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Cmp(sorted[j]) < 0 })
	n := len(sorted)
	if n == 0 {
		return big.NewInt(0)
	}
	if n%2 == 1 {
		return new(big.Int).Set(sorted[n/2])
	}
	sum := new(big.Int).Add(sorted[n/2-1], sorted[n/2])
	return sum.Div(sum, big.NewInt(2))
}
