package gasstation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"testing"
	"time"
)

type fakeSource struct {
	name  string
	tiers Tiers
	err   error
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) Tiers(context.Context) (Tiers, error) {
	if f.err != nil {
		return Tiers{}, f.err
	}
	return f.tiers, nil
}

func gwei(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1e9))
}

func flatTiers(n int64) Tiers {
	return Tiers{Slow: gwei(n), Standard: gwei(n + 1), Fast: gwei(n + 2)}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRefreshMediansAcrossSources(t *testing.T) {
	sources := []Source{
		&fakeSource{name: "a", tiers: flatTiers(10)},
		&fakeSource{name: "b", tiers: flatTiers(20)},
		&fakeSource{name: "c", tiers: flatTiers(30)},
	}
	station := New(sources, Config{MinQuorum: 2}, testLogger())

	snap, err := station.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh error: %v", err)
	}
	if snap.SlowWei.Cmp(gwei(20)) != 0 {
		t.Fatalf("slow median %s, want %s", snap.SlowWei, gwei(20))
	}
	if snap.StandardWei.Cmp(gwei(21)) != 0 {
		t.Fatalf("standard median %s, want %s", snap.StandardWei, gwei(21))
	}
	if len(snap.Sources) != 3 {
		t.Fatalf("sources %v, want all three", snap.Sources)
	}
	if snap.Stale {
		t.Fatal("fresh snapshot marked stale")
	}
}

func TestRefreshEvenCountAveragesMiddle(t *testing.T) {
	sources := []Source{
		&fakeSource{name: "a", tiers: flatTiers(10)},
		&fakeSource{name: "b", tiers: flatTiers(20)},
	}
	station := New(sources, Config{}, testLogger())

	snap, err := station.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh error: %v", err)
	}
	if snap.SlowWei.Cmp(gwei(15)) != 0 {
		t.Fatalf("slow median %s, want %s", snap.SlowWei, gwei(15))
	}
}

func TestRefreshRejectsOutlier(t *testing.T) {
	// One source reports 50x the consensus; it must not poison the median.
	sources := []Source{
		&fakeSource{name: "a", tiers: flatTiers(10)},
		&fakeSource{name: "b", tiers: flatTiers(12)},
		&fakeSource{name: "wild", tiers: flatTiers(500)},
	}
	station := New(sources, Config{OutlierMultiplier: 5}, testLogger())

	snap, err := station.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh error: %v", err)
	}
	if len(snap.Sources) != 2 {
		t.Fatalf("sources %v, want outlier excluded", snap.Sources)
	}
	if snap.SlowWei.Cmp(gwei(11)) != 0 {
		t.Fatalf("slow median %s, want %s", snap.SlowWei, gwei(11))
	}
}

func TestRefreshFailedSourceDoesNotPoison(t *testing.T) {
	sources := []Source{
		&fakeSource{name: "a", tiers: flatTiers(10)},
		&fakeSource{name: "down", err: errors.New("connection refused")},
	}
	station := New(sources, Config{MinQuorum: 1}, testLogger())

	snap, err := station.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh error: %v", err)
	}
	if len(snap.Sources) != 1 || snap.Sources[0] != "a" {
		t.Fatalf("sources %v, want only the healthy one", snap.Sources)
	}
}

func TestRefreshBelowQuorumKeepsLastSnapshotStale(t *testing.T) {
	healthy := &fakeSource{name: "a", tiers: flatTiers(10)}
	other := &fakeSource{name: "b", tiers: flatTiers(12)}
	station := New([]Source{healthy, other}, Config{MinQuorum: 2}, testLogger())

	if _, err := station.Refresh(context.Background()); err != nil {
		t.Fatalf("initial Refresh error: %v", err)
	}

	other.err = errors.New("timeout")
	snap, err := station.Refresh(context.Background())
	var qerr *QuorumError
	if !errors.As(err, &qerr) {
		t.Fatalf("sub-quorum Refresh error %v, want QuorumError", err)
	}
	if qerr.Succeeded != 1 || qerr.Required != 2 {
		t.Fatalf("QuorumError %d/%d, want 1/2", qerr.Succeeded, qerr.Required)
	}
	if !snap.Stale {
		t.Fatal("sub-quorum refresh must mark the carried snapshot stale")
	}
	if snap.SlowWei.Cmp(gwei(11)) != 0 {
		t.Fatalf("carried snapshot changed: slow %s", snap.SlowWei)
	}
}

func TestRefreshNoSnapshotBelowQuorum(t *testing.T) {
	station := New([]Source{
		&fakeSource{name: "down", err: errors.New("boom")},
	}, Config{MinQuorum: 1}, testLogger())

	var qerr *QuorumError
	if _, err := station.Refresh(context.Background()); !errors.As(err, &qerr) {
		t.Fatalf("expected QuorumError, got %v", err)
	}
	if _, err := station.Current(); !errors.Is(err, ErrNoSnapshot) {
		t.Fatalf("expected ErrNoSnapshot from Current, got %v", err)
	}
}

func TestCurrentMarksOldSnapshotStale(t *testing.T) {
	station := New([]Source{
		&fakeSource{name: "a", tiers: flatTiers(10)},
	}, Config{StalenessCeiling: time.Minute}, testLogger())

	base := time.Unix(1700000000, 0)
	station.SetClock(func() time.Time { return base })
	if _, err := station.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh error: %v", err)
	}

	station.SetClock(func() time.Time { return base.Add(30 * time.Second) })
	snap, err := station.Current()
	if err != nil {
		t.Fatalf("Current error: %v", err)
	}
	if snap.Stale {
		t.Fatal("snapshot within ceiling marked stale")
	}

	station.SetClock(func() time.Time { return base.Add(2 * time.Minute) })
	snap, err = station.Current()
	if err != nil {
		t.Fatalf("Current error: %v", err)
	}
	if !snap.Stale {
		t.Fatal("snapshot past ceiling not marked stale")
	}
}

func TestOnPublishReceivesSnapshot(t *testing.T) {
	var published []Snapshot
	station := New([]Source{
		&fakeSource{name: "a", tiers: flatTiers(10)},
	}, Config{OnPublish: func(s Snapshot) { published = append(published, s) }}, testLogger())

	if _, err := station.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh error: %v", err)
	}
	if len(published) != 1 {
		t.Fatalf("OnPublish called %d times, want 1", len(published))
	}
	if published[0].SlowWei.Cmp(gwei(10)) != 0 {
		t.Fatalf("published slow %s, want %s", published[0].SlowWei, gwei(10))
	}
}

func TestParseTierDefaultsToStandard(t *testing.T) {
	tier, err := ParseTier("")
	if err != nil || tier != TierStandard {
		t.Fatalf("ParseTier(\"\") = %v, %v", tier, err)
	}
	if _, err := ParseTier("warp"); err == nil {
		t.Fatal("expected error for unknown tier")
	}
}
