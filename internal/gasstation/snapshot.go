package gasstation

import (
	"fmt"
	"math/big"
	"time"
)

// Tier selects one of the published fee recommendations.
type Tier string

const (
	TierSlow     Tier = "slow"
	TierStandard Tier = "standard"
	TierFast     Tier = "fast"
)

func ParseTier(s string) (Tier, error) {
	switch Tier(s) {
	case TierSlow, TierStandard, TierFast:
		return Tier(s), nil
	case "":
		return TierStandard, nil
	}
	return "", fmt.Errorf("unknown gas tier %q", s)
}

// Tiers is one source's raw recommendation, wei per gas.
type Tiers struct {
	Slow     *big.Int
	Standard *big.Int
	Fast     *big.Int
}

func (t Tiers) valid() bool {
	for _, v := range []*big.Int{t.Slow, t.Standard, t.Fast} {
		if v == nil || v.Sign() <= 0 {
			return false
		}
	}
	return true
}

// Snapshot is a fully-formed aggregation result. It is replaced wholesale
// on every refresh and never mutated after publication; readers always get
// copies.
type Snapshot struct {
	SlowWei     *big.Int
	StandardWei *big.Int
	FastWei     *big.Int
	ObservedAt  time.Time
	Sources     []string
	Stale       bool
}

func (s Snapshot) Price(tier Tier) *big.Int {
	switch tier {
	case TierSlow:
		return s.SlowWei
	case TierFast:
		return s.FastWei
	default:
		return s.StandardWei
	}
}

func (s Snapshot) clone() Snapshot {
	out := s
	out.SlowWei = new(big.Int).Set(s.SlowWei)
	out.StandardWei = new(big.Int).Set(s.StandardWei)
	out.FastWei = new(big.Int).Set(s.FastWei)
	out.Sources = append([]string(nil), s.Sources...)
	return out
}
