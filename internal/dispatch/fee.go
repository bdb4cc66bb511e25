package dispatch

import (
	"context"
	"fmt"
	"math"
	"math/big"
	"sync"

	"github.com/ligun0805/multisender/internal/ledger"
	"github.com/ligun0805/multisender/internal/logx"
)

// Bid is an EIP-1559 fee bid. FeeCap is the price compared against the ceiling.
type Bid struct {
	FeeCap *big.Int
	TipCap *big.Int
}

func (b Bid) String() string {
	return fmt.Sprintf("feeCap=%s tip=%s gwei", ledger.FormatGwei(b.FeeCap), ledger.FormatGwei(b.TipCap))
}

// FeePolicy parameterizes bids. Growth is the per-attempt multiplier curve:
// attempt i bids Growth^i times the base tip.
type FeePolicy struct {
	Ceiling   *big.Int // max fee per gas; nil or zero disables the clamp
	TipFloor  *big.Int
	BaseMul   int64
	Growth    float64
	BumpPct   int64 // minimum increase over a bid being replaced
	CancelMul float64
}

func (p FeePolicy) multiplier(attempt int) float64 {
	if attempt <= 0 || p.Growth <= 1 {
		return 1
	}
	return math.Pow(p.Growth, float64(attempt))
}

// BidRequest describes the attempt being priced. Previous, when set, is the
// last bid used for the same recipient; Replacing means the new transaction
// reuses Previous's sequence number and must outbid it.
type BidRequest struct {
	AttemptIndex int
	Previous     *Bid
	Replacing    bool
}

// FeeEstimator prices attempts off the current base fee.
type FeeEstimator struct {
	oracle FeeOracle
	policy FeePolicy
	log    logx.Logger

	mu       sync.Mutex
	lastBase *big.Int
	lastTip  *big.Int
}

func NewFeeEstimator(oracle FeeOracle, policy FeePolicy, log logx.Logger) *FeeEstimator {
	if policy.BaseMul < 1 {
		policy.BaseMul = 1
	}
	if policy.TipFloor == nil {
		policy.TipFloor = big.NewInt(0)
	}
	if policy.CancelMul < 1 {
		policy.CancelMul = 1
	}
	return &FeeEstimator{oracle: oracle, policy: policy, log: log.With(logx.String("component", "fees"))}
}

// Bid prices an attempt: tip = max(marketTip, floor) * m(attempt),
// feeCap = baseFee*BaseMul + tip, clamped to the ceiling.
func (f *FeeEstimator) Bid(ctx context.Context, req BidRequest) (Bid, error) {
	base, tip, err := f.market(ctx)
	if err != nil {
		return Bid{}, err
	}
	tipBid := scale(tip, f.policy.multiplier(req.AttemptIndex))
	feeCap := new(big.Int).Add(new(big.Int).Mul(base, big.NewInt(f.policy.BaseMul)), tipBid)

	var floor *Bid
	if req.Previous != nil {
		floor = req.Previous
		if req.Replacing {
			floor = &Bid{FeeCap: bump(req.Previous.FeeCap, f.policy.BumpPct), TipCap: bump(req.Previous.TipCap, f.policy.BumpPct)}
		}
		feeCap = maxBig(feeCap, floor.FeeCap)
		tipBid = maxBig(tipBid, floor.TipCap)
	}
	bid := f.clamp(feeCap, tipBid)
	if req.Replacing && floor != nil && (bid.FeeCap.Cmp(floor.FeeCap) < 0 || bid.TipCap.Cmp(floor.TipCap) < 0) {
		return Bid{}, fmt.Errorf("%w: need %s", ErrBidCeiling, floor)
	}
	return bid, nil
}

// CancelBid prices the zero-value replacement for a stuck attempt:
// previous*CancelMul, at least the replacement floor and the current market.
func (f *FeeEstimator) CancelBid(ctx context.Context, previous Bid) (Bid, error) {
	floor := Bid{FeeCap: bump(previous.FeeCap, f.policy.BumpPct), TipCap: bump(previous.TipCap, f.policy.BumpPct)}
	feeCap := maxBig(scale(previous.FeeCap, f.policy.CancelMul), floor.FeeCap)
	tip := maxBig(scale(previous.TipCap, f.policy.CancelMul), floor.TipCap)
	if base, marketTip, err := f.market(ctx); err == nil {
		market := new(big.Int).Add(new(big.Int).Mul(base, big.NewInt(f.policy.BaseMul)), marketTip)
		feeCap = maxBig(feeCap, market)
	}
	bid := f.clamp(feeCap, tip)
	if bid.FeeCap.Cmp(floor.FeeCap) < 0 || bid.TipCap.Cmp(floor.TipCap) < 0 {
		return Bid{}, fmt.Errorf("%w: cancellation needs %s", ErrBidCeiling, floor)
	}
	return bid, nil
}

// market returns base fee and tip, falling back to the last good values.
func (f *FeeEstimator) market(ctx context.Context) (*big.Int, *big.Int, error) {
	base, err := f.oracle.BaseFee(ctx)
	f.mu.Lock()
	defer f.mu.Unlock()
	if err != nil {
		if f.lastBase == nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrNoFeeData, err)
		}
		f.log.Warn("base fee unavailable, using last known", logx.Err(err), logx.String("gwei", ledger.FormatGwei(f.lastBase)))
		base = f.lastBase
	} else {
		f.lastBase = new(big.Int).Set(base)
	}

	tip, tipErr := f.oracle.SuggestTip(ctx)
	switch {
	case tipErr == nil && tip != nil:
		f.lastTip = new(big.Int).Set(tip)
	case f.lastTip != nil:
		tip = f.lastTip
	default:
		tip = f.policy.TipFloor
	}
	return new(big.Int).Set(base), maxBig(tip, f.policy.TipFloor), nil
}

func (f *FeeEstimator) clamp(feeCap, tip *big.Int) Bid {
	if c := f.policy.Ceiling; c != nil && c.Sign() > 0 && feeCap.Cmp(c) > 0 {
		feeCap = new(big.Int).Set(c)
	}
	if tip.Cmp(feeCap) > 0 {
		tip = new(big.Int).Set(feeCap)
	}
	return Bid{FeeCap: feeCap, TipCap: tip}
}

// scale multiplies x by m, truncating toward zero.
func scale(x *big.Int, m float64) *big.Int {
	if m == 1 {
		return new(big.Int).Set(x)
	}
	out, _ := new(big.Float).Mul(new(big.Float).SetInt(x), big.NewFloat(m)).Int(nil)
	return out
}

// bump returns ceil(x * (100+pct) / 100).
func bump(x *big.Int, pct int64) *big.Int {
	n := new(big.Int).Mul(x, big.NewInt(100+pct))
	n.Add(n, big.NewInt(99))
	return n.Div(n, big.NewInt(100))
}

func maxBig(a, b *big.Int) *big.Int {
	if b == nil || (a != nil && a.Cmp(b) >= 0) {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}
