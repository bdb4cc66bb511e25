package dispatch

import (
	"context"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ligun0805/multisender/internal/logx"
)

func g(x float64) *big.Int {
	out, _ := new(big.Float).Mul(big.NewFloat(x), new(big.Float).SetInt(gwei)).Int(nil)
	return out
}

func TestFeeEstimatorBaseBid(t *testing.T) {
	chain := newFakeChain()
	f := NewFeeEstimator(chain, FeePolicy{BaseMul: 2, Growth: 1.5}, logx.Nop())

	b, err := f.Bid(context.Background(), BidRequest{})
	require.NoError(t, err)
	assert.Equal(t, g(1), b.TipCap)
	assert.Equal(t, g(21), b.FeeCap)

	b, err = f.Bid(context.Background(), BidRequest{AttemptIndex: 2})
	require.NoError(t, err)
	assert.Equal(t, g(2.25), b.TipCap)
	assert.Equal(t, g(22.25), b.FeeCap)
}

func TestFeeEstimatorBidsNeverDecreaseAcrossAttempts(t *testing.T) {
	chain := newFakeChain()
	f := NewFeeEstimator(chain, FeePolicy{BaseMul: 2, Growth: 1.125, BumpPct: 10}, logx.Nop())
	ctx := context.Background()

	var prev *Bid
	for i := 0; i < 6; i++ {
		if i == 3 {
			chain.mu.Lock()
			chain.baseFee = g(2) // market drops
			chain.mu.Unlock()
		}
		b, err := f.Bid(ctx, BidRequest{AttemptIndex: i, Previous: prev})
		require.NoError(t, err)
		if prev != nil {
			assert.GreaterOrEqual(t, b.FeeCap.Cmp(prev.FeeCap), 0, "attempt %d", i)
			assert.GreaterOrEqual(t, b.TipCap.Cmp(prev.TipCap), 0, "attempt %d", i)
		}
		prev = &b
	}
}

func TestFeeEstimatorTipFloor(t *testing.T) {
	f := NewFeeEstimator(newFakeChain(), FeePolicy{BaseMul: 1, TipFloor: g(3)}, logx.Nop())
	b, err := f.Bid(context.Background(), BidRequest{})
	require.NoError(t, err)
	assert.Equal(t, g(3), b.TipCap)
	assert.Equal(t, g(13), b.FeeCap)
}

func TestFeeEstimatorClampsToCeiling(t *testing.T) {
	f := NewFeeEstimator(newFakeChain(), FeePolicy{BaseMul: 2, Growth: 2, Ceiling: g(15)}, logx.Nop())
	b, err := f.Bid(context.Background(), BidRequest{AttemptIndex: 5})
	require.NoError(t, err)
	assert.Equal(t, g(15), b.FeeCap)
	assert.LessOrEqual(t, b.TipCap.Cmp(b.FeeCap), 0)
}

func TestFeeEstimatorReplacementBump(t *testing.T) {
	f := NewFeeEstimator(newFakeChain(), FeePolicy{BaseMul: 1, BumpPct: 10}, logx.Nop())
	prev := Bid{FeeCap: g(20), TipCap: g(2)}
	b, err := f.Bid(context.Background(), BidRequest{Previous: &prev, Replacing: true})
	require.NoError(t, err)
	assert.Equal(t, g(22), b.FeeCap)
	assert.Equal(t, g(2.2), b.TipCap)
}

func TestFeeEstimatorReplacementAboveCeiling(t *testing.T) {
	f := NewFeeEstimator(newFakeChain(), FeePolicy{BaseMul: 1, BumpPct: 10, Ceiling: g(21)}, logx.Nop())
	prev := Bid{FeeCap: g(20), TipCap: g(2)}
	_, err := f.Bid(context.Background(), BidRequest{Previous: &prev, Replacing: true})
	require.ErrorIs(t, err, ErrBidCeiling)

	_, err = f.CancelBid(context.Background(), prev)
	require.ErrorIs(t, err, ErrBidCeiling)
}

func TestFeeEstimatorCancelBidOutbidsOriginal(t *testing.T) {
	f := NewFeeEstimator(newFakeChain(), FeePolicy{BaseMul: 2, BumpPct: 10, CancelMul: 1.2}, logx.Nop())
	prev := Bid{FeeCap: g(21), TipCap: g(1)}
	b, err := f.CancelBid(context.Background(), prev)
	require.NoError(t, err)
	assert.Equal(t, g(25.2), b.FeeCap)
	assert.Equal(t, g(1.2), b.TipCap)
}

func TestFeeEstimatorFallsBackToLastKnown(t *testing.T) {
	chain := newFakeChain()
	chain.feeErr = errBoom
	f := NewFeeEstimator(chain, FeePolicy{BaseMul: 2}, logx.Nop())

	_, err := f.Bid(context.Background(), BidRequest{})
	require.ErrorIs(t, err, ErrNoFeeData)

	chain.mu.Lock()
	chain.feeErr = nil
	chain.mu.Unlock()
	first, err := f.Bid(context.Background(), BidRequest{})
	require.NoError(t, err)

	chain.mu.Lock()
	chain.feeErr = errBoom
	chain.mu.Unlock()
	again, err := f.Bid(context.Background(), BidRequest{})
	require.NoError(t, err)
	assert.Equal(t, first, again)
}

func TestBumpRoundsUp(t *testing.T) {
	assert.Equal(t, big.NewInt(12), bump(big.NewInt(10), 12))
	assert.Equal(t, big.NewInt(11), bump(big.NewInt(9), 12)) // 10.08 -> 11
	assert.Equal(t, big.NewInt(0), bump(big.NewInt(0), 10))
}
