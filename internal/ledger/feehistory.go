package ledger

import (
	"context"
	"errors"
	"math/big"
)

// RewardStats aggregates one reward percentile over a block range.
type RewardStats struct {
	Min *big.Int
	Avg *big.Int
	Max *big.Int
}

// FeeSnapshot is a summary of recent fee market activity.
type FeeSnapshot struct {
	Blocks      int
	NextBaseFee *big.Int // base fee of the pending block
	Rewards     map[int]RewardStats
}

// FeeHistory reads eth_feeHistory over the last blocks and aggregates the
// given reward percentiles.
func (c *Client) FeeHistory(ctx context.Context, blocks int, percentiles []int) (FeeSnapshot, error) {
	if blocks <= 0 {
		blocks = 100
	}
	if len(percentiles) == 0 {
		percentiles = []int{50, 95, 99}
	}
	if err := c.throttle(ctx); err != nil {
		return FeeSnapshot{}, err
	}
	ps := make([]float64, len(percentiles))
	for i, p := range percentiles {
		ps[i] = float64(p)
	}
	fh, err := c.ec.FeeHistory(ctx, uint64(blocks), nil, ps)
	if err != nil {
		return FeeSnapshot{}, err
	}
	if len(fh.Reward) == 0 {
		return FeeSnapshot{}, errors.New("feeHistory: empty reward")
	}
	snap := FeeSnapshot{Blocks: len(fh.Reward), Rewards: rewardStats(fh.Reward, percentiles)}
	if n := len(fh.BaseFee); n > 0 && fh.BaseFee[n-1] != nil {
		snap.NextBaseFee = new(big.Int).Set(fh.BaseFee[n-1])
	}
	return snap, nil
}

func rewardStats(reward [][]*big.Int, percentiles []int) map[int]RewardStats {
	res := make(map[int]RewardStats, len(percentiles))
	counts := make(map[int]int64, len(percentiles))
	for _, p := range percentiles {
		res[p] = RewardStats{Avg: big.NewInt(0), Max: big.NewInt(0)}
	}
	for _, row := range reward {
		for j := 0; j < len(percentiles) && j < len(row); j++ {
			v := row[j]
			if v == nil {
				continue
			}
			p := percentiles[j]
			st := res[p]
			if st.Min == nil || v.Cmp(st.Min) < 0 {
				st.Min = new(big.Int).Set(v)
			}
			if v.Cmp(st.Max) > 0 {
				st.Max = new(big.Int).Set(v)
			}
			st.Avg.Add(st.Avg, v)
			counts[p]++
			res[p] = st
		}
	}
	for p, st := range res {
		if counts[p] > 0 {
			st.Avg.Div(st.Avg, big.NewInt(counts[p]))
		}
		if st.Min == nil {
			st.Min = big.NewInt(0)
		}
		res[p] = st
	}
	return res
}
