package ledger

import (
	"bytes"
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
)

var (
	selTransfer  = common.FromHex("0xa9059cbb") // transfer(address,uint256)
	selBalanceOf = common.FromHex("0x70a08231") // balanceOf(address)
	selDecimals  = common.FromHex("0x313ce567") // decimals()
)

// EncodeERC20Transfer builds transfer(to, amount) calldata.
func EncodeERC20Transfer(to common.Address, amount *big.Int) []byte {
	out := make([]byte, 0, 68)
	out = append(out, selTransfer...)
	out = append(out, common.LeftPadBytes(to.Bytes(), 32)...)
	return append(out, common.LeftPadBytes(amount.Bytes(), 32)...)
}

// DecodeERC20Transfer is the inverse of EncodeERC20Transfer.
func DecodeERC20Transfer(data []byte) (to common.Address, amount *big.Int, ok bool) {
	if len(data) != 68 || !bytes.Equal(data[:4], selTransfer) {
		return common.Address{}, nil, false
	}
	return common.BytesToAddress(data[4:36]), new(big.Int).SetBytes(data[36:68]), true
}

// Small RPC helpers with exponential backoff on rate limiting.
const rpcAttempts = 3

func (c *Client) call(ctx context.Context, msg ethereum.CallMsg) ([]byte, error) {
	backoff := 200 * time.Millisecond
	var lastErr error
	for attempt := 1; attempt <= rpcAttempts; attempt++ {
		if err := c.throttle(ctx); err != nil {
			return nil, err
		}
		ret, err := c.ec.CallContract(ctx, msg, nil)
		if err == nil {
			return ret, nil
		}
		lastErr = err
		if k := Classify(err); k != KindRateLimited && k != KindNetwork {
			return nil, err
		}
		if attempt < rpcAttempts {
			if err := sleepCtx(ctx, backoff); err != nil {
				return nil, err
			}
			backoff *= 2
		}
	}
	return nil, lastErr
}

func (c *Client) estimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	backoff := 200 * time.Millisecond
	var lastErr error
	for attempt := 1; attempt <= rpcAttempts; attempt++ {
		if err := c.throttle(ctx); err != nil {
			return 0, err
		}
		g, err := c.ec.EstimateGas(ctx, msg)
		if err == nil {
			return g, nil
		}
		lastErr = err
		if k := Classify(err); k != KindRateLimited && k != KindNetwork {
			return 0, err
		}
		if attempt < rpcAttempts {
			if err := sleepCtx(ctx, backoff); err != nil {
				return 0, err
			}
			backoff *= 2
		}
	}
	return 0, lastErr
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
