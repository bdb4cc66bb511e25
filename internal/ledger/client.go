// Package ledger talks to an EVM node on behalf of the dispatch engine:
// balances, sequence numbers, fee data, submission and receipts.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"golang.org/x/time/rate"

	"github.com/ligun0805/multisender/internal/logx"
)

// Tag selects which view of the account sequence to read.
type Tag int

const (
	TagLatest  Tag = iota // confirmed
	TagPending            // confirmed plus mempool
)

func (t Tag) String() string {
	if t == TagPending {
		return "pending"
	}
	return "latest"
}

// ErrReceiptTimeout is returned by AwaitReceipt when the wait expires.
var ErrReceiptTimeout = errors.New("confirmation timeout")

// Receipt is the part of a transaction receipt the engine cares about.
type Receipt struct {
	TxHash            common.Hash
	Status            uint64
	GasUsed           uint64
	EffectiveGasPrice *big.Int
	BlockNumber       *big.Int
}

func (r *Receipt) Succeeded() bool { return r != nil && r.Status == types.ReceiptStatusSuccessful }

// FeeUsed is gasUsed * effectiveGasPrice in wei.
func (r *Receipt) FeeUsed() *big.Int {
	if r == nil || r.EffectiveGasPrice == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Mul(new(big.Int).SetUint64(r.GasUsed), r.EffectiveGasPrice)
}

func fromTypes(rc *types.Receipt) *Receipt {
	out := &Receipt{
		TxHash:      rc.TxHash,
		Status:      rc.Status,
		GasUsed:     rc.GasUsed,
		BlockNumber: rc.BlockNumber,
	}
	if rc.EffectiveGasPrice != nil {
		out.EffectiveGasPrice = new(big.Int).Set(rc.EffectiveGasPrice)
	}
	return out
}

// Options tune the client. Zero values pick sane defaults.
type Options struct {
	Token        common.Address
	RateLimit    int // requests per second, 0 disables throttling
	PollInterval time.Duration
	HTTPTimeout  time.Duration
	Log          logx.Logger
}

// Client is a throttled ethclient bound to one ERC-20 token.
type Client struct {
	ec      *ethclient.Client
	token   common.Address
	limiter *rate.Limiter
	poll    time.Duration
	log     logx.Logger
}

// Dial connects over HTTP with keep-alives and a request timeout.
func Dial(ctx context.Context, url string, opt Options) (*Client, error) {
	if opt.HTTPTimeout <= 0 {
		opt.HTTPTimeout = 30 * time.Second
	}
	httpClient := &http.Client{
		Timeout: opt.HTTPTimeout,
		Transport: &http.Transport{
			MaxIdleConns:    100,
			IdleConnTimeout: 90 * time.Second,
		},
	}
	rc, err := rpc.DialOptions(ctx, url, rpc.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	return NewClient(ethclient.NewClient(rc), opt), nil
}

// NewClient wraps an existing ethclient.
func NewClient(ec *ethclient.Client, opt Options) *Client {
	c := &Client{ec: ec, token: opt.Token, poll: opt.PollInterval, log: opt.Log}
	if c.poll <= 0 {
		c.poll = 2 * time.Second
	}
	if opt.RateLimit > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(opt.RateLimit), opt.RateLimit)
	}
	return c
}

func (c *Client) Close() { c.ec.Close() }

func (c *Client) throttle(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}

func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	if err := c.throttle(ctx); err != nil {
		return nil, err
	}
	return c.ec.ChainID(ctx)
}

// HasCode reports whether addr is a contract.
func (c *Client) HasCode(ctx context.Context, addr common.Address) (bool, error) {
	if err := c.throttle(ctx); err != nil {
		return false, err
	}
	code, err := c.ec.CodeAt(ctx, addr, nil)
	if err != nil {
		return false, err
	}
	return len(code) > 0, nil
}

// Decimals reads the token's decimals().
func (c *Client) Decimals(ctx context.Context) (int32, error) {
	res, err := c.call(ctx, ethereum.CallMsg{To: &c.token, Data: common.CopyBytes(selDecimals)})
	if err != nil {
		return 0, fmt.Errorf("decimals(): %w", err)
	}
	if len(res) == 0 {
		return 0, errors.New("decimals(): empty result")
	}
	v := new(big.Int).SetBytes(res)
	if !v.IsUint64() || v.Uint64() > 77 {
		return 0, fmt.Errorf("decimals(): implausible value %s", v)
	}
	return int32(v.Uint64()), nil
}

// TokenBalance reads balanceOf(owner) on the bound token.
func (c *Client) TokenBalance(ctx context.Context, owner common.Address) (*big.Int, error) {
	data := append(common.CopyBytes(selBalanceOf), common.LeftPadBytes(owner.Bytes(), 32)...)
	res, err := c.call(ctx, ethereum.CallMsg{To: &c.token, Data: data})
	if err != nil {
		return nil, fmt.Errorf("balanceOf: %w", err)
	}
	if len(res) == 0 {
		return nil, errors.New("balanceOf: empty result")
	}
	return new(big.Int).SetBytes(res), nil
}

func (c *Client) NativeBalance(ctx context.Context, owner common.Address) (*big.Int, error) {
	if err := c.throttle(ctx); err != nil {
		return nil, err
	}
	return c.ec.BalanceAt(ctx, owner, nil)
}

func (c *Client) SequenceAt(ctx context.Context, account common.Address, tag Tag) (uint64, error) {
	if err := c.throttle(ctx); err != nil {
		return 0, err
	}
	if tag == TagPending {
		return c.ec.PendingNonceAt(ctx, account)
	}
	return c.ec.NonceAt(ctx, account, nil)
}

// EstimateTransferGas estimates transfer(to, amount) sent by from.
func (c *Client) EstimateTransferGas(ctx context.Context, from, to common.Address, amount *big.Int) (uint64, error) {
	msg := ethereum.CallMsg{From: from, To: &c.token, Value: big.NewInt(0), Data: EncodeERC20Transfer(to, amount)}
	return c.estimateGas(ctx, msg)
}

// BaseFee returns the latest header's base fee.
func (c *Client) BaseFee(ctx context.Context) (*big.Int, error) {
	if err := c.throttle(ctx); err != nil {
		return nil, err
	}
	h, err := c.ec.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, err
	}
	if h.BaseFee == nil {
		return nil, errors.New("no baseFee (pre-1559?)")
	}
	return new(big.Int).Set(h.BaseFee), nil
}

// SuggestTip uses eth_maxPriorityFeePerGas.
func (c *Client) SuggestTip(ctx context.Context) (*big.Int, error) {
	if err := c.throttle(ctx); err != nil {
		return nil, err
	}
	return c.ec.SuggestGasTipCap(ctx)
}

func (c *Client) Submit(ctx context.Context, tx *types.Transaction) (common.Hash, error) {
	if err := c.throttle(ctx); err != nil {
		return common.Hash{}, err
	}
	if err := c.ec.SendTransaction(ctx, tx); err != nil {
		return common.Hash{}, err
	}
	return tx.Hash(), nil
}

// ReceiptOf returns nil, nil while the transaction is not mined.
func (c *Client) ReceiptOf(ctx context.Context, hash common.Hash) (*Receipt, error) {
	if err := c.throttle(ctx); err != nil {
		return nil, err
	}
	rc, err := c.ec.TransactionReceipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return fromTypes(rc), nil
}

// IsKnown reports whether the node has seen the transaction (pending or mined).
func (c *Client) IsKnown(ctx context.Context, hash common.Hash) (bool, error) {
	if err := c.throttle(ctx); err != nil {
		return false, err
	}
	_, _, err := c.ec.TransactionByHash(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// AwaitReceipt polls until the receipt appears or timeout elapses.
// Transient RPC errors while polling are logged and retried.
func (c *Client) AwaitReceipt(ctx context.Context, hash common.Hash, timeout time.Duration) (*Receipt, error) {
	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()
	for {
		rc, err := c.ReceiptOf(wctx, hash)
		if rc != nil {
			return rc, nil
		}
		if err != nil && wctx.Err() == nil {
			c.log.Debug("receipt poll failed", logx.String("tx", hash.Hex()), logx.Err(err))
		}
		select {
		case <-wctx.Done():
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%w after %s", ErrReceiptTimeout, timeout)
		case <-ticker.C:
		}
	}
}
