package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core"
	"github.com/ethereum/go-ethereum/core/txpool"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"github.com/ligun0805/multisender/internal/ledger"
	"github.com/ligun0805/multisender/internal/logx"
)

const testKey = "b71c71a67e1177ad4e901695e1b4b9ee17ae16c6668d313eac2f96dbcda3f291"

var (
	testChainID = big.NewInt(11155111)
	testToken   = common.HexToAddress("0x1c7D4B196Cb0C7B01d743Fbc6116a902379C7238")
	gwei        = big.NewInt(1_000_000_000)
)

func addr(i int) common.Address { return common.BigToAddress(big.NewInt(int64(0x1000 + i))) }

// fakeChain is an in-memory ledger for one sending account. Transactions
// mine as soon as their nonce is next in line; transfers to recipients in
// stall never mine, and cancellations always do.
type fakeChain struct {
	mu sync.Mutex

	balance     *big.Int
	balanceErr  error
	baseFee     *big.Int
	tip         *big.Int
	feeErr      error
	estimateErr error

	latest   uint64
	pool     map[uint64]*types.Transaction
	receipts map[common.Hash]*ledger.Receipt

	stall        map[common.Address]int // next n transfers to the address never mine
	revert       map[common.Address]int // next n transfers to the address revert
	stalled      map[common.Hash]bool
	reverting    map[common.Hash]bool
	submitErrs   []error // returned for the next transfer submissions
	acceptErrs   []error // returned after accepting the next transfers
	cancelErr    error   // returned for every cancellation submission
	submitted    []*types.Transaction
	confirmedFor map[common.Address]int
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		balance:      new(big.Int).Mul(big.NewInt(1_000_000), big.NewInt(1_000_000)),
		baseFee:      new(big.Int).Mul(big.NewInt(10), gwei),
		tip:          new(big.Int).Set(gwei),
		pool:         map[uint64]*types.Transaction{},
		receipts:     map[common.Hash]*ledger.Receipt{},
		stall:        map[common.Address]int{},
		revert:       map[common.Address]int{},
		stalled:      map[common.Hash]bool{},
		reverting:    map[common.Hash]bool{},
		confirmedFor: map[common.Address]int{},
	}
}

func (c *fakeChain) SequenceAt(_ context.Context, _ common.Address, tag ledger.Tag) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if tag == ledger.TagLatest {
		return c.latest, nil
	}
	n := c.latest
	for c.pool[n] != nil {
		n++
	}
	return n, nil
}

func (c *fakeChain) BaseFee(context.Context) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.feeErr != nil {
		return nil, c.feeErr
	}
	return new(big.Int).Set(c.baseFee), nil
}

func (c *fakeChain) SuggestTip(context.Context) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.feeErr != nil {
		return nil, c.feeErr
	}
	return new(big.Int).Set(c.tip), nil
}

func (c *fakeChain) TokenBalance(context.Context, common.Address) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.balanceErr != nil {
		return nil, c.balanceErr
	}
	return new(big.Int).Set(c.balance), nil
}

func (c *fakeChain) EstimateTransferGas(context.Context, common.Address, common.Address, *big.Int) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.estimateErr != nil {
		return 0, c.estimateErr
	}
	return 50_000, nil
}

func (c *fakeChain) Submit(_ context.Context, tx *types.Transaction) (common.Hash, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	to, _, isTransfer := ledger.DecodeERC20Transfer(tx.Data())
	if isTransfer && len(c.submitErrs) > 0 {
		err := c.submitErrs[0]
		c.submitErrs = c.submitErrs[1:]
		if err != nil {
			return common.Hash{}, err
		}
	}
	if !isTransfer && c.cancelErr != nil {
		return common.Hash{}, c.cancelErr
	}
	if c.receipts[tx.Hash()] != nil {
		return common.Hash{}, txpool.ErrAlreadyKnown
	}
	nonce := tx.Nonce()
	if nonce < c.latest {
		return common.Hash{}, core.ErrNonceTooLow
	}
	if old := c.pool[nonce]; old != nil {
		if old.Hash() == tx.Hash() {
			return common.Hash{}, txpool.ErrAlreadyKnown
		}
		if !outbids(tx, old) {
			return common.Hash{}, txpool.ErrReplaceUnderpriced
		}
	}
	if isTransfer && c.stall[to] > 0 {
		c.stall[to]--
		c.stalled[tx.Hash()] = true
	}
	if isTransfer && c.revert[to] > 0 {
		c.revert[to]--
		c.reverting[tx.Hash()] = true
	}
	c.pool[nonce] = tx
	c.submitted = append(c.submitted, tx)
	c.mineLocked()
	if isTransfer && len(c.acceptErrs) > 0 {
		err := c.acceptErrs[0]
		c.acceptErrs = c.acceptErrs[1:]
		if err != nil {
			return common.Hash{}, err
		}
	}
	return tx.Hash(), nil
}

// outbids applies the usual 10% replacement rule to both fee fields.
func outbids(tx, old *types.Transaction) bool {
	need := func(x *big.Int) *big.Int { return new(big.Int).Mul(x, big.NewInt(110)) }
	have := func(x *big.Int) *big.Int { return new(big.Int).Mul(x, big.NewInt(100)) }
	return have(tx.GasFeeCap()).Cmp(need(old.GasFeeCap())) >= 0 && have(tx.GasTipCap()).Cmp(need(old.GasTipCap())) >= 0
}

func (c *fakeChain) mineLocked() {
	for {
		tx := c.pool[c.latest]
		if tx == nil || c.stalled[tx.Hash()] {
			return
		}
		to, amount, isTransfer := ledger.DecodeERC20Transfer(tx.Data())
		rc := &ledger.Receipt{
			TxHash:            tx.Hash(),
			Status:            types.ReceiptStatusSuccessful,
			GasUsed:           tx.Gas() / 2,
			EffectiveGasPrice: new(big.Int).Set(gwei),
			BlockNumber:       new(big.Int).SetUint64(c.latest + 1),
		}
		if c.reverting[tx.Hash()] {
			rc.Status = types.ReceiptStatusFailed
		} else if isTransfer {
			c.confirmedFor[to]++
			c.balance.Sub(c.balance, amount)
		}
		c.receipts[tx.Hash()] = rc
		delete(c.pool, c.latest)
		c.latest++
	}
}

// willNeverMineLocked reports stalled transactions and those evicted by a replacement.
func (c *fakeChain) willNeverMineLocked(hash common.Hash) bool {
	if c.stalled[hash] {
		return true
	}
	for _, tx := range c.pool {
		if tx.Hash() == hash {
			return false
		}
	}
	return true
}

func (c *fakeChain) AwaitReceipt(ctx context.Context, hash common.Hash, timeout time.Duration) (*ledger.Receipt, error) {
	deadline := time.Now().Add(timeout)
	for {
		c.mu.Lock()
		rc := c.receipts[hash]
		never := rc == nil && c.willNeverMineLocked(hash)
		c.mu.Unlock()
		if rc != nil {
			return rc, nil
		}
		if never || !time.Now().Before(deadline) {
			return nil, fmt.Errorf("%w after %s", ledger.ErrReceiptTimeout, timeout)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

func (c *fakeChain) ReceiptOf(_ context.Context, hash common.Hash) (*ledger.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.receipts[hash], nil
}

func (c *fakeChain) IsKnown(_ context.Context, hash common.Hash) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.receipts[hash] != nil {
		return true, nil
	}
	for _, tx := range c.pool {
		if tx.Hash() == hash {
			return true, nil
		}
	}
	return false, nil
}

func (c *fakeChain) transferCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, tx := range c.submitted {
		if _, _, ok := ledger.DecodeERC20Transfer(tx.Data()); ok {
			n++
		}
	}
	return n
}

func (c *fakeChain) confirmed(a common.Address) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.confirmedFor[a]
}

type recorded struct {
	Recipient Recipient
	Outcome   Outcome
}

// memProgress is an in-memory ProgressLedger.
type memProgress struct {
	mu       sync.Mutex
	outcomes []recorded
	sent     map[common.Address]bool
	rolls    []time.Time
	err      error
}

func newMemProgress() *memProgress { return &memProgress{sent: map[common.Address]bool{}} }

func (p *memProgress) RecordOutcome(r Recipient, o Outcome) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.outcomes = append(p.outcomes, recorded{r, o})
	return nil
}

func (p *memProgress) IsAlreadySent(a common.Address) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sent[a]
}

func (p *memProgress) MarkSent(a common.Address) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent[a] = true
	return nil
}

func (p *memProgress) RollWindow(start time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rolls = append(p.rolls, start)
	return nil
}

// windows lists the distinct window starts rolled into, in order.
func (p *memProgress) windows() []time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []time.Time
	for _, w := range p.rolls {
		if len(out) == 0 || !out[len(out)-1].Equal(w) {
			out = append(out, w)
		}
	}
	return out
}

func (p *memProgress) byStatus(s Status) []recorded {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []recorded
	for _, r := range p.outcomes {
		if r.Outcome.Status == s {
			out = append(out, r)
		}
	}
	return out
}

func (p *memProgress) all() []recorded {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]recorded(nil), p.outcomes...)
}

type harness struct {
	chain    *fakeChain
	progress *memProgress
	signer   *ledger.KeySigner
	seq      *SequenceAllocator
	fees     *FeeEstimator
	d        *Dispatcher
}

func newHarness(t *testing.T, chain *fakeChain) *harness {
	t.Helper()
	signer, err := ledger.NewKeySigner(testKey, testChainID)
	require.NoError(t, err)
	h := &harness{chain: chain, progress: newMemProgress(), signer: signer}
	h.seq = NewSequenceAllocator(chain, signer.Address(), logx.Nop())
	h.fees = NewFeeEstimator(chain, FeePolicy{BaseMul: 2, Growth: 1.125, BumpPct: 10, CancelMul: 1.2}, logx.Nop())
	h.d = NewDispatcher(DispatcherConfig{
		ChainID:        testChainID,
		Token:          testToken,
		Decimals:       6,
		BufferPct:      20,
		ConfirmTimeout: 2 * time.Second,
		CancelTimeout:  2 * time.Second,
		SequenceWatch:  30 * time.Millisecond,
		PollInterval:   time.Millisecond,
		Retry:          RetryPolicy{MaxRetries: 3},
	}, chain, signer, h.seq, h.fees, h.progress, logx.Nop())
	return h
}

var errBoom = errors.New("boom")
