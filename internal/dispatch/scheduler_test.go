package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ligun0805/multisender/internal/logx"
)

type dayWindow struct{}

func (dayWindow) Start(now time.Time) time.Time { return dayStart(now) }
func (dayWindow) Next(now time.Time) time.Time  { return dayStart(now).Add(24 * time.Hour) }

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestScheduler(t *testing.T, h *harness, cfg SchedulerConfig, limits QuotaLimits) *Scheduler {
	t.Helper()
	q, err := NewQuota(limits, nil, dayStart)
	require.NoError(t, err)
	cfg.Decimals = 6
	return NewScheduler(cfg, SchedulerDeps{
		Dispatcher: h.d,
		Balances:   h.chain,
		Sequence:   h.seq,
		Quota:      q,
		Progress:   h.progress,
		Window:     dayWindow{},
		Sender:     h.signer.Address(),
		Log:        logx.Nop(),
	})
}

func recipients(n int, amount string) []Recipient {
	out := make([]Recipient, n)
	for i := range out {
		out[i] = recipient(i+1, amount)
	}
	return out
}

func TestSchedulerRunsBatchesWithIdle(t *testing.T) {
	h := newHarness(t, newFakeChain())
	s := newTestScheduler(t, h, SchedulerConfig{BatchSize: 2, Concurrency: 2, Idle: time.Millisecond}, QuotaLimits{})

	sum, err := s.Run(context.Background(), recipients(5, "1.5"))
	require.NoError(t, err)
	assert.NotEmpty(t, sum.RunID)
	assert.Equal(t, 5, sum.Confirmed)
	assert.Equal(t, 3, sum.Batches)
	assert.Equal(t, 2, sum.Idles)
	assert.True(t, sum.TotalAmount.Equal(decimal.RequireFromString("7.5")))
	assert.Positive(t, sum.TotalFee.Sign())
	assert.Empty(t, sum.Failed)

	nonces := map[uint64]bool{}
	for _, r := range recipients(5, "1.5") {
		assert.Equal(t, 1, h.chain.confirmed(r.Address))
		assert.True(t, h.progress.IsAlreadySent(r.Address))
		assert.Equal(t, StatusConfirmed, sum.Statuses[r.Address])
	}
	for _, rec := range h.progress.byStatus(StatusConfirmed) {
		assert.False(t, nonces[rec.Outcome.Nonce], "nonce %d reused", rec.Outcome.Nonce)
		nonces[rec.Outcome.Nonce] = true
	}
	assert.Len(t, nonces, 5)
}

func TestSchedulerInsufficientBalanceAbortsBeforeDispatch(t *testing.T) {
	chain := newFakeChain()
	chain.balance.SetInt64(4_000_000) // 4 tokens
	h := newHarness(t, chain)
	s := newTestScheduler(t, h, SchedulerConfig{BatchSize: 2, Concurrency: 2}, QuotaLimits{})

	_, err := s.Run(context.Background(), recipients(3, "2"))
	require.Error(t, err)
	assert.True(t, IsFatal(err))
	assert.ErrorIs(t, err, ErrInsufficientBalance)
	assert.Zero(t, chain.transferCount())
	assert.Empty(t, h.progress.all())
}

func TestSchedulerBalanceCheckCoversOnlyQuotaPlan(t *testing.T) {
	chain := newFakeChain()
	chain.balance.SetInt64(4_000_000)
	h := newHarness(t, chain)
	s := newTestScheduler(t, h, SchedulerConfig{BatchSize: 5, Concurrency: 1}, QuotaLimits{MaxCount: 2})

	sum, err := s.Run(context.Background(), recipients(3, "2"))
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Confirmed)
	assert.Len(t, sum.Deferred, 1)
}

func TestSchedulerUnreachableLedgerIsFatal(t *testing.T) {
	chain := newFakeChain()
	chain.balanceErr = errBoom
	h := newHarness(t, chain)
	s := newTestScheduler(t, h, SchedulerConfig{}, QuotaLimits{})

	_, err := s.Run(context.Background(), recipients(1, "1"))
	require.ErrorIs(t, err, errBoom)
	assert.True(t, IsFatal(err))
}

func TestSchedulerSkipsAlreadySentAndDuplicates(t *testing.T) {
	h := newHarness(t, newFakeChain())
	s := newTestScheduler(t, h, SchedulerConfig{BatchSize: 10, Concurrency: 3}, QuotaLimits{})
	list := recipients(3, "1")

	first, err := s.Run(context.Background(), append(list, list[0]))
	require.NoError(t, err)
	assert.Equal(t, 3, first.Confirmed)
	assert.Len(t, first.Skipped, 1)

	second, err := s.Run(context.Background(), list)
	require.NoError(t, err)
	assert.Zero(t, second.Confirmed)
	assert.Len(t, second.Skipped, 3)
	assert.Equal(t, 3, h.chain.transferCount())
	for _, r := range list {
		assert.Equal(t, 1, h.chain.confirmed(r.Address))
	}
}

func TestSchedulerDefersPastQuota(t *testing.T) {
	h := newHarness(t, newFakeChain())
	s := newTestScheduler(t, h, SchedulerConfig{BatchSize: 2, Concurrency: 2}, QuotaLimits{MaxCount: 3})

	sum, err := s.Run(context.Background(), recipients(5, "1"))
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Confirmed)
	assert.Len(t, sum.Deferred, 2)
	assert.Len(t, h.progress.byStatus(StatusDeferred), 2)
	assert.Equal(t, 3, h.chain.transferCount())
}

func TestSchedulerDefersAmountLargerThanQuota(t *testing.T) {
	h := newHarness(t, newFakeChain())
	s := newTestScheduler(t, h, SchedulerConfig{BatchSize: 3, Concurrency: 1}, QuotaLimits{MaxAmount: decimal.NewFromInt(10)})
	list := []Recipient{recipient(1, "2"), recipient(2, "50"), recipient(3, "3")}

	sum, err := s.Run(context.Background(), list)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Confirmed)
	require.Len(t, sum.Deferred, 1)
	assert.Equal(t, addr(2), sum.Deferred[0].Address)
	assert.Zero(t, h.chain.confirmed(addr(2)))
}

func TestSchedulerWaitsForNextWindow(t *testing.T) {
	h := newHarness(t, newFakeChain())
	s := newTestScheduler(t, h, SchedulerConfig{BatchSize: 2, Concurrency: 1, WaitForWindow: true}, QuotaLimits{MaxCount: 2})
	clock := &fakeClock{t: time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)}
	var waits []time.Duration
	s.now = clock.Now
	s.sleep = func(ctx context.Context, d time.Duration) error {
		if d > 0 {
			waits = append(waits, d)
		}
		clock.Advance(d)
		return ctx.Err()
	}

	sum, err := s.Run(context.Background(), recipients(5, "1"))
	require.NoError(t, err)
	assert.Equal(t, 5, sum.Confirmed)
	assert.Empty(t, sum.Deferred)
	assert.Equal(t, []time.Duration{15 * time.Hour, 24 * time.Hour}, waits)
	assert.Len(t, h.progress.windows(), 3)
}

func TestSchedulerShutdownDefersRemaining(t *testing.T) {
	h := newHarness(t, newFakeChain())
	s := newTestScheduler(t, h, SchedulerConfig{BatchSize: 2, Concurrency: 2, Idle: time.Hour}, QuotaLimits{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.sleep = func(ctx context.Context, d time.Duration) error {
		if d == time.Hour {
			cancel()
		}
		return ctx.Err()
	}

	sum, err := s.Run(ctx, recipients(5, "1"))
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Confirmed)
	assert.Equal(t, 1, sum.Idles)
	assert.Len(t, sum.Deferred, 3)
	for _, r := range sum.Deferred {
		assert.Equal(t, StatusDeferred, sum.Statuses[r.Address])
	}
}

func TestSchedulerRecordsFailuresAndContinues(t *testing.T) {
	h := newHarness(t, newFakeChain())
	s := newTestScheduler(t, h, SchedulerConfig{BatchSize: 3, Concurrency: 1}, QuotaLimits{MaxCount: 3})
	list := []Recipient{recipient(1, "1"), {Address: addr(2), Amount: decimal.Zero}, recipient(3, "1")}

	sum, err := s.Run(context.Background(), list)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Confirmed)
	require.Len(t, sum.Failed, 1)
	assert.Equal(t, addr(2), sum.Failed[0].Address)
	assert.False(t, h.progress.IsAlreadySent(addr(2)))

	count, _ := s.Quota.Remaining()
	assert.Equal(t, 1, count, "failed recipients give their quota reservation back")
}

func TestSchedulerPaceWithinBounds(t *testing.T) {
	s := NewScheduler(SchedulerConfig{MinDelay: 10 * time.Millisecond, MaxDelay: 20 * time.Millisecond}, SchedulerDeps{Log: logx.Nop()})
	for i := 0; i < 200; i++ {
		d := s.pace()
		assert.GreaterOrEqual(t, d, 10*time.Millisecond)
		assert.LessOrEqual(t, d, 20*time.Millisecond)
	}
}

// scriptedDeliverer settles recipients without a chain.
type scriptedDeliverer struct {
	delay  time.Duration
	status map[common.Address]Status

	mu    sync.Mutex
	calls []common.Address
}

func (d *scriptedDeliverer) Deliver(ctx context.Context, r Recipient) Delivery {
	time.Sleep(d.delay)
	d.mu.Lock()
	d.calls = append(d.calls, r.Address)
	d.mu.Unlock()
	switch st := d.status[r.Address]; st {
	case StatusFailed:
		return Delivery{Recipient: r, Status: st, Err: errBoom}
	case StatusDeferred:
		return Delivery{Recipient: r, Status: st}
	}
	return Delivery{Recipient: r, Status: StatusConfirmed, Outcomes: []Outcome{{Status: StatusConfirmed}}}
}

func TestSchedulerReusesQuotaReleasedByFailures(t *testing.T) {
	h := newHarness(t, newFakeChain())
	s := newTestScheduler(t, h, SchedulerConfig{BatchSize: 3, Concurrency: 3}, QuotaLimits{MaxCount: 2})
	stub := &scriptedDeliverer{delay: 20 * time.Millisecond, status: map[common.Address]Status{addr(1): StatusFailed}}
	s.Dispatcher = stub

	sum, err := s.Run(context.Background(), recipients(3, "1"))
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Confirmed)
	require.Len(t, sum.Failed, 1)
	assert.Equal(t, addr(1), sum.Failed[0].Address)
	assert.Empty(t, sum.Deferred)
	assert.Equal(t, StatusConfirmed, sum.Statuses[addr(3)])
	assert.Len(t, stub.calls, 3)
	assert.True(t, s.Quota.Reached())
}

func TestSchedulerCountsDeferredDeliveries(t *testing.T) {
	h := newHarness(t, newFakeChain())
	s := newTestScheduler(t, h, SchedulerConfig{BatchSize: 2, Concurrency: 2}, QuotaLimits{MaxCount: 5})
	s.Dispatcher = &scriptedDeliverer{status: map[common.Address]Status{addr(2): StatusDeferred}}

	sum, err := s.Run(context.Background(), recipients(2, "1"))
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Confirmed)
	assert.Empty(t, sum.Failed)
	require.Len(t, sum.Deferred, 1)
	assert.Equal(t, StatusDeferred, sum.Statuses[addr(2)])
	count, _ := s.Quota.Remaining()
	assert.Equal(t, 4, count)
}

func TestSchedulerRollsWindowDuringRun(t *testing.T) {
	h := newHarness(t, newFakeChain())
	s := newTestScheduler(t, h, SchedulerConfig{BatchSize: 1, Concurrency: 1, Idle: time.Minute}, QuotaLimits{MaxCount: 2})
	clock := &fakeClock{t: time.Date(2026, 10, 16, 23, 59, 0, 0, time.UTC)}
	s.now = clock.Now
	s.sleep = func(ctx context.Context, d time.Duration) error {
		clock.Advance(d)
		return ctx.Err()
	}

	sum, err := s.Run(context.Background(), recipients(3, "1"))
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Confirmed)
	assert.Empty(t, sum.Deferred)
	assert.Equal(t, []time.Time{
		time.Date(2026, 10, 16, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 10, 17, 0, 0, 0, 0, time.UTC),
	}, h.progress.windows())
	assert.Equal(t, 2, s.Quota.State().SentCount)
}
