package dispatch

import (
	"context"
	"fmt"
	"math/big"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/ligun0805/multisender/internal/ledger"
	"github.com/ligun0805/multisender/internal/logx"
)

// SchedulerConfig shapes a run.
type SchedulerConfig struct {
	BatchSize     int
	Concurrency   int
	Idle          time.Duration // between batches
	MinDelay      time.Duration // between submissions
	MaxDelay      time.Duration
	WaitForWindow bool // sleep into the next window instead of deferring
	Decimals      int32
}

// Deliverer runs one recipient to a terminal status. *Dispatcher implements it.
type Deliverer interface {
	Deliver(ctx context.Context, r Recipient) Delivery
}

// BalanceSource reads the sender's token balance.
type BalanceSource interface {
	TokenBalance(ctx context.Context, owner common.Address) (*big.Int, error)
}

// Window locates daily quota windows.
type Window interface {
	Start(now time.Time) time.Time
	Next(now time.Time) time.Time
}

// WindowAware progress ledgers drop per-window state when a window starts.
type WindowAware interface {
	RollWindow(start time.Time) error
}

// SchedulerDeps are the collaborators of a Scheduler.
type SchedulerDeps struct {
	Dispatcher Deliverer
	Balances   BalanceSource
	Sequence   *SequenceAllocator
	Quota      *Quota
	Progress   ProgressLedger
	Window     Window
	Sender     common.Address
	Log        logx.Logger
}

// Scheduler partitions recipients into batches and dispatches each batch
// through a bounded worker pool.
type Scheduler struct {
	cfg SchedulerConfig
	SchedulerDeps

	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

func NewScheduler(cfg SchedulerConfig, deps SchedulerDeps) *Scheduler {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.MaxDelay < cfg.MinDelay {
		cfg.MaxDelay = cfg.MinDelay
	}
	deps.Log = deps.Log.With(logx.String("component", "scheduler"))
	return &Scheduler{cfg: cfg, SchedulerDeps: deps, now: time.Now, sleep: sleepCtx}
}

type batchResult struct {
	leftover []Recipient // not dispatched, still owed an outcome
	fatal    error
}

// Run processes recipients in order. Cancelling ctx stops new dispatches;
// attempts already in flight run to completion. A returned error is Fatal
// and means the run was aborted.
func (s *Scheduler) Run(ctx context.Context, recipients []Recipient) (Summary, error) {
	sum := Summary{
		RunID:       uuid.NewString(),
		TotalAmount: decimal.Zero,
		TotalFee:    big.NewInt(0),
		Statuses:    make(map[common.Address]Status, len(recipients)),
	}
	log := s.Log.With(logx.String("run", sum.RunID))
	s.rollWindow(log)

	queue := make([]Recipient, 0, len(recipients))
	seen := make(map[common.Address]bool, len(recipients))
	for _, r := range recipients {
		if seen[r.Address] || s.Progress.IsAlreadySent(r.Address) {
			sum.Skipped = append(sum.Skipped, r)
			continue
		}
		seen[r.Address] = true
		queue = append(queue, r)
	}
	log.Info("run started", logx.Int("recipients", len(recipients)), logx.Int("queued", len(queue)), logx.Int("skipped", len(sum.Skipped)))
	if len(queue) == 0 {
		return sum, nil
	}

	if err := s.preflight(ctx, queue); err != nil {
		log.Error("run aborted before dispatch", logx.Err(err))
		return sum, err
	}

	pending := queue
	quotaFull := s.Quota.Reached()
	for len(pending) > 0 {
		if ctx.Err() != nil {
			s.deferAll(log, pending, &sum, "shutdown")
			break
		}
		// A long run may cross the day boundary.
		if s.rollWindow(log) {
			quotaFull = s.windowFull(pending)
		}
		if quotaFull {
			if !s.cfg.WaitForWindow {
				s.deferAll(log, pending, &sum, "daily quota reached")
				break
			}
			if err := s.waitForWindow(ctx, log); err != nil {
				s.deferAll(log, pending, &sum, "shutdown")
				break
			}
			quotaFull = false
			continue
		}

		n := min(s.cfg.BatchSize, len(pending))
		batch := pending[:n]
		pending = pending[n:]

		res := s.runBatch(ctx, log.With(logx.Int("batch", sum.Batches+1)), batch, &sum)
		sum.Batches++
		if res.fatal != nil {
			s.deferAll(log, append(res.leftover, pending...), &sum, "run aborted")
			log.Error("run aborted", logx.Err(res.fatal))
			return sum, res.fatal
		}
		if len(res.leftover) > 0 {
			pending = append(res.leftover, pending...)
			// Reservations held during the batch are settled now; failed
			// recipients may have handed room back.
			quotaFull = s.windowFull(pending)
			continue
		}
		quotaFull = s.Quota.Reached()
		if len(pending) > 0 && !quotaFull && ctx.Err() == nil && s.cfg.Idle > 0 {
			sum.Idles++
			log.Info("batch done, idling", logx.Duration("idle", s.cfg.Idle), logx.Int("remaining", len(pending)))
			_ = s.sleep(ctx, s.cfg.Idle)
		}
	}

	log.Info("run finished",
		logx.Int("confirmed", sum.Confirmed),
		logx.String("amount", sum.TotalAmount.String()),
		logx.Int("failed", len(sum.Failed)),
		logx.Int("deferred", len(sum.Deferred)),
		logx.Int("batches", sum.Batches),
		logx.String("fees_eth", ledger.FormatEther(sum.TotalFee)),
	)
	return sum, nil
}

// preflight fails the run when the ledger is unreachable or the sender
// cannot cover what this window will send.
func (s *Scheduler) preflight(ctx context.Context, queue []Recipient) error {
	bal, err := s.Balances.TokenBalance(ctx, s.Sender)
	if err != nil {
		return Fatal(fmt.Errorf("ledger unreachable: %w", err))
	}
	amounts := make([]decimal.Decimal, len(queue))
	for i, r := range queue {
		amounts[i] = r.Amount
	}
	need := decimal.Zero
	for _, a := range amounts[:s.Quota.Plan(amounts)] {
		need = need.Add(a)
	}
	have := ledger.FromBaseUnits(bal, s.cfg.Decimals)
	if have.LessThan(need) {
		return Fatal(fmt.Errorf("%w: have %s, need %s", ErrInsufficientBalance, have, need))
	}
	return nil
}

func (s *Scheduler) runBatch(ctx context.Context, log logx.Logger, batch []Recipient, sum *Summary) batchResult {
	if err := s.Sequence.Resync(ctx); err != nil {
		log.Warn("batch resync failed", logx.Err(err))
	}

	var (
		g   errgroup.Group
		mu  sync.Mutex
		res batchResult
	)
	g.SetLimit(s.cfg.Concurrency)

	for i, r := range batch {
		mu.Lock()
		aborted := res.fatal != nil
		mu.Unlock()
		if aborted || ctx.Err() != nil {
			res.leftover = append([]Recipient(nil), batch[i:]...)
			break
		}
		if i > 0 {
			if err := s.sleep(ctx, s.pace()); err != nil {
				res.leftover = append([]Recipient(nil), batch[i:]...)
				break
			}
		}
		if !s.Quota.Reserve(r.Amount) {
			if !s.Quota.Fits(r.Amount) {
				s.deferOne(log, r, sum, &mu, "amount exceeds daily quota")
				continue
			}
			res.leftover = append([]Recipient(nil), batch[i:]...)
			break
		}
		g.Go(func() error {
			del := s.Dispatcher.Deliver(ctx, r)
			mu.Lock()
			defer mu.Unlock()
			s.settle(log, del, sum)
			if IsFatal(del.Err) && res.fatal == nil {
				res.fatal = del.Err
			}
			return nil
		})
	}
	_ = g.Wait()
	return res
}

// windowFull reports whether the next pending recipient cannot be taken in
// the current window. Call it only with no reservations outstanding.
func (s *Scheduler) windowFull(pending []Recipient) bool {
	if s.Quota.Reached() {
		return true
	}
	return len(pending) > 0 && s.Quota.Plan([]decimal.Decimal{pending[0].Amount}) == 0
}

// settle applies a delivery to quota, sent-set and summary. Caller holds the batch lock.
func (s *Scheduler) settle(log logx.Logger, del Delivery, sum *Summary) {
	r := del.Recipient
	sum.Statuses[r.Address] = del.Status
	switch del.Status {
	case StatusConfirmed:
	case StatusDeferred:
		s.Quota.Release(r.Amount)
		sum.Deferred = append(sum.Deferred, r)
		return
	default:
		s.Quota.Release(r.Amount)
		sum.Failed = append(sum.Failed, r)
		return
	}
	if err := s.Quota.Commit(r.Amount); err != nil {
		log.Error("quota state not persisted", logx.Err(err))
	}
	if err := s.Progress.MarkSent(r.Address); err != nil {
		log.Error("progress record lost", logx.Err(err), logx.String("to", r.Address.Hex()))
	}
	sum.Confirmed++
	sum.TotalAmount = sum.TotalAmount.Add(r.Amount)
	if fee := del.Last().FeeUsed; fee != nil {
		sum.TotalFee.Add(sum.TotalFee, fee)
	}
}

func (s *Scheduler) deferOne(log logx.Logger, r Recipient, sum *Summary, mu *sync.Mutex, reason string) {
	o := Outcome{Status: StatusDeferred, Reason: reason, At: s.now()}
	if err := s.Progress.RecordOutcome(r, o); err != nil {
		log.Error("progress record lost", logx.Err(err), logx.String("to", r.Address.Hex()))
	}
	if mu != nil {
		mu.Lock()
		defer mu.Unlock()
	}
	sum.Statuses[r.Address] = StatusDeferred
	sum.Deferred = append(sum.Deferred, r)
}

func (s *Scheduler) deferAll(log logx.Logger, rs []Recipient, sum *Summary, reason string) {
	if len(rs) == 0 {
		return
	}
	log.Warn("deferring recipients", logx.Int("count", len(rs)), logx.String("reason", reason))
	for _, r := range rs {
		s.deferOne(log, r, sum, nil, reason)
	}
}

func (s *Scheduler) waitForWindow(ctx context.Context, log logx.Logger) error {
	now := s.now()
	next := s.Window.Next(now)
	log.Info("daily quota reached, waiting for next window", logx.Time("until", next))
	if err := s.sleep(ctx, next.Sub(now)); err != nil {
		return err
	}
	s.rollWindow(log)
	return nil
}

// rollWindow moves quota and sent-set into the window containing now. It
// reports whether a new window began.
func (s *Scheduler) rollWindow(log logx.Logger) bool {
	now := s.now()
	reset, err := s.Quota.Roll(now)
	if err != nil {
		log.Error("quota state not persisted", logx.Err(err))
	}
	if reset {
		log.Info("new quota window", logx.Time("start", s.Window.Start(now)))
	}
	if wa, ok := s.Progress.(WindowAware); ok {
		if err := wa.RollWindow(s.Window.Start(now)); err != nil {
			log.Error("sent-set not rolled", logx.Err(err))
		}
	}
	return reset
}

func (s *Scheduler) pace() time.Duration {
	span := s.cfg.MaxDelay - s.cfg.MinDelay
	if span <= 0 {
		return s.cfg.MinDelay
	}
	return s.cfg.MinDelay + rand.N(span+1)
}
