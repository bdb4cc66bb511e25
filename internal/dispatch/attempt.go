package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/ligun0805/multisender/internal/ledger"
	"github.com/ligun0805/multisender/internal/logx"
)

// DispatcherConfig holds per-attempt knobs.
type DispatcherConfig struct {
	ChainID  *big.Int
	Token    common.Address
	Decimals int32

	GasLimit  uint64 // used when estimation fails for a reason other than revert
	BufferPct int64

	ConfirmTimeout    time.Duration
	CancelTimeout     time.Duration
	SequenceWatch     time.Duration
	PollInterval      time.Duration
	AlreadyKnownDelay time.Duration
	MaxFreeResyncs    int // nonce-too-low retries that do not consume the budget

	Retry RetryPolicy
}

func (c DispatcherConfig) withDefaults() DispatcherConfig {
	if c.GasLimit == 0 {
		c.GasLimit = 100000
	}
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = 2 * time.Minute
	}
	if c.CancelTimeout <= 0 {
		c.CancelTimeout = c.ConfirmTimeout
	}
	if c.SequenceWatch <= 0 {
		c.SequenceWatch = 5 * time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.AlreadyKnownDelay <= 0 {
		c.AlreadyKnownDelay = c.PollInterval
	}
	if c.MaxFreeResyncs <= 0 {
		c.MaxFreeResyncs = 5
	}
	c.Retry = c.Retry.withDefaults()
	return c
}

// Dispatcher drives transfer attempts for single recipients. It is safe for
// concurrent use by the scheduler's workers.
type Dispatcher struct {
	cfg      DispatcherConfig
	ledger   Ledger
	signer   Signer
	seq      *SequenceAllocator
	fees     *FeeEstimator
	progress ProgressLedger
	log      logx.Logger

	now   func() time.Time
	sleep func(context.Context, time.Duration) error

	// nonce -> struct{} while a cancellation for it is in flight.
	cancelling sync.Map
}

func NewDispatcher(cfg DispatcherConfig, l Ledger, s Signer, seq *SequenceAllocator, fees *FeeEstimator, progress ProgressLedger, log logx.Logger) *Dispatcher {
	return &Dispatcher{
		cfg:      cfg.withDefaults(),
		ledger:   l,
		signer:   s,
		seq:      seq,
		fees:     fees,
		progress: progress,
		log:      log.With(logx.String("component", "dispatch")),
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

// attemptResult is what one pass through the state machine produced.
type attemptResult struct {
	state   State
	outcome *Outcome // recorded when non-nil
	bid     *Bid     // floor for the next attempt of the same recipient
	err     error    // why the attempt did not confirm
	free    bool     // retry without consuming the budget
}

// Deliver runs attempts for r until it is confirmed, fails permanently or
// exhausts the retry budget. Every attempt outcome is recorded as it happens.
//
// Cancelling ctx stops new attempts: the recipient ends Deferred. An attempt
// already submitted is still awaited, and cancelled if it times out, under a
// context that ignores the cancellation.
func (d *Dispatcher) Deliver(ctx context.Context, r Recipient) Delivery {
	log := d.log.With(logx.String("to", r.Address.Hex()), logx.String("amount", r.Amount.String()))
	del := Delivery{Recipient: r}

	units := ledger.ToBaseUnits(r.Amount, d.cfg.Decimals)
	if r.Address == (common.Address{}) || units.Sign() <= 0 {
		err := RecipientFatal(fmt.Errorf("%w: address %s amount %s", ErrMalformedRecipient, r.Address.Hex(), r.Amount))
		return d.fail(log, &del, 0, err)
	}

	var (
		prev        *Bid
		lastErr     error
		freeResyncs int
	)
	work := context.WithoutCancel(ctx)
	for attempt := 0; attempt < d.cfg.Retry.MaxRetries; {
		if ctx.Err() != nil {
			return d.deferred(log, &del, attempt, "shutdown")
		}
		res := d.runAttempt(work, log.With(logx.Int("attempt", attempt)), r, units, attempt, prev)
		if res.bid != nil {
			prev = res.bid
		}
		if res.outcome != nil {
			res.outcome.Attempt = attempt
			d.record(log, &del, *res.outcome)
		}
		if res.state == StateConfirmed {
			del.Status = StatusConfirmed
			return del
		}
		if c := ClassOf(res.err); c != ClassTransient {
			return d.fail(log, &del, attempt, res.err)
		}
		if res.free && freeResyncs < d.cfg.MaxFreeResyncs {
			freeResyncs++
			log.Info("retrying after sequence resync", logx.Err(res.err))
			continue
		}

		lastErr = res.err
		attempt++
		if attempt >= d.cfg.Retry.MaxRetries {
			break
		}
		delay := d.cfg.Retry.Delay(attempt - 1)
		log.Warn("attempt failed, backing off", logx.Err(res.err), logx.Duration("delay", delay), logx.String("state", res.state.String()))
		if err := d.sleep(ctx, delay); err != nil {
			return d.deferred(log, &del, attempt, "shutdown")
		}
	}
	return d.fail(log, &del, d.cfg.Retry.MaxRetries-1, fmt.Errorf("%w: %v", ErrRetriesExhausted, lastErr))
}

func (d *Dispatcher) fail(log logx.Logger, del *Delivery, attempt int, err error) Delivery {
	d.record(log, del, Outcome{Status: StatusFailed, Attempt: attempt, Reason: err.Error()})
	del.Status = StatusFailed
	del.Err = err
	return *del
}

// deferred ends del without a further attempt; the recipient stays unpaid
// and is picked up by a later run.
func (d *Dispatcher) deferred(log logx.Logger, del *Delivery, attempt int, reason string) Delivery {
	d.record(log, del, Outcome{Status: StatusDeferred, Attempt: attempt, Reason: reason})
	del.Status = StatusDeferred
	return *del
}

func (d *Dispatcher) record(log logx.Logger, del *Delivery, o Outcome) {
	if o.At.IsZero() {
		o.At = d.now()
	}
	del.Outcomes = append(del.Outcomes, o)
	if err := d.progress.RecordOutcome(del.Recipient, o); err != nil {
		log.Error("progress record lost", logx.Err(err), logx.String("status", string(o.Status)), logx.String("tx", o.TxIDOrError()))
	}
	switch o.Status {
	case StatusConfirmed:
		log.Info("transfer confirmed", logx.String("tx", o.TxHash.Hex()), logx.Uint64("nonce", o.Nonce),
			logx.String("fee_eth", ledger.FormatEther(o.FeeUsed)), logx.Duration("latency", o.Latency))
	case StatusFailed:
		log.Error("transfer failed", logx.String("reason", o.Reason))
	default:
		log.Warn("attempt ended", logx.String("status", string(o.Status)), logx.String("ref", o.TxIDOrError()))
	}
}

// runAttempt walks Building → Signed → Submitted → AwaitingConfirmation.
func (d *Dispatcher) runAttempt(ctx context.Context, log logx.Logger, r Recipient, units *big.Int, attempt int, prev *Bid) attemptResult {
	from := d.signer.Address()

	bal, err := d.ledger.TokenBalance(ctx, from)
	if err != nil {
		return attemptResult{state: StateBuilding, err: fmt.Errorf("read balance: %w", err)}
	}
	if bal.Cmp(units) < 0 {
		return attemptResult{state: StateBuilding, err: RecipientFatal(fmt.Errorf("%w: have %s, need %s",
			ErrInsufficientBalance, ledger.FromBaseUnits(bal, d.cfg.Decimals), r.Amount))}
	}

	gas, err := d.ledger.EstimateTransferGas(ctx, from, r.Address, units)
	switch {
	case err != nil && ledger.Classify(err) == ledger.KindReverted:
		return attemptResult{state: StateBuilding, err: RecipientFatal(fmt.Errorf("transfer would revert: %s", ledger.RevertReason(err)))}
	case err != nil:
		log.Warn("gas estimation failed, using fallback", logx.Err(err), logx.Uint64("gas", d.cfg.GasLimit))
		gas = d.cfg.GasLimit
	default:
		gas = gas * uint64(100+d.cfg.BufferPct) / 100
	}

	bid, err := d.fees.Bid(ctx, BidRequest{AttemptIndex: attempt, Previous: prev})
	if err != nil {
		return attemptResult{state: StateBuilding, err: err}
	}

	nonce, err := d.seq.Next(ctx)
	if err != nil {
		return attemptResult{state: StateBuilding, bid: &bid, err: err}
	}
	log = log.With(logx.Uint64("nonce", nonce))

	signed, err := d.signer.Sign(ledger.NewTransferTx(d.cfg.ChainID, nonce, d.cfg.Token, r.Address, units, gas, bid.TipCap, bid.FeeCap))
	if err != nil {
		d.seq.Release(nonce)
		return attemptResult{state: StateBuilding, err: Fatal(fmt.Errorf("sign transfer: %w", err))}
	}

	d.enter(log, StateSigned, logx.String("tx", signed.Hash().Hex()), logx.Stringer("bid", bid), logx.Uint64("gas", gas))

	started := d.now()
	if _, err := d.ledger.Submit(ctx, signed); err != nil {
		res, await := d.onSubmitError(ctx, log, signed, bid, started, err)
		if !await {
			return res
		}
	}
	d.enter(log, StateSubmitted)

	d.enter(log, StateAwaitingConfirmation, logx.Duration("timeout", d.cfg.ConfirmTimeout))
	rc, err := d.ledger.AwaitReceipt(ctx, signed.Hash(), d.cfg.ConfirmTimeout)
	if rc != nil {
		return d.fromReceipt(rc, signed.Hash(), nonce, bid, started)
	}
	d.enter(log, StateTimedOut, logx.Err(err))
	return d.cancel(ctx, log, signed, bid, started)
}

// enter logs a state transition of the current attempt.
func (d *Dispatcher) enter(log logx.Logger, st State, fields ...logx.Field) {
	log.Debug("attempt state", append([]logx.Field{logx.Stringer("state", st)}, fields...)...)
}

// onSubmitError decides what a rejected submission means. await=true sends
// the attempt on to AwaitingConfirmation with the already signed transaction.
func (d *Dispatcher) onSubmitError(ctx context.Context, log logx.Logger, signed *types.Transaction, bid Bid, started time.Time, err error) (attemptResult, bool) {
	nonce := signed.Nonce()
	kind := ledger.Classify(err)
	log = log.With(logx.String("kind", kind.String()))

	switch kind {
	case ledger.KindNonceTooLow:
		log.Warn("sequence already used, resyncing", logx.Err(err))
		if rerr := d.seq.Resync(ctx); rerr != nil {
			return attemptResult{state: StateSubmitted, bid: &bid, err: rerr}, false
		}
		return attemptResult{state: StateSubmitted, err: err, free: true}, false

	case ledger.KindAlreadyKnown:
		log.Info("transaction already known, re-checking", logx.Duration("delay", d.cfg.AlreadyKnownDelay))
		if serr := d.sleep(ctx, d.cfg.AlreadyKnownDelay); serr != nil {
			return attemptResult{state: StateSubmitted, err: serr}, false
		}
		if rc, _ := d.ledger.ReceiptOf(ctx, signed.Hash()); rc != nil {
			return d.fromReceipt(rc, signed.Hash(), nonce, bid, started), false
		}
		return attemptResult{}, true

	case ledger.KindReplacementUnderpriced:
		// Another pending transaction holds this sequence number.
		log.Warn("sequence held by a pending transaction, resyncing", logx.Err(err))
		if rerr := d.seq.Resync(ctx); rerr != nil {
			log.Warn("resync failed", logx.Err(rerr))
		}
		return attemptResult{state: StateSubmitted, bid: &bid, err: err}, false

	case ledger.KindInsufficientFunds:
		d.seq.Release(nonce)
		return attemptResult{state: StateSubmitted, err: RecipientFatal(fmt.Errorf("submit: %w", err))}, false

	case ledger.KindUnderpriced:
		d.seq.Release(nonce)
		return attemptResult{state: StateSubmitted, bid: &bid, err: fmt.Errorf("submit: %w", err)}, false
	}

	// The node may have accepted the transaction before the error surfaced.
	known, kerr := d.ledger.IsKnown(ctx, signed.Hash())
	if kerr == nil && known {
		log.Warn("submission error but transaction is known, awaiting", logx.Err(err))
		return attemptResult{}, true
	}
	if kerr != nil {
		// Cannot tell whether it landed: keep the nonce out of circulation and
		// let the cancellation path settle it.
		log.Warn("submission outcome unknown, settling sequence", logx.Err(err), logx.String("lookup", kerr.Error()))
		return d.cancel(ctx, log, signed, bid, started), false
	}
	d.seq.Release(nonce)
	return attemptResult{state: StateSubmitted, bid: &bid, err: fmt.Errorf("submit: %w", err)}, false
}

func (d *Dispatcher) fromReceipt(rc *ledger.Receipt, hash common.Hash, nonce uint64, bid Bid, started time.Time) attemptResult {
	o := &Outcome{TxHash: hash, Nonce: nonce, FeeUsed: rc.FeeUsed(), Latency: d.now().Sub(started)}
	if rc.Succeeded() {
		o.Status = StatusConfirmed
		return attemptResult{state: StateConfirmed, outcome: o, bid: &bid}
	}
	o.Status = StatusRejected
	o.Reason = "reverted"
	return attemptResult{state: StateRejected, outcome: o, bid: &bid, err: errors.New("transfer reverted on-chain")}
}
