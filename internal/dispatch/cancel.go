package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/ligun0805/multisender/internal/ledger"
	"github.com/ligun0805/multisender/internal/logx"
)

var errCancelled = errors.New("attempt cancelled after confirmation timeout")

// cancel supersedes a stuck transfer with a zero-value self-transfer that
// reuses its sequence number. Whatever happens, the sequence number is
// settled before the recipient is retried: either the cancellation or the
// original is observed on-chain, or the recipient fails without retry.
func (d *Dispatcher) cancel(ctx context.Context, log logx.Logger, orig *types.Transaction, bid Bid, started time.Time) attemptResult {
	nonce := orig.Nonce()
	if _, busy := d.cancelling.LoadOrStore(nonce, struct{}{}); busy {
		log.Warn("cancellation already in progress for sequence, watching")
		return d.watchSequence(ctx, log, orig, common.Hash{}, bid, started)
	}
	defer d.cancelling.Delete(nonce)

	cbid, err := d.fees.CancelBid(ctx, bid)
	if err != nil {
		log.Warn("cannot price cancellation", logx.Err(err))
		return d.watchSequence(ctx, log, orig, common.Hash{}, bid, started)
	}
	signed, err := d.signer.Sign(ledger.NewCancelTx(d.cfg.ChainID, nonce, d.signer.Address(), cbid.TipCap, cbid.FeeCap))
	if err != nil {
		log.Error("cannot sign cancellation", logx.Err(err))
		return d.watchSequence(ctx, log, orig, common.Hash{}, bid, started)
	}
	log = log.With(logx.String("cancel_tx", signed.Hash().Hex()))
	log.Warn("cancelling stuck transfer", logx.String("tx", orig.Hash().Hex()), logx.Stringer("bid", cbid))
	d.enter(log, StateCancelling)

	if _, err := d.ledger.Submit(ctx, signed); err != nil && ledger.Classify(err) != ledger.KindAlreadyKnown {
		// Nonce too low here means something already consumed the sequence.
		log.Warn("cancellation rejected, watching sequence", logx.Err(err), logx.String("kind", ledger.Classify(err).String()))
		return d.watchSequence(ctx, log, orig, common.Hash{}, bid, started)
	}

	rc, err := d.ledger.AwaitReceipt(ctx, signed.Hash(), d.cfg.CancelTimeout)
	if rc != nil {
		return d.replaced(orig, signed.Hash(), rc, bid)
	}
	log.Warn("cancellation not confirmed, watching sequence", logx.Err(err))
	return d.watchSequence(ctx, log, orig, signed.Hash(), bid, started)
}

// watchSequence polls until the account's confirmed sequence moves past the
// stuck nonce, then reports which transaction consumed it. The wait is
// bounded by SequenceWatch; past it the recipient fails and the allocator is
// force-resynced.
func (d *Dispatcher) watchSequence(ctx context.Context, log logx.Logger, orig *types.Transaction, cancelHash common.Hash, bid Bid, started time.Time) attemptResult {
	nonce := orig.Nonce()
	deadline := d.now().Add(d.cfg.SequenceWatch)
	for {
		latest, err := d.ledger.SequenceAt(ctx, d.signer.Address(), ledger.TagLatest)
		if err != nil {
			log.Debug("sequence poll failed", logx.Err(err))
		} else if latest > nonce {
			if rc, _ := d.ledger.ReceiptOf(ctx, orig.Hash()); rc != nil {
				log.Info("original transfer landed after all")
				return d.fromReceipt(rc, orig.Hash(), nonce, bid, started)
			}
			if cancelHash != (common.Hash{}) {
				if rc, _ := d.ledger.ReceiptOf(ctx, cancelHash); rc != nil {
					return d.replaced(orig, cancelHash, rc, bid)
				}
			}
			// Consumed, but receipts not visible yet; keep looking.
		}
		if !d.now().Before(deadline) {
			break
		}
		if err := d.sleep(ctx, d.cfg.PollInterval); err != nil {
			break
		}
	}

	if err := d.seq.ForceResync(ctx); err != nil {
		log.Error("force resync failed", logx.Err(err))
	}
	return attemptResult{
		state: StateFailed,
		err:   RecipientFatal(fmt.Errorf("%w: nonce %d, tx %s", ErrSequenceUnresolved, nonce, orig.Hash().Hex())),
	}
}

func (d *Dispatcher) replaced(orig *types.Transaction, cancelHash common.Hash, rc *ledger.Receipt, bid Bid) attemptResult {
	return attemptResult{
		state: StateCancelled,
		outcome: &Outcome{
			Status:     StatusReplaced,
			TxHash:     orig.Hash(),
			CancelHash: cancelHash,
			Nonce:      orig.Nonce(),
			FeeUsed:    rc.FeeUsed(),
			Reason:     "confirmation timeout",
		},
		bid: &bid,
		err: errCancelled,
	}
}
