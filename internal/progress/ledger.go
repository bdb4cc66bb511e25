package progress

import (
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ligun0805/multisender/internal/dispatch"
	"github.com/ligun0805/multisender/internal/logx"
)

// Options locates the progress files.
type Options struct {
	OutcomeLog  string
	SentSet     string
	OutcomeDB   string    // optional SQLite mirror
	WindowStart time.Time // current quota window
	Resume      bool      // keep the sent-set from earlier runs in this window
}

// Ledger implements dispatch.ProgressLedger and dispatch.WindowAware.
type Ledger struct {
	outcomes *OutcomeLog
	sent     *SentSet
	mirror   *SQLiteMirror
	log      logx.Logger
}

func windowKey(t time.Time) string { return t.Format("2006-01-02") }

// Open opens all stores. With Resume false the sent-set starts empty.
func Open(opt Options, log logx.Logger) (*Ledger, error) {
	outcomes, err := OpenOutcomeLog(opt.OutcomeLog)
	if err != nil {
		return nil, err
	}
	sent, err := OpenSentSet(opt.SentSet, windowKey(opt.WindowStart))
	if err != nil {
		_ = outcomes.Close()
		return nil, err
	}
	l := &Ledger{outcomes: outcomes, sent: sent, log: log.With(logx.String("component", "progress"))}
	if !opt.Resume {
		if err := l.Reset(); err != nil {
			_ = l.Close()
			return nil, err
		}
	}
	if opt.OutcomeDB != "" {
		m, err := OpenSQLiteMirror(opt.OutcomeDB)
		if err != nil {
			_ = l.Close()
			return nil, err
		}
		l.mirror = m
	}
	l.log.Debug("progress ledger opened", logx.Int("sent", sent.Len()), logx.Bool("resume", opt.Resume))
	return l, nil
}

// RecordOutcome appends to the outcome log and the mirror. A mirror failure
// is logged but does not fail the record.
func (l *Ledger) RecordOutcome(r dispatch.Recipient, o dispatch.Outcome) error {
	rec := RecordFor(r, o)
	if err := l.outcomes.Append(rec); err != nil {
		return err
	}
	if l.mirror != nil {
		if err := l.mirror.Insert(rec); err != nil {
			l.log.Warn("outcome mirror write failed", logx.Err(err))
		}
	}
	return nil
}

func (l *Ledger) IsAlreadySent(addr common.Address) bool { return l.sent.Has(addr) }

func (l *Ledger) MarkSent(addr common.Address) error { return l.sent.Add(addr) }

// RollWindow truncates the sent-set when a new quota window has begun.
func (l *Ledger) RollWindow(start time.Time) error { return l.sent.Roll(windowKey(start)) }

// Reset forgets every recipient marked in the current window.
func (l *Ledger) Reset() error { return l.sent.Reset() }

// Mirror exposes the SQLite mirror, nil when disabled.
func (l *Ledger) Mirror() *SQLiteMirror { return l.mirror }

func (l *Ledger) Close() error {
	errs := []error{l.outcomes.Close(), l.sent.Close()}
	if l.mirror != nil {
		errs = append(errs, l.mirror.Close())
	}
	return errors.Join(errs...)
}
