package dispatch

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// QuotaLimits caps confirmed transfers per window; zero means unlimited.
type QuotaLimits struct {
	MaxCount  int
	MaxAmount decimal.Decimal
}

// QuotaState is the persisted counter for the current window.
type QuotaState struct {
	SentCount   int             `json:"sent_count"`
	SentAmount  decimal.Decimal `json:"sent_amount"`
	WindowStart time.Time       `json:"window_start"`
}

// QuotaStore persists QuotaState between runs.
type QuotaStore interface {
	Load() (QuotaState, error)
	Save(QuotaState) error
}

// Quota tracks the daily cap. Amounts are reserved before dispatch so that
// concurrent workers can never confirm past the cap; only Commit, called for
// a Confirmed outcome, moves the persisted counters.
type Quota struct {
	limits      QuotaLimits
	store       QuotaStore
	windowStart func(time.Time) time.Time

	mu            sync.Mutex
	state         QuotaState
	reservedCount int
	reservedAmt   decimal.Decimal
}

// NewQuota loads persisted state. windowStart maps an instant to the start
// of its window; a nil store keeps state in memory only.
func NewQuota(limits QuotaLimits, store QuotaStore, windowStart func(time.Time) time.Time) (*Quota, error) {
	q := &Quota{limits: limits, store: store, windowStart: windowStart}
	if store != nil {
		st, err := store.Load()
		if err != nil {
			return nil, fmt.Errorf("load quota state: %w", err)
		}
		q.state = st
	}
	return q, nil
}

// Roll starts a new window when now is past the stored one. It reports
// whether a reset happened.
func (q *Quota) Roll(now time.Time) (bool, error) {
	start := q.windowStart(now)
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.state.WindowStart.Equal(start) {
		return false, nil
	}
	q.state = QuotaState{SentAmount: decimal.Zero, WindowStart: start}
	return true, q.saveLocked()
}

// Reserve claims room for amount; false means the quota cannot take it.
func (q *Quota) Reserve(amount decimal.Decimal) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.limits.MaxCount > 0 && q.state.SentCount+q.reservedCount+1 > q.limits.MaxCount {
		return false
	}
	if q.limits.MaxAmount.IsPositive() && q.state.SentAmount.Add(q.reservedAmt).Add(amount).GreaterThan(q.limits.MaxAmount) {
		return false
	}
	q.reservedCount++
	q.reservedAmt = q.reservedAmt.Add(amount)
	return true
}

// Release drops a reservation whose recipient was not confirmed.
func (q *Quota) Release(amount decimal.Decimal) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.unreserveLocked(amount)
}

// Commit turns a reservation into a confirmed transfer and persists it.
func (q *Quota) Commit(amount decimal.Decimal) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.unreserveLocked(amount)
	q.state.SentCount++
	q.state.SentAmount = q.state.SentAmount.Add(amount)
	return q.saveLocked()
}

// Reached reports whether no further transfer fits in the window.
func (q *Quota) Reached() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.limits.MaxCount > 0 && q.state.SentCount >= q.limits.MaxCount {
		return true
	}
	return q.limits.MaxAmount.IsPositive() && q.state.SentAmount.GreaterThanOrEqual(q.limits.MaxAmount)
}

// Fits reports whether amount could ever pass an empty window.
func (q *Quota) Fits(amount decimal.Decimal) bool {
	return !q.limits.MaxAmount.IsPositive() || amount.LessThanOrEqual(q.limits.MaxAmount)
}

// Plan returns how many of amounts, taken in order, fit in what is left.
func (q *Quota) Plan(amounts []decimal.Decimal) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	count := q.state.SentCount + q.reservedCount
	sum := q.state.SentAmount.Add(q.reservedAmt)
	for i, a := range amounts {
		if q.limits.MaxCount > 0 && count+1 > q.limits.MaxCount {
			return i
		}
		if q.limits.MaxAmount.IsPositive() && sum.Add(a).GreaterThan(q.limits.MaxAmount) {
			return i
		}
		count++
		sum = sum.Add(a)
	}
	return len(amounts)
}

// Remaining reports what is left in the window; -1 count or a negative
// amount means that dimension is unlimited.
func (q *Quota) Remaining() (int, decimal.Decimal) {
	q.mu.Lock()
	defer q.mu.Unlock()
	count, amount := -1, decimal.NewFromInt(-1)
	if q.limits.MaxCount > 0 {
		count = max(q.limits.MaxCount-q.state.SentCount-q.reservedCount, 0)
	}
	if q.limits.MaxAmount.IsPositive() {
		amount = decimal.Max(q.limits.MaxAmount.Sub(q.state.SentAmount).Sub(q.reservedAmt), decimal.Zero)
	}
	return count, amount
}

func (q *Quota) State() QuotaState {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

func (q *Quota) unreserveLocked(amount decimal.Decimal) {
	if q.reservedCount > 0 {
		q.reservedCount--
	}
	q.reservedAmt = q.reservedAmt.Sub(amount)
	if q.reservedAmt.IsNegative() {
		q.reservedAmt = decimal.Zero
	}
}

func (q *Quota) saveLocked() error {
	if q.store == nil {
		return nil
	}
	return q.store.Save(q.state)
}
