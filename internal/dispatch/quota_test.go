package dispatch

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memQuotaStore struct {
	state QuotaState
	saves int
	err   error
}

func (m *memQuotaStore) Load() (QuotaState, error) { return m.state, nil }

func (m *memQuotaStore) Save(st QuotaState) error {
	if m.err != nil {
		return m.err
	}
	m.saves++
	m.state = st
	return nil
}

func dayStart(t time.Time) time.Time { return t.UTC().Truncate(24 * time.Hour) }

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestQuotaCountCap(t *testing.T) {
	q, err := NewQuota(QuotaLimits{MaxCount: 2}, nil, dayStart)
	require.NoError(t, err)

	assert.True(t, q.Reserve(dec("1")))
	assert.True(t, q.Reserve(dec("1")))
	assert.False(t, q.Reserve(dec("1")), "reservations count against the cap")

	q.Release(dec("1"))
	require.NoError(t, q.Commit(dec("1")))
	assert.False(t, q.Reached())
	assert.True(t, q.Reserve(dec("1")))
	require.NoError(t, q.Commit(dec("1")))
	assert.True(t, q.Reached())

	n, _ := q.Remaining()
	assert.Zero(t, n)
}

func TestQuotaAmountCap(t *testing.T) {
	q, err := NewQuota(QuotaLimits{MaxAmount: dec("10")}, nil, dayStart)
	require.NoError(t, err)

	assert.True(t, q.Reserve(dec("6")))
	assert.False(t, q.Reserve(dec("5")))
	assert.True(t, q.Reserve(dec("4")))
	assert.False(t, q.Fits(dec("10.01")))
	assert.True(t, q.Fits(dec("10")))

	count, amount := q.Remaining()
	assert.Equal(t, -1, count)
	assert.True(t, amount.IsZero())
}

func TestQuotaPlanIsPrefix(t *testing.T) {
	q, err := NewQuota(QuotaLimits{MaxCount: 5, MaxAmount: dec("10")}, nil, dayStart)
	require.NoError(t, err)
	require.True(t, q.Reserve(dec("3")))

	assert.Equal(t, 2, q.Plan([]decimal.Decimal{dec("4"), dec("2"), dec("1.5"), dec("0.1")}))
	assert.Equal(t, 0, q.Plan([]decimal.Decimal{dec("8")}))
}

func TestQuotaPersistsCommitsAndRollsWindow(t *testing.T) {
	day1 := time.Date(2026, 10, 16, 8, 0, 0, 0, time.UTC)
	store := &memQuotaStore{state: QuotaState{SentCount: 1, SentAmount: dec("2"), WindowStart: dayStart(day1)}}
	q, err := NewQuota(QuotaLimits{MaxCount: 2}, store, dayStart)
	require.NoError(t, err)

	reset, err := q.Roll(day1.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, reset)
	require.True(t, q.Reserve(dec("3")))
	require.NoError(t, q.Commit(dec("3")))
	assert.Equal(t, 2, store.state.SentCount)
	assert.True(t, store.state.SentAmount.Equal(dec("5")))
	assert.True(t, q.Reached())

	reset, err = q.Roll(day1.Add(20 * time.Hour))
	require.NoError(t, err)
	assert.True(t, reset)
	assert.False(t, q.Reached())
	assert.Zero(t, store.state.SentCount)
	assert.Equal(t, dayStart(day1.Add(24*time.Hour)), store.state.WindowStart)
}

func TestQuotaUnlimited(t *testing.T) {
	q, err := NewQuota(QuotaLimits{}, nil, dayStart)
	require.NoError(t, err)
	for i := 0; i < 100; i++ {
		require.True(t, q.Reserve(dec("1000")))
	}
	assert.False(t, q.Reached())
	assert.Equal(t, 3, q.Plan([]decimal.Decimal{dec("1"), dec("1"), dec("1")}))
}

func TestErrorClasses(t *testing.T) {
	base := errors.New("x")
	assert.Equal(t, ClassTransient, ClassOf(base))
	assert.Equal(t, ClassTransient, ClassOf(nil))
	assert.Equal(t, ClassRecipientFatal, ClassOf(fmt.Errorf("wrap: %w", RecipientFatal(base))))
	assert.True(t, IsFatal(Fatal(base)))
	assert.False(t, IsFatal(nil))
	assert.NoError(t, Fatal(nil))
	assert.ErrorIs(t, RecipientFatal(ErrInsufficientBalance), ErrInsufficientBalance)
}

func TestRetryDelay(t *testing.T) {
	p := RetryPolicy{MaxRetries: 5, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}.withDefaults()
	assert.Equal(t, 100*time.Millisecond, p.Delay(0))
	assert.Equal(t, 400*time.Millisecond, p.Delay(2))
	assert.Equal(t, time.Second, p.Delay(10))

	p.Jitter = 0.2
	for i := 0; i < 100; i++ {
		d := p.Delay(1)
		assert.GreaterOrEqual(t, d, 160*time.Millisecond)
		assert.LessOrEqual(t, d, 240*time.Millisecond)
	}
}
