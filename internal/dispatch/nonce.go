package dispatch

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ligun0805/multisender/internal/ledger"
	"github.com/ligun0805/multisender/internal/logx"
)

// SequenceAllocator hands out account sequence numbers (nonces). Values
// returned by Next are unique among concurrent callers; values given back
// with Release are reissued lowest first so no gap is left behind.
type SequenceAllocator struct {
	src     SequenceSource
	account common.Address
	log     logx.Logger

	mu       sync.Mutex
	synced   bool
	next     uint64
	released []uint64 // ascending, all < next
}

func NewSequenceAllocator(src SequenceSource, account common.Address, log logx.Logger) *SequenceAllocator {
	return &SequenceAllocator{src: src, account: account, log: log.With(logx.String("component", "sequence"))}
}

// Next returns the next usable sequence number, synchronizing with the
// ledger on first use.
func (a *SequenceAllocator) Next(ctx context.Context) (uint64, error) {
	a.mu.Lock()
	synced := a.synced
	a.mu.Unlock()
	if !synced {
		if err := a.Resync(ctx); err != nil {
			return 0, err
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.released) > 0 {
		n := a.released[0]
		a.released = a.released[1:]
		return n, nil
	}
	n := a.next
	a.next++
	return n, nil
}

// Resync moves the cache forward to the ledger's pending view:
// next = max(cached, ledgerPending).
func (a *SequenceAllocator) Resync(ctx context.Context) error {
	pending, err := a.src.SequenceAt(ctx, a.account, ledger.TagPending)
	if err != nil {
		return fmt.Errorf("resync sequence: %w", err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	switch {
	case !a.synced:
		a.next = pending
		a.synced = true
		a.log.Debug("sequence synchronized", logx.Uint64("next", pending))
	case pending > a.next:
		a.log.Warn("ledger is ahead of cached sequence", logx.Uint64("cached", a.next), logx.Uint64("pending", pending))
		a.next = pending
	}
	a.dropReleasedBelow(pending)
	return nil
}

// ForceResync discards the cache and adopts the ledger's pending view.
func (a *SequenceAllocator) ForceResync(ctx context.Context) error {
	pending, err := a.src.SequenceAt(ctx, a.account, ledger.TagPending)
	if err != nil {
		return fmt.Errorf("force resync sequence: %w", err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.log.Warn("sequence force-resynced", logx.Uint64("cached", a.next), logx.Uint64("pending", pending))
	a.next = pending
	a.synced = true
	a.released = nil
	return nil
}

// Release returns n, whose transaction never reached the ledger.
func (a *SequenceAllocator) Release(n uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.synced || n >= a.next {
		return
	}
	i := sort.Search(len(a.released), func(i int) bool { return a.released[i] >= n })
	if i < len(a.released) && a.released[i] == n {
		return
	}
	a.released = append(a.released, 0)
	copy(a.released[i+1:], a.released[i:])
	a.released[i] = n

	// Fold the tail back into the counter.
	for len(a.released) > 0 && a.released[len(a.released)-1] == a.next-1 {
		a.released = a.released[:len(a.released)-1]
		a.next--
	}
}

// Peek reports the value the counter would issue next, ignoring released values.
func (a *SequenceAllocator) Peek() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.next
}

func (a *SequenceAllocator) dropReleasedBelow(n uint64) {
	i := sort.Search(len(a.released), func(i int) bool { return a.released[i] >= n })
	a.released = a.released[i:]
}
