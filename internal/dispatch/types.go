// Package dispatch is the transaction dispatch engine: it hands out sequence
// numbers, prices bids, drives each transfer attempt to a terminal outcome
// and schedules recipients in paced batches under a daily quota.
package dispatch

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"

	"github.com/ligun0805/multisender/internal/ledger"
)

// Recipient is one destination and the token amount it should receive.
type Recipient struct {
	Address common.Address
	Amount  decimal.Decimal
}

// Status is recorded in the outcome log.
type Status string

const (
	StatusConfirmed Status = "CONFIRMED"
	StatusFailed    Status = "FAILED"
	StatusReplaced  Status = "REPLACED" // superseded by a confirmed cancellation
	StatusRejected  Status = "REJECTED" // mined but reverted
	StatusDeferred  Status = "DEFERRED"
)

// State is the lifecycle position of a single transfer attempt.
type State int

const (
	StateBuilding State = iota
	StateSigned
	StateSubmitted
	StateAwaitingConfirmation
	StateConfirmed
	StateTimedOut
	StateRejected
	StateCancelling
	StateCancelled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateBuilding:
		return "building"
	case StateSigned:
		return "signed"
	case StateSubmitted:
		return "submitted"
	case StateAwaitingConfirmation:
		return "awaiting_confirmation"
	case StateConfirmed:
		return "confirmed"
	case StateTimedOut:
		return "timed_out"
	case StateRejected:
		return "rejected"
	case StateCancelling:
		return "cancelling"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Outcome is the result of one attempt (or the deferral of a recipient).
type Outcome struct {
	Status     Status
	TxHash     common.Hash
	CancelHash common.Hash
	Nonce      uint64
	Attempt    int
	FeeUsed    *big.Int
	Latency    time.Duration
	Reason     string
	At         time.Time
}

// TxIDOrError is the identifier column of the outcome log.
func (o Outcome) TxIDOrError() string {
	switch o.Status {
	case StatusConfirmed, StatusRejected:
		return o.TxHash.Hex()
	case StatusReplaced:
		return o.CancelHash.Hex()
	}
	return o.Reason
}

// Delivery collects every outcome produced for one recipient.
type Delivery struct {
	Recipient Recipient
	Status    Status
	Outcomes  []Outcome
	Err       error
}

// Last returns the final outcome, zero if none.
func (d Delivery) Last() Outcome {
	if len(d.Outcomes) == 0 {
		return Outcome{}
	}
	return d.Outcomes[len(d.Outcomes)-1]
}

// Summary is what a run reports back to the operator.
type Summary struct {
	RunID       string
	Confirmed   int
	TotalAmount decimal.Decimal
	TotalFee    *big.Int
	Failed      []Recipient
	Deferred    []Recipient
	Skipped     []Recipient
	Batches     int
	Idles       int
	Statuses    map[common.Address]Status
}

// SequenceSource reads account sequence numbers.
type SequenceSource interface {
	SequenceAt(ctx context.Context, account common.Address, tag ledger.Tag) (uint64, error)
}

// FeeOracle reads current fee market data.
type FeeOracle interface {
	BaseFee(ctx context.Context) (*big.Int, error)
	SuggestTip(ctx context.Context) (*big.Int, error)
}

// Ledger is everything the engine needs from the node. *ledger.Client
// implements it.
type Ledger interface {
	SequenceSource
	FeeOracle
	TokenBalance(ctx context.Context, owner common.Address) (*big.Int, error)
	EstimateTransferGas(ctx context.Context, from, to common.Address, amount *big.Int) (uint64, error)
	Submit(ctx context.Context, tx *types.Transaction) (common.Hash, error)
	AwaitReceipt(ctx context.Context, hash common.Hash, timeout time.Duration) (*ledger.Receipt, error)
	ReceiptOf(ctx context.Context, hash common.Hash) (*ledger.Receipt, error)
	IsKnown(ctx context.Context, hash common.Hash) (bool, error)
}

// Signer signs transactions for the sending account.
type Signer interface {
	Address() common.Address
	Sign(tx *types.Transaction) (*types.Transaction, error)
}

// ProgressLedger durably records outcomes and which recipients were paid.
type ProgressLedger interface {
	RecordOutcome(r Recipient, o Outcome) error
	IsAlreadySent(addr common.Address) bool
	MarkSent(addr common.Address) error
}
