package ledger

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/ethereum/go-ethereum/core"
	"github.com/ethereum/go-ethereum/core/txpool"
)

// ErrorKind is the engine-relevant category of a node error.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindNonceTooLow
	KindAlreadyKnown
	KindReplacementUnderpriced
	KindUnderpriced
	KindInsufficientFunds
	KindReverted
	KindRateLimited
	KindNetwork
)

func (k ErrorKind) String() string {
	switch k {
	case KindNonceTooLow:
		return "nonce_too_low"
	case KindAlreadyKnown:
		return "already_known"
	case KindReplacementUnderpriced:
		return "replacement_underpriced"
	case KindUnderpriced:
		return "underpriced"
	case KindInsufficientFunds:
		return "insufficient_funds"
	case KindReverted:
		return "reverted"
	case KindRateLimited:
		return "rpc_rate_limited"
	case KindNetwork:
		return "rpc_unavailable"
	default:
		return "rpc_error"
	}
}

// Classify maps an error returned by the node to an ErrorKind.
// Errors crossing JSON-RPC lose their identity, so matching is by message.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	s := strings.ToLower(err.Error())
	has := func(subs ...string) bool {
		for _, sub := range subs {
			if strings.Contains(s, strings.ToLower(sub)) {
				return true
			}
		}
		return false
	}
	switch {
	case errors.Is(err, core.ErrNonceTooLow) || has(core.ErrNonceTooLow.Error()):
		return KindNonceTooLow
	case errors.Is(err, txpool.ErrAlreadyKnown) || has(txpool.ErrAlreadyKnown.Error(), "known transaction"):
		return KindAlreadyKnown
	case errors.Is(err, txpool.ErrReplaceUnderpriced) || has(txpool.ErrReplaceUnderpriced.Error()):
		return KindReplacementUnderpriced
	case errors.Is(err, txpool.ErrUnderpriced) || has(txpool.ErrUnderpriced.Error(), core.ErrFeeCapTooLow.Error()):
		return KindUnderpriced
	case errors.Is(err, core.ErrInsufficientFunds) || has("insufficient funds"):
		return KindInsufficientFunds
	case has("execution reverted"):
		return KindReverted
	case has("too many requests", "-32005", "429", "rate limit"):
		return KindRateLimited
	case isNetworkError(err, s):
		return KindNetwork
	}
	return KindUnknown
}

func isNetworkError(err error, s string) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	for _, sub := range []string{
		"context deadline exceeded", "client.timeout exceeded", "i/o timeout",
		"tls handshake timeout", "connection reset", "connection refused",
		"broken pipe", "eof", "502", "503", "504",
	} {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// RevertReason trims an error down to its "execution reverted" tail.
func RevertReason(err error) string {
	s := err.Error()
	if i := strings.Index(s, "execution reverted"); i >= 0 {
		return s[i:]
	}
	return s
}
