package progress

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// SentSet remembers which recipients were confirmed in the current window.
// On disk it is one "address,window" line per recipient; lines from other
// windows are dropped when the file is opened or rolled.
type SentSet struct {
	mu     sync.Mutex
	path   string
	window string
	set    map[common.Address]struct{}
	f      *os.File
}

// OpenSentSet loads path for window (e.g. "2026-10-16").
func OpenSentSet(path, window string) (*SentSet, error) {
	s := &SentSet{path: path, window: window, set: map[common.Address]struct{}{}}
	stale, err := s.load()
	if err != nil {
		return nil, err
	}
	if stale {
		if err := s.rewriteLocked(); err != nil {
			return nil, err
		}
	} else if err := s.openAppend(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SentSet) load() (stale bool, err error) {
	f, err := os.Open(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("open sent-set: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		addr, stamp, hasStamp := strings.Cut(line, ",")
		addr = strings.TrimSpace(addr)
		if !common.IsHexAddress(addr) {
			continue
		}
		if hasStamp && strings.TrimSpace(stamp) != s.window {
			stale = true
			continue
		}
		s.set[common.HexToAddress(addr)] = struct{}{}
	}
	return stale, sc.Err()
}

func (s *SentSet) openAppend() error {
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open sent-set: %w", err)
	}
	s.f = f
	return nil
}

// rewriteLocked replaces the file with the in-memory set for s.window.
func (s *SentSet) rewriteLocked() error {
	if s.f != nil {
		_ = s.f.Close()
		s.f = nil
	}
	var b strings.Builder
	for addr := range s.set {
		fmt.Fprintf(&b, "%s,%s\n", addr.Hex(), s.window)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("rewrite sent-set: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("rewrite sent-set: %w", err)
	}
	return s.openAppend()
}

func (s *SentSet) Has(addr common.Address) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.set[addr]
	return ok
}

// Add records addr durably; adding a present address is a no-op.
func (s *SentSet) Add(addr common.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.set[addr]; ok {
		return nil
	}
	if s.f == nil {
		return errors.New("sent-set closed")
	}
	if _, err := fmt.Fprintf(s.f, "%s,%s\n", addr.Hex(), s.window); err != nil {
		return err
	}
	if err := s.f.Sync(); err != nil {
		return err
	}
	s.set[addr] = struct{}{}
	return nil
}

// Roll switches to window, truncating the set if it changed.
func (s *SentSet) Roll(window string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if window == s.window {
		return nil
	}
	s.window = window
	s.set = map[common.Address]struct{}{}
	return s.rewriteLocked()
}

// Reset empties the set for the current window.
func (s *SentSet) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.set = map[common.Address]struct{}{}
	return s.rewriteLocked()
}

func (s *SentSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.set)
}

func (s *SentSet) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}
