// Package progress makes dispatch results durable: an append-only outcome
// log, the per-window sent-set, the daily quota state and an optional SQLite
// mirror for querying.
package progress

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/ligun0805/multisender/internal/dispatch"
	"github.com/ligun0805/multisender/internal/ledger"
)

var outcomeHeader = []string{"timestamp", "recipient", "amount", "status", "tx_id_or_error", "fee_used", "confirm_ms"}

// Record is one line of the outcome log.
type Record struct {
	Time      time.Time
	Recipient common.Address
	Amount    decimal.Decimal
	Status    dispatch.Status
	TxOrError string
	FeeUsed   string // native units, empty when nothing was mined
	ConfirmMs int64
}

// RecordFor flattens an outcome for the log.
func RecordFor(r dispatch.Recipient, o dispatch.Outcome) Record {
	rec := Record{
		Time:      o.At,
		Recipient: r.Address,
		Amount:    r.Amount,
		Status:    o.Status,
		TxOrError: o.TxIDOrError(),
	}
	if rec.Time.IsZero() {
		rec.Time = time.Now()
	}
	if o.FeeUsed != nil && o.FeeUsed.Sign() > 0 {
		rec.FeeUsed = ledger.FormatEther(o.FeeUsed)
	}
	if o.Status == dispatch.StatusConfirmed {
		rec.ConfirmMs = o.Latency.Milliseconds()
	}
	return rec
}

func (r Record) row() []string {
	confirm := ""
	if r.ConfirmMs > 0 {
		confirm = strconv.FormatInt(r.ConfirmMs, 10)
	}
	return []string{
		r.Time.UTC().Format(time.RFC3339),
		r.Recipient.Hex(),
		r.Amount.String(),
		string(r.Status),
		r.TxOrError,
		r.FeeUsed,
		confirm,
	}
}

func parseRecord(row []string) (Record, error) {
	if len(row) < 5 {
		return Record{}, fmt.Errorf("short row: %d fields", len(row))
	}
	ts, err := time.Parse(time.RFC3339, strings.TrimSpace(row[0]))
	if err != nil {
		return Record{}, fmt.Errorf("timestamp: %w", err)
	}
	if !common.IsHexAddress(strings.TrimSpace(row[1])) {
		return Record{}, fmt.Errorf("recipient %q", row[1])
	}
	amt, err := decimal.NewFromString(strings.TrimSpace(row[2]))
	if err != nil {
		return Record{}, fmt.Errorf("amount: %w", err)
	}
	rec := Record{
		Time:      ts,
		Recipient: common.HexToAddress(strings.TrimSpace(row[1])),
		Amount:    amt,
		Status:    dispatch.Status(strings.TrimSpace(row[3])),
		TxOrError: row[4],
	}
	if len(row) > 5 {
		rec.FeeUsed = strings.TrimSpace(row[5])
	}
	if len(row) > 6 && strings.TrimSpace(row[6]) != "" {
		rec.ConfirmMs, _ = strconv.ParseInt(strings.TrimSpace(row[6]), 10, 64)
	}
	return rec, nil
}

// OutcomeLog appends records to a CSV file, one fsync'd write at a time.
type OutcomeLog struct {
	mu   sync.Mutex
	path string
	f    *os.File
	w    *csv.Writer
}

// OpenOutcomeLog opens path for appending, writing the header to a new file.
func OpenOutcomeLog(path string) (*OutcomeLog, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open outcome log: %w", err)
	}
	l := &OutcomeLog{path: path, f: f, w: csv.NewWriter(f)}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if st.Size() == 0 {
		if err := l.writeRow(outcomeHeader); err != nil {
			_ = f.Close()
			return nil, err
		}
	}
	return l, nil
}

func (l *OutcomeLog) Append(rec Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.writeRow(rec.row())
}

func (l *OutcomeLog) writeRow(row []string) error {
	if l.f == nil {
		return errors.New("outcome log closed")
	}
	if err := l.w.Write(row); err != nil {
		return err
	}
	l.w.Flush()
	if err := l.w.Error(); err != nil {
		return err
	}
	return l.f.Sync()
}

func (l *OutcomeLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}

// ReadOutcomes loads the whole log; a missing file is an empty log.
// Rows that do not parse are skipped.
func ReadOutcomes(path string) ([]Record, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	var out []Record
	for line := 1; ; line++ {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return out, fmt.Errorf("line %d: %w", line, err)
		}
		if line == 1 && len(row) > 0 && row[0] == outcomeHeader[0] {
			continue
		}
		rec, err := parseRecord(row)
		if err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// LatestByRecipient keeps the last record per recipient, in first-seen order.
func LatestByRecipient(records []Record) []Record {
	idx := make(map[common.Address]int)
	var out []Record
	for _, rec := range records {
		if i, ok := idx[rec.Recipient]; ok {
			out[i] = rec
			continue
		}
		idx[rec.Recipient] = len(out)
		out = append(out, rec)
	}
	return out
}

// FailedRecipients lists recipients whose latest outcome is FAILED, with the
// amount recorded for them.
func FailedRecipients(records []Record) []dispatch.Recipient {
	var out []dispatch.Recipient
	for _, rec := range LatestByRecipient(records) {
		if rec.Status == dispatch.StatusFailed {
			out = append(out, dispatch.Recipient{Address: rec.Recipient, Amount: rec.Amount})
		}
	}
	return out
}
