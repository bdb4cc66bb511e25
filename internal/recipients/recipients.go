// Package recipients loads the distribution list and assigns amounts.
package recipients

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/ligun0805/multisender/internal/dispatch"
	"github.com/ligun0805/multisender/internal/logx"
)

// Entry is a parsed row; Amount is zero when the row did not carry one.
type Entry struct {
	Address common.Address
	Amount  decimal.Decimal
	Line    int
}

func (e Entry) HasAmount() bool { return e.Amount.IsPositive() }

// LoadCSV reads path. Rows are "address" or "address,amount", split on ','
// or ';'. Bad rows are skipped with a warning; later duplicates are dropped.
func LoadCSV(path string, log logx.Logger) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read recipients: %w", err)
	}
	return Parse(data, log)
}

// Parse is LoadCSV over an in-memory file.
func Parse(data []byte, log logx.Logger) ([]Entry, error) {
	reader := csv.NewReader(strings.NewReader(string(data)))
	reader.Comma = detectDelimiter(data)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	reader.Comment = '#'
	reader.LazyQuotes = true

	seen := make(map[common.Address]int)
	var out []Entry
	for rec := 0; ; {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		var perr *csv.ParseError
		if errors.As(err, &perr) {
			log.Warn("skipping unparsable row", logx.Int("line", perr.Line), logx.Err(perr.Err))
			continue
		}
		if err != nil {
			return out, fmt.Errorf("read recipients: %w", err)
		}
		rec++
		lineNo, _ := reader.FieldPos(0)
		if skipRow(row, rec) {
			continue
		}
		raw := strings.TrimSpace(row[0])
		if !common.IsHexAddress(raw) || !validChecksum(raw) {
			log.Warn("skipping malformed address", logx.Int("line", lineNo), logx.String("value", raw))
			continue
		}
		e := Entry{Address: common.HexToAddress(raw), Amount: decimal.Zero, Line: lineNo}
		if e.Address == (common.Address{}) {
			log.Warn("skipping zero address", logx.Int("line", lineNo))
			continue
		}
		if len(row) > 1 && strings.TrimSpace(row[1]) != "" {
			amt, err := decimal.NewFromString(strings.TrimSpace(row[1]))
			if err != nil || !amt.IsPositive() {
				log.Warn("skipping malformed amount", logx.Int("line", lineNo), logx.String("value", row[1]))
				continue
			}
			e.Amount = amt
		}
		if first, dup := seen[e.Address]; dup {
			log.Warn("dropping duplicate recipient", logx.Int("line", lineNo), logx.Int("first_line", first), logx.String("address", e.Address.Hex()))
			continue
		}
		seen[e.Address] = lineNo
		out = append(out, e)
	}
	return out, nil
}

func detectDelimiter(data []byte) rune {
	for _, l := range strings.Split(string(data), "\n") {
		l = strings.TrimSpace(l)
		if l == "" || strings.HasPrefix(l, "#") {
			continue
		}
		if strings.Contains(l, ";") && !strings.Contains(l, ",") {
			return ';'
		}
		break
	}
	return ','
}

func skipRow(row []string, record int) bool {
	if len(row) == 0 {
		return true
	}
	if len(row) == 1 && strings.TrimSpace(row[0]) == "" {
		return true
	}
	if record == 1 && !strings.HasPrefix(strings.TrimSpace(row[0]), "0x") {
		head := strings.ToLower(strings.Join(row, ","))
		if strings.Contains(head, "address") || strings.Contains(head, "recipient") || strings.Contains(head, "wallet") {
			return true
		}
	}
	return false
}

// validChecksum rejects mixed-case addresses whose EIP-55 checksum is wrong.
// All-lower and all-upper hex carry no checksum and pass.
func validChecksum(s string) bool {
	hex := strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if hex == strings.ToLower(hex) || hex == strings.ToUpper(hex) {
		return true
	}
	return common.HexToAddress(s).Hex()[2:] == hex
}

// Shuffle permutes list in place.
func Shuffle[T any](list []T, rng *rand.Rand) {
	if rng == nil {
		rand.Shuffle(len(list), func(i, j int) { list[i], list[j] = list[j], list[i] })
		return
	}
	rng.Shuffle(len(list), func(i, j int) { list[i], list[j] = list[j], list[i] })
}

// AmountDrawer picks amounts uniformly in [Min, Max] rounded to Precision
// decimal places.
type AmountDrawer struct {
	Min       decimal.Decimal
	Max       decimal.Decimal
	Precision int32
	Rand      *rand.Rand
}

func (d AmountDrawer) Validate() error {
	if !d.Min.IsPositive() {
		return fmt.Errorf("min amount must be > 0, got %s", d.Min)
	}
	if d.Max.LessThan(d.Min) {
		return fmt.Errorf("max amount %s below min %s", d.Max, d.Min)
	}
	if d.Precision < 0 {
		return fmt.Errorf("negative amount precision %d", d.Precision)
	}
	return nil
}

func (d AmountDrawer) Draw() decimal.Decimal {
	f := rand.Float64
	if d.Rand != nil {
		f = d.Rand.Float64
	}
	span := d.Max.Sub(d.Min)
	amt := d.Min.Add(span.Mul(decimal.NewFromFloat(f()))).Round(d.Precision)
	if amt.LessThan(d.Min) {
		amt = d.Min
	}
	if amt.GreaterThan(d.Max) {
		amt = d.Max
	}
	return amt
}

// Assign turns entries into recipients, drawing an amount for each entry
// that has none.
func Assign(entries []Entry, d AmountDrawer) []dispatch.Recipient {
	out := make([]dispatch.Recipient, 0, len(entries))
	for _, e := range entries {
		amt := e.Amount
		if !e.HasAmount() {
			amt = d.Draw()
		}
		out = append(out, dispatch.Recipient{Address: e.Address, Amount: amt})
	}
	return out
}
