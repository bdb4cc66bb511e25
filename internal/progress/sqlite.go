package progress

import (
	"database/sql"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"
)

// SQLiteMirror copies outcome records into a SQLite table for ad-hoc queries.
// The CSV log stays authoritative.
type SQLiteMirror struct {
	db *sql.DB
	mu sync.Mutex
}

// OpenSQLiteMirror opens (or creates) the database and runs migrations.
func OpenSQLiteMirror(path string) (*SQLiteMirror, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	m := &SQLiteMirror{db: db}
	if err := m.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return m, nil
}

func (m *SQLiteMirror) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS outcomes (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp   INTEGER NOT NULL,
			recipient   TEXT NOT NULL,
			amount      TEXT NOT NULL,
			status      TEXT NOT NULL,
			tx_or_error TEXT,
			fee_used    TEXT,
			confirm_ms  INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_outcomes_recipient ON outcomes(recipient)`,
		`CREATE INDEX IF NOT EXISTS idx_outcomes_ts ON outcomes(timestamp)`,
	}
	for _, s := range stmts {
		if _, err := m.db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (m *SQLiteMirror) Insert(rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := m.db.Exec(
		`INSERT INTO outcomes (timestamp, recipient, amount, status, tx_or_error, fee_used, confirm_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.Time.Unix(), rec.Recipient.Hex(), rec.Amount.String(), string(rec.Status), rec.TxOrError, rec.FeeUsed, rec.ConfirmMs,
	)
	return err
}

// CountByStatus returns how many records carry each status.
func (m *SQLiteMirror) CountByStatus() (map[string]int, error) {
	rows, err := m.db.Query(`SELECT status, COUNT(*) FROM outcomes GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}

func (m *SQLiteMirror) Close() error { return m.db.Close() }
