package progress

import (
	"encoding/json"
	"errors"
	"os"

	"github.com/shopspring/decimal"

	"github.com/ligun0805/multisender/internal/dispatch"
)

// QuotaFile persists dispatch.QuotaState as JSON.
type QuotaFile struct {
	Path string
}

// Load returns a zero state when the file does not exist yet.
func (q QuotaFile) Load() (dispatch.QuotaState, error) {
	data, err := os.ReadFile(q.Path)
	if errors.Is(err, os.ErrNotExist) {
		return dispatch.QuotaState{SentAmount: decimal.Zero}, nil
	}
	if err != nil {
		return dispatch.QuotaState{}, err
	}
	var st dispatch.QuotaState
	if err := json.Unmarshal(data, &st); err != nil {
		return dispatch.QuotaState{}, err
	}
	return st, nil
}

// Save writes through a temp file so a crash never leaves half a state.
func (q QuotaFile) Save(st dispatch.QuotaState) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	tmp := q.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, q.Path)
}
