package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"creditline/internal/ledger"
)

// LoadLedger implements ledger.Persister.
func (r Repo) LoadLedger(ctx context.Context) (ledger.Persisted, bool, error) {
	var raw string
	err := r.DB.QueryRowContext(ctx, `SELECT state_json FROM ledger_state WHERE id=1`).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Persisted{}, false, nil
	}
	if err != nil {
		return ledger.Persisted{}, false, err
	}
	var p ledger.Persisted
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return ledger.Persisted{}, false, err
	}
	return p, true, nil
}

// SaveLedger implements ledger.Persister.
func (r Repo) SaveLedger(ctx context.Context, p ledger.Persisted) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO ledger_state(id,state_json,updated_at) VALUES (1,?,?)
		ON CONFLICT(id) DO UPDATE SET state_json=excluded.state_json, updated_at=excluded.updated_at`,
		string(raw), time.Now().UTC().Format(time.RFC3339))
	return err
}
