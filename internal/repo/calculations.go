package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"creditline/internal/domain"
)

// InsertCalculationTx appends a calculation to the report's history.
func (r Repo) InsertCalculationTx(ctx context.Context, tx *sql.Tx, c domain.CreditCalculationResult) error {
	q := r.q(tx)
	reasoning, err := json.Marshal(c.Reasoning)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `INSERT INTO calculations(id,report_id,gross_credits,net_credits,confidence,reasoning_json,methodology,calculated_at,seq)
		VALUES (?,?,?,?,?,?,?,?,(SELECT COALESCE(MAX(seq),0)+1 FROM calculations WHERE report_id=?))`,
		c.ID, c.ReportID, c.GrossCredits, c.NetCredits, c.Confidence, string(reasoning), c.Methodology, c.CalculatedAt, c.ReportID)
	if err != nil {
		return fmt.Errorf("insert calculation: %w", err)
	}
	return nil
}

// ListCalculations returns the report's calculations, most recent first.
func (r Repo) ListCalculations(ctx context.Context, reportID string) ([]domain.CreditCalculationResult, error) {
	return r.listCalculations(ctx, r.DB, reportID, -1)
}

// LatestCalculationTx returns the most recent calculation for a report.
func (r Repo) LatestCalculationTx(ctx context.Context, tx *sql.Tx, reportID string) (domain.CreditCalculationResult, error) {
	out, err := r.listCalculations(ctx, r.q(tx), reportID, 1)
	if err != nil {
		return domain.CreditCalculationResult{}, err
	}
	if len(out) == 0 {
		return domain.CreditCalculationResult{}, fmt.Errorf("%w: no calculation for %s", ErrNotFound, reportID)
	}
	return out[0], nil
}

func (r Repo) listCalculations(ctx context.Context, q querier, reportID string, limit int) ([]domain.CreditCalculationResult, error) {
	rows, err := q.QueryContext(ctx, `SELECT id,report_id,gross_credits,net_credits,confidence,reasoning_json,methodology,calculated_at FROM calculations WHERE report_id=? ORDER BY seq DESC LIMIT ?`, reportID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.CreditCalculationResult
	for rows.Next() {
		var c domain.CreditCalculationResult
		var reasoning string
		if err := rows.Scan(&c.ID, &c.ReportID, &c.GrossCredits, &c.NetCredits, &c.Confidence, &reasoning, &c.Methodology, &c.CalculatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(reasoning), &c.Reasoning); err != nil {
			return nil, fmt.Errorf("calculation %s reasoning: %w", c.ID, err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
