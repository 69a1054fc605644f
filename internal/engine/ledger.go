package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"creditline/internal/domain"
	"creditline/internal/events"
	"creditline/internal/gateway"
	"creditline/internal/ledger"
)

var errNoLedger = errors.New("ledger not configured")

// Mint submits a mint intent for projectID.
func (e Engine) Mint(ctx context.Context, actor domain.Actor, amount, projectID string) (domain.Transaction, error) {
	return e.submit(ctx, actor, "ledger.mint", gateway.Request{Kind: domain.OperationMint, Amount: amount, ProjectID: projectID})
}

// Lease submits a lease of amount credits of projectID to the recipient.
func (e Engine) Lease(ctx context.Context, actor domain.Actor, to, projectID, amount string) (domain.Transaction, error) {
	return e.submit(ctx, actor, "ledger.lease", gateway.Request{Kind: domain.OperationLease, Amount: amount, ProjectID: projectID, Recipient: to})
}

// Burn submits a retirement of amount credits.
func (e Engine) Burn(ctx context.Context, actor domain.Actor, amount string) (domain.Transaction, error) {
	return e.submit(ctx, actor, "ledger.burn", gateway.Request{Kind: domain.OperationBurn, Amount: amount})
}

func (e Engine) submit(ctx context.Context, actor domain.Actor, perm string, req gateway.Request) (domain.Transaction, error) {
	if err := e.Auth.Require(actor, perm); err != nil {
		return domain.Transaction{}, err
	}
	if e.Gateway == nil {
		return domain.Transaction{}, errNoLedger
	}
	tx, err := e.Gateway.Submit(ctx, req)
	if err != nil {
		return tx, err
	}
	if err := e.appendTransaction(ctx, nil, events.TransactionSubmitted, actor.ID, tx); err != nil {
		e.log().Warn("record submitted transaction", "hash", tx.Hash, "err", err)
	}
	return tx, nil
}

// RetryTransaction resubmits a failed transaction. A retried workflow mint
// moves the workflow's transaction hash to the new transaction, so only the
// mint the workflow currently points at can be retried.
func (e Engine) RetryTransaction(ctx context.Context, actor domain.Actor, hash string) (domain.Transaction, error) {
	if err := e.Auth.Require(actor, "ledger.write"); err != nil {
		return domain.Transaction{}, err
	}
	if e.Gateway == nil || e.Ledger == nil {
		return domain.Transaction{}, errNoLedger
	}
	orig, ok := e.Ledger.Transaction(hash)
	if !ok {
		return domain.Transaction{}, fmt.Errorf("%w: transaction %s", domain.ErrNotFound, hash)
	}
	if orig.WorkflowID != "" {
		unlock := e.lockWorkflow(orig.WorkflowID)
		defer unlock()
		wf, err := e.Repo.GetWorkflow(ctx, orig.WorkflowID)
		if err != nil {
			return domain.Transaction{}, err
		}
		if wf.TransactionHash == nil || *wf.TransactionHash != hash {
			return domain.Transaction{}, domain.Preconditionf("workflow %s does not reference transaction %s", wf.ID, hash)
		}
	}
	ntx, err := e.Gateway.Retry(ctx, hash)
	if err != nil {
		return ntx, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return ntx, err
	}
	defer tx.Rollback()

	if ntx.WorkflowID != "" {
		wf, err := e.Repo.GetWorkflowTx(ctx, tx, ntx.WorkflowID)
		if err != nil {
			return ntx, err
		}
		next := wf.Clone()
		next.TransactionHash = &ntx.Hash
		if _, err := e.Repo.UpdateWorkflowTx(ctx, tx, next, wf.Version); err != nil {
			return ntx, err
		}
	}
	if err := e.appendTransaction(ctx, tx, events.TransactionSubmitted, actor.ID, ntx, "retry_of", hash); err != nil {
		return ntx, err
	}
	if err := tx.Commit(); err != nil {
		return ntx, err
	}
	return ntx, nil
}

// RecordResolution appends the confirmed or failed event for a transaction
// resolved by the watcher.
func (e Engine) RecordResolution(ctx context.Context, t domain.Transaction) {
	evt := events.TransactionConfirmed
	if t.Status == domain.TxFailed {
		evt = events.TransactionFailed
	}
	if err := e.appendTransaction(ctx, nil, evt, "system", t, "error", t.Error); err != nil {
		e.log().Warn("record transaction resolution", "hash", t.Hash, "status", t.Status, "err", err)
	}
}

func (e Engine) appendTransaction(ctx context.Context, tx *sql.Tx, evt, actorID string, t domain.Transaction, extra ...string) error {
	payload := events.EventPayload{
		"kind":   t.Kind,
		"amount": t.Amount,
		"status": t.Status,
	}
	if t.Recipient != "" {
		payload["recipient"] = t.Recipient
	}
	if t.WorkflowID != "" {
		payload["workflow_id"] = t.WorkflowID
	}
	for i := 0; i+1 < len(extra); i += 2 {
		if extra[i+1] != "" {
			payload[extra[i]] = extra[i+1]
		}
	}
	return e.Events.Append(ctx, tx, evt, t.ProjectID, "transaction", t.Hash, actorID, payload)
}

func (e Engine) LedgerSnapshot(actor domain.Actor) (ledger.Snapshot, error) {
	if err := e.Auth.Require(actor, "ledger.read"); err != nil {
		return ledger.Snapshot{}, err
	}
	if e.Ledger == nil {
		return ledger.Snapshot{}, errNoLedger
	}
	return e.Ledger.Snapshot(), nil
}

func (e Engine) Transaction(actor domain.Actor, hash string) (domain.Transaction, error) {
	if err := e.Auth.Require(actor, "ledger.read"); err != nil {
		return domain.Transaction{}, err
	}
	if e.Ledger == nil {
		return domain.Transaction{}, errNoLedger
	}
	t, ok := e.Ledger.Transaction(hash)
	if !ok {
		return t, domain.ErrNotFound
	}
	return t, nil
}

// SetWallet merges the provided wallet fields.
func (e Engine) SetWallet(actor domain.Actor, p ledger.WalletPatch) (ledger.Snapshot, error) {
	if err := e.Auth.Require(actor, "ledger.write"); err != nil {
		return ledger.Snapshot{}, err
	}
	if e.Ledger == nil {
		return ledger.Snapshot{}, errNoLedger
	}
	return e.Ledger.SetWalletState(p), nil
}

// ResetLedger clears wallet and transaction state.
func (e Engine) ResetLedger(ctx context.Context, actor domain.Actor) error {
	if err := e.Auth.Require(actor, "ledger.write"); err != nil {
		return err
	}
	if e.Ledger == nil {
		return errNoLedger
	}
	if err := e.Ledger.Reset(ctx); err != nil {
		return err
	}
	return e.Events.Append(ctx, nil, events.LedgerReset, "", "ledger", "", actor.ID, nil)
}
