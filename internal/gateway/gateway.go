// Package gateway turns mint, lease and burn requests into tracked ledger
// transactions. A successful call enqueues exactly one pending transaction;
// a failed call enqueues none.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"creditline/internal/chain"
	"creditline/internal/domain"
	"creditline/internal/ledger"
)

type Request struct {
	Kind       domain.OperationKind
	Amount     string
	ProjectID  string
	Recipient  string
	WorkflowID string
}

type Options struct {
	ChainID int64
	Now     func() time.Time
	Logger  *slog.Logger
}

type Gateway struct {
	mu     sync.Mutex
	chain  chain.Client
	ledger *ledger.Store
	opts   Options
	log    *slog.Logger
}

func New(c chain.Client, l *ledger.Store, opts Options) *Gateway {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Gateway{chain: c, ledger: l, opts: opts, log: log.With("component", "gateway")}
}

// Mint issues amount new credits for projectID.
func (g *Gateway) Mint(ctx context.Context, amount, projectID string) (domain.Transaction, error) {
	return g.Submit(ctx, Request{Kind: domain.OperationMint, Amount: amount, ProjectID: projectID})
}

// Lease assigns amount credits of projectID to the recipient for the lease term.
func (g *Gateway) Lease(ctx context.Context, to, projectID, amount string) (domain.Transaction, error) {
	return g.Submit(ctx, Request{Kind: domain.OperationLease, Amount: amount, ProjectID: projectID, Recipient: to})
}

// Burn retires amount credits.
func (g *Gateway) Burn(ctx context.Context, amount string) (domain.Transaction, error) {
	return g.Submit(ctx, Request{Kind: domain.OperationBurn, Amount: amount})
}

// Submit validates req, sends it to the ledger and records the pending
// transaction. The returned transaction is never confirmed yet.
func (g *Gateway) Submit(ctx context.Context, req Request) (domain.Transaction, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.submitLocked(ctx, req)
}

func (g *Gateway) submitLocked(ctx context.Context, req Request) (domain.Transaction, error) {
	amt, err := parseAmount(req.Amount)
	if err != nil {
		return domain.Transaction{}, err
	}
	req.ProjectID = strings.TrimSpace(req.ProjectID)
	req.Recipient = strings.TrimSpace(req.Recipient)
	switch req.Kind {
	case domain.OperationMint:
		if req.ProjectID == "" {
			return domain.Transaction{}, domain.Invalidf("project id is required to mint")
		}
	case domain.OperationLease:
		if req.Recipient == "" {
			return domain.Transaction{}, domain.ErrMissingRecipient
		}
		if req.ProjectID == "" {
			return domain.Transaction{}, domain.Invalidf("project id is required to lease")
		}
	case domain.OperationBurn:
	default:
		return domain.Transaction{}, domain.Invalidf("unknown operation %q", req.Kind)
	}

	if req.Kind != domain.OperationMint {
		if spendable := g.ledger.Spendable(); amt.GreaterThan(spendable) {
			return domain.Transaction{}, fmt.Errorf("%w: %s requested, %s available", domain.ErrInsufficientCredits, amt, spendable)
		}
	}
	intent := chain.Intent{
		Kind:      req.Kind,
		Amount:    amt.String(),
		ProjectID: req.ProjectID,
		Recipient: req.Recipient,
		ChainID:   g.opts.ChainID,
		Nonce:     uuid.NewString(),
	}
	hash, err := g.chain.Submit(ctx, intent)
	if err != nil {
		g.log.Warn("ledger submit failed", "kind", req.Kind, "amount", intent.Amount, "err", err)
		return domain.Transaction{}, fmt.Errorf("submit %s: %w", req.Kind, err)
	}
	tx := domain.Transaction{
		Hash:        hash,
		Kind:        req.Kind,
		Amount:      intent.Amount,
		ProjectID:   req.ProjectID,
		Recipient:   req.Recipient,
		WorkflowID:  req.WorkflowID,
		Status:      domain.TxPending,
		SubmittedAt: g.opts.Now().UTC().Format(time.RFC3339),
	}
	if err := g.ledger.AddPendingTransaction(tx); err != nil {
		return domain.Transaction{}, err
	}
	g.log.Info("transaction submitted", "hash", hash, "kind", req.Kind, "amount", tx.Amount)
	return tx, nil
}

// Retry resubmits the intent of a failed transaction as a new transaction.
// Each failed transaction can be retried once.
func (g *Gateway) Retry(ctx context.Context, hash string) (domain.Transaction, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	tx, ok := g.ledger.Transaction(hash)
	if !ok {
		return domain.Transaction{}, fmt.Errorf("%w: transaction %s", domain.ErrNotFound, hash)
	}
	if tx.Status != domain.TxFailed {
		return domain.Transaction{}, domain.Preconditionf("transaction %s is %s, only failed transactions can be retried", hash, tx.Status)
	}
	if tx.RetriedBy != "" {
		return domain.Transaction{}, domain.Preconditionf("transaction %s was already retried by %s", hash, tx.RetriedBy)
	}
	ntx, err := g.submitLocked(ctx, Request{
		Kind:       tx.Kind,
		Amount:     tx.Amount,
		ProjectID:  tx.ProjectID,
		Recipient:  tx.Recipient,
		WorkflowID: tx.WorkflowID,
	})
	if err != nil {
		return ntx, err
	}
	if err := g.ledger.MarkRetried(ctx, hash, ntx.Hash); err != nil {
		g.log.Error("record retry", "hash", hash, "retry", ntx.Hash, "err", err)
	}
	return ntx, nil
}

func parseAmount(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Decimal{}, fmt.Errorf("%w: amount is required", domain.ErrInvalidAmount)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: %q", domain.ErrInvalidAmount, s)
	}
	if !d.IsPositive() {
		return decimal.Decimal{}, fmt.Errorf("%w: %s must be greater than zero", domain.ErrInvalidAmount, s)
	}
	return d, nil
}
