// Package watcher resolves pending ledger transactions by polling the chain.
package watcher

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"creditline/internal/chain"
	"creditline/internal/domain"
	"creditline/internal/ledger"
)

const defaultInterval = 5 * time.Second

type Options struct {
	Interval time.Duration
	// Timeout bounds how long a transaction may stay pending. Older pending
	// transactions fail with ErrConfirmationTimeout even when the chain is
	// unreachable. Zero disables the timeout.
	Timeout       time.Duration
	RatePerSecond float64
	Now           func() time.Time
	Logger        *slog.Logger
	// Resolved is called once for every transaction Poll moves to completed.
	Resolved func(ctx context.Context, tx domain.Transaction)
}

type Watcher struct {
	chain   chain.Client
	ledger  *ledger.Store
	opts    Options
	limiter *rate.Limiter
	log     *slog.Logger
}

func New(c chain.Client, l *ledger.Store, opts Options) *Watcher {
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	limit := rate.Inf
	if opts.RatePerSecond > 0 {
		limit = rate.Limit(opts.RatePerSecond)
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Watcher{
		chain:   c,
		ledger:  l,
		opts:    opts,
		limiter: rate.NewLimiter(limit, 1),
		log:     log.With("component", "watcher"),
	}
}

// Run polls until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.opts.Interval)
	defer ticker.Stop()
	for {
		if _, err := w.Poll(ctx); err != nil && ctx.Err() == nil {
			w.log.Error("poll failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Poll checks every pending transaction once and returns those it resolved.
// Unreachable transactions stay pending until they exceed the timeout.
func (w *Watcher) Poll(ctx context.Context) ([]domain.Transaction, error) {
	var resolved []domain.Transaction
	var persistErr error
	for _, tx := range w.ledger.Pending() {
		if err := w.limiter.Wait(ctx); err != nil {
			return resolved, err
		}
		status, reason := w.check(ctx, tx)
		if status == domain.TxPending {
			continue
		}
		done, changed, err := w.ledger.CompletePendingTransaction(ctx, tx.Hash, status, reason)
		if err != nil && !changed {
			if errors.Is(err, domain.ErrNotFound) {
				continue
			}
			return resolved, err
		}
		if err != nil {
			w.log.Error("ledger not persisted", "hash", tx.Hash, "err", err)
			if persistErr == nil {
				persistErr = err
			}
		}
		if !changed {
			continue
		}
		if status == domain.TxConfirmed {
			w.log.Info("transaction confirmed", "hash", tx.Hash, "kind", tx.Kind, "amount", tx.Amount)
		} else {
			w.log.Warn("transaction failed", "hash", tx.Hash, "kind", tx.Kind, "reason", reason)
		}
		resolved = append(resolved, done)
		if w.opts.Resolved != nil {
			w.opts.Resolved(ctx, done)
		}
	}
	return resolved, persistErr
}

func (w *Watcher) check(ctx context.Context, tx domain.Transaction) (domain.TransactionStatus, string) {
	r, err := w.chain.Status(ctx, tx.Hash)
	if err == nil {
		switch r.Status {
		case domain.TxConfirmed:
			return domain.TxConfirmed, ""
		case domain.TxFailed:
			reason := r.Error
			if reason == "" {
				reason = "rejected by ledger"
			}
			return domain.TxFailed, reason
		}
	} else {
		w.log.Debug("status unavailable", "hash", tx.Hash, "err", err)
	}
	if w.expired(tx) {
		return domain.TxFailed, domain.ErrConfirmationTimeout.Error()
	}
	return domain.TxPending, ""
}

func (w *Watcher) expired(tx domain.Transaction) bool {
	if w.opts.Timeout <= 0 {
		return false
	}
	submitted, err := time.Parse(time.RFC3339, tx.SubmittedAt)
	if err != nil {
		return false
	}
	return w.opts.Now().Sub(submitted) >= w.opts.Timeout
}
