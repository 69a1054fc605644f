// Package ledger holds the wallet and transaction state shared by the gateway,
// the confirmation watcher and the API. All mutation goes through Store
// methods; subscribers receive whole snapshots.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"creditline/internal/domain"
)

// Snapshot is a consistent copy of the store.
type Snapshot struct {
	Wallet        domain.WalletState    `json:"wallet"`
	CarbonBalance string                `json:"carbon_balance"`
	OwnedProjects []string              `json:"owned_projects"`
	LeasedCredits []domain.LeasedCredit `json:"leased_credits"`
	Pending       []domain.Transaction  `json:"pending"`
	Completed     []domain.Transaction  `json:"completed"`
}

// Persisted is the subset of a snapshot that survives restarts.
type Persisted struct {
	CarbonBalance string                `json:"carbon_balance"`
	OwnedProjects []string              `json:"owned_projects"`
	LeasedCredits []domain.LeasedCredit `json:"leased_credits"`
	Completed     []domain.Transaction  `json:"completed"`
}

// Persistable returns the persisted subset of s.
func (s Snapshot) Persistable() Persisted {
	return Persisted{
		CarbonBalance: s.CarbonBalance,
		OwnedProjects: s.OwnedProjects,
		LeasedCredits: s.LeasedCredits,
		Completed:     s.Completed,
	}
}

// Persister saves and restores the persisted subset.
type Persister interface {
	LoadLedger(ctx context.Context) (Persisted, bool, error)
	SaveLedger(ctx context.Context, p Persisted) error
}

// WalletPatch carries the wallet fields to replace. Nil fields keep their value.
type WalletPatch struct {
	Address     *string `json:"address,omitempty"`
	Balance     *string `json:"balance,omitempty"`
	ChainID     *int64  `json:"chain_id,omitempty"`
	IsConnected *bool   `json:"is_connected,omitempty"`
}

type Options struct {
	Persister     Persister
	ChainID       int64
	LeaseDuration time.Duration
	Now           func() time.Time
	Logger        *slog.Logger
}

type Store struct {
	mu sync.Mutex

	opts Options
	log  *slog.Logger

	wallet    domain.WalletState
	balance   decimal.Decimal
	owned     []string
	leased    []domain.LeasedCredit
	pending   []domain.Transaction
	completed []domain.Transaction

	nextSub int
	subs    map[int]chan Snapshot
}

func NewStore(opts Options) *Store {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.LeaseDuration <= 0 {
		opts.LeaseDuration = 365 * 24 * time.Hour
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	s := &Store{opts: opts, log: log.With("component", "ledger"), subs: map[int]chan Snapshot{}}
	s.clearLocked()
	return s
}

// Load restores the persisted subset. Pending transactions and connection
// fields always start from defaults.
func (s *Store) Load(ctx context.Context) error {
	if s.opts.Persister == nil {
		return nil
	}
	p, ok, err := s.opts.Persister.LoadLedger(ctx)
	if err != nil {
		return fmt.Errorf("load ledger: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearLocked()
	if ok {
		bal := decimal.Zero
		if p.CarbonBalance != "" {
			bal, err = decimal.NewFromString(p.CarbonBalance)
			if err != nil {
				return fmt.Errorf("load ledger balance: %w", err)
			}
		}
		s.balance = bal
		s.owned = append([]string(nil), p.OwnedProjects...)
		s.leased = append([]domain.LeasedCredit(nil), p.LeasedCredits...)
		s.completed = append([]domain.Transaction(nil), p.Completed...)
	}
	s.broadcastLocked()
	return nil
}

func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// SetWalletState merges the provided connection fields.
func (s *Store) SetWalletState(p WalletPatch) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.Address != nil {
		s.wallet.Address = *p.Address
	}
	if p.Balance != nil {
		s.wallet.Balance = *p.Balance
	}
	if p.ChainID != nil {
		s.wallet.ChainID = *p.ChainID
	}
	if p.IsConnected != nil {
		s.wallet.IsConnected = *p.IsConnected
	}
	s.broadcastLocked()
	return s.snapshotLocked()
}

// Reset returns wallet and transaction state to defaults and persists the
// cleared subset.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearLocked()
	if err := s.persistLocked(ctx); err != nil {
		return err
	}
	s.log.Info("ledger reset")
	s.broadcastLocked()
	return nil
}

// AddPendingTransaction registers a submitted transaction. A hash already
// known as pending or completed is rejected.
func (s *Store) AddPendingTransaction(tx domain.Transaction) error {
	if tx.Hash == "" {
		return domain.Invalidf("transaction hash is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if indexOf(s.pending, tx.Hash) >= 0 || indexOf(s.completed, tx.Hash) >= 0 {
		return fmt.Errorf("%w: transaction %s already tracked", domain.ErrConflict, tx.Hash)
	}
	tx.Status = domain.TxPending
	s.pending = append(s.pending, tx)
	s.broadcastLocked()
	return nil
}

// CompletePendingTransaction moves hash from pending to completed with the
// given outcome and applies its balance effect. Completing an already
// completed hash returns the recorded transaction and changed=false.
// A persistence failure is returned together with changed=true since the
// in-memory state has already moved.
func (s *Store) CompletePendingTransaction(ctx context.Context, hash string, status domain.TransactionStatus, errMsg string) (domain.Transaction, bool, error) {
	if status != domain.TxConfirmed && status != domain.TxFailed {
		return domain.Transaction{}, false, domain.Invalidf("cannot complete with status %q", status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := indexOf(s.completed, hash); i >= 0 {
		return s.completed[i], false, nil
	}
	i := indexOf(s.pending, hash)
	if i < 0 {
		return domain.Transaction{}, false, fmt.Errorf("%w: transaction %s", domain.ErrNotFound, hash)
	}
	tx := s.pending[i]
	now := s.opts.Now().UTC()
	tx.Status = status
	tx.ResolvedAt = now.Format(time.RFC3339)
	tx.Error = errMsg
	if status == domain.TxConfirmed {
		if err := s.applyLocked(tx, now); err != nil {
			return domain.Transaction{}, false, err
		}
	}
	s.pending = append(s.pending[:i:i], s.pending[i+1:]...)
	s.completed = append(s.completed, tx)
	err := s.persistLocked(ctx)
	s.broadcastLocked()
	if err != nil {
		return tx, true, fmt.Errorf("persist ledger after %s: %w", hash, err)
	}
	return tx, true, nil
}

// MarkRetried records retryHash as the resubmission of the failed
// transaction hash. A transaction is retried at most once.
func (s *Store) MarkRetried(ctx context.Context, hash, retryHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := indexOf(s.completed, hash)
	if i < 0 {
		return fmt.Errorf("%w: transaction %s", domain.ErrNotFound, hash)
	}
	tx := s.completed[i]
	if tx.Status != domain.TxFailed {
		return domain.Preconditionf("transaction %s is %s, only failed transactions can be retried", hash, tx.Status)
	}
	if tx.RetriedBy != "" {
		return domain.Preconditionf("transaction %s was already retried by %s", hash, tx.RetriedBy)
	}
	s.completed[i].RetriedBy = retryHash
	err := s.persistLocked(ctx)
	s.broadcastLocked()
	if err != nil {
		return fmt.Errorf("persist ledger after retry of %s: %w", hash, err)
	}
	return nil
}

// Pending returns a copy of the pending transactions.
func (s *Store) Pending() []domain.Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Transaction(nil), s.pending...)
}

// Transaction looks up hash in either set.
func (s *Store) Transaction(hash string) (domain.Transaction, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := indexOf(s.pending, hash); i >= 0 {
		return s.pending[i], true
	}
	if i := indexOf(s.completed, hash); i >= 0 {
		return s.completed[i], true
	}
	return domain.Transaction{}, false
}

// Spendable is the carbon balance minus pending burns and leases.
func (s *Store) Spendable() decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.balance
	for _, tx := range s.pending {
		if tx.Kind == domain.OperationMint {
			continue
		}
		if amt, err := decimal.NewFromString(tx.Amount); err == nil {
			out = out.Sub(amt)
		}
	}
	return out
}

// Subscribe returns a channel receiving a snapshot after every mutation.
// Slow subscribers skip intermediate snapshots but always get the latest.
func (s *Store) Subscribe() (<-chan Snapshot, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	ch := make(chan Snapshot, 1)
	s.subs[id] = ch
	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if c, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(c)
		}
	}
}

func (s *Store) applyLocked(tx domain.Transaction, at time.Time) error {
	amt, err := decimal.NewFromString(tx.Amount)
	if err != nil {
		return fmt.Errorf("%w: %s", domain.ErrInvalidAmount, tx.Amount)
	}
	switch tx.Kind {
	case domain.OperationMint:
		s.balance = s.balance.Add(amt)
		if tx.ProjectID != "" && !contains(s.owned, tx.ProjectID) {
			s.owned = append(s.owned, tx.ProjectID)
			sort.Strings(s.owned)
		}
	case domain.OperationBurn:
		s.balance = s.balance.Sub(amt)
	case domain.OperationLease:
		s.balance = s.balance.Sub(amt)
		s.leased = append(s.leased, domain.LeasedCredit{
			ProjectID:  tx.ProjectID,
			Amount:     amt.String(),
			Recipient:  tx.Recipient,
			TxHash:     tx.Hash,
			LeaseDate:  at.Format(time.RFC3339),
			ExpiryDate: at.Add(s.opts.LeaseDuration).Format(time.RFC3339),
		})
	default:
		return domain.Invalidf("unknown operation %q", tx.Kind)
	}
	return nil
}

func (s *Store) clearLocked() {
	s.wallet = domain.WalletState{Balance: "0", ChainID: s.opts.ChainID}
	s.balance = decimal.Zero
	s.owned = nil
	s.leased = nil
	s.pending = nil
	s.completed = nil
}

func (s *Store) persistLocked(ctx context.Context) error {
	if s.opts.Persister == nil {
		return nil
	}
	return s.opts.Persister.SaveLedger(ctx, s.snapshotLocked().Persistable())
}

func (s *Store) snapshotLocked() Snapshot {
	return Snapshot{
		Wallet:        s.wallet,
		CarbonBalance: s.balance.String(),
		OwnedProjects: append([]string{}, s.owned...),
		LeasedCredits: append([]domain.LeasedCredit{}, s.leased...),
		Pending:       append([]domain.Transaction{}, s.pending...),
		Completed:     append([]domain.Transaction{}, s.completed...),
	}
}

func (s *Store) broadcastLocked() {
	if len(s.subs) == 0 {
		return
	}
	snap := s.snapshotLocked()
	for _, ch := range s.subs {
		select {
		case ch <- snap:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap:
		default:
		}
	}
}

func indexOf(txs []domain.Transaction, hash string) int {
	for i, tx := range txs {
		if tx.Hash == hash {
			return i
		}
	}
	return -1
}

func contains(xs []string, v string) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}
